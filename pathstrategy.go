package dumpagent

import (
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// PathStrategy decides the on-disk layout for a device's dump directory.
// Implementations are pure functions of their inputs; the coordinator picks
// one strategy at construction time and never swaps it mid-request.
type PathStrategy interface {
	DumpDirectory(deviceID, timestamp string, trigger TriggerReason) string
	Name() string
}

// UnifiedPathStrategy groups every device of one incident under a shared
// timestamped directory: {root}/{prefix}/{timestamp}/{device}.
type UnifiedPathStrategy struct {
	LogDir string
	Prefix string
}

func (s UnifiedPathStrategy) DumpDirectory(deviceID, timestamp string, trigger TriggerReason) string {
	return filepath.Join(s.LogDir, s.Prefix, timestamp, deviceID)
}

func (s UnifiedPathStrategy) Name() string { return "unified" }

// IndividualPathStrategy keeps ad hoc manual dumps per device with no
// incident grouping: {root}/dumps/{device}.
type IndividualPathStrategy struct {
	LogDir string
}

func (s IndividualPathStrategy) DumpDirectory(deviceID, timestamp string, trigger TriggerReason) string {
	return filepath.Join(s.LogDir, "dumps", deviceID)
}

func (s IndividualPathStrategy) Name() string { return "individual" }

// HybridPathStrategy uses the unified layout for automated health-check
// triggers and the individual layout for everything else.
type HybridPathStrategy struct {
	Unified    UnifiedPathStrategy
	Individual IndividualPathStrategy
}

func (s HybridPathStrategy) DumpDirectory(deviceID, timestamp string, trigger TriggerReason) string {
	if trigger == TriggerHealthCheck {
		return s.Unified.DumpDirectory(deviceID, timestamp, trigger)
	}
	return s.Individual.DumpDirectory(deviceID, timestamp, trigger)
}

func (s HybridPathStrategy) Name() string { return "hybrid" }

// NewPathStrategy builds the strategy named in configuration. Unknown names
// fall back to unified with a warning.
func NewPathStrategy(name, logDir, prefix string) PathStrategy {
	if logDir == "" {
		logDir = "logs"
	}
	if prefix == "" {
		prefix = "issues"
	}
	switch name {
	case "", "unified":
		return UnifiedPathStrategy{LogDir: logDir, Prefix: prefix}
	case "individual":
		return IndividualPathStrategy{LogDir: logDir}
	case "hybrid":
		return HybridPathStrategy{
			Unified:    UnifiedPathStrategy{LogDir: logDir, Prefix: prefix},
			Individual: IndividualPathStrategy{LogDir: logDir},
		}
	default:
		log.Warn().Str("strategy", name).Msg("unknown path strategy, falling back to unified")
		return UnifiedPathStrategy{LogDir: logDir, Prefix: prefix}
	}
}
