package dumpagent

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const coredumpDirectory = "/data/var/lib/systemd/systemd-coredump/"

// DumpRequester is the trigger-facing slice of the coordinator.
type DumpRequester interface {
	Request(trigger TriggerReason, targets []string, opts RequestOptions)
}

// CrashMonitor polls every attached device for fresh coredump files and
// triggers a headless fleet dump when any appear. Overlapping triggers are
// harmless: the coordinator drops requests while one is active.
type CrashMonitor struct {
	transport Transport
	requester DumpRequester
	interval  time.Duration

	// seen tracks coredump names already observed per device so each batch
	// triggers at most once.
	seen map[string]map[string]struct{}
}

// NewCrashMonitor builds a monitor polling at the given interval.
func NewCrashMonitor(transport Transport, requester DumpRequester, interval time.Duration) (*CrashMonitor, error) {
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if requester == nil {
		return nil, errors.New("dump requester cannot be nil")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CrashMonitor{
		transport: transport,
		requester: requester,
		interval:  interval,
		seen:      make(map[string]map[string]struct{}),
	}, nil
}

// Run polls until the context is cancelled.
func (m *CrashMonitor) Run(ctx context.Context) error {
	log.Info().Dur("interval", m.interval).Msg("crash monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll runs a single scan cycle. Exposed for one-shot use and tests.
func (m *CrashMonitor) Poll(ctx context.Context) {
	serials, err := m.transport.ListDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("crash monitor: list devices failed")
		return
	}
	crashed := make([]string, 0, len(serials))
	for _, serial := range serials {
		fresh, err := m.scanDevice(ctx, serial)
		if err != nil {
			log.Debug().Err(err).Str("serial", serial).Msg("crash monitor: coredump scan failed")
			continue
		}
		if fresh {
			crashed = append(crashed, serial)
		}
	}
	if len(crashed) == 0 {
		return
	}
	log.Info().Strs("crashed", crashed).Int("targets", len(serials)).Msg("crash monitor detected new coredumps, requesting fleet dump")
	// Dump the whole fleet for the incident, not just the crashed devices.
	m.requester.Request(TriggerCrashMonitor, serials, RequestOptions{})
}

// scanDevice lists the device's coredump directory and reports whether any
// unseen coredump file appeared.
func (m *CrashMonitor) scanDevice(ctx context.Context, serial string) (bool, error) {
	output, err := m.transport.ExecuteShell(ctx, serial, "ls "+coredumpDirectory)
	if err != nil {
		return false, err
	}
	known := m.seen[serial]
	if known == nil {
		known = make(map[string]struct{})
		m.seen[serial] = known
	}
	fresh := false
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasPrefix(name, "ls:") {
			continue
		}
		if !isCoredumpName(name) {
			continue
		}
		if _, ok := known[name]; ok {
			continue
		}
		known[name] = struct{}{}
		fresh = true
		log.Debug().Str("serial", serial).Str("coredump", name).Msg("crash monitor found coredump file")
	}
	return fresh, nil
}

func isCoredumpName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(name, "core.") ||
		strings.HasSuffix(name, ".core") ||
		strings.Contains(lower, "core")
}
