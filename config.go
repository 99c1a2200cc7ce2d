package dumpagent

import (
	"time"

	"github.com/qsmonitor/dumpagent/internal/config"
)

// Environment variable names recognized by ConfigFromEnv. Flag values in the
// CLI override these.
const (
	EnvLogDir             = "DUMP_LOG_DIR"
	EnvScriptPath         = "DUMP_SCRIPT_PATH"
	EnvMaxConcurrency     = "DUMP_MAX_CONCURRENCY"
	EnvPathStrategy       = "DUMP_PATH_STRATEGY"
	EnvDirectoryPrefix    = "DUMP_DIRECTORY_PREFIX"
	EnvUploadPrefix       = "DUMP_UPLOAD_PREFIX"
	EnvAutoUpload         = "DUMP_AUTO_UPLOAD"
	EnvHeadlessTimeout    = "DUMP_HEADLESS_TIMEOUT"
	EnvInteractiveTimeout = "DUMP_INTERACTIVE_TIMEOUT"
	EnvCrashPollInterval  = "CRASH_POLL_INTERVAL"
)

// ConfigFromEnv builds a coordinator Config from the environment. All
// settings are explicit values on the returned struct; nothing reads the
// environment after construction, so live reconfiguration means building a
// new coordinator.
func ConfigFromEnv() Config {
	return Config{
		LogDir:             config.String(EnvLogDir, "logs"),
		ScriptPath:         config.String(EnvScriptPath, "coredump_extraction_script.sh"),
		MaxConcurrency:     config.Int(EnvMaxConcurrency, 3),
		PathStrategy:       config.String(EnvPathStrategy, "unified"),
		DirectoryPrefix:    config.String(EnvDirectoryPrefix, "issues"),
		UploadPrefix:       config.String(EnvUploadPrefix, "issues"),
		AutoUpload:         config.Bool(EnvAutoUpload, false),
		HeadlessTimeout:    config.Duration(EnvHeadlessTimeout, DefaultHeadlessTimeout),
		InteractiveTimeout: config.Duration(EnvInteractiveTimeout, DefaultInteractiveTimeout),
		KillGracePeriod:    DefaultKillGracePeriod,
	}
}

// CrashPollInterval returns the crash monitor poll interval from the
// environment.
func CrashPollInterval() time.Duration {
	return config.Duration(EnvCrashPollInterval, 30*time.Second)
}
