package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	current atomic.Pointer[SecureLogger]

	// activeLog is the file opened by the last InitLogger, closed on re-init
	activeLogMu sync.Mutex
	activeLog   io.Closer
)

// InitLogger swaps in a logger built from config. A previously opened log file
// is closed once the new logger is in place.
func InitLogger(config *Config) error {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}
	if config.EnableDebug {
		level = LogLevelDebug
	}

	var output io.Writer = os.Stderr
	var file *os.File
	if config.LogFile != "" {
		file, err = os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return NewValidationError("log_file", "failed to open log file").
				WithSuggestion("Check file permissions and path validity").
				WithContext("file", config.LogFile).
				WithContext("error", err.Error())
		}
		output = file
	}

	current.Store(NewSecureLogger(output, level, config.EnableDebug, config.QuietMode))

	activeLogMu.Lock()
	previous := activeLog
	activeLog = nil
	if file != nil {
		activeLog = file
	}
	activeLogMu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

// CloseLogger closes the log file, if any, and falls back to stderr
func CloseLogger() error {
	current.Store(nil)

	activeLogMu.Lock()
	file := activeLog
	activeLog = nil
	activeLogMu.Unlock()

	if file == nil {
		return nil
	}
	return file.Close()
}

// GetLogger returns the process logger, a stderr info logger until InitLogger runs
func GetLogger() *SecureLogger {
	if logger := current.Load(); logger != nil {
		return logger
	}
	current.CompareAndSwap(nil, NewDefaultLogger(false, false))
	return current.Load()
}

// ParseLogLevel accepts debug, info, warn/warning and error in any case. An
// empty level means info.
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, NewValidationErrorWithValue("log_level", "must be one of debug, info, warn, error", level)
}

func LogError(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func LogWarn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func LogInfo(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func LogDebug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

// LogFailure logs err once, with the detail its type carries: gateway errors
// at their severity, aborted publishes with the offending paths, validation
// errors with their suggestion.
func LogFailure(err error) {
	if err == nil {
		return
	}

	var pErr *PipelineError
	var gwErr *GatewayError
	var valErr *ValidationError
	switch {
	case errors.As(err, &pErr):
		logPipelineError(pErr)
	case errors.As(err, &gwErr):
		logGatewayError(gwErr)
	case errors.As(err, &valErr):
		GetLogger().Error("Invalid %s", valErr.DetailedError())
	default:
		GetLogger().Error("%v", err)
	}
}

func logGatewayError(err *GatewayError) {
	logger := GetLogger()
	line := err.DetailedError()

	switch err.Severity {
	case SeverityInfo:
		logger.Info("%s", line)
	case SeverityWarning:
		logger.Warn("%s", line)
	case SeverityCritical:
		logger.Error("Gateway unusable: %s", line)
	default:
		logger.Error("%s", line)
	}
}

func logPipelineError(err *PipelineError) {
	line := fmt.Sprintf("Chapter %s not submitted (%s): %s", err.ChapterID, err.Kind, err.Message)
	if len(err.Paths) > 0 {
		line += "\n  references: " + strings.Join(err.Paths, ", ")
	}
	if err.Cause != nil {
		line += "\n  cause: " + err.Cause.Error()
	}
	GetLogger().Error("%s", line)
}
