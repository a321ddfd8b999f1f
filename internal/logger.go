package internal

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// SecureLogger is a leveled logger that scrubs credential material from every line
type SecureLogger struct {
	mu        sync.RWMutex
	logger    *log.Logger
	level     LogLevel
	debug     bool
	quiet     bool
	redactors []Redactor
}

// Redactor rewrites a log line to hide secrets
type Redactor interface {
	Redact(input string) string
}

// KeyValueRedactor hides the value following any of its markers, up to a delimiter
type KeyValueRedactor struct {
	Markers    []string
	Delimiters string
}

// Redact implements Redactor
func (r *KeyValueRedactor) Redact(input string) string {
	result := input
	for _, marker := range r.Markers {
		result = redactAfter(result, marker, r.Delimiters)
	}
	return result
}

// redactAfter replaces every value after marker (case-insensitive) with [REDACTED]
func redactAfter(input, marker, delimiters string) string {
	lowerMarker := strings.ToLower(marker)
	var b strings.Builder
	rest := input
	for {
		idx := strings.Index(strings.ToLower(rest), lowerMarker)
		if idx == -1 {
			b.WriteString(rest)
			return b.String()
		}
		start := idx + len(marker)
		for start < len(rest) && rest[start] == ' ' {
			start++
		}
		end := start
		for end < len(rest) && !strings.ContainsRune(delimiters, rune(rest[end])) {
			end++
		}
		b.WriteString(rest[:start])
		if end > start {
			b.WriteString("[REDACTED]")
		}
		rest = rest[end:]
	}
}

// NewHeaderRedactor hides gateway credential headers and bearer tokens
func NewHeaderRedactor() Redactor {
	return &KeyValueRedactor{
		Markers: []string{
			"Bearer ",
			"pinata_api_key:",
			"pinata_secret_api_key:",
			"Authorization:",
		},
		Delimiters: " ;,\r\n]",
	}
}

// NewParamRedactor hides secrets passed as key=value pairs
func NewParamRedactor() Redactor {
	return &KeyValueRedactor{
		Markers: []string{
			"api_key=",
			"api_secret=",
			"secret=",
			"token=",
		},
		Delimiters: "& \r\n",
	}
}

// NewSecureLogger creates a new secure logger
func NewSecureLogger(output io.Writer, level LogLevel, debug, quiet bool) *SecureLogger {
	return &SecureLogger{
		logger:    log.New(output, "", 0),
		level:     level,
		debug:     debug,
		quiet:     quiet,
		redactors: []Redactor{NewHeaderRedactor(), NewParamRedactor()},
	}
}

// NewDefaultLogger creates a stderr logger with default settings
func NewDefaultLogger(debug, quiet bool) *SecureLogger {
	level := LogLevelInfo
	if debug {
		level = LogLevelDebug
	}
	if quiet {
		level = LogLevelError
	}

	return NewSecureLogger(os.Stderr, level, debug, quiet)
}

func (sl *SecureLogger) redactSensitiveData(input string) string {
	sl.mu.RLock()
	redactors := sl.redactors
	sl.mu.RUnlock()

	result := input
	for _, redactor := range redactors {
		result = redactor.Redact(result)
	}
	return result
}

func (sl *SecureLogger) formatMessage(level LogLevel, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05")

	sl.mu.RLock()
	debug := sl.debug
	sl.mu.RUnlock()

	if debug {
		for depth := 3; depth <= 5; depth++ {
			_, file, line, ok := runtime.Caller(depth)
			name := filepath.Base(file)
			if ok && name != "logger.go" && name != "log.go" {
				return fmt.Sprintf("[%s] %s %s:%d %s", timestamp, level.String(), name, line, message)
			}
		}
	}

	return fmt.Sprintf("[%s] %s %s", timestamp, level.String(), message)
}

func (sl *SecureLogger) shouldLog(level LogLevel) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	if sl.quiet && level > LogLevelError {
		return false
	}
	return level <= sl.level
}

func (sl *SecureLogger) write(level LogLevel, format string, args ...interface{}) {
	if !sl.shouldLog(level) {
		return
	}
	message := sl.redactSensitiveData(fmt.Sprintf(format, args...))
	sl.logger.Print(sl.formatMessage(level, message))
}

// Error logs an error message
func (sl *SecureLogger) Error(format string, args ...interface{}) {
	sl.write(LogLevelError, format, args...)
}

// Warn logs a warning message
func (sl *SecureLogger) Warn(format string, args ...interface{}) {
	sl.write(LogLevelWarn, format, args...)
}

// Info logs an info message
func (sl *SecureLogger) Info(format string, args ...interface{}) {
	sl.write(LogLevelInfo, format, args...)
}

// Debug logs a debug message
func (sl *SecureLogger) Debug(format string, args ...interface{}) {
	sl.write(LogLevelDebug, format, args...)
}

// LogHTTPRequest logs an outgoing gateway request with credential headers redacted
func (sl *SecureLogger) LogHTTPRequest(req *http.Request) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Request: %s %s Headers: %v", req.Method, req.URL.String(), sl.sanitizeHeaders(req.Header))
}

// LogHTTPResponse logs a gateway response with credential headers redacted
func (sl *SecureLogger) LogHTTPResponse(resp *http.Response) {
	if !sl.shouldLog(LogLevelDebug) {
		return
	}
	sl.Debug("HTTP Response: %d %s Headers: %v", resp.StatusCode, resp.Status, sl.sanitizeHeaders(resp.Header))
}

func (sl *SecureLogger) sanitizeHeaders(header http.Header) map[string]string {
	sanitized := make(map[string]string, len(header))
	for name, values := range header {
		if isSensitiveHeader(name) {
			sanitized[name] = "[REDACTED]"
			continue
		}
		sanitized[name] = strings.Join(values, ", ")
	}
	return sanitized
}

func isSensitiveHeader(name string) bool {
	lowerName := strings.ToLower(name)
	for _, sensitive := range []string{"authorization", "cookie", "pinata_", "api-key", "api_key", "secret", "token"} {
		if strings.Contains(lowerName, sensitive) {
			return true
		}
	}
	return false
}

// SetLevel sets the logging level
func (sl *SecureLogger) SetLevel(level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.level = level
}

// SetDebug enables or disables debug mode
func (sl *SecureLogger) SetDebug(debug bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.debug = debug
	if debug && sl.level < LogLevelDebug {
		sl.level = LogLevelDebug
	}
}

// SetQuiet enables or disables quiet mode
func (sl *SecureLogger) SetQuiet(quiet bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.quiet = quiet
	if quiet {
		sl.level = LogLevelError
	}
}

// AddRedactor adds a custom redactor
func (sl *SecureLogger) AddRedactor(redactor Redactor) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.redactors = append(sl.redactors, redactor)
}
