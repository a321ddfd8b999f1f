package internal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents different types of gateway errors
type ErrorType int

const (
	ErrRateLimit ErrorType = iota
	ErrNetworkTimeout
	ErrInvalidResponse
	ErrAuthRequired
	ErrNotFound
	ErrUploadFailed
	ErrDownloadFailed
	ErrGatewayExhausted
	ErrNoCredentialAvailable
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var (
	// ErrChapterNotFound is returned by repositories for unknown chapter ids
	ErrChapterNotFound = errors.New("chapter not found")
	// ErrQueueClosed is returned for work submitted to, or pending in, a closed queue
	ErrQueueClosed = errors.New("queue closed")
	// ErrStatusConflict is returned when a conditional status update finds the chapter in another state
	ErrStatusConflict = errors.New("chapter status conflict")
)

// GatewayError is a storage gateway failure with classification details
type GatewayError struct {
	Code       int                    `json:"code"`
	Message    string                 `json:"message"`
	Type       ErrorType              `json:"type"`
	Severity   ErrorSeverity          `json:"severity"`
	URL        string                 `json:"url,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	RetryAfter int                    `json:"retry_after,omitempty"` // seconds
	Context    map[string]interface{} `json:"context,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	parts := []string{fmt.Sprintf("gateway error (code: %d, type: %s)", e.Code, e.Type.String())}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " - ")
}

// Unwrap exposes the underlying cause
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// DetailedError returns a multi-line description with context and suggestion
func (e *GatewayError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s] %s Error", e.Severity.String(), e.Type.String()))
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("Code: %d", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, fmt.Sprintf("Message: %s", e.Message))
	}
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("URL: %s", redactSensitiveURL(e.URL)))
	}
	if len(e.Context) > 0 {
		parts = append(parts, fmt.Sprintf("Context: %s", formatContext(e.Context)))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("Retry after: %d seconds", e.RetryAfter))
	}

	return strings.Join(parts, "\n")
}

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrRateLimit:
		return "RateLimit"
	case ErrNetworkTimeout:
		return "NetworkTimeout"
	case ErrInvalidResponse:
		return "InvalidResponse"
	case ErrAuthRequired:
		return "AuthRequired"
	case ErrNotFound:
		return "NotFound"
	case ErrUploadFailed:
		return "UploadFailed"
	case ErrDownloadFailed:
		return "DownloadFailed"
	case ErrGatewayExhausted:
		return "GatewayExhausted"
	case ErrNoCredentialAvailable:
		return "NoCredentialAvailable"
	default:
		return "Unknown"
	}
}

// String returns the string representation of ErrorSeverity
func (es ErrorSeverity) String() string {
	switch es {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// NewGatewayError creates a GatewayError with default suggestion and severity
func NewGatewayError(code int, message string, errorType ErrorType) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		Type:       errorType,
		Severity:   getDefaultSeverity(errorType),
		Suggestion: getDefaultSuggestion(errorType, code),
		Context:    make(map[string]interface{}),
	}
}

// WithSuggestion replaces the suggestion
func (e *GatewayError) WithSuggestion(suggestion string) *GatewayError {
	e.Suggestion = suggestion
	return e
}

// WithURL records the URL involved (redacted when printed)
func (e *GatewayError) WithURL(url string) *GatewayError {
	e.URL = url
	return e
}

// WithRetryAfter sets the cooldown advertised by the upstream
func (e *GatewayError) WithRetryAfter(seconds int) *GatewayError {
	e.RetryAfter = seconds
	return e
}

// WithCause attaches the underlying error
func (e *GatewayError) WithCause(err error) *GatewayError {
	e.Cause = err
	return e
}

// WithContext adds context information to the error
func (e *GatewayError) WithContext(key string, value interface{}) *GatewayError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the queue may retry the failed operation
func (e *GatewayError) IsRetryable() bool {
	switch e.Type {
	case ErrNetworkTimeout, ErrUploadFailed:
		return true
	case ErrInvalidResponse:
		return e.Code >= 500
	default:
		return false
	}
}

// IsCritical returns true if the error should stop execution
func (e *GatewayError) IsCritical() bool {
	return e.Severity == SeverityCritical
}

// IsRetryable reports whether err may be retried by the queue. Untyped errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQueueClosed) {
		return false
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.IsRetryable()
	}
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return false
	}
	return true
}

// IsRateLimited extracts a rate limit error from err
func IsRateLimited(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) && gwErr.Type == ErrRateLimit {
		return gwErr, true
	}
	return nil, false
}

// IsTimeout reports whether err is a network timeout
func IsTimeout(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr) && gwErr.Type == ErrNetworkTimeout
}

// PipelineErrorKind classifies publish rewrite failures
type PipelineErrorKind int

const (
	KindAllImagesFailed PipelineErrorKind = iota
	KindUnresolvedReferences
	KindRewriteIneffective
	KindInvalidTransition
	KindBodyUploadFailed
)

// String returns the string representation of PipelineErrorKind
func (k PipelineErrorKind) String() string {
	switch k {
	case KindAllImagesFailed:
		return "AllImagesFailed"
	case KindUnresolvedReferences:
		return "UnresolvedReferences"
	case KindRewriteIneffective:
		return "RewriteIneffective"
	case KindInvalidTransition:
		return "InvalidTransition"
	case KindBodyUploadFailed:
		return "BodyUploadFailed"
	default:
		return "Unknown"
	}
}

// PipelineError is a fatal publish rewrite failure. The chapter is left unchanged.
type PipelineError struct {
	Kind      PipelineErrorKind `json:"kind"`
	ChapterID string            `json:"chapter_id"`
	Message   string            `json:"message"`
	Paths     []string          `json:"paths,omitempty"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	msg := fmt.Sprintf("publish %s: %s: %s", e.ChapterID, e.Kind.String(), e.Message)
	if len(e.Paths) > 0 {
		msg += fmt.Sprintf(" (%s)", strings.Join(e.Paths, ", "))
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError creates a PipelineError
func NewPipelineError(kind PipelineErrorKind, chapterID, message string) *PipelineError {
	return &PipelineError{Kind: kind, ChapterID: chapterID, Message: message}
}

// WithCause records the underlying error
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// IsPipelineError reports whether err is a PipelineError of the given kind
func IsPipelineError(err error, kind PipelineErrorKind) bool {
	var pErr *PipelineError
	return errors.As(err, &pErr) && pErr.Kind == kind
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field      string                 `json:"field"`
	Message    string                 `json:"message"`
	Value      interface{}            `json:"value,omitempty"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	parts := []string{fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)}
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}
	return strings.Join(parts, " - ")
}

// DetailedError returns a detailed validation error message
func (e *ValidationError) DetailedError() string {
	parts := []string{
		fmt.Sprintf("Validation Error for field '%s'", e.Field),
		fmt.Sprintf("Message: %s", e.Message),
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("Provided value: %v", e.Value))
	}
	if len(e.Context) > 0 {
		parts = append(parts, fmt.Sprintf("Context: %s", formatContext(e.Context)))
	}
	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("\nSuggestion: %s", e.Suggestion))
	}
	return strings.Join(parts, "\n")
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewValidationErrorWithValue creates a ValidationError with the invalid value
func NewValidationErrorWithValue(field, message string, value interface{}) *ValidationError {
	err := NewValidationError(field, message)
	err.Value = value
	return err
}

// WithSuggestion adds a suggestion to the validation error
func (e *ValidationError) WithSuggestion(suggestion string) *ValidationError {
	e.Suggestion = suggestion
	return e
}

// WithContext adds context to the validation error
func (e *ValidationError) WithContext(key string, value interface{}) *ValidationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func getDefaultSuggestion(errorType ErrorType, code int) string {
	switch errorType {
	case ErrRateLimit:
		return "The credential is cooling down. Add more credentials to the keyring to spread load"
	case ErrNetworkTimeout:
		return "Check your internet connection and try again. Consider using a proxy if needed"
	case ErrInvalidResponse:
		if code >= 500 {
			return "Gateway server error occurred. Please try again later"
		}
		return "Invalid response from the gateway. The API might have changed"
	case ErrAuthRequired:
		return "Check the api_key and api_secret entries in the credentials file"
	case ErrNotFound:
		return "Verify the content address; the content may not be pinned yet"
	case ErrUploadFailed:
		return "Upload failed. Check the payload and the pinning API endpoint"
	case ErrDownloadFailed:
		return "Download failed on every credential. Try another gateway host"
	case ErrGatewayExhausted:
		return "Every attempt was consumed by rate limits or timeouts. Wait for cooldowns to expire"
	case ErrNoCredentialAvailable:
		return "Every credential is blocked. Wait for cooldowns to expire or add credentials"
	default:
		return "Please check the error details and try again"
	}
}

func getDefaultSeverity(errorType ErrorType) ErrorSeverity {
	switch errorType {
	case ErrRateLimit, ErrNetworkTimeout:
		return SeverityWarning
	case ErrGatewayExhausted, ErrNoCredentialAvailable, ErrAuthRequired:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func formatContext(ctx map[string]interface{}) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ctx[k]))
	}
	return strings.Join(parts, ", ")
}

func redactSensitiveURL(url string) string {
	if idx := strings.Index(url, "?"); idx != -1 {
		return url[:idx] + "?[REDACTED]"
	}
	return url
}

// NewRateLimitError creates an error for an upstream 429
func NewRateLimitError(retryAfter int) *GatewayError {
	return NewGatewayError(429, "Rate limit exceeded", ErrRateLimit).
		WithRetryAfter(retryAfter).
		WithSuggestion(fmt.Sprintf("Credential cooling down for %d seconds", retryAfter))
}

// NewNetworkTimeoutError creates an error for network timeouts
func NewNetworkTimeoutError(operation string, cause error) *GatewayError {
	return NewGatewayError(408, fmt.Sprintf("Network timeout during %s", operation), ErrNetworkTimeout).
		WithCause(cause)
}

// NewGatewayExhaustedError creates an error for a download or upload that used up every attempt
func NewGatewayExhaustedError(operation string, attempts int) *GatewayError {
	return NewGatewayError(503, fmt.Sprintf("%s exhausted after %d attempts", operation, attempts), ErrGatewayExhausted).
		WithContext("attempts", attempts)
}

// NewNoCredentialAvailableError creates an error for a pool with nothing to hand out
func NewNoCredentialAvailableError(credentials int) *GatewayError {
	return NewGatewayError(503, "No credential available", ErrNoCredentialAvailable).
		WithContext("credentials", credentials)
}
