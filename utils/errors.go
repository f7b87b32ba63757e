package utils

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
	"unicode/utf8"
)

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(code int, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func NewAPIErrorWithDetails(code int, message, details string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	ErrInvalidRequest     = NewAPIError(http.StatusBadRequest, "Invalid request")
	ErrUnauthorized       = NewAPIError(http.StatusUnauthorized, "Unauthorized")
	ErrNotFound           = NewAPIError(http.StatusNotFound, "Resource not found")
	ErrInternalServer     = NewAPIError(http.StatusInternalServerError, "Internal server error")
	ErrServiceUnavailable = NewAPIError(http.StatusServiceUnavailable, "Service unavailable")
)

var (
	ErrCodeRequired  = NewAPIError(http.StatusBadRequest, "Access code is required")
	ErrCodeNotFound  = NewAPIError(http.StatusBadRequest, "Access code not found")
	ErrCodeInactive  = NewAPIError(http.StatusBadRequest, "Access code is disabled")
	ErrCodeExhausted = NewAPIError(http.StatusBadRequest, "Access code has no remaining uses")
)

var (
	ErrImageRequired    = NewAPIError(http.StatusBadRequest, "An image upload is required")
	ErrImageType        = NewAPIError(http.StatusBadRequest, "Only PNG, JPG, JPEG and WEBP images are supported")
	ErrImageTooLarge    = NewAPIError(http.StatusRequestEntityTooLarge, "Image is too large")
	ErrResultNotFound   = NewAPIError(http.StatusNotFound, "Image not found")
	ErrUpstreamDisabled = errors.New("upstream api key is not configured")
)

var (
	ErrDatabaseConnection = NewAPIError(http.StatusServiceUnavailable, "Database connection failed")
	ErrDatabaseQuery      = NewAPIError(http.StatusInternalServerError, "Database query failed")
	ErrStorageFailed      = NewAPIError(http.StatusInternalServerError, "Failed to store image")
)

type RateLimitedError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s, retry in %d seconds", e.Reason, e.RetryAfterSeconds())
}

// RetryAfterSeconds rounds up so a denial never advertises zero.
func (e *RateLimitedError) RetryAfterSeconds() int {
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

type CircuitOpenError struct {
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("upstream temporarily disabled after repeated failures, retry in %d seconds",
		int(math.Ceil(e.Remaining.Seconds())))
}

type TransportKind string

const (
	TransportConnectTimeout    TransportKind = "connect_timeout"
	TransportReadTimeout       TransportKind = "read_timeout"
	TransportConnectionRefused TransportKind = "connection_refused"
	TransportTLS               TransportKind = "tls"
	TransportProxy             TransportKind = "proxy"
	TransportOther             TransportKind = "other"
)

type TransportError struct {
	Kind    TransportKind
	Timeout time.Duration
	Err     error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case TransportConnectTimeout:
		return fmt.Sprintf("connection to the image service timed out after %s, check the network or proxy settings", e.Timeout)
	case TransportReadTimeout:
		return fmt.Sprintf("image service did not respond within %s", e.Timeout)
	case TransportConnectionRefused:
		return "could not connect to the image service, check the network or api address"
	case TransportTLS:
		return "TLS certificate verification with the image service failed"
	case TransportProxy:
		return "outbound proxy connection failed, check the proxy configuration"
	default:
		return fmt.Sprintf("request to the image service failed: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// CountsAgainstUpstream reports whether the failure says anything about upstream health.
func (e *TransportError) CountsAgainstUpstream() bool {
	return e.Kind != TransportProxy
}

type UpstreamHTTPError struct {
	Status int
	Body   string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("image service returned HTTP %d: %s", e.Status, Truncate(e.Body, 100))
}

type UnrecognizedResponseError struct {
	Preview string
}

func (e *UnrecognizedResponseError) Error() string {
	return "image service returned an unrecognized response"
}

type EchoedInputError struct {
	OriginalSize  int
	GeneratedSize int
}

func (e *EchoedInputError) Error() string {
	return fmt.Sprintf("image service returned the input unchanged (%d vs %d bytes)", e.GeneratedSize, e.OriginalSize)
}

func WrapError(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// HTTPStatus maps the error taxonomy onto response status codes.
func HTTPStatus(err error) int {
	var (
		apiErr   *APIError
		valErr   *ValidationError
		valErrs  ValidationErrors
		rateErr  *RateLimitedError
		breakErr *CircuitOpenError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &apiErr):
		return apiErr.Code
	case errors.As(err, &valErr), errors.As(err, &valErrs):
		return http.StatusBadRequest
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.As(err, &breakErr):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Reason gives a short machine-readable tag for audit rows and metrics.
func Reason(err error) string {
	var (
		apiErr   *APIError
		rateErr  *RateLimitedError
		breakErr *CircuitOpenError
		tErr     *TransportError
		httpErr  *UpstreamHTTPError
		unkErr   *UnrecognizedResponseError
		echoErr  *EchoedInputError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCodeNotFound):
		return "code_not_found"
	case errors.Is(err, ErrCodeInactive):
		return "code_inactive"
	case errors.Is(err, ErrCodeExhausted):
		return "code_exhausted"
	case errors.Is(err, ErrCodeRequired):
		return "code_required"
	case errors.Is(err, ErrUpstreamDisabled):
		return "upstream_disabled"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &breakErr):
		return "circuit_open"
	case errors.As(err, &tErr):
		return "transport_" + string(tErr.Kind)
	case errors.As(err, &httpErr):
		return fmt.Sprintf("upstream_http_%d", httpErr.Status)
	case errors.As(err, &unkErr):
		return "unrecognized_response"
	case errors.As(err, &echoErr):
		return "echoed_input"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.As(err, &apiErr):
		return "api_error"
	default:
		return "internal"
	}
}

// Truncate cuts s to at most n bytes without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func LogError(ctx context.Context, err error, message string, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}

	fields["error"] = err.Error()

	Error(ctx, message, fields)
}
