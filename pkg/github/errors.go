package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/go-github/v66/github"
)

// ErrorType classifies a failed GitHub call
type ErrorType string

const (
	ErrorTypeAuth       ErrorType = "authentication"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// APIError is returned by every gateway operation that fails, whether GitHub
// answered with a non-2xx status or never answered at all.
type APIError struct {
	Type    ErrorType
	Message string

	// Resource names what was being touched, e.g. "webhook 3 on alice/one".
	Resource   string
	StatusCode int
	Retryable  bool

	Cause error
}

func (e *APIError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s error: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Type, e.Resource, e.Message)
}

func (e *APIError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the same call may succeed if repeated
func (e *APIError) IsRetryable() bool { return e.Retryable }

// NewAPIError builds an APIError whose retryability follows from its type
func NewAPIError(errorType ErrorType, message string, cause error) *APIError {
	return &APIError{Type: errorType, Message: message, Cause: cause, Retryable: isRetryableErrorType(errorType)}
}

// IsNotFound reports whether err is an APIError for a missing resource
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == ErrorTypeNotFound
}

func isRetryableErrorType(t ErrorType) bool {
	return t == ErrorTypeRateLimit || t == ErrorTypeNetwork || t == ErrorTypeTimeout
}

// WrapError turns any error returned by go-github into an *APIError for
// resource. An *APIError already in the chain is reused.
func WrapError(err error, resource string) *APIError {
	if err == nil {
		return nil
	}

	var (
		existing *APIError
		primary  *github.RateLimitError
		abuse    *github.AbuseRateLimitError
		response *github.ErrorResponse
	)
	switch {
	case errors.As(err, &existing):
		if existing.Resource == "" {
			existing.Resource = resource
		}
		return existing

	case errors.As(err, &primary):
		wrapped := NewAPIError(ErrorTypeRateLimit, "Rate limit exceeded, resets at "+primary.Rate.Reset.Format(time.RFC3339), err)
		wrapped.Resource, wrapped.StatusCode = resource, statusOf(primary.Response)
		return wrapped

	case errors.As(err, &abuse):
		wrapped := NewAPIError(ErrorTypeRateLimit, "Secondary rate limit triggered, slow down before retrying", err)
		wrapped.Resource, wrapped.StatusCode = resource, statusOf(abuse.Response)
		return wrapped

	case errors.As(err, &response) && response.Response != nil:
		return fromResponse(response, resource)
	}

	var wrapped *APIError
	switch {
	case errors.Is(err, context.DeadlineExceeded) || mentionsAny(err, "timed out", "deadline exceeded"):
		wrapped = NewAPIError(ErrorTypeTimeout, "GitHub did not answer within the call timeout", err)
	case mentionsAny(err, "dial tcp", "connection refused", "connection reset", "no such host",
		"network is unreachable", "i/o timeout", "eof"):
		wrapped = NewAPIError(ErrorTypeNetwork, "Could not reach GitHub", err)
	default:
		wrapped = NewAPIError(ErrorTypeUnknown, err.Error(), err)
	}
	wrapped.Resource = resource
	return wrapped
}

// statusOf is the status GitHub answered with; rate limits come as 403 or 429
func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func mentionsAny(err error, phrases ...string) bool {
	text := strings.ToLower(err.Error())
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// missing names the thing a 404 refers to, keyed by a word in the resource
var missing = []struct{ keyword, message string }{
	{"collaborator", "Collaborator not found"},
	{"webhook", "Webhook not found"},
	{"membership", "Organization or membership not found"},
}

func fromResponse(resp *github.ErrorResponse, resource string) *APIError {
	status := resp.Response.StatusCode
	e := &APIError{Resource: resource, StatusCode: status, Cause: resp}

	switch {
	case status == http.StatusUnauthorized:
		e.Type, e.Message = ErrorTypeAuth, "The access token is invalid or has been revoked"

	case status == http.StatusForbidden && strings.Contains(strings.ToLower(resp.Message), "rate limit"):
		e.Type, e.Message = ErrorTypeRateLimit, "Rate limit exceeded, wait before retrying"

	case status == http.StatusForbidden:
		e.Type, e.Message = ErrorTypePermission, "Admin rights on the repository are required"

	case status == http.StatusNotFound:
		e.Type, e.Message = ErrorTypeNotFound, "Resource not found"
		for _, m := range missing {
			if strings.Contains(resource, m.keyword) {
				e.Message = m.message
				break
			}
		}

	case status == http.StatusConflict:
		e.Type, e.Message = ErrorTypeConflict, "Conflicting change on GitHub"

	case status == http.StatusUnprocessableEntity:
		e.Type, e.Message = ErrorTypeValidation, "Validation failed"
		details := make([]string, 0, len(resp.Errors))
		for _, d := range resp.Errors {
			if d.Field == "" {
				details = append(details, d.Message)
				continue
			}
			details = append(details, d.Field+": "+d.Message)
		}
		if len(details) > 0 {
			e.Message += ": " + strings.Join(details, "; ")
		}

	case status >= http.StatusInternalServerError && status <= http.StatusGatewayTimeout && status != http.StatusNotImplemented:
		e.Type, e.Message = ErrorTypeNetwork, "GitHub is temporarily unavailable"

	default:
		e.Type, e.Message = ErrorTypeUnknown, resp.Message
	}

	e.Retryable = isRetryableErrorType(e.Type) || status >= http.StatusInternalServerError
	return e
}

// RetryConfig bounds WithRetry. The gateway itself never retries; callers
// apply a RetryConfig to calls they know are safe to repeat.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Logger receives one record per failed attempt. Nil disables it.
	Logger *slog.Logger
}

// DefaultRetryConfig is used for idempotent reads
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{MaxRetries: 2, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2}
}

func (c *RetryConfig) policy() retry.Config {
	return retry.Config{
		MaxAttempts:   max(c.MaxRetries, 0) + 1,
		InitialDelay:  c.InitialDelay,
		MaxDelay:      c.MaxDelay,
		Multiplier:    c.BackoffFactor,
		BackoffPolicy: retry.BackoffExponential,
		Logger:        c.Logger,
		IsRetryable: func(err error) bool {
			var apiErr *APIError
			return errors.As(err, &apiErr) && apiErr.IsRetryable()
		},
	}
}

// Retry runs fn until it succeeds, fails with something other than a
// retryable *APIError, or MaxRetries extra attempts are used up. The last
// error is returned unchanged; a cancelled ctx ends the wait with ctx.Err().
func Retry[T any](ctx context.Context, config *RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return retry.New[T](config.policy()).Do(ctx, fn)
}

// RetryableOperation is a call WithRetry may run more than once
type RetryableOperation func(ctx context.Context) error

// WithRetry is Retry for operations without a result
func WithRetry(ctx context.Context, operation RetryableOperation, config *RetryConfig) error {
	_, err := Retry(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// PartialFailureError lists the steps of a multi-step operation that failed
// after its essential step succeeded.
type PartialFailureError struct {
	Succeeded []string
	Failed    map[string]error
	Message   string
}

// NewPartialFailureError records the outcome of each step
func NewPartialFailureError(succeeded []string, failed map[string]error) *PartialFailureError {
	return &PartialFailureError{
		Succeeded: succeeded,
		Failed:    failed,
		Message:   fmt.Sprintf("%d of %d GitHub steps failed", len(failed), len(succeeded)+len(failed)),
	}
}

func (e *PartialFailureError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("partial failure: %d succeeded, %d failed", len(e.Succeeded), len(e.Failed))
	}
	return e.Message
}

// Unwrap exposes the individual failures to errors.Is and errors.As
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, step := range e.GetFailedOperations() {
		errs = append(errs, e.Failed[step])
	}
	return errs
}

// GetFailedOperations returns the failed steps sorted by name
func (e *PartialFailureError) GetFailedOperations() []string {
	steps := make([]string, 0, len(e.Failed))
	for step := range e.Failed {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

func (e *PartialFailureError) GetSucceededOperations() []string { return e.Succeeded }
