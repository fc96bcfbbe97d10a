package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"

	"aelita/internal/identity"
)

// ErrorType is the failure class of a sign-in or session operation.
// Values are "<area>/<kind>".
type ErrorType string

// Device flow outcomes
const (
	ErrorTypeAuthorizationPending ErrorType = "device/pending"
	ErrorTypeSlowDown             ErrorType = "device/slow-down"
	ErrorTypeDeviceCodeExpired    ErrorType = "device/expired"
	ErrorTypeAccessDenied         ErrorType = "device/denied"
	ErrorTypeAuthorizationFailed  ErrorType = "device/bad-code"
	ErrorTypeAdmissionDenied      ErrorType = "device/not-invited"
	ErrorTypeOAuth                ErrorType = "device/oauth"
)

// Stored session
const (
	ErrorTypeSessionExpired   ErrorType = "session/expired"
	ErrorTypeInvalidSession   ErrorType = "session/corrupt"
	ErrorTypeSessionAccess    ErrorType = "session/io"
	ErrorTypePermissionDenied ErrorType = "session/permission"
)

// Transport
const (
	ErrorTypeNetworkConnectivity ErrorType = "net/unreachable"
	ErrorTypeNetworkTimeout      ErrorType = "net/timeout"
	ErrorTypeDNSResolution       ErrorType = "net/dns"
	ErrorTypeRateLimited         ErrorType = "net/rate-limited"
	ErrorTypeServiceUnavailable  ErrorType = "net/unavailable"
)

// OAuth app settings
const (
	ErrorTypeMissingConfig ErrorType = "config/missing"
	ErrorTypeInvalidConfig ErrorType = "config/invalid"
)

const loginHint = "Run 'aelita auth login' again"

// Error is a classified failure with steps the operator can take.
type Error struct {
	Type    ErrorType
	Message string

	// TroubleshootingSteps are printed in order under the message.
	TroubleshootingSteps []string
	RetryAfter           *time.Duration

	OriginalError error
}

func newError(t ErrorType, cause error, message string, steps ...string) *Error {
	return &Error{Type: t, Message: message, OriginalError: cause, TroubleshootingSteps: steps}
}

func (e *Error) after(d time.Duration) *Error {
	e.RetryAfter = &d
	return e
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.OriginalError }

// IsRetryable reports whether repeating the same request may succeed
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuthorizationPending, ErrorTypeSlowDown,
		ErrorTypeNetworkConnectivity, ErrorTypeNetworkTimeout,
		ErrorTypeRateLimited, ErrorTypeServiceUnavailable:
		return true
	}
	return false
}

// GetTroubleshootingMessage renders the steps as a numbered list, or ""
// when there are none.
func (e *Error) GetTroubleshootingMessage() string {
	if len(e.TroubleshootingSteps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\nTroubleshooting steps:\n")
	for n, step := range e.TroubleshootingSteps {
		fmt.Fprintf(&b, "%d. %s\n", n+1, step)
	}
	return b.String()
}

// ClassifyError maps err onto an *Error. An *Error anywhere in the chain is
// returned as is.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	var retrieveErr *oauth2.RetrieveError
	switch {
	case errors.As(err, &classified):
		return classified
	case errors.Is(err, identity.ErrAdmissionDenied):
		return newError(ErrorTypeAdmissionDenied, err, "This service is invite-only",
			"Ask an existing user to run 'aelita invite <your-login>'",
			"Sign in again once the invitation is recorded",
		)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorTypeDeviceCodeExpired, err, "Device authorization timed out before it was approved",
			loginHint,
			"Enter the verification code before it expires",
		)
	case fileSystemCause(err):
		// Checked before the transport: a PathError also satisfies some of
		// the network probes below.
		return classifySessionIO(err)
	case errors.As(err, &retrieveErr):
		return classifyOAuthError(err, retrieveErr)
	case networkCause(err):
		return classifyNetworkError(err)
	}

	return newError(ErrorTypeOAuth, err, fmt.Sprintf("Sign-in failed: %v", err),
		"Check that GitHub is reachable from this machine",
		"Verify github.client_id in ~/.aelita/config.yaml",
		loginHint,
	)
}

func mentions(err error, phrases ...string) bool {
	text := strings.ToLower(err.Error())
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func networkCause(err error) bool {
	var netErr net.Error
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &netErr) || errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}
	return mentions(err, "dial tcp", "connection refused", "connection reset", "no such host",
		"network is unreachable", "i/o timeout")
}

func classifyNetworkError(err error) *Error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || mentions(err, "no such host") {
		return newError(ErrorTypeDNSResolution, err, "Could not resolve the GitHub hostname",
			"Check your DNS settings",
			"Check github.api_base_url in ~/.aelita/config.yaml",
		)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(ErrorTypeNetworkTimeout, err, "GitHub did not answer in time",
			"Retry in a moment",
			"If you are behind a proxy or VPN, try without it",
		).after(30 * time.Second)
	}

	if mentions(err, "connection refused") {
		return newError(ErrorTypeNetworkConnectivity, err, "GitHub refused the connection",
			"Check whether a firewall blocks github.com",
			"Retry from another network",
		)
	}

	return newError(ErrorTypeNetworkConnectivity, err, "GitHub is unreachable",
		"Check proxy and firewall settings",
		"Retry in a moment",
	).after(15 * time.Second)
}

// classifyOAuthError maps the error codes of GitHub's OAuth endpoints, then
// falls back to the response status.
func classifyOAuthError(err error, retrieveErr *oauth2.RetrieveError) *Error {
	code := retrieveErr.ErrorCode
	switch code {
	case "authorization_pending":
		return newError(ErrorTypeAuthorizationPending, err, "Waiting for the verification code to be entered",
			"Enter the verification code in your browser",
		)
	case "slow_down":
		return newError(ErrorTypeSlowDown, err, "GitHub asked to poll less often")
	case "expired_token":
		return newError(ErrorTypeDeviceCodeExpired, err, "The verification code expired",
			loginHint,
			"Enter the verification code before it expires",
		)
	case "access_denied":
		return newError(ErrorTypeAccessDenied, err, "The sign-in request was cancelled in the browser",
			"Sign in again and approve the request",
		)
	case "device_flow_disabled", "incorrect_client_credentials", "unsupported_grant_type":
		return newError(ErrorTypeInvalidConfig, err, "GitHub rejected the OAuth app configuration: "+code,
			"Check github.client_id in ~/.aelita/config.yaml",
			"Enable device flow in the OAuth app settings on GitHub",
		)
	case "incorrect_device_code", "bad_verification_code":
		return newError(ErrorTypeAuthorizationFailed, err, "GitHub did not recognize the device code", loginHint)
	}

	if retrieveErr.Response != nil {
		switch status := retrieveErr.Response.StatusCode; {
		case status == http.StatusTooManyRequests:
			return newError(ErrorTypeRateLimited, err, "GitHub is rate limiting sign-in requests",
				"Retry in a few minutes",
			).after(time.Minute)
		case status >= http.StatusInternalServerError:
			return newError(ErrorTypeServiceUnavailable, err, "GitHub is temporarily unavailable",
				"Check https://www.githubstatus.com",
				"Retry in a few minutes",
			).after(2 * time.Minute)
		}
	}

	return newError(ErrorTypeOAuth, err, "GitHub OAuth error: "+code,
		"Check the OAuth app settings on GitHub",
		loginHint,
	)
}

func fileSystemCause(err error) bool {
	var pathErr *os.PathError
	var errno syscall.Errno
	if errors.As(err, &pathErr) || errors.As(err, &errno) {
		return true
	}
	return mentions(err, "permission denied", "no such file or directory", "read-only file system")
}

func classifySessionIO(err error) *Error {
	if errors.Is(err, os.ErrPermission) || mentions(err, "permission denied") {
		return newError(ErrorTypePermissionDenied, err, "The session file is not accessible",
			"Check the permissions of ~/.aelita",
			"Make sure ~/.aelita belongs to the current user",
		)
	}
	return newError(ErrorTypeSessionAccess, err, "Could not read or write the stored session",
		"Check that ~/.aelita exists and is writable",
		"Check free disk space",
	)
}

// ValidateOAuthConfig checks the settings the device flow needs
func ValidateOAuthConfig(cfg *oauth2.Config) error {
	if cfg == nil || cfg.ClientID == "" {
		return newError(ErrorTypeMissingConfig, nil, "GitHub client ID is not configured",
			"Set github.client_id in ~/.aelita/config.yaml",
			"Or export AELITA_GITHUB_CLIENT_ID",
		)
	}
	if cfg.Endpoint.DeviceAuthURL == "" || cfg.Endpoint.TokenURL == "" {
		return newError(ErrorTypeInvalidConfig, nil, "GitHub OAuth endpoint has no device authorization URL",
			"Use github.com or a GitHub Enterprise release with device flow",
		)
	}
	return nil
}
