package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"aelita/internal/store"
)

// DefaultPollTimeout bounds how long the device flow waits for approval
// when GitHub does not send an expiry
const DefaultPollTimeout = 10 * time.Minute

// Authorizer turns an access token into a local principal
type Authorizer interface {
	CompleteAuthorization(ctx context.Context, token string) (*store.Principal, error)
	PrincipalByHandle(ctx context.Context, handle string) (*store.Principal, error)
}

// Manager defines the interface for operator sign-in from the terminal
type Manager interface {
	// IsAuthenticated checks if a stored session names a known principal
	IsAuthenticated(ctx context.Context) (bool, error)

	// Authenticate performs the GitHub device flow and stores the session
	Authenticate(ctx context.Context) (*Session, error)

	// GetStoredSession retrieves the stored session
	GetStoredSession() (*Session, error)

	// ClearSession removes the stored session
	ClearSession() error

	// ValidateSession checks that the session's principal still exists
	ValidateSession(ctx context.Context, session *Session) error
}

// Session is the local record of who signed in on this machine. The access
// token stays in the store; the session only names the principal.
type Session struct {
	Username    string    `json:"username"`
	PrincipalID int64     `json:"principal_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// DefaultManager implements the Manager interface
type DefaultManager struct {
	sessionPath   string
	oauth         *oauth2.Config
	authorizer    Authorizer
	browserOpener BrowserOpener
	out           io.Writer
	pollTimeout   time.Duration
}

// DefaultSessionPath returns ~/.aelita/session.json
func DefaultSessionPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".aelita", "session.json"), nil
}

// NewManager creates a new authentication manager instance
func NewManager(oauth *oauth2.Config, authorizer Authorizer) (*DefaultManager, error) {
	return NewManagerWithBrowserOpener(oauth, authorizer, NewBrowserOpener())
}

// NewManagerWithBrowserOpener creates a new authentication manager with a custom browser opener
func NewManagerWithBrowserOpener(oauth *oauth2.Config, authorizer Authorizer, browserOpener BrowserOpener) (*DefaultManager, error) {
	sessionPath, err := DefaultSessionPath()
	if err != nil {
		return nil, err
	}

	return &DefaultManager{
		sessionPath:   sessionPath,
		oauth:         oauth,
		authorizer:    authorizer,
		browserOpener: browserOpener,
		out:           os.Stdout,
		pollTimeout:   DefaultPollTimeout,
	}, nil
}

// IsAuthenticated checks if a stored session names a known principal
func (m *DefaultManager) IsAuthenticated(ctx context.Context) (bool, error) {
	session, err := m.GetStoredSession()
	if err != nil {
		// Check if it's a file system error that should be reported
		if authErr := ClassifyError(err); authErr != nil && authErr.Type == ErrorTypePermissionDenied {
			return false, authErr
		}
		return false, nil
	}

	if err := m.ValidateSession(ctx, session); err != nil {
		if authErr := ClassifyError(err); authErr != nil && authErr.Type == ErrorTypeSessionExpired {
			_ = m.ClearSession()
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// Authenticate performs the GitHub device flow. The token GitHub issues is
// handed to the authorizer, which admits or refreshes the principal.
func (m *DefaultManager) Authenticate(ctx context.Context) (*Session, error) {
	if err := ValidateOAuthConfig(m.oauth); err != nil {
		return nil, err
	}
	if m.authorizer == nil {
		return nil, fmt.Errorf("no authorizer configured")
	}

	fmt.Fprintln(m.out, "🔐 Signing in with GitHub")

	deviceAuth, err := m.oauth.DeviceAuth(ctx)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("failed to start device authorization: %w", err))
	}
	if deviceAuth.UserCode == "" || deviceAuth.VerificationURI == "" {
		return nil, ClassifyError(fmt.Errorf("invalid device authorization response from GitHub"))
	}

	verificationURL := deviceAuth.VerificationURI
	if deviceAuth.VerificationURIComplete != "" {
		verificationURL = deviceAuth.VerificationURIComplete
	}

	fmt.Fprintf(m.out, "\n🌐 Opening browser for authorization: %s\n", verificationURL)
	fmt.Fprintf(m.out, "📋 Verification code: %s\n", deviceAuth.UserCode)

	if err := m.browserOpener.Open(verificationURL); err != nil {
		fmt.Fprintf(m.out, "⚠️  Failed to open browser automatically: %v\n", err)
		fmt.Fprintf(m.out, "🌐 Please manually visit: %s\n", verificationURL)
	} else {
		fmt.Fprintln(m.out, "✅ Browser opened automatically")
	}

	fmt.Fprintln(m.out, "\n⏳ Waiting for authorization completion...")

	pollCtx := ctx
	if deviceAuth.Expiry.IsZero() {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, m.pollTimeout)
		defer cancel()
	}

	// DeviceAccessToken keeps polling through authorization_pending and
	// slow_down; anything it returns is terminal
	token, err := m.oauth.DeviceAccessToken(pollCtx, deviceAuth)
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("device authorization failed: %w", err))
	}

	principal, err := m.authorizer.CompleteAuthorization(ctx, token.AccessToken)
	if err != nil {
		return nil, ClassifyError(err)
	}

	session := &Session{
		Username:    principal.Username,
		PrincipalID: principal.ID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.storeSession(session); err != nil {
		return nil, ClassifyError(fmt.Errorf("failed to store session: %w", err))
	}

	fmt.Fprintf(m.out, "✅ Signed in as %s\n", session.Username)
	return session, nil
}

// GetStoredSession retrieves the stored session
func (m *DefaultManager) GetStoredSession() (*Session, error) {
	data, err := os.ReadFile(m.sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no stored session found")
	}
	if err != nil {
		return nil, ClassifyError(fmt.Errorf("failed to read session file: %w", err))
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil || session.Username == "" {
		// If the session is corrupted, clear it
		_ = m.ClearSession()
		return nil, newError(ErrorTypeInvalidSession, err, "Stored session is corrupted",
			"The session has been cleared automatically",
			loginHint,
		)
	}

	return &session, nil
}

// ClearSession removes the stored session
func (m *DefaultManager) ClearSession() error {
	if err := os.Remove(m.sessionPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// ValidateSession checks that the session's principal still exists
func (m *DefaultManager) ValidateSession(ctx context.Context, session *Session) error {
	if m.authorizer == nil {
		return fmt.Errorf("no authorizer configured")
	}

	principal, err := m.authorizer.PrincipalByHandle(ctx, session.Username)
	if errors.Is(err, store.ErrNotFound) || (err == nil && principal.ID != session.PrincipalID) {
		return newError(ErrorTypeSessionExpired, err,
			fmt.Sprintf("Session for %s no longer matches a principal", session.Username), loginHint)
	}
	if err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	return nil
}

// storeSession saves the session to disk
func (m *DefaultManager) storeSession(session *Session) error {
	if err := os.MkdirAll(filepath.Dir(m.sessionPath), 0700); err != nil {
		return ClassifyError(fmt.Errorf("failed to create session directory: %w", err))
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Write with restricted permissions (owner only)
	if err := os.WriteFile(m.sessionPath, data, 0600); err != nil {
		return ClassifyError(fmt.Errorf("failed to write session file: %w", err))
	}

	return nil
}
