package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"aelita/internal/identity"
	"aelita/internal/store"
)

// fakeAuthorizer admits the token "gho_alice" as alice
type fakeAuthorizer struct {
	mu         sync.Mutex
	principals map[string]*store.Principal
	admitErr   error
	tokens     []string
}

func newFakeAuthorizer() *fakeAuthorizer {
	return &fakeAuthorizer{principals: map[string]*store.Principal{
		"alice": {ID: 1, Username: "alice", InviteCount: 3},
	}}
}

func (f *fakeAuthorizer) CompleteAuthorization(_ context.Context, token string) (*store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.admitErr != nil {
		return nil, f.admitErr
	}
	if token != "gho_alice" {
		return nil, identity.ErrAdmissionDenied
	}
	return f.principals["alice"], nil
}

func (f *fakeAuthorizer) PrincipalByHandle(_ context.Context, handle string) (*store.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[handle]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// newDeviceFlowServer fakes GitHub's device and token endpoints. The token
// endpoint answers authorization_pending pendingPolls times, then finalCode
// (or a token when finalCode is empty).
func newDeviceFlowServer(t *testing.T, pendingPolls int, finalCode string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/device/code", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("client_id") != "client-id" {
			http.Error(w, "unknown client", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "device-123",
			"user_code":        "WDJB-MJHT",
			"verification_uri": "https://github.com/login/device",
			"expires_in":       60,
			"interval":         1,
		})
	})
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.FormValue("device_code") != "device-123" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"incorrect_device_code"}`))
			return
		}

		mu.Lock()
		polls++
		n := polls
		mu.Unlock()

		switch {
		case n <= pendingPolls:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"authorization_pending"}`))
		case finalCode != "":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"` + finalCode + `"}`))
		default:
			_, _ = w.Write([]byte(`{"access_token":"gho_alice","token_type":"bearer","scope":"repo,user"}`))
		}
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func deviceOAuthConfig(baseURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID: "client-id",
		Endpoint: oauth2.Endpoint{
			AuthURL:       baseURL + "/login/oauth/authorize",
			TokenURL:      baseURL + "/login/oauth/access_token",
			DeviceAuthURL: baseURL + "/login/device/code",
			AuthStyle:     oauth2.AuthStyleInParams,
		},
		Scopes: []string{"user", "repo"},
	}
}

// createTestManager creates a manager whose session lives in a temp dir
func createTestManager(t *testing.T, oauth *oauth2.Config, authorizer Authorizer) (*DefaultManager, *MockBrowserOpener, *bytes.Buffer) {
	t.Helper()
	browser := &MockBrowserOpener{}
	out := &bytes.Buffer{}
	return &DefaultManager{
		sessionPath:   filepath.Join(t.TempDir(), ".aelita", "session.json"),
		oauth:         oauth,
		authorizer:    authorizer,
		browserOpener: browser,
		out:           out,
		pollTimeout:   DefaultPollTimeout,
	}, browser, out
}

func TestNewManager(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	manager, err := NewManagerWithBrowserOpener(deviceOAuthConfig("https://github.com"), newFakeAuthorizer(), &MockBrowserOpener{})
	if err != nil {
		t.Fatalf("Failed to create auth manager: %v", err)
	}

	want := filepath.Join(home, ".aelita", "session.json")
	if manager.sessionPath != want {
		t.Errorf("sessionPath = %q, want %q", manager.sessionPath, want)
	}
}

func TestGetStoredSession_NoFile(t *testing.T) {
	manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())

	if _, err := manager.GetStoredSession(); err == nil {
		t.Fatal("Expected error when no session file exists")
	}
	if err := manager.ClearSession(); err != nil {
		t.Errorf("ClearSession() with no file should succeed, got %v", err)
	}
}

func TestStoreAndGetSession(t *testing.T) {
	manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())
	created := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	if err := manager.storeSession(&Session{Username: "alice", PrincipalID: 1, CreatedAt: created}); err != nil {
		t.Fatalf("storeSession() error = %v", err)
	}

	info, err := os.Stat(manager.sessionPath)
	if err != nil {
		t.Fatalf("session file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("session file mode = %v, want 0600", info.Mode().Perm())
	}
	dirInfo, err := os.Stat(filepath.Dir(manager.sessionPath))
	if err != nil {
		t.Fatalf("session dir missing: %v", err)
	}
	if dirInfo.Mode().Perm() != 0700 {
		t.Errorf("session dir mode = %v, want 0700", dirInfo.Mode().Perm())
	}

	session, err := manager.GetStoredSession()
	if err != nil {
		t.Fatalf("GetStoredSession() error = %v", err)
	}
	if session.Username != "alice" || session.PrincipalID != 1 || !session.CreatedAt.Equal(created) {
		t.Errorf("unexpected session: %+v", session)
	}

	if err := manager.ClearSession(); err != nil {
		t.Fatalf("ClearSession() error = %v", err)
	}
	if _, err := os.Stat(manager.sessionPath); !os.IsNotExist(err) {
		t.Error("session file should be removed")
	}
}

func TestGetStoredSession_Corrupted(t *testing.T) {
	for name, content := range map[string]string{
		"invalid json":   "{not json",
		"empty username": `{"username":"","principal_id":1}`,
	} {
		t.Run(name, func(t *testing.T) {
			manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())
			if err := os.MkdirAll(filepath.Dir(manager.sessionPath), 0700); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(manager.sessionPath, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}

			_, err := manager.GetStoredSession()
			var authErr *Error
			if !errors.As(err, &authErr) || authErr.Type != ErrorTypeInvalidSession {
				t.Fatalf("expected invalid session error, got %v", err)
			}
			if _, err := os.Stat(manager.sessionPath); !os.IsNotExist(err) {
				t.Error("corrupted session should be cleared")
			}
		})
	}
}

func TestIsAuthenticated(t *testing.T) {
	ctx := context.Background()

	t.Run("no session", func(t *testing.T) {
		manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())
		ok, err := manager.IsAuthenticated(ctx)
		if ok || err != nil {
			t.Errorf("IsAuthenticated() = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("known principal", func(t *testing.T) {
		manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())
		if err := manager.storeSession(&Session{Username: "alice", PrincipalID: 1}); err != nil {
			t.Fatal(err)
		}
		ok, err := manager.IsAuthenticated(ctx)
		if !ok || err != nil {
			t.Errorf("IsAuthenticated() = %v, %v; want true, nil", ok, err)
		}
	})

	for name, session := range map[string]*Session{
		"principal removed":   {Username: "bob", PrincipalID: 2},
		"principal recreated": {Username: "alice", PrincipalID: 99},
	} {
		t.Run(name, func(t *testing.T) {
			manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())
			if err := manager.storeSession(session); err != nil {
				t.Fatal(err)
			}
			ok, err := manager.IsAuthenticated(ctx)
			if ok || err != nil {
				t.Errorf("IsAuthenticated() = %v, %v; want false, nil", ok, err)
			}
			if _, err := os.Stat(manager.sessionPath); !os.IsNotExist(err) {
				t.Error("stale session should be cleared")
			}
		})
	}
}

func TestIsAuthenticated_PermissionError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}

	manager, _, _ := createTestManager(t, nil, newFakeAuthorizer())
	if err := os.MkdirAll(filepath.Dir(manager.sessionPath), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manager.sessionPath, []byte(`{"username":"alice"}`), 0000); err != nil {
		t.Fatal(err)
	}

	ok, err := manager.IsAuthenticated(context.Background())
	if ok {
		t.Error("expected not authenticated")
	}
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Type != ErrorTypePermissionDenied {
		t.Errorf("expected permission denied error, got %v", err)
	}
}

func TestAuthenticate_Success(t *testing.T) {
	ts := newDeviceFlowServer(t, 1, "")
	authorizer := newFakeAuthorizer()
	manager, browser, out := createTestManager(t, deviceOAuthConfig(ts.URL), authorizer)

	session, err := manager.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if session.Username != "alice" || session.PrincipalID != 1 {
		t.Errorf("unexpected session: %+v", session)
	}

	if len(browser.Calls) != 1 || browser.Calls[0] != "https://github.com/login/device" {
		t.Errorf("browser calls = %v", browser.Calls)
	}
	if len(authorizer.tokens) != 1 || authorizer.tokens[0] != "gho_alice" {
		t.Errorf("authorizer tokens = %v", authorizer.tokens)
	}
	if !strings.Contains(out.String(), "WDJB-MJHT") {
		t.Errorf("output should show the user code, got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "gho_alice") {
		t.Error("output must not contain the access token")
	}

	stored, err := manager.GetStoredSession()
	if err != nil {
		t.Fatalf("GetStoredSession() error = %v", err)
	}
	if stored.Username != "alice" {
		t.Errorf("stored username = %q", stored.Username)
	}
	data, err := os.ReadFile(manager.sessionPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "gho_alice") {
		t.Error("session file must not contain the access token")
	}
}

func TestAuthenticate_BrowserUnavailable(t *testing.T) {
	ts := newDeviceFlowServer(t, 0, "")
	manager, browser, out := createTestManager(t, deviceOAuthConfig(ts.URL), newFakeAuthorizer())
	browser.OpenFunc = func(string) error { return errors.New("no display") }

	if _, err := manager.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !strings.Contains(out.String(), "Please manually visit: https://github.com/login/device") {
		t.Errorf("expected manual instructions, got:\n%s", out.String())
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	tests := []struct {
		name         string
		finalCode    string
		admitErr     error
		expectedType ErrorType
	}{
		{name: "user denied", finalCode: "access_denied", expectedType: ErrorTypeAccessDenied},
		{name: "code expired", finalCode: "expired_token", expectedType: ErrorTypeDeviceCodeExpired},
		{name: "not invited", admitErr: identity.ErrAdmissionDenied, expectedType: ErrorTypeAdmissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newDeviceFlowServer(t, 0, tt.finalCode)
			authorizer := newFakeAuthorizer()
			authorizer.admitErr = tt.admitErr
			manager, _, _ := createTestManager(t, deviceOAuthConfig(ts.URL), authorizer)

			_, err := manager.Authenticate(context.Background())
			var authErr *Error
			if !errors.As(err, &authErr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if authErr.Type != tt.expectedType {
				t.Errorf("error type = %v, want %v", authErr.Type, tt.expectedType)
			}
			if _, err := os.Stat(manager.sessionPath); !os.IsNotExist(err) {
				t.Error("no session should be stored after a failure")
			}
		})
	}
}

func TestAuthenticate_InvalidConfig(t *testing.T) {
	manager, browser, _ := createTestManager(t, &oauth2.Config{}, newFakeAuthorizer())

	_, err := manager.Authenticate(context.Background())
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Type != ErrorTypeMissingConfig {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if len(browser.Calls) != 0 {
		t.Error("browser should not be opened")
	}
}

func TestAuthenticate_Cancelled(t *testing.T) {
	ts := newDeviceFlowServer(t, 1000, "")
	manager, _, _ := createTestManager(t, deviceOAuthConfig(ts.URL), newFakeAuthorizer())

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	_, err := manager.Authenticate(ctx)
	var authErr *Error
	if !errors.As(err, &authErr) || authErr.Type != ErrorTypeDeviceCodeExpired {
		t.Fatalf("expected the poll deadline to end the flow, got %v", err)
	}
}
