// Package web is the HTTP surface of the bot: GitHub sign-in, the repository
// management endpoints, invitations and the two webhook receivers.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"aelita/internal/identity"
	"aelita/internal/onboard"
	"aelita/internal/store"
	"aelita/pkg/config"
	"aelita/pkg/github"
)

// Flash messages shown to the operator
const (
	FlashInviteOnly     = "This service is invite-only"
	FlashAuthFailed     = "Authorization failed."
	FlashLoginRequired  = "Please log in"
	FlashNoInvites      = "You're out of invites"
	FlashAlreadyInvited = "This person is already invited"
	FlashInviteRecorded = "Invitation recorded; now let them know!"
	FlashAdded          = "Added successfully"
	FlashDeleted        = "Deleted successfully"
	FlashSaved          = "Saved successfully"
)

// CallbackPath receives the OAuth redirect from GitHub
const CallbackPath = "/github-callback"

const (
	maxRequestBodyBytes  = 1 << 20
	defaultServerTimeout = 60 * time.Second
)

// Options configures a Server
type Options struct {
	// OAuth is the GitHub sign-in configuration; see github.OAuthConfig
	OAuth *oauth2.Config

	// ViewSecret signs session cookies
	ViewSecret string

	// SecureCookies marks cookies Secure; set it when served over https
	SecureCookies bool

	Notice http.Handler
	Status http.Handler
}

// Server routes requests to the identity resolver and the onboarding engine
type Server struct {
	resolver *identity.Resolver
	engine   *onboard.Engine
	oauth    *oauth2.Config
	sessions *sessions
	notice   http.Handler
	status   http.Handler
	logger   *slog.Logger
}

// NewServer creates the HTTP surface
func NewServer(resolver *identity.Resolver, engine *onboard.Engine, opts Options, logger *slog.Logger) (*Server, error) {
	if resolver == nil || engine == nil {
		return nil, errors.New("web: resolver and engine are required")
	}
	if opts.OAuth == nil {
		return nil, errors.New("web: oauth configuration is required")
	}
	if opts.Notice == nil || opts.Status == nil {
		return nil, errors.New("web: both webhook handlers are required")
	}
	sess, err := newSessions(opts.ViewSecret, opts.SecureCookies)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		resolver: resolver,
		engine:   engine,
		oauth:    opts.OAuth,
		sessions: sess,
		notice:   opts.Notice,
		status:   opts.Status,
		logger:   logger,
	}, nil
}

// Handler returns the routed handler with request logging and a fresh
// principal cache per request
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET "+CallbackPath, s.handleCallback)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /manage", s.requirePrincipal(s.handleManage))
	mux.HandleFunc("GET /manage/edit", s.requirePrincipal(s.handleDescribe))
	mux.HandleFunc("POST /manage/add", s.requirePrincipal(s.handleAdd))
	mux.HandleFunc("POST /manage/remove", s.requirePrincipal(s.handleRemove))
	mux.HandleFunc("POST /manage/edit", s.requirePrincipal(s.handleEdit))
	mux.HandleFunc("POST /invite", s.requirePrincipal(s.handleInvite))
	mux.Handle("POST "+config.NoticePath, s.notice)
	mux.Handle("POST "+config.StatusPath, s.status)
	return s.withLogging(withRequestCache(mux))
}

// NewHTTPServer wraps handler with the server timeouts used in production
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       defaultServerTimeout,
		WriteTimeout:      defaultServerTimeout,
		IdleTimeout:       2 * defaultServerTimeout,
	}
}

type principalHandler func(w http.ResponseWriter, r *http.Request, p *store.Principal)

func (s *Server) currentPrincipal(r *http.Request) (*store.Principal, error) {
	return s.resolver.ResolveCurrentPrincipal(r.Context(), s.sessions.principalID(r))
}

func (s *Server) requirePrincipal(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.currentPrincipal(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if p == nil {
			writeJSON(w, http.StatusUnauthorized, response{Flash: FlashLoginRequired})
			return
		}
		next(w, r, p)
	}
}

type response struct {
	Flash    string   `json:"flash,omitempty"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

type indexResponse struct {
	response
	Principal string `json:"principal,omitempty"`
	Invites   int    `json:"invites"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	resp := indexResponse{response: response{Flash: s.sessions.takeFlash(w, r)}}
	p, err := s.currentPrincipal(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p != nil {
		resp.Principal = p.Username
		resp.Invites = p.InviteCount
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := s.sessions.newState(w)
	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusSeeOther)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	code := query.Get("code")
	if !s.sessions.checkState(w, r, query.Get("state")) || code == "" {
		s.logger.Warn("oauth callback rejected", "reason", "state or code missing")
		s.redirectWithFlash(w, r, FlashAuthFailed)
		return
	}

	token, err := s.oauth.Exchange(r.Context(), code)
	if err != nil {
		s.logger.Warn("oauth code exchange failed", "error", err)
		s.redirectWithFlash(w, r, FlashAuthFailed)
		return
	}

	p, err := s.resolver.CompleteAuthorization(r.Context(), token.AccessToken)
	switch {
	case errors.Is(err, identity.ErrAdmissionDenied):
		s.redirectWithFlash(w, r, FlashInviteOnly)
		return
	case err != nil:
		s.logger.Error("authorization failed", "error", err)
		s.redirectWithFlash(w, r, FlashAuthFailed)
		return
	}

	if err := s.sessions.issue(w, p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("principal signed in", "username", p.Username, "principal_id", p.ID)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.clear(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) redirectWithFlash(w http.ResponseWriter, r *http.Request, msg string) {
	s.sessions.setFlash(w, msg)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleManage(w http.ResponseWriter, r *http.Request, p *store.Principal) {
	view, err := s.engine.List(r.Context(), p, onboard.ListOptions{Owner: r.URL.Query().Get("owner")})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// repoRequest is the body of the /manage endpoints. A repository is named
// by repo_id or, failing that, by repo.
type repoRequest struct {
	RepoID        int64  `json:"repo_id"`
	Repo          string `json:"repo"`
	Contexts      string `json:"contexts"`
	MasterBranch  string `json:"master_branch"`
	StagingBranch string `json:"staging_branch"`
	PushToMaster  *bool  `json:"push_to_master"`
}

func (req repoRequest) target() (onboard.Target, error) {
	if req.RepoID > 0 {
		return onboard.ByID(req.RepoID), nil
	}
	return onboard.ParseTarget(req.Repo)
}

type resultResponse struct {
	response
	Result *onboard.Result `json:"result,omitempty"`
}

func (s *Server) writeResult(w http.ResponseWriter, flash string, result *onboard.Result) {
	writeJSON(w, http.StatusOK, resultResponse{
		response: response{Flash: flash, Warnings: result.WarningMessages()},
		Result:   result,
	})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request, p *store.Principal) {
	target, err := onboard.ParseTarget(r.URL.Query().Get("repo"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return
	}
	form, err := s.engine.Describe(r.Context(), p, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, form)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request, p *store.Principal) {
	req, target, ok := s.decodeRepoRequest(w, r)
	if !ok {
		return
	}
	result, err := s.engine.Add(r.Context(), p, target, onboard.ParseContexts(req.Contexts))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, FlashAdded, result)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request, p *store.Principal) {
	_, target, ok := s.decodeRepoRequest(w, r)
	if !ok {
		return
	}
	result, err := s.engine.Remove(r.Context(), p, target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, FlashDeleted, result)
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, p *store.Principal) {
	req, target, ok := s.decodeRepoRequest(w, r)
	if !ok {
		return
	}
	result, err := s.engine.Edit(r.Context(), p, target, onboard.EditRequest{
		Contexts:      onboard.ParseContexts(req.Contexts),
		MasterBranch:  req.MasterBranch,
		StagingBranch: req.StagingBranch,
		PushToMaster:  req.PushToMaster,
	})
	if errors.Is(err, onboard.ErrNotFound) {
		// the pipeline was removed meanwhile; nothing left to save
		writeJSON(w, http.StatusOK, response{Flash: FlashSaved})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeResult(w, FlashSaved, result)
}

type inviteRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request, p *store.Principal) {
	var req inviteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.resolver.RecordInvitation(r.Context(), p, req.Username)
	switch {
	case errors.Is(err, identity.ErrNoBudget):
		writeJSON(w, http.StatusForbidden, response{Flash: FlashNoInvites})
	case errors.Is(err, identity.ErrAlreadyInvited):
		writeJSON(w, http.StatusConflict, response{Flash: FlashAlreadyInvited})
	case err != nil:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, response{Flash: FlashInviteRecorded})
	}
}

func (s *Server) decodeRepoRequest(w http.ResponseWriter, r *http.Request) (repoRequest, onboard.Target, bool) {
	var req repoRequest
	if !decodeJSON(w, r, &req) {
		return req, onboard.Target{}, false
	}
	target, err := req.target()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return req, onboard.Target{}, false
	}
	return req, target, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Error: "malformed request body"})
		return false
	}
	return true
}

// writeError maps engine and resolver errors onto status codes. Gateway
// failures surface their message; anything else is logged and hidden.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *github.APIError
	switch {
	case errors.Is(err, onboard.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, response{Error: err.Error()})
	case errors.Is(err, onboard.ErrNotFound):
		writeJSON(w, http.StatusNotFound, response{Error: err.Error()})
	case errors.Is(err, onboard.ErrInvalidConfig), errors.Is(err, identity.ErrInvalidHandle):
		writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
	case errors.Is(err, identity.ErrUnknownPrincipal):
		writeJSON(w, http.StatusUnauthorized, response{Flash: FlashLoginRequired})
	case errors.As(err, &apiErr):
		s.logger.Warn("github call failed", "path", r.URL.Path, "error_type", string(apiErr.Type), "error", err)
		writeJSON(w, http.StatusBadGateway, response{Error: apiErr.Error()})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, response{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withRequestCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(identity.WithRequestCache(r.Context())))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
