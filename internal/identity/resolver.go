// Package identity maps sessions and OAuth tokens to local principals and
// gates admission on invitations.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"aelita/internal/store"
	"aelita/pkg/github"
)

var (
	// ErrAdmissionDenied is returned when a handle logs in without an invitation
	ErrAdmissionDenied = errors.New("admission denied: handle was not invited")
	// ErrNoBudget is returned when a sponsor has no invitations left
	ErrNoBudget = errors.New("no invitations left")
	// ErrAlreadyInvited is returned when the handle already has an invitation
	ErrAlreadyInvited = errors.New("handle is already invited")
	// ErrInvalidHandle is returned for strings that cannot be GitHub logins
	ErrInvalidHandle = errors.New("invalid handle")
	// ErrUnknownPrincipal is returned when the acting principal's row is gone
	ErrUnknownPrincipal = errors.New("principal no longer exists")
)

// GitHub logins: alphanumerics and single hyphens, 1-39 characters
var handlePattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9]|-[A-Za-z0-9]){0,38}$`)

// Resolver resolves principals for sessions and authorizations
type Resolver struct {
	store    *store.Store
	gateways github.Factory
	logger   *slog.Logger
}

// NewResolver creates a Resolver backed by st. gateways opens a gateway for a
// freshly issued OAuth token.
func NewResolver(st *store.Store, gateways github.Factory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, gateways: gateways, logger: logger}
}

// ValidateHandle normalizes and checks a GitHub login
func ValidateHandle(handle string) (string, error) {
	handle = strings.TrimSpace(handle)
	if !handlePattern.MatchString(handle) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}
	return handle, nil
}

// ResolveCurrentPrincipal returns the principal stored in the session, or nil
// when there is none. Within one request the result is cached; see
// WithRequestCache. It never calls GitHub.
func (r *Resolver) ResolveCurrentPrincipal(ctx context.Context, principalID int64) (*store.Principal, error) {
	if principalID <= 0 {
		return nil, nil
	}

	cache := cacheFrom(ctx)
	if p, ok := cache.get(principalID); ok {
		return p, nil
	}

	p, err := r.store.PrincipalByID(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		cache.put(principalID, nil)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve principal %d: %w", principalID, err)
	}
	cache.put(principalID, p)
	return p, nil
}

// PrincipalByHandle returns the principal for handle
func (r *Resolver) PrincipalByHandle(ctx context.Context, handle string) (*store.Principal, error) {
	handle, err := ValidateHandle(handle)
	if err != nil {
		return nil, err
	}
	return r.store.PrincipalByUsername(ctx, handle)
}

// CompleteAuthorization turns a freshly issued OAuth token into a principal.
// A known handle gets its stored token replaced when it changed. An unknown
// handle is admitted only when it holds an invitation; otherwise
// ErrAdmissionDenied is returned and nothing is written.
func (r *Resolver) CompleteAuthorization(ctx context.Context, token string) (*store.Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("authorization returned an empty token")
	}

	login, err := r.gateways.ForToken(token).AuthenticatedUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch authenticated user: %w", err)
	}

	existing, err := r.store.PrincipalByUsername(ctx, login)
	switch {
	case err == nil:
		return r.refreshToken(ctx, existing, token)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup principal: %w", err)
	}

	admitted, err := r.store.AdmitPrincipal(ctx, login, token)
	switch {
	case err == nil:
		r.logger.Info("principal admitted", "username", admitted.Username, "principal_id", admitted.ID)
		return admitted, nil
	case errors.Is(err, store.ErrNotFound):
		r.logger.Info("admission denied", "username", login)
		return nil, ErrAdmissionDenied
	case errors.Is(err, store.ErrAlreadyExists):
		// a concurrent login admitted the same handle first
		existing, err := r.store.PrincipalByUsername(ctx, login)
		if err != nil {
			return nil, fmt.Errorf("lookup principal: %w", err)
		}
		return r.refreshToken(ctx, existing, token)
	default:
		return nil, fmt.Errorf("admit principal: %w", err)
	}
}

func (r *Resolver) refreshToken(ctx context.Context, p *store.Principal, token string) (*store.Principal, error) {
	if p.AccessToken == token {
		return p, nil
	}
	if err := r.store.UpdateAccessToken(ctx, p.ID, token); err != nil {
		return nil, fmt.Errorf("update access token: %w", err)
	}
	p.AccessToken = token
	cacheFrom(ctx).put(p.ID, p)
	r.logger.Info("access token rotated", "username", p.Username, "principal_id", p.ID)
	return p, nil
}

// RecordInvitation spends one unit of sponsor's budget to invite handle.
// The budget is checked before the duplicate.
func (r *Resolver) RecordInvitation(ctx context.Context, sponsor *store.Principal, handle string) error {
	if sponsor == nil {
		return fmt.Errorf("an invitation needs a sponsor")
	}
	handle, err := ValidateHandle(handle)
	if err != nil {
		return err
	}

	err = r.store.RecordInvitation(ctx, sponsor.ID, handle)
	switch {
	case errors.Is(err, store.ErrNoBudget):
		return ErrNoBudget
	case errors.Is(err, store.ErrAlreadyExists):
		return ErrAlreadyInvited
	case errors.Is(err, store.ErrNotFound):
		cacheFrom(ctx).forget(sponsor.ID)
		return fmt.Errorf("%w: %s", ErrUnknownPrincipal, sponsor.Username)
	case err != nil:
		return fmt.Errorf("record invitation: %w", err)
	}

	cacheFrom(ctx).forget(sponsor.ID)
	if sponsor.InviteCount > 0 {
		sponsor.InviteCount--
	}
	r.logger.Info("invitation recorded", "sponsor", sponsor.Username, "username", handle)
	return nil
}

// SeedInvitation records an invitation with no sponsor, to bootstrap an
// invite-only deployment
func (r *Resolver) SeedInvitation(ctx context.Context, handle string) error {
	handle, err := ValidateHandle(handle)
	if err != nil {
		return err
	}
	if err := r.store.SeedInvitation(ctx, handle); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrAlreadyInvited
		}
		return fmt.Errorf("seed invitation: %w", err)
	}
	r.logger.Info("invitation seeded", "username", handle)
	return nil
}

// GrantBudget raises handle's invitation budget by n
func (r *Resolver) GrantBudget(ctx context.Context, handle string, n int) (*store.Principal, error) {
	handle, err := ValidateHandle(handle)
	if err != nil {
		return nil, err
	}
	p, err := r.store.GrantBudget(ctx, handle, n)
	if err != nil {
		return nil, err
	}
	cacheFrom(ctx).forget(p.ID)
	r.logger.Info("invitation budget granted", "username", p.Username, "added", n, "invite_count", p.InviteCount)
	return p, nil
}
