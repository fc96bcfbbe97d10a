// Package onboard reconciles the configuration store with the bot's footprint
// on GitHub. Each workflow commits its store group first and then makes the
// GitHub calls; failures after the commit are reported as warnings and never
// roll the local rows back.
package onboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"aelita/internal/store"
	"aelita/pkg/github"
)

var (
	// ErrNotFound is returned when the repository has no pipeline
	ErrNotFound = errors.New("pipeline not found")
	// ErrPermissionDenied is returned when the principal cannot administer
	// the repository
	ErrPermissionDenied = errors.New("admin permission required")
	// ErrInvalidConfig is returned for unusable edit input
	ErrInvalidConfig = errors.New("invalid pipeline configuration")
)

// Options configures an Engine
type Options struct {
	// NoticeURL and StatusURL are the webhook targets registered on every
	// onboarded repository
	NoticeURL    string
	StatusURL    string
	NoticeSecret string
	StatusSecret string

	// DefaultContext is used when an add supplies no status context
	DefaultContext string

	// ReadRetry applies to repository and webhook listings only
	ReadRetry *github.RetryConfig
}

// Engine runs the add, remove, edit and list workflows
type Engine struct {
	store    *store.Store
	gateways github.Factory
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates an Engine
func NewEngine(st *store.Store, gateways github.Factory, opts Options, logger *slog.Logger) (*Engine, error) {
	if st == nil || gateways == nil {
		return nil, fmt.Errorf("store and gateway factory are required")
	}
	if opts.NoticeURL == "" || opts.StatusURL == "" {
		return nil, fmt.Errorf("notice and status URLs are required")
	}
	if opts.NoticeURL == opts.StatusURL {
		return nil, fmt.Errorf("notice and status URLs must differ")
	}
	if strings.TrimSpace(opts.DefaultContext) == "" {
		return nil, fmt.Errorf("default status context is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ReadRetry == nil {
		opts.ReadRetry = github.DefaultRetryConfig()
	}
	if opts.ReadRetry.Logger == nil {
		policy := *opts.ReadRetry
		policy.Logger = logger
		opts.ReadRetry = &policy
	}
	return &Engine{store: st, gateways: gateways, opts: opts, logger: logger}, nil
}

// Target names a repository either by numeric ID or by owner/name
type Target struct {
	ID       int64
	FullName string
}

// ByID targets the repository with the given ID
func ByID(id int64) Target {
	return Target{ID: id}
}

// ByName targets the repository called fullName
func ByName(fullName string) Target {
	return Target{FullName: strings.TrimSpace(fullName)}
}

// ParseTarget accepts a numeric ID or an owner/name
func ParseTarget(ref string) (Target, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return ByID(id), nil
	}
	if _, _, err := github.SplitFullName(ref); err != nil {
		return Target{}, err
	}
	return ByName(ref), nil
}

func (t Target) matches(repo github.Repository) bool {
	if t.ID != 0 {
		return repo.ID == t.ID
	}
	return strings.EqualFold(repo.FullName, t.FullName)
}

func (t Target) String() string {
	if t.ID != 0 {
		return fmt.Sprintf("repository %d", t.ID)
	}
	return t.FullName
}

func (e *Engine) gateway(p *store.Principal) (github.Gateway, error) {
	if p == nil {
		return nil, fmt.Errorf("a principal is required")
	}
	return e.gateways.ForToken(p.AccessToken), nil
}

// listRepositories is the only place the engine retries: a listing is safe
// to repeat
func (e *Engine) listRepositories(ctx context.Context, gw github.Gateway) ([]github.Repository, error) {
	repos, err := github.Retry(ctx, e.opts.ReadRetry, gw.ListRepositories)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}

func (e *Engine) listWebhooks(ctx context.Context, gw github.Gateway, fullName string) ([]github.Webhook, error) {
	return github.Retry(ctx, e.opts.ReadRetry, func(ctx context.Context) ([]github.Webhook, error) {
		return gw.ListWebhooks(ctx, fullName)
	})
}

// authorize re-reads the principal's repositories and returns target when
// the principal administers it
func (e *Engine) authorize(ctx context.Context, gw github.Gateway, target Target) (github.Repository, error) {
	repos, err := e.listRepositories(ctx, gw)
	if err != nil {
		return github.Repository{}, err
	}
	for _, repo := range repos {
		if !target.matches(repo) {
			continue
		}
		if !repo.Permissions.Admin {
			return github.Repository{}, fmt.Errorf("%w on %s", ErrPermissionDenied, repo.FullName)
		}
		return repo, nil
	}
	return github.Repository{}, fmt.Errorf("%w: %s is not visible", ErrPermissionDenied, target)
}
