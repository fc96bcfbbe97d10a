package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"
	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// DefaultCallTimeout bounds every GitHub call when Options.Timeout is unset
const DefaultCallTimeout = 30 * time.Second

// Options configures gateway clients
type Options struct {
	// BaseURL overrides the API root, for GitHub Enterprise and tests
	BaseURL string

	// BotUsername is the bot's GitHub login, granted access by the grant protocols
	BotUsername string

	// BotToken is the bot's own credential, used only for the acceptance steps
	BotToken string

	// Timeout bounds each call
	Timeout time.Duration
}

// Client implements the Gateway interface using the GitHub REST API
type Client struct {
	client  *github.Client
	bot     *github.Client
	botName string
	timeout time.Duration
	limiter *RateTracker
}

// NewClient creates a gateway acting with the provided user token
func NewClient(token string, opts Options) (*Client, error) {
	baseURL, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return newClient(token, opts, baseURL), nil
}

func newClient(token string, opts Options, baseURL *url.URL) *Client {
	callTimeout := opts.Timeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	return &Client{
		client:  newGitHubClient(token, baseURL),
		bot:     newGitHubClient(opts.BotToken, baseURL),
		botName: opts.BotUsername,
		timeout: callTimeout,
		limiter: NewRateTracker(nil),
	}
}

func newGitHubClient(token string, baseURL *url.URL) *github.Client {
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	tc := oauth2.NewClient(context.Background(), ts)

	client := github.NewClient(tc)
	if baseURL != nil {
		client.BaseURL = baseURL
	}
	return client
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(strings.TrimSuffix(raw, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL %q: %w", raw, err)
	}
	return u, nil
}

// ClientFactory opens a Client per acting user
type ClientFactory struct {
	opts    Options
	baseURL *url.URL
}

// NewFactory validates opts once so ForToken cannot fail
func NewFactory(opts Options) (*ClientFactory, error) {
	baseURL, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return &ClientFactory{opts: opts, baseURL: baseURL}, nil
}

// ForToken returns a gateway acting with token
func (f *ClientFactory) ForToken(token string) Gateway {
	return newClient(token, f.opts, f.baseURL)
}

// RateStats reports what the client last saw of its rate limit budget
func (c *Client) RateStats() RateStats {
	return c.limiter.Stats()
}

type result[T any] struct {
	value T
	resp  *github.Response
}

// call runs fn under the client's per-call timeout and converts every failure
// into an *APIError. It never retries.
func call[T any](ctx context.Context, c *Client, resource string, fn func(ctx context.Context) (T, *github.Response, error)) (T, *github.Response, error) {
	var zero T

	if err := c.limiter.Wait(ctx); err != nil {
		return zero, nil, WrapError(err, resource)
	}

	var finished atomic.Bool
	t := timeout.New[result[T]](timeout.Config{
		DefaultTimeout: c.timeout,
	})
	res, err := t.Execute(ctx, c.timeout, func(ctx context.Context) (result[T], error) {
		v, resp, err := fn(ctx)
		finished.Store(true)
		c.limiter.Observe(resp)
		return result[T]{value: v, resp: resp}, err
	})
	if err != nil {
		if !finished.Load() && ctx.Err() == nil {
			return zero, nil, &APIError{
				Type:      ErrorTypeTimeout,
				Message:   fmt.Sprintf("GitHub did not answer within %s", c.timeout),
				Cause:     err,
				Resource:  resource,
				Retryable: true,
			}
		}
		return zero, res.resp, WrapError(err, resource)
	}

	return res.value, res.resp, nil
}

// AuthenticatedUser returns the login of the token owner
func (c *Client) AuthenticatedUser(ctx context.Context) (string, error) {
	user, _, err := call(ctx, c, "authenticated user", func(ctx context.Context) (*github.User, *github.Response, error) {
		return c.client.Users.Get(ctx, "")
	})
	if err != nil {
		return "", err
	}
	return user.GetLogin(), nil
}

// ListRepositories returns every public repository visible to the acting user
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	opts := &github.RepositoryListByAuthenticatedUserOptions{
		Visibility:  "public",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var all []Repository
	for {
		repos, resp, err := call(ctx, c, "repositories", func(ctx context.Context) ([]*github.Repository, *github.Response, error) {
			return c.client.Repositories.ListByAuthenticatedUser(ctx, opts)
		})
		if err != nil {
			return nil, err
		}

		for _, repo := range repos {
			all = append(all, convertRepository(repo))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// GrantCollaborator invites the bot onto fullName and accepts the invitation
// with the bot's credential. The returned grant records how far it got, even
// on error.
func (c *Client) GrantCollaborator(ctx context.Context, fullName string) (*CollaboratorGrant, error) {
	grant, err := c.NewCollaboratorGrant(fullName)
	if err != nil {
		return nil, err
	}
	return grant, grant.Resume(ctx)
}

// RevokeCollaborator removes the bot from fullName. A 404 counts as success.
func (c *Client) RevokeCollaborator(ctx context.Context, fullName string) error {
	owner, repo, err := SplitFullName(fullName)
	if err != nil {
		return err
	}

	resource := fmt.Sprintf("collaborator %s on %s", c.botName, fullName)
	_, _, err = call(ctx, c, resource, func(ctx context.Context) (struct{}, *github.Response, error) {
		resp, err := c.client.Repositories.RemoveCollaborator(ctx, owner, repo, c.botName)
		return struct{}{}, resp, err
	})
	if err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// EnsureOrgMembership makes the bot an active member of org
func (c *Client) EnsureOrgMembership(ctx context.Context, org string) (*OrgActivation, error) {
	activation := c.NewOrgActivation(org)
	return activation, activation.Resume(ctx)
}

// RegisterWebhook creates webhook on fullName and returns its ID
func (c *Client) RegisterWebhook(ctx context.Context, fullName string, webhook Webhook) (int64, error) {
	owner, repo, err := SplitFullName(fullName)
	if err != nil {
		return 0, err
	}

	contentType := webhook.ContentType
	if contentType == "" {
		contentType = "json"
	}
	hook := &github.Hook{
		Config: &github.HookConfig{
			URL:         github.String(webhook.URL),
			ContentType: github.String(contentType),
			Secret:      github.String(webhook.Secret),
		},
		Events: webhook.Events,
		Active: github.Bool(true),
	}

	resource := fmt.Sprintf("webhook %s on %s", webhook.URL, fullName)
	created, _, err := call(ctx, c, resource, func(ctx context.Context) (*github.Hook, *github.Response, error) {
		return c.client.Repositories.CreateHook(ctx, owner, repo, hook)
	})
	if err != nil {
		return 0, err
	}
	return created.GetID(), nil
}

// ListWebhooks returns every webhook registered on fullName
func (c *Client) ListWebhooks(ctx context.Context, fullName string) ([]Webhook, error) {
	owner, repo, err := SplitFullName(fullName)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}
	var all []Webhook
	for {
		hooks, resp, err := call(ctx, c, fmt.Sprintf("webhooks on %s", fullName), func(ctx context.Context) ([]*github.Hook, *github.Response, error) {
			return c.client.Repositories.ListHooks(ctx, owner, repo, opts)
		})
		if err != nil {
			return nil, err
		}

		for _, hook := range hooks {
			all = append(all, convertHook(hook))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// DeleteWebhook removes the webhook with webhookID from fullName
func (c *Client) DeleteWebhook(ctx context.Context, fullName string, webhookID int64) error {
	owner, repo, err := SplitFullName(fullName)
	if err != nil {
		return err
	}

	resource := fmt.Sprintf("webhook %d on %s", webhookID, fullName)
	_, _, err = call(ctx, c, resource, func(ctx context.Context) (struct{}, *github.Response, error) {
		resp, err := c.client.Repositories.DeleteHook(ctx, owner, repo, webhookID)
		return struct{}{}, resp, err
	})
	return err
}

// patchAsBot sends an authenticated PATCH with the bot's credential to an
// absolute or base-relative URL
func (c *Client) patchAsBot(ctx context.Context, resource, target string, body interface{}, v interface{}) (*github.Response, error) {
	_, resp, err := call(ctx, c, resource, func(ctx context.Context) (struct{}, *github.Response, error) {
		req, err := c.bot.NewRequest(http.MethodPatch, target, body)
		if err != nil {
			return struct{}{}, nil, err
		}
		resp, err := c.bot.Do(ctx, req, v)
		return struct{}{}, resp, err
	})
	return resp, err
}

// convertRepository converts a GitHub API repository to our Repository type
func convertRepository(repo *github.Repository) Repository {
	perms := repo.GetPermissions()
	return Repository{
		ID:        repo.GetID(),
		Owner:     repo.GetOwner().GetLogin(),
		OwnerType: OwnerType(repo.GetOwner().GetType()),
		Name:      repo.GetName(),
		FullName:  repo.GetFullName(),
		Permissions: Permissions{
			Admin: perms["admin"],
			Push:  perms["push"],
			Pull:  perms["pull"],
		},
	}
}

// convertHook converts a GitHub API hook to our Webhook type
func convertHook(hook *github.Hook) Webhook {
	cfg := hook.GetConfig()
	return Webhook{
		ID:          hook.GetID(),
		Name:        hook.GetName(),
		URL:         cfg.GetURL(),
		ContentType: cfg.GetContentType(),
		Events:      hook.Events,
		Active:      hook.GetActive(),
	}
}
