package onboard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aelita/internal/store"
	"aelita/pkg/github"
)

// Result reports what a workflow did. Warnings holds the GitHub calls that
// failed after the store group committed.
type Result struct {
	Repository github.Repository `json:"repository"`
	PipelineID int64             `json:"pipeline_id,omitempty"`

	// LocalChanged is false when the store already held the desired rows
	LocalChanged bool                        `json:"local_changed"`
	Completed    []string                    `json:"completed"`
	Warnings     *github.PartialFailureError `json:"-"`
}

// HasWarnings reports whether any GitHub call failed
func (r *Result) HasWarnings() bool {
	return r != nil && r.Warnings != nil && len(r.Warnings.Failed) > 0
}

// WarningMessages returns one line per failed call, in a stable order
func (r *Result) WarningMessages() []string {
	if !r.HasWarnings() {
		return nil
	}
	var out []string
	for _, op := range r.Warnings.GetFailedOperations() {
		out = append(out, fmt.Sprintf("%s: %v", op, r.Warnings.Failed[op]))
	}
	return out
}

// steps collects the outcome of the external calls of one workflow
type steps struct {
	succeeded []string
	failed    map[string]error
}

func (s *steps) run(name string, fn func() error) bool {
	if err := fn(); err != nil {
		if s.failed == nil {
			s.failed = make(map[string]error)
		}
		s.failed[name] = err
		return false
	}
	s.succeeded = append(s.succeeded, name)
	return true
}

func (s *steps) finish(result *Result) {
	result.Completed = s.succeeded
	if len(s.failed) > 0 {
		result.Warnings = github.NewPartialFailureError(s.succeeded, s.failed)
	}
}

func (e *Engine) noticeHook() github.Webhook {
	return github.Webhook{
		Name:        "web",
		URL:         e.opts.NoticeURL,
		ContentType: "json",
		Secret:      e.opts.NoticeSecret,
		Events:      []string{github.EventIssueComment, github.EventPullRequest, github.EventTeamAdd},
		Active:      true,
	}
}

func (e *Engine) statusHook() github.Webhook {
	return github.Webhook{
		Name:        "web",
		URL:         e.opts.StatusURL,
		ContentType: "json",
		Secret:      e.opts.StatusSecret,
		Events:      []string{github.EventStatus},
		Active:      true,
	}
}

func (e *Engine) ownsHook(hook github.Webhook) bool {
	return hook.Name == "web" && (hook.URL == e.opts.NoticeURL || hook.URL == e.opts.StatusURL)
}

// Add onboards target. The pipeline rows are committed before any GitHub
// call. When the pipeline already exists, as on a retried add, the store
// step is skipped and only webhooks not yet registered are created.
func (e *Engine) Add(ctx context.Context, p *store.Principal, target Target, contexts []string) (*Result, error) {
	gw, err := e.gateway(p)
	if err != nil {
		return nil, err
	}
	repo, err := e.authorize(ctx, gw, target)
	if err != nil {
		return nil, err
	}

	contexts = normalizeContexts(contexts)
	if len(contexts) == 0 {
		contexts = []string{e.opts.DefaultContext}
	}

	result := &Result{Repository: repo}
	exists, err := e.store.PipelineExists(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		id, err := e.store.CreatePipeline(ctx, store.NewPipeline{Owner: repo.Owner, Repo: repo.Name, Contexts: contexts})
		switch {
		case err == nil:
			result.PipelineID = id
			result.LocalChanged = true
		case errors.Is(err, store.ErrAlreadyExists):
			// a concurrent add committed first; carry on with the external steps
		default:
			return nil, fmt.Errorf("create pipeline for %s: %w", repo.FullName, err)
		}
	}
	if !result.LocalChanged {
		if pipeline, err := e.store.PipelineByRepo(ctx, repo.Owner, repo.Name); err == nil {
			result.PipelineID = pipeline.ID
		}
	}

	var s steps
	s.run("grant collaborator on "+repo.FullName, func() error {
		_, err := gw.GrantCollaborator(ctx, repo.FullName)
		return err
	})
	if repo.IsOrganization() {
		s.run("activate membership in "+repo.Owner, func() error {
			_, err := gw.EnsureOrgMembership(ctx, repo.Owner)
			return err
		})
	}

	registered := make(map[string]bool)
	if !result.LocalChanged {
		var hooks []github.Webhook
		ok := s.run("list webhooks on "+repo.FullName, func() error {
			var err error
			hooks, err = e.listWebhooks(ctx, gw, repo.FullName)
			return err
		})
		if !ok {
			s.finish(result)
			e.logResult("repository add incomplete", p, result)
			return result, nil
		}
		for _, hook := range hooks {
			if e.ownsHook(hook) {
				registered[hook.URL] = true
			}
		}
	}

	for _, hook := range []struct {
		name    string
		webhook github.Webhook
	}{
		{name: "notice webhook", webhook: e.noticeHook()},
		{name: "status webhook", webhook: e.statusHook()},
	} {
		if registered[hook.webhook.URL] {
			continue
		}
		webhook := hook.webhook
		s.run("register "+hook.name+" on "+repo.FullName, func() error {
			_, err := gw.RegisterWebhook(ctx, repo.FullName, webhook)
			return err
		})
	}

	s.finish(result)
	if result.HasWarnings() {
		e.logResult("repository add incomplete", p, result)
	} else {
		e.logger.Info("repository added", "repo", repo.FullName, "pipeline_id", result.PipelineID, "principal", p.Username)
	}
	return result, nil
}

// Remove offboards target. The pipeline rows are deleted first; a missing
// pipeline is not an error and the GitHub cleanup still runs.
func (e *Engine) Remove(ctx context.Context, p *store.Principal, target Target) (*Result, error) {
	gw, err := e.gateway(p)
	if err != nil {
		return nil, err
	}
	repo, err := e.authorize(ctx, gw, target)
	if err != nil {
		return nil, err
	}

	result := &Result{Repository: repo}
	id, err := e.store.DeletePipeline(ctx, repo.Owner, repo.Name)
	switch {
	case err == nil:
		result.PipelineID = id
		result.LocalChanged = true
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fmt.Errorf("delete pipeline for %s: %w", repo.FullName, err)
	}

	var s steps
	s.run("revoke collaborator on "+repo.FullName, func() error {
		return gw.RevokeCollaborator(ctx, repo.FullName)
	})

	var hooks []github.Webhook
	if s.run("list webhooks on "+repo.FullName, func() error {
		var err error
		hooks, err = e.listWebhooks(ctx, gw, repo.FullName)
		return err
	}) {
		for _, hook := range hooks {
			if !e.ownsHook(hook) {
				continue
			}
			hookID := hook.ID
			s.run(fmt.Sprintf("delete webhook %d on %s", hookID, repo.FullName), func() error {
				return gw.DeleteWebhook(ctx, repo.FullName, hookID)
			})
		}
	}

	s.finish(result)
	if result.HasWarnings() {
		e.logResult("repository remove incomplete", p, result)
	} else {
		e.logger.Info("repository removed", "repo", repo.FullName, "pipeline_id", result.PipelineID, "principal", p.Username)
	}
	return result, nil
}

// EditRequest is the new configuration of a pipeline
type EditRequest struct {
	Contexts      []string `json:"contexts"`
	MasterBranch  string   `json:"master_branch"`
	StagingBranch string   `json:"staging_branch"`

	// PushToMaster nil keeps the stored flag
	PushToMaster *bool `json:"push_to_master,omitempty"`
}

// Edit replaces the status contexts and the git policy of target's pipeline.
// It makes no GitHub calls beyond the permission check and returns
// ErrNotFound when the pipeline is gone.
func (e *Engine) Edit(ctx context.Context, p *store.Principal, target Target, req EditRequest) (*Result, error) {
	contexts := normalizeContexts(req.Contexts)
	if len(contexts) == 0 {
		return nil, fmt.Errorf("%w: at least one status context is required", ErrInvalidConfig)
	}
	master := strings.TrimSpace(req.MasterBranch)
	staging := strings.TrimSpace(req.StagingBranch)
	if master == "" || staging == "" {
		return nil, fmt.Errorf("%w: master and staging branches are required", ErrInvalidConfig)
	}

	gw, err := e.gateway(p)
	if err != nil {
		return nil, err
	}
	repo, err := e.authorize(ctx, gw, target)
	if err != nil {
		return nil, err
	}

	policy := store.GitPolicy{MasterBranch: master, StagingBranch: staging}
	if req.PushToMaster != nil {
		policy.PushToMaster = *req.PushToMaster
	} else {
		current, err := e.store.PipelineByRepo(ctx, repo.Owner, repo.Name)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, repo.FullName)
		}
		if err != nil {
			return nil, fmt.Errorf("load pipeline for %s: %w", repo.FullName, err)
		}
		policy.PushToMaster = current.Git.PushToMaster
	}

	err = e.store.UpdatePipelineConfig(ctx, repo.Owner, repo.Name, store.ConfigUpdate{Contexts: contexts, Git: policy})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, repo.FullName)
	}
	if err != nil {
		return nil, fmt.Errorf("update pipeline for %s: %w", repo.FullName, err)
	}

	e.logger.Info("pipeline edited", "repo", repo.FullName, "contexts", len(contexts), "principal", p.Username)
	return &Result{Repository: repo, LocalChanged: true, Completed: []string{}}, nil
}

// EditForm is the current configuration of a pipeline as an edit form shows it
type EditForm struct {
	Repository    github.Repository `json:"repository"`
	Contexts      string            `json:"contexts"`
	MasterBranch  string            `json:"master_branch"`
	StagingBranch string            `json:"staging_branch"`
	PushToMaster  bool              `json:"push_to_master"`
}

// Describe returns the edit form for target's pipeline, or ErrNotFound
func (e *Engine) Describe(ctx context.Context, p *store.Principal, target Target) (*EditForm, error) {
	gw, err := e.gateway(p)
	if err != nil {
		return nil, err
	}
	repo, err := e.authorize(ctx, gw, target)
	if err != nil {
		return nil, err
	}

	pipeline, err := e.store.PipelineByRepo(ctx, repo.Owner, repo.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, repo.FullName)
	}
	if err != nil {
		return nil, err
	}
	return &EditForm{
		Repository:    repo,
		Contexts:      JoinContexts(pipeline.Contexts),
		MasterBranch:  pipeline.Git.MasterBranch,
		StagingBranch: pipeline.Git.StagingBranch,
		PushToMaster:  pipeline.Git.PushToMaster,
	}, nil
}

func (e *Engine) logResult(msg string, p *store.Principal, result *Result) {
	e.logger.Warn(msg,
		"repo", result.Repository.FullName,
		"pipeline_id", result.PipelineID,
		"principal", p.Username,
		"completed", len(result.Completed),
		"failed", result.Warnings.GetFailedOperations(),
	)
}
