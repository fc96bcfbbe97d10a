package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Default git policy for a new pipeline
const (
	DefaultMasterBranch  = "master"
	DefaultStagingBranch = "staging"
)

// RepoKey identifies a repository independent of letter case
type RepoKey struct {
	Owner string
	Repo  string
}

// Key returns the case-folded key for owner/repo
func Key(owner, repo string) RepoKey {
	return RepoKey{Owner: strings.ToLower(owner), Repo: strings.ToLower(repo)}
}

// GitPolicy is the branch configuration of one pipeline
type GitPolicy struct {
	MasterBranch  string `json:"master_branch"`
	StagingBranch string `json:"staging_branch"`
	PushToMaster  bool   `json:"push_to_master"`
}

// DefaultGitPolicy returns the policy every new pipeline starts with
func DefaultGitPolicy() GitPolicy {
	return GitPolicy{
		MasterBranch:  DefaultMasterBranch,
		StagingBranch: DefaultStagingBranch,
		PushToMaster:  true,
	}
}

// Pipeline is one onboarded repository with all of its configuration rows
type Pipeline struct {
	ID            int64     `json:"pipeline_id"`
	Name          string    `json:"name"`
	TryPipelineID *int64    `json:"try_pipeline_id,omitempty"`
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	Contexts      []string  `json:"contexts"`
	Git           GitPolicy `json:"git"`
}

// NewPipeline describes the rows created when a repository is added
type NewPipeline struct {
	Owner    string
	Repo     string
	Contexts []string
}

// CreatePipeline inserts the pipeline, its binding, its status contexts and
// a default git policy as one unit. It returns ErrAlreadyExists when the
// repository already has a pipeline.
func (s *Store) CreatePipeline(ctx context.Context, p NewPipeline) (int64, error) {
	owner := strings.TrimSpace(p.Owner)
	repo := strings.TrimSpace(p.Repo)
	if owner == "" || repo == "" {
		return 0, fmt.Errorf("owner and repo are required")
	}
	if len(p.Contexts) == 0 {
		return 0, fmt.Errorf("at least one status context is required")
	}

	var pipelineID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO twelvef_config_pipeline (name) VALUES (?)", owner+"/"+repo)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert pipeline: %w", err)
		}
		if pipelineID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("pipeline id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO twelvef_github_projects (pipeline_id, try_pipeline_id, owner, repo) VALUES (?, NULL, ?, ?)",
			pipelineID, owner, repo); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert binding: %w", err)
		}

		if err := insertContexts(ctx, tx, pipelineID, owner, repo, p.Contexts); err != nil {
			return err
		}

		git := DefaultGitPolicy()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO twelvef_github_git_pipelines
			   (pipeline_id, owner, repo, master_branch, staging_branch, push_to_master)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			pipelineID, owner, repo, git.MasterBranch, git.StagingBranch, git.PushToMaster); err != nil {
			return fmt.Errorf("insert git policy: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pipelineID, nil
}

func insertContexts(ctx context.Context, tx *sql.Tx, pipelineID int64, owner, repo string, contexts []string) error {
	for _, statusContext := range contexts {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO twelvef_github_status_pipelines (owner, repo, context) VALUES (?, ?, ?)",
			owner, repo, statusContext)
		if err != nil {
			return fmt.Errorf("insert status context: %w", err)
		}
		ciID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("status context id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO twelvef_config_pipeline_ci (pipeline_id, ci_id) VALUES (?, ?)",
			pipelineID, ciID); err != nil {
			return fmt.Errorf("link status context: %w", err)
		}
	}
	return nil
}

func deleteContexts(ctx context.Context, tx *sql.Tx, pipelineID int64) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT ci_id FROM twelvef_config_pipeline_ci WHERE pipeline_id = ?", pipelineID)
	if err != nil {
		return fmt.Errorf("list status contexts: %w", err)
	}
	var ciIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan status context: %w", err)
		}
		ciIDs = append(ciIDs, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("list status contexts: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM twelvef_config_pipeline_ci WHERE pipeline_id = ?", pipelineID); err != nil {
		return fmt.Errorf("unlink status contexts: %w", err)
	}
	for _, id := range ciIDs {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM twelvef_github_status_pipelines WHERE ci_id = ?", id); err != nil {
			return fmt.Errorf("delete status context: %w", err)
		}
	}
	return nil
}

func bindingID(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, owner, repo string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		"SELECT pipeline_id FROM twelvef_github_projects WHERE owner = ? AND repo = ?", owner, repo).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup binding: %w", err)
	}
	return id, nil
}

// DeletePipeline removes every row of the repository's pipeline as one unit
// and returns the removed pipeline ID. It returns ErrNotFound when the
// repository has no binding.
func (s *Store) DeletePipeline(ctx context.Context, owner, repo string) (int64, error) {
	var pipelineID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := bindingID(ctx, tx, owner, repo)
		if err != nil {
			return err
		}
		pipelineID = id

		if err := deleteContexts(ctx, tx, id); err != nil {
			return err
		}
		for _, stmt := range []string{
			"DELETE FROM twelvef_github_git_pipelines WHERE pipeline_id = ?",
			"DELETE FROM twelvef_github_projects WHERE pipeline_id = ?",
			"DELETE FROM twelvef_config_pipeline WHERE pipeline_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("delete pipeline %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pipelineID, nil
}

// ConfigUpdate is the editable part of a pipeline
type ConfigUpdate struct {
	Contexts []string
	Git      GitPolicy
}

// UpdatePipelineConfig replaces all status contexts and overwrites the git
// policy as one unit. It returns ErrNotFound when the repository has no
// binding.
func (s *Store) UpdatePipelineConfig(ctx context.Context, owner, repo string, update ConfigUpdate) error {
	if len(update.Contexts) == 0 {
		return fmt.Errorf("at least one status context is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := bindingID(ctx, tx, owner, repo)
		if err != nil {
			return err
		}

		var boundOwner, boundRepo string
		if err := tx.QueryRowContext(ctx,
			"SELECT owner, repo FROM twelvef_github_projects WHERE pipeline_id = ?", id).Scan(&boundOwner, &boundRepo); err != nil {
			return fmt.Errorf("lookup binding: %w", err)
		}

		if err := deleteContexts(ctx, tx, id); err != nil {
			return err
		}
		if err := insertContexts(ctx, tx, id, boundOwner, boundRepo, update.Contexts); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO twelvef_github_git_pipelines
			   (pipeline_id, owner, repo, master_branch, staging_branch, push_to_master)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (pipeline_id) DO UPDATE SET
			   master_branch = excluded.master_branch,
			   staging_branch = excluded.staging_branch,
			   push_to_master = excluded.push_to_master`,
			id, boundOwner, boundRepo, update.Git.MasterBranch, update.Git.StagingBranch, update.Git.PushToMaster); err != nil {
			return fmt.Errorf("update git policy: %w", err)
		}
		return nil
	})
}

// PipelineByRepo returns the complete pipeline bound to owner/repo. It
// returns ErrNotFound unless the binding and all of its rows exist.
func (s *Store) PipelineByRepo(ctx context.Context, owner, repo string) (*Pipeline, error) {
	var (
		p     Pipeline
		tryID sql.NullInt64
		push  bool
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT b.pipeline_id, c.name, b.try_pipeline_id, b.owner, b.repo,
		        g.master_branch, g.staging_branch, g.push_to_master
		   FROM twelvef_github_projects b
		   JOIN twelvef_config_pipeline c ON c.pipeline_id = b.pipeline_id
		   JOIN twelvef_github_git_pipelines g ON g.pipeline_id = b.pipeline_id
		  WHERE b.owner = ? AND b.repo = ?`,
		owner, repo).Scan(&p.ID, &p.Name, &tryID, &p.Owner, &p.Repo,
		&p.Git.MasterBranch, &p.Git.StagingBranch, &push)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup pipeline: %w", err)
	}
	p.Git.PushToMaster = push
	if tryID.Valid {
		id := tryID.Int64
		p.TryPipelineID = &id
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT s.context
		   FROM twelvef_config_pipeline_ci ci
		   JOIN twelvef_github_status_pipelines s ON s.ci_id = ci.ci_id
		  WHERE ci.pipeline_id = ?
		  ORDER BY s.ci_id`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list status contexts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var statusContext string
		if err := rows.Scan(&statusContext); err != nil {
			return nil, fmt.Errorf("scan status context: %w", err)
		}
		p.Contexts = append(p.Contexts, statusContext)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list status contexts: %w", err)
	}
	if len(p.Contexts) == 0 {
		return nil, ErrNotFound
	}
	return &p, nil
}

// PipelineExists reports whether a pipeline row has been created for
// owner/repo, whether or not its configuration is complete
func (s *Store) PipelineExists(ctx context.Context, owner, repo string) (bool, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM twelvef_config_pipeline c
		  WHERE c.name = ?
		     OR EXISTS (SELECT 1 FROM twelvef_github_projects b
		                 WHERE b.pipeline_id = c.pipeline_id AND b.owner = ? AND b.repo = ?)`,
		owner+"/"+repo, owner, repo).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup pipeline: %w", err)
	}
	return n > 0, nil
}

// PresentRepos returns the repositories owned by any of owners whose binding
// and configuration rows all exist, mapped to their pipeline IDs
func (s *Store) PresentRepos(ctx context.Context, owners []string) (map[RepoKey]int64, error) {
	present := make(map[RepoKey]int64)
	if len(owners) == 0 {
		return present, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(owners)), ",")
	args := make([]any, len(owners))
	for i, owner := range owners {
		args[i] = owner
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT b.owner, b.repo, b.pipeline_id
		   FROM twelvef_github_projects b
		   JOIN twelvef_config_pipeline c ON c.pipeline_id = b.pipeline_id
		   JOIN twelvef_github_git_pipelines g ON g.pipeline_id = b.pipeline_id
		  WHERE b.owner IN (`+placeholders+`)
		    AND EXISTS (SELECT 1 FROM twelvef_config_pipeline_ci ci
		                  JOIN twelvef_github_status_pipelines s ON s.ci_id = ci.ci_id
		                 WHERE ci.pipeline_id = b.pipeline_id)`, args...)
	if err != nil {
		return nil, fmt.Errorf("list present repositories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, repo string
		var id int64
		if err := rows.Scan(&owner, &repo, &id); err != nil {
			return nil, fmt.Errorf("scan present repository: %w", err)
		}
		present[Key(owner, repo)] = id
	}
	return present, rows.Err()
}

// PipelineTrace counts the rows that still reference pipelineID across every
// pipeline table, plus the status contexts recorded for owner/repo
func (s *Store) PipelineTrace(ctx context.Context, pipelineID int64, owner, repo string) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM twelvef_config_pipeline WHERE pipeline_id = ?) +
		   (SELECT COUNT(*) FROM twelvef_github_projects WHERE pipeline_id = ?) +
		   (SELECT COUNT(*) FROM twelvef_config_pipeline_ci WHERE pipeline_id = ?) +
		   (SELECT COUNT(*) FROM twelvef_github_git_pipelines WHERE pipeline_id = ?) +
		   (SELECT COUNT(*) FROM twelvef_github_status_pipelines WHERE owner = ? AND repo = ?)`,
		pipelineID, pipelineID, pipelineID, pipelineID, owner, repo).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pipeline rows: %w", err)
	}
	return n, nil
}
