package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultInviteBudget is the number of invitations a new principal may send
const DefaultInviteBudget = 3

// Principal is a locally recognised GitHub account
type Principal struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	AccessToken string `json:"-"`
	InviteCount int    `json:"invite_count"`
}

// Invitation admits a handle before its first login
type Invitation struct {
	Username   string     `json:"username"`
	InvitedBy  *int64     `json:"invited_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

const principalColumns = "user_id, username, github_access_token, invite_count"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*Principal, error) {
	var p Principal
	if err := row.Scan(&p.ID, &p.Username, &p.AccessToken, &p.InviteCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan principal: %w", err)
	}
	return &p, nil
}

// PrincipalByID returns one principal by its ID
func (s *Store) PrincipalByID(ctx context.Context, id int64) (*Principal, error) {
	return scanPrincipal(s.sqlDB.QueryRowContext(ctx,
		"SELECT "+principalColumns+" FROM signup_users WHERE user_id = ?", id))
}

// PrincipalByUsername returns one principal by handle, ignoring case
func (s *Store) PrincipalByUsername(ctx context.Context, username string) (*Principal, error) {
	return scanPrincipal(s.sqlDB.QueryRowContext(ctx,
		"SELECT "+principalColumns+" FROM signup_users WHERE username = ?", strings.TrimSpace(username)))
}

// UpdateAccessToken replaces the stored credential of a principal
func (s *Store) UpdateAccessToken(ctx context.Context, id int64, token string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE signup_users SET github_access_token = ? WHERE user_id = ?", token, id)
	if err != nil {
		return fmt.Errorf("update access token: %w", err)
	}
	return requireAffected(res)
}

// AdmitPrincipal creates the principal for an invited handle and marks the
// invitation consumed, as one unit. It returns ErrNotFound when the handle
// was never invited, and ErrAlreadyExists when a principal already exists.
func (s *Store) AdmitPrincipal(ctx context.Context, username, token string) (*Principal, error) {
	var admitted *Principal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var invited string
		err := tx.QueryRowContext(ctx,
			"SELECT username FROM signup_invited WHERE username = ?", username).Scan(&invited)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup invitation: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO signup_users (username, github_access_token, invite_count) VALUES (?, ?, ?)",
			username, token, DefaultInviteBudget)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert principal: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("principal id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE signup_invited SET consumed_at = ? WHERE username = ? AND consumed_at IS NULL",
			toMillis(time.Now()), username); err != nil {
			return fmt.Errorf("consume invitation: %w", err)
		}

		admitted = &Principal{ID: id, Username: username, AccessToken: token, InviteCount: DefaultInviteBudget}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return admitted, nil
}

// RecordInvitation spends one unit of the sponsor's budget on an invitation
// for username. The insert and the decrement commit together. It returns
// ErrNoBudget before checking for ErrAlreadyExists.
func (s *Store) RecordInvitation(ctx context.Context, sponsorID int64, username string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var budget int
		err := tx.QueryRowContext(ctx,
			"SELECT invite_count FROM signup_users WHERE user_id = ?", sponsorID).Scan(&budget)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup sponsor: %w", err)
		}
		if budget <= 0 {
			return ErrNoBudget
		}

		if err := insertInvitation(ctx, tx, username, &sponsorID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE signup_users SET invite_count = invite_count - 1 WHERE user_id = ? AND invite_count > 0",
			sponsorID)
		if err != nil {
			return fmt.Errorf("spend invitation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("spend invitation: %w", err)
		} else if n == 0 {
			return ErrNoBudget
		}
		return nil
	})
}

// SeedInvitation records an invitation with no sponsor
func (s *Store) SeedInvitation(ctx context.Context, username string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertInvitation(ctx, tx, username, nil)
	})
}

func insertInvitation(ctx context.Context, tx *sql.Tx, username string, sponsorID *int64) error {
	var invitedBy sql.NullInt64
	if sponsorID != nil {
		invitedBy = sql.NullInt64{Int64: *sponsorID, Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		"INSERT INTO signup_invited (username, invited_by, created_at) VALUES (?, ?, ?)",
		username, invitedBy, toMillis(time.Now()))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

// InvitationByUsername returns one invitation by handle, ignoring case
func (s *Store) InvitationByUsername(ctx context.Context, username string) (*Invitation, error) {
	var (
		inv        Invitation
		invitedBy  sql.NullInt64
		createdAt  int64
		consumedAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT username, invited_by, created_at, consumed_at FROM signup_invited WHERE username = ?",
		strings.TrimSpace(username)).Scan(&inv.Username, &invitedBy, &createdAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup invitation: %w", err)
	}

	inv.CreatedAt = fromMillis(createdAt)
	if invitedBy.Valid {
		id := invitedBy.Int64
		inv.InvitedBy = &id
	}
	if consumedAt.Valid {
		at := fromMillis(consumedAt.Int64)
		inv.ConsumedAt = &at
	}
	return &inv, nil
}

// CountInvitations returns the number of invitations recorded for username
// (zero or one)
func (s *Store) CountInvitations(ctx context.Context, username string) (int, error) {
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM signup_invited WHERE username = ?", strings.TrimSpace(username)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count invitations: %w", err)
	}
	return n, nil
}

// GrantBudget raises a principal's invitation budget by n
func (s *Store) GrantBudget(ctx context.Context, username string, n int) (*Principal, error) {
	if n <= 0 {
		return nil, fmt.Errorf("budget increase must be positive, got %d", n)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE signup_users SET invite_count = invite_count + ? WHERE username = ?",
		n, strings.TrimSpace(username))
	if err != nil {
		return nil, fmt.Errorf("grant budget: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return s.PrincipalByUsername(ctx, username)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
