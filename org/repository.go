package org

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested member or delegation does not exist.
var ErrNotFound = errors.New("org: not found")

// Repository reads membership and delegations from users and agent_delegations.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Member returns the organisation and role of userID.
func (r *Repository) Member(ctx context.Context, userID string) (Member, error) {
	const query = `
		SELECT id::text, organization_id::text, role
		FROM users
		WHERE id = $1 AND organization_id IS NOT NULL
	`

	var m Member
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&m.UserID, &m.OrganizationID, &m.Role); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrNotFound
		}
		return Member{}, fmt.Errorf("org: query member: %w", err)
	}
	return m, nil
}

// Delegations lists every grant from agentID to delegateID, newest first.
func (r *Repository) Delegations(ctx context.Context, agentID, delegateID string) ([]Delegation, error) {
	const query = `
		SELECT id::text, agent_id::text, delegate_user_id::text, granted_at, expires_at, revoked_at
		FROM agent_delegations
		WHERE agent_id = $1 AND delegate_user_id = $2
		ORDER BY granted_at DESC
	`

	rows, err := r.pool.Query(ctx, query, agentID, delegateID)
	if err != nil {
		return nil, fmt.Errorf("org: list delegations: %w", err)
	}
	defer rows.Close()

	var out []Delegation
	for rows.Next() {
		var d Delegation
		if err := rows.Scan(&d.ID, &d.AgentID, &d.DelegateUserID, &d.GrantedAt, &d.ExpiresAt, &d.RevokedAt); err != nil {
			return nil, fmt.Errorf("org: scan delegation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("org: iterate delegations: %w", err)
	}
	return out, nil
}

func (r *Repository) GrantDelegation(ctx context.Context, agentID, delegateID string, expiresAt *time.Time) (Delegation, error) {
	const insertSQL = `
		INSERT INTO agent_delegations (agent_id, delegate_user_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id::text, agent_id::text, delegate_user_id::text, granted_at, expires_at, revoked_at
	`

	var d Delegation
	err := r.pool.QueryRow(ctx, insertSQL, agentID, delegateID, expiresAt).
		Scan(&d.ID, &d.AgentID, &d.DelegateUserID, &d.GrantedAt, &d.ExpiresAt, &d.RevokedAt)
	if err != nil {
		return Delegation{}, fmt.Errorf("org: grant delegation: %w", err)
	}
	return d, nil
}

func (r *Repository) RevokeDelegation(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE agent_delegations SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("org: revoke delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
