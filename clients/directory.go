// Package clients is the narrow view of the CRM client table the SOA
// workflow needs: does a client exist, and which organisation owns it.
package clients

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Directory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// ClientOrganization resolves an active (not archived) client to its organisation.
func (d *Directory) ClientOrganization(ctx context.Context, clientID string) (string, bool, error) {
	const query = `
		SELECT organization_id::text
		FROM clients
		WHERE id = $1 AND archived_at IS NULL
	`

	var orgID string
	if err := d.pool.QueryRow(ctx, query, clientID).Scan(&orgID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("clients: lookup: %w", err)
	}
	return orgID, true, nil
}

// Create inserts a client row. The CRM owns clients; this exists for seeding
// and the stress harness.
func (d *Directory) Create(ctx context.Context, organizationID, fullName, email, phone string) (string, error) {
	const insertSQL = `
		INSERT INTO clients (organization_id, full_name, email, phone)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		RETURNING id::text
	`

	var id string
	if err := d.pool.QueryRow(ctx, insertSQL, organizationID, fullName, email, phone).Scan(&id); err != nil {
		return "", fmt.Errorf("clients: create: %w", err)
	}
	return id, nil
}
