package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrSeqConflict signals a concurrent append raced on the same seq.
var ErrSeqConflict = errors.New("audit: sequence conflict")

// Repository is the storage contract for the log. Writers always run inside
// the caller's transaction so an entry commits together with its transition.
type Repository interface {
	Head(ctx context.Context, tx pgx.Tx, soaID string) (int, string, error)
	Insert(ctx context.Context, tx pgx.Tx, e Entry) error
	List(ctx context.Context, soaID string) ([]Entry, error)
}

// PGRepository implements Repository on soa_audit_entries.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Head returns the last seq and hash for soaID, or (0, GenesisHash) when empty.
func (r *PGRepository) Head(ctx context.Context, tx pgx.Tx, soaID string) (int, string, error) {
	const query = `
		SELECT seq, hash
		FROM soa_audit_entries
		WHERE soa_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`

	var (
		seq  int
		hash string
	)
	if err := tx.QueryRow(ctx, query, soaID).Scan(&seq, &hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, GenesisHash, nil
		}
		return 0, "", fmt.Errorf("audit: head: %w", err)
	}
	return seq, hash, nil
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, e Entry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("audit: marshal metadata: %w", err)
	}

	const insertSQL = `
		INSERT INTO soa_audit_entries (id, soa_id, seq, action, actor_id, actor_kind, metadata, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5::uuid, $6, $7::jsonb, $8, $9, $10)
	`
	if _, err := tx.Exec(ctx, insertSQL,
		e.ID, e.SOAID, e.Seq, e.Action, e.ActorID, e.ActorKind, body, e.PrevHash, e.Hash, e.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSeqConflict
		}
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// List returns every entry for soaID ordered by seq.
func (r *PGRepository) List(ctx context.Context, soaID string) ([]Entry, error) {
	const query = `
		SELECT id, soa_id, seq, action, actor_id::text, actor_kind, metadata, prev_hash, hash, created_at
		FROM soa_audit_entries
		WHERE soa_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.pool.Query(ctx, query, soaID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			e    Entry
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.SOAID, &e.Seq, &e.Action, &e.ActorID, &e.ActorKind, &meta, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return entries, nil
}
