package soa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateToken means the generated token collided with an existing one.
var ErrDuplicateToken = errors.New("soa: duplicate secure token")

// Repository persists SOA records. Methods taking a tx run inside the
// caller's transaction; the ForUpdate variants take the row lock.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, r Record) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (Record, error)
	// Update writes r only if the stored status still equals expected.
	Update(ctx context.Context, tx pgx.Tx, r Record, expected Status) error

	Get(ctx context.Context, id string) (Record, error)
	ListByClient(ctx context.Context, clientID string) ([]Record, error)
	LiveForClient(ctx context.Context, clientID, excludeID string) ([]string, error)
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	// PendingFinalization lists countersigned records nobody holds a
	// finalization claim on at now.
	PendingFinalization(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `id, client_id, organization_id, agent_id, secure_token, token_revoked_at, status,
	products_selected, beneficiary_name, beneficiary_phone, beneficiary_address,
	agent_name, agent_phone, agent_npn, language, initial_contact_method, appointment_date,
	delivery_method, delivery_address, delivery_status,
	client_typed_signature, client_signed_at, client_signer_role, representative_name,
	agent_typed_signature, agent_signed_at, artifact_key, artifact_digest, completed_at,
	finalize_claimed_until, created_at, updated_at, expires_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, rec Record) error {
	const query = `
		INSERT INTO soa_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)
	`

	if _, err := tx.Exec(ctx, query, recordArgs(rec)...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "soa_records_secure_token_key" {
			return ErrDuplicateToken
		}
		return fmt.Errorf("soa: insert record: %w", err)
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM soa_records WHERE id = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("soa: get for update: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM soa_records WHERE secure_token = $1 FOR UPDATE`

	rec, err := scanRecord(tx.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("soa: get by token: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, rec Record, expected Status) error {
	const query = `
		UPDATE soa_records
		SET token_revoked_at = $3,
		    status = $4,
		    products_selected = $5,
		    beneficiary_name = $6,
		    beneficiary_phone = $7,
		    beneficiary_address = $8,
		    agent_name = $9,
		    agent_phone = $10,
		    agent_npn = $11,
		    language = $12,
		    initial_contact_method = $13,
		    appointment_date = $14,
		    delivery_method = $15,
		    delivery_address = $16,
		    delivery_status = $17,
		    client_typed_signature = $18,
		    client_signed_at = $19,
		    client_signer_role = $20,
		    representative_name = $21,
		    agent_typed_signature = $22,
		    agent_signed_at = $23,
		    artifact_key = $24,
		    artifact_digest = $25,
		    completed_at = $26,
		    updated_at = $27,
		    expires_at = $28,
		    finalize_claimed_until = $29
		WHERE id = $1 AND status = $2
	`

	tag, err := tx.Exec(ctx, query,
		rec.ID,
		expected,
		rec.TokenRevokedAt,
		rec.Status,
		rec.ProductsSelected,
		rec.BeneficiaryName,
		rec.BeneficiaryPhone,
		rec.BeneficiaryAddress,
		rec.AgentName,
		rec.AgentPhone,
		rec.AgentNPN,
		rec.Language,
		rec.InitialContactMethod,
		rec.AppointmentDate,
		rec.DeliveryMethod,
		rec.DeliveryAddress,
		rec.DeliveryStatus,
		rec.ClientTypedSignature,
		rec.ClientSignedAt,
		signerRoleArg(rec.ClientSignerRole),
		rec.RepresentativeName,
		rec.AgentTypedSignature,
		rec.AgentSignedAt,
		rec.ArtifactKey,
		rec.ArtifactDigest,
		rec.CompletedAt,
		rec.UpdatedAt,
		rec.ExpiresAt,
		rec.FinalizeClaimedUntil,
	)
	if err != nil {
		return fmt.Errorf("soa: update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM soa_records WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("soa: get record: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) ListByClient(ctx context.Context, clientID string) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM soa_records WHERE client_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, clientID)
	if err != nil {
		return nil, fmt.Errorf("soa: list by client: %w", err)
	}
	defer rows.Close()

	list := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("soa: scan record: %w", err)
		}
		list = append(list, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("soa: list by client: %w", err)
	}
	return list, nil
}

func (r *PGRepository) LiveForClient(ctx context.Context, clientID, excludeID string) ([]string, error) {
	const query = `
		SELECT id::text
		FROM soa_records
		WHERE client_id = $1
		  AND id <> $2
		  AND status IN ('sent', 'opened', 'client_signed')
		ORDER BY created_at
	`
	return r.collectIDs(ctx, query, clientID, excludeID)
}

func (r *PGRepository) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id::text
		FROM soa_records
		WHERE status IN ('sent', 'opened') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`
	return r.collectIDs(ctx, query, now, limit)
}

func (r *PGRepository) PendingFinalization(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const query = `
		SELECT id::text
		FROM soa_records
		WHERE status = 'client_signed' AND agent_signed_at IS NOT NULL
		  AND (finalize_claimed_until IS NULL OR finalize_claimed_until <= $1)
		ORDER BY agent_signed_at
		LIMIT $2
	`
	return r.collectIDs(ctx, query, now, limit)
}

func (r *PGRepository) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("soa: query ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("soa: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func recordArgs(rec Record) []any {
	products := rec.ProductsSelected
	if products == nil {
		products = []string{}
	}
	return []any{
		rec.ID,
		rec.ClientID,
		rec.OrganizationID,
		rec.AgentID,
		rec.SecureToken,
		rec.TokenRevokedAt,
		rec.Status,
		products,
		rec.BeneficiaryName,
		rec.BeneficiaryPhone,
		rec.BeneficiaryAddress,
		rec.AgentName,
		rec.AgentPhone,
		rec.AgentNPN,
		rec.Language,
		rec.InitialContactMethod,
		rec.AppointmentDate,
		rec.DeliveryMethod,
		rec.DeliveryAddress,
		rec.DeliveryStatus,
		rec.ClientTypedSignature,
		rec.ClientSignedAt,
		signerRoleArg(rec.ClientSignerRole),
		rec.RepresentativeName,
		rec.AgentTypedSignature,
		rec.AgentSignedAt,
		rec.ArtifactKey,
		rec.ArtifactDigest,
		rec.CompletedAt,
		rec.FinalizeClaimedUntil,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ExpiresAt,
	}
}

func signerRoleArg(role *SignerRole) *string {
	if role == nil {
		return nil
	}
	v := string(*role)
	return &v
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec        Record
		signerRole *string
	)
	err := row.Scan(
		&rec.ID,
		&rec.ClientID,
		&rec.OrganizationID,
		&rec.AgentID,
		&rec.SecureToken,
		&rec.TokenRevokedAt,
		&rec.Status,
		&rec.ProductsSelected,
		&rec.BeneficiaryName,
		&rec.BeneficiaryPhone,
		&rec.BeneficiaryAddress,
		&rec.AgentName,
		&rec.AgentPhone,
		&rec.AgentNPN,
		&rec.Language,
		&rec.InitialContactMethod,
		&rec.AppointmentDate,
		&rec.DeliveryMethod,
		&rec.DeliveryAddress,
		&rec.DeliveryStatus,
		&rec.ClientTypedSignature,
		&rec.ClientSignedAt,
		&signerRole,
		&rec.RepresentativeName,
		&rec.AgentTypedSignature,
		&rec.AgentSignedAt,
		&rec.ArtifactKey,
		&rec.ArtifactDigest,
		&rec.CompletedAt,
		&rec.FinalizeClaimedUntil,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return Record{}, err
	}
	if signerRole != nil {
		role := SignerRole(*signerRole)
		rec.ClientSignerRole = &role
	}
	return rec, nil
}
