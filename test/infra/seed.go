package infra

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"soaflow/audit"
	"soaflow/clients"
	"soaflow/finalize"
	"soaflow/notify"
	"soaflow/org"
	"soaflow/outbox"
	"soaflow/soa"
)

// Tenant is one organisation with an agent, an admin and a pool of clients.
type Tenant struct {
	OrgID     string
	AgentID   string
	AdminID   string
	ClientIDs []string
}

func SeedTenant(ctx context.Context, pool *pgxpool.Pool, clientCount int) (Tenant, error) {
	var t Tenant
	tag := rand.Int63()

	if err := pool.QueryRow(ctx, `INSERT INTO organizations (name) VALUES ($1) RETURNING id`,
		fmt.Sprintf("Stress Benefits %d", tag)).Scan(&t.OrgID); err != nil {
		return t, fmt.Errorf("seed organization: %w", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, organization_id, role) VALUES ($1,$2,$3,'agent') RETURNING id`,
		fmt.Sprintf("agent%d@example.com", tag), "Stress Agent", t.OrgID).Scan(&t.AgentID); err != nil {
		return t, fmt.Errorf("seed agent: %w", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, organization_id, role) VALUES ($1,$2,$3,'org_admin') RETURNING id`,
		fmt.Sprintf("admin%d@example.com", tag), "Stress Admin", t.OrgID).Scan(&t.AdminID); err != nil {
		return t, fmt.Errorf("seed admin: %w", err)
	}

	dir := clients.NewDirectory(pool)
	for i := 0; i < clientCount; i++ {
		id, err := dir.Create(ctx, t.OrgID, fmt.Sprintf("Client %d", i), fmt.Sprintf("client%d-%d@example.com", i, tag), "")
		if err != nil {
			return t, fmt.Errorf("seed client: %w", err)
		}
		t.ClientIDs = append(t.ClientIDs, id)
	}
	return t, nil
}

// NewService wires a soa.Service over the pool with an in-process renderer and
// artifacts under storageDir.
func NewService(pool *pgxpool.Pool, storageDir string, linkTTL time.Duration) (*soa.Service, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := finalize.NewFSStore(storageDir, "http://stress.local", []byte("stress-url-key"))
	if err != nil {
		return nil, err
	}
	return soa.NewService(pool, soa.NewRepository(pool), audit.NewLog(audit.NewRepository(pool)), soa.Options{
		PublicBaseURL: "http://stress.local",
		LinkTTL:       linkTTL,
	}).
		WithDispatcher(notify.NewLogDispatcher(logger)).
		WithAuthorizer(org.NewAuthorizer(org.NewRepository(pool))).
		WithClients(clients.NewDirectory(pool)).
		WithFinalizer(finalize.NewFinalizer(finalize.SummaryRenderer{}, store, logger)).
		WithArtifactLinker(store).
		WithOutbox(outbox.NewWriter()).
		WithLogger(logger), nil
}
