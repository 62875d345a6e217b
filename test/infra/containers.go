package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const defaultImage = "postgres:16-alpine"

// PGContainer wraps a throwaway Postgres. The zero value stands for an
// externally managed database and terminates as a no-op.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres runs a disposable Postgres for the stress run and returns its
// DSN. STRESS_TEST_PG_IMAGE overrides the image.
func StartPostgres(ctx context.Context) (*PGContainer, string, error) {
	image := os.Getenv("STRESS_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}

	c, err := postgres.Run(ctx, image,
		postgres.WithDatabase(stressDatabase),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressPassword),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: run %s: %w", image, err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: connection string: %w", err)
	}
	return &PGContainer{C: c}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
