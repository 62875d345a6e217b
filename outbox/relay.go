package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 10
	// StreamName is the JetStream stream carrying soa.> subjects.
	StreamName = "SOA_EVENTS"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Publisher is the part of jetstream.JetStream the relay needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Relay moves pending outbox rows onto JetStream. The outbox id is used as the
// JetStream message id so a row re-published after a crash is deduplicated.
type Relay struct {
	pool        TxBeginner
	store       Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

func NewRelay(pool TxBeginner, store Store, publisher Publisher) *Relay {
	return &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		logger:      slog.Default(),
		now:         time.Now,
	}
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *Relay) WithLogger(l *slog.Logger) *Relay {
	if l != nil {
		r.logger = l
	}
	return r
}

func (r *Relay) WithClock(now func() time.Time) *Relay {
	r.now = now
	return r
}

// RelayOnce publishes one batch and reports how many messages went out.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range msgs {
		_, pubErr := r.publisher.Publish(ctx, m.Topic, m.Payload, jetstream.WithMsgID(m.ID))
		if pubErr == nil {
			if err := r.store.MarkProcessed(ctx, tx, m.ID, r.now().UTC()); err != nil {
				return 0, err
			}
			published++
			continue
		}

		dead := m.Attempts+1 >= r.maxAttempts
		r.logger.Warn("outbox publish failed",
			"outbox_id", m.ID,
			"topic", m.Topic,
			"attempt", m.Attempts+1,
			"dead", dead,
			"error", pubErr)
		if err := r.store.MarkFailed(ctx, tx, m.ID, pubErr.Error(), dead); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit: %w", err)
	}
	return published, nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately by
// another pass; otherwise the relay waits for interval.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("outbox relay pass failed", "error", err)
		}
		if err == nil && n >= r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// EnsureStream creates or updates the stream that receives relayed events.
func EnsureStream(ctx context.Context, js jetstream.JetStream, subjects ...string) error {
	if len(subjects) == 0 {
		subjects = []string{"soa.>"}
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     30 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("outbox: ensure stream: %w", err)
	}
	return nil
}
