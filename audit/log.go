package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Log appends chained entries and reads timelines back.
type Log struct {
	repo        Repository
	now         func() time.Time
	idGenerator func() string
}

func NewLog(repo Repository) *Log {
	return &Log{
		repo:        repo,
		now:         time.Now,
		idGenerator: uuid.NewString,
	}
}

func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append links e to the current head of its SOA and inserts it inside tx.
// Callers must hold the SOA row lock so heads cannot interleave.
func (l *Log) Append(ctx context.Context, tx pgx.Tx, e Entry) (Entry, error) {
	if e.SOAID == "" {
		return Entry{}, fmt.Errorf("audit: missing soa id")
	}
	if e.Action == "" {
		return Entry{}, fmt.Errorf("audit: missing action")
	}
	if e.ActorKind == "" {
		e.ActorKind = ActorSystem
	}

	seq, prev, err := l.repo.Head(ctx, tx, e.SOAID)
	if err != nil {
		return Entry{}, err
	}

	e.ID = l.idGenerator()
	e.Seq = seq + 1
	e.PrevHash = prev
	e.CreatedAt = l.now().UTC().Truncate(time.Microsecond)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if e.Hash, err = ComputeHash(prev, e); err != nil {
		return Entry{}, err
	}

	if err := l.repo.Insert(ctx, tx, e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Timeline returns the ordered entries for soaID and whether the chain verifies.
func (l *Log) Timeline(ctx context.Context, soaID string) (Timeline, error) {
	entries, err := l.repo.List(ctx, soaID)
	if err != nil {
		return Timeline{}, err
	}
	brokenAt, err := Verify(entries)
	if err != nil && !errors.Is(err, ErrChainBroken) {
		return Timeline{}, err
	}
	return Timeline{
		Entries:    entries,
		ChainValid: err == nil,
		BrokenAt:   brokenAt,
	}, nil
}
