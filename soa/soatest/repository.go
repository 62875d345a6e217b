package soatest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"soaflow/soa"
)

// Repository is an in-memory soa.Repository. ForUpdate reads take a per-row
// lock that is held until the fake Tx commits or rolls back.
type Repository struct {
	mu      sync.Mutex
	records map[string]soa.Record
	rows    map[string]*sync.Mutex

	// UpdateHook runs before every Update; tests use it to force races.
	UpdateHook func(rec soa.Record, expected soa.Status) error
}

func NewRepository() *Repository {
	return &Repository{
		records: make(map[string]soa.Record),
		rows:    make(map[string]*sync.Mutex),
	}
}

func clone(r soa.Record) soa.Record {
	r.ProductsSelected = slices.Clone(r.ProductsSelected)
	return r
}

func (r *Repository) lockRow(tx pgx.Tx, id string) {
	ftx, ok := tx.(*Tx)
	if !ok || ftx.holds(id) {
		return
	}
	r.mu.Lock()
	row := r.rows[id]
	if row == nil {
		row = &sync.Mutex{}
		r.rows[id] = row
	}
	r.mu.Unlock()

	row.Lock()
	if !ftx.hold(id, row.Unlock) {
		row.Unlock()
	}
}

func (r *Repository) Insert(_ context.Context, _ pgx.Tx, rec soa.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.SecureToken == rec.SecureToken {
			return soa.ErrDuplicateToken
		}
	}
	r.records[rec.ID] = clone(rec)
	return nil
}

func (r *Repository) GetForUpdate(_ context.Context, tx pgx.Tx, id string) (soa.Record, error) {
	r.mu.Lock()
	_, ok := r.records[id]
	r.mu.Unlock()
	if !ok {
		return soa.Record{}, soa.ErrNotFound
	}
	r.lockRow(tx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	return clone(r.records[id]), nil
}

func (r *Repository) GetByTokenForUpdate(ctx context.Context, tx pgx.Tx, token string) (soa.Record, error) {
	r.mu.Lock()
	var id string
	for _, rec := range r.records {
		if rec.SecureToken == token {
			id = rec.ID
			break
		}
	}
	r.mu.Unlock()
	if id == "" {
		return soa.Record{}, soa.ErrNotFound
	}
	return r.GetForUpdate(ctx, tx, id)
}

func (r *Repository) Update(_ context.Context, _ pgx.Tx, rec soa.Record, expected soa.Status) error {
	if r.UpdateHook != nil {
		if err := r.UpdateHook(rec, expected); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[rec.ID]
	if !ok || current.Status != expected {
		return soa.ErrConcurrentUpdate
	}
	r.records[rec.ID] = clone(rec)
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (soa.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return soa.Record{}, soa.ErrNotFound
	}
	return clone(rec), nil
}

func (r *Repository) ListByClient(_ context.Context, clientID string) ([]soa.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := []soa.Record{}
	for _, rec := range r.records {
		if rec.ClientID == clientID {
			list = append(list, clone(rec))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list, nil
}

func (r *Repository) LiveForClient(_ context.Context, clientID, excludeID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, rec := range r.records {
		if rec.ClientID == clientID && rec.ID != excludeID && rec.Status.Live() {
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) DueForExpiry(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, rec := range r.records {
		if (rec.Status == soa.StatusSent || rec.Status == soa.StatusOpened) && !now.Before(rec.ExpiresAt) {
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *Repository) PendingFinalization(_ context.Context, now time.Time, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := []string{}
	for _, rec := range r.records {
		claimed := rec.FinalizeClaimedUntil != nil && now.Before(*rec.FinalizeClaimedUntil)
		if rec.PendingFinalization() && !claimed {
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
