package audit

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// MemoryRepository keeps entries in process. It backs unit tests and local
// runs without Postgres; transactions are ignored.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string][]Entry)}
}

func (m *MemoryRepository) Head(_ context.Context, _ pgx.Tx, soaID string) (int, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[soaID]
	if len(list) == 0 {
		return 0, GenesisHash, nil
	}
	last := list[len(list)-1]
	return last.Seq, last.Hash, nil
}

func (m *MemoryRepository) Insert(_ context.Context, _ pgx.Tx, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.entries[e.SOAID]
	if len(list) > 0 && list[len(list)-1].Seq >= e.Seq {
		return ErrSeqConflict
	}
	m.entries[e.SOAID] = append(list, e)
	return nil
}

func (m *MemoryRepository) List(_ context.Context, soaID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, len(m.entries[soaID]))
	copy(out, m.entries[soaID])
	return out, nil
}

// Tamper overwrites the metadata of one stored entry. Tests use it to prove
// Verify notices.
func (m *MemoryRepository) Tamper(soaID string, seq int, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.entries[soaID] {
		if m.entries[soaID][i].Seq == seq {
			m.entries[soaID][i].Metadata = metadata
		}
	}
}
