package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// victimQuery picks one backend inside a transaction that writes or row-locks
// the SOA tables. Readers are left alone. Killing it mid-transition must leave
// no half-written record, audit entry or outbox row behind.
const victimQuery = `
SELECT pg_terminate_backend(a.pid)
  FROM pg_stat_activity a
 WHERE a.datname = current_database()
   AND a.pid <> pg_backend_pid()
   AND a.state IN ('idle in transaction', 'active')
   AND a.xact_start IS NOT NULL
   AND EXISTS (
         SELECT 1 FROM pg_locks l
           JOIN pg_class c ON c.oid = l.relation
          WHERE l.pid = a.pid
            AND l.mode IN ('RowShareLock', 'RowExclusiveLock')
            AND c.relname IN ('soa_records', 'soa_audit_entries', 'outbox'))
 ORDER BY random()
 LIMIT 1`

// BackendKiller terminates in-flight SOA transactions at random.
type BackendKiller struct {
	pool   *pgxpool.Pool
	every  time.Duration
	chance int
	kills  atomic.Int64
}

// NewBackendKiller fires roughly once per chance ticks of every.
func NewBackendKiller(pool *pgxpool.Pool, every time.Duration, chance int) *BackendKiller {
	if chance < 1 {
		chance = 1
	}
	return &BackendKiller{pool: pool, every: every, chance: chance}
}

// Run blocks until ctx is done or stop is closed.
func (k *BackendKiller) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(k.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(k.chance) != 0 {
				continue
			}
			var killed bool
			if err := k.pool.QueryRow(ctx, victimQuery).Scan(&killed); err == nil && killed {
				k.kills.Add(1)
			}
		}
	}
}

// Kills reports how many backends were terminated.
func (k *BackendKiller) Kills() int64 { return k.kills.Load() }
