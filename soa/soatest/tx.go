// Package soatest provides in-memory stand-ins for the soa service's
// collaborators so handlers and lifecycle rules can be tested without Postgres.
package soatest

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pool hands out fake transactions.
type Pool struct {
	mu       sync.Mutex
	BeginErr error
	Txs      []*Tx
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BeginErr != nil {
		return nil, p.BeginErr
	}
	tx := &Tx{held: map[string]func(){}}
	p.Txs = append(p.Txs, tx)
	return tx, nil
}

// Commits counts committed transactions.
func (p *Pool) Commits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, tx := range p.Txs {
		if tx.Committed() {
			n++
		}
	}
	return n
}

// Tx is a pgx.Tx that only tracks commit/rollback and releases row locks
// taken through Repository.
type Tx struct {
	mu        sync.Mutex
	committed bool
	rolled    bool
	held      map[string]func()
}

func (f *Tx) Committed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func (f *Tx) RolledBack() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolled
}

func (f *Tx) hold(id string, unlock func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[id]; ok {
		return false
	}
	f.held[id] = unlock
	return true
}

func (f *Tx) holds(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[id]
	return ok
}

func (f *Tx) end(commit bool) error {
	f.mu.Lock()
	if f.committed || f.rolled {
		f.mu.Unlock()
		return pgx.ErrTxClosed
	}
	if commit {
		f.committed = true
	} else {
		f.rolled = true
	}
	held := f.held
	f.held = map[string]func(){}
	f.mu.Unlock()

	for _, unlock := range held {
		unlock()
	}
	return nil
}

func (f *Tx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("soatest: nested transactions not supported")
}

func (f *Tx) Commit(context.Context) error {
	return f.end(true)
}

func (f *Tx) Rollback(context.Context) error {
	return f.end(false)
}

func (f *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *Tx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *Tx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *Tx) Conn() *pgx.Conn {
	return nil
}
