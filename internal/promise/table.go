// Package promise correlates outstanding asynchronous requests with their
// eventual responses. One Table serves one connection; correlation ids are
// unique and monotonically increasing per table.
package promise

import (
	"context"
	"sync"
	"time"

	"github.com/mkovalev/wirehub/internal/core"
)

var (
	// ErrTimeout is returned by Await when the deadline elapses first.
	ErrTimeout = core.NewError(core.ErrCodeTimeout, "request timed out")
	// ErrClosed resolves every pending request when the owning connection
	// closes locally. It is deliberately distinct from ErrTimeout so callers
	// can tell a dead connection from a slow peer.
	ErrClosed = core.NewError(core.ErrCodeConnectionClosed, "connection closed")
)

type result struct {
	value any
	err   error
}

// Pending is the caller-side handle of one registered request.
type Pending struct {
	id int64
	ch chan result
}

// ID returns the correlation id to place in the request frame.
func (p *Pending) ID() int64 {
	return p.id
}

// Table holds the pending requests of one connection.
type Table struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Pending
	closed  error
}

// NewTable creates an empty promise table.
func NewTable() *Table {
	return &Table{pending: make(map[int64]*Pending)}
}

// Register allocates the next correlation id and inserts a fresh result slot.
// It must be called before the request frame is sent, so a response cannot
// race the registration. If the table was already failed wholesale, the
// returned handle resolves immediately with that error.
func (t *Table) Register() *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	p := &Pending{id: t.nextID, ch: make(chan result, 1)}
	if t.closed != nil {
		p.ch <- result{err: t.closed}
		return p
	}
	t.pending[p.id] = p
	return p
}

// Fulfill resolves the slot with a value. Unknown or already-resolved ids are
// a safe no-op: the request timed out, or a duplicate frame arrived late.
func (t *Table) Fulfill(id int64, value any) {
	t.resolve(id, result{value: value})
}

// Fail resolves the slot with an error. Same no-op semantics as Fulfill.
func (t *Table) Fail(id int64, err error) {
	t.resolve(id, result{err: err})
}

func (t *Table) resolve(id int64, res result) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if ok {
		p.ch <- res
	}
}

// Await blocks until the handle resolves, the timeout elapses (timeout > 0),
// or the context is cancelled. On timeout or cancellation the slot is removed
// so a late response is silently dropped.
func (t *Table) Await(ctx context.Context, p *Pending, timeout time.Duration) (any, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case res := <-p.ch:
		return res.value, res.err
	case <-timer:
		t.discard(p.id)
		return nil, ErrTimeout
	case <-ctx.Done():
		t.discard(p.id)
		return nil, ctx.Err()
	}
}

func (t *Table) discard(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// FailAll resolves every pending request with err and makes later Register
// calls resolve immediately with the same error. Called once on connection
// close.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	if t.closed == nil {
		t.closed = err
	}
	pending := t.pending
	t.pending = make(map[int64]*Pending)
	t.mu.Unlock()

	for _, p := range pending {
		p.ch <- result{err: err}
	}
}
