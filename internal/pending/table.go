// Package pending tracks requests waiting for a correlated response.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrTimeout        = errors.New("pending: timed out")
	ErrCanceled       = errors.New("pending: canceled")
	ErrDuplicate      = errors.New("pending: duplicate correlation id")
	ErrEmptyID        = errors.New("pending: empty correlation id")
	ErrInvalidTimeout = errors.New("pending: timeout must be positive")
)

// Result is the payload that settles a pending entry.
type Result struct {
	Status int
	Body   json.RawMessage
}

// Future is the waiting side of a pending entry. It settles exactly once.
type Future struct {
	id       string
	deadline time.Time
	done     chan struct{}
	res      Result
	err      error
}

// ID returns the correlation id the future waits on.
func (f *Future) ID() string { return f.id }

// Deadline returns the time at which the entry expires.
func (f *Future) Deadline() time.Time { return f.deadline }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends. A ctx error does not
// settle the entry; callers decide whether to Cancel it.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) settle(res Result, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

type entry struct {
	fut   *Future
	timer *time.Timer
}

// Table maps correlation ids to waiting futures. Removal from the map under
// the lock decides which of resolve, cancel and expiry settles an entry.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register adds an entry for id that expires after timeout.
func (t *Table) Register(id string, timeout time.Duration) (*Future, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return nil, ErrDuplicate
	}
	e := &entry{fut: &Future{id: id, deadline: time.Now().Add(timeout), done: make(chan struct{})}}
	// the callback blocks on t.mu until this entry is stored
	e.timer = time.AfterFunc(timeout, func() { t.expire(id, e) })
	t.entries[id] = e
	return e.fut, nil
}

// Resolve settles the entry for id with res. It reports false when no entry
// exists, which covers unknown ids, duplicates and late responses.
func (t *Table) Resolve(id string, res Result) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.timer.Stop()
	e.fut.settle(res, nil)
	return true
}

// Cancel removes the entry for id and fails its future with ErrCanceled.
func (t *Table) Cancel(id string) bool {
	e := t.take(id)
	if e == nil {
		return false
	}
	e.timer.Stop()
	e.fut.settle(Result{}, ErrCanceled)
	return true
}

// Len returns the number of outstanding entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every outstanding entry.
func (t *Table) Close() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()
	for _, e := range entries {
		e.timer.Stop()
		e.fut.settle(Result{}, ErrCanceled)
	}
}

func (t *Table) take(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil
	}
	delete(t.entries, id)
	return e
}

func (t *Table) expire(id string, e *entry) {
	t.mu.Lock()
	// the id may have been settled and registered again
	if cur, ok := t.entries[id]; !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.entries, id)
	t.mu.Unlock()
	e.fut.settle(Result{}, ErrTimeout)
}
