package media

import (
	"context"
	"sync"
)

// Status tracks the lifecycle of an archived attachment.
type Status string

const (
	StatusPending Status = "pending"
	StatusFetched Status = "fetched"
	StatusFailed  Status = "failed"
)

// Record is a resolved attachment. Once its status leaves pending the
// record is immutable; failed records keep their name reserved so a
// later run can retry into the same slot.
type Record struct {
	// Name is the final on-disk file name, set once the true
	// extension is known.
	Name   string
	Ext    string
	Size   int64
	Status Status
	URL    string

	done chan struct{}
}

// Wait blocks until the record reaches a terminal status or the
// context is cancelled.
func (r *Record) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Table is the archive-wide dedup table. It is owned by one engine
// instance and injected into every resolver, so two engines in the
// same process cannot cross-contaminate. Keys are the extension-less
// stem of the canonical name: two references that collapse to the same
// stem share one record, whatever extension sniffing later decides.
type Table struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewTable creates an empty dedup table.
func NewTable() *Table {
	return &Table{records: make(map[string]*Record)}
}

// Claim atomically checks-and-reserves a stem. The first caller wins
// and gets a pending record it must drive to a terminal status via
// Complete; every later caller gets the same record and winner=false,
// and must Wait on it instead of fetching.
func (t *Table) Claim(stem string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[stem]; ok {
		return rec, false
	}
	rec := &Record{Status: StatusPending, done: make(chan struct{})}
	t.records[stem] = rec
	return rec, true
}

// MarkExisting registers a file already present on disk, typically
// from the startup scan of the media directory. Claims on its stem
// return immediately without any network call.
func (t *Table) MarkExisting(stem, name string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[stem]; ok {
		return
	}
	rec := &Record{Name: name, Size: size, Status: StatusFetched, done: make(chan struct{})}
	close(rec.done)
	t.records[stem] = rec
}

// Complete publishes the record's terminal status and wakes all
// waiters. It must be called exactly once by the claim winner.
func (t *Table) Complete(rec *Record, status Status) {
	t.mu.Lock()
	rec.Status = status
	t.mu.Unlock()
	close(rec.done)
}

// Counts returns how many records are fetched and failed.
func (t *Table) Counts() (fetched, failed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.records {
		switch rec.Status {
		case StatusFetched:
			fetched++
		case StatusFailed:
			failed++
		}
	}
	return fetched, failed
}

// Len returns the number of known records.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
