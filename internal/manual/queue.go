// Package manual holds chunks the pipeline could not resolve automatically
// until a human (or a promoted learned pattern) supplies an outcome.
// Resolved entries are kept for audit; only pending entries are surfaced.
package manual

import (
	"errors"
	"time"
)

// Reason classifies why a chunk was escalated.
type Reason string

const (
	ReasonTranslationFailed Reason = "translation_failed"
	ReasonValidationFailed  Reason = "validation_failed"
	ReasonBudgetExhausted   Reason = "budget_exhausted"
	ReasonSecurityFlag      Reason = "security_flag"
)

// Status is the lifecycle state of a manual fix entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
)

var (
	// ErrNotFound is returned when no entry exists for the chunk.
	ErrNotFound = errors.New("manual fix entry not found")
	// ErrNotPending is returned when resolving an already-resolved entry.
	ErrNotPending = errors.New("manual fix entry is not pending")
)

// Entry is one escalated chunk awaiting resolution.
type Entry struct {
	ChunkID     string    `json:"chunkId"`
	FilePath    string    `json:"filePath"`
	Reason      Reason    `json:"reason"`
	Notes       []string  `json:"notes,omitempty"`
	SubmittedBy string    `json:"submittedBy,omitempty"`
	Status      Status    `json:"status"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Queue is an insertion-ordered set of entries keyed by chunk id. It is not
// self-locking; the owning session serializes access.
type Queue struct {
	entries []*Entry
	byChunk map[string]*Entry
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{byChunk: make(map[string]*Entry)}
}

// Enqueue adds a pending entry for the chunk. Re-enqueueing a chunk whose
// entry is still pending appends the note to the existing entry instead of
// duplicating it. A chunk resolved earlier gets a fresh pending entry.
func (q *Queue) Enqueue(chunkID, filePath string, reason Reason, note, fingerprint string) *Entry {
	now := time.Now().UTC()
	if e, ok := q.byChunk[chunkID]; ok && e.Status == StatusPending {
		if note != "" {
			e.Notes = append(e.Notes, note)
		}
		e.UpdatedAt = now
		return e
	}
	e := &Entry{
		ChunkID:     chunkID,
		FilePath:    filePath,
		Reason:      reason,
		Status:      StatusPending,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if note != "" {
		e.Notes = append(e.Notes, note)
	}
	q.entries = append(q.entries, e)
	q.byChunk[chunkID] = e
	return e
}

// Apply resolves a pending entry as fixed by submittedBy.
func (q *Queue) Apply(chunkID, note, submittedBy string) (*Entry, error) {
	e, err := q.pending(chunkID)
	if err != nil {
		return nil, err
	}
	e.Status = StatusApplied
	e.SubmittedBy = submittedBy
	if note != "" {
		e.Notes = append(e.Notes, note)
	}
	e.UpdatedAt = time.Now().UTC()
	return e, nil
}

// Skip resolves a pending entry without an output.
func (q *Queue) Skip(chunkID, note string) (*Entry, error) {
	e, err := q.pending(chunkID)
	if err != nil {
		return nil, err
	}
	e.Status = StatusSkipped
	if note != "" {
		e.Notes = append(e.Notes, note)
	}
	e.UpdatedAt = time.Now().UTC()
	return e, nil
}

func (q *Queue) pending(chunkID string) (*Entry, error) {
	e, ok := q.byChunk[chunkID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != StatusPending {
		return nil, ErrNotPending
	}
	return e, nil
}

// Get returns the entry for a chunk, if any.
func (q *Queue) Get(chunkID string) (*Entry, bool) {
	e, ok := q.byChunk[chunkID]
	return e, ok
}

// Pending returns copies of pending entries in insertion order.
func (q *Queue) Pending() []Entry {
	var out []Entry
	for _, e := range q.entries {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	return out
}

// PendingCount reports the number of unresolved entries.
func (q *Queue) PendingCount() int {
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}

// All returns copies of every entry, resolved included, in insertion order.
func (q *Queue) All() []Entry {
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// Restore rebuilds a queue from checkpointed entry copies. When a chunk has
// several historical entries, the last one wins the chunk-id index, matching
// Enqueue behavior.
func Restore(entries []Entry) *Queue {
	q := NewQueue()
	for i := range entries {
		e := entries[i]
		q.entries = append(q.entries, &e)
		q.byChunk[e.ChunkID] = &e
	}
	return q
}
