// Package batch sequences multiple conversion sessions sharing one
// settings snapshot. Entries are consumed in submission order; the
// execution mode controls how much of the queue runs at once.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/crossport-dev/crossport/internal/conversion"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// Mode selects how queue entries are admitted.
type Mode string

const (
	// ModeExclusive starts entry n+1 only after entry n reached a
	// terminal or paused state.
	ModeExclusive Mode = "exclusive"
	// ModeConcurrent admits up to parallel_conversions entries at once.
	ModeConcurrent Mode = "concurrent"
)

// ErrBatchNotFound is returned for unknown batch ids.
var ErrBatchNotFound = errors.New("batch not found")

// settleInterval is how often a waiting scheduler polls session status.
const settleInterval = 100 * time.Millisecond

// Entry is the template for one session in a batch.
type Entry struct {
	SourcePath string             `json:"sourcePath"`
	TargetPath string             `json:"targetPath"`
	Direction  settings.Direction `json:"direction"`
}

// Request describes one batch submission.
type Request struct {
	Entries  []Entry
	Settings settings.Settings
	Mode     Mode
}

// Item tracks one entry's session.
type Item struct {
	Entry     Entry  `json:"entry"`
	SessionID string `json:"sessionId"`
}

// Batch is the scheduler's record of a submission.
type Batch struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"createdAt"`
}

// Orchestrator is the slice of the session manager the scheduler needs.
type Orchestrator interface {
	CreateSession(ctx context.Context, source, target string, direction settings.Direction, cfg settings.Settings) (string, error)
	AdmitSession(id string) error
	GetStatus(id string) (conversion.Summary, error)
}

// Scheduler creates sessions for batch entries and admits them
// according to the batch mode. Sessions run through the manager's
// normal lifecycle; the scheduler only controls when they start.
type Scheduler struct {
	orch Orchestrator

	mu      sync.RWMutex
	batches map[string]*Batch

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler over the manager.
func NewScheduler(orch Orchestrator) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		orch:    orch,
		batches: make(map[string]*Batch),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start creates one session per entry and returns all session ids
// immediately. Admission happens asynchronously in queue order.
func (s *Scheduler) Start(ctx context.Context, req Request) (*Batch, error) {
	if len(req.Entries) == 0 {
		return nil, fmt.Errorf("start batch: no entries")
	}
	if req.Mode == "" {
		req.Mode = ModeConcurrent
	}
	if req.Mode != ModeExclusive && req.Mode != ModeConcurrent {
		return nil, fmt.Errorf("start batch: unknown mode %q", req.Mode)
	}

	batch := &Batch{
		ID:        uuid.New().String(),
		Mode:      req.Mode,
		CreatedAt: time.Now().UTC(),
	}
	for _, entry := range req.Entries {
		id, err := s.orch.CreateSession(ctx, entry.SourcePath, entry.TargetPath, entry.Direction, req.Settings)
		if err != nil {
			return nil, fmt.Errorf("start batch: entry %s: %w", entry.SourcePath, err)
		}
		batch.Items = append(batch.Items, Item{Entry: entry, SessionID: id})
	}

	s.mu.Lock()
	s.batches[batch.ID] = batch
	s.mu.Unlock()

	items := append([]Item(nil), batch.Items...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.admit(req, items)
	}()

	log.Printf("[Batch %s] queued %d entries (%s)", batch.ID, len(items), req.Mode)
	out := *batch
	out.Items = items
	return &out, nil
}

// Get returns a batch record by id.
func (s *Scheduler) Get(id string) (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("batch %s: %w", id, ErrBatchNotFound)
	}
	out := *b
	out.Items = append([]Item(nil), b.Items...)
	return out, nil
}

// Close stops admission work. Already-admitted sessions keep running
// under the manager.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) admit(req Request, items []Item) {
	switch req.Mode {
	case ModeExclusive:
		for _, item := range items {
			if s.ctx.Err() != nil {
				return
			}
			if err := s.orch.AdmitSession(item.SessionID); err != nil {
				log.Printf("[Batch] admit session %s failed: %v", item.SessionID, err)
				continue
			}
			s.waitSettled(item.SessionID)
		}
	case ModeConcurrent:
		limit := int64(req.Settings.Performance.ParallelConversions)
		if limit < 1 {
			limit = 1
		}
		sem := semaphore.NewWeighted(limit)
		for _, item := range items {
			if err := sem.Acquire(s.ctx, 1); err != nil {
				return
			}
			if err := s.orch.AdmitSession(item.SessionID); err != nil {
				log.Printf("[Batch] admit session %s failed: %v", item.SessionID, err)
				sem.Release(1)
				continue
			}
			s.wg.Add(1)
			go func(id string) {
				defer s.wg.Done()
				defer sem.Release(1)
				s.waitSettled(id)
			}(item.SessionID)
		}
	}
}

// waitSettled blocks until the session reaches a terminal or paused
// state, or the scheduler shuts down.
func (s *Scheduler) waitSettled(id string) {
	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		summary, err := s.orch.GetStatus(id)
		if err != nil {
			return
		}
		switch summary.Status {
		case conversion.StatusCompleted, conversion.StatusFailed, conversion.StatusPaused:
			return
		}
	}
}
