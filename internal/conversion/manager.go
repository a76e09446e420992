package conversion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/crossport-dev/crossport/internal/checkpoint"
	"github.com/crossport-dev/crossport/internal/cost"
	"github.com/crossport-dev/crossport/internal/learning"
	"github.com/crossport-dev/crossport/internal/manual"
	"github.com/crossport-dev/crossport/internal/observability"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/internal/translate"
	"github.com/crossport-dev/crossport/internal/webhook"
	"github.com/crossport-dev/crossport/pkg/settings"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotPaused is returned when resuming a session that is not paused.
	ErrNotPaused = errors.New("session is not paused")
	// ErrNotFailed is returned when resume-failed targets a non-failed session.
	ErrNotFailed = errors.New("session is not failed")
)

// Planner turns a source tree into the ordered chunk list of a new
// session.
type Planner interface {
	Plan(ctx context.Context, sourcePath string, direction settings.Direction) ([]*plan.Chunk, error)
}

// ManagerOptions wires the shared collaborators.
type ManagerOptions struct {
	Store      checkpoint.Store
	Translator translate.Translator
	Validator  translate.Validator
	Learning   *learning.Store
	Registry   *webhook.Registry
	Dispatcher *webhook.Dispatcher
	Backups    backupCreator
	Pricing    cost.Estimator
	Planner    Planner
	// MaxParallelSessions bounds concurrently running sessions.
	// Values below one mean one.
	MaxParallelSessions int
}

// Manager creates, admits, and tracks sessions. Sessions beyond the
// parallel limit wait in Queued until a slot frees up.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	deps     sessionDeps
	store    checkpoint.Store
	registry *webhook.Registry
	planner  Planner
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	// per-session cancel funcs for Cancel and Close
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	active  atomic.Int64
}

// NewManager builds a manager. Store, Translator, and Planner are
// required; everything else degrades gracefully when absent.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("create manager: checkpoint store is required")
	}
	if opts.Translator == nil {
		return nil, fmt.Errorf("create manager: translator is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("create manager: planner is required")
	}
	if opts.Validator == nil {
		opts.Validator = translate.NoopValidator{}
	}
	if opts.Pricing == nil {
		opts.Pricing = cost.NewPricingTable()
	}
	if opts.MaxParallelSessions < 1 {
		opts.MaxParallelSessions = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
		deps: sessionDeps{
			translator: opts.Translator,
			validator:  opts.Validator,
			learning:   opts.Learning,
			store:      opts.Store,
			dispatcher: opts.Dispatcher,
			backups:    opts.Backups,
			pricing:    opts.Pricing,
		},
		store:    opts.Store,
		registry: opts.Registry,
		planner:  opts.Planner,
		sem:      semaphore.NewWeighted(int64(opts.MaxParallelSessions)),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// StartSession plans the source tree, creates a session, and queues it
// for execution. Returns the new session id immediately; the session
// runs asynchronously.
func (m *Manager) StartSession(ctx context.Context, source, target string, direction settings.Direction, cfg settings.Settings) (string, error) {
	id, err := m.CreateSession(ctx, source, target, direction, cfg)
	if err != nil {
		return "", err
	}
	if err := m.AdmitSession(id); err != nil {
		return "", err
	}
	return id, nil
}

// CreateSession plans and registers a session without running it. Batch
// callers use this to hand out ids up front and admit entries later.
func (m *Manager) CreateSession(ctx context.Context, source, target string, direction settings.Direction, cfg settings.Settings) (string, error) {
	if err := validateStart(source, target, direction, cfg); err != nil {
		return "", err
	}
	chunks, err := m.planner.Plan(ctx, source, direction)
	if err != nil {
		return "", fmt.Errorf("plan conversion: %w", err)
	}

	id := uuid.New().String()
	s := newSession(id, source, target, direction, cfg, chunks, m.deps)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	log.Printf("[Manager] session %s created (%d chunks)", id, len(chunks))
	return id, nil
}

// AdmitSession queues a created session for execution.
func (m *Manager) AdmitSession(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.Status().Status != StatusCreated {
		return fmt.Errorf("admit session %s: not in Created state", id)
	}
	m.launch(s, false)
	return nil
}

// launch admits the session through the parallel gate and runs its
// processing loop. The session sits in Queued until admitted.
func (m *Manager) launch(s *Session, resumed bool) {
	s.mu.Lock()
	s.setStatusLocked(StatusQueued, "")
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	m.cancels[s.id] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := m.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)
		observability.SetActiveSessions(int(m.active.Add(1)))
		defer func() { observability.SetActiveSessions(int(m.active.Add(-1))) }()
		s.run(runCtx, resumed)
	}()
}

// PauseSession requests a cooperative pause at the next chunk boundary.
func (m *Manager) PauseSession(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.RequestPause()
	return nil
}

// ResumeSession re-admits a paused session. A nil override reuses the
// settings snapshot from session creation; a non-nil override replaces
// it before the session runs again, so a session paused on
// budget_exhausted can resume under a raised budget without losing
// work.
func (m *Manager) ResumeSession(id string, override *settings.Settings) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.Status().Status != StatusPaused {
		return ErrNotPaused
	}
	if override != nil {
		if err := override.Validate(); err != nil {
			return fmt.Errorf("resume session %s: invalid settings: %w", id, err)
		}
		s.applySettings(*override)
	}
	m.launch(s, true)
	return nil
}

// ResumeFailedSession reconstructs a failed session from its last
// checkpoint and re-admits it. No completed work is redone.
func (m *Manager) ResumeFailedSession(ctx context.Context, id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if s.Status().Status != StatusFailed {
		return ErrNotFailed
	}

	snap, err := m.deps.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", id, err)
	}
	restored := restoreSession(snap, m.deps)
	restored.mu.Lock()
	restored.setStatusLocked(StatusQueued, "")
	restored.appendNoteLocked("resumed from failure")
	restored.mu.Unlock()

	m.mu.Lock()
	m.sessions[id] = restored
	m.mu.Unlock()

	m.launch(restored, true)
	return nil
}

// CancelSession tears the session down without further checkpoints.
// The last checkpointed boundary remains on disk for inspection.
func (m *Manager) CancelSession(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	if s.status != StatusCompleted && s.status != StatusFailed {
		s.setStatusLocked(StatusFailed, "")
		s.appendNoteLocked("cancelled by caller")
	}
	s.mu.Unlock()
	log.Printf("[Session %s] cancelled", id)
	return nil
}

// GetStatus returns the session's copy-on-read summary.
func (m *Manager) GetStatus(id string) (Summary, error) {
	s, err := m.session(id)
	if err != nil {
		return Summary{}, err
	}
	return s.Status(), nil
}

// ListSessions returns summaries of all known sessions, ordered by
// creation time.
func (m *Manager) ListSessions() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListManualFixes returns the pending manual fix entries of a session.
func (m *Manager) ListManualFixes(id string) ([]manual.Entry, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue.Pending(), nil
}

// ApplyManualFix resolves a pending entry with human-supplied content,
// marks the chunk converted, and records the fix for pattern learning.
func (m *Manager) ApplyManualFix(ctx context.Context, id, chunkID, content, note, submittedBy string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	if content == "" {
		return fmt.Errorf("apply manual fix: content is required")
	}
	if submittedBy == "" {
		submittedBy = "human"
	}

	s.mu.Lock()
	chunk := s.pipeline.Chunk(chunkID)
	if chunk == nil {
		s.mu.Unlock()
		return fmt.Errorf("apply manual fix: chunk %s: %w", chunkID, manual.ErrNotFound)
	}
	if _, err := s.queue.Apply(chunkID, note, submittedBy); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("apply manual fix: chunk %s: %w", chunkID, err)
	}
	original := chunk.ContentIn
	chunk.ContentOut = content
	chunk.LastError = ""
	s.pipeline.SetStatus(chunkID, plan.ChunkConverted)
	s.appendNoteLocked(fmt.Sprintf("manual fix applied to chunk %s by %s", chunkID, submittedBy))
	observability.SetManualQueueDepth(s.id, s.queue.PendingCount())
	s.mu.Unlock()

	if m.deps.learning != nil && s.settings.Conversion.EnableLearning && submittedBy != "auto-pattern" {
		if _, err := m.deps.learning.RecordFix(original, content, note, s.settings.Conversion.LearningTriggerCount); err != nil {
			log.Printf("[Session %s] pattern recording failed: %v", id, err)
		}
	}

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	s.notifyWake()
	return nil
}

// SkipManualFix resolves a pending entry without output; the chunk is
// counted as resolved-without-output.
func (m *Manager) SkipManualFix(ctx context.Context, id, chunkID, note string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, err := s.queue.Skip(chunkID, note); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("skip manual fix: chunk %s: %w", chunkID, err)
	}
	s.pipeline.SetStatus(chunkID, plan.ChunkSkipped)
	s.appendNoteLocked("manual fix skipped for chunk " + chunkID)
	observability.SetManualQueueDepth(s.id, s.queue.PendingCount())
	s.mu.Unlock()

	if err := s.checkpoint(ctx); err != nil {
		return err
	}
	s.notifyWake()
	return nil
}

// ApplyLearnedPatterns scans the session's pending manual fixes and
// auto-applies every promoted pattern match. Returns the count applied.
func (m *Manager) ApplyLearnedPatterns(ctx context.Context, id string) (int, error) {
	s, err := m.session(id)
	if err != nil {
		return 0, err
	}
	if m.deps.learning == nil {
		return 0, nil
	}

	applied := 0
	s.mu.Lock()
	for _, entry := range s.queue.Pending() {
		chunk := s.pipeline.Chunk(entry.ChunkID)
		if chunk == nil {
			continue
		}
		fp := entry.Fingerprint
		if fp == "" {
			fp = learning.Fingerprint(chunk.ContentIn)
		}
		pattern, ok := m.deps.learning.MatchFingerprint(fp)
		if !ok {
			continue
		}
		if _, err := s.queue.Apply(entry.ChunkID, "resolved by learned pattern", "auto-pattern"); err != nil {
			continue
		}
		chunk.ContentOut = pattern.Replacement
		chunk.Model = ModelLearnedPattern
		chunk.LastError = ""
		s.pipeline.SetStatus(entry.ChunkID, plan.ChunkConverted)
		s.appendNoteLocked("learned pattern applied to chunk " + entry.ChunkID)
		applied++
		if err := m.deps.learning.RecordAutoApply(fp, true); err != nil {
			log.Printf("[Session %s] pattern bookkeeping failed: %v", id, err)
		}
	}
	observability.SetManualQueueDepth(s.id, s.queue.PendingCount())
	s.mu.Unlock()

	if applied > 0 {
		if err := s.checkpoint(ctx); err != nil {
			return applied, err
		}
		s.notifyWake()
	}
	return applied, nil
}

// RegisterWebhook stores an endpoint configuration.
func (m *Manager) RegisterWebhook(cfg webhook.Config) error {
	if m.registry == nil {
		return fmt.Errorf("register webhook: no registry configured")
	}
	return m.registry.Register(cfg)
}

// TestWebhook fires a test delivery at a registered endpoint.
func (m *Manager) TestWebhook(ctx context.Context, url string) (webhook.Delivery, error) {
	if m.deps.dispatcher == nil {
		return webhook.Delivery{}, fmt.Errorf("test webhook: no dispatcher configured")
	}
	return m.deps.dispatcher.Test(ctx, url)
}

// Restore loads a session from the checkpoint store after a process
// restart. Sessions checkpointed mid-run come back Paused.
func (m *Manager) Restore(ctx context.Context, id string) (Summary, error) {
	snap, err := m.deps.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return Summary{}, ErrSessionNotFound
		}
		return Summary{}, fmt.Errorf("load checkpoint for %s: %w", id, err)
	}
	s := restoreSession(snap, m.deps)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	logRestore(id, s.Status().Status)
	return s.Status(), nil
}

// RestoreAll loads every checkpointed session.
func (m *Manager) RestoreAll(ctx context.Context) ([]Summary, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Summary
	for _, id := range ids {
		summary, err := m.Restore(ctx, id)
		if err != nil {
			log.Printf("[Manager] skipping unreadable checkpoint %s: %v", id, err)
			continue
		}
		out = append(out, summary)
	}
	return out, nil
}

// Close stops all sessions and waits for their goroutines to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}
	return s, nil
}
