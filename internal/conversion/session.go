// Package conversion drives one source-to-target project translation
// from submission through completion. Each Session owns its pipeline,
// budget guardrail, model router, and manual fix queue; a Manager runs
// sessions under a bounded admission gate and exposes the public API.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/crossport-dev/crossport/internal/cost"
	"github.com/crossport-dev/crossport/internal/learning"
	"github.com/crossport-dev/crossport/internal/manual"
	"github.com/crossport-dev/crossport/internal/observability"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/internal/router"
	"github.com/crossport-dev/crossport/internal/translate"
	"github.com/crossport-dev/crossport/internal/webhook"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated   Status = "Created"
	StatusQueued    Status = "Queued"
	StatusRunning   Status = "Running"
	StatusPaused    Status = "Paused"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Pause reasons surfaced through status summaries.
const (
	PauseReasonUser    = "user_requested"
	PauseReasonBudget  = "budget_exhausted"
	PauseReasonRestart = "process_restart"
)

// ModelLearnedPattern marks chunks resolved by a promoted pattern
// instead of a translator call.
const ModelLearnedPattern = "learned-pattern"

const maxRetryBackoff = 30 * time.Second

// errSessionHalted tells the run loop the session left Running and the
// goroutine should exit without further processing.
var errSessionHalted = errors.New("session halted")

// Summary is the copy-on-read view returned by status queries.
type Summary struct {
	SessionID          string                            `json:"sessionId"`
	Direction          settings.Direction                `json:"direction"`
	SourcePath         string                            `json:"sourcePath"`
	TargetPath         string                            `json:"targetPath"`
	Status             Status                            `json:"status"`
	PausedReason       string                            `json:"pausedReason,omitempty"`
	Stages             map[plan.Stage]plan.StageProgress `json:"stages"`
	OverallPercentage  float64                           `json:"overallPercentage"`
	WeightedPercentage float64                           `json:"weightedPercentage"`
	Cost               cost.State                        `json:"cost"`
	ActiveModel        string                            `json:"activeModel"`
	PendingManualFixes int                               `json:"pendingManualFixes"`
	Notes              []string                          `json:"notes,omitempty"`
	CreatedAt          time.Time                         `json:"createdAt"`
	UpdatedAt          time.Time                         `json:"updatedAt"`
	PausedAt           *time.Time                        `json:"pausedAt,omitempty"`
}

// Session is one conversion run. All mutable state is guarded by mu;
// the processing goroutine is the only writer while Running, except
// for manual fix resolution which synchronizes through the same lock.
type Session struct {
	id         string
	direction  settings.Direction
	sourcePath string
	targetPath string
	settings   settings.Settings

	deps sessionDeps

	mu           sync.RWMutex
	status       Status
	pausedReason string
	pipeline     *plan.Pipeline
	queue        *manual.Queue
	notes        []string
	firedStages  map[plan.Stage]bool
	createdAt    time.Time
	updatedAt    time.Time
	pausedAt     *time.Time

	guardrail *cost.Guardrail
	router    *router.Router

	pauseRequested atomic.Bool
	wake           chan struct{}
}

// sessionDeps are the collaborators shared across sessions.
type sessionDeps struct {
	translator translate.Translator
	validator  translate.Validator
	learning   *learning.Store
	store      checkpointStore
	dispatcher *webhook.Dispatcher
	backups    backupCreator
	pricing    cost.Estimator
}

func newSession(id string, source, target string, direction settings.Direction, cfg settings.Settings, chunks []*plan.Chunk, deps sessionDeps) *Session {
	now := time.Now().UTC()
	s := &Session{
		id:          id,
		direction:   direction,
		sourcePath:  source,
		targetPath:  target,
		settings:    cfg,
		deps:        deps,
		status:      StatusCreated,
		pipeline:    plan.New(chunks),
		queue:       manual.NewQueue(),
		firedStages: make(map[plan.Stage]bool),
		createdAt:   now,
		updatedAt:   now,
		wake:        make(chan struct{}, 1),
	}
	s.guardrail = cost.NewGuardrail(deps.pricing, cost.Budget{
		Enabled:      cfg.Cost.Enabled,
		MaxUSD:       cfg.Cost.MaxBudgetUSD,
		WarnFraction: cfg.Cost.WarnFraction,
		AutoSwitch:   cfg.Cost.AutoSwitchModel,
	})
	s.router = router.New(cfg.Cost.ActiveModel, cfg.Cost.FallbackChain)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the copy-on-read summary. Safe to call concurrently
// with the processing loop.
func (s *Session) Status() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		SessionID:          s.id,
		Direction:          s.direction,
		SourcePath:         s.sourcePath,
		TargetPath:         s.targetPath,
		Status:             s.status,
		PausedReason:       s.pausedReason,
		Stages:             s.pipeline.Progress(),
		OverallPercentage:  s.pipeline.OverallPercentage(),
		WeightedPercentage: s.pipeline.WeightedPercentage(),
		Cost:               s.guardrail.Snapshot(),
		ActiveModel:        s.router.Active(),
		PendingManualFixes: s.queue.PendingCount(),
		Notes:              append([]string(nil), s.notes...),
		CreatedAt:          s.createdAt,
		UpdatedAt:          s.updatedAt,
		PausedAt:           s.pausedAt,
	}
}

// RequestPause asks the processing loop to pause at the next chunk
// boundary. It never interrupts an in-flight translation.
func (s *Session) RequestPause() {
	s.pauseRequested.Store(true)
	s.notifyWake()
}

func (s *Session) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) appendNoteLocked(note string) {
	s.notes = append(s.notes, note)
	s.updatedAt = time.Now().UTC()
}

// applySettings replaces the settings snapshot of a paused session.
// The guardrail is rebuilt from the new budget and reseeded with the
// spend so far; the router keeps its fallback position unless the
// model configuration itself changed.
func (s *Session) applySettings(cfg settings.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.guardrail.Snapshot()
	rebuildRouter := cfg.Cost.ActiveModel != s.settings.Cost.ActiveModel ||
		!slices.Equal(cfg.Cost.FallbackChain, s.settings.Cost.FallbackChain)
	s.settings = cfg
	s.guardrail = cost.NewGuardrail(s.deps.pricing, cost.Budget{
		Enabled:      cfg.Cost.Enabled,
		MaxUSD:       cfg.Cost.MaxBudgetUSD,
		WarnFraction: cfg.Cost.WarnFraction,
		AutoSwitch:   cfg.Cost.AutoSwitchModel,
	})
	s.guardrail.Seed(prior.TokensUsed, prior.CostUSD, false)
	if rebuildRouter {
		s.router = router.New(cfg.Cost.ActiveModel, cfg.Cost.FallbackChain)
	}
	s.appendNoteLocked(fmt.Sprintf("settings updated on resume (budget %.2f USD)", cfg.Cost.MaxBudgetUSD))
}

func (s *Session) setStatusLocked(status Status, pausedReason string) {
	s.status = status
	s.pausedReason = pausedReason
	now := time.Now().UTC()
	s.updatedAt = now
	if status == StatusPaused {
		s.pausedAt = &now
	} else {
		s.pausedAt = nil
	}
}

// run is the processing loop. It owns the Running state from entry to
// the transition that ends it (Paused, Completed, or Failed).
func (s *Session) run(ctx context.Context, resumed bool) {
	s.mu.Lock()
	s.setStatusLocked(StatusRunning, "")
	s.mu.Unlock()

	if err := s.checkpoint(ctx); err != nil {
		s.fail(ctx, fmt.Sprintf("checkpoint write failed: %v", err))
		return
	}

	event := webhook.EventSessionStarted
	if resumed {
		event = webhook.EventSessionResumed
	}
	s.fireEvent(ctx, event, nil)
	log.Printf("[Session %s] running (%s)", s.id, s.direction)

	for {
		if ctx.Err() != nil {
			return
		}
		if s.pauseRequested.Load() {
			s.pauseRequested.Store(false)
			s.pause(ctx, PauseReasonUser)
			return
		}

		s.mu.Lock()
		chunk := s.pipeline.NextPending()
		pendingFixes := s.queue.PendingCount()
		s.mu.Unlock()

		if chunk == nil {
			if pendingFixes > 0 {
				// Everything left is waiting on a human. Block until a
				// fix lands, a pause arrives, or the context ends.
				select {
				case <-ctx.Done():
					return
				case <-s.wake:
				case <-time.After(200 * time.Millisecond):
				}
				continue
			}
			s.complete(ctx)
			return
		}

		if err := s.processChunk(ctx, chunk); err != nil {
			return
		}
	}
}

// processChunk handles one chunk end to end. A non-nil return means
// the session has left Running and the loop must exit.
func (s *Session) processChunk(ctx context.Context, chunk *plan.Chunk) error {
	spanCtx, span := observability.StartSpan(ctx, "conversion.chunk",
		attribute.String("session.id", s.id),
		attribute.String("chunk.id", chunk.ID),
		attribute.String("chunk.stage", string(chunk.Stage)),
	)
	defer span.End()
	start := time.Now()

	if chunk.Stage == plan.StageQuality {
		err := s.validateChunk(spanCtx, chunk)
		observability.RecordChunk(string(chunk.Stage), string(s.chunkStatus(chunk)), time.Since(start))
		return err
	}

	if s.tryLearnedPattern(spanCtx, chunk) {
		observability.RecordChunk(string(chunk.Stage), string(s.chunkStatus(chunk)), time.Since(start))
		return s.afterChunk(spanCtx, chunk)
	}

	if err := s.ensureAffordable(spanCtx, chunk); err != nil {
		return err
	}

	err := s.translateChunk(spanCtx, chunk)
	observability.RecordChunk(string(chunk.Stage), string(s.chunkStatus(chunk)), time.Since(start))
	if err != nil {
		return err
	}
	return s.afterChunk(spanCtx, chunk)
}

// chunkStatus reads the chunk's status under the session lock; manual
// fix resolution can flip an escalated chunk concurrently.
func (s *Session) chunkStatus(chunk *plan.Chunk) plan.ChunkStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chunk.Status
}

// tryLearnedPattern resolves the chunk from a promoted pattern without
// touching the router or the budget. Reports whether it applied.
func (s *Session) tryLearnedPattern(_ context.Context, chunk *plan.Chunk) bool {
	if s.deps.learning == nil || !s.settings.Conversion.EnableLearning {
		return false
	}
	fp := learning.Fingerprint(chunk.ContentIn)
	pattern, ok := s.deps.learning.MatchFingerprint(fp)
	if !ok {
		return false
	}

	s.mu.Lock()
	chunk.ContentOut = pattern.Replacement
	chunk.Model = ModelLearnedPattern
	chunk.LastError = ""
	s.pipeline.SetStatus(chunk.ID, plan.ChunkConverted)
	s.appendNoteLocked(fmt.Sprintf("chunk %s resolved by learned pattern %.12s", chunk.ID, fp))
	s.mu.Unlock()

	if err := s.deps.learning.RecordAutoApply(fp, true); err != nil {
		log.Printf("[Session %s] pattern bookkeeping failed: %v", s.id, err)
	}
	log.Printf("[Session %s] chunk %s resolved by learned pattern", s.id, chunk.ID)
	return true
}

// ensureAffordable walks the fallback chain until the active model can
// afford the chunk, or pauses the session when nothing can.
func (s *Session) ensureAffordable(ctx context.Context, chunk *plan.Chunk) error {
	estimate := translate.EstimateTokens(chunk.ContentIn)
	for !s.guardrail.CanAfford(s.router.Active(), estimate) {
		if !s.settings.Cost.AutoSwitchModel {
			s.pause(ctx, PauseReasonBudget)
			return errSessionHalted
		}
		next, err := s.router.SwitchFallback()
		if err != nil {
			s.pause(ctx, PauseReasonBudget)
			return errSessionHalted
		}
		observability.RecordModelSwitch()
		s.mu.Lock()
		s.appendNoteLocked(fmt.Sprintf("budget: switched model to %s", next))
		s.mu.Unlock()
		log.Printf("[Session %s] budget: switched model to %s", s.id, next)
	}
	return nil
}

// translateChunk runs the bounded retry loop for one chunk. Cost is
// committed exactly once per attempt, success or failure. Model
// switches triggered mid-loop by affordability re-checks do not count
// as attempts.
func (s *Session) translateChunk(ctx context.Context, chunk *plan.Chunk) error {
	timeout := time.Duration(s.settings.Performance.ChunkTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	backoffBase := time.Duration(s.settings.AI.RetryBackoffMS) * time.Millisecond
	estimate := translate.EstimateTokens(chunk.ContentIn)

	for {
		model := s.router.Active()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, err := s.deps.translator.Translate(attemptCtx, translate.Request{
			SessionID:      s.id,
			Chunk:          *chunk,
			Direction:      s.direction,
			SourceLanguage: sourceLanguage(s.direction),
			TargetLanguage: targetLanguage(s.direction),
			Model:          model,
			Hints:          s.hintsFor(chunk),
		})
		cancel()

		s.mu.Lock()
		chunk.AttemptCount++
		attempts := chunk.AttemptCount
		s.mu.Unlock()
		tokens := estimate
		if err == nil && res.TokensUsed > 0 {
			tokens = res.TokensUsed
		}
		attemptCost := s.guardrail.Estimate(model, tokens)
		s.guardrail.Commit(tokens, attemptCost)
		observability.RecordUsage(model, attemptCost, tokens)
		if note, ok := s.guardrail.WarnNote(); ok {
			s.mu.Lock()
			s.appendNoteLocked(note)
			s.mu.Unlock()
		}

		if err == nil {
			s.mu.Lock()
			chunk.ContentOut = res.Output
			chunk.Model = model
			chunk.TokensUsed += tokens
			chunk.CostUSD += attemptCost
			chunk.LastError = ""
			s.pipeline.SetStatus(chunk.ID, plan.ChunkConverted)
			s.mu.Unlock()
			return nil
		}

		var te *translate.Error
		if errors.As(err, &te) && te.Code == translate.ErrorCodeAuthentication {
			// Nothing will succeed without credentials; this is fatal.
			s.fail(ctx, fmt.Sprintf("translator transport failure: %v", err))
			return errSessionHalted
		}

		if translate.IsRetryable(err) && attempts < s.settings.AI.Retries {
			observability.RecordRetry(retryReason(err))
			delay := retryDelay(backoffBase, attempts)
			log.Printf("[Session %s] chunk %s attempt %d failed (%v), retrying in %s",
				s.id, chunk.ID, attempts, err, delay)
			if haltErr := s.sleepRetry(ctx, delay); haltErr != nil {
				return haltErr
			}
			// Spend since the failed attempt may have changed model
			// affordability; re-check before retrying.
			if haltErr := s.ensureAffordable(ctx, chunk); haltErr != nil {
				return haltErr
			}
			continue
		}

		return s.escalate(ctx, chunk, manual.ReasonTranslationFailed,
			learning.Fingerprint(chunk.ContentIn), err)
	}
}

// retryDelay doubles the base per completed attempt, capped at
// maxRetryBackoff. The shift exponent is clamped so a large configured
// retry count cannot overflow the duration into a negative value.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if base > maxRetryBackoff {
		return maxRetryBackoff
	}
	shift := attempt - 1
	switch {
	case shift < 0:
		shift = 0
	case shift > 16:
		shift = 16
	}
	delay := base << shift
	if delay <= 0 || delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay
}

// sleepRetry waits out a retry backoff while staying responsive to
// pause requests and cancellation. A non-nil return means the session
// left Running.
func (s *Session) sleepRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		if s.pauseRequested.Load() {
			s.pauseRequested.Store(false)
			s.pause(ctx, PauseReasonUser)
			return errSessionHalted
		}
		select {
		case <-ctx.Done():
			return errSessionHalted
		case <-s.wake:
		case <-timer.C:
			return nil
		}
	}
}

// escalate moves a chunk that exhausted its retries (or failed
// terminally) into the manual queue.
func (s *Session) escalate(ctx context.Context, chunk *plan.Chunk, reason manual.Reason, fp string, cause error) error {
	s.mu.Lock()
	chunk.LastError = cause.Error()
	s.pipeline.SetStatus(chunk.ID, plan.ChunkManual)
	s.queue.Enqueue(chunk.ID, chunk.FilePath, reason, cause.Error(), fp)
	depth := s.queue.PendingCount()
	s.mu.Unlock()

	observability.SetManualQueueDepth(s.id, depth)
	log.Printf("[Session %s] chunk %s escalated to manual queue: %v", s.id, chunk.ID, cause)
	s.fireEvent(ctx, webhook.EventManualFixRequired, map[string]any{
		"chunkId":  chunk.ID,
		"filePath": chunk.FilePath,
		"reason":   string(reason),
	})
	return s.afterChunk(ctx, chunk)
}

// validateChunk implements the QUALITY stage: it validates the
// converted output of the chunk's file instead of translating.
// Validation never fails the session; blocking diagnostics escalate.
func (s *Session) validateChunk(ctx context.Context, chunk *plan.Chunk) error {
	s.mu.RLock()
	subject := s.pipeline.ChunkByPath(chunk.FilePath)
	target := *chunk
	if subject != nil && subject.ID != chunk.ID {
		target = *subject
	}
	s.mu.RUnlock()

	timeout := time.Duration(s.settings.Performance.BuildTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	backoffBase := time.Duration(s.settings.AI.RetryBackoffMS) * time.Millisecond

	// Validator call errors (timeouts included) retry like translation
	// failures, then escalate instead of slipping through as skipped.
	var report *translate.Report
	for {
		valCtx, cancel := context.WithTimeout(ctx, timeout)
		rep, err := s.deps.validator.Validate(valCtx, target)
		cancel()

		s.mu.Lock()
		chunk.AttemptCount++
		attempts := chunk.AttemptCount
		s.mu.Unlock()

		if err == nil {
			report = rep
			break
		}
		if attempts < s.settings.AI.Retries {
			observability.RecordRetry("validation")
			delay := retryDelay(backoffBase, attempts)
			log.Printf("[Session %s] validation of %s attempt %d failed (%v), retrying in %s",
				s.id, chunk.FilePath, attempts, err, delay)
			if haltErr := s.sleepRetry(ctx, delay); haltErr != nil {
				return haltErr
			}
			continue
		}
		return s.escalate(ctx, chunk, manual.ReasonValidationFailed,
			learning.Fingerprint(target.ContentIn), err)
	}

	s.mu.Lock()
	for _, d := range report.Diagnostics {
		s.appendNoteLocked(fmt.Sprintf("validation %s: %s: %s", d.Severity, chunk.FilePath, d.Message))
	}
	if report.Blocking() {
		fp := learning.Fingerprint(target.ContentIn)
		s.pipeline.SetStatus(chunk.ID, plan.ChunkManual)
		s.queue.Enqueue(chunk.ID, chunk.FilePath, manual.ReasonValidationFailed,
			firstBlockingMessage(report), fp)
	} else {
		s.pipeline.SetStatus(chunk.ID, plan.ChunkConverted)
	}
	s.mu.Unlock()
	return s.afterChunk(ctx, chunk)
}

func firstBlockingMessage(report *translate.Report) string {
	for _, d := range report.Diagnostics {
		if d.Severity == translate.SeverityError {
			return d.Message
		}
	}
	return "validation failed"
}

// afterChunk checkpoints and fires a stage event when the chunk's
// transition finished its stage.
func (s *Session) afterChunk(ctx context.Context, chunk *plan.Chunk) error {
	if err := s.checkpoint(ctx); err != nil {
		s.fail(ctx, fmt.Sprintf("checkpoint write failed: %v", err))
		return errSessionHalted
	}

	s.mu.Lock()
	fire := false
	if s.pipeline.StageDone(chunk.Stage) && !s.firedStages[chunk.Stage] &&
		s.pipeline.StageProgressFor(chunk.Stage).TotalUnits > 0 {
		s.firedStages[chunk.Stage] = true
		fire = true
	}
	s.mu.Unlock()

	if fire {
		s.fireEvent(ctx, webhook.EventStageCompleted, map[string]any{"stage": string(chunk.Stage)})
		log.Printf("[Session %s] stage %s completed", s.id, chunk.Stage)
	}
	return nil
}

func (s *Session) pause(ctx context.Context, reason string) {
	s.mu.Lock()
	s.setStatusLocked(StatusPaused, reason)
	s.appendNoteLocked("paused: " + reason)
	s.mu.Unlock()

	if err := s.checkpoint(ctx); err != nil {
		s.fail(ctx, fmt.Sprintf("checkpoint write failed: %v", err))
		return
	}
	s.fireEvent(ctx, webhook.EventSessionPaused, map[string]any{"reason": reason})
	log.Printf("[Session %s] paused: %s", s.id, reason)
}

func (s *Session) complete(ctx context.Context) {
	s.mu.Lock()
	done := s.pipeline.FullyConverted()
	s.mu.Unlock()
	if !done {
		// Residual failed chunks without pending fixes should not
		// happen; guard against marking such a run complete.
		s.fail(ctx, "pipeline drained with unconverted chunks")
		return
	}

	if s.settings.Backup.Enabled && s.deps.backups != nil {
		s.createBackup()
	}

	s.mu.Lock()
	s.setStatusLocked(StatusCompleted, "")
	s.mu.Unlock()

	if err := s.checkpoint(ctx); err != nil {
		s.fail(ctx, fmt.Sprintf("checkpoint write failed: %v", err))
		return
	}
	s.fireEvent(ctx, webhook.EventSessionCompleted, nil)
	log.Printf("[Session %s] completed", s.id)
}

func (s *Session) createBackup() {
	summary := s.Status()
	res, err := s.deps.backups.Create(s.targetPath, backupMetadata(summary), s.settings.Backup.RetentionCount)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.appendNoteLocked(fmt.Sprintf("backup failed: %v", err))
		return
	}
	s.appendNoteLocked("backup archived: " + res.ArchivePath)
}

// fail transitions to Failed. The checkpoint write is best effort: a
// session failing because the store broke cannot persist the failure.
func (s *Session) fail(ctx context.Context, note string) {
	s.mu.Lock()
	s.setStatusLocked(StatusFailed, "")
	s.appendNoteLocked(note)
	s.mu.Unlock()

	if err := s.checkpoint(ctx); err != nil {
		log.Printf("[Session %s] could not checkpoint failure: %v", s.id, err)
	}
	s.fireEvent(ctx, webhook.EventSessionFailed, map[string]any{"error": note})
	log.Printf("[Session %s] failed: %s", s.id, note)
}

func (s *Session) hintsFor(chunk *plan.Chunk) []string {
	if s.deps.learning == nil {
		return nil
	}
	fp := learning.Fingerprint(chunk.ContentIn)
	var hints []string
	for _, p := range s.deps.learning.List() {
		if p.Fingerprint == fp && p.Hint != "" {
			hints = append(hints, p.Hint)
		}
	}
	return hints
}

func retryReason(err error) string {
	var te *translate.Error
	if errors.As(err, &te) {
		return string(te.Code)
	}
	return "unknown"
}

func sourceLanguage(d settings.Direction) string {
	if d == settings.DirectionBToA {
		return "target-platform"
	}
	return "source-platform"
}

func targetLanguage(d settings.Direction) string {
	if d == settings.DirectionBToA {
		return "source-platform"
	}
	return "target-platform"
}
