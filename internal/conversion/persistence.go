package conversion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/crossport-dev/crossport/internal/backup"
	"github.com/crossport-dev/crossport/internal/checkpoint"
	"github.com/crossport-dev/crossport/internal/manual"
	"github.com/crossport-dev/crossport/internal/observability"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// checkpointStore is the slice of checkpoint.Store a session writes to.
type checkpointStore interface {
	Save(ctx context.Context, snap *checkpoint.Snapshot) error
	Load(ctx context.Context, sessionID string) (*checkpoint.Snapshot, error)
}

// backupCreator is the slice of backup.Manager a session uses.
type backupCreator interface {
	Create(targetPath string, meta backup.Metadata, retentionCount int) (*backup.Result, error)
}

// checkpoint persists the full session snapshot. Called after every
// chunk transition and every status transition.
func (s *Session) checkpoint(ctx context.Context) error {
	if s.deps.store == nil {
		return nil
	}
	s.mu.RLock()
	costState := s.guardrail.Snapshot()
	snap := &checkpoint.Snapshot{
		SessionID:     s.id,
		Direction:     s.direction,
		SourcePath:    s.sourcePath,
		TargetPath:    s.targetPath,
		Status:        string(s.status),
		PausedReason:  s.pausedReason,
		Settings:      s.settings,
		Chunks:        s.pipeline.Snapshot(),
		Stages:        s.pipeline.Progress(),
		ManualQueue:   s.queue.All(),
		TokensUsed:    costState.TokensUsed,
		CostUSD:       costState.CostUSD,
		BudgetWarned:  costState.Warned,
		ActiveModel:   s.router.Active(),
		FallbackChain: s.router.Remaining(),
		Switches:      s.router.Switches(),
		Notes:         append([]string(nil), s.notes...),
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		PausedAt:      s.pausedAt,
	}
	s.mu.RUnlock()

	if err := s.deps.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", s.id, err)
	}
	return nil
}

// restoreSession rebuilds a session from a checkpoint snapshot. A
// snapshot captured mid-run comes back Paused: the process that was
// running it is gone, so an explicit resume is required.
func restoreSession(snap *checkpoint.Snapshot, deps sessionDeps) *Session {
	chunks := make([]*plan.Chunk, 0, len(snap.Chunks))
	for i := range snap.Chunks {
		c := snap.Chunks[i]
		chunks = append(chunks, &c)
	}
	s := newSession(snap.SessionID, snap.SourcePath, snap.TargetPath, snap.Direction, snap.Settings, chunks, deps)

	s.queue = manual.Restore(snap.ManualQueue)
	s.guardrail.Seed(snap.TokensUsed, snap.CostUSD, snap.BudgetWarned)
	s.router.Restore(snap.ActiveModel, snap.FallbackChain)
	s.notes = append([]string(nil), snap.Notes...)
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt
	s.pausedAt = snap.PausedAt

	status := Status(snap.Status)
	pausedReason := snap.PausedReason
	if status == StatusRunning || status == StatusQueued {
		status = StatusPaused
		pausedReason = PauseReasonRestart
		s.notes = append(s.notes, "paused: "+PauseReasonRestart)
		now := time.Now().UTC()
		s.pausedAt = &now
	}
	s.status = status
	s.pausedReason = pausedReason

	// Stages that finished before the snapshot should not re-fire
	// their completion events after resume.
	for _, stage := range plan.StageOrder {
		if s.pipeline.StageProgressFor(stage).TotalUnits > 0 && s.pipeline.StageDone(stage) {
			s.firedStages[stage] = true
		}
	}
	return s
}

func backupMetadata(summary Summary) backup.Metadata {
	completed, total := 0, 0
	for _, sp := range summary.Stages {
		completed += sp.CompletedUnits
		total += sp.TotalUnits
	}
	return backup.Metadata{
		SessionID:      summary.SessionID,
		Direction:      string(summary.Direction),
		TargetPath:     summary.TargetPath,
		ConvertedUnits: completed,
		TotalUnits:     total,
		TokensUsed:     summary.Cost.TokensUsed,
		CostUSD:        summary.Cost.CostUSD,
	}
}

// fireEvent dispatches a webhook asynchronously. Delivery problems are
// logged and counted by the dispatcher, never surfaced to the session.
func (s *Session) fireEvent(ctx context.Context, event string, extra map[string]any) {
	if s.deps.dispatcher == nil {
		return
	}
	payload := s.eventPayload()
	for k, v := range extra {
		payload[k] = v
	}
	go func() {
		deliveries := s.deps.dispatcher.Dispatch(context.WithoutCancel(ctx), event, payload)
		for _, d := range deliveries {
			outcome := "ok"
			if !d.OK {
				outcome = "failed"
			}
			observability.RecordWebhookDelivery(event, outcome)
		}
	}()
}

func (s *Session) eventPayload() map[string]any {
	summary := s.Status()
	stages := make(map[string]any, len(summary.Stages))
	for stage, sp := range summary.Stages {
		stages[string(stage)] = map[string]any{
			"completedUnits": sp.CompletedUnits,
			"totalUnits":     sp.TotalUnits,
			"status":         string(sp.Status),
		}
	}
	return map[string]any{
		"sessionId":          summary.SessionID,
		"status":             string(summary.Status),
		"overallPercentage":  summary.OverallPercentage,
		"stages":             stages,
		"costUsd":            summary.Cost.CostUSD,
		"tokensUsed":         summary.Cost.TokensUsed,
		"pendingManualFixes": summary.PendingManualFixes,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}
}

// validateStart checks the inputs of a new session once, up front.
func validateStart(source, target string, direction settings.Direction, cfg settings.Settings) error {
	if source == "" || target == "" {
		return fmt.Errorf("source and target paths are required")
	}
	if !direction.Valid() {
		return fmt.Errorf("unknown direction %q", direction)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func logRestore(id string, status Status) {
	log.Printf("[Manager] restored session %s (%s)", id, status)
}
