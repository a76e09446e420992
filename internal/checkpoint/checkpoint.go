// Package checkpoint persists full session snapshots so a run can be
// paused, resumed, or reconstructed after a crash without redoing or
// skipping work. Backends must expose either the previous complete snapshot
// or the new complete one, never a torn write.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/crossport-dev/crossport/internal/manual"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/internal/router"
	"github.com/crossport-dev/crossport/pkg/settings"
)

var (
	// ErrNotFound is returned when no snapshot exists for the session.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Snapshot is everything needed to reconstruct a session state machine
// positioned exactly at its next pending chunk.
type Snapshot struct {
	SessionID    string             `json:"sessionId"`
	Direction    settings.Direction `json:"direction"`
	SourcePath   string             `json:"sourcePath"`
	TargetPath   string             `json:"targetPath"`
	Status       string             `json:"status"`
	PausedReason string             `json:"pausedReason,omitempty"`
	Settings     settings.Settings  `json:"settings"`

	Chunks      []plan.Chunk                      `json:"chunks"`
	Stages      map[plan.Stage]plan.StageProgress `json:"stages"`
	ManualQueue []manual.Entry                    `json:"manualQueue,omitempty"`

	TokensUsed    int             `json:"tokensUsed"`
	CostUSD       float64         `json:"costUsd"`
	BudgetWarned  bool            `json:"budgetWarned"`
	ActiveModel   string          `json:"activeModel"`
	FallbackChain []string        `json:"fallbackChain,omitempty"`
	Switches      []router.Switch `json:"switches,omitempty"`

	Notes     []string   `json:"notes,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	PausedAt  *time.Time `json:"pausedAt,omitempty"`
}

// Store abstracts snapshot persistence. Implementations must be safe for
// concurrent use and must write atomically.
type Store interface {
	// Save persists the snapshot, replacing any previous one.
	Save(ctx context.Context, snap *Snapshot) error

	// Load retrieves the latest snapshot for a session.
	// Returns ErrNotFound if none exists.
	Load(ctx context.Context, sessionID string) (*Snapshot, error)

	// Delete removes a session's snapshot.
	Delete(ctx context.Context, sessionID string) error

	// List returns the ids of all sessions with a snapshot.
	List(ctx context.Context) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
