package manual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueIsIdempotentPerChunk(t *testing.T) {
	q := NewQueue()

	first := q.Enqueue("c1", "a.src", ReasonTranslationFailed, "attempt 3 failed", "fp")
	again := q.Enqueue("c1", "a.src", ReasonTranslationFailed, "attempt 4 failed", "fp")

	assert.Same(t, first, again)
	assert.Equal(t, 1, q.PendingCount())
	assert.Equal(t, []string{"attempt 3 failed", "attempt 4 failed"}, again.Notes)
}

func TestApplyResolvesPendingOnly(t *testing.T) {
	q := NewQueue()
	q.Enqueue("c1", "a.src", ReasonTranslationFailed, "", "")

	e, err := q.Apply("c1", "fixed by hand", "alex")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, e.Status)
	assert.Equal(t, "alex", e.SubmittedBy)

	// Applying twice is rejected and the queue is unchanged.
	_, err = q.Apply("c1", "again", "alex")
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, 0, q.PendingCount())

	_, err = q.Apply("missing", "", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSkipCountsAsResolvedWithoutOutput(t *testing.T) {
	q := NewQueue()
	q.Enqueue("c1", "a.src", ReasonValidationFailed, "", "")

	e, err := q.Skip("c1", "not worth porting")
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, e.Status)

	_, err = q.Skip("c1", "")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestPendingExcludesResolvedButAllKeepsAudit(t *testing.T) {
	q := NewQueue()
	q.Enqueue("c1", "a.src", ReasonTranslationFailed, "", "")
	q.Enqueue("c2", "b.src", ReasonBudgetExhausted, "", "")
	q.Enqueue("c3", "c.src", ReasonSecurityFlag, "", "")

	_, err := q.Apply("c1", "", "alex")
	require.NoError(t, err)
	_, err = q.Skip("c2", "")
	require.NoError(t, err)

	pending := q.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "c3", pending[0].ChunkID)

	assert.Len(t, q.All(), 3)
}

func TestResolvedChunkCanBeReescalated(t *testing.T) {
	q := NewQueue()
	q.Enqueue("c1", "a.src", ReasonTranslationFailed, "", "")
	_, err := q.Apply("c1", "", "alex")
	require.NoError(t, err)

	// Validation later flags the same chunk again: a fresh entry is created.
	e := q.Enqueue("c1", "a.src", ReasonValidationFailed, "build broke", "")
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, ReasonValidationFailed, e.Reason)
	assert.Equal(t, 1, q.PendingCount())
	assert.Len(t, q.All(), 2)
}

func TestRestoreRoundTrip(t *testing.T) {
	q := NewQueue()
	q.Enqueue("c1", "a.src", ReasonTranslationFailed, "note", "fp")
	q.Enqueue("c2", "b.src", ReasonValidationFailed, "", "")
	_, err := q.Apply("c1", "", "alex")
	require.NoError(t, err)

	restored := Restore(q.All())
	assert.Equal(t, q.PendingCount(), restored.PendingCount())
	assert.Equal(t, q.All(), restored.All())

	_, err = restored.Apply("c2", "", "pat")
	require.NoError(t, err)
}
