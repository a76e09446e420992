package plan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkIn(stage Stage, id string) *Chunk {
	return &Chunk{ID: id, FilePath: id + ".src", Stage: stage, ContentIn: "body of " + id}
}

func TestEmptyStageIsVacuouslyComplete(t *testing.T) {
	sp := StageProgress{Stage: StageResources, TotalUnits: 0}
	assert.Equal(t, 1.0, sp.Percentage())

	p := New(nil)
	assert.Equal(t, 1.0, p.OverallPercentage())
	assert.True(t, p.FullyConverted())
}

func TestPercentageBounds(t *testing.T) {
	sp := StageProgress{Stage: StageCode, CompletedUnits: 5, TotalUnits: 4}
	assert.Equal(t, 1.0, sp.Percentage())

	sp = StageProgress{Stage: StageCode, CompletedUnits: 1, TotalUnits: 4}
	assert.Equal(t, 0.25, sp.Percentage())
}

func TestNextPendingRespectsStageOrder(t *testing.T) {
	p := New([]*Chunk{
		chunkIn(StageCode, "code-1"),
		chunkIn(StageResources, "res-1"),
		chunkIn(StageResources, "res-2"),
	})

	// Resources gate code even though the code chunk was planned first.
	next := p.NextPending()
	require.NotNil(t, next)
	assert.Equal(t, "res-1", next.ID)

	p.SetStatus("res-1", ChunkConverted)
	assert.Equal(t, "res-2", p.NextPending().ID)

	// Manual escalation unblocks the stage gate without counting as complete.
	p.SetStatus("res-2", ChunkManual)
	assert.Equal(t, "code-1", p.NextPending().ID)
	assert.False(t, p.FullyConverted())
}

func TestInsertionOrderWithinStage(t *testing.T) {
	var chunks []*Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, chunkIn(StageCode, fmt.Sprintf("c%d", i)))
	}
	p := New(chunks)
	for i := 0; i < 5; i++ {
		next := p.NextPending()
		require.NotNil(t, next)
		assert.Equal(t, fmt.Sprintf("c%d", i), next.ID)
		p.SetStatus(next.ID, ChunkConverted)
	}
	assert.Nil(t, p.NextPending())
	assert.True(t, p.FullyConverted())
}

func TestOverallPercentageCountsSkippedAsComplete(t *testing.T) {
	p := New([]*Chunk{
		chunkIn(StageCode, "a"),
		chunkIn(StageCode, "b"),
		chunkIn(StageTests, "t"),
	})
	assert.Equal(t, 0.0, p.OverallPercentage())

	p.SetStatus("a", ChunkConverted)
	p.SetStatus("b", ChunkSkipped)
	assert.InDelta(t, 2.0/3.0, p.OverallPercentage(), 1e-9)

	p.SetStatus("t", ChunkConverted)
	assert.Equal(t, 1.0, p.OverallPercentage())
	assert.True(t, p.FullyConverted())
}

func TestManualChunkBlocksFullConversion(t *testing.T) {
	p := New([]*Chunk{chunkIn(StageCode, "a")})
	p.SetStatus("a", ChunkManual)

	assert.Nil(t, p.NextPending())
	assert.False(t, p.FullyConverted())
	assert.Less(t, p.OverallPercentage(), 1.0)

	p.SetStatus("a", ChunkConverted)
	assert.True(t, p.FullyConverted())
	assert.Equal(t, 1.0, p.OverallPercentage())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	p := New([]*Chunk{
		chunkIn(StageResources, "r"),
		chunkIn(StageCode, "c1"),
		chunkIn(StageCode, "c2"),
	})
	p.SetStatus("r", ChunkConverted)
	p.SetStatus("c1", ChunkConverted)

	restored := Restore(p.Snapshot())
	assert.Equal(t, p.OverallPercentage(), restored.OverallPercentage())
	assert.Equal(t, p.Progress(), restored.Progress())

	next := restored.NextPending()
	require.NotNil(t, next)
	assert.Equal(t, "c2", next.ID)
}

func TestWeightedPercentageBounds(t *testing.T) {
	p := New([]*Chunk{chunkIn(StageCode, "a")})
	assert.GreaterOrEqual(t, p.WeightedPercentage(), 0.0)
	p.SetStatus("a", ChunkConverted)
	assert.Equal(t, 1.0, p.WeightedPercentage())
}
