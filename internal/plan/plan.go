// Package plan models the fixed conversion stages and the chunks of work
// assigned to them. A Pipeline tracks per-stage and overall completion and
// hands out pending chunks in deterministic stage/insertion order.
package plan

// Stage is a named conversion phase. Stages gate each other: a stage is not
// entered until every chunk of every prior stage has left the pending state.
type Stage string

const (
	StageResources    Stage = "RESOURCES"
	StageDependencies Stage = "DEPENDENCIES"
	StageProjectSetup Stage = "PROJECT_SETUP"
	StageCode         Stage = "CODE"
	StageTests        Stage = "TESTS"
	StageQuality      Stage = "QUALITY"
)

// StageOrder is the fixed processing order of stages.
var StageOrder = []Stage{
	StageResources,
	StageDependencies,
	StageProjectSetup,
	StageCode,
	StageTests,
	StageQuality,
}

// stageWeights approximate the relative effort per stage. They feed
// time-remaining estimation only; completion percentages are unweighted.
var stageWeights = map[Stage]float64{
	StageResources:    0.10,
	StageDependencies: 0.10,
	StageProjectSetup: 0.05,
	StageCode:         0.60,
	StageTests:        0.10,
	StageQuality:      0.05,
}

// ChunkStatus is the lifecycle state of a single chunk.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkConverted ChunkStatus = "converted"
	ChunkFailed    ChunkStatus = "failed"
	ChunkManual    ChunkStatus = "manual"
	ChunkSkipped   ChunkStatus = "skipped"
)

// Chunk is one unit of translation work, typically a source file or a
// logical block of one. Chunks are never deleted, only transitioned.
type Chunk struct {
	ID           string      `json:"id"`
	FilePath     string      `json:"filePath"`
	Stage        Stage       `json:"stage"`
	Language     string      `json:"language,omitempty"`
	StartLine    int         `json:"startLine,omitempty"`
	EndLine      int         `json:"endLine,omitempty"`
	ContentIn    string      `json:"contentIn"`
	ContentOut   string      `json:"contentOut,omitempty"`
	Status       ChunkStatus `json:"status"`
	AttemptCount int         `json:"attemptCount"`
	TokensUsed   int         `json:"tokensUsed,omitempty"`
	CostUSD      float64     `json:"costUsd,omitempty"`
	Model        string      `json:"model,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
	Checksum     string      `json:"checksum,omitempty"`
}

// StageStatus is the lifecycle state of a stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StagePaused    StageStatus = "paused"
	StageCompleted StageStatus = "completed"
	StageSkipped   StageStatus = "skipped"
)

// StageProgress holds completion counters for one stage. TotalUnits is fixed
// at planning time and never changes afterwards.
type StageProgress struct {
	Stage          Stage       `json:"stage"`
	CompletedUnits int         `json:"completedUnits"`
	TotalUnits     int         `json:"totalUnits"`
	Status         StageStatus `json:"status"`
}

// Percentage reports stage completion in [0, 1]. An empty stage is vacuously
// complete.
func (p StageProgress) Percentage() float64 {
	if p.TotalUnits == 0 {
		return 1.0
	}
	pct := float64(p.CompletedUnits) / float64(p.TotalUnits)
	if pct > 1.0 {
		return 1.0
	}
	return pct
}

// Pipeline orders chunks into stages and aggregates progress. It is not
// safe for concurrent use; the owning session serializes access.
type Pipeline struct {
	chunks []*Chunk
	byID   map[string]*Chunk
	stages map[Stage]*StageProgress
}

// New builds a Pipeline from planned chunks. Chunk order is preserved as
// given; it is the processing order within each stage.
func New(chunks []*Chunk) *Pipeline {
	p := &Pipeline{
		byID:   make(map[string]*Chunk),
		stages: make(map[Stage]*StageProgress),
	}
	for _, stage := range StageOrder {
		p.stages[stage] = &StageProgress{Stage: stage, Status: StagePending}
	}
	for _, c := range chunks {
		if c.Status == "" {
			c.Status = ChunkPending
		}
		p.chunks = append(p.chunks, c)
		p.byID[c.ID] = c
		p.stages[c.Stage].TotalUnits++
	}
	p.recount()
	return p
}

// Chunk returns the chunk with the given id, or nil.
func (p *Pipeline) Chunk(id string) *Chunk {
	return p.byID[id]
}

// ChunkByPath returns the first chunk planned for the given file path.
func (p *Pipeline) ChunkByPath(path string) *Chunk {
	for _, c := range p.chunks {
		if c.FilePath == path {
			return c
		}
	}
	return nil
}

// Chunks returns all chunks in planning order.
func (p *Pipeline) Chunks() []*Chunk {
	return p.chunks
}

// NextPending returns the next pending chunk in stage order, or nil when no
// chunk is pending. A later stage is never entered while an earlier stage
// still has pending chunks.
func (p *Pipeline) NextPending() *Chunk {
	for _, stage := range StageOrder {
		var next *Chunk
		for _, c := range p.chunks {
			if c.Stage != stage {
				continue
			}
			if c.Status == ChunkPending {
				next = c
				break
			}
		}
		if next != nil {
			return next
		}
	}
	return nil
}

// SetStatus transitions a chunk and refreshes stage counters. The stage is
// marked completed once no chunk in it remains pending.
func (p *Pipeline) SetStatus(id string, status ChunkStatus) {
	c := p.byID[id]
	if c == nil {
		return
	}
	c.Status = status
	p.recount()
}

// recount derives CompletedUnits and stage statuses from chunk statuses.
func (p *Pipeline) recount() {
	for _, sp := range p.stages {
		sp.CompletedUnits = 0
	}
	pending := make(map[Stage]int)
	for _, c := range p.chunks {
		switch c.Status {
		case ChunkConverted, ChunkSkipped:
			p.stages[c.Stage].CompletedUnits++
		case ChunkPending:
			pending[c.Stage]++
		}
	}
	for _, stage := range StageOrder {
		sp := p.stages[stage]
		switch {
		case sp.TotalUnits == 0:
			sp.Status = StageSkipped
		case pending[stage] == 0 && sp.CompletedUnits == sp.TotalUnits:
			sp.Status = StageCompleted
		case pending[stage] == 0:
			// Remaining chunks are failed or escalated to manual fixes.
			sp.Status = StageCompleted
		case sp.CompletedUnits > 0 || p.stageStarted(stage):
			sp.Status = StageRunning
		default:
			sp.Status = StagePending
		}
	}
}

func (p *Pipeline) stageStarted(stage Stage) bool {
	for _, c := range p.chunks {
		if c.Stage == stage && c.Status != ChunkPending {
			return true
		}
	}
	return false
}

// StageDone reports whether the stage has no pending chunks left.
func (p *Pipeline) StageDone(stage Stage) bool {
	for _, c := range p.chunks {
		if c.Stage == stage && c.Status == ChunkPending {
			return false
		}
	}
	return true
}

// FullyConverted reports whether every chunk is converted or skipped.
func (p *Pipeline) FullyConverted() bool {
	for _, c := range p.chunks {
		if c.Status != ChunkConverted && c.Status != ChunkSkipped {
			return false
		}
	}
	return true
}

// Progress returns a copy of per-stage progress keyed by stage name.
func (p *Pipeline) Progress() map[Stage]StageProgress {
	out := make(map[Stage]StageProgress, len(p.stages))
	for stage, sp := range p.stages {
		out[stage] = *sp
	}
	return out
}

// StageProgressFor returns a copy of one stage's progress.
func (p *Pipeline) StageProgressFor(stage Stage) StageProgress {
	return *p.stages[stage]
}

// OverallPercentage reports total completion in [0, 1]. A plan with no
// chunks is vacuously complete.
func (p *Pipeline) OverallPercentage() float64 {
	var completed, total int
	for _, sp := range p.stages {
		completed += sp.CompletedUnits
		total += sp.TotalUnits
	}
	if total == 0 {
		return 1.0
	}
	pct := float64(completed) / float64(total)
	if pct > 1.0 {
		return 1.0
	}
	return pct
}

// WeightedPercentage reports effort-weighted completion, used only for
// time-remaining estimation in status summaries.
func (p *Pipeline) WeightedPercentage() float64 {
	var total float64
	for _, stage := range StageOrder {
		sp := p.stages[stage]
		if sp.TotalUnits == 0 {
			total += stageWeights[stage]
			continue
		}
		total += stageWeights[stage] * sp.Percentage()
	}
	if total > 1.0 {
		return 1.0
	}
	return total
}

// Snapshot returns value copies of all chunks, in planning order.
func (p *Pipeline) Snapshot() []Chunk {
	out := make([]Chunk, 0, len(p.chunks))
	for _, c := range p.chunks {
		out = append(out, *c)
	}
	return out
}

// Restore rebuilds a Pipeline from checkpointed chunk copies.
func Restore(chunks []Chunk) *Pipeline {
	ptrs := make([]*Chunk, 0, len(chunks))
	for i := range chunks {
		c := chunks[i]
		ptrs = append(ptrs, &c)
	}
	return New(ptrs)
}
