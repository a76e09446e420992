package conversion

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossport-dev/crossport/internal/checkpoint"
	"github.com/crossport-dev/crossport/internal/learning"
	"github.com/crossport-dev/crossport/internal/manual"
	"github.com/crossport-dev/crossport/internal/plan"
	"github.com/crossport-dev/crossport/internal/translate"
	"github.com/crossport-dev/crossport/pkg/settings"
)

// fakeTranslator lets tests script per-call behavior and inspect the
// requests a session actually made.
type fakeTranslator struct {
	mu    sync.Mutex
	calls []translate.Request
	fn    func(call int, req translate.Request) (*translate.Result, error)
}

func (f *fakeTranslator) Translate(_ context.Context, req translate.Request) (*translate.Result, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(call, req)
	}
	return &translate.Result{Output: "converted " + req.Chunk.FilePath, TokensUsed: 100, Model: req.Model}, nil
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTranslator) requests() []translate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]translate.Request(nil), f.calls...)
}

// memStore is an in-memory checkpoint.Store for tests.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]*checkpoint.Snapshot
	saves int
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*checkpoint.Snapshot)}
}

func (m *memStore) Save(_ context.Context, snap *checkpoint.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snaps[snap.SessionID] = &cp
	m.saves++
	return nil
}

func (m *memStore) Load(_ context.Context, id string) (*checkpoint.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, id)
	return nil
}

func (m *memStore) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.snaps))
	for id := range m.snaps {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) Close() error { return nil }

// flatPricing charges a fixed amount per call for each model,
// independent of token count. Budget arithmetic in tests stays exact.
type flatPricing map[string]float64

func (p flatPricing) EstimateUSD(model string, _ int) float64 { return p[model] }

func testSettings() settings.Settings {
	cfg := settings.Default()
	cfg.Cost.ActiveModel = "gpt-5"
	cfg.Cost.FallbackChain = []string{"gpt-5-mini", "gpt-5-nano"}
	cfg.AI.RetryBackoffMS = 1
	cfg.Performance.ChunkTimeoutSeconds = 5
	cfg.Performance.BuildTimeoutSeconds = 5
	return cfg
}

func codeChunk(id, path string) *plan.Chunk {
	// Content derives from the path, not the id: fingerprinting drops
	// digits, so ids like c1/c2 would collide on the same signature.
	name := strings.NewReplacer("/", "_", ".", "_").Replace(path)
	return &plan.Chunk{
		ID:        id,
		FilePath:  path,
		Stage:     plan.StageCode,
		Language:  "python",
		StartLine: 1,
		EndLine:   10,
		ContentIn: "def handler_" + name + "(): pass",
		Status:    plan.ChunkPending,
	}
}

func stageChunk(id, path string, stage plan.Stage) *plan.Chunk {
	c := codeChunk(id, path)
	c.Stage = stage
	return c
}

func newTestSession(t *testing.T, cfg settings.Settings, chunks []*plan.Chunk, deps sessionDeps) *Session {
	t.Helper()
	if deps.pricing == nil {
		deps.pricing = flatPricing{}
	}
	if deps.validator == nil {
		deps.validator = translate.NoopValidator{}
	}
	return newSession("sess-"+t.Name(), t.TempDir(), t.TempDir(), settings.DirectionAToB, cfg, chunks, deps)
}

func TestSessionRunsToCompletion(t *testing.T) {
	tr := &fakeTranslator{}
	store := newMemStore()
	chunks := []*plan.Chunk{
		stageChunk("c1", "assets/logo.txt", plan.StageResources),
		stageChunk("c2", "requirements.txt", plan.StageDependencies),
		codeChunk("c3", "app/main.py"),
	}
	s := newTestSession(t, testSettings(), chunks, sessionDeps{translator: tr, store: store})

	s.run(context.Background(), false)

	summary := s.Status()
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 1.0, summary.OverallPercentage)
	assert.Equal(t, 3, tr.callCount())
	for _, c := range chunks {
		assert.Equal(t, plan.ChunkConverted, c.Status, c.ID)
		assert.NotEmpty(t, c.ContentOut, c.ID)
	}

	snap, err := store.Load(context.Background(), s.ID())
	require.NoError(t, err)
	assert.Equal(t, string(StatusCompleted), snap.Status)
	assert.Len(t, snap.Chunks, 3)
}

func TestSessionProcessesStagesInOrder(t *testing.T) {
	tr := &fakeTranslator{}
	// Planned out of stage order on purpose.
	chunks := []*plan.Chunk{
		codeChunk("c1", "app/main.py"),
		stageChunk("c2", "requirements.txt", plan.StageDependencies),
		stageChunk("c3", "assets/logo.txt", plan.StageResources),
	}
	s := newTestSession(t, testSettings(), chunks, sessionDeps{translator: tr, store: newMemStore()})

	s.run(context.Background(), false)

	require.Equal(t, StatusCompleted, s.Status().Status)
	var order []string
	for _, req := range tr.requests() {
		order = append(order, string(req.Chunk.Stage))
	}
	assert.Equal(t, []string{"RESOURCES", "DEPENDENCIES", "CODE"}, order)
}

func TestBudgetAutoSwitchesToFallback(t *testing.T) {
	pricing := flatPricing{"gpt-5": 10.0, "gpt-5-mini": 0.01}
	cfg := testSettings()
	cfg.Cost.MaxBudgetUSD = 1.0

	tr := &fakeTranslator{}
	s := newTestSession(t, cfg, []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		pricing:    pricing,
	})
	s.run(context.Background(), false)

	summary := s.Status()
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, "gpt-5-mini", summary.ActiveModel)
	require.Equal(t, 1, tr.callCount())
	assert.Equal(t, "gpt-5-mini", tr.requests()[0].Model)

	found := false
	for _, note := range summary.Notes {
		if strings.Contains(note, "switched model to gpt-5-mini") {
			found = true
		}
	}
	assert.True(t, found, "expected a model switch note, got %v", summary.Notes)
}

func TestBudgetExhaustionPausesWhenChainRunsOut(t *testing.T) {
	pricing := flatPricing{"gpt-5": 10.0, "gpt-5-mini": 10.0, "gpt-5-nano": 10.0}
	cfg := testSettings()
	cfg.Cost.MaxBudgetUSD = 1.0

	tr := &fakeTranslator{}
	s := newTestSession(t, cfg, []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		pricing:    pricing,
	})
	s.run(context.Background(), false)

	summary := s.Status()
	assert.Equal(t, StatusPaused, summary.Status)
	assert.Equal(t, PauseReasonBudget, summary.PausedReason)
	assert.NotNil(t, summary.PausedAt)
	assert.Zero(t, tr.callCount(), "no translation should run without budget")
	assert.Equal(t, 0.0, summary.Cost.CostUSD)
}

func TestBudgetExhaustionPausesWithoutAutoSwitch(t *testing.T) {
	pricing := flatPricing{"gpt-5": 10.0, "gpt-5-mini": 0.01}
	cfg := testSettings()
	cfg.Cost.MaxBudgetUSD = 1.0
	cfg.Cost.AutoSwitchModel = false

	tr := &fakeTranslator{}
	s := newTestSession(t, cfg, []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		pricing:    pricing,
	})
	s.run(context.Background(), false)

	summary := s.Status()
	assert.Equal(t, StatusPaused, summary.Status)
	assert.Equal(t, PauseReasonBudget, summary.PausedReason)
	assert.Equal(t, "gpt-5", summary.ActiveModel, "model must not change without auto switch")
}

func TestRetriesThenEscalatesToManualQueue(t *testing.T) {
	tr := &fakeTranslator{fn: func(int, translate.Request) (*translate.Result, error) {
		return nil, translate.NewError(translate.ErrorCodeServerError, "upstream 503", nil)
	}}
	chunk := codeChunk("c1", "a.py")
	s := newTestSession(t, testSettings(), []*plan.Chunk{chunk}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
	})

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), false)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.Status().PendingManualFixes == 1
	}, 5*time.Second, 5*time.Millisecond)

	s.RequestPause()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit after pause request")
	}

	assert.Equal(t, 3, tr.callCount(), "retries bounded by ai.retries")
	assert.Equal(t, plan.ChunkManual, chunk.Status)
	assert.Equal(t, 3, chunk.AttemptCount)
	assert.Contains(t, chunk.LastError, "upstream 503")

	s.mu.RLock()
	pending := s.queue.Pending()
	s.mu.RUnlock()
	require.Len(t, pending, 1)
	assert.Equal(t, manual.ReasonTranslationFailed, pending[0].Reason)
	assert.Equal(t, "c1", pending[0].ChunkID)
	assert.NotEmpty(t, pending[0].Fingerprint)
}

func TestConcurrentCheckpointDuringRetries(t *testing.T) {
	tr := &fakeTranslator{fn: func(int, translate.Request) (*translate.Result, error) {
		return nil, translate.NewError(translate.ErrorCodeServerError, "upstream 503", nil)
	}}
	chunk := codeChunk("c1", "a.py")
	store := newMemStore()
	s := newTestSession(t, testSettings(), []*plan.Chunk{chunk}, sessionDeps{
		translator: tr,
		store:      store,
	})

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), false)
		close(done)
	}()

	// Snapshot reads from API goroutines overlap attempt bookkeeping
	// in the run loop; both must go through the session lock.
	require.Eventually(t, func() bool {
		if err := s.checkpoint(context.Background()); err != nil {
			return false
		}
		return s.Status().PendingManualFixes == 1
	}, 5*time.Second, time.Millisecond)

	s.RequestPause()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit after pause request")
	}

	snap, err := store.Load(context.Background(), s.ID())
	require.NoError(t, err)
	require.Len(t, snap.Chunks, 1)
	assert.Equal(t, 3, snap.Chunks[0].AttemptCount)
}

func TestPauseInterruptsRetryBackoff(t *testing.T) {
	cfg := testSettings()
	cfg.AI.RetryBackoffMS = 60_000
	firstFailure := make(chan struct{})
	var once sync.Once
	tr := &fakeTranslator{fn: func(int, translate.Request) (*translate.Result, error) {
		once.Do(func() { close(firstFailure) })
		return nil, translate.NewError(translate.ErrorCodeServerError, "upstream 503", nil)
	}}
	s := newTestSession(t, cfg, []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
	})

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), false)
		close(done)
	}()

	<-firstFailure
	s.RequestPause()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pause request did not interrupt the retry backoff")
	}

	summary := s.Status()
	assert.Equal(t, StatusPaused, summary.Status)
	assert.Equal(t, PauseReasonUser, summary.PausedReason)
	assert.Equal(t, 1, tr.callCount())
}

func TestRetryDelayClamps(t *testing.T) {
	base := time.Millisecond
	assert.Equal(t, time.Millisecond, retryDelay(base, 1))
	assert.Equal(t, 2*time.Millisecond, retryDelay(base, 2))
	assert.Equal(t, maxRetryBackoff, retryDelay(base, 100))
	assert.Equal(t, maxRetryBackoff, retryDelay(base, 1<<40))
	assert.Equal(t, maxRetryBackoff, retryDelay(time.Minute, 1))
	assert.Zero(t, retryDelay(0, 5))

	for _, attempt := range []int{-3, 0, 1, 7, 63, 64, 1000} {
		assert.GreaterOrEqual(t, retryDelay(base, attempt), time.Duration(0), "attempt %d", attempt)
	}
}

func TestAuthenticationErrorFailsSession(t *testing.T) {
	tr := &fakeTranslator{fn: func(int, translate.Request) (*translate.Result, error) {
		return nil, translate.NewError(translate.ErrorCodeAuthentication, "bad key", nil)
	}}
	s := newTestSession(t, testSettings(), []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
	})
	s.run(context.Background(), false)

	summary := s.Status()
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 1, tr.callCount(), "auth errors must not retry")
}

func TestCostCommittedOncePerAttempt(t *testing.T) {
	pricing := flatPricing{"gpt-5": 0.05}
	cfg := testSettings()
	cfg.Cost.FallbackChain = nil

	tr := &fakeTranslator{fn: func(call int, req translate.Request) (*translate.Result, error) {
		if call < 2 {
			return nil, translate.NewError(translate.ErrorCodeRateLimit, "slow down", nil)
		}
		return &translate.Result{Output: "ok", TokensUsed: 100}, nil
	}}
	s := newTestSession(t, cfg, []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		pricing:    pricing,
	})
	s.run(context.Background(), false)

	summary := s.Status()
	require.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 3, tr.callCount())
	assert.InDelta(t, 0.15, summary.Cost.CostUSD, 1e-9, "failed attempts spend budget too")
}

func TestLearnedPatternSkipsTranslator(t *testing.T) {
	dir := t.TempDir()
	ls, err := learning.NewStore(filepath.Join(dir, "patterns.json"))
	require.NoError(t, err)

	chunk := codeChunk("c1", "a.py")
	for i := 0; i < learning.DefaultTriggerCount; i++ {
		_, err := ls.RecordFix(chunk.ContentIn, "fixed output", "use the new API", learning.DefaultTriggerCount)
		require.NoError(t, err)
	}

	other := codeChunk("c2", "b.py")
	tr := &fakeTranslator{}
	s := newTestSession(t, testSettings(), []*plan.Chunk{chunk, other}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		learning:   ls,
	})
	s.run(context.Background(), false)

	require.Equal(t, StatusCompleted, s.Status().Status)
	assert.Equal(t, "fixed output", chunk.ContentOut)
	assert.Equal(t, ModelLearnedPattern, chunk.Model)
	assert.Equal(t, plan.ChunkConverted, chunk.Status)

	require.Equal(t, 1, tr.callCount(), "only the unmatched chunk reaches the translator")
	assert.Equal(t, "c2", tr.requests()[0].Chunk.ID)

	matched, ok := ls.MatchFingerprint(learning.Fingerprint(chunk.ContentIn))
	require.True(t, ok)
	assert.Equal(t, 1, matched.AutoAttempts)
	assert.Equal(t, 1, matched.AutoSuccesses)
}

func TestPauseRequestHonoredBeforeWork(t *testing.T) {
	tr := &fakeTranslator{}
	s := newTestSession(t, testSettings(), []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
	})
	s.RequestPause()
	s.run(context.Background(), false)

	summary := s.Status()
	assert.Equal(t, StatusPaused, summary.Status)
	assert.Equal(t, PauseReasonUser, summary.PausedReason)
	assert.Zero(t, tr.callCount())
}

func TestValidationBlockingDiagnosticEscalates(t *testing.T) {
	tr := &fakeTranslator{fn: func(int, translate.Request) (*translate.Result, error) {
		// Empty output trips the validator's blocking check.
		return &translate.Result{Output: "", TokensUsed: 10}, nil
	}}
	code := codeChunk("c1", "a.py")
	quality := stageChunk("q1", "a.py", plan.StageQuality)
	quality.ContentIn = ""
	s := newTestSession(t, testSettings(), []*plan.Chunk{code, quality}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		validator:  translate.HeuristicValidator{},
	})

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), false)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.Status().PendingManualFixes > 0
	}, 5*time.Second, 5*time.Millisecond)
	s.RequestPause()
	<-done

	s.mu.RLock()
	pending := s.queue.Pending()
	s.mu.RUnlock()
	require.Len(t, pending, 1)
	assert.Equal(t, manual.ReasonValidationFailed, pending[0].Reason)
	assert.Equal(t, "q1", pending[0].ChunkID)
	assert.Equal(t, plan.ChunkManual, quality.Status)
}

// failingValidator always errors, as a validator whose toolchain call
// times out would.
type failingValidator struct {
	mu    sync.Mutex
	calls int
}

func (v *failingValidator) Validate(context.Context, plan.Chunk) (*translate.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return nil, context.DeadlineExceeded
}

func (v *failingValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func TestValidatorErrorRetriesThenEscalates(t *testing.T) {
	tr := &fakeTranslator{}
	code := codeChunk("c1", "a.py")
	quality := stageChunk("q1", "a.py", plan.StageQuality)
	quality.ContentIn = ""
	v := &failingValidator{}
	s := newTestSession(t, testSettings(), []*plan.Chunk{code, quality}, sessionDeps{
		translator: tr,
		store:      newMemStore(),
		validator:  v,
	})

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), false)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return s.Status().PendingManualFixes == 1
	}, 5*time.Second, 5*time.Millisecond)
	s.RequestPause()
	<-done

	assert.Equal(t, 3, v.callCount(), "validator errors retry like translation failures")
	assert.Equal(t, plan.ChunkManual, quality.Status)

	s.mu.RLock()
	pending := s.queue.Pending()
	s.mu.RUnlock()
	require.Len(t, pending, 1)
	assert.Equal(t, manual.ReasonValidationFailed, pending[0].Reason)
	assert.Equal(t, "q1", pending[0].ChunkID)
	assert.Equal(t, learning.Fingerprint(code.ContentIn), pending[0].Fingerprint)
}

func TestRestoreRoundTripKeepsProgressAndCost(t *testing.T) {
	pricing := flatPricing{"gpt-5": 0.10}
	store := newMemStore()
	tr := &fakeTranslator{}
	chunks := []*plan.Chunk{codeChunk("c1", "a.py"), codeChunk("c2", "b.py")}
	s := newTestSession(t, testSettings(), chunks, sessionDeps{
		translator: tr,
		store:      store,
		pricing:    pricing,
	})
	s.run(context.Background(), false)
	before := s.Status()
	require.Equal(t, StatusCompleted, before.Status)

	snap, err := store.Load(context.Background(), s.ID())
	require.NoError(t, err)
	restored := restoreSession(snap, sessionDeps{translator: tr, store: store, pricing: pricing})
	after := restored.Status()

	assert.Equal(t, StatusCompleted, after.Status, "terminal status survives restore")
	assert.Equal(t, before.Stages, after.Stages)
	assert.Equal(t, before.Cost.CostUSD, after.Cost.CostUSD)
	assert.Equal(t, before.Cost.TokensUsed, after.Cost.TokensUsed)
	assert.Equal(t, before.ActiveModel, after.ActiveModel)
}

func TestRestoreOfRunningSnapshotComesBackPaused(t *testing.T) {
	store := newMemStore()
	tr := &fakeTranslator{}
	s := newTestSession(t, testSettings(), []*plan.Chunk{codeChunk("c1", "a.py")}, sessionDeps{
		translator: tr,
		store:      store,
	})

	// Checkpoint while notionally running, as a crash would leave it.
	s.mu.Lock()
	s.setStatusLocked(StatusRunning, "")
	s.mu.Unlock()
	require.NoError(t, s.checkpoint(context.Background()))

	snap, err := store.Load(context.Background(), s.ID())
	require.NoError(t, err)
	restored := restoreSession(snap, sessionDeps{translator: tr, store: store})

	summary := restored.Status()
	assert.Equal(t, StatusPaused, summary.Status)
	assert.Equal(t, PauseReasonRestart, summary.PausedReason)
	assert.NotNil(t, summary.PausedAt)
}

func TestResumeDoesNotRedoConvertedChunks(t *testing.T) {
	store := newMemStore()
	calls := 0
	tr := &fakeTranslator{}
	tr.fn = func(call int, req translate.Request) (*translate.Result, error) {
		calls++
		if calls == 2 {
			// Second chunk fails terminally on the first run.
			return nil, translate.NewError(translate.ErrorCodeInvalidRequest, "bad chunk", nil)
		}
		return &translate.Result{Output: fmt.Sprintf("out %d", call), TokensUsed: 50}, nil
	}

	chunks := []*plan.Chunk{codeChunk("c1", "a.py"), codeChunk("c2", "b.py")}
	s := newTestSession(t, testSettings(), chunks, sessionDeps{translator: tr, store: store})

	done := make(chan struct{})
	go func() {
		s.run(context.Background(), false)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return s.Status().PendingManualFixes == 1
	}, 5*time.Second, 5*time.Millisecond)
	s.RequestPause()
	<-done
	costAfterFirstRun := s.Status().Cost.CostUSD

	snap, err := store.Load(context.Background(), s.ID())
	require.NoError(t, err)
	restored := restoreSession(snap, sessionDeps{translator: tr, store: store})

	// Resolve the stuck chunk by hand, then run again.
	restored.mu.Lock()
	_, err = restored.queue.Apply("c2", "rewrote by hand", "reviewer")
	require.NoError(t, err)
	c2 := restored.pipeline.Chunk("c2")
	c2.ContentOut = "hand fixed"
	restored.pipeline.SetStatus("c2", plan.ChunkConverted)
	restored.mu.Unlock()

	restored.run(context.Background(), true)

	summary := restored.Status()
	assert.Equal(t, StatusCompleted, summary.Status)
	assert.Equal(t, 2, tr.callCount(), "converted chunks are not retranslated")
	assert.GreaterOrEqual(t, summary.Cost.CostUSD, costAfterFirstRun, "cost never decreases")
}
