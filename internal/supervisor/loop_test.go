package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harrison/ralph/internal/archive"
	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/markers"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/tasklist"
	"github.com/harrison/ralph/internal/vcs"
	"github.com/harrison/ralph/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noon keeps every test outside the default cutoff window.
var noon = time.Date(2026, time.October, 15, 12, 0, 0, 0, time.Local)

// fakeTasks is an in-memory task list the fake worker can mutate.
type fakeTasks struct {
	mu     sync.Mutex
	branch string
	passes []bool
	err    error
}

func newFakeTasks(branch string, n int) *fakeTasks {
	return &fakeTasks{branch: branch, passes: make([]bool, n)}
}

func (f *fakeTasks) Read() (*tasklist.TaskList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	list := &tasklist.TaskList{BranchName: f.branch}
	for i, p := range f.passes {
		list.Tasks = append(list.Tasks, tasklist.Task{ID: fmt.Sprintf("US-%03d", i+1), Passes: p})
	}
	return list, nil
}

func (f *fakeTasks) passNext() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.passes {
		if !p {
			f.passes[i] = true
			return
		}
	}
}

// fakeWorker calls fn for each invocation and records the requests.
type fakeWorker struct {
	mu       sync.Mutex
	requests []worker.Request
	fn       func(ctx context.Context, call int) (*worker.Result, error)
}

func (w *fakeWorker) Invoke(ctx context.Context, req worker.Request) (*worker.Result, error) {
	w.mu.Lock()
	w.requests = append(w.requests, req)
	call := len(w.requests)
	w.mu.Unlock()
	if w.fn == nil {
		return &worker.Result{Output: "did some work"}, nil
	}
	return w.fn(ctx, call)
}

func (w *fakeWorker) iterations() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for _, r := range w.requests {
		out = append(out, r.Iteration)
	}
	return out
}

func (w *fakeWorker) attempts() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int
	for _, r := range w.requests {
		out = append(out, r.Attempt)
	}
	return out
}

type fakeSleeper struct {
	durations []time.Duration
	err       error
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.durations = append(s.durations, d)
	return s.err
}

type countingClassifier struct {
	inner Classifier
	calls int
}

func (c *countingClassifier) Classify(output string) Classification {
	c.calls++
	return c.inner.Classify(output)
}

type fakeQuota struct {
	report *budget.QuotaReport
}

func (q *fakeQuota) Check(string, time.Time) *budget.QuotaReport {
	return q.report
}

type fakeCommitter struct {
	messages []string
	paths    [][]string
	err      error
}

func (c *fakeCommitter) CommitPaths(ctx context.Context, message string, paths ...string) (*vcs.CommitResult, error) {
	c.messages = append(c.messages, message)
	c.paths = append(c.paths, paths)
	if c.err != nil {
		return nil, c.err
	}
	return &vcs.CommitResult{Staged: paths, Committed: true}, nil
}

type fakeHistory struct {
	records []models.IterationRecord
}

func (h *fakeHistory) Record(ctx context.Context, rec models.IterationRecord) error {
	h.records = append(h.records, rec)
	return nil
}

type fakePaused struct {
	saved   []*budget.PausedRun
	cleared []string
}

func (p *fakePaused) Save(run *budget.PausedRun) error {
	p.saved = append(p.saved, run)
	return nil
}

func (p *fakePaused) ClearIdentity(identity string) (int, error) {
	p.cleared = append(p.cleared, identity)
	return 0, nil
}

type fakeArchive struct {
	reconciled []string
	err        error
}

func (a *fakeArchive) Reconcile(current string) (*archive.Result, error) {
	a.reconciled = append(a.reconciled, current)
	if a.err != nil {
		return nil, a.err
	}
	return &archive.Result{Current: current, IdentitySet: current != ""}, nil
}

func (a *fakeArchive) EnsureProgressLog() (bool, error) {
	return false, nil
}

type recordingLogger struct {
	nopLogger
	mu      sync.Mutex
	warns   []string
	summary *models.RunSummary
}

func (l *recordingLogger) LogWarn(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, message)
}

func (l *recordingLogger) LogSummary(s *models.RunSummary) {
	l.summary = s
}

type harness struct {
	tasks   *fakeTasks
	store   *markers.MemStore
	worker  *fakeWorker
	sleeper *fakeSleeper
	history *fakeHistory
	log     *recordingLogger
	cfg     Config
	deps    Deps
}

func newHarness(tasks *fakeTasks, maxIterations int) *harness {
	h := &harness{
		tasks:   tasks,
		store:   markers.NewMemStore(),
		worker:  &fakeWorker{},
		sleeper: &fakeSleeper{},
		history: &fakeHistory{},
		log:     &recordingLogger{},
	}
	h.cfg = Config{
		RunID:         "run-1",
		MaxIterations: maxIterations,
		PollInterval:  5 * time.Millisecond,
		Cutoff:        CutoffConfig{Enabled: true, Hour: DefaultCutoffHour, WindowEnd: DefaultWindowEnd},
		CommitPaths:   []string{"prd.json", "progress.txt"},
	}
	h.deps = Deps{
		Tasks:   tasks,
		Markers: markers.NewCoordinator(h.store),
		Worker:  h.worker,
		Sleeper: h.sleeper,
		History: h.history,
		Logger:  h.log,
		Now:     func() time.Time { return noon },
	}
	return h
}

func (h *harness) run(ctx context.Context, t *testing.T) *models.RunSummary {
	t.Helper()
	loop, err := NewLoop(h.cfg, h.deps)
	require.NoError(t, err)
	s := loop.Run(ctx)
	require.NotNil(t, s)
	assert.Same(t, s, h.log.summary, "summary should be logged")
	assert.Empty(t, h.store.Names(), "markers must be removed when the run ends")
	return s
}

// Three incomplete tasks and a worker that never signals anything.
func TestLoop_ScenarioA_MaxIterations(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 3), 3)

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeMaxIterations, s.Outcome)
	assert.Equal(t, 1, s.ExitCode())
	assert.Equal(t, 3, s.Iteration)
	assert.Equal(t, 3, s.Advanced)
	assert.Equal(t, 3, s.Remaining)
	assert.Equal(t, []int{1, 2, 3}, h.worker.iterations())
	assert.Empty(t, h.sleeper.durations)
	assert.Len(t, h.history.records, 3)
	assert.Error(t, s.Err)
}

// The last allowed iteration finishes the final story without signalling.
func TestLoop_LastIterationFinishesWork(t *testing.T) {
	tasks := newFakeTasks("ralph/feature", 2)
	h := newHarness(tasks, 2)
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		tasks.passNext()
		return &worker.Result{Output: "did some work"}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeAllComplete, s.Outcome)
	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t, 2, s.Iteration)
	assert.Equal(t, 0, s.Remaining)
	assert.NoError(t, s.Err)
}

// story-complete appears while the worker is still running.
func TestLoop_ScenarioB_EarlyCompletion(t *testing.T) {
	tasks := newFakeTasks("ralph/feature", 1)
	h := newHarness(tasks, 5)
	classifier := &countingClassifier{inner: NewOutputClassifier(0)}
	committer := &fakeCommitter{}
	h.deps.Classifier = classifier
	h.deps.Committer = committer

	var armed map[string]string
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		armed = map[string]string{}
		for _, name := range h.store.Names() {
			data, _ := h.store.Read(name)
			armed[name] = string(data)
		}

		tasks.passNext()
		require.NoError(t, h.store.Write(markers.StoryComplete, nil))

		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			return nil, errors.New("worker was not stopped after story-complete")
		}
		// Would be classified as a rate limit if it were looked at.
		return &worker.Result{ExitCode: -1, Interrupted: true, Output: "hit your limit"}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeAllComplete, s.Outcome)
	assert.Equal(t, 0, s.ExitCode())
	assert.Equal(t, 1, s.EarlyCompletions)
	assert.Equal(t, 1, s.Advanced)
	assert.Equal(t, 0, s.WorkerFailures)
	assert.Equal(t, 0, s.RateLimitRetries)
	assert.Equal(t, 0, classifier.calls, "early completion skips output classification")
	assert.Empty(t, h.sleeper.durations)

	assert.Equal(t, "0\n", armed[markers.PassesCount])
	assert.Contains(t, armed, markers.Active)
	assert.NotContains(t, armed, markers.StoryComplete)

	require.Len(t, committer.paths, 1)
	assert.Equal(t, []string{"prd.json", "progress.txt"}, committer.paths[0])
	assert.Equal(t, DefaultCommitMessage, committer.messages[0])

	require.Len(t, h.history.records, 1)
	assert.Equal(t, models.KindEarlyComplete, h.history.records[0].Kind)
	assert.Equal(t, 0, h.history.records[0].RemainingAfter)
}

// A rate limit without a reset time sleeps the fallback and retries the same iteration.
func TestLoop_ScenarioC_FallbackRetry(t *testing.T) {
	tasks := newFakeTasks("ralph/feature", 1)
	h := newHarness(tasks, 1)
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		if call == 1 {
			return &worker.Result{Output: "You've hit your limit"}, nil
		}
		tasks.passNext()
		return &worker.Result{Output: "done"}, nil
	}

	s := h.run(context.Background(), t)

	require.Len(t, h.sleeper.durations, 1)
	assert.Equal(t, 1800*time.Second, h.sleeper.durations[0])
	assert.Equal(t, []int{1, 1}, h.worker.iterations())
	assert.Equal(t, []int{1, 2}, h.worker.attempts())
	assert.Equal(t, models.OutcomeAllComplete, s.Outcome)
	assert.Equal(t, 1, s.RateLimitRetries)

	require.Len(t, h.history.records, 2)
	assert.Equal(t, models.KindRateLimited, h.history.records[0].Kind)
	assert.Equal(t, 1800, h.history.records[0].WaitSeconds)
	assert.Equal(t, models.KindNormal, h.history.records[1].Kind)
}

func TestLoop_RateLimitExhausted(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 3), 5)
	paused := &fakePaused{}
	h.deps.Paused = paused
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		if call == 1 {
			return &worker.Result{Output: "progress"}, nil
		}
		return &worker.Result{Output: "Error: 429 Too Many Requests"}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeRateLimitExhausted, s.Outcome)
	assert.Equal(t, 1, s.ExitCode())
	assert.Equal(t, 2, s.Iteration)
	assert.Equal(t, 3, s.RateLimitRetries)
	// Third hit aborts instead of sleeping again.
	assert.Len(t, h.sleeper.durations, 2)
	assert.Equal(t, []int{1, 2, 2, 2}, h.worker.iterations())
	assert.Equal(t, "ralph --tool claude 4", s.ResumeHint)

	require.Len(t, paused.saved, 1)
	assert.Equal(t, "run-1", paused.saved[0].RunID)
	assert.Equal(t, "ralph/feature", paused.saved[0].Identity)
	assert.Equal(t, 1, paused.saved[0].CompletedIterations)
	assert.Equal(t, 4, paused.saved[0].RemainingIterations)
	assert.Equal(t, noon.Add(budget.DefaultFallbackWait), paused.saved[0].ResumeAt)
}

func TestLoop_RetryCounterResetsOnAdvance(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 5), 3)
	// Two hits per iteration never exhaust a budget of three.
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		if call%3 != 0 {
			return &worker.Result{Output: "usage limit reached"}, nil
		}
		return &worker.Result{Output: "ok"}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeMaxIterations, s.Outcome)
	assert.Equal(t, []int{1, 1, 1, 2, 2, 2, 3, 3, 3}, h.worker.iterations())
	assert.Len(t, h.sleeper.durations, 6)
}

func TestLoop_TerminalOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(h *harness)
		outcome    models.Outcome
		exitCode   int
		invocation int
	}{
		{
			name: "completion signal",
			setup: func(h *harness) {
				h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
					return &worker.Result{Output: "<promise>COMPLETE</promise>"}, nil
				}
			},
			outcome:    models.OutcomeCompletionSignal,
			exitCode:   0,
			invocation: 1,
		},
		{
			name: "nothing left at start",
			setup: func(h *harness) {
				h.tasks.passNext()
				h.tasks.passNext()
			},
			outcome:    models.OutcomeAllComplete,
			exitCode:   0,
			invocation: 0,
		},
		{
			name: "cutoff window",
			setup: func(h *harness) {
				h.deps.Now = func() time.Time { return atHour(5) }
			},
			outcome:    models.OutcomeCutoffReached,
			exitCode:   0,
			invocation: 0,
		},
		{
			name: "cutoff disabled",
			setup: func(h *harness) {
				h.deps.Now = func() time.Time { return atHour(5) }
				h.cfg.Cutoff.Enabled = false
			},
			outcome:    models.OutcomeMaxIterations,
			exitCode:   1,
			invocation: 2,
		},
		{
			name: "quota declined",
			setup: func(h *harness) {
				h.deps.Quota = &fakeQuota{report: &budget.QuotaReport{Decision: budget.QuotaAbort, Usage: &budget.WeeklyUsageSummary{Total: 9}}}
			},
			outcome:    models.OutcomeQuotaDeclined,
			exitCode:   0,
			invocation: 0,
		},
		{
			name: "quota skipped proceeds",
			setup: func(h *harness) {
				h.deps.Quota = &fakeQuota{report: &budget.QuotaReport{Decision: budget.QuotaProceed, Skipped: true, SkipReason: "no log"}}
			},
			outcome:    models.OutcomeMaxIterations,
			exitCode:   1,
			invocation: 2,
		},
		{
			name: "unparseable task list",
			setup: func(h *harness) {
				h.tasks.err = errors.New("parse task list: task US-001 has no passes flag")
			},
			outcome:    models.OutcomeFatalError,
			exitCode:   1,
			invocation: 0,
		},
		{
			name: "archive failure",
			setup: func(h *harness) {
				h.deps.Archive = &fakeArchive{err: errors.New("disk full")}
			},
			outcome:    models.OutcomeFatalError,
			exitCode:   1,
			invocation: 0,
		},
		{
			name: "worker cannot start",
			setup: func(h *harness) {
				h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
					return nil, worker.ErrPromptMissing
				}
			},
			outcome:    models.OutcomeFatalError,
			exitCode:   1,
			invocation: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(newFakeTasks("ralph/feature", 2), 2)
			tt.setup(h)

			s := h.run(context.Background(), t)

			assert.Equal(t, tt.outcome, s.Outcome)
			assert.Equal(t, tt.exitCode, s.ExitCode())
			assert.Len(t, h.worker.requests, tt.invocation)
		})
	}
}

func TestLoop_WorkerFailureIsTrackedNotFatal(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 2), 2)
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		return &worker.Result{ExitCode: 1, Output: "panic: something broke"}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeMaxIterations, s.Outcome)
	assert.Equal(t, 2, s.WorkerFailures)
	assert.Equal(t, 2, s.Advanced)
	for _, rec := range h.history.records {
		assert.True(t, rec.WorkerFailed())
	}
}

func TestLoop_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(newFakeTasks("ralph/feature", 2), 5)
	h.worker.fn = func(wctx context.Context, call int) (*worker.Result, error) {
		cancel()
		<-wctx.Done()
		return &worker.Result{ExitCode: -1, Interrupted: true}, nil
	}

	s := h.run(ctx, t)

	assert.Equal(t, models.OutcomeInterrupted, s.Outcome)
	assert.Equal(t, 130, s.ExitCode())
	assert.ErrorIs(t, s.Err, context.Canceled)
	require.Len(t, h.history.records, 1)
	assert.Equal(t, models.KindInterrupted, h.history.records[0].Kind)
}

func TestLoop_InterruptedDuringBackoff(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 2), 5)
	h.sleeper.err = context.Canceled
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		return &worker.Result{Output: "rate limit exceeded"}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeInterrupted, s.Outcome)
	assert.Len(t, h.worker.requests, 1)
}

func TestLoop_ClearsStaleMarkers(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 0), 1)
	require.NoError(t, h.store.Write(markers.Active, []byte("2026-10-14T03:00:00Z\n")))
	require.NoError(t, h.store.Write(markers.StoryComplete, nil))

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeAllComplete, s.Outcome)
	require.NotEmpty(t, h.log.warns)
	assert.Contains(t, h.log.warns[0], "stale")
}

func TestLoop_StartupCollaborators(t *testing.T) {
	h := newHarness(newFakeTasks("ralph/feature", 1), 1)
	arch := &fakeArchive{}
	paused := &fakePaused{}
	h.deps.Archive = arch
	h.deps.Paused = paused

	h.run(context.Background(), t)

	assert.Equal(t, []string{"ralph/feature"}, arch.reconciled)
	assert.Equal(t, []string{"ralph/feature"}, paused.cleared)
}

func TestLoop_CommitNotRepositoryIsSoft(t *testing.T) {
	tasks := newFakeTasks("ralph/feature", 2)
	h := newHarness(tasks, 1)
	h.deps.Committer = &fakeCommitter{err: vcs.ErrNotRepository}
	h.worker.fn = func(ctx context.Context, call int) (*worker.Result, error) {
		_ = h.store.Write(markers.StoryComplete, nil)
		<-ctx.Done()
		return &worker.Result{ExitCode: -1, Interrupted: true}, nil
	}

	s := h.run(context.Background(), t)

	assert.Equal(t, models.OutcomeMaxIterations, s.Outcome)
	assert.Equal(t, 1, s.EarlyCompletions)
}

func TestNewLoop_Validation(t *testing.T) {
	h := newHarness(newFakeTasks("x", 1), 1)

	deps := h.deps
	deps.Worker = nil
	_, err := NewLoop(h.cfg, deps)
	assert.Error(t, err)

	cfg := h.cfg
	cfg.MaxIterations = 0
	_, err = NewLoop(cfg, h.deps)
	assert.Error(t, err)
}
