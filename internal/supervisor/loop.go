// Package supervisor runs the worker repeatedly against the task list until
// the work is done, the iteration budget is spent, or a stop condition hits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/ralph/internal/archive"
	"github.com/harrison/ralph/internal/budget"
	"github.com/harrison/ralph/internal/markers"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/tasklist"
	"github.com/harrison/ralph/internal/vcs"
	"github.com/harrison/ralph/internal/worker"
)

// DefaultCommitMessage is used for early-completion commits.
const DefaultCommitMessage = "ralph: record completed task"

// Logger receives supervisor progress.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
	LogIterationStart(ic models.IterationContext)
	LogIterationResult(rec models.IterationRecord)
	LogQuota(report *budget.QuotaReport, weeklyLimit int64)
	LogSummary(s *models.RunSummary)
}

// WorkerInvoker runs one worker invocation. A non-zero exit is a Result, an
// error means the worker could not be run at all.
type WorkerInvoker interface {
	Invoke(ctx context.Context, req worker.Request) (*worker.Result, error)
}

// Sleeper blocks for a rate-limit backoff. It returns ctx.Err() when
// interrupted.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ArchiveReconciler archives the previous run's files on identity change.
type ArchiveReconciler interface {
	Reconcile(current string) (*archive.Result, error)
	EnsureProgressLog() (bool, error)
}

// QuotaChecker is the session-start weekly usage check.
type QuotaChecker interface {
	Check(usageLogPath string, now time.Time) *budget.QuotaReport
}

// Committer commits the task list and progress log after an early completion.
type Committer interface {
	CommitPaths(ctx context.Context, message string, paths ...string) (*vcs.CommitResult, error)
}

// HistoryRecorder stores one row per invocation.
type HistoryRecorder interface {
	Record(ctx context.Context, rec models.IterationRecord) error
}

// PausedStore keeps resume hints for runs stopped by rate limits.
type PausedStore interface {
	Save(run *budget.PausedRun) error
	ClearIdentity(identity string) (int, error)
}

// Config holds the loop's tunables.
type Config struct {
	RunID         string
	MaxIterations int
	MaxAttempts   int // Rate-limit hits tolerated per iteration
	FallbackWait  time.Duration
	PollInterval  time.Duration // Early-completion poll interval
	Cutoff        CutoffConfig
	UsageLogPath  string
	WeeklyLimit   int64
	CommitMessage string
	CommitPaths   []string // Task list and progress log
	Tool          string   // Used in the resume hint
}

// Deps are the loop's collaborators. Tasks, Markers, Worker and Sleeper are
// required; the rest may be nil.
type Deps struct {
	Tasks      tasklist.Reader
	Markers    *markers.Coordinator
	Worker     WorkerInvoker
	Sleeper    Sleeper
	Classifier Classifier
	Archive    ArchiveReconciler
	Quota      QuotaChecker
	Committer  Committer
	History    HistoryRecorder
	Paused     PausedStore
	Logger     Logger
	Now        func() time.Time
}

// Loop is the supervisor state machine.
type Loop struct {
	cfg   Config
	deps  Deps
	retry *budget.RetryController
	log   Logger
}

// NewLoop validates deps and fills defaults.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("supervisor: task list reader is required")
	case deps.Markers == nil:
		return nil, errors.New("supervisor: marker coordinator is required")
	case deps.Worker == nil:
		return nil, errors.New("supervisor: worker invoker is required")
	case deps.Sleeper == nil:
		return nil, errors.New("supervisor: sleeper is required")
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("supervisor: max iterations must be positive, got %d", cfg.MaxIterations)
	}

	if cfg.FallbackWait <= 0 {
		cfg.FallbackWait = budget.DefaultFallbackWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = markers.DefaultPollInterval
	}
	if cfg.CommitMessage == "" {
		cfg.CommitMessage = DefaultCommitMessage
	}
	if cfg.Tool == "" {
		cfg.Tool = worker.ToolClaude
	}
	if deps.Classifier == nil {
		deps.Classifier = NewOutputClassifier(cfg.FallbackWait)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	log := deps.Logger
	if log == nil {
		log = nopLogger{}
	}

	return &Loop{
		cfg:   cfg,
		deps:  deps,
		retry: budget.NewRetryController(cfg.MaxAttempts),
		log:   log,
	}, nil
}

// Run drives iterations until a terminal outcome. Markers are removed on
// every return path. The summary is logged before returning.
func (l *Loop) Run(ctx context.Context) *models.RunSummary {
	started := l.deps.Now()
	s := &models.RunSummary{
		RunID:         l.cfg.RunID,
		MaxIterations: l.cfg.MaxIterations,
		StartedAt:     started,
		Remaining:     -1,
	}
	defer func() {
		s.Duration = l.deps.Now().Sub(started)
		l.log.LogSummary(s)
	}()
	defer l.disarm()

	if cleared, err := l.deps.Markers.ClearStale(); err != nil {
		l.log.LogWarn(fmt.Sprintf("Failed to clear stale markers: %v", err))
	} else if cleared {
		l.log.LogWarn("Found an active marker from a previous run; it was stale and has been cleared")
	}

	list, err := l.deps.Tasks.Read()
	if err != nil {
		return finish(s, models.OutcomeFatalError, fmt.Errorf("read task list: %w", err))
	}
	s.Identity = list.BranchName
	s.Remaining = list.RemainingCount()

	if err := l.reconcileArchive(list.BranchName); err != nil {
		return finish(s, models.OutcomeFatalError, err)
	}

	if l.deps.Quota != nil {
		report := l.deps.Quota.Check(l.cfg.UsageLogPath, l.deps.Now())
		l.log.LogQuota(report, l.cfg.WeeklyLimit)
		if report.Decision == budget.QuotaAbort {
			return finish(s, models.OutcomeQuotaDeclined, nil)
		}
	}

	if l.deps.Paused != nil && list.BranchName != "" {
		if n, err := l.deps.Paused.ClearIdentity(list.BranchName); err != nil {
			l.log.LogWarn(fmt.Sprintf("Failed to clear paused runs: %v", err))
		} else if n > 0 {
			l.log.LogInfo(fmt.Sprintf("Cleared %d paused run(s) for %s", n, list.BranchName))
		}
	}

	return l.iterate(ctx, s)
}

func (l *Loop) reconcileArchive(identity string) error {
	if l.deps.Archive == nil {
		return nil
	}
	res, err := l.deps.Archive.Reconcile(identity)
	if err != nil {
		return fmt.Errorf("archive previous run: %w", err)
	}
	if res.ArchivedTo != "" {
		l.log.LogInfo(fmt.Sprintf("Run identity changed from %q to %q; archived %d file(s) to %s",
			res.Previous, res.Current, len(res.Copied), res.ArchivedTo))
	}
	created, err := l.deps.Archive.EnsureProgressLog()
	if err != nil {
		return fmt.Errorf("create progress log: %w", err)
	}
	if created {
		l.log.LogDebug("Created progress log")
	}
	return nil
}

func (l *Loop) iterate(ctx context.Context, s *models.RunSummary) *models.RunSummary {
	n := 1
	for n <= l.cfg.MaxIterations {
		if ctx.Err() != nil {
			return finish(s, models.OutcomeInterrupted, ctx.Err())
		}

		if l.cfg.Cutoff.halt(l.deps.Now()) {
			l.log.LogInfo(fmt.Sprintf("Cutoff window reached (%02d:00-%02d:00); not starting iteration %d",
				l.cfg.Cutoff.Hour, l.windowEnd(), n))
			return finish(s, models.OutcomeCutoffReached, nil)
		}

		list, err := l.deps.Tasks.Read()
		if err != nil {
			return finish(s, models.OutcomeFatalError, fmt.Errorf("read task list: %w", err))
		}
		remaining := list.RemainingCount()
		s.Remaining = remaining
		if remaining == 0 {
			return finish(s, models.OutcomeAllComplete, nil)
		}

		s.Iteration = n
		ic := models.IterationContext{
			RunID:          l.cfg.RunID,
			Iteration:      n,
			MaxIterations:  l.cfg.MaxIterations,
			Attempt:        l.retry.Attempts() + 1,
			PassesSnapshot: list.CompletedCount(),
			Remaining:      remaining,
		}

		next, err := l.runIteration(ctx, ic, s)
		switch next {
		case stepAdvance:
			l.retry.Reset()
			s.Advanced++
			n++
		case stepRetry:
		default:
			return finish(s, next.outcome(), err)
		}
	}

	// Work may have finished during the last iteration.
	if list, err := l.deps.Tasks.Read(); err == nil {
		s.Remaining = list.RemainingCount()
		if s.Remaining == 0 {
			return finish(s, models.OutcomeAllComplete, nil)
		}
	}
	return finish(s, models.OutcomeMaxIterations,
		fmt.Errorf("max iterations (%d) reached with %d task(s) remaining", l.cfg.MaxIterations, s.Remaining))
}

// step is what the loop does after one invocation.
type step int

const (
	stepAdvance step = iota
	stepRetry
	stepCompleted
	stepRateLimitAbort
	stepInterrupted
	stepFatal
)

func (s step) outcome() models.Outcome {
	switch s {
	case stepCompleted:
		return models.OutcomeCompletionSignal
	case stepRateLimitAbort:
		return models.OutcomeRateLimitExhausted
	case stepInterrupted:
		return models.OutcomeInterrupted
	default:
		return models.OutcomeFatalError
	}
}

// runIteration arms the markers, runs one invocation and classifies it.
func (l *Loop) runIteration(ctx context.Context, ic models.IterationContext, s *models.RunSummary) (step, error) {
	if err := l.deps.Markers.Arm(ic.PassesSnapshot); err != nil {
		l.log.LogWarn(fmt.Sprintf("Failed to arm markers, early completion detection is off for this iteration: %v", err))
	}
	l.log.LogIterationStart(ic)

	rec := models.IterationRecord{
		RunID:           ic.RunID,
		Iteration:       ic.Iteration,
		Attempt:         ic.Attempt,
		StartedAt:       l.deps.Now(),
		Kind:            models.KindNormal,
		RemainingBefore: ic.Remaining,
		RemainingAfter:  -1,
	}

	workCtx, stop := l.deps.Markers.WithEarlyCompletion(ctx, l.cfg.PollInterval)
	res, err := l.deps.Worker.Invoke(workCtx, worker.Request{
		Iteration: ic.Iteration,
		Attempt:   ic.Attempt,
		RunID:     ic.RunID,
	})
	stop()
	early := l.deps.Markers.PollEarlyCompletion()
	l.disarm()

	rec.Duration = l.deps.Now().Sub(rec.StartedAt)
	if res != nil {
		rec.ExitCode = res.ExitCode
		rec.LogPath = res.LogPath
		if res.Duration > 0 {
			rec.Duration = res.Duration
		}
	}

	if ctx.Err() != nil {
		rec.Kind = models.KindInterrupted
		l.finishRecord(ctx, &rec)
		return stepInterrupted, ctx.Err()
	}
	if err != nil {
		return stepFatal, fmt.Errorf("invoke worker: %w", err)
	}

	if early {
		rec.Kind = models.KindEarlyComplete
		s.EarlyCompletions++
		l.log.LogInfo(fmt.Sprintf("Iteration %d: story-complete marker seen, advancing", ic.Iteration))
		l.commit(ctx)
		l.finishRecord(ctx, &rec)
		return stepAdvance, nil
	}

	if res.ExitCode != 0 {
		s.WorkerFailures++
	}

	c := l.deps.Classifier.Classify(res.Output)
	switch c.Kind {
	case Completed:
		rec.Kind = models.KindCompleted
		l.finishRecord(ctx, &rec)
		return stepCompleted, nil

	case RateLimited:
		rec.Kind = models.KindRateLimited
		s.RateLimitRetries++
		decision := l.retry.OnRateLimit(c.RateLimit)
		if decision.Action == budget.AbortRun {
			l.finishRecord(ctx, &rec)
			l.pause(s, ic, c.RateLimit)
			return stepRateLimitAbort, fmt.Errorf("rate limited %d times on iteration %d", decision.Attempt, ic.Iteration)
		}

		rec.WaitSeconds = int(decision.Wait / time.Second)
		l.finishRecord(ctx, &rec)
		l.log.LogWarn(fmt.Sprintf("Rate limited (%q), attempt %d/%d; waiting %s (%s) before retrying iteration %d",
			c.RawMatch, decision.Attempt, decision.Max, decision.Wait, waitSource(c.RateLimit), ic.Iteration))
		if err := l.deps.Sleeper.Sleep(ctx, decision.Wait); err != nil {
			return stepInterrupted, err
		}
		return stepRetry, nil

	default:
		l.finishRecord(ctx, &rec)
		return stepAdvance, nil
	}
}

// finishRecord re-reads the task list, then logs and stores the record.
func (l *Loop) finishRecord(ctx context.Context, rec *models.IterationRecord) {
	if list, err := l.deps.Tasks.Read(); err == nil {
		rec.RemainingAfter = list.RemainingCount()
	}
	l.log.LogIterationResult(*rec)

	if l.deps.History == nil {
		return
	}
	// The run context may already be cancelled; history is still written.
	if err := l.deps.History.Record(context.WithoutCancel(ctx), *rec); err != nil {
		l.log.LogWarn(fmt.Sprintf("Failed to record iteration history: %v", err))
	}
}

func (l *Loop) commit(ctx context.Context) {
	if l.deps.Committer == nil || len(l.cfg.CommitPaths) == 0 {
		return
	}
	res, err := l.deps.Committer.CommitPaths(ctx, l.cfg.CommitMessage, l.cfg.CommitPaths...)
	switch {
	case errors.Is(err, vcs.ErrNotRepository):
		l.log.LogDebug("Not a git repository; skipping commit")
	case err != nil:
		l.log.LogWarn(fmt.Sprintf("Commit after early completion failed: %v", err))
	case res.Committed:
		l.log.LogInfo(fmt.Sprintf("Committed %d path(s)", len(res.Staged)))
	default:
		l.log.LogDebug("Nothing to commit")
	}
}

// pause saves a resume hint once rate-limit retries are exhausted.
func (l *Loop) pause(s *models.RunSummary, ic models.IterationContext, info *budget.RateLimitInfo) {
	completed := ic.Iteration - 1
	left := l.cfg.MaxIterations - completed
	s.ResumeHint = fmt.Sprintf("ralph --tool %s %d", l.cfg.Tool, left)

	if l.deps.Paused == nil || l.cfg.RunID == "" {
		return
	}
	now := l.deps.Now()
	run := &budget.PausedRun{
		RunID:               l.cfg.RunID,
		Identity:            s.Identity,
		CompletedIterations: completed,
		RemainingIterations: left,
		ResumeCommand:       s.ResumeHint,
		PausedAt:            now,
		ResumeAt:            now.Add(l.cfg.FallbackWait),
		Status:              budget.StatusPaused,
	}
	if info != nil && !info.ResetAt.IsZero() {
		run.ResumeAt = info.ResetAt
	}
	if err := l.deps.Paused.Save(run); err != nil {
		l.log.LogWarn(fmt.Sprintf("Failed to save paused run: %v", err))
	}
}

func (l *Loop) disarm() {
	if err := l.deps.Markers.Disarm(); err != nil {
		l.log.LogWarn(fmt.Sprintf("Failed to remove markers: %v", err))
	}
}

func (l *Loop) windowEnd() int {
	if l.cfg.Cutoff.WindowEnd == 0 {
		return DefaultWindowEnd
	}
	return l.cfg.Cutoff.WindowEnd
}

func waitSource(info *budget.RateLimitInfo) string {
	if info == nil || !info.Parsed() {
		return "fallback"
	}
	return "reset at " + info.ResetAt.Format(time.Kitchen+" MST")
}

func finish(s *models.RunSummary, outcome models.Outcome, err error) *models.RunSummary {
	s.Outcome = outcome
	s.Err = err
	return s
}

type nopLogger struct{}

func (nopLogger) LogDebug(string) {}
func (nopLogger) LogInfo(string) {}
func (nopLogger) LogWarn(string) {}
func (nopLogger) LogError(string) {}
func (nopLogger) LogIterationStart(models.IterationContext) {}
func (nopLogger) LogIterationResult(models.IterationRecord) {}
func (nopLogger) LogQuota(*budget.QuotaReport, int64) {}
func (nopLogger) LogSummary(*models.RunSummary) {}
