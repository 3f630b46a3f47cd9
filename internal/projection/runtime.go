package projection

import (
	"context"
	"log/slog"
	"time"
)

// Task is the work a Runtime drives: rebuild or incrementally apply a
// projection's pending events. Implementations own their own bootstrap,
// apply_event, and reset lifecycle; the runtime only decides when to
// call Tick.
type Task interface {
	// Tick applies any newly committed events since the last call.
	Tick(ctx context.Context) error
	// Name identifies the projection for logging and soft-budget warnings.
	Name() string
}

// Runtime drives a projection Task on both reactive (ChangeSource) and
// periodic-fallback triggers, structured like the teacher's
// runEventDrivenLoop: one big select over a change-notification channel,
// a polling ticker that covers missed notifications (e.g. on network
// filesystems fsnotify can't see), and context cancellation — all logged
// through a single threaded *slog.Logger rather than a package-global one.
type Runtime struct {
	task         Task
	source       ChangeSource
	pollInterval time.Duration
	softBudget   time.Duration
	log          *slog.Logger
	onSoftBudget func(projection string, elapsed time.Duration)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithPollInterval overrides the periodic fallback tick interval
// (default 30s).
func WithPollInterval(d time.Duration) Option {
	return func(r *Runtime) { r.pollInterval = d }
}

// WithSoftBudget overrides the soft per-tick time budget (default 100ms)
// whose breach invokes the warning callback rather than aborting the tick.
func WithSoftBudget(d time.Duration) Option {
	return func(r *Runtime) { r.softBudget = d }
}

// WithSoftBudgetWarning sets the callback invoked when a tick exceeds the
// soft time budget.
func WithSoftBudgetWarning(fn func(projection string, elapsed time.Duration)) Option {
	return func(r *Runtime) { r.onSoftBudget = fn }
}

// NewRuntime wires a Task to its change source with the teacher's
// daemon-loop defaults: a 30s poll fallback and a 100ms soft tick budget.
func NewRuntime(task Task, source ChangeSource, log *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		task:         task,
		source:       source,
		pollInterval: 30 * time.Second,
		softBudget:   100 * time.Millisecond,
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives the projection until ctx is canceled, coalescing reactive
// and periodic triggers through a single TaskRunner so overlapping
// triggers never run concurrent ticks.
func (r *Runtime) Run(ctx context.Context) {
	changes, unsubscribe := r.source.Subscribe("events")
	defer unsubscribe()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	runner := NewTaskRunner(func() {
		start := time.Now()
		if err := r.task.Tick(ctx); err != nil {
			r.log.Error("projection tick failed", "projection", r.task.Name(), "err", err)
		}
		if elapsed := time.Since(start); elapsed > r.softBudget {
			r.log.Warn("projection tick exceeded soft budget",
				"projection", r.task.Name(), "elapsed", elapsed, "budget", r.softBudget)
			if r.onSoftBudget != nil {
				r.onSoftBudget(r.task.Name(), elapsed)
			}
		}
	})

	// Run once at startup to catch up on anything committed before this
	// runtime started watching.
	runner.Run()

	for {
		select {
		case <-ctx.Done():
			runner.Wait()
			return
		case <-changes:
			runner.Run()
		case <-ticker.C:
			runner.Run()
		}
	}
}
