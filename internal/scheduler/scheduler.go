// Package scheduler runs deferred commands after a debounce window,
// coalescing duplicates and never running one identity twice at once.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/hotpatch/internal/events"
	"github.com/mattjoyce/hotpatch/internal/log"
	"github.com/mattjoyce/hotpatch/internal/metrics"
	"github.com/mattjoyce/hotpatch/internal/unit"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultDebounce     = 100 * time.Millisecond
	defaultPruneEvery   = time.Minute
)

// Config tunes the scheduler. Zero values take the defaults.
type Config struct {
	TickInterval time.Duration
	Debounce     time.Duration
	// MaxWorkers bounds concurrent executions; 0 means unbounded.
	MaxWorkers int
	// Retention is how long the Recorder keeps results; 0 disables pruning.
	Retention  time.Duration
	PruneEvery time.Duration
}

type entry struct {
	cmd      Command
	deadline time.Time
	merged   int
}

// Scheduler manages debounced command execution.
type Scheduler struct {
	cfg       Config
	logger    *slog.Logger
	events    events.Publisher
	metrics   *metrics.Metrics
	recorder  Recorder
	resolver  UnitResolver
	listeners []ResultListener
	sem       *semaphore.Weighted

	mu        sync.Mutex
	scheduled map[Key]*entry
	running   map[Key]struct{}
	lastPrune time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopWG    sync.WaitGroup
	execWG    sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l.With("component", "scheduler") }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithResolver makes commands for disposed units no-ops.
func WithResolver(r UnitResolver) Option {
	return func(s *Scheduler) { s.resolver = r }
}

func WithListener(fn ResultListener) Option {
	return func(s *Scheduler) { s.listeners = append(s.listeners, fn) }
}

// New creates a Scheduler. Call Start to begin executing.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = defaultPruneEvery
	}
	s := &Scheduler{
		cfg:       cfg,
		logger:    log.WithComponent("scheduler"),
		scheduled: make(map[Key]*entry),
		running:   make(map[Key]struct{}),
		stopCh:    make(chan struct{}),
	}
	if cfg.MaxWorkers > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxWorkers))
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.logger.Info("Starting scheduler", "tick", s.cfg.TickInterval, "debounce", s.cfg.Debounce, "max_workers", s.cfg.MaxWorkers)
		s.loopWG.Add(1)
		go s.tickLoop(ctx)
	})
}

// Stop halts the loop and waits for in-flight executions. Entries still
// waiting for their deadline are dropped.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		close(s.stopCh)
	})
	s.loopWG.Wait()
	s.execWG.Wait()
	s.logger.Info("Scheduler stopped", "dropped", s.Pending())
}

// Submit schedules cmd after the default debounce window.
func (s *Scheduler) Submit(cmd Command) bool {
	return s.SubmitAfter(cmd, s.cfg.Debounce)
}

// SubmitAfter schedules cmd to run once d has passed without a duplicate.
// A duplicate restarts the window and, if it implements Merger, absorbs the
// scheduled payload. It reports whether cmd was coalesced into an entry.
func (s *Scheduler) SubmitAfter(cmd Command, d time.Duration) bool {
	if cmd == nil {
		s.logger.Warn("Ignoring nil command")
		return false
	}
	if d < 0 {
		d = 0
	}
	key := cmd.Key()
	deadline := time.Now().Add(d)

	s.mu.Lock()
	e, exists := s.scheduled[key]
	if exists {
		if m, ok := cmd.(Merger); ok {
			e.cmd = m.Merge(e.cmd)
		} else {
			e.cmd = cmd
		}
		e.deadline = deadline
		e.merged++
	} else {
		s.scheduled[key] = &entry{cmd: cmd, deadline: deadline}
	}
	s.reportLocked()
	s.mu.Unlock()

	s.metrics.RecordSubmit(key.Action, exists)
	if exists {
		s.logger.Debug("Command merged", "key", key.String(), "deadline", deadline)
		s.publish(events.CommandMerged, key, nil)
	} else {
		s.logger.Debug("Command scheduled", "key", key.String(), "deadline", deadline)
		s.publish(events.CommandScheduled, key, nil)
	}
	return exists
}

// Pending returns the number of scheduled entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// Running returns the number of identities currently executing.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// IsRunning reports whether key is executing.
func (s *Scheduler) IsRunning(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[key]
	return ok
}

// EntryInfo is a read-only view of a scheduled or running identity.
type EntryInfo struct {
	Key      Key       `json:"key"`
	Deadline time.Time `json:"deadline,omitzero"`
	Merged   int       `json:"merged"`
	Running  bool      `json:"running"`
}

// Snapshot lists running identities followed by scheduled entries by deadline.
func (s *Scheduler) Snapshot() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.running)+len(s.scheduled))
	for k := range s.running {
		out = append(out, EntryInfo{Key: k, Running: true})
	}
	n := len(out)
	for k, e := range s.scheduled {
		out = append(out, EntryInfo{Key: k, Deadline: e.deadline, Merged: e.merged})
	}
	s.mu.Unlock()

	sort.Slice(out[:n], func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	rest := out[n:]
	sort.Slice(rest, func(i, j int) bool { return rest[i].Deadline.Before(rest[j].Deadline) })
	return out
}

// tickLoop is the main scheduling loop.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Scheduler context cancelled, stopping tick loop")
			return
		}
	}
}

// tick launches every due entry whose identity is idle.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due, skipped []*entry
	for key, e := range s.scheduled {
		if now.Before(e.deadline) {
			continue
		}
		if _, busy := s.running[key]; busy {
			continue
		}
		delete(s.scheduled, key)
		if !s.alive(e.cmd) {
			skipped = append(skipped, e)
			continue
		}
		s.running[key] = struct{}{}
		due = append(due, e)
	}
	s.reportLocked()
	s.mu.Unlock()

	for _, e := range skipped {
		s.skip(ctx, e)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, e := range due {
		s.execWG.Add(1)
		go s.execute(ctx, e)
	}

	s.maybePrune(ctx, now)
}

func (s *Scheduler) alive(cmd Command) bool {
	if b, ok := cmd.(UnitBound); ok {
		if u := b.Unit(); u != nil {
			return !u.Disposed()
		}
	}
	key := cmd.Key()
	if key.Unit == "" || s.resolver == nil {
		return true
	}
	return s.resolver.Alive(key.Unit)
}

func (s *Scheduler) skip(ctx context.Context, e *entry) {
	key := e.cmd.Key()
	s.logger.Debug("Skipping command for disposed unit", "key", key.String())
	s.publish(events.CommandSkipped, key, map[string]any{"reason": "unit disposed"})
	now := time.Now()
	s.finish(ctx, Result{Key: key, Merged: e.merged, Skipped: true, Started: now, Finished: now})
}

// execute runs one entry off the loop goroutine and releases its identity.
func (s *Scheduler) execute(ctx context.Context, e *entry) {
	defer s.execWG.Done()
	key := e.cmd.Key()

	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.release(key)
			now := time.Now()
			s.finish(ctx, Result{Key: key, Err: &CommandError{Key: key, Err: err}, Merged: e.merged, Started: now, Finished: now})
			return
		}
		defer s.sem.Release(1)
	}

	s.publish(events.CommandStarted, key, map[string]any{"merged": e.merged})
	started := time.Now()
	value, err := s.run(ctx, e.cmd)
	finished := time.Now()
	s.release(key)

	s.metrics.RecordExecution(key.Action, finished.Sub(started), err)
	s.finish(ctx, Result{Key: key, Value: value, Err: err, Merged: e.merged, Started: started, Finished: finished})
}

func (s *Scheduler) run(ctx context.Context, cmd Command) (value any, err error) {
	key := cmd.Key()
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &CommandError{Key: key, Panic: r, Err: errors.New("panic")}
		}
	}()
	value, err = cmd.Execute(ctx)
	if err != nil {
		var cerr *CommandError
		if !errors.As(err, &cerr) {
			err = &CommandError{Key: key, Err: err}
		}
	}
	return value, err
}

func (s *Scheduler) release(key Key) {
	s.mu.Lock()
	delete(s.running, key)
	s.reportLocked()
	s.mu.Unlock()
}

func (s *Scheduler) finish(ctx context.Context, r Result) {
	if !r.Skipped {
		if r.Err != nil {
			s.logger.Error("Command failed", "key", r.Key.String(), "merged", r.Merged, "error", r.Err)
			s.publish(events.CommandFailed, r.Key, map[string]any{"error": r.Err.Error(), "duration_ms": r.Finished.Sub(r.Started).Milliseconds()})
		} else {
			s.logger.Debug("Command completed", "key", r.Key.String(), "merged", r.Merged, "duration", r.Finished.Sub(r.Started))
			s.publish(events.CommandCompleted, r.Key, map[string]any{"duration_ms": r.Finished.Sub(r.Started).Milliseconds()})
		}
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, r); err != nil {
			s.logger.Warn("Failed to record command result", "key", r.Key.String(), "error", err)
		}
	}
	for _, fn := range s.listeners {
		s.notify(fn, r)
	}
}

func (s *Scheduler) notify(fn ResultListener, r Result) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Result listener panicked", "key", r.Key.String(), "panic", p)
		}
	}()
	fn(r)
}

func (s *Scheduler) maybePrune(ctx context.Context, now time.Time) {
	if s.recorder == nil || s.cfg.Retention <= 0 {
		return
	}
	s.mu.Lock()
	if now.Sub(s.lastPrune) < s.cfg.PruneEvery {
		s.mu.Unlock()
		return
	}
	s.lastPrune = now
	s.mu.Unlock()

	if err := s.recorder.Prune(ctx, s.cfg.Retention); err != nil {
		s.logger.Error("Failed to prune command journal", "error", err)
	}
}

func (s *Scheduler) publish(topic string, key Key, extra map[string]any) {
	if s.events == nil {
		return
	}
	data := map[string]any{
		"action":  key.Action,
		"unit":    key.Unit,
		"subject": key.Subject,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.events.Publish(topic, data)
}

func (s *Scheduler) reportLocked() {
	s.metrics.SetSchedulerDepth(len(s.scheduled), len(s.running))
}

var _ UnitResolver = (*unit.Table)(nil)
