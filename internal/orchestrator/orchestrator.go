// Package orchestrator runs test cycles: one at a time, through an
// ordered set of pipeline steps, with a timeout and live snapshots for
// subscribers.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/atp/internal/amtg"
	"github.com/lucasnoah/atp/internal/bridge"
	"github.com/lucasnoah/atp/internal/coverage"
	"github.com/lucasnoah/atp/internal/cycle"
	"github.com/lucasnoah/atp/internal/metrics"
)

// Deps are the external collaborators. Nil fields get stubs.
type Deps struct {
	Runner     bridge.TestRunner
	Coverage   bridge.CoverageProvider
	Enricher   bridge.Enricher
	Discoverer bridge.Discoverer
}

// Archiver receives every finalized cycle. It is write-only: the
// orchestrator never reads cycles back.
type Archiver interface {
	Record(ctx context.Context, st cycle.State) error
}

// Snapshot is a point-in-time copy of orchestrator state.
type Snapshot struct {
	Seq         uint64         `json:"seq"`
	Active      *cycle.State   `json:"active"`
	History     []cycle.State  `json:"history"`
	LastSummary *cycle.Summary `json:"last_summary"`
	Config      cycle.Config   `json:"config"`
	Running     bool           `json:"running"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig replaces the default runtime config.
func WithConfig(cfg cycle.Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithLogger sets the process logger cycle logs are mirrored to.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDeltaOptions sets coverage classification thresholds.
func WithDeltaOptions(d coverage.DeltaOptions) Option {
	return func(o *Orchestrator) { o.deltaOpts = d }
}

// WithSelector sets the test-generation candidate policy.
func WithSelector(s *amtg.Selector) Option {
	return func(o *Orchestrator) { o.selector = s }
}

// WithGenerator sets the test suggestion generator. A nil generator
// turns test generation off.
func WithGenerator(g *amtg.Generator) Option {
	return func(o *Orchestrator) { o.generator = g }
}

// WithArchiver records finalized cycles.
func WithArchiver(a Archiver) Option {
	return func(o *Orchestrator) { o.archiver = a }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator owns the active cycle slot and the bounded history.
type Orchestrator struct {
	deps      Deps
	logger    *slog.Logger
	now       func() time.Time
	deltaOpts coverage.DeltaOptions
	selector  *amtg.Selector
	generator *amtg.Generator
	archiver  Archiver

	mu              sync.Mutex
	cfg             cycle.Config
	active          *cycle.State
	runningPipeline bool
	timer           *time.Timer
	cancelRun       context.CancelFunc
	history         []cycle.State
	lastSummary     *cycle.Summary
	waiters         map[string][]chan cycle.State
	subs            []*subscriber
	nextSubID       uint64
	seq             uint64
	closed          bool
	pending         *broadcast

	// broadcastMu serializes subscriber delivery. It is never acquired
	// while o.mu is held.
	broadcastMu  sync.Mutex
	deliveredSeq uint64

	archiveQueue *jobQueue
}

// New creates an Orchestrator and starts its archive writer. Call Close
// to release it.
func New(deps Deps, opts ...Option) *Orchestrator {
	if deps.Runner == nil {
		deps.Runner = bridge.StubRunner{}
	}
	if deps.Coverage == nil {
		deps.Coverage = bridge.StubCoverage{}
	}
	if deps.Enricher == nil {
		deps.Enricher = bridge.StubEnricher{}
	}
	if deps.Discoverer == nil {
		deps.Discoverer = bridge.StaticDiscoverer{}
	}

	o := &Orchestrator{
		deps:      deps,
		logger:    slog.Default(),
		now:       time.Now,
		deltaOpts: coverage.DefaultDeltaOptions(),
		selector:  &amtg.Selector{Policy: amtg.DefaultPolicy()},
		generator: &amtg.Generator{},
		cfg:       cycle.DefaultConfig(),
		waiters:   make(map[string][]chan cycle.State),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.archiveQueue = newJobQueue()
	go o.archiveQueue.run()
	return o
}

// StartCycle starts a cycle and returns its id, or "" when the start is
// rejected (disabled, trigger disabled, or a cycle already active).
func (o *Orchestrator) StartCycle(opts cycle.StartOptions) string {
	id, _ := o.Start(opts)
	return id
}

// Start is StartCycle with the rejection reason.
func (o *Orchestrator) Start(opts cycle.StartOptions) (string, error) {
	return o.start(opts, false)
}

// StartIfIdle starts a cycle only if nothing is running. A busy
// orchestrator returns "" without logging or counting a rejection.
func (o *Orchestrator) StartIfIdle(opts cycle.StartOptions) string {
	id, _ := o.start(opts, true)
	return id
}

func (o *Orchestrator) start(opts cycle.StartOptions, quietIfBusy bool) (string, error) {
	if opts.Trigger == "" {
		opts.Trigger = cycle.TriggerManual
	}

	o.mu.Lock()
	if quietIfBusy && o.isActiveLocked() {
		o.mu.Unlock()
		return "", ErrCycleActive
	}
	if err := o.admitLocked(opts.Trigger); err != nil {
		o.mu.Unlock()
		o.logger.Info("cycle start rejected",
			slog.String("trigger", string(opts.Trigger)),
			slog.String("reason", err.Error()))
		metrics.RejectedStarts.WithLabelValues(rejectReason(err)).Inc()
		return "", err
	}

	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = o.cfg.DefaultTimeoutMs
	}

	id := uuid.NewString()
	st := &cycle.State{
		ID:        id,
		Trigger:   opts.Trigger,
		Phase:     cycle.PhaseQueued,
		StartedAt: o.now(),
		Logs:      []cycle.LogEntry{},
		Context:   maps.Clone(opts.Context),
	}
	o.active = st
	o.runningPipeline = true

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelRun = cancel
	if timeoutMs > 0 {
		d := time.Duration(timeoutMs) * time.Millisecond
		o.timer = time.AfterFunc(d, func() { o.onTimeout(id, timeoutMs) })
	}

	o.appendLogLocked(st, cycle.LevelInfo, "cycle queued", map[string]any{
		"trigger":    string(opts.Trigger),
		"timeout_ms": timeoutMs,
	})
	metrics.ActiveCycles.Set(1)
	o.broadcastLocked()
	o.unlock()

	go o.runPipeline(ctx, id, opts)
	return id, nil
}

func (o *Orchestrator) admitLocked(t cycle.Trigger) error {
	if o.closed {
		return ErrClosed
	}
	if _, ok := cycle.ParseTrigger(string(t)); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTrigger, t)
	}
	if !o.cfg.Enabled {
		return ErrDisabled
	}
	if !o.cfg.Allows(t) {
		return fmt.Errorf("%w: %s", ErrTriggerDisabled, t)
	}
	if o.isActiveLocked() {
		return ErrCycleActive
	}
	return nil
}

// CancelActiveCycle cancels the running cycle. It is a no-op when idle.
func (o *Orchestrator) CancelActiveCycle(reason string) {
	o.mu.Lock()
	defer o.unlock()

	st := o.active
	if st == nil {
		return
	}
	if reason == "" {
		reason = "canceled by user"
	}
	now := o.now()
	o.appendLogLocked(st, cycle.LevelWarn, "cycle canceled: "+reason, nil)
	st.Phase = cycle.PhaseCanceled
	st.CanceledAt = &now
	st.ErrorMessage = "canceled: " + reason
	o.finishLocked(st)
}

// IsActive reports whether a cycle exists or its pipeline goroutine has
// not yet exited.
func (o *Orchestrator) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isActiveLocked()
}

func (o *Orchestrator) isActiveLocked() bool {
	return o.active != nil || o.runningPipeline
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Config returns a copy of the runtime config.
func (o *Orchestrator) Config() cycle.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// UpdateConfig merges patch into the live config. Changes apply to the
// next cycle; an armed timeout keeps its duration.
func (o *Orchestrator) UpdateConfig(patch cycle.ConfigPatch) cycle.Config {
	o.mu.Lock()
	defer o.unlock()
	o.cfg = patch.Apply(o.cfg)
	o.logger.Info("config updated",
		slog.Bool("enabled", o.cfg.Enabled),
		slog.Int64("default_timeout_ms", o.cfg.DefaultTimeoutMs),
		slog.Int("max_history_size", o.cfg.MaxHistorySize))
	o.broadcastLocked()
	return o.cfg
}

// ClearHistory drops retained cycles. The active cycle is unaffected.
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	defer o.unlock()
	o.history = nil
	o.broadcastLocked()
}

// LastCycleSummary returns the summary of the most recently finalized
// cycle, or nil.
func (o *Orchestrator) LastCycleSummary() *cycle.Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastSummary == nil {
		return nil
	}
	s := *o.lastSummary
	return &s
}

// Wait blocks until cycle id is finalized and returns its frozen state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (cycle.State, error) {
	o.mu.Lock()
	for _, h := range o.history {
		if h.ID == id {
			o.mu.Unlock()
			return h.Clone(), nil
		}
	}
	if o.active == nil || o.active.ID != id {
		o.mu.Unlock()
		return cycle.State{}, fmt.Errorf("%w: %s", ErrUnknownCycle, id)
	}
	ch := make(chan cycle.State, 1)
	o.waiters[id] = append(o.waiters[id], ch)
	o.mu.Unlock()

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return cycle.State{}, ctx.Err()
	}
}

// Close cancels any active cycle, rejects further starts, and waits for
// pending archive writes.
func (o *Orchestrator) Close() {
	o.CancelActiveCycle("shutdown")
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.archiveQueue.close()
}

// --- Helpers ---

func (o *Orchestrator) onTimeout(id string, timeoutMs int64) {
	o.mu.Lock()
	defer o.unlock()

	st := o.active
	if st == nil || st.ID != id {
		return
	}
	msg := fmt.Sprintf("%v after %dms", ErrCycleTimeout, timeoutMs)
	o.appendLogLocked(st, cycle.LevelError, msg, map[string]any{"timeout_ms": timeoutMs})
	st.Phase = cycle.PhaseError
	st.ErrorMessage = msg
	o.finishLocked(st)
}

// finishLocked finalizes st: the timer is stopped, a summary computed,
// and the frozen cycle moved to the front of history.
func (o *Orchestrator) finishLocked(st *cycle.State) {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}

	now := o.now()
	if st.FinishedAt == nil {
		st.FinishedAt = &now
	}
	st.DurationMs = st.FinishedAt.Sub(st.StartedAt).Milliseconds()

	sum := buildSummary(st)
	st.Metrics.Summary = &sum
	last := sum
	o.lastSummary = &last

	frozen := st.Clone()
	limit := o.cfg.MaxHistorySize
	if limit < 0 {
		limit = 0
	}
	o.history = append([]cycle.State{frozen}, o.history...)
	if len(o.history) > limit {
		o.history = o.history[:limit]
	}
	o.active = nil

	for _, ch := range o.waiters[st.ID] {
		ch <- frozen.Clone()
	}
	delete(o.waiters, st.ID)

	metrics.ActiveCycles.Set(0)
	metrics.CyclesTotal.WithLabelValues(string(st.Phase), string(st.Trigger)).Inc()
	metrics.CycleDuration.Observe(float64(st.DurationMs) / 1000)

	if o.archiver != nil {
		archived := frozen.Clone()
		o.archiveQueue.push(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.archiver.Record(ctx, archived); err != nil {
				o.logger.Warn("archive cycle failed",
					slog.String("cycle_id", archived.ID),
					slog.String("error", err.Error()))
			}
		})
	}
	o.broadcastLocked()
}

func buildSummary(st *cycle.State) cycle.Summary {
	s := cycle.Summary{
		ID:        st.ID,
		StartedAt: st.StartedAt.UnixMilli(),
		Origin:    st.Trigger,
		Phase:     st.Phase,
	}
	if st.FinishedAt != nil {
		s.FinishedAt = st.FinishedAt.UnixMilli()
	}
	m := st.Metrics
	if m.CoverageDelta != nil && m.CoverageDelta.TotalDelta != nil {
		d := *m.CoverageDelta.TotalDelta
		s.CoverageDelta = &d
	}
	if m.Tests != nil {
		s.TotalTests = m.Tests.Total
		s.FailingTests = m.Tests.Failed
	}
	s.GeneratedTests = len(m.GeneratedTests)
	s.SuggestedFixes = len(m.SuggestedFixes)
	return s
}

// appendLogLocked appends to the cycle log with a timestamp strictly after
// the previous entry, and mirrors the line to the process logger.
func (o *Orchestrator) appendLogLocked(st *cycle.State, level cycle.Level, msg string, meta map[string]any) {
	ts := o.now()
	if n := len(st.Logs); n > 0 && !ts.After(st.Logs[n-1].TS) {
		ts = st.Logs[n-1].TS.Add(time.Microsecond)
	}
	st.Logs = append(st.Logs, cycle.LogEntry{
		ID:      uuid.NewString(),
		TS:      ts,
		Level:   level,
		Message: msg,
		Meta:    meta,
	})

	attrs := make([]slog.Attr, 0, len(meta)+1)
	attrs = append(attrs, slog.String("cycle_id", st.ID))
	for k, v := range meta {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.logger.LogAttrs(context.Background(), slogLevel(level), msg, attrs...)
}

func slogLevel(l cycle.Level) slog.Level {
	switch l {
	case cycle.LevelDebug:
		return slog.LevelDebug
	case cycle.LevelWarn:
		return slog.LevelWarn
	case cycle.LevelError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	s := Snapshot{
		Seq:     o.seq,
		History: make([]cycle.State, len(o.history)),
		Config:  o.cfg,
		Running: o.runningPipeline,
	}
	if o.active != nil {
		a := o.active.Clone()
		s.Active = &a
	}
	for i, h := range o.history {
		s.History[i] = h.Clone()
	}
	if o.lastSummary != nil {
		ls := *o.lastSummary
		s.LastSummary = &ls
	}
	return s
}
