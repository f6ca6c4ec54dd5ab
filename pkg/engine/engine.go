package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/polisai/polis-flow/pkg/classify"
	"github.com/polisai/polis-flow/pkg/correlate"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

const (
	// DefaultGracePeriod is how long a buffer waits for stragglers after its
	// terminal record arrived.
	DefaultGracePeriod = 750 * time.Millisecond
	// DefaultSafetyTimeout flushes buffers that never see a terminal record.
	DefaultSafetyTimeout = 30 * time.Second
	// DefaultQueueSize bounds the engine's event queue.
	DefaultQueueSize = 1024
)

// Publisher receives assembled transactions and progress notices. It is
// called from the engine loop and must not block.
type Publisher interface {
	PublishTransaction(tx domain.Transaction)
	PublishProgress(p domain.Progress)
}

// Options configure an Engine.
type Options struct {
	Registry      *classify.Registry
	Publisher     Publisher
	Clock         clockwork.Clock
	GracePeriod   time.Duration
	SafetyTimeout time.Duration
	DedupLimit    int
	AsyncCapacity int
	QueueSize     int
	Metrics       *telemetry.Metrics
	Redactor      *telemetry.Redactor
	Logger        *slog.Logger
	// NewID generates transaction ids. Defaults to uuid.NewString.
	NewID func() string
}

// Settings are the parts of the configuration that can change while the
// engine runs. Zero durations keep the current value.
type Settings struct {
	Registry      *classify.Registry
	GracePeriod   time.Duration
	SafetyTimeout time.Duration
}

// Stats is a snapshot of the engine's open state.
type Stats struct {
	Buffers        int
	AsyncEntries   int
	Seen           int
	DedupEvictions int
}

// Engine correlates records into transactions. All correlation state is
// owned by the goroutine running Run; other goroutines only post events.
type Engine struct {
	clock     clockwork.Clock
	publisher Publisher
	metrics   *telemetry.Metrics
	redactor  *telemetry.Redactor
	logger    *slog.Logger
	newID     func() string

	events  chan event
	stopped chan struct{}

	// Loop-owned state.
	registry   *classify.Registry
	grace      time.Duration
	safety     time.Duration
	seen       *correlate.RecencySet
	async      *correlate.Table
	buffers    map[string]*Buffer
	orphans    map[string]*orphan
	sequence   uint64
	generation uint64
}

// orphan is an async entry waiting for a buffer that may never open.
type orphan struct {
	generation uint64
	timer      clockwork.Timer
}

type event interface{ isEvent() }

type recordEvent struct {
	rec  *domain.Record
	done chan struct{}
}

type flushEvent struct {
	causalID   string
	generation uint64
	graceToken uint64
	reason     domain.FlushReason
}

type orphanEvent struct {
	causalID   string
	generation uint64
}

type settingsEvent struct {
	settings Settings
}

type statsEvent struct {
	reply chan Stats
}

type drainEvent struct {
	done chan struct{}
}

func (recordEvent) isEvent()   {}
func (flushEvent) isEvent()    {}
func (orphanEvent) isEvent()   {}
func (settingsEvent) isEvent() {}
func (statsEvent) isEvent()    {}
func (drainEvent) isEvent()    {}

// New creates an engine. Run must be called to start processing.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if opts.Publisher == nil {
		return nil, errors.New("engine: publisher is required")
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	safety := opts.SafetyTimeout
	if safety <= 0 {
		safety = DefaultSafetyTimeout
	}
	if safety < grace {
		return nil, fmt.Errorf("engine: safety timeout %s is shorter than grace period %s", safety, grace)
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	e := &Engine{
		clock:     clock,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		redactor:  opts.Redactor,
		logger:    logger.With("component", "engine"),
		newID:     newID,
		events:    make(chan event, queue),
		stopped:   make(chan struct{}),
		registry:  opts.Registry,
		grace:     grace,
		safety:    safety,
		seen:      correlate.NewRecencySet(opts.DedupLimit),
		buffers:   make(map[string]*Buffer),
		orphans:   make(map[string]*orphan),
	}
	e.async = correlate.NewTable(opts.AsyncCapacity, func(causalID string) bool {
		_, open := e.buffers[causalID]
		return open
	})
	return e, nil
}

// Run processes events until ctx is cancelled, then flushes every open
// buffer with reason shutdown.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.logger.Info("engine started",
		"grace_period", e.grace,
		"safety_timeout", e.safety,
		"dedup_limit", e.seen.Limit(),
	)

	for {
		select {
		case <-ctx.Done():
			e.flushAll(context.WithoutCancel(ctx), domain.FlushShutdown)
			e.logger.Info("engine stopped")
			return nil
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

// Submit enqueues a record. It blocks only while the event queue is full.
func (e *Engine) Submit(ctx context.Context, rec *domain.Record) error {
	return e.post(ctx, recordEvent{rec: rec})
}

// Process enqueues a record and waits until the loop has handled it.
func (e *Engine) Process(ctx context.Context, rec *domain.Record) error {
	done := make(chan struct{})
	if err := e.post(ctx, recordEvent{rec: rec, done: done}); err != nil {
		return err
	}
	return e.wait(ctx, done)
}

// Reconfigure swaps the classifier registry and flush timings. New timings
// apply to timers armed afterwards.
func (e *Engine) Reconfigure(ctx context.Context, s Settings) error {
	return e.post(ctx, settingsEvent{settings: s})
}

// Drain flushes every open buffer and orphaned async entry and waits for the
// resulting transactions to be published.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.post(ctx, drainEvent{done: done}); err != nil {
		return err
	}
	return e.wait(ctx, done)
}

// Stats returns a snapshot of the loop-owned state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := e.post(ctx, statsEvent{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	case <-e.stopped:
		return Stats{}, domain.ErrEngineStopped
	}
}

func (e *Engine) post(ctx context.Context, ev event) error {
	select {
	case <-e.stopped:
		return domain.ErrEngineStopped
	default:
	}

	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return domain.ErrEngineStopped
	}
}

func (e *Engine) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return domain.ErrEngineStopped
	}
}

// postTimer is used by timer callbacks, which run outside the loop.
func (e *Engine) postTimer(ev event) {
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case recordEvent:
		e.handleRecord(ctx, ev.rec)
		if ev.done != nil {
			close(ev.done)
		}
	case flushEvent:
		e.handleFlush(ctx, ev)
	case orphanEvent:
		e.handleOrphan(ctx, ev)
	case settingsEvent:
		e.applySettings(ev.settings)
	case statsEvent:
		ev.reply <- Stats{
			Buffers:        len(e.buffers),
			AsyncEntries:   e.async.Len(),
			Seen:           e.seen.Len(),
			DedupEvictions: e.seen.Evictions(),
		}
	case drainEvent:
		e.flushAll(ctx, domain.FlushShutdown)
		close(ev.done)
	}
}

func (e *Engine) handleRecord(ctx context.Context, rec *domain.Record) {
	e.sequence++
	rec.Sequence = e.sequence
	rec.ReceivedAt = e.clock.Now()

	evictions := e.seen.Evictions()
	if !e.seen.Add(rec.ID) {
		e.metrics.RecordDropped(telemetry.DropDuplicate)
		e.logger.Debug("duplicate record dropped", "record_id", rec.ID)
		return
	}
	if n := e.seen.Evictions() - evictions; n > 0 {
		e.metrics.RecordEviction("dedup", n)
	}

	key := rec.CorrelationKey()
	if rec.IsAsync() {
		e.handleAsync(key, rec)
		return
	}

	if e.registry.IsNoise(rec) {
		e.metrics.RecordDropped(telemetry.DropNoise)
		e.logger.Debug("noise record dropped",
			"record_id", rec.ID,
			"path", rec.Path,
			"status", rec.Status,
		)
		return
	}

	buf := e.buffers[key]
	if buf == nil {
		buf = e.open(key)
	}

	if e.registry.IsTerminal(rec) {
		if prev := buf.Terminal; prev != nil {
			buf.Inner = append(buf.Inner, Entry{Record: prev, Result: e.registry.RetriedTerminal(ctx, prev)})
			e.logger.Debug("terminal record superseded by retry",
				"causal_id", key,
				"record_id", prev.ID,
			)
		}
		buf.Terminal = rec
		e.armGrace(buf)
		e.metrics.RecordClassification(string(classify.FamilyTerminal))
	} else {
		res := e.registry.Classify(ctx, rec)
		buf.Inner = append(buf.Inner, Entry{Record: rec, Result: res})
		e.metrics.RecordClassification(string(res.Family))
		e.logger.Debug("record classified",
			"causal_id", key,
			"record_id", rec.ID,
			"family", res.Family,
			"route", res.Route,
		)
	}

	e.publisher.PublishProgress(domain.Progress{CausalID: key, Pending: buf.Size()})
	e.metrics.SetOpen(len(e.buffers), e.async.Len())
}

func (e *Engine) handleAsync(key string, rec *domain.Record) {
	evicted := e.async.Record(key, rec.AsyncDirection(), classify.AsyncHalf(rec))
	for _, id := range evicted {
		if o := e.orphans[id]; o != nil {
			o.timer.Stop()
			delete(e.orphans, id)
		}
	}
	if len(evicted) > 0 {
		e.metrics.RecordEviction("async", len(evicted))
		e.logger.Warn("async table over capacity, oldest entries evicted", "evicted", len(evicted))
	}

	if buf := e.buffers[key]; buf != nil {
		e.publisher.PublishProgress(domain.Progress{CausalID: key, Pending: buf.Size()})
	} else if _, armed := e.orphans[key]; !armed {
		e.generation++
		gen := e.generation
		e.orphans[key] = &orphan{
			generation: gen,
			timer: e.clock.AfterFunc(e.safety, func() {
				e.postTimer(orphanEvent{causalID: key, generation: gen})
			}),
		}
	}
	e.metrics.SetOpen(len(e.buffers), e.async.Len())
}

// open starts a new accumulation cycle and arms its safety timer.
func (e *Engine) open(key string) *Buffer {
	e.generation++
	gen := e.generation
	buf := &Buffer{
		CausalID:   key,
		Opened:     e.clock.Now(),
		generation: gen,
	}
	buf.safety = e.clock.AfterFunc(e.safety, func() {
		e.postTimer(flushEvent{causalID: key, generation: gen, reason: domain.FlushSafety})
	})
	e.buffers[key] = buf

	// The buffer now owns any async entry recorded before it opened.
	if o := e.orphans[key]; o != nil {
		o.timer.Stop()
		delete(e.orphans, key)
	}
	return buf
}

// armGrace (re)starts the grace timer, superseding any previous one.
func (e *Engine) armGrace(buf *Buffer) {
	if buf.grace != nil {
		buf.grace.Stop()
	}
	buf.graceToken++
	key, gen, token := buf.CausalID, buf.generation, buf.graceToken
	buf.grace = e.clock.AfterFunc(e.grace, func() {
		e.postTimer(flushEvent{causalID: key, generation: gen, graceToken: token, reason: domain.FlushGrace})
	})
}

func (e *Engine) handleFlush(ctx context.Context, ev flushEvent) {
	buf := e.buffers[ev.causalID]
	if buf == nil || buf.generation != ev.generation {
		return
	}
	if ev.reason == domain.FlushGrace && buf.graceToken != ev.graceToken {
		return
	}
	e.flush(ctx, buf, ev.reason)
}

func (e *Engine) handleOrphan(ctx context.Context, ev orphanEvent) {
	o := e.orphans[ev.causalID]
	if o == nil || o.generation != ev.generation {
		return
	}
	delete(e.orphans, ev.causalID)
	if _, open := e.buffers[ev.causalID]; open {
		return
	}
	entry, ok := e.async.Consume(ev.causalID)
	if !ok {
		return
	}
	e.emit(ctx, ev.causalID, domain.FlushSafety, time.Time{}, func() Assembly {
		return AssembleAsync(entry)
	})
}

func (e *Engine) flush(ctx context.Context, buf *Buffer, reason domain.FlushReason) {
	buf.stopTimers()
	delete(e.buffers, buf.CausalID)

	var async *domain.AsyncEntry
	if entry, ok := e.async.Consume(buf.CausalID); ok {
		async = &entry
	}
	e.emit(ctx, buf.CausalID, reason, buf.Opened, func() Assembly {
		return Assemble(ctx, e.registry, buf, async)
	})
}

// emit assembles, traces and publishes one transaction.
func (e *Engine) emit(ctx context.Context, causalID string, reason domain.FlushReason, opened time.Time, assemble func() Assembly) {
	ctx, span := telemetry.Tracer().Start(ctx, "flow.assemble")
	defer span.End()

	start := time.Now()
	a := assemble()
	assembly := time.Since(start)

	now := e.clock.Now()
	tx := domain.Transaction{
		ID:        e.newID(),
		Source:    a.Source,
		CausalID:  causalID,
		Timestamp: now,
		Reason:    reason,
		Records:   a.Records,
		Steps:     a.Steps,
		Bodies:    a.Bodies,
	}
	telemetry.AnnotateTransaction(span, e.redactor, tx, a.RequestSummary)

	e.publisher.PublishTransaction(tx)

	var age time.Duration
	if !opened.IsZero() {
		age = now.Sub(opened)
	}
	telemetry.RecordFlush(ctx, telemetry.FlushMetrics{
		Source:         tx.Source,
		Reason:         reason,
		Records:        tx.Records,
		Steps:          len(tx.Steps),
		Assembly:       assembly,
		Age:            age,
		FailedPolicies: telemetry.FailedPolicies(tx.Steps),
	})
	e.metrics.RecordFlush(string(reason))
	e.metrics.SetOpen(len(e.buffers), e.async.Len())

	e.logger.Info("transaction flushed",
		"causal_id", causalID,
		"transaction_id", tx.ID,
		"source", tx.Source,
		"reason", reason,
		"records", tx.Records,
		"steps", len(tx.Steps),
	)
}

// flushAll flushes open buffers in the order they were opened, then any
// async entries that never joined a buffer.
func (e *Engine) flushAll(ctx context.Context, reason domain.FlushReason) {
	open := make([]*Buffer, 0, len(e.buffers))
	for _, buf := range e.buffers {
		open = append(open, buf)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].generation < open[j].generation })
	for _, buf := range open {
		e.flush(ctx, buf, reason)
	}

	type pending struct {
		key string
		gen uint64
	}
	orphans := make([]pending, 0, len(e.orphans))
	for key, o := range e.orphans {
		o.timer.Stop()
		orphans = append(orphans, pending{key: key, gen: o.generation})
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].gen < orphans[j].gen })
	for _, o := range orphans {
		delete(e.orphans, o.key)
		entry, ok := e.async.Consume(o.key)
		if !ok {
			continue
		}
		e.emit(ctx, o.key, reason, time.Time{}, func() Assembly {
			return AssembleAsync(entry)
		})
	}
}

func (e *Engine) applySettings(s Settings) {
	if s.Registry != nil {
		e.registry = s.Registry
	}
	grace, safety := e.grace, e.safety
	if s.GracePeriod > 0 {
		grace = s.GracePeriod
	}
	if s.SafetyTimeout > 0 {
		safety = s.SafetyTimeout
	}
	if safety < grace {
		e.logger.Warn("ignoring flush timings, safety timeout shorter than grace period",
			"grace_period", grace,
			"safety_timeout", safety,
		)
	} else {
		e.grace, e.safety = grace, safety
	}
	e.logger.Info("engine reconfigured",
		"grace_period", e.grace,
		"safety_timeout", e.safety,
	)
}
