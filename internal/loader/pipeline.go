// Package loader drives one pipeline per log source: it pulls outcomes from
// the parser, salvages failures through the repair engine, and commits
// batches of events, dead letters and checkpoints to the sink.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/honeyload/common/database"
	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/metrics"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/parser"
	"github.com/telhawk-systems/honeyload/internal/repair"
	"github.com/telhawk-systems/honeyload/internal/schema"
	"github.com/telhawk-systems/honeyload/internal/sink"
)

// Config tunes a pipeline.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	// MaxPendingEvents bounds the items held in sealed, uncommitted batches.
	// Reading stops while the bound is reached.
	MaxPendingEvents int
	FlushTimeout     time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration

	Quarantine QuarantineConfig
	Breaker    BreakerConfig
	Parser     parser.Options
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		BatchSize:        500,
		FlushInterval:    2 * time.Second,
		MaxPendingEvents: 10000,
		FlushTimeout:     database.DefaultBulkTimeout,
		RetryInitial:     200 * time.Millisecond,
		RetryMax:         10 * time.Second,
		Quarantine:       QuarantineConfig{Window: 1000, MinSamples: 100, ThresholdPercent: 20},
		Breaker:          BreakerConfig{FailureThreshold: 5, Cooldown: 5 * time.Second, MaxCooldown: 2 * time.Minute},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxPendingEvents <= 0 {
		c.MaxPendingEvents = def.MaxPendingEvents
	}
	if c.MaxPendingEvents < c.BatchSize {
		c.MaxPendingEvents = c.BatchSize
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = def.FlushTimeout
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = c.RetryInitial
	}
	return c
}

// CommitHook receives events after the sink confirmed them. Implementations
// must not block.
type CommitHook interface {
	Committed(ctx context.Context, sourceID string, events []models.RawEvent)
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Sink     sink.Sink
	Registry *schema.Registry
	Engine   *repair.Engine
	Logger   *logging.Logger
	Board    *StatusBoard
	Hooks    []CommitHook
	Now      func() time.Time
}

// HaltError reports why a pipeline stopped before its source was exhausted.
type HaltError struct {
	SourceID string
	Reason   string
	Err      error
}

func (e *HaltError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s halted: %s", e.SourceID, e.Reason)
	}
	return fmt.Sprintf("source %s halted: %s: %v", e.SourceID, e.Reason, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// batch is the unit of commit. Its checkpoint is the end of its last outcome.
type batch struct {
	events      []models.RawEvent
	deadLetters []models.DeadLetterEvent
	checkpoint  models.Checkpoint
	outcomes    int
	started     time.Time
}

func (b *batch) items() int { return len(b.events) + len(b.deadLetters) }

// Pipeline processes one source. It is not safe for concurrent use.
type Pipeline struct {
	id     string
	cfg    Config
	deps   Deps
	stream *parser.Stream
	logger *logging.Logger

	breaker *Breaker
	retry   *backoff.ExponentialBackOff
	window  *window

	current   *batch
	queue     []*batch
	pending   int
	notBefore time.Time
}

// NewPipeline returns a pipeline reading src, which must already be
// positioned at the source's checkpoint.
func NewPipeline(sourceID string, src parser.LineSource, cfg Config, deps Deps) *Pipeline {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if deps.Board == nil {
		deps.Board = NewStatusBoard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Engine == nil {
		deps.Engine = repair.New(deps.Registry)
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = cfg.RetryInitial
	retry.MaxInterval = cfg.RetryMax
	retry.MaxElapsedTime = 0
	retry.Reset()

	p := &Pipeline{
		id:      sourceID,
		cfg:     cfg,
		deps:    deps,
		stream:  parser.NewStream(src, cfg.Parser),
		logger:  deps.Logger.With(logging.Source(sourceID)),
		breaker: NewBreaker(cfg.Breaker, deps.Now),
		retry:   retry,
		window:  newWindow(cfg.Quarantine),
	}
	p.deps.Board.Update(sourceID, func(st *models.SourceStatus) {
		st.State = StateIdle
		st.HaltReason = ""
	})
	return p
}

// Run processes the source until it is exhausted, the pipeline halts, or ctx
// is canceled. Exhaustion commits everything read and returns nil.
// Cancellation discards uncommitted batches and returns nil; they are read
// again on resume. A halt returns a *HaltError.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(StateReading)

	for {
		if ctx.Err() != nil {
			return p.stop()
		}

		if err := p.flushReady(ctx); err != nil {
			return p.fail(err)
		}
		if p.pending >= p.cfg.MaxPendingEvents {
			p.logger.Warn("pending batches at capacity; pausing reads", logging.Count(p.pending))
			if err := p.drainUntil(ctx, func() bool { return p.pending < p.cfg.MaxPendingEvents }); err != nil {
				return p.fail(err)
			}
			continue
		}

		o, err := p.stream.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, parser.ErrNoData):
			p.sealIfDue()
			continue
		case errors.Is(err, io.EOF):
			p.seal()
			if err := p.drainUntil(ctx, func() bool { return len(p.queue) == 0 }); err != nil {
				return p.fail(err)
			}
			p.setState(StateIdle)
			p.logger.Info("source exhausted")
			return nil
		case ctx.Err() != nil:
			return p.stop()
		default:
			return p.halt(HaltSourceError, err)
		}

		p.handle(ctx, o)

		if p.window.exceeded() {
			p.seal()
			if err := p.drainUntil(ctx, func() bool { return len(p.queue) == 0 }); err != nil {
				return p.fail(err)
			}
			return p.halt(HaltQuarantine, fmt.Errorf("%.1f%% of the last outcomes were dead-lettered or quarantined", p.window.ratio()))
		}

		if p.current != nil && p.current.items() >= p.cfg.BatchSize {
			p.seal()
		} else {
			p.sealIfDue()
		}
	}
}

// handle turns one outcome into an event, a dead letter, or a bare
// checkpoint advance, and appends it to the current batch.
func (p *Pipeline) handle(ctx context.Context, o parser.Outcome) {
	now := p.deps.Now().UTC()
	if p.current == nil {
		p.current = &batch{started: now}
	}
	b := p.current
	b.outcomes++
	b.checkpoint = models.Checkpoint{
		SourceID:   p.id,
		Offset:     o.End,
		Inode:      o.Inode,
		Generation: o.Generation,
	}

	key := models.SourceKey{SourceID: p.id, Inode: o.Inode, Generation: o.Generation, Offset: o.Offset}

	var failure parser.Failure
	switch o.Kind {
	case parser.KindSkip:
		metrics.OutcomesTotal.WithLabelValues(p.id, "skip").Inc()
		return
	case parser.KindEvent:
		conformed, violation := p.deps.Registry.Conform(o.Object)
		if violation == nil {
			ev, err := BuildEvent(key, conformed, "", now)
			if err == nil {
				p.accept(b, ev)
				p.record(ctx, "event", ev.Quarantined)
				return
			}
			p.logger.WarnContext(ctx, "canonical payload failed", logging.Offset(o.Offset), logging.Error(err))
		}
		failure = parser.Failure{Offset: o.Offset, End: o.End, Text: o.Text, Reason: repair.ReasonSchemaViolation, Lines: o.Lines}
	default:
		failure = *o.Failure
	}

	res := p.deps.Engine.Repair(failure)
	if res.Repaired {
		ev, err := BuildEvent(key, res.Event, res.Strategy, now)
		if err == nil {
			p.accept(b, ev)
			metrics.RepairsTotal.WithLabelValues(res.Strategy).Inc()
			p.record(ctx, "repaired", ev.Quarantined)
			p.logger.DebugContext(ctx, "fragment repaired",
				logging.Offset(o.Offset), logging.Strategy(res.Strategy), logging.EventType(ev.EventType))
			return
		}
		res = repair.Result{Reason: repair.ReasonUnrecognizable, Checksum: res.Checksum}
	}

	dl := models.DeadLetterEvent{
		ID:        models.DeadLetterID(key),
		Key:       key,
		Content:   failure.Text,
		Reason:    res.Reason,
		Attempts:  1,
		CreatedAt: now,
		Checksum:  res.Checksum,
	}
	b.deadLetters = append(b.deadLetters, dl)
	metrics.DeadLettersTotal.WithLabelValues(p.id, res.Reason).Inc()
	p.record(ctx, "dead_letter", true)
	p.logger.InfoContext(ctx, "fragment dead-lettered",
		logging.Offset(o.Offset), logging.Reason(res.Reason), "lines", failure.Lines)
}

// BuildEvent turns a conformed object into the event stored under key.
// strategy names the repair that produced it, empty for a direct parse.
func BuildEvent(key models.SourceKey, c schema.Conformed, strategy string, now time.Time) (models.RawEvent, error) {
	payload, err := c.Canonical()
	if err != nil {
		return models.RawEvent{}, err
	}
	ev := models.RawEvent{
		Key:         key,
		EventTime:   c.EventTime,
		SessionID:   c.SessionID,
		EventType:   c.EventType,
		Payload:     payload,
		Quarantined: len(c.Defaulted) > 0,
		IngestedAt:  now,
	}
	if strategy != "" {
		ev.RiskFlags = append(ev.RiskFlags, models.FlagRepaired+strategy)
	}
	for _, f := range c.Defaulted {
		ev.RiskFlags = append(ev.RiskFlags, models.FlagDefaulted+f)
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = now
		ev.RiskFlags = append(ev.RiskFlags, models.FlagIngestTime)
	}
	return ev, nil
}

// record updates counters for one terminal event or dead letter. bad marks
// outcomes that count towards the quarantine threshold.
func (p *Pipeline) record(ctx context.Context, kind string, bad bool) {
	metrics.OutcomesTotal.WithLabelValues(p.id, kind).Inc()
	quarantined := bad && kind != "dead_letter"
	if quarantined {
		metrics.QuarantinedTotal.WithLabelValues(p.id).Inc()
	}
	p.window.observe(bad)
	p.deps.Board.Update(p.id, func(st *models.SourceStatus) {
		st.Processed++
		switch kind {
		case "repaired":
			st.Repaired++
		case "dead_letter":
			st.DeadLettered++
		}
		if quarantined {
			st.Quarantined++
		}
	})
}

func (p *Pipeline) sealIfDue() {
	if p.current != nil && p.deps.Now().Sub(p.current.started) >= p.cfg.FlushInterval {
		p.seal()
	}
}

// seal moves the current batch to the commit queue.
func (p *Pipeline) seal() {
	b := p.current
	if b == nil || b.outcomes == 0 {
		return
	}
	p.current = nil
	p.queue = append(p.queue, b)
	p.pending += b.items()
	metrics.PendingEvents.WithLabelValues(p.id).Set(float64(p.pending))
}

// flushReady commits queued batches in order for as long as the breaker and
// the retry schedule allow. It returns a *HaltError on a fatal sink error.
func (p *Pipeline) flushReady(ctx context.Context) error {
	for len(p.queue) > 0 {
		if ctx.Err() != nil {
			return nil
		}
		if p.deps.Now().Before(p.notBefore) || !p.breaker.Allow() {
			p.reportBreaker()
			return nil
		}

		p.setState(StateFlushing)
		err := p.flush(ctx, p.queue[0])
		p.setState(StateReading)

		if err == nil {
			p.commit(ctx, p.queue[0])
			p.queue = p.queue[1:]
			p.breaker.Success()
			p.retry.Reset()
			p.notBefore = time.Time{}
			p.reportBreaker()
			continue
		}

		if sink.IsFatal(err) {
			metrics.FlushesTotal.WithLabelValues(p.id, "fatal_error").Inc()
			return &HaltError{SourceID: p.id, Reason: HaltSinkFatal, Err: err}
		}

		metrics.FlushesTotal.WithLabelValues(p.id, "transient_error").Inc()
		p.breaker.Failure()
		p.reportBreaker()
		wait := p.retry.NextBackOff()
		if p.breaker.State() == BreakerOpen {
			wait = p.breaker.RetryAfter()
		}
		p.notBefore = p.deps.Now().Add(wait)
		p.deps.Board.Update(p.id, func(st *models.SourceStatus) { st.LastError = err.Error() })
		p.logger.WarnContext(ctx, "flush failed; will retry",
			logging.Error(err), "retry_in", wait.String(), "breaker", p.breaker.State().String(),
			"consecutive_failures", p.breaker.ConsecutiveFailures())
		return nil
	}
	return nil
}

// drainUntil flushes and waits out retry delays until done reports true.
func (p *Pipeline) drainUntil(ctx context.Context, done func() bool) error {
	for !done() {
		if err := p.flushReady(ctx); err != nil {
			return err
		}
		if done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := p.notBefore.Sub(p.deps.Now())
		if ra := p.breaker.RetryAfter(); ra > wait {
			wait = ra
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// flush writes dead letters, then events, then the checkpoint. The writes
// are idempotent, so a batch retried after a partial failure commits once.
// A flush that has started is not interrupted by cancellation.
func (p *Pipeline) flush(ctx context.Context, b *batch) error {
	fctx, cancel := database.DetachedContext(ctx, p.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.FlushDuration.WithLabelValues(p.id).Observe(time.Since(start).Seconds())
	}()

	for _, dl := range b.deadLetters {
		if err := p.deps.Sink.InsertDeadLetter(fctx, dl); err != nil {
			return fmt.Errorf("insert dead letter %s: %w", dl.ID, err)
		}
	}
	if len(b.events) > 0 {
		if _, err := p.deps.Sink.UpsertBatch(fctx, b.events); err != nil {
			return fmt.Errorf("upsert %d events: %w", len(b.events), err)
		}
	}
	cp := b.checkpoint
	cp.UpdatedAt = p.deps.Now().UTC()
	if err := p.deps.Sink.SaveCheckpoint(fctx, p.id, cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (p *Pipeline) commit(ctx context.Context, b *batch) {
	p.pending -= b.items()
	metrics.PendingEvents.WithLabelValues(p.id).Set(float64(p.pending))
	metrics.FlushesTotal.WithLabelValues(p.id, "success").Inc()
	metrics.BatchSize.Observe(float64(b.items()))
	metrics.CommittedEventsTotal.WithLabelValues(p.id).Add(float64(len(b.events)))
	metrics.CheckpointOffset.WithLabelValues(p.id).Set(float64(b.checkpoint.Offset))

	p.deps.Board.Update(p.id, func(st *models.SourceStatus) {
		st.Committed += int64(len(b.events))
		st.Checkpoint = b.checkpoint.Offset
		st.Generation = b.checkpoint.Generation
		st.LastError = ""
	})
	p.logger.DebugContext(ctx, "batch committed",
		logging.Count(len(b.events)), "dead_letters", len(b.deadLetters),
		logging.Offset(b.checkpoint.Offset), logging.Generation(b.checkpoint.Generation))

	if len(b.events) == 0 {
		return
	}
	for _, h := range p.deps.Hooks {
		h.Committed(ctx, p.id, b.events)
	}
}

func (p *Pipeline) accept(b *batch, ev models.RawEvent) {
	b.events = append(b.events, ev)
	if !p.deps.Registry.Known(ev.EventType) {
		metrics.UncataloguedEventsTotal.WithLabelValues(p.id).Inc()
	}
}

func (p *Pipeline) reportBreaker() {
	state := p.breaker.State()
	metrics.BreakerState.WithLabelValues(p.id).Set(float64(state))
	p.deps.Board.Update(p.id, func(st *models.SourceStatus) { st.Breaker = state.String() })
}

func (p *Pipeline) setState(state string) {
	p.deps.Board.Update(p.id, func(st *models.SourceStatus) {
		if st.State != StateHalted {
			st.State = state
		}
	})
}

// stop abandons uncommitted work after cancellation.
func (p *Pipeline) stop() error {
	if n := p.pending; n > 0 || p.current != nil {
		p.logger.Info("stopping; uncommitted batches will be re-read on resume", logging.Count(n))
	}
	p.current, p.queue, p.pending = nil, nil, 0
	metrics.PendingEvents.WithLabelValues(p.id).Set(0)
	p.setState(StateIdle)
	return nil
}

// fail maps an error from a flush loop to the pipeline's exit.
func (p *Pipeline) fail(err error) error {
	var halt *HaltError
	if errors.As(err, &halt) {
		return p.halt(halt.Reason, halt.Err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return p.stop()
	}
	return p.halt(HaltSinkFatal, err)
}

func (p *Pipeline) halt(reason string, err error) error {
	p.deps.Board.Update(p.id, func(st *models.SourceStatus) {
		st.State = StateHalted
		st.HaltReason = reason
		if err != nil {
			st.LastError = err.Error()
		}
	})
	metrics.PipelineHalted.WithLabelValues(p.id, reason).Set(1)
	p.logger.Error("pipeline halted", logging.Reason(reason), logging.Error(err),
		"window_bad_percent", strconv.FormatFloat(p.window.ratio(), 'f', 1, 64))
	return &HaltError{SourceID: p.id, Reason: reason, Err: err}
}
