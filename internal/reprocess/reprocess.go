// Package reprocess replays unresolved dead letters through the repair
// engine, typically after the engine or the schema catalogue has improved.
package reprocess

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/telhawk-systems/honeyload/common/database"
	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/loader"
	"github.com/telhawk-systems/honeyload/internal/metrics"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/parser"
	"github.com/telhawk-systems/honeyload/internal/repair"
	"github.com/telhawk-systems/honeyload/internal/sink"
)

const (
	DefaultBatchSize = 100
	DefaultWorkers   = 4
)

// Config tunes a reprocessing run.
type Config struct {
	BatchSize int
	Workers   int
	// RatePerSecond caps sub-batches per second. Zero means unlimited.
	RatePerSecond float64
}

// Filter selects the dead letters to replay. Limit caps the rows scanned;
// zero means all.
type Filter struct {
	Reason   string
	SourceID string
	Limit    int
}

// Report summarizes a run.
type Report struct {
	Scanned     int `json:"scanned"`
	Repaired    int `json:"repaired"`
	StillFailed int `json:"still_failed"`
	Skipped     int `json:"skipped"`
}

// Runner replays dead letters.
type Runner struct {
	store   sink.Store
	engine  *repair.Engine
	cfg     Config
	logger  *logging.Logger
	limiter *rate.Limiter
	now     func() time.Time
}

// New returns a Runner.
func New(store sink.Store, engine *repair.Engine, cfg Config, logger *logging.Logger) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = logging.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	return &Runner{
		store:   store,
		engine:  engine,
		cfg:     cfg,
		logger:  logger.With("component", "reprocess"),
		limiter: limiter,
		now:     time.Now,
	}
}

// Run replays matching unresolved dead letters in (created_at, id) order.
// Repaired rows are upserted under their original key and then resolved;
// rows that still fail get their attempt count and reason updated. Nothing
// is ever deleted. Cancellation takes effect between sub-batches and returns
// the report so far.
func (r *Runner) Run(ctx context.Context, f Filter) (Report, error) {
	var (
		report Report
		cursor sink.Cursor
	)
	filter := sink.Filter{Reason: f.Reason, SourceID: f.SourceID}

	for {
		size := r.cfg.BatchSize
		if f.Limit > 0 {
			remaining := f.Limit - report.Scanned
			if remaining <= 0 {
				break
			}
			size = min(size, remaining)
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return report, err
		}

		qctx, cancel := database.QueryContext(ctx)
		page, err := r.store.ListUnresolved(qctx, filter, cursor, size)
		cancel()
		if err != nil {
			return report, fmt.Errorf("list dead letters: %w", err)
		}
		if len(page) == 0 {
			break
		}
		cursor = sink.After(page[len(page)-1])

		if err := r.replay(ctx, page, &report); err != nil {
			return report, err
		}
		if len(page) < size {
			break
		}
	}

	r.logger.InfoContext(ctx, "reprocessing finished",
		logging.Reason(f.Reason), "scanned", report.Scanned, "repaired", report.Repaired,
		"still_failed", report.StillFailed, "skipped", report.Skipped)
	return report, nil
}

func (r *Runner) replay(ctx context.Context, page []models.DeadLetterEvent, report *Report) error {
	var (
		pending  []models.DeadLetterEvent
		failures []parser.Failure
	)
	for _, dl := range page {
		report.Scanned++
		if dl.Resolved {
			report.Skipped++
			metrics.ReprocessedTotal.WithLabelValues("skipped").Inc()
			continue
		}
		pending = append(pending, dl)
		failures = append(failures, parser.Failure{
			Offset: dl.Key.Offset,
			Text:   dl.Content,
			Reason: dl.Reason,
			Lines:  strings.Count(dl.Content, "\n") + 1,
		})
	}
	if len(pending) == 0 {
		return nil
	}

	results, err := r.engine.RepairAll(ctx, failures, r.cfg.Workers)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	var (
		events   []models.RawEvent
		resolved []int
		failed   []int
	)
	for i, res := range results {
		if res.Repaired {
			ev, err := loader.BuildEvent(pending[i].Key, res.Event, res.Strategy, now)
			if err == nil {
				events = append(events, ev)
				resolved = append(resolved, i)
				continue
			}
			results[i].Reason = repair.ReasonUnrecognizable
		}
		failed = append(failed, i)
	}

	// Writes are not interrupted once a sub-batch has been repaired.
	wctx, cancel := database.DetachedContext(ctx, database.DefaultBulkTimeout)
	defer cancel()

	if len(events) > 0 {
		if _, err := r.store.UpsertBatch(wctx, events); err != nil {
			return fmt.Errorf("upsert repaired events: %w", err)
		}
	}
	for _, i := range resolved {
		if err := r.store.MarkResolved(wctx, pending[i].ID, now); err != nil {
			return fmt.Errorf("resolve dead letter %s: %w", pending[i].ID, err)
		}
		report.Repaired++
		metrics.ReprocessedTotal.WithLabelValues("repaired").Inc()
		r.logger.DebugContext(logging.ContextWithSource(ctx, pending[i].Key.SourceID), "dead letter resolved",
			logging.Offset(pending[i].Key.Offset), logging.Strategy(results[i].Strategy))
		metrics.RepairsTotal.WithLabelValues(results[i].Strategy).Inc()
	}
	for _, i := range failed {
		if err := r.store.RecordAttempt(wctx, pending[i].ID, results[i].Reason); err != nil {
			return fmt.Errorf("record attempt for %s: %w", pending[i].ID, err)
		}
		report.StillFailed++
		metrics.ReprocessedTotal.WithLabelValues("still_failed").Inc()
		r.logger.DebugContext(logging.ContextWithSource(ctx, pending[i].Key.SourceID), "dead letter still failing",
			logging.Offset(pending[i].Key.Offset), logging.Reason(results[i].Reason), "attempts", pending[i].Attempts+1)
	}
	return nil
}
