package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/honeyload/common/database"
	"github.com/telhawk-systems/honeyload/common/logging"
	"github.com/telhawk-systems/honeyload/internal/models"
	"github.com/telhawk-systems/honeyload/internal/parser"
	"github.com/telhawk-systems/honeyload/internal/sink"
	"github.com/telhawk-systems/honeyload/internal/source"
)

// Source is an opened line source.
type Source interface {
	parser.LineSource
	Close() error
}

// OpenFunc opens a source positioned at cp, which is nil when the source has
// never committed anything.
type OpenFunc func(cfg source.Config, cp *models.Checkpoint, logger *logging.Logger) (Source, error)

// OpenFile opens a file source.
func OpenFile(cfg source.Config, cp *models.Checkpoint, logger *logging.Logger) (Source, error) {
	f, err := source.Open(cfg, cp, logger)
	if err != nil {
		return nil, err
	}
	inode, gen, off := f.Position()
	logger.Debug("source opened", "inode", inode, logging.Generation(gen), logging.Offset(off))
	return f, nil
}

// Runner runs one pipeline per source. A source that halts or fails does not
// stop the others.
type Runner struct {
	sources []source.Config
	cfg     Config
	deps    Deps
	open    OpenFunc
}

// NewRunner returns a Runner. A nil open uses OpenFile.
func NewRunner(sources []source.Config, cfg Config, deps Deps, open OpenFunc) *Runner {
	if deps.Board == nil {
		deps.Board = NewStatusBoard()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if open == nil {
		open = OpenFile
	}
	return &Runner{sources: sources, cfg: cfg, deps: deps, open: open}
}

// Board returns the status board shared by the runner's pipelines.
func (r *Runner) Board() *StatusBoard { return r.deps.Board }

// Status returns a snapshot of every source.
func (r *Runner) Status() []models.SourceStatus { return r.deps.Board.Snapshot() }

// Run blocks until every pipeline has returned. The result joins the errors
// of the sources that halted or could not start.
func (r *Runner) Run(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(r.sources))

	for i, sc := range r.sources {
		g.Go(func() error {
			errs[i] = r.runSource(ctx, sc)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Runner) runSource(ctx context.Context, sc source.Config) error {
	logger := r.deps.Logger.With(logging.Source(sc.ID))

	cp, err := r.loadCheckpoint(ctx, sc.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return r.startFailed(sc.ID, fmt.Errorf("load checkpoint: %w", err))
	}

	src, err := r.open(sc, cp, logger)
	if err != nil {
		return r.startFailed(sc.ID, fmt.Errorf("open source: %w", err))
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("close source", logging.Error(err))
		}
	}()

	if cp != nil {
		logger.Info("resuming from checkpoint", logging.Offset(cp.Offset), logging.Generation(cp.Generation))
	}
	return NewPipeline(sc.ID, src, r.cfg, r.deps).Run(ctx)
}

// loadCheckpoint retries transient sink errors until ctx is done.
func (r *Runner) loadCheckpoint(ctx context.Context, sourceID string) (*models.Checkpoint, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.withDefaults().RetryInitial
	b.MaxInterval = r.cfg.withDefaults().RetryMax
	b.MaxElapsedTime = 0

	return backoff.RetryNotifyWithData(func() (*models.Checkpoint, error) {
		qctx, cancel := database.QueryContext(ctx)
		defer cancel()
		cp, err := r.deps.Sink.LoadCheckpoint(qctx, sourceID)
		if sink.IsFatal(err) {
			return nil, backoff.Permanent(err)
		}
		return cp, err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.deps.Logger.Warn("load checkpoint failed; retrying",
			logging.Source(sourceID), logging.Error(err), "retry_in", wait.String())
	})
}

func (r *Runner) startFailed(sourceID string, err error) error {
	r.deps.Board.Update(sourceID, func(st *models.SourceStatus) {
		st.State = StateHalted
		st.HaltReason = HaltSourceError
		st.LastError = err.Error()
	})
	r.deps.Logger.Error("source failed to start", logging.Source(sourceID), logging.Error(err))
	return &HaltError{SourceID: sourceID, Reason: HaltSourceError, Err: err}
}
