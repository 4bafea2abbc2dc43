package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telhawk-systems/honeyload/common/logging"
	natsclient "github.com/telhawk-systems/honeyload/common/messaging/nats"
	"github.com/telhawk-systems/honeyload/internal/dlq"
	"github.com/telhawk-systems/honeyload/internal/enrich"
	"github.com/telhawk-systems/honeyload/internal/index"
	"github.com/telhawk-systems/honeyload/internal/loader"
	"github.com/telhawk-systems/honeyload/internal/server"
	"github.com/telhawk-systems/honeyload/internal/sink"
	"github.com/telhawk-systems/honeyload/internal/sink/memsink"
	"github.com/telhawk-systems/honeyload/internal/status"
	"github.com/telhawk-systems/honeyload/internal/storage/postgres"
)

// drainTimeout bounds how long shutdown waits for queued mirror and post-commit work.
const drainTimeout = 10 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load every configured source",
		Long: `Load every configured source until it is exhausted or, for followed
sources, until interrupted. Each source resumes from its last checkpoint.
A source that halts does not stop the others; the exit status is non-zero
when any source halted.`,
		Example: `  honeyload run --config /etc/honeyload/honeyload.yaml
  honeyload run --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(logging.ContextWithRun(ctx, uuid.NewString()), cmd, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse and repair into memory without touching the database")
	return cmd
}

func (a *app) run(ctx context.Context, cmd *cobra.Command, dryRun bool) error {
	if err := a.cfg.RequireSources(); err != nil {
		return err
	}
	reg, engine, err := a.engine()
	if err != nil {
		return err
	}

	var (
		target sink.Sink
		mem    *memsink.Sink
	)
	if dryRun {
		mem = memsink.New()
		target = mem
		a.logger.Info("dry run: writing to memory")
	} else {
		if a.cfg.Postgres.AutoMigrate {
			v, err := postgres.MigrateUp(a.cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			a.logger.Info("database migrated", "version", v)
		}
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		target = store
	}

	var consumers []enrich.Consumer
	if a.cfg.NATS.Enabled && !dryRun {
		js, err := natsclient.NewJetStreamClient(a.cfg.NATSClientConfig())
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer js.Close()

		if a.cfg.NATS.MirrorDeadLetters {
			if _, err := js.CreateOrUpdateStream(ctx, natsclient.DeadLetterStream); err != nil {
				return err
			}
			mirror := dlq.NewMirrorSink(target, js, a.cfg.NATS.MirrorQueueSize, a.logger)
			mctx, mcancel := context.WithCancel(context.WithoutCancel(ctx))
			mirror.Start(mctx)
			defer func() {
				t := time.AfterFunc(drainTimeout, mcancel)
				mirror.Close()
				t.Stop()
				mcancel()
			}()
			target = mirror
		}
		if a.cfg.NATS.PublishCommitted {
			if _, err := js.CreateOrUpdateStream(ctx, natsclient.CommittedEventsStream); err != nil {
				return err
			}
			consumers = append(consumers, enrich.NewPublisher(js))
		}
	}
	if a.cfg.OpenSearch.Enabled && !dryRun {
		ix, err := index.New(a.cfg.IndexConfig())
		if err != nil {
			return err
		}
		ictx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := ix.EnsureIndex(ictx); err != nil {
			a.logger.Warn("opensearch index not ready; indexing may fail", logging.Error(err))
		}
		cancel()
		consumers = append(consumers, ix)
	}

	var hooks []loader.CommitHook
	if len(consumers) > 0 {
		dispatcher := enrich.NewDispatcher(a.cfg.Enrich.QueueSize, a.logger, consumers...)
		dctx, dcancel := context.WithCancel(context.WithoutCancel(ctx))
		dispatcher.Start(dctx)
		defer func() {
			t := time.AfterFunc(drainTimeout, dcancel)
			dispatcher.Close()
			t.Stop()
			dcancel()
		}()
		hooks = append(hooks, dispatcher)
	}

	runner := loader.NewRunner(a.cfg.SourceConfigs(), a.cfg.Pipeline(), loader.Deps{
		Sink:     target,
		Registry: reg,
		Engine:   engine,
		Logger:   a.logger,
		Hooks:    hooks,
	}, nil)

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	aux, auxCtx := errgroup.WithContext(auxCtx)

	if a.cfg.Server.Enabled {
		router := server.NewRouter(runner.Status, a.logger)
		aux.Go(func() error {
			return server.Run(auxCtx, a.cfg.HTTPConfig(), router, a.logger)
		})
	}
	if a.cfg.Redis.Enabled {
		store, err := status.Connect(ctx, a.cfg.Redis.URL, a.cfg.Redis.StatusTTL)
		if err != nil {
			a.logger.Warn("redis unavailable; status will not be shared", logging.Error(err))
		} else {
			defer store.Close()
			pub := status.NewPublisher(store, runner, a.cfg.Redis.PublishInterval, a.logger)
			aux.Go(func() error {
				pub.Run(auxCtx)
				return nil
			})
		}
	}

	a.logger.InfoContext(ctx, "loader starting", logging.Count(len(a.cfg.Sources)))
	runErr := runner.Run(ctx)

	stopAux()
	if err := aux.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("operational server stopped", logging.Error(err))
	}

	out := cmd.OutOrStdout()
	printStatus(out, runner.Status())
	if mem != nil {
		fmt.Fprintf(out, "\ndry run: %d events, %d dead letters\n", len(mem.Events()), len(mem.DeadLetters()))
	}
	return runErr
}
