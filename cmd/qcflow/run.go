package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/speedwagon-io/qcflow/internal/buffer"
	"github.com/speedwagon-io/qcflow/internal/checker"
	"github.com/speedwagon-io/qcflow/internal/cleaner"
	"github.com/speedwagon-io/qcflow/internal/config"
	"github.com/speedwagon-io/qcflow/internal/health"
	"github.com/speedwagon-io/qcflow/internal/lib/logger/sl"
	"github.com/speedwagon-io/qcflow/internal/lock"
	"github.com/speedwagon-io/qcflow/internal/model"
	"github.com/speedwagon-io/qcflow/internal/postprocessing"
	"github.com/speedwagon-io/qcflow/internal/publisher"
	"github.com/speedwagon-io/qcflow/internal/repository"
	"github.com/speedwagon-io/qcflow/internal/scheduler"
	"github.com/speedwagon-io/qcflow/internal/source/adapters"
	"github.com/speedwagon-io/qcflow/internal/task"
)

const triggerQueueSize = 256

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline: tasks, checks, trending and cleaning",
	Long: `Run every task, check, trending task and retention rule defined in the
pipeline configuration until interrupted.

With --dry-run task output is logged instead of published and nothing is
spooled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg := config.MustLoad(configPath)
		log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

		log.Info("starting qcflow",
			slog.String("env", cfg.Env),
			slog.String("pipeline", cfg.Pipeline.Name),
			slog.Bool("dry_run", dryRun),
		)

		pipeline := config.MustLoadPipeline(cfg.Pipeline.ConfigPath)

		log.Info("loaded pipeline config",
			slog.String("name", pipeline.Name),
			slog.Int("tasks", len(pipeline.Tasks)),
			slog.Int("checks", len(pipeline.Checks)),
			slog.Int("trending", len(pipeline.Trending)),
		)

		if err := runPipeline(log, cfg, pipeline, dryRun); err != nil {
			log.Error("pipeline failed", sl.Err(err))
			return err
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "log task output instead of publishing it")
}

func runPipeline(log *slog.Logger, cfg *config.Config, pipeline *config.PipelineConfig, dryRun bool) error {
	db, err := repository.Open(log, cfg.Repository)
	if err != nil {
		return err
	}
	defer db.Close()

	observed := repository.NewObserved(db)

	// Use LogPublisher for dry-run mode, the repository otherwise
	var pub publisher.Publisher
	if dryRun {
		pub = publisher.NewLogPublisher(log)
		log.Info("dry-run mode: objects will be logged instead of published")
	} else {
		pub = publisher.NewRepositoryPublisher(log, observed)
	}

	var buf buffer.Buffer
	if cfg.Buffer.Enabled && !dryRun {
		sqliteBuf, err := buffer.NewSQLiteBuffer(log, cfg.Buffer.Path)
		if err != nil {
			return fmt.Errorf("failed to create buffer: %w", err)
		}
		defer sqliteBuf.Close()
		buf = sqliteBuf
		log.Info("buffer enabled", slog.String("path", cfg.Buffer.Path))
	}

	runners, err := buildRunners(log, pipeline, pub, buf)
	if err != nil {
		return err
	}
	manager := task.NewManager(log, cfg.Buffer, pub, buf, runners...)

	triggers := make(chan checker.Trigger, triggerQueueSize)
	engine, err := checker.New(log, observed, pipeline.Checker, pipeline.QualityPrefix, pipeline.Checks, checker.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to create check engine: %w", err)
	}
	observed.Subscribe(checker.Forward(log, triggers))
	watcher := checker.NewWatcher(log, db, engine.InputPaths(), pipeline.Checker.WatchInterval)

	locker, err := lock.New(log, cfg.Lock)
	if err != nil {
		return fmt.Errorf("failed to create lock: %w", err)
	}
	defer locker.Close()
	sched := scheduler.New(log, locker, cfg.Lock.TTL)

	if len(pipeline.Trending) > 0 {
		store, err := postprocessing.OpenTrendStore(postprocessing.StoreConfig{
			Path:     cfg.Trends.StorePath,
			InMemory: cfg.Trends.InMemory,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		var exporter postprocessing.Exporter
		if cfg.Trends.Influx.Enabled {
			influx, err := postprocessing.NewInfluxExporter(cfg.Trends.Influx)
			if err != nil {
				return err
			}
			defer influx.Close()
			exporter = influx
		}

		if _, err := postprocessing.NewRunner(log, sched, pipeline.Trending, observed, store, postprocessing.NewReductorRegistry(), exporter); err != nil {
			return err
		}
	}

	if err := cleaner.New(log, db, pipeline.Cleaner.Rules).Schedule(sched, pipeline.Cleaner.Schedule); err != nil {
		return err
	}

	healthServer := health.NewServer(log, cfg.Health.Address)
	healthServer.AddChecker(health.NewRepositoryHealthChecker(pub.Health))
	if buf != nil {
		healthServer.AddChecker(health.NewBufferHealthChecker(buf.Count))
	}
	healthServer.AddChecker(health.NewTaskHealthChecker(func() []health.TaskState {
		statuses := manager.Statuses()
		out := make([]health.TaskState, 0, len(statuses))
		for _, st := range statuses {
			out = append(out, health.TaskState{Task: st.Task, State: st.State, LastError: st.LastError})
		}
		return out
	}))

	if err := healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	}()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(ctx, triggers); err != nil {
			log.Error("check engine failed", sl.Err(err))
		}
	}()
	go watcher.Run(ctx, triggers)

	sched.Start()

	manager.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	manager.Stop()
	sched.Stop(shutdownCtx)
	cancel()
	<-engineDone

	if err := healthServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop health server", sl.Err(err))
	}

	log.Info("qcflow stopped")
	return nil
}

func buildRunners(log *slog.Logger, pipeline *config.PipelineConfig, pub publisher.Publisher, buf buffer.Buffer) ([]*task.Runner, error) {
	registry := task.NewRegistry()
	activity := model.Activity{
		Run:      pipeline.Activity.Run,
		Period:   pipeline.Activity.Period,
		Pass:     pipeline.Activity.Pass,
		Detector: pipeline.Activity.Detector,
	}

	runners := make([]*task.Runner, 0, len(pipeline.Tasks))
	for _, tc := range pipeline.Tasks {
		tk, err := registry.New(tc.Module)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", tc.Name, err)
		}
		src, err := adapters.New(log, tc.Source)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", tc.Name, err)
		}
		r, err := task.NewRunner(log, tc, tk, src, pub, buf)
		if err != nil {
			return nil, err
		}
		r.StartRun(activity)
		runners = append(runners, r)
	}
	return runners, nil
}
