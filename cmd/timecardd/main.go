package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/filesource"
	"github.com/joseph-ayodele/timecard-processor/internal/llm/bedrock"
	"github.com/joseph-ayodele/timecard-processor/internal/pipeline"
	"github.com/joseph-ayodele/timecard-processor/internal/queue"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
	"github.com/joseph-ayodele/timecard-processor/internal/server"
	"github.com/joseph-ayodele/timecard-processor/internal/settings"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("open job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := settings.Seed(ctx, store, cfg, log); err != nil {
		log.Error("seed settings", "error", err)
		os.Exit(1)
	}

	q := queue.New(store, log)

	extractor, err := bedrock.New(ctx, bedrock.Config{
		ModelID:     cfg.LLM.ModelID,
		Region:      cfg.LLM.Region,
		Endpoint:    cfg.LLM.Endpoint,
		Temperature: cfg.LLM.Temperature,
		MaxRetries:  cfg.LLM.MaxRetries,
		Logger:      log,
	})
	if err != nil {
		log.Error("init extraction client", "error", err)
		os.Exit(1)
	}

	local := filesource.NewLocalSource(cfg.Server.UploadDir, cfg.Server.SampleDir)
	var remote *filesource.S3Source
	if cfg.Storage.Bucket != "" {
		remote, err = filesource.NewS3Source(ctx, cfg.Storage)
		if err != nil {
			log.Error("init object storage", "error", err)
			os.Exit(1)
		}
	}
	source := filesource.NewRouter(local, remote)

	proc := pipeline.New(source, extractor, store, log)
	sched := queue.NewScheduler(q, proc,
		queue.WithMaxConcurrent(cfg.Worker.MaxConcurrent),
		queue.WithPollInterval(cfg.Worker.PollInterval),
		queue.WithCapacityBackoff(cfg.Worker.CapacityBackoff),
		queue.WithErrorBackoff(cfg.Worker.ErrorBackoff),
		queue.WithJobTimeout(cfg.Worker.JobTimeout),
		queue.WithSchedulerLogger(log),
	)

	srv := server.New(q, store, sched, cfg, log)

	go sched.Run(ctx)
	go runCleanupSweep(ctx, q, store, cfg, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("http server", "error", err)
		}
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := sched.Shutdown(drainCtx); err != nil {
		log.Warn("scheduler shutdown", "error", err)
	}
}

func openStore(ctx context.Context, cfg *common.Config, log *slog.Logger) (repository.JobStore, error) {
	if cfg.Database.DSN != "" {
		return repository.OpenPostgres(ctx, cfg.Database, log)
	}
	return repository.OpenSQLite(cfg.Database.Path, log)
}

// runCleanupSweep prunes old terminal jobs once a day when auto cleanup is
// enabled in settings.
func runCleanupSweep(ctx context.Context, q *queue.Queue, store repository.SettingsStore, cfg *common.Config, log *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		enabled := true
		if raw, err := store.GetSetting(ctx, "auto_cleanup_enabled"); err == nil && raw != nil {
			_ = json.Unmarshal(raw, &enabled)
		}
		if !enabled {
			continue
		}
		count, err := q.Cleanup(ctx, cfg.Worker.CleanupDays)
		if err != nil {
			log.Warn("cleanup sweep failed", "error", err)
			continue
		}
		if count > 0 {
			log.Info("cleanup sweep", "removed", count)
		}
	}
}
