// Command ariadl is the download engine's CLI front end: it stages a URL
// onto the durable job queue and lets the background runner (the single
// task that owns the queue and drives jobs through the Job Controller one
// at a time) pick it up, printing terminal events for that job as it goes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/mem"

	"ariadl/internal/anonymizer"
	"ariadl/internal/enginecore"
	"ariadl/internal/events"
	"ariadl/internal/ipc"
	"ariadl/internal/job"
	"ariadl/internal/queue"
	"ariadl/internal/runner"
)

func main() {
	var (
		url          = flag.String("url", "", "URL to download (required)")
		outputDir    = flag.String("o", ".", "Output directory")
		concurrency  = flag.Int("concurrency", 0, "Number of concurrent workers (0 = auto, sized from available memory)")
		forceTor     = flag.Bool("force-anonymizer", false, "Route this download through the anonymizer even if the host is not .onion")
		torBinary    = flag.String("tor-binary", "", "Path to the tor binary (default: look up on PATH)")
		queueDBPath  = flag.String("queue-db", "", "Path to the durable job queue database (default: <output-dir>/.ariadl-queue.db)")
		controlSock  = flag.String("control-socket", "", "Path to a Unix control socket exposing the Command API (optional; unset disables it)")
		logLevelStr  = flag.String("loglevel", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "Error: -url is required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(*logLevelStr)}))
	slog.SetDefault(logger)

	mainCtx, mainCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer mainCancel()

	if *concurrency <= 0 {
		*concurrency = suggestedConcurrency(logger)
	}

	dbPath := *queueDBPath
	if dbPath == "" {
		dbPath = filepath.Join(*outputDir, ".ariadl-queue.db")
	}
	dispatcher, err := queue.Open(queue.Config{DBPath: dbPath, Logger: logger})
	if err != nil {
		logger.Error("failed to open job queue", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	filename := job.DeriveFilename(*url, 0)
	outputPath := filepath.Join(*outputDir, filename)
	j := job.New(*url, outputPath, *concurrency, *forceTor)

	if err := dispatcher.Stage(j); err != nil {
		logger.Error("failed to stage job", "error", err)
		os.Exit(1)
	}

	anonymizer.CleanupStaleDaemons(anonymizer.Config{BinaryPath: *torBinary, Logger: logger}, logger)

	rn := runner.New(runner.Config{
		Dispatcher:     dispatcher,
		AnonymizerCfg:  anonymizer.Config{BinaryPath: *torBinary, Logger: logger},
		UserAgent:      "ariadl/1.0",
		DefaultWorkers: *concurrency,
		Logger:         logger,
	})

	if *controlSock != "" {
		srv, err := ipc.New(ipc.Config{
			SocketPath:  *controlSock,
			Dispatcher:  dispatcher,
			Lifecycle:   rn,
			EventSource: rn,
			Logger:      logger,
		})
		if err != nil {
			logger.Error("failed to build control socket server", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := srv.Start(mainCtx); err != nil {
				logger.Error("control socket server exited", "error", err)
			}
		}()
		defer srv.Stop(context.Background())
	}

	go watchPauseSignal(mainCtx, rn, j.ID, logger)

	terminal, unsubscribe := rn.Subscribe()
	defer unsubscribe()

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- rn.Run(mainCtx) }()

	for {
		select {
		case <-mainCtx.Done():
			return
		case err := <-runnerDone:
			if err != nil {
				logger.Error("runner exited", "error", err)
			}
			return
		case ev := <-terminal:
			if ev.JobID != j.ID {
				continue
			}
			switch ev.Type {
			case events.TypeComplete:
				logger.Info("download complete", "job_id", j.ID, "output", outputPath, "hash", ev.Complete.Hash)
				mainCancel()
			case events.TypeDownloadFailed:
				logger.Error("download failed", "job_id", j.ID, "reason", ev.DownloadFailed.Reason)
				mainCancel()
			case events.TypeDownloadInterrupted:
				logger.Info("download interrupted", "job_id", j.ID, "reason", ev.DownloadInterrupted.Reason)
				mainCancel()
			case events.TypeLog:
				logger.Warn("engine", "message", ev.Log.Message)
			case events.TypeProgress:
				logger.Info("progress",
					"downloaded", ev.Progress.DownloadedBytes,
					"total", ev.Progress.TotalBytes,
				)
			}
		}
	}
}

// watchPauseSignal lets an operator pause the active job with SIGUSR1
// without killing the process, routed through the same Lifecycle the
// Command API's pause_active call uses rather than a separate ad hoc
// channel.
func watchPauseSignal(ctx context.Context, lifecycle ipc.Lifecycle, jobID string, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
		if err := lifecycle.PauseActive(jobID); err != nil {
			logger.Error("failed to pause job on SIGUSR1", "error", err)
		}
	case <-ctx.Done():
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// suggestedConcurrency picks a worker count from available system memory:
// roughly one worker per 256MiB of available RAM, bounded to a sane range.
func suggestedConcurrency(logger *slog.Logger) int {
	const perWorkerBytes = 256 * 1024 * 1024
	const minWorkers = 2
	const maxWorkers = 32

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("failed to read system memory, falling back to default concurrency", "error", err)
		return enginecore.DefaultConcurrency
	}

	n := int(vm.Available / perWorkerBytes)
	if n < minWorkers {
		n = minWorkers
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	logger.Debug("derived concurrency from available memory", "available_bytes", vm.Available, "workers", n)
	return n
}
