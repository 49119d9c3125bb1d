package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"meetscribe/internal/common"
	appcfg "meetscribe/internal/config"
	"meetscribe/internal/export"
	"meetscribe/internal/gateway"
	"meetscribe/internal/gateway/mock"
	gwopenai "meetscribe/internal/gateway/openai"
	"meetscribe/internal/jobs"
	"meetscribe/internal/media"
	"meetscribe/internal/pipeline"
	"meetscribe/internal/processor"
	"meetscribe/internal/server"
	"meetscribe/internal/stages"
	"meetscribe/internal/storage"
)

func main() {
	// Optional .env for local runs; missing file is fine.
	_ = godotenv.Load()

	root := &cli.Command{
		Name:  "meetscribe",
		Usage: "transcribe, review and summarize long meeting recordings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (defaults to $MEETSCRIBE_CONFIG or config.yaml)",
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

// newProvider selects the configured external service provider.
func newProvider(cfg *appcfg.Config) (gateway.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Gateway.Provider)) {
	case "openai":
		return gwopenai.New(cfg.Gateway.OpenAI)
	case "mock":
		return mock.New(cfg.Gateway.Mock), nil
	default:
		return nil, fmt.Errorf("unsupported gateway provider %q", cfg.Gateway.Provider)
	}
}

// newOrchestrator wires provider -> gateway -> stages -> orchestrator.
func newOrchestrator(logger *slog.Logger, cfg *appcfg.Config, workers int) (*pipeline.Orchestrator, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(logger, provider, gateway.Options{
		MaxAttempts:     cfg.Gateway.MaxAttempts,
		BaseBackoff:     cfg.Gateway.BaseBackoff,
		MaxBackoff:      cfg.Gateway.MaxBackoff,
		MinCallInterval: cfg.Gateway.MinCallInterval,
		CallTimeout:     cfg.Gateway.CallTimeout,
	})
	exec := stages.New(logger, gw)
	return pipeline.New(logger, exec, workers), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "process one recording (or a pre-split segment directory) to completion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "recording file to split and process",
			},
			&cli.StringFlag{
				Name:  "segments-dir",
				Usage: "directory of already-split audio segments (skips the splitter)",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "job working directory; reusing it resumes a previous run",
			},
			&cli.IntFlag{
				Name:  "start",
				Usage: "1-based index of the first segment to process",
			},
			&cli.IntFlag{
				Name:  "max",
				Usage: "maximum number of segments to process (0 = all)",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "concurrent segment workers",
			},
			&cli.BoolFlag{
				Name:  "preview",
				Usage: "bound the analysis input by the configured preview budgets",
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := appcfg.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel)

	input := strings.TrimSpace(cmd.String("input"))
	segmentsDir := strings.TrimSpace(cmd.String("segments-dir"))
	if input == "" && segmentsDir == "" {
		return fmt.Errorf("either --input or --segments-dir is required")
	}

	opts := runOptions(cfg, cmd)
	orch, err := newOrchestrator(logger, cfg, opts.Workers)
	if err != nil {
		return err
	}
	splitter := media.NewSplitter(logger, cfg.Pipeline.ChunkSeconds)

	workDir := strings.TrimSpace(cmd.String("workdir"))
	if workDir == "" {
		workDir = defaultWorkDir(cfg, input, segmentsDir)
	}
	store := jobs.NewFileStore(workDir)
	if err := store.EnsureLayout(); err != nil {
		return err
	}

	var segments []*jobs.Segment
	if segmentsDir != "" {
		segments, err = splitter.Discover(ctx, segmentsDir)
	} else if existing, lerr := media.ListSegments(store.SegmentsDir()); lerr == nil && len(existing) > 0 {
		// A previous run already split this recording; reuse its slices so
		// the manifest indices still line up.
		segments, err = splitter.Discover(ctx, store.SegmentsDir())
	} else {
		segments, err = splitter.Split(ctx, input, store.SegmentsDir())
	}
	if err != nil {
		return err
	}

	job := &jobs.Job{
		ID:         uuid.NewString(),
		WorkDir:    workDir,
		SourcePath: input,
		Options:    opts,
		Status:     jobs.JobRunning,
		Segments:   segments,
		CreatedAt:  time.Now().UTC(),
	}

	res, err := orch.Run(ctx, job)
	if err != nil {
		return err
	}
	exporter := export.New(logger)
	if err := exporter.Write(store, job, res); err != nil {
		return err
	}

	fmt.Print(export.RenderText(job, res))
	fmt.Printf("\nArtifacts: %s\n", store.FinalDir())
	if res.Status == jobs.JobFailed {
		return fmt.Errorf("all segments failed")
	}
	return nil
}

// runOptions layers CLI flag overrides over the configured pipeline defaults.
func runOptions(cfg *appcfg.Config, cmd *cli.Command) jobs.RunOptions {
	opts := jobs.RunOptions{
		StartIndex:  cfg.Pipeline.StartIndex,
		MaxSegments: cfg.Pipeline.MaxSegments,
		Workers:     cfg.Pipeline.SegmentWorkers,
		Preview: jobs.PreviewOptions{
			Enabled:            cfg.Pipeline.Preview.Enabled,
			MaxDurationSeconds: cfg.Pipeline.Preview.MaxDurationSeconds,
			MaxCharacters:      cfg.Pipeline.Preview.MaxCharacters,
			MaxTokens:          cfg.Pipeline.Preview.MaxTokens,
		},
	}
	if v := cmd.Int("start"); v > 0 {
		opts.StartIndex = v
	}
	if v := cmd.Int("max"); v > 0 {
		opts.MaxSegments = v
	}
	if v := cmd.Int("workers"); v > 0 {
		opts.Workers = v
	}
	if cmd.IsSet("preview") {
		opts.Preview.Enabled = cmd.Bool("preview")
	}
	return opts
}

// defaultWorkDir derives a stable per-recording working directory so a rerun
// of the same input resumes instead of starting over.
func defaultWorkDir(cfg *appcfg.Config, input, segmentsDir string) string {
	name := input
	if name == "" {
		name = segmentsDir
	}
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(cfg.Server.StorageDir, common.JobsDirName, base)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP service accepting recording uploads",
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := appcfg.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Server.LogLevel)

	orch, err := newOrchestrator(logger, cfg, cfg.Pipeline.SegmentWorkers)
	if err != nil {
		return err
	}
	splitter := media.NewSplitter(logger, cfg.Pipeline.ChunkSeconds)
	registry := jobs.NewRegistry()
	worker := processor.New(logger, cfg, registry, splitter, orch, export.New(logger))

	queue := jobs.NewQueue(logger, common.DefaultQueueCapacity, cfg.Server.WorkerCount)
	if err := queue.Start(ctx, worker); err != nil {
		return err
	}

	svc := &server.Service{
		Log:       logger,
		Cfg:       cfg,
		Registry:  registry,
		Queue:     queue,
		Uploader:  storage.NewUploader(cfg.Server.StorageDir),
		Processor: worker,
	}
	httpSrv := server.NewHTTPServer(svc)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
	return nil
}
