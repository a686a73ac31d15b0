package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/lehigh-university-libraries/auto-annotate/internal/config"
	"github.com/lehigh-university-libraries/auto-annotate/internal/handlers"
	"github.com/lehigh-university-libraries/auto-annotate/internal/logging"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/annotate"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/inference"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/segment"
	"github.com/lehigh-university-libraries/auto-annotate/internal/services/upload"
	"github.com/lehigh-university-libraries/auto-annotate/internal/storage"
	"github.com/lehigh-university-libraries/auto-annotate/internal/utils"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		slog.Warn("Error loading .env file", "err", err)
	}

	var cfg config.Config
	kong.Parse(&cfg,
		kong.Name("auto-annotate"),
		kong.Description("Zero-shot image annotation service: upload a zip of images, detect objects by text prompt, export a labeled dataset."),
		kong.UsageOnError(),
	)

	if _, err := logging.Initialize(os.Stdout, cfg.LogLevel, cfg.LogFormat); err != nil {
		utils.ExitOnError("Invalid logging configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := storage.New()
	var archive *storage.SQLiteArchive
	if cfg.DBPath != "" {
		archive, err = storage.NewSQLiteArchive(cfg.DBPath, cfg.DBVerbose)
		if err != nil {
			utils.ExitOnError("Unable to open session database", err)
		}
		store = store.WithArchive(archive)
		restored, err := store.Restore(ctx)
		if err != nil {
			utils.ExitOnError("Unable to restore sessions", err)
		}
		slog.Info("Restored sessions", "count", restored, "db", cfg.DBPath)
	}

	detector, err := inference.New(ctx, inference.Config{
		Backend: cfg.Detector,
		URL:     cfg.InferenceURL,
		APIKey:  cfg.InferenceAPIKey,
		Timeout: cfg.InferenceTimeout,
	})
	if err != nil {
		utils.ExitOnError("Unable to initialize detector", err)
	}

	var (
		adapter       *segment.Adapter
		segmentHealth inference.HealthChecker
	)
	if cfg.SegmenterURL != "" {
		remote := segment.NewRemote(cfg.SegmenterURL, cfg.InferenceTimeout)
		adapter = segment.NewAdapter(remote)
		segmentHealth = remote
		slog.Info("Segmentation enabled", "url", cfg.SegmenterURL)
	}

	runner := annotate.NewRunner(store, detector, adapter, annotate.Options{
		InferenceTimeout:       cfg.InferenceTimeout,
		MaxConsecutiveFailures: cfg.MaxFailures,
		MaxInferenceSide:       cfg.MaxInferenceSide,
		EventBuffer:            annotate.DefaultOptions().EventBuffer,
	})
	uploads := upload.New(cfg.DataDir, "/uploads", cfg.MaxUploadBytes)
	handler := handlers.New(store, runner, uploads, detector, segmentHealth)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(cfg.DataDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Auto-annotate interface available", "addr", cfg.Addr, "detector", detector.Name())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := runner.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if closer, ok := detector.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if archive != nil {
			if err := archive.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		utils.ExitOnError("Server failed", err)
	}
}
