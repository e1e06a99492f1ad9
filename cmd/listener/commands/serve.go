package commands

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animalrunner/listener/internal/audio"
	"github.com/animalrunner/listener/internal/classifier"
	"github.com/animalrunner/listener/internal/grpcclient"
	"github.com/animalrunner/listener/internal/metrics"
	"github.com/animalrunner/listener/internal/orchestrator"
	"github.com/animalrunner/listener/internal/orchestrator/journal"
	"github.com/animalrunner/listener/internal/resilience"
	"github.com/animalrunner/listener/internal/server"
	"github.com/animalrunner/listener/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the capture, classification and verdict pipeline",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	labels := classifier.LabelsOrDefault(cfg.LabelsPath)

	// Connect to the inference sidecar and load the model; a model that
	// does not load is fatal.
	inference, err := grpcclient.New(cfg.InferenceAddr, grpcclient.Options{
		PredictTimeout: cfg.InferenceTimeout,
		Breaker:        resilience.InferenceConfig(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = inference.Close() }()

	classes, err := inference.LoadModel(ctx, cfg.ModelPath)
	if err != nil {
		slog.Error("failed to load model", "path", cfg.ModelPath, "addr", cfg.InferenceAddr, "error", err)
		return err
	}
	if classes != len(labels) {
		slog.Warn("model class count differs from label count", "classes", classes, "labels", len(labels))
	}

	adapter := classifier.NewAdapter(inference, labels, classifier.Options{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		BackgroundLabel:     cfg.BackgroundLabel,
		WindowLen:           cfg.WindowSamples,
	})

	sink, err := transport.Dial(cfg.SinkHost, cfg.SinkPort)
	if err != nil {
		return err
	}

	capturer, err := audio.NewCapturer(audio.Options{
		DeviceRate:    cfg.CaptureSampleRate,
		ModelRate:     cfg.SampleRate,
		BlockDuration: cfg.BlockDuration,
		Excluded:      cfg.ExcludedAudioDevices,
	})
	if err != nil {
		_ = sink.Close()
		return err
	}

	m := metrics.New()
	opts := []orchestrator.Option{
		orchestrator.WithMetrics(m),
		orchestrator.WithSource(capturer),
		orchestrator.WithBreaker(inference.Breaker()),
	}
	if cfg.JournalDir != "" {
		store, err := journal.Open(journal.Options{Dir: cfg.JournalDir})
		if err != nil {
			_ = sink.Close()
			return err
		}
		opts = append(opts, orchestrator.WithJournal(store))
	}

	mgr := orchestrator.New(cfg, adapter, sink, labels, opts...)
	if err := mgr.Start(ctx); err != nil {
		_ = sink.Close()
		return err
	}
	slog.Info("listening", "device", capturer.Device(), "sink", sink.Target())

	var httpServer *http.Server
	var srv *server.Server
	if cfg.BridgeEnabled {
		srv = server.New(mgr, sink, server.Options{Metrics: m, Health: inference.Healthy})
		httpServer = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: server.ReadHeaderTimeout,
		}
		go func() {
			slog.Info("bridge server starting", "http", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		srv.CloseClients()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		cancel()
	}

	mgr.Stop()
	slog.Info("shutdown complete")
	return nil
}
