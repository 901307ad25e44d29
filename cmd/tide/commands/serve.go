package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openreef/tide/internal/api"
	"github.com/openreef/tide/internal/auth"
	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/manifest"
	"github.com/openreef/tide/internal/names"
	"github.com/openreef/tide/internal/printer"
	"github.com/openreef/tide/internal/registry"
	"github.com/openreef/tide/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the registry server",
	Long: `Run the registry HTTP server and the retention sweeper.

The server exposes the publish/unpublish API, formation reads, signed
tarball downloads, and Prometheus metrics. The sweeper runs alongside
it and repairs debris left by failed publishes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return printer.Error("Configuration error", err.Error(), []string{
			"Check the path passed via --config",
			"Run 'tide init' to scaffold a tide.yml",
		})
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	client, err := newCatalog(cfg)
	if err != nil {
		return printer.Error("Catalog error", err.Error(), nil)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		return printer.Error("Redis not accessible", err.Error(), []string{
			"Verify redis.addr in tide.yml",
			"Check that the Redis server is running",
		})
	}

	store, err := blob.NewStore(cfg.Blobs.Dir, cfg.Blobs.BaseURL, []byte(cfg.Blobs.SigningSecret))
	if err != nil {
		return printer.Error("Blob store error", err.Error(), nil)
	}

	validator, err := manifest.NewValidator()
	if err != nil {
		return printer.Error("Manifest schema error", err.Error(), nil)
	}

	reserved := names.NewReservedSet(cfg.Registry.ReservedNames)
	publisher := registry.NewPublisher(client, store, validator, reserved, logger)
	unpublisher := registry.NewUnpublisher(client, store, logger)
	tokens := auth.NewService(client)
	server := api.NewServer(client, store, publisher, unpublisher, tokens, logger)

	sw := sweeper.New(client, store, logger,
		sweeper.WithInterval(cfg.Retention.Interval.Std()),
		sweeper.WithPublishingGrace(cfg.Retention.PublishingGrace.Std()),
		sweeper.WithFailedRetention(cfg.Retention.FailedRetention.Std()),
	)
	prometheus.MustRegister(sw)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.Router(),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sweepDone := make(chan error, 1)
	go func() {
		sweepDone <- sw.Run(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"listen":    cfg.Listen,
		"namespace": cfg.Namespace,
	}).Info("registry started")

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down gracefully")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			cancel()
			<-sweepDone
			return printer.Error("Server error", err.Error(), nil)
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}
	<-sweepDone

	logger.Info("registry stopped")
	return nil
}
