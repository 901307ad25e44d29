package commands

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openreef/tide/internal/blob"
	"github.com/openreef/tide/internal/printer"
	"github.com/openreef/tide/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single retention sweep",
	Long: `Run one pass of the retention sweeper and exit.

The running server sweeps on its own schedule; this command is for
operators who want to force a pass, e.g. after an incident left many
abandoned publishes behind.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return printer.Error("Configuration error", err.Error(), nil)
	}

	client, err := newCatalog(cfg)
	if err != nil {
		return printer.Error("Catalog error", err.Error(), nil)
	}
	defer client.Close()

	store, err := blob.NewStore(cfg.Blobs.Dir, cfg.Blobs.BaseURL, []byte(cfg.Blobs.SigningSecret))
	if err != nil {
		return printer.Error("Blob store error", err.Error(), nil)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	sw := sweeper.New(client, store, logger,
		sweeper.WithPublishingGrace(cfg.Retention.PublishingGrace.Std()),
		sweeper.WithFailedRetention(cfg.Retention.FailedRetention.Std()),
	)

	printer.Step("Sweeping namespace '%s'...\n", cfg.Namespace)
	stats, err := sw.Sweep(context.Background())
	if err != nil {
		return printer.Error("Sweep failed", err.Error(), nil)
	}

	printer.Success("Sweep complete\n")
	printer.Printf("  scanned:  %d\n", stats.Scanned)
	printer.Printf("  promoted: %d\n", stats.Promoted)
	printer.Printf("  reaped:   %d\n", stats.Reaped)
	if stats.Errors > 0 {
		printer.Warning("%d rows could not be processed\n", stats.Errors)
	}
	return nil
}
