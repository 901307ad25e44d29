package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openreef/tide/internal/printer"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a tide.yml configuration",
	Long: `Write a starter tide.yml in the current directory with a freshly
generated signing secret.

Use --force to overwrite an existing tide.yml (WARNING: the old signing
secret is lost, invalidating any signed URLs issued with it).`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing tide.yml")
	rootCmd.AddCommand(initCmd)
}

const configTemplate = `version: "1.0"
listen: ":8420"
namespace: default

redis:
  addr: localhost:6379

blobs:
  dir: ./blobs
  base_url: http://localhost:8420/blobs
  signing_secret: %s

registry:
  reserved_names:
    - tide
    - reef
    - admin
    - api

retention:
  interval: 5m
  publishing_grace: 10m
  failed_retention: 1h
`

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if _, err := os.Stat("tide.yml"); err == nil {
			return printer.Error("tide.yml already exists",
				"Refusing to overwrite the existing configuration.",
				[]string{"Use --force to overwrite it (this discards the current signing secret)"})
		}
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return printer.Error("Could not generate signing secret", err.Error(), nil)
	}

	content := fmt.Sprintf(configTemplate, hex.EncodeToString(secret))
	if err := os.WriteFile("tide.yml", []byte(content), 0600); err != nil {
		return printer.Error("Could not write tide.yml", err.Error(), nil)
	}

	printer.Success("Created tide.yml\n")
	printer.Info("Edit blobs.dir and redis.addr for your deployment, then run 'tide serve'.\n")
	return nil
}
