package commands

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openreef/tide/internal/config"
	"github.com/openreef/tide/pkg/catalog"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tide",
	Short: "Tide - Reef formation registry",
	Long: `Tide is the registry for Reef formations: versioned, signed tarballs
describing multi-agent AI systems.

It serves publish, unpublish, and download over HTTP, keeps the catalog
in Redis, and runs a retention sweeper that cleans up after failed
publishes.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tide.yml", "Path to the tide configuration file")
}

// loadConfig reads the configuration named by the global --config flag.
func loadConfig() (*config.TideConfig, error) {
	return config.Load(configPath)
}

// newCatalog opens a catalog client for the configured Redis server.
func newCatalog(cfg *config.TideConfig) (*catalog.Client, error) {
	return catalog.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Namespace)
}
