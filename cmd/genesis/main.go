package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/genesis-cloud/genesis-core/pkg/config"
	"github.com/genesis-cloud/genesis-core/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configFile string
	configDir  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "genesis",
	Short: "Genesis Core - declarative infrastructure control plane",
	Long: `Genesis Core is a control plane that reconciles declared
infrastructure resources toward their target state through a fleet of
universal agents, with IAM enforcement on every mutation.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Genesis Core version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "directory of YAML config files, lexical order")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(agentCmd)
}

// loadConfig resolves the effective configuration from flags
func loadConfig() (*config.Config, error) {
	switch {
	case configFile != "":
		return config.Load(configFile)
	case configDir != "":
		return config.LoadDir(configDir)
	default:
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
}

// initLogging brings the global logger up from config
func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      cfg.Log.Level,
		JSONOutput: cfg.Log.JSON,
	})
}
