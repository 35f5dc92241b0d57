package cmd

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"github.com/intelligrit/jalan-map/internal/config"
	"github.com/intelligrit/jalan-map/internal/projector"
	"github.com/intelligrit/jalan-map/internal/store"
)

var (
	dataDir    string
	verbose    bool
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:          "jalan-map",
	Short:        "Collect and browse community reports about streets on a map",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetHandler(cli.New(os.Stderr))
		log.SetLevel(log.InfoLevel)
		if verbose {
			log.SetLevel(log.DebugLevel)
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if !cmd.Flags().Changed("data-dir") {
			dataDir = cfg.Data.Dir
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "Directory for the DuckDB database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

func Execute() error {
	return rootCmd.Execute()
}

func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.Data.Driver, dataDir, cfg.Data.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	log.WithFields(log.Fields{"driver": s.Dialect, "dir": dataDir}).Debug("store opened")
	return s, nil
}

func matcher() (projector.Matcher, error) {
	return projector.MatcherByName(cfg.Map.Classification)
}
