package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"aelita/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "aelita",
	Short: "Onboard GitHub repositories onto the aelita CI bot",
	Long: `Aelita grants a CI bot access to the GitHub repositories you administer
and keeps the bot's pipeline configuration in sync with what it can reach on
GitHub. Run 'aelita serve' for the web service, or manage repositories from
the terminal with 'aelita repos'.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (default ~/.aelita/config.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(reposCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(adminCmd)
}

// loadConfig reads --config when given, the default path otherwise
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadConfigFromPath(configFile)
	} else {
		cfg, err = config.LoadConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func configPath() (string, error) {
	if configFile != "" {
		return configFile, nil
	}
	return config.GetConfigPath()
}

// newLogger builds the process logger: text on stderr at the configured level
func newLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
