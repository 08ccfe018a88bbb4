package main

import (
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"jobshop/internal/config"
)

var (
	configPath string
	logLevel   string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jobshop",
	Short: "Constraint-based job-shop scheduling engine",
	Long: `jobshop plans jobs onto machines and operators.

Commands:
  serve     - Run the HTTP command API with background solve workers
  solve     - Optimize a YAML problem file and print the plan
  validate  - Check the schedule in a YAML problem file
  config    - Write the default configuration

Examples:
  jobshop serve --config jobshop.toml
  jobshop solve shop.yaml --json
  jobshop validate shop.yaml`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !stdoutIsTerminal() {
			pterm.DisableStyling()
		}
		if cmd.Name() == "init" {
			setupLogging("info", false)
			return nil
		}
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			c.Log.Level = logLevel
		}
		setupLogging(c.Log.Level, c.Log.JSON)
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, solveCmd, validateCmd, configCmd)
}

func setupLogging(level string, json bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if json {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
