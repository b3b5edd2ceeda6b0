// Command askbi is the operator CLI for the askbi analytics server.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/askbi/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "askbi",
	Short: "Operate the askbi analytics server from the command line",
	Long: `askbi answers business questions against the configured analytical store
and maintains the persisted chat history.

Configuration is read from the environment (and .env when present), the same
way the server reads it.

Examples:
  askbi ask "מה היו ההכנסות לפי חודש?"
  askbi schema
  askbi prune-history --older-than 720h`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		level := slog.LevelWarn
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		_ = godotenv.Load()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log pipeline progress to stderr")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
