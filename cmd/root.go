// Package cmd implements the grounded CLI.
//
// Design: Following the pattern used by kubectl, hugo, and other
// standard Go CLI tools, all application logic is contained in
// the cmd package, leaving main.go as a minimal entry point.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/koopa0/grounded/internal/config"
	"github.com/koopa0/grounded/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "grounded",
	Short: "Grounded - permission-scoped RAG pipeline",
	Long: `Grounded ingests documents into a PostgreSQL/pgvector index and
answers questions strictly from the retrieved, access-filtered context,
with citations back to the source chunks.

Common workflows:

  grounded ingest --source docs ./handbook/*.md
  grounded query --sources docs "how do I rotate credentials?"
  grounded ask --sources docs "how do I rotate credentials?"
  grounded serve --addr 127.0.0.1:3500`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// initLogger builds the process logger.
//
// Log level is controlled by the DEBUG environment variable:
//   - DEBUG set (any value): debug level logging
//   - DEBUG not set: info level logging
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}

// loadConfig loads and validates configuration, verifying the required
// environment up front so failures are actionable.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Grounded requires a Gemini API key for embeddings and generation.")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "To set your API key:")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Get your API key at: https://ai.google.dev/")
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	return cfg, nil
}
