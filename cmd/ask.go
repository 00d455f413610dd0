package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/grounded/internal/app"
	"github.com/koopa0/grounded/internal/rag"
)

var (
	askSources []string
	askStrict  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the indexed documents, with citations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().StringSliceVar(&askSources, "sources", nil, "accessible data source IDs (required)")
	askCmd.Flags().BoolVar(&askStrict, "strict", false, "refuse to answer when grounding fails")
	_ = askCmd.MarkFlagRequired("sources")
	rootCmd.AddCommand(askCmd)
}

func runAsk(ctx context.Context, question string) error {
	logger := initLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(context.Background()); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	opts := app.PipelineDefaults(cfg.RAG)
	if askStrict {
		opts.StrictGrounding = rag.Bool(true)
	}

	result, err := a.Pipeline.Answer(ctx, rag.QueryRequest{
		Query:             question,
		AccessibleSources: askSources,
		Options:           opts,
	}, func(delta string) error {
		fmt.Print(delta)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println()

	if result.Context != nil && len(result.Context.Citations) > 0 {
		fmt.Println("\nSources:")
		for _, c := range result.Context.Citations {
			fmt.Printf("  [%d] %s (%s)\n", c.Index, c.SourceName, c.SourceID)
		}
	}
	if result.Answer != nil {
		fmt.Printf("\nConfidence: %.2f\n", result.Answer.Confidence)
	}
	printWarnings(result.Warnings)
	return nil
}
