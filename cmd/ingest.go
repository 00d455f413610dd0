package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/koopa0/grounded/internal/app"
	"github.com/koopa0/grounded/internal/rag"
)

var (
	ingestSource     string
	ingestVisibility string
	ingestOwner      string
	ingestFormat     string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Index local files into a data source",
	Long: `Ingest reads the given files, chunks and embeds them, and stores the
results under the data source given with --source. Re-ingesting a file
with the same name replaces its previous chunks.

Format is detected from the file extension (.md, .html, .htm, else
plain text) unless --format is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context(), args)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSource, "source", "", "data source ID (required)")
	ingestCmd.Flags().StringVar(&ingestVisibility, "visibility", "org", "document visibility (org|private)")
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "owner ID for private documents")
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "", "force document format (text|markdown|html)")
	_ = ingestCmd.MarkFlagRequired("source")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, paths []string) error {
	logger := initLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// One local ingestion run at a time per machine. Concurrent server
	// ingestion is still safe (per-document advisory locks); this lock
	// only stops two CLI runs from racing over the same files.
	lock := flock.New(filepath.Join(os.TempDir(), "grounded-ingest.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring ingest lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another grounded ingest is already running")
	}
	defer func() { _ = lock.Unlock() }()

	inputs := make([]rag.IngestInput, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path) // #nosec G304 -- user-supplied path is the point of the command
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		inputs = append(inputs, rag.IngestInput{
			Name:       filepath.Base(path),
			Format:     detectFormat(path),
			Visibility: ingestVisibility,
			OwnerID:    ingestOwner,
			Content:    content,
		})
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

	fmt.Printf("Ingesting %d file(s) into %s...\n", len(inputs), ingestSource)

	job, err := a.Pipeline.IngestSync(ctx, ingestSource, inputs, rag.Options{})
	if err != nil {
		if job != nil && job.Error != "" {
			fmt.Fprintf(os.Stderr, "Job %s failed: %s\n", job.ID, job.Error)
		}
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Printf("Job %s: %s\n", job.ID, job.State)
	fmt.Printf("  Documents indexed: %d\n", job.DocumentsIndexed)
	fmt.Printf("  Chunks created:    %d\n", job.ChunksCreated)
	return nil
}

// detectFormat maps a file extension to a document format, honoring the
// --format override.
func detectFormat(path string) string {
	if ingestFormat != "" {
		return ingestFormat
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return rag.FormatMarkdown
	case ".html", ".htm":
		return rag.FormatHTML
	default:
		return rag.FormatText
	}
}
