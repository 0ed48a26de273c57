package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/hybridrag/rag"
	"github.com/BaSui01/hybridrag/rag/loader"
	"github.com/BaSui01/hybridrag/types"
)

// ingestFlags ingest 子命令参数
type ingestFlags struct {
	dir     string
	clean   bool
	fast    bool
	verbose bool
	jsonOut bool
}

func newIngestCmd() *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest documents from a directory",
		Long: `Load every supported document (.md, .txt, .json) under --dir, chunk it,
embed each chunk into the vector store and, unless --fast is set, extract
entities and relationships into the knowledge graph.

Examples:
  hybridrag ingest --dir docs/
  hybridrag ingest --dir docs/ --clean --verbose
  hybridrag ingest --dir docs/handbook.md --fast`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.dir, "dir", "documents", "file or directory to ingest")
	cmd.Flags().BoolVar(&f.clean, "clean", false, "replace previously ingested copies of the same source")
	cmd.Flags().BoolVar(&f.fast, "fast", false, "skip entity extraction and graph writes")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log every chunk outcome")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the ingestion report as JSON")
	return cmd
}

func runIngest(ctx context.Context, f ingestFlags, out io.Writer) error {
	if _, err := os.Stat(f.dir); err != nil {
		return types.NewInvalidRequestError(fmt.Sprintf("cannot read %s: %v", f.dir, err))
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if f.verbose {
		cfg.Log.Level = zapcore.DebugLevel.String()
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext(ctx)
	defer stop()

	// 一次性命令不暴露 metrics 端口，collector 为 nil
	a, err := newApp(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	logger.Info("ingestion started",
		zap.String("path", f.dir),
		zap.Bool("clean", f.clean),
		zap.Bool("fast", f.fast),
		zap.String("vector_backend", a.vectors.Name()))

	report, err := loader.IngestPath(ctx, loader.NewLoaderRegistry(), a.coordinator(), f.dir, rag.IngestOptions{
		Clean:   f.clean,
		Fast:    f.fast,
		Verbose: f.verbose,
	})
	if err != nil {
		return err
	}

	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(out, report)
	}
	if report.Failed() {
		return fmt.Errorf("%d document-level errors during ingestion", countDocErrors(report))
	}
	return nil
}

func printReport(out io.Writer, r rag.IngestionReport) {
	fmt.Fprintf(out, "Documents: %d (skipped %d)\n", r.Documents, r.Skipped)
	fmt.Fprintf(out, "Chunks:    %d (failed %d)\n", r.Chunks, r.FailedChunks)
	fmt.Fprintf(out, "Entities:  %d\n", r.Entities)
	fmt.Fprintf(out, "Relations: %d\n", r.Relations)
	fmt.Fprintf(out, "Duration:  %s\n", r.Duration)
	for _, e := range r.Errors {
		where := e.Source
		if where == "" {
			where = e.DocumentID
		}
		if e.Ordinal >= 0 {
			fmt.Fprintf(out, "  ! %s chunk %d [%s]: %s\n", where, e.Ordinal, e.Stage, e.Message)
		} else {
			fmt.Fprintf(out, "  ! %s [%s]: %s\n", where, e.Stage, e.Message)
		}
	}
}

func countDocErrors(r rag.IngestionReport) int {
	n := 0
	for _, e := range r.Errors {
		if e.Ordinal < 0 {
			n++
		}
	}
	return n
}
