package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"ctstream/internal/config"
	"ctstream/internal/storage"
	api "ctstream/pkg/ctstream"
)

const defaultExportsDir = "exports"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "losses":
		return runLosses(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: ctstreamctl <init|run|runs|losses|export> [flags]", msg)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newClient(storeKind, dbPath, exportsDir string, verbose bool) (*api.Client, *zap.Logger, error) {
	logger, err := newLogger(verbose)
	if err != nil {
		return nil, nil, err
	}
	client, err := api.New(api.Options{
		StoreKind:  storeKind,
		DBPath:     dbPath,
		ExportsDir: exportsDir,
		Logger:     logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return client, logger, nil
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ctstream.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := storage.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = storage.CloseIfSupported(store)
	}()

	if err := store.Init(ctx); err != nil {
		return err
	}

	fmt.Printf("initialized store=%s\n", *storeKind)
	return nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "training manifest YAML path (required)")
	runID := fs.String("run-id", "", "explicit run id (optional)")
	resume := fs.Bool("resume", false, "restore the echo buffer from the run's stored snapshot")
	seed := fs.Int64("seed", 0, "override the manifest seed")
	epochs := fs.Int("epochs", 0, "override the manifest epoch count")
	batchSize := fs.Int("batch-size", 0, "override the manifest batch size")
	workers := fs.Int("workers", 0, "override the manifest worker count")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ctstream.db", "sqlite database path")
	verbose := fs.Bool("verbose", false, "development logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return usageError("run requires -config")
	}
	if *resume && *runID == "" {
		return usageError("resume requires -run-id")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["seed"] {
		cfg.Echo.Seed = *seed
	}
	if set["epochs"] {
		cfg.Training.Epochs = *epochs
	}
	if set["batch-size"] {
		cfg.Loader.BatchSize = *batchSize
	}
	if set["workers"] {
		cfg.Loader.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, logger, err := newClient(*storeKind, *dbPath, defaultExportsDir, *verbose)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
		_ = logger.Sync()
	}()

	summary, err := client.Run(ctx, api.RunRequest{
		Config: &cfg,
		RunID:  *runID,
		Resume: *resume,
	})
	if err != nil {
		return err
	}

	fmt.Printf("run_id=%s epochs=%d steps=%d final_loss=%.6f best_metric=%.6f early_stopped=%t\n",
		summary.RunID, summary.Epochs, summary.Steps, summary.FinalLoss, summary.BestMetric, summary.EarlyStopped)
	fmt.Printf("faults ingestion=%d unmatched_resolutions=%d underflows=%d evictions=%d echoes=%d\n",
		summary.Faults.IngestionFaults, summary.Faults.UnmatchedResolutions,
		summary.Faults.BufferUnderflows, summary.Faults.Evictions, summary.Faults.Echoes)
	if summary.DeterminismNote != "" {
		fmt.Printf("note: %s\n", summary.DeterminismNote)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum rows to print")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ctstream.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, logger, err := newClient(*storeKind, *dbPath, defaultExportsDir, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
		_ = logger.Sync()
	}()

	runs, err := client.Runs(ctx, api.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs stored")
		return nil
	}
	for _, summary := range runs {
		fmt.Printf("%s created=%s seed=%d epochs=%d steps=%d final_loss=%.6f early_stopped=%t\n",
			summary.RunID, summary.CreatedAtUTC, summary.Seed,
			summary.Epochs, summary.Steps, summary.FinalLoss, summary.EarlyStopped)
	}
	return nil
}

func runLosses(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("losses", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id (required)")
	limit := fs.Int("limit", 0, "maximum rows to print (0 prints all)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ctstream.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return usageError("losses requires -run-id")
	}

	client, logger, err := newClient(*storeKind, *dbPath, defaultExportsDir, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
		_ = logger.Sync()
	}()

	history, err := client.LossHistory(ctx, *runID)
	if err != nil {
		return err
	}
	if *limit > 0 && len(history) > *limit {
		history = history[len(history)-*limit:]
	}
	for _, point := range history {
		fmt.Printf("step=%d epoch=%d phase=%s %s=%.6f\n",
			point.Step, point.Epoch, point.Phase, point.Name, point.Value)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the newest run")
	outDir := fs.String("out", defaultExportsDir, "output directory")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "ctstream.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, logger, err := newClient(*storeKind, *dbPath, *outDir, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
		_ = logger.Sync()
	}()

	exported, err := client.Export(ctx, api.ExportRequest{
		RunID:  *runID,
		Latest: *latest,
		OutDir: *outDir,
	})
	if err != nil {
		return err
	}

	fmt.Printf("exported run=%s dir=%s\n", exported.RunID, exported.Directory)
	return nil
}
