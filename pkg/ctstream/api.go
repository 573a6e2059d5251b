// Package ctstream is the embedding surface for the streaming trainer: it
// owns the store, hands out run ids and wraps training, listing and export.
package ctstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ctstream/internal/config"
	"ctstream/internal/model"
	"ctstream/internal/storage"
	"ctstream/internal/train"
)

const (
	defaultDBPath     = "ctstream.db"
	defaultExportsDir = "exports"
)

type Options struct {
	StoreKind  string
	DBPath     string
	ExportsDir string
	Logger     *zap.Logger
}

type Client struct {
	store      storage.Store
	exportsDir string
	logger     *zap.Logger
}

type RunRequest struct {
	// ConfigPath points at a YAML manifest. Ignored when Config is set.
	ConfigPath string
	Config     *config.Config
	// RunID is optional; a fresh UUID is issued when empty.
	RunID string
	// Resume restores the echo buffer from the run's stored snapshot.
	Resume bool
}

type RunsRequest struct {
	Limit int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		exportsDir: exportsDir,
		logger:     logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Run executes one training run to completion and returns its summary.
func (c *Client) Run(ctx context.Context, req RunRequest) (model.RunSummary, error) {
	var cfg config.Config
	switch {
	case req.Config != nil:
		cfg = *req.Config
		if err := cfg.Validate(); err != nil {
			return model.RunSummary{}, err
		}
	case req.ConfigPath != "":
		loaded, err := config.Load(req.ConfigPath)
		if err != nil {
			return model.RunSummary{}, err
		}
		cfg = loaded
	default:
		return model.RunSummary{}, errors.New("run requires a config or a config path")
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	if err := c.store.Init(ctx); err != nil {
		return model.RunSummary{}, err
	}

	trainer, err := train.New(train.Params{
		Config: cfg,
		RunID:  runID,
		Store:  c.store,
		Logger: c.logger,
	})
	if err != nil {
		return model.RunSummary{}, err
	}
	return trainer.Run(ctx, req.Resume)
}

// Runs lists stored run summaries, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]model.RunSummary, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	summaries, err := c.store.ListRunSummaries(ctx)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(summaries)-1; i < j; i, j = i+1, j-1 {
		summaries[i], summaries[j] = summaries[j], summaries[i]
	}
	if len(summaries) > req.Limit {
		summaries = summaries[:req.Limit]
	}
	return summaries, nil
}

// LossHistory returns the stored loss curve for one run.
func (c *Client) LossHistory(ctx context.Context, runID string) ([]model.LossPoint, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	history, ok, err := c.store.GetLossHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("loss history not found for run id: %s", runID)
	}
	return history, nil
}

// Export writes a run's stored artifacts as JSON files under OutDir/<run id>.
func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		latest, err := c.Runs(ctx, RunsRequest{Limit: 1})
		if err != nil {
			return ExportSummary{}, err
		}
		if len(latest) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = latest[0].RunID
	}

	summary, ok, err := c.store.GetRunSummary(ctx, runID)
	if err != nil {
		return ExportSummary{}, err
	}
	if !ok {
		return ExportSummary{}, fmt.Errorf("run not found: %s", runID)
	}

	dir := filepath.Join(req.OutDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExportSummary{}, err
	}

	if err := writeJSON(filepath.Join(dir, "summary.json"), summary); err != nil {
		return ExportSummary{}, err
	}
	if history, ok, err := c.store.GetLossHistory(ctx, runID); err != nil {
		return ExportSummary{}, err
	} else if ok {
		if err := writeJSON(filepath.Join(dir, "loss_history.json"), history); err != nil {
			return ExportSummary{}, err
		}
	}
	if snapshot, ok, err := c.store.GetBufferSnapshot(ctx, runID); err != nil {
		return ExportSummary{}, err
	} else if ok {
		if err := writeJSON(filepath.Join(dir, "buffer_snapshot.json"), snapshot); err != nil {
			return ExportSummary{}, err
		}
	}
	if counters, ok, err := c.store.GetFaultCounters(ctx, runID); err != nil {
		return ExportSummary{}, err
	} else if ok {
		if err := writeJSON(filepath.Join(dir, "fault_counters.json"), counters); err != nil {
			return ExportSummary{}, err
		}
	}

	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
