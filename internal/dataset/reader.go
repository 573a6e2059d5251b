package dataset

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ctstream/internal/model"
)

// Shard is one per-individual-day record file under a dataset root.
type Shard struct {
	Name       string
	Day        int
	Individual int
}

type Config struct {
	// Path is a directory of <day>-<individual>.json files or a .zip
	// archive holding the same layout.
	Path string
	// MaxShards bounds how many shards are selected for the run. Zero
	// selects all of them.
	MaxShards int
	// SelectionSeed drives the shard choice when MaxShards is set.
	SelectionSeed int64
}

// Reader supplies an ordered, lazy sequence of raw records from a dataset
// root. ReadShard is safe for concurrent use by multiple workers.
type Reader struct {
	cfg    Config
	zr     *zip.ReadCloser
	shards []Shard
}

func Open(cfg Config) (*Reader, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("dataset path is required")
	}

	r := &Reader{cfg: cfg}
	info, err := os.Stat(cfg.Path)
	switch {
	case err == nil && info.IsDir():
		entries, err := os.ReadDir(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("list dataset dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if shard, ok := parseShardName(entry.Name()); ok {
				r.shards = append(r.shards, shard)
			}
		}
	case err == nil && strings.HasSuffix(cfg.Path, ".zip"):
		zr, err := zip.OpenReader(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open dataset archive: %w", err)
		}
		r.zr = zr
		for _, f := range zr.File {
			if shard, ok := parseShardName(f.Name); ok {
				r.shards = append(r.shards, shard)
			}
		}
	case err != nil:
		return nil, fmt.Errorf("stat dataset path: %w", err)
	default:
		return nil, fmt.Errorf("dataset path must be a directory or .zip archive: %s", cfg.Path)
	}

	if len(r.shards) == 0 {
		_ = r.Close()
		return nil, fmt.Errorf("no shards found under %s", cfg.Path)
	}

	sortShards(r.shards)
	if cfg.MaxShards > 0 && cfg.MaxShards < len(r.shards) {
		rng := rand.New(rand.NewSource(cfg.SelectionSeed))
		rng.Shuffle(len(r.shards), func(i, j int) {
			r.shards[i], r.shards[j] = r.shards[j], r.shards[i]
		})
		r.shards = r.shards[:cfg.MaxShards]
		sortShards(r.shards)
	}
	return r, nil
}

// Shards returns the selected shards in stream order.
func (r *Reader) Shards() []Shard {
	out := make([]Shard, len(r.shards))
	copy(out, r.shards)
	return out
}

func (r *Reader) Len() int {
	return len(r.shards)
}

// ReadShard decodes one raw record.
func (r *Reader) ReadShard(shard Shard) (model.RawRecord, error) {
	var (
		rc  io.ReadCloser
		err error
	)
	if r.zr != nil {
		rc, err = r.zr.Open(shard.Name)
	} else {
		rc, err = os.Open(filepath.Join(r.cfg.Path, shard.Name))
	}
	if err != nil {
		return model.RawRecord{}, fmt.Errorf("open shard %s: %w", shard.Name, err)
	}
	defer rc.Close()

	var rec model.RawRecord
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return model.RawRecord{}, fmt.Errorf("decode shard %s: %w", shard.Name, err)
	}
	return rec, nil
}

func (r *Reader) Close() error {
	if r.zr == nil {
		return nil
	}
	err := r.zr.Close()
	r.zr = nil
	return err
}

func sortShards(shards []Shard) {
	sort.Slice(shards, func(i, j int) bool {
		if shards[i].Day != shards[j].Day {
			return shards[i].Day < shards[j].Day
		}
		return shards[i].Individual < shards[j].Individual
	})
}

func parseShardName(name string) (Shard, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(name, "__MACOSX") || !strings.HasSuffix(base, ".json") {
		return Shard{}, false
	}
	parts := strings.SplitN(strings.TrimSuffix(base, ".json"), "-", 2)
	if len(parts) != 2 {
		return Shard{}, false
	}
	day, err := strconv.Atoi(parts[0])
	if err != nil {
		return Shard{}, false
	}
	individual, err := strconv.Atoi(parts[1])
	if err != nil {
		return Shard{}, false
	}
	return Shard{Name: name, Day: day, Individual: individual}, true
}
