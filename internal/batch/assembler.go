package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ctstream/internal/dataset"
	"ctstream/internal/echo"
	"ctstream/internal/model"
	"ctstream/internal/window"
)

// ErrEndOfStream reports shard exhaustion. Expected at every epoch end.
var ErrEndOfStream = errors.New("end of stream")

type Config struct {
	BatchSize  int
	NumEchoes  int
	StepOnEcho bool
	Workers    int
	// StepBase seeds the step counter so a run spanning several assemblers
	// keeps one global step sequence.
	StepBase int64
}

type freshItem struct {
	unit        model.TrainingUnit
	resolutions []model.Resolution
}

// Assembler groups fresh and echoed units into fixed-size batches. Shard
// reads and decoding run on a fixed worker pool; the echo buffer is entered
// only to mutate state, never while blocked on I/O.
type Assembler struct {
	cfg    Config
	buf    *echo.Buffer
	wind   *window.Windower
	reader *dataset.Reader
	logger *zap.Logger

	step       int64
	drained    bool
	items      chan freshItem
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    bool
	readFaults atomic.Uint64
}

func NewAssembler(cfg Config, buf *echo.Buffer, wind *window.Windower, reader *dataset.Reader, logger *zap.Logger) (*Assembler, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if cfg.NumEchoes < 0 || cfg.NumEchoes > cfg.BatchSize {
		return nil, fmt.Errorf("num echoes must be in [0, batch size]")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if buf == nil || wind == nil || reader == nil {
		return nil, fmt.Errorf("buffer, windower and reader are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{
		cfg:    cfg,
		buf:    buf,
		wind:   wind,
		reader: reader,
		logger: logger,
		step:   cfg.StepBase,
	}, nil
}

// Start launches the shard decode pool. Raw records are re-sequenced into
// shard order before windowing so the buffer sees a deterministic ingest
// sequence regardless of worker scheduling.
func (a *Assembler) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true
	ctx, a.cancel = context.WithCancel(ctx)

	shards := a.reader.Shards()
	type job struct {
		idx   int
		shard dataset.Shard
	}
	type result struct {
		idx int
		rec model.RawRecord
		err error
	}

	jobs := make(chan job)
	results := make(chan result, a.cfg.Workers)
	a.items = make(chan freshItem, 2*a.cfg.BatchSize)

	workerCount := a.cfg.Workers
	if workerCount > len(shards) {
		workerCount = len(shards)
	}

	var pool sync.WaitGroup
	pool.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer pool.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				rec, err := a.reader.ReadShard(j.shard)
				results <- result{idx: j.idx, rec: rec, err: err}
			}
		}()
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for i := range shards {
			select {
			case jobs <- job{idx: i, shard: shards[i]}:
			case <-ctx.Done():
				close(jobs)
				return
			}
		}
		close(jobs)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		pool.Wait()
		close(results)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(a.items)

		pending := make(map[int]result)
		next := 0
		for res := range results {
			pending[res.idx] = res
			for {
				cur, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				a.emit(ctx, cur.rec, cur.err)
			}
		}
	}()
}

func (a *Assembler) emit(ctx context.Context, rec model.RawRecord, readErr error) {
	if ctx.Err() != nil {
		return
	}
	if readErr != nil {
		if !errors.Is(readErr, context.Canceled) {
			a.readFaults.Add(1)
			a.logger.Warn("shard read failed", zap.Error(readErr))
		}
		return
	}

	resolutions := a.wind.Resolutions(rec)
	unit, err := a.wind.Window(rec)
	if err != nil {
		if errors.Is(err, window.ErrMalformedRecord) || errors.Is(err, window.ErrEmptyEncounterSet) {
			a.logger.Debug("record skipped", zap.Error(err))
			if len(resolutions) > 0 {
				select {
				case a.items <- freshItem{resolutions: resolutions}:
				case <-ctx.Done():
				}
			}
			return
		}
		a.readFaults.Add(1)
		a.logger.Warn("windowing failed", zap.Error(err))
		return
	}

	select {
	case a.items <- freshItem{unit: unit, resolutions: resolutions}:
	case <-ctx.Done():
	}
}

// NextBatch assembles one batch of exactly BatchSize units: up to NumEchoes
// echoed units first, the remainder fresh from the stream. The final fresh
// batch may be topped up with extra echoes to avoid a short batch; once the
// stream is drained every later call returns ErrEndOfStream.
func (a *Assembler) NextBatch(ctx context.Context) (model.Batch, error) {
	if !a.started {
		return model.Batch{}, fmt.Errorf("assembler is not started")
	}
	if a.drained {
		return model.Batch{}, ErrEndOfStream
	}

	stepIn := a.step
	a.step++
	batch := model.Batch{Step: a.step}

	for i := 0; i < a.cfg.NumEchoes && len(batch.Units) < a.cfg.BatchSize; i++ {
		rec, ok := a.buf.NextEcho(a.step)
		if !ok {
			break
		}
		batch.Units = append(batch.Units, rec.Unit)
		batch.FromEcho = append(batch.FromEcho, true)
		if a.cfg.StepOnEcho {
			a.step++
		}
	}

	fresh := 0
	for len(batch.Units) < a.cfg.BatchSize && !a.drained {
		select {
		case item, ok := <-a.items:
			if !ok {
				a.drained = true
				break
			}
			for _, res := range item.resolutions {
				a.buf.ResolveLabel(res.SubjectID, res.Task, res.Value)
			}
			if item.unit.SubjectID == "" {
				break
			}
			if err := a.buf.Ingest(item.unit, a.step); err != nil {
				return model.Batch{}, err
			}
			batch.Units = append(batch.Units, item.unit)
			batch.FromEcho = append(batch.FromEcho, false)
			fresh++
		case <-ctx.Done():
			return model.Batch{}, ctx.Err()
		}
	}

	// A batch with no fresh unit would only replay the buffer. The epoch
	// ends with the last batch that consumed the stream.
	if a.drained && fresh == 0 {
		a.step = stepIn
		return model.Batch{}, ErrEndOfStream
	}

	// Terminal shortfall backfill. Disabled echoes stay disabled, so the
	// last batch may run short instead.
	for a.drained && a.cfg.NumEchoes > 0 && len(batch.Units) < a.cfg.BatchSize {
		rec, ok := a.buf.NextEcho(a.step)
		if !ok {
			break
		}
		batch.Units = append(batch.Units, rec.Unit)
		batch.FromEcho = append(batch.FromEcho, true)
		if a.cfg.StepOnEcho {
			a.step++
		}
	}

	return batch, nil
}

// Step reports the global step counter.
func (a *Assembler) Step() int64 {
	return a.step
}

// Counters merges buffer and ingestion fault counts.
func (a *Assembler) Counters() model.FaultCounters {
	counters := a.buf.Counters()
	counters.IngestionFaults = a.wind.Faults() + a.readFaults.Load()
	return counters
}

// Close cancels in-flight work and waits for the pool to drain.
func (a *Assembler) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}
