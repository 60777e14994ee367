package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/registry"
	"github.com/micro-ha/device-intake/internal/workpool"
)

// Config holds the engine's per-process settings.
type Config struct {
	Delimiter                  string
	DefaultSmartCardModel      string
	ManufacturerStockHandlerID int64
	LocationField              string
	BuildListDir               string
	MaxWorkers                 int
	DrainTimeout               time.Duration
	SchedulePollInterval       time.Duration
	AddTimeout                 time.Duration
	PerformTimeout             time.Duration
}

// Outcome summarizes one reconciled batch.
type Outcome struct {
	Total     int
	Succeeded int
	Failed    int
	Lines     []string

	// StagingFiles are the build-list files submitted to the registry.
	StagingFiles []string
}

// PhaseObserver is notified when a phase finishes.
type PhaseObserver func(phase string, elapsed time.Duration, peakWorkers int)

// Engine drives the registry for one validated batch at a time.
type Engine struct {
	reg    registry.Registry
	cfg    Config
	logger *slog.Logger

	newID     func() string
	onPhase   PhaseObserver
	onPanic   func(*workpool.PanicError)
	lastPeaks sync.Map
}

func New(reg registry.Registry, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = workpool.DefaultSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = workpool.DefaultDrainTimeout
	}
	if cfg.BuildListDir == "" {
		cfg.BuildListDir = os.TempDir()
	}
	e := &Engine{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("component", "reconcile"),
		newID:  func() string { return uuid.NewString() },
	}
	e.onPanic = func(perr *workpool.PanicError) {
		e.logger.Error("worker panicked", "err", perr)
	}
	return e
}

// SetPhaseObserver installs a callback used for metrics.
func (e *Engine) SetPhaseObserver(fn PhaseObserver) {
	e.onPhase = fn
}

// Peak returns the highest worker concurrency seen in the named phase of
// the last run.
func (e *Engine) Peak(phase string) int {
	v, ok := e.lastPeaks.Load(phase)
	if !ok {
		return 0
	}
	return v.(int)
}

// Run reconciles b against the registry. Per-record failures are written to
// errs and reported in the Outcome; the returned error is reserved for
// failures that stop the whole batch. A *batch.ValidationError means the
// batch was rejected before any mutating registry call.
func (e *Engine) Run(ctx context.Context, b *batch.Batch, errs *batch.ErrorFile) (*Outcome, error) {
	cat, err := registry.LoadCatalog(ctx, e.reg, registry.CatalogOptions{LocationField: e.cfg.LocationField})
	if err != nil {
		return nil, err
	}
	if err := b.ResolveCustomFields(cat); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.cfg.BuildListDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build list dir: %w", err)
	}

	run := &batchRun{
		engine:  e,
		cat:     cat,
		records: b.Records,
		sink:    newSink(errs, e.cfg.Delimiter),
		logger:  e.logger,
		cls:     newClassification(),
	}

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"classify", run.classify},
		{"new-devices", run.submitNewDevices},
		{"update", run.updateExisting},
		{"pairing", run.pair},
		{"custom-fields", run.updateCustomFields},
	}
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		started := time.Now()
		if err := phase.fn(ctx); err != nil {
			return nil, fmt.Errorf("%s phase: %w", phase.name, err)
		}
		peak := run.peaks[phase.name]
		e.lastPeaks.Store(phase.name, peak)
		if e.onPhase != nil {
			e.onPhase(phase.name, time.Since(started), peak)
		}
		e.logger.Debug("phase finished", "phase", phase.name, "elapsed", time.Since(started).String())
	}

	failed := run.sink.FailedRecords()
	out := &Outcome{
		Total:        len(b.Records),
		Failed:       failed,
		Succeeded:    len(b.Records) - failed,
		Lines:        run.sink.Lines(),
		StagingFiles: run.staged,
	}
	if sinkErr := run.sink.Err(); sinkErr != nil {
		return out, fmt.Errorf("write error file: %w", sinkErr)
	}
	return out, nil
}

// batchRun is the state of one Run call.
type batchRun struct {
	engine  *Engine
	cat     *registry.Catalog
	records []model.ImportRecord
	sink    *sink
	logger  *slog.Logger
	cls     *classification
	peaks   map[string]int
	staged  []string
}

// runPooled fans fn out over items and joins with the drain timeout.
func (r *batchRun) runPooled(ctx context.Context, phase string, n int, fn func(ctx context.Context, i int)) error {
	pool := workpool.New(phase, r.engine.cfg.MaxWorkers)
	pool.OnPanic = r.engine.onPanic
	var dispatchErr error
	for i := 0; i < n; i++ {
		if err := pool.Go(ctx, func(ctx context.Context) { fn(ctx, i) }); err != nil {
			dispatchErr = err
			break
		}
	}
	waitErr := pool.Wait(r.engine.cfg.DrainTimeout)
	if r.peaks == nil {
		r.peaks = map[string]int{}
	}
	r.peaks[phase] = pool.Peak()
	if waitErr != nil {
		return waitErr
	}
	return dispatchErr
}

// sink collects per-record failures. Appends are serialized; a record
// counts once no matter how many lines it produces.
type sink struct {
	mu      sync.Mutex
	file    *batch.ErrorFile
	delim   string
	lines   []string
	failed  map[int]struct{}
	fileErr error
}

func newSink(file *batch.ErrorFile, delim string) *sink {
	return &sink{file: file, delim: delim, failed: map[int]struct{}{}}
}

func (s *sink) Fail(rec model.ImportRecord, reason string) {
	line := batch.FormatErrorRecord(rec, s.delim, reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	s.failed[rec.Line] = struct{}{}
	if s.file != nil && s.fileErr == nil {
		s.fileErr = s.file.Append(line)
	}
}

func (s *sink) HasFailed(rec model.ImportRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[rec.Line]
	return ok
}

func (s *sink) FailedRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed)
}

func (s *sink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.lines...)
	sort.Strings(out)
	return out
}

func (s *sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileErr
}

func coded(code, format string, args ...any) string {
	return code + " " + fmt.Sprintf(format, args...)
}
