package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/remotefs"
)

// State is where the polling loop currently is.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateListing     State = "listing"
	StateDownloading State = "downloading"
	StateDelivering  State = "delivering"
	StateSleeping    State = "sleeping"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// Config is fixed for the life of the process.
type Config struct {
	Interval            time.Duration
	Patterns            []string
	InTransitExt        string
	DeleteAfterDownload bool
	StagingRoot         string
	RemoteDir           string
	DownloadAttempts    int
	RetryDelay          time.Duration
	FailureBackoff      time.Duration
	DedupSize           int
	DedupTTL            time.Duration
}

func (c Config) normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if len(c.Patterns) == 0 {
		c.Patterns = []string{"*.new"}
	}
	if c.DownloadAttempts <= 0 {
		c.DownloadAttempts = 3
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.FailureBackoff <= 0 {
		c.FailureBackoff = c.Interval
	}
	if c.DedupSize <= 0 {
		c.DedupSize = 1024
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.RemoteDir == "" {
		c.RemoteDir = "/"
	}
	return c
}

// Remote is the subset of remotefs.Client the watcher uses.
type Remote interface {
	List(ctx context.Context, dir, pattern string) ([]remotefs.Entry, error)
	Rename(ctx context.Context, from, to string) (bool, error)
	Download(ctx context.Context, p, localPath string) error
	Delete(ctx context.Context, p string) (bool, error)
	Exists(ctx context.Context, p string) (bool, error)
	Host() string
}

// Handler receives every retrieved file. Delivery is synchronous.
type Handler interface {
	HandleFile(ctx context.Context, ev model.FileEvent) error
}

// Status is a point-in-time view of the loop.
type Status struct {
	State     State      `json:"state"`
	LastCycle *time.Time `json:"last_cycle,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	Delivered int64      `json:"delivered"`
}

// CycleObserver is told about every finished cycle.
type CycleObserver func(elapsed time.Duration, delivered int, err error)

type Watcher struct {
	cfg     Config
	remote  Remote
	handler Handler
	logger  *slog.Logger

	refreshCh chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	seen *expirable.LRU[string, struct{}]

	mu     sync.Mutex
	status Status

	onCycle CycleObserver
	now     func() time.Time
	sleepFn func(ctx context.Context, wait time.Duration) error
}

func New(cfg Config, remote Remote, handler Handler, logger *slog.Logger) *Watcher {
	cfg = cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		cfg:       cfg,
		remote:    remote,
		handler:   handler,
		logger:    logger.With("component", "watcher"),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		seen:      expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		status:    Status{State: StateIdle},
		now:       time.Now,
		sleepFn:   sleepContext,
	}
}

// SetCycleObserver installs a callback used for metrics.
func (w *Watcher) SetCycleObserver(fn CycleObserver) {
	w.onCycle = fn
}

// TriggerRefresh wakes the loop early. It never blocks.
func (w *Watcher) TriggerRefresh() {
	select {
	case w.refreshCh <- struct{}{}:
	default:
	}
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.status
	return out
}

func (w *Watcher) setState(state State) {
	w.mu.Lock()
	w.status.State = state
	w.mu.Unlock()
}

// Run polls until Stop, ForceStop or ctx ends. Each cycle error is logged and
// stretches the next sleep to the failure backoff.
func (w *Watcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancelMu.Lock()
	w.cancel = cancel
	w.cancelMu.Unlock()
	defer cancel()
	defer w.doneOnce.Do(func() { close(w.done) })
	defer w.setState(StateStopped)

	for {
		if w.stopRequested() || ctx.Err() != nil {
			return
		}
		wait := w.cfg.Interval
		if err := w.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logCycleError(err)
			wait = w.cfg.FailureBackoff
		}

		w.setState(StateSleeping)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.stopCh:
			timer.Stop()
			return
		case <-w.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop asks the loop to exit at its next check and waits for it. When ctx
// ends first the loop is force-stopped.
func (w *Watcher) Stop(ctx context.Context) error {
	w.setState(StateStopping)
	w.stopOnce.Do(func() { close(w.stopCh) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.ForceStop()
		return ctx.Err()
	}
}

// ForceStop cancels the loop context, abandoning in-flight work.
func (w *Watcher) ForceStop() {
	w.cancelMu.Lock()
	cancel := w.cancel
	w.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Watcher) stopRequested() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// logCycleError separates an unreachable server from a failed cycle.
func (w *Watcher) logCycleError(err error) {
	if remotefs.IsConnectError(err) {
		w.logger.Warn("remote server unreachable", "host", w.remote.Host(), "err", err, "backoff", w.cfg.FailureBackoff.String())
		return
	}
	w.logger.Error("poll cycle failed", "err", err, "backoff", w.cfg.FailureBackoff.String())
}

// PollOnce runs one cycle over every pattern. Per-file failures do not stop
// the cycle but are returned so the caller backs off.
func (w *Watcher) PollOnce(ctx context.Context) error {
	started := w.now()
	w.setState(StatePolling)

	delivered := 0
	var errs []error
	for _, pattern := range w.cfg.Patterns {
		w.setState(StateListing)
		entries, err := w.remote.List(ctx, w.cfg.RemoteDir, pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", pattern, err))
			continue
		}
		for _, entry := range entries {
			if w.stopRequested() || ctx.Err() != nil {
				break
			}
			ok, err := w.handleEntry(ctx, pattern, entry)
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				delivered++
			}
		}
	}

	err := errors.Join(errs...)
	finished := w.now()
	w.mu.Lock()
	w.status.LastCycle = &finished
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.status.Delivered += int64(delivered)
	w.mu.Unlock()
	if w.onCycle != nil {
		w.onCycle(finished.Sub(started), delivered, err)
	}
	return err
}

func (w *Watcher) handleEntry(ctx context.Context, pattern string, entry remotefs.Entry) (bool, error) {
	remotePath := remotefs.Join(w.cfg.RemoteDir, entry.Name)
	key := remotePath + "|" + strconv.FormatInt(entry.Size, 10) + "|" + strconv.FormatInt(entry.ModTime.UnixNano(), 10)
	if w.seen.Contains(key) {
		return false, nil
	}
	logger := w.logger.With("file", entry.Name)

	claimed := remotePath
	if w.cfg.InTransitExt != "" {
		base := strings.TrimSuffix(entry.Name, path.Ext(entry.Name))
		target := remotefs.Join(w.cfg.RemoteDir, base+w.cfg.InTransitExt)
		if ok, err := w.remote.Rename(ctx, remotePath, target); err != nil || !ok {
			logger.Warn("claim failed; skipping file", "target", target, "err", err)
			return false, fmt.Errorf("claim %s: %w", entry.Name, errOrUnknown(err))
		}
		claimed = target
	}

	w.setState(StateDownloading)
	localPath, err := w.download(ctx, claimed, entry.Name)
	if err != nil {
		logger.Error("download failed", "remote", claimed, "err", err)
		return false, err
	}

	if w.cfg.DeleteAfterDownload {
		if err := w.deleteConfirmed(ctx, claimed); err != nil {
			logger.Warn("remote delete not confirmed", "remote", claimed, "err", err)
		}
	}

	w.seen.Add(key, struct{}{})
	w.setState(StateDelivering)
	ev := model.FileEvent{
		LocalPath:    localPath,
		OriginalName: entry.Name,
		RemotePath:   claimed,
		Pattern:      pattern,
		Size:         entry.Size,
	}
	if info, statErr := os.Stat(localPath); statErr == nil {
		ev.Size = info.Size()
	}
	logger.Info("file received", "local", localPath, "size", ev.Size)
	if err := w.handler.HandleFile(ctx, ev); err != nil {
		return true, fmt.Errorf("handle %s: %w", entry.Name, err)
	}
	return true, nil
}

// download fetches remote into the dated staging directory. An attempt only
// counts when the local file exists afterwards.
func (w *Watcher) download(ctx context.Context, remote, name string) (string, error) {
	today := w.now()
	dir := filepath.Join(w.cfg.StagingRoot, today.Format("2006"), today.Format("01"), today.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	localPath := filepath.Join(dir, name)
	if _, err := os.Stat(localPath); err == nil {
		aside := localPath + "." + uuid.NewString()
		if err := os.Rename(localPath, aside); err != nil {
			return "", fmt.Errorf("move aside %s: %w", localPath, err)
		}
		w.logger.Info("moved existing staging file aside", "from", localPath, "to", aside)
	}

	var lastErr error
	for attempt := 1; attempt <= w.cfg.DownloadAttempts; attempt++ {
		err := w.remote.Download(ctx, remote, localPath)
		if err == nil {
			if _, statErr := os.Stat(localPath); statErr == nil {
				return localPath, nil
			}
			err = fmt.Errorf("local file %s missing after download", localPath)
		}
		lastErr = err
		w.logger.Warn("download attempt failed", "remote", remote, "attempt", attempt, "err", err)
		if attempt < w.cfg.DownloadAttempts {
			if err := w.sleepFn(ctx, w.cfg.RetryDelay); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("download %s after %d attempts: %w", remote, w.cfg.DownloadAttempts, lastErr)
}

// deleteConfirmed retries the delete until a follow-up existence check says
// the file is gone. The delete call's own result is not trusted.
func (w *Watcher) deleteConfirmed(ctx context.Context, remote string) error {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.DownloadAttempts; attempt++ {
		if _, err := w.remote.Delete(ctx, remote); err != nil {
			lastErr = err
		}
		exists, err := w.remote.Exists(ctx, remote)
		switch {
		case err != nil:
			lastErr = err
		case !exists:
			return nil
		default:
			lastErr = errors.New("file still present after delete")
		}
		if attempt < w.cfg.DownloadAttempts {
			if err := w.sleepFn(ctx, w.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func errOrUnknown(err error) error {
	if err != nil {
		return err
	}
	return errors.New("server refused rename")
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
