// Package lifecycle drives one retrieved exchange file from archive to the
// outcome marker on the remote server.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/micro-ha/device-intake/internal/batch"
	"github.com/micro-ha/device-intake/internal/events"
	"github.com/micro-ha/device-intake/internal/metrics"
	"github.com/micro-ha/device-intake/internal/model"
	"github.com/micro-ha/device-intake/internal/reconcile"
	"github.com/micro-ha/device-intake/internal/storage"
)

const (
	errorExt           = ".error"
	defaultAttempts    = 3
	defaultReportDelay = 2 * time.Second
)

// Remote is the subset of the remote file client used for reporting.
type Remote interface {
	Rename(ctx context.Context, from, to string) (bool, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	URI(p string) string
}

// RunLog records the audit row of every batch.
type RunLog interface {
	BeginRun(ctx context.Context, entry model.ImportLogEntry) error
	FinishRun(ctx context.Context, runID int64, succeeded, failed int, outcome model.Outcome) error
}

// Reconciler applies a validated batch.
type Reconciler interface {
	Run(ctx context.Context, b *batch.Batch, errs *batch.ErrorFile) (*reconcile.Outcome, error)
}

type Config struct {
	ArchiveDir       string
	Delimiter        string
	DeviceTypePaired string
	ReportAttempts   int
	ReportDelay      time.Duration
}

// Controller implements watcher.Handler.
type Controller struct {
	cfg     Config
	remote  Remote
	runs    RunLog
	engine  Reconciler
	hub     *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger

	now     func() time.Time
	newID   func() string
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, remote Remote, runs RunLog, engine Reconciler, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = defaultAttempts
	}
	if cfg.ReportDelay <= 0 {
		cfg.ReportDelay = defaultReportDelay
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = "|"
	}
	return &Controller{
		cfg:     cfg,
		remote:  remote,
		runs:    runs,
		engine:  engine,
		hub:     hub,
		metrics: m,
		logger:  logger.With("component", "lifecycle"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
		sleepFn: sleepContext,
	}
}

// job is the state of one HandleFile call.
type job struct {
	id       string
	ev       model.FileEvent
	logger   *slog.Logger
	errFile  *batch.ErrorFile
	runID    int64
	begun    bool
	remoteIn string
}

// HandleFile processes one delivered file. A rejected batch is a normal
// outcome; the returned error reports that the outcome could not be
// written back to the remote server.
func (c *Controller) HandleFile(ctx context.Context, ev model.FileEvent) error {
	j := &job{
		id:       c.newID(),
		ev:       ev,
		remoteIn: ev.RemotePath,
	}
	j.logger = c.logger.With("batch_id", j.id, "file", ev.OriginalName)
	c.publish(events.Event{Type: events.TypeFileReceived, BatchID: j.id, File: ev.OriginalName})
	j.logger.Info("batch received", "remote", ev.RemotePath, "size", ev.Size)

	errFile, err := batch.NewErrorFile(localErrorPath(ev.LocalPath))
	if err != nil {
		return fmt.Errorf("prepare error file: %w", err)
	}
	j.errFile = errFile

	archived, err := c.archive(ev)
	if err != nil {
		j.logger.Error("archive failed", "err", err)
		return c.reject(ctx, j, fmt.Sprintf("%s An unexpected error occurred while validating. %v", batch.CodeUnexpectedValidate, err))
	}

	entry, err := parseRunName(ev.OriginalName)
	if err != nil {
		return c.reject(ctx, j, err.Error())
	}
	entry.SourceURI = c.remote.URI(ev.RemotePath)
	entry.ArchivePath = archived
	entry.StartTime = c.now()
	if err := c.runs.BeginRun(ctx, entry); err != nil {
		var runErr *storage.RunIDError
		if errors.As(err, &runErr) {
			return c.reject(ctx, j, runErr.Error())
		}
		return c.reject(ctx, j, fmt.Sprintf("%s An error occurred while writing the run log. %v", batch.CodeRunLog, err))
	}
	j.runID, j.begun = entry.RunID, true
	j.logger = j.logger.With("run_id", entry.RunID)

	b, err := batch.ParseFile(ev.LocalPath, batch.Options{Delimiter: c.cfg.Delimiter, DeviceTypePaired: c.cfg.DeviceTypePaired})
	if err != nil {
		if verr, ok := batch.AsValidationError(err); ok {
			return c.reject(ctx, j, verr.Message)
		}
		return c.reject(ctx, j, fmt.Sprintf("%s An unexpected error occurred while validating. %v", batch.CodeUnexpectedValidate, err))
	}
	j.logger.Info("batch validated", "records", len(b.Records), "pairs", b.PairCount)

	out, err := c.engine.Run(ctx, b, j.errFile)
	if err != nil {
		if verr, ok := batch.AsValidationError(err); ok {
			return c.reject(ctx, j, verr.Message)
		}
		if ctx.Err() != nil {
			j.logger.Warn("batch interrupted", "err", err)
		}
		return c.reject(ctx, j, fmt.Sprintf("%s An unexpected error occurred. %v", batch.CodeUnexpectedProcess, err))
	}

	outcome := model.OutcomeSuccess
	if out.Failed > 0 {
		outcome = model.OutcomePartial
	}
	reportErr := c.report(ctx, j, outcome)
	if err := c.runs.FinishRun(ctx, j.runID, out.Succeeded, out.Failed, outcome); err != nil {
		j.logger.Error("finish run failed", "err", err)
	}
	c.finish(j, outcome, out.Succeeded, out.Failed, "")
	j.logger.Info("batch completed", "outcome", outcome, "succeeded", out.Succeeded, "failed", out.Failed)
	return reportErr
}

// reject writes message to the error file, marks the remote file .fail and
// pushes the error file next to it.
func (c *Controller) reject(ctx context.Context, j *job, message string) error {
	j.logger.Warn("batch rejected", "reason", message)
	if err := j.errFile.Append(message); err != nil {
		j.logger.Error("write error file failed", "err", err)
	}
	reportErr := c.report(ctx, j, model.OutcomeFail)
	if j.begun {
		if err := c.runs.FinishRun(ctx, j.runID, 0, 0, model.OutcomeFail); err != nil {
			j.logger.Error("finish run failed", "err", err)
		}
	}
	c.finish(j, model.OutcomeFail, 0, 0, message)
	return reportErr
}

// report renames the claimed file to its outcome marker and uploads the
// error file when it has content.
func (c *Controller) report(ctx context.Context, j *job, outcome model.Outcome) error {
	dir, err := c.mark(ctx, j, outcome)
	if err != nil {
		return err
	}
	if j.errFile.Lines() == 0 {
		return nil
	}
	target := path.Join(dir, baseName(j.ev.OriginalName)+errorExt)
	err = c.retry(ctx, func() error {
		return c.remote.Upload(ctx, j.errFile.Path(), target)
	})
	if err != nil {
		j.logger.Error("upload error file failed", "remote", target, "err", err)
		return fmt.Errorf("upload %s: %w", target, err)
	}
	return nil
}

func (c *Controller) mark(ctx context.Context, j *job, outcome model.Outcome) (string, error) {
	dir := path.Dir(j.remoteIn)
	target := path.Join(dir, baseName(j.ev.OriginalName)+outcome.Extension())
	err := c.retry(ctx, func() error {
		_, err := c.remote.Rename(ctx, j.remoteIn, target)
		return err
	})
	if err != nil {
		j.logger.Error("outcome rename failed", "from", j.remoteIn, "to", target, "err", err)
		return dir, fmt.Errorf("mark %s: %w", target, err)
	}
	j.remoteIn = target
	return dir, nil
}

func (c *Controller) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.ReportAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < c.cfg.ReportAttempts {
			if sleepErr := c.sleepFn(ctx, c.cfg.ReportDelay); sleepErr != nil {
				return errors.Join(err, sleepErr)
			}
		}
	}
	return err
}

func (c *Controller) finish(j *job, outcome model.Outcome, succeeded, failed int, message string) {
	c.metrics.ObserveBatch(outcome, succeeded, failed)
	typ := events.TypeBatchCompleted
	if outcome == model.OutcomeFail {
		typ = events.TypeBatchRejected
	}
	c.publish(events.Event{
		Type:      typ,
		BatchID:   j.id,
		File:      j.ev.OriginalName,
		Outcome:   outcome,
		Succeeded: succeeded,
		Failed:    failed,
		Message:   message,
	})
}

func (c *Controller) publish(ev events.Event) {
	if c.hub == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	c.hub.Publish(ev)
}

// archive copies the local file into the archive directory.
func (c *Controller) archive(ev model.FileEvent) (string, error) {
	if c.cfg.ArchiveDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.cfg.ArchiveDir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(c.cfg.ArchiveDir, ev.OriginalName)
	in, err := os.Open(ev.LocalPath)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(target)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return "", err
	}
	return target, out.Close()
}

// parseRunName reads the run id from the third dot-separated part of the
// file name. Names with more than four parts carry the fixed run id in the
// fourth.
func parseRunName(name string) (model.ImportLogEntry, error) {
	parts := strings.Split(name, ".")
	if len(parts) < 4 {
		return model.ImportLogEntry{}, fmt.Errorf("%s An error occurred while writing the run log. File name %s does not contain a RunId",
			batch.CodeRunLog, name)
	}
	runID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || runID <= 0 {
		return model.ImportLogEntry{}, fmt.Errorf("%s An error occurred while writing the run log. RunId %q in file name %s is not a number",
			batch.CodeRunLog, parts[2], name)
	}
	entry := model.ImportLogEntry{RunID: runID}
	if len(parts) > 4 {
		fixed, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil || fixed <= 0 {
			return model.ImportLogEntry{}, fmt.Errorf("%s An error occurred while writing the run log. FixedRunId %q in file name %s is not a number",
				batch.CodeRunLog, parts[3], name)
		}
		entry.FixedRunID = fixed
	}
	return entry, nil
}

func baseName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name))
}

func localErrorPath(localPath string) string {
	return strings.TrimSuffix(localPath, filepath.Ext(localPath)) + errorExt
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
