package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/micro-ha/device-intake/internal/model"
)

var ErrNotFound = errors.New("not found")

// Run log codes reported in the batch error file.
const (
	CodeDuplicateRunID = "EC_1"
	CodeRunLog         = "EC_16"
)

// RunIDError rejects a batch because of its run id.
type RunIDError struct {
	Code       string
	RunID      int64
	FixedRunID int64
	Message    string
}

func (e *RunIDError) Error() string {
	if e == nil {
		return "run id rejected"
	}
	return e.Code + " " + e.Message
}

const runColumns = `id, run_id, fixed_run_id, source_uri, archive_path, start_time, end_time,
	succeeded_count, failed_count, outcome`

// NextRunID returns the run id a normal run must carry next.
func (r *Repository) NextRunID(ctx context.Context) (int64, error) {
	return r.ExecScalar(ctx, `SELECT COALESCE(MAX(run_id), 0) + 1 FROM run_log`)
}

// CountRun returns how many rows carry runID.
func (r *Repository) CountRun(ctx context.Context, runID int64) (int64, error) {
	return r.ExecScalar(ctx, `SELECT COUNT(*) FROM run_log WHERE run_id = ?`, runID)
}

// BeginRun records the start of a batch run. A normal run must follow the
// highest recorded run id and may not repeat one; the first run seeds the
// sequence. A fix run must name an existing run and restarts it.
func (r *Repository) BeginRun(ctx context.Context, entry model.ImportLogEntry) error {
	if entry.StartTime.IsZero() {
		entry.StartTime = time.Now().UTC()
	}
	existing, err := r.CountRun(ctx, entry.RunID)
	if err != nil {
		return fmt.Errorf("count run %d: %w", entry.RunID, err)
	}

	if entry.IsFixRun() {
		if existing == 0 {
			return &RunIDError{
				Code:       CodeRunLog,
				RunID:      entry.RunID,
				FixedRunID: entry.FixedRunID,
				Message: fmt.Sprintf("An error occurred while writing the run log. File name contains FixedRunId %d for new RunId %d",
					entry.FixedRunID, entry.RunID),
			}
		}
		_, err := r.ExecNonQuery(ctx, `
			UPDATE run_log SET fixed_run_id = ?, source_uri = ?, archive_path = ?, start_time = ?,
				end_time = NULL, succeeded_count = 0, failed_count = 0, outcome = ''
			WHERE run_id = ?`,
			entry.FixedRunID, entry.SourceURI, entry.ArchivePath, fromTimePtr(&entry.StartTime), entry.RunID)
		return err
	}

	if existing > 0 {
		return &RunIDError{
			Code:    CodeDuplicateRunID,
			RunID:   entry.RunID,
			Message: fmt.Sprintf("Duplicate RunID received. RunId: %d", entry.RunID),
		}
	}
	total, err := r.ExecScalar(ctx, `SELECT COUNT(*) FROM run_log`)
	if err != nil {
		return err
	}
	if total > 0 {
		next, err := r.NextRunID(ctx)
		if err != nil {
			return err
		}
		if entry.RunID != next {
			return &RunIDError{
				Code:  CodeRunLog,
				RunID: entry.RunID,
				Message: fmt.Sprintf("An error occurred while writing the run log. RunId %d not a contiguous value; next run id expected is %d",
					entry.RunID, next),
			}
		}
	}

	_, err = r.ExecNonQuery(ctx, `
		INSERT INTO run_log (run_id, fixed_run_id, source_uri, archive_path, start_time, succeeded_count, failed_count, outcome)
		VALUES (?, NULL, ?, ?, ?, 0, 0, '')`,
		entry.RunID, entry.SourceURI, entry.ArchivePath, fromTimePtr(&entry.StartTime))
	if isUniqueConstraintError(err) {
		return &RunIDError{
			Code:    CodeDuplicateRunID,
			RunID:   entry.RunID,
			Message: fmt.Sprintf("Duplicate RunID received. RunId: %d", entry.RunID),
		}
	}
	return err
}

// isUniqueConstraintError reports duplicate key violations from either
// driver.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// FinishRun stamps the end time, counts and outcome of a run.
func (r *Repository) FinishRun(ctx context.Context, runID int64, succeeded, failed int, outcome model.Outcome) error {
	now := time.Now().UTC()
	rows, err := r.ExecNonQuery(ctx, `
		UPDATE run_log SET end_time = ?, succeeded_count = ?, failed_count = ?, outcome = ?
		WHERE run_id = ?`,
		fromTimePtr(&now), succeeded, failed, string(outcome), runID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]model.ImportLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT `+runColumns+` FROM run_log ORDER BY run_id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ImportLogEntry, 0)
	for rows.Next() {
		entry, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (r *Repository) GetRun(ctx context.Context, runID int64) (model.ImportLogEntry, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+runColumns+` FROM run_log WHERE run_id = ?`), runID)
	entry, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ImportLogEntry{}, ErrNotFound
	}
	return entry, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.ImportLogEntry, error) {
	var (
		entry     model.ImportLogEntry
		fixed     sql.NullInt64
		startTime string
		endTime   sql.NullString
		outcome   string
	)
	if err := row.Scan(&entry.ID, &entry.RunID, &fixed, &entry.SourceURI, &entry.ArchivePath,
		&startTime, &endTime, &entry.SucceededCount, &entry.FailedCount, &outcome); err != nil {
		return model.ImportLogEntry{}, err
	}
	entry.FixedRunID = fixed.Int64
	if ts, err := time.Parse(time.RFC3339Nano, startTime); err == nil {
		entry.StartTime = ts.UTC()
	}
	entry.EndTime = toTimePtr(endTime)
	entry.Outcome = model.Outcome(outcome)
	return entry, nil
}
