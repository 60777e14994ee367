package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type ScheduleStatus string

const (
	StatusPending   ScheduleStatus = "pending"
	StatusEnqueued  ScheduleStatus = "enqueued"
	StatusCompleted ScheduleStatus = "completed"
	StatusCanceled  ScheduleStatus = "canceled"
	StatusFailed    ScheduleStatus = "failed"
)

// Normalize lowercases and trims the raw status.
func (s ScheduleStatus) Normalize() ScheduleStatus {
	return ScheduleStatus(strings.ToLower(strings.TrimSpace(string(s))))
}

type ScheduleHeader struct {
	ID      int64          `json:"id"`
	Status  ScheduleStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

// ScheduleError reports a schedule that ended canceled or failed.
type ScheduleError struct {
	Action      string
	BuildListID int64
	ScheduleID  int64
	Status      ScheduleStatus
	Message     string
}

func (e *ScheduleError) Error() string {
	if e == nil {
		return "schedule failed"
	}
	msg := fmt.Sprintf("%s schedule %d for build list %d ended %s", e.Action, e.ScheduleID, e.BuildListID, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// ScheduleTimeoutError reports a schedule that did not finish in time.
type ScheduleTimeoutError struct {
	Action      string
	BuildListID int64
	ScheduleID  int64
	Elapsed     time.Duration
}

func (e *ScheduleTimeoutError) Error() string {
	if e == nil {
		return "schedule timeout"
	}
	return fmt.Sprintf("timeout waiting for %s: build list %d, schedule %d, waited %d seconds",
		e.Action, e.BuildListID, e.ScheduleID, int(e.Elapsed.Seconds()))
}

// WaitOptions configures WaitForSchedule.
type WaitOptions struct {
	Action       string
	BuildListID  int64
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *slog.Logger
}

// WaitForSchedule polls a schedule until it completes. Unknown statuses are
// logged once and polling continues; the warning re-arms after the schedule
// reports pending or enqueued again.
func WaitForSchedule(ctx context.Context, reg Registry, scheduleID int64, opts WaitOptions) error {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	started := time.Now()
	deadline := started.Add(opts.Timeout)
	warned := false

	for {
		header, err := reg.Schedule(ctx, scheduleID)
		if err != nil {
			return fmt.Errorf("get schedule %d: %w", scheduleID, err)
		}

		switch status := header.Status.Normalize(); status {
		case StatusCompleted:
			return nil
		case StatusCanceled, StatusFailed:
			return &ScheduleError{
				Action:      opts.Action,
				BuildListID: opts.BuildListID,
				ScheduleID:  scheduleID,
				Status:      status,
				Message:     header.Message,
			}
		case StatusPending, StatusEnqueued:
			warned = false
		default:
			if !warned {
				logger.Warn("unknown schedule status; continuing to wait",
					"status", string(header.Status),
					"schedule_id", scheduleID,
					"build_list_id", opts.BuildListID,
					"action", opts.Action,
					"deadline", deadline.UTC().Format(time.RFC3339),
				)
				warned = true
			}
		}

		if !time.Now().Before(deadline) {
			return &ScheduleTimeoutError{
				Action:      opts.Action,
				BuildListID: opts.BuildListID,
				ScheduleID:  scheduleID,
				Elapsed:     time.Since(started),
			}
		}

		wait := opts.PollInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
