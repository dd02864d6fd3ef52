// Package progress tracks the live stage of the running pipeline so it can be
// polled without reading the persisted attempt.
package progress

import (
	"errors"
	"sync"
	"time"
)

// ErrNotTracking is returned when no pipeline has been started.
var ErrNotTracking = errors.New("progress: no pipeline tracked")

// Status represents the state of the tracked pipeline.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Report is the progress state of one pipeline run.
type Report struct {
	AttemptID string    `json:"attempt_id"`
	Operation string    `json:"operation"`
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	Message   string    `json:"message"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status"`
}

// Tracker holds the report of the most recent pipeline run. A new Start
// replaces it.
type Tracker struct {
	mu     sync.RWMutex
	report *Report
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Start begins tracking a pipeline run.
func (t *Tracker) Start(operation, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.report = &Report{
		Operation: operation,
		Stage:     stage,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// SetAttempt records which attempt the run belongs to once it exists.
func (t *Tracker) SetAttempt(attemptID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.report == nil {
		return ErrNotTracking
	}
	t.report.AttemptID = attemptID
	return nil
}

// Stage moves to a new stage. Percent is clamped to 0-100.
func (t *Tracker) Stage(stage string, percent int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.report == nil {
		return ErrNotTracking
	}
	t.report.Stage = stage
	t.report.Percent = clamp(percent)
	t.report.Message = message
	t.report.UpdatedAt = time.Now()
	return nil
}

// Update changes percent and message within the current stage.
func (t *Tracker) Update(percent int, message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.report == nil {
		return ErrNotTracking
	}
	t.report.Percent = clamp(percent)
	if message != "" {
		t.report.Message = message
	}
	t.report.UpdatedAt = time.Now()
	return nil
}

// Complete marks the run as completed with Percent=100.
func (t *Tracker) Complete(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.report == nil {
		return ErrNotTracking
	}
	t.report.Percent = 100
	t.report.Status = StatusCompleted
	t.report.Message = message
	t.report.UpdatedAt = time.Now()
	return nil
}

// Fail marks the run as failed, keeping the current stage and percent.
func (t *Tracker) Fail(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.report == nil {
		return ErrNotTracking
	}
	t.report.Status = StatusFailed
	t.report.Message = message
	t.report.UpdatedAt = time.Now()
	return nil
}

// Current returns a copy of the tracked report.
func (t *Tracker) Current() (Report, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.report == nil {
		return Report{}, ErrNotTracking
	}
	return *t.report, nil
}

func clamp(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
