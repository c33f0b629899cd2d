// SPDX-License-Identifier: MIT

// Package jobs defines the universal job record shared by every plugin:
// statuses, priorities, the wire envelope and the Redis field-map codec.
package jobs

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a job. Transitions form a DAG:
// pending -> {processing -> {completed | failed}, cancelled}. The downloader
// additionally holds jobs in paused (non-terminal) between processing and a
// later resume. Once terminal, a job's status never changes.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusPaused     Status = "paused"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the DAG.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled || next == StatusPaused
	case StatusPaused:
		return next == StatusPending || next == StatusCancelled
	}
	return false
}

// Priority orders jobs in the scheduler; lower values drain first.
type Priority int

const (
	PriorityStreaming Priority = 0
	PriorityNormal    Priority = 10
	PriorityLow       Priority = 20
)

// String returns the operator-facing name of the priority class.
func (p Priority) String() string {
	switch p {
	case PriorityStreaming:
		return "streaming"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("p%d", int(p))
	}
}

// Modality tags the kind of work a job carries.
type Modality string

const (
	ModalityEmbedding  Modality = "embedding"
	ModalitySeparation Modality = "stem-separation"
	ModalityEnrichment Modality = "enrichment"
	ModalityDownload   Modality = "download"
)

// Job is the universal durable record. SubjectID is the externally
// meaningful key (track id, URL) used for deduplication; Input carries the
// back-end specific payload.
type Job struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id"`
	Modality  Modality       `json:"modality"`
	Input     map[string]any `json:"input_descriptor,omitempty"`
	Status    Status         `json:"status"`
	Priority  Priority       `json:"priority"`
	Progress  float64        `json:"progress"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"-"`
	UpdatedAt time.Time      `json:"-"`
}

// New constructs a pending job with UTC second-resolution timestamps, the
// resolution the envelope serializes.
func New(id, subjectID string, modality Modality, input map[string]any, priority Priority) *Job {
	now := time.Now().UTC().Truncate(time.Second)
	return &Job{
		ID:        id,
		SubjectID: subjectID,
		Modality:  modality,
		Input:     input,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps UpdatedAt.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now().UTC().Truncate(time.Second)
}

// MarkProcessing transitions the job to processing.
func (j *Job) MarkProcessing() error {
	return j.transition(StatusProcessing)
}

// MarkCompleted transitions the job to completed with the given result.
func (j *Job) MarkCompleted(result map[string]any) error {
	if err := j.transition(StatusCompleted); err != nil {
		return err
	}
	j.Progress = 1.0
	j.Result = result
	return nil
}

// MarkFailed transitions the job to failed, recording the error text.
func (j *Job) MarkFailed(msg string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.Error = msg
	return nil
}

// MarkCancelled transitions the job to cancelled.
func (j *Job) MarkCancelled() error {
	return j.transition(StatusCancelled)
}

// MarkPaused holds a processing job (downloader only).
func (j *Job) MarkPaused() error {
	return j.transition(StatusPaused)
}

// MarkPending demotes a paused or recovered job back to pending.
func (j *Job) MarkPending() error {
	if j.Status == StatusProcessing {
		// Operator-driven demotion on recovery bypasses the forward-only DAG.
		j.Status = StatusPending
		j.Touch()
		return nil
	}
	return j.transition(StatusPending)
}

func (j *Job) transition(next Status) error {
	if !j.Status.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for job %s: %w", j.Status, next, j.ID, ErrConflict)
	}
	j.Status = next
	j.Touch()
	return nil
}

// SetProgress clamps and records progress in [0,1].
func (j *Job) SetProgress(p float64) {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	j.Progress = p
	j.Touch()
}

// ErrConflict marks illegal lifecycle transitions (cancel on a terminal job,
// double completion). The HTTP boundary maps it to 400.
var ErrConflict = fmt.Errorf("job state conflict")
