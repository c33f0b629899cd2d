// SPDX-License-Identifier: MIT

package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the envelope timestamp format: UTC RFC3339 with a trailing Z
// and second resolution.
const TimeLayout = "2006-01-02T15:04:05Z"

// Envelope is the canonical JSON object the job API returns for any job.
type Envelope struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id"`
	Status    Status         `json:"status"`
	Priority  int            `json:"priority"`
	Progress  float64        `json:"progress"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// ToEnvelope renders the job as its wire envelope.
func (j *Job) ToEnvelope() Envelope {
	return Envelope{
		ID:        j.ID,
		SubjectID: j.SubjectID,
		Status:    j.Status,
		Priority:  int(j.Priority),
		Progress:  j.Progress,
		Result:    j.Result,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.UTC().Format(TimeLayout),
		UpdatedAt: j.UpdatedAt.UTC().Format(TimeLayout),
	}
}

// MarshalEnvelope serializes the job envelope to JSON.
func (j *Job) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(j.ToEnvelope())
}

// FromEnvelope reconstructs a job from its envelope. Modality and Input are
// not part of the envelope; callers needing them load the full record from
// the store.
func FromEnvelope(e Envelope) (*Job, error) {
	created, err := time.Parse(TimeLayout, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	updated, err := time.Parse(TimeLayout, e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if !e.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q", e.Status)
	}
	return &Job{
		ID:        e.ID,
		SubjectID: e.SubjectID,
		Status:    e.Status,
		Priority:  Priority(e.Priority),
		Progress:  e.Progress,
		Result:    e.Result,
		Error:     e.Error,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

// ParseEnvelope decodes envelope JSON into a job.
func ParseEnvelope(data []byte) (*Job, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return FromEnvelope(e)
}
