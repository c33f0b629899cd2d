// SPDX-License-Identifier: MIT

package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Fields serializes the job as a flat field map for the Redis job hash.
// Nested values (input, result) are stored as JSON strings.
func (j *Job) Fields() (map[string]any, error) {
	m := map[string]any{
		"id":         j.ID,
		"subject_id": j.SubjectID,
		"modality":   string(j.Modality),
		"status":     string(j.Status),
		"priority":   strconv.Itoa(int(j.Priority)),
		"progress":   strconv.FormatFloat(j.Progress, 'f', -1, 64),
		"created_at": j.CreatedAt.UTC().Format(TimeLayout),
		"updated_at": j.UpdatedAt.UTC().Format(TimeLayout),
	}
	if j.Input != nil {
		b, err := json.Marshal(j.Input)
		if err != nil {
			return nil, fmt.Errorf("marshal input: %w", err)
		}
		m["input"] = string(b)
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("marshal result: %w", err)
		}
		m["result"] = string(b)
	}
	if j.Error != "" {
		m["error"] = j.Error
	}
	return m, nil
}

// FromFields reconstructs a job from a Redis hash field map.
func FromFields(m map[string]string) (*Job, error) {
	if len(m) == 0 {
		return nil, fmt.Errorf("empty field map")
	}
	j := &Job{
		ID:        m["id"],
		SubjectID: m["subject_id"],
		Modality:  Modality(m["modality"]),
		Status:    Status(m["status"]),
		Error:     m["error"],
	}
	if !j.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q for job %q", m["status"], j.ID)
	}
	if v, ok := m["priority"]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse priority: %w", err)
		}
		j.Priority = Priority(p)
	}
	if v, ok := m["progress"]; ok {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("parse progress: %w", err)
		}
		j.Progress = p
	}
	if v, ok := m["input"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &j.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if v, ok := m["result"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &j.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	var err error
	if j.CreatedAt, err = time.Parse(TimeLayout, m["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(TimeLayout, m["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return j, nil
}
