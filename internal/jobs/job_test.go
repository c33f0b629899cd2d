// SPDX-License-Identifier: MIT

package jobs

import (
	"strings"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	j := New("j1", "T1", ModalityEmbedding, map[string]any{"path": "a.flac"}, PriorityNormal)

	if j.Status != StatusPending {
		t.Fatalf("new job status = %s, want pending", j.Status)
	}
	if err := j.MarkProcessing(); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := j.MarkCompleted(map[string]any{"model_version": "v1"}); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if j.Progress != 1.0 {
		t.Errorf("completed progress = %v, want 1.0", j.Progress)
	}

	// Terminal states are sticky.
	if err := j.MarkFailed("boom"); err == nil {
		t.Fatal("expected error transitioning completed -> failed")
	}
	if err := j.MarkCancelled(); err == nil {
		t.Fatal("expected error cancelling a completed job")
	}
}

func TestCancelPendingWithoutWorker(t *testing.T) {
	j := New("j2", "T2", ModalitySeparation, nil, PriorityStreaming)
	if err := j.MarkCancelled(); err != nil {
		t.Fatalf("pending -> cancelled: %v", err)
	}
	if !j.Status.Terminal() {
		t.Error("cancelled should be terminal")
	}
}

func TestPauseResumeCycle(t *testing.T) {
	j := New("j3", "https://example.com/track", ModalityDownload, nil, PriorityNormal)
	if err := j.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkPaused(); err != nil {
		t.Fatalf("processing -> paused: %v", err)
	}
	if j.Status.Terminal() {
		t.Error("paused must not be terminal")
	}
	if err := j.MarkPending(); err != nil {
		t.Fatalf("paused -> pending: %v", err)
	}
	if err := j.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkFailed("rate limit hit"); err != nil {
		t.Fatal(err)
	}
	if j.Error != "rate limit hit" {
		t.Errorf("error = %q", j.Error)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	j := New("0d1e6a9c", "T42", ModalityEmbedding, nil, PriorityLow)
	j.CreatedAt = time.Date(2025, 11, 3, 9, 15, 0, 0, time.UTC)
	j.UpdatedAt = time.Date(2025, 11, 3, 9, 16, 30, 0, time.UTC)
	if err := j.MarkProcessing(); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkCompleted(map[string]any{"model_version": "clap-v2", "dims": float64(512)}); err != nil {
		t.Fatal(err)
	}

	data, err := j.MarshalEnvelope()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseEnvelope(data)
	if err != nil {
		t.Fatal(err)
	}

	if got.ID != j.ID || got.SubjectID != j.SubjectID || got.Status != j.Status ||
		got.Priority != j.Priority || got.Progress != j.Progress || got.Error != j.Error {
		t.Errorf("round trip mismatch: got %+v want %+v", got, j)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) || !got.UpdatedAt.Equal(j.UpdatedAt.UTC().Truncate(time.Second)) {
		t.Errorf("timestamp mismatch: got %v/%v", got.CreatedAt, got.UpdatedAt)
	}
	if got.Result["model_version"] != "clap-v2" {
		t.Errorf("result lost in round trip: %v", got.Result)
	}
}

func TestEnvelopeOptionalFieldsOmitted(t *testing.T) {
	j := New("j5", "T5", ModalityEnrichment, nil, PriorityNormal)
	data, err := j.MarshalEnvelope()
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	for _, forbidden := range []string{`"result"`, `"error"`} {
		if strings.Contains(s, forbidden) {
			t.Errorf("empty envelope should omit %s: %s", forbidden, s)
		}
	}
}

func TestFieldsRoundTrip(t *testing.T) {
	j := New("j6", "T6", ModalityDownload, map[string]any{"url": "https://x/y", "format": "flac"}, PriorityStreaming)
	j.SetProgress(0.25)

	fields, err := j.Fields()
	if err != nil {
		t.Fatal(err)
	}
	strFields := make(map[string]string, len(fields))
	for k, v := range fields {
		strFields[k] = v.(string)
	}
	got, err := FromFields(strFields)
	if err != nil {
		t.Fatal(err)
	}
	if got.SubjectID != j.SubjectID || got.Modality != j.Modality || got.Progress != 0.25 {
		t.Errorf("fields round trip mismatch: %+v", got)
	}
	if got.Input["url"] != "https://x/y" {
		t.Errorf("input lost: %v", got.Input)
	}
}
