// SPDX-License-Identifier: MIT

package separate

import (
	"context"
	"reflect"
	"testing"

	"github.com/sonantica/workers/internal/backend"
	"github.com/sonantica/workers/internal/jobs"
)

func TestWantedStems(t *testing.T) {
	cases := []struct {
		name  string
		input map[string]any
		want  []string
	}{
		{"nil input", nil, DefaultStems},
		{"no stems key", map[string]any{"path": "a.flac"}, DefaultStems},
		{"subset", map[string]any{"stems": []any{"vocals", "drums"}}, []string{"vocals", "drums"}},
		{"unknown filtered", map[string]any{"stems": []any{"vocals", "theremin"}}, []string{"vocals"}},
		{"all unknown falls back", map[string]any{"stems": []any{"theremin"}}, DefaultStems},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := wantedStems(tc.input)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("wantedStems = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestProcessRejectsMissingPath(t *testing.T) {
	s := New(Config{Command: "demucs", OutputDir: t.TempDir()})
	job := jobs.New("j1", "T1", jobs.ModalitySeparation, map[string]any{}, jobs.PriorityNormal)
	_, err := s.Process(context.Background(), job, func(float64) {})
	if err == nil {
		t.Fatal("expected error for missing input path")
	}
}

func TestReadyReportsMissingTool(t *testing.T) {
	s := New(Config{Command: "definitely-not-a-real-binary-xyz", OutputDir: t.TempDir()})
	err := s.Ready(context.Background())
	if backend.KindOf(err) != backend.KindToolingMissing {
		t.Fatalf("kind = %q, want tooling-missing (%v)", backend.KindOf(err), err)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine([]byte("  one\ntwo\n")); got != "one" {
		t.Errorf("firstLine = %q", got)
	}
}
