// SPDX-License-Identifier: MIT

package vector

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execs   []string
	args    [][]any
	execErr func(sql string) error

	rowExists bool
	rowErr    error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.args = append(f.args, args)
	if f.execErr != nil {
		if err := f.execErr(sql); err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

type boolRow struct {
	exists bool
	err    error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*bool)) = r.exists
	return nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return boolRow{exists: f.rowExists, err: f.rowErr}
}

func TestLiteral(t *testing.T) {
	cases := []struct {
		vec  []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{0.5}, "[0.5]"},
		{[]float32{0.25, -1, 3}, "[0.25,-1,3]"},
	}
	for _, c := range cases {
		if got := Literal(c.vec); got != c.want {
			t.Errorf("Literal(%v) = %q, want %q", c.vec, got, c.want)
		}
	}
}

func TestModalityValid(t *testing.T) {
	for _, m := range []Modality{ModalityAudio, ModalityLyrics, ModalityVisual, ModalityStems} {
		if !m.Valid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if Modality("midi").Valid() {
		t.Error("unknown modality should be invalid")
	}
}

func TestUpsertWritesVectorAndFlag(t *testing.T) {
	db := &fakeDB{}
	repo := New(db)

	err := repo.Upsert(context.Background(), ModalityLyrics, "t-1", []float32{1, 2}, "minilm-6")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("exec count = %d, want 2", len(db.execs))
	}
	if !strings.Contains(db.execs[0], "track_vectors_lyrics") ||
		!strings.Contains(db.execs[0], "ON CONFLICT (track_id)") {
		t.Errorf("upsert SQL: %s", db.execs[0])
	}
	if db.args[0][0] != "t-1" || db.args[0][1] != "[1,2]" || db.args[0][2] != "minilm-6" {
		t.Errorf("upsert args = %v", db.args[0])
	}
	if !strings.Contains(db.execs[1], "has_vector_lyrics") {
		t.Errorf("flag SQL: %s", db.execs[1])
	}
}

func TestUpsertUnknownModality(t *testing.T) {
	repo := New(&fakeDB{})
	if err := repo.Upsert(context.Background(), "midi", "t-1", []float32{1}, "m"); err == nil {
		t.Fatal("expected error for unknown modality")
	}
}

// Flagging the catalog row is best-effort; a missing track must not fail the
// upsert.
func TestUpsertFlagFailureIsNonFatal(t *testing.T) {
	db := &fakeDB{execErr: func(sql string) error {
		if strings.Contains(sql, "UPDATE tracks") {
			return errors.New("no such track")
		}
		return nil
	}}
	repo := New(db)

	if err := repo.Upsert(context.Background(), ModalityAudio, "t-1", []float32{1}, "m"); err != nil {
		t.Fatalf("upsert should tolerate flag failure, got %v", err)
	}
}

func TestHas(t *testing.T) {
	db := &fakeDB{rowExists: true}
	repo := New(db)

	exists, err := repo.Has(context.Background(), ModalityVisual, "t-1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if !exists {
		t.Error("expected exists = true")
	}

	db.rowErr = errors.New("connection refused")
	if _, err := repo.Has(context.Background(), ModalityVisual, "t-1"); err == nil {
		t.Fatal("expected query error to propagate")
	}
}
