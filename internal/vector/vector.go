// SPDX-License-Identifier: MIT

// Package vector stores per-modality embeddings in Postgres (pgvector) and
// answers cosine nearest-neighbor queries. One table per modality, unique on
// the subject id, cosine-distance index assumed.
package vector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/log"
)

// Querier is the subset of pgxpool.Pool the repository needs; tests supply a
// fake.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Modality selects a vector table.
type Modality string

const (
	ModalityAudio  Modality = "audio"
	ModalityLyrics Modality = "lyrics"
	ModalityVisual Modality = "visual"
	ModalityStems  Modality = "stems"
)

// tables whitelists modality -> table so no query ever interpolates caller
// input into an identifier.
var tables = map[Modality]struct {
	table       string
	catalogFlag string
}{
	ModalityAudio:  {"track_vectors_audio", "has_vector_audio"},
	ModalityLyrics: {"track_vectors_lyrics", "has_vector_lyrics"},
	ModalityVisual: {"track_vectors_visual", "has_vector_visual"},
	ModalityStems:  {"track_vectors_stems", "has_vector_stems"},
}

// Valid reports whether m names a known modality table.
func (m Modality) Valid() bool {
	_, ok := tables[m]
	return ok
}

// Neighbor is one nearest-neighbor hit; Score is 1 - cosine distance.
type Neighbor struct {
	ID    string
	Score float64
}

// TrackRef carries the catalog ownership of a track, for artist/album
// aggregation.
type TrackRef struct {
	ArtistID string
	AlbumID  string
}

// Repository persists and queries vectors for all modalities.
type Repository struct {
	db     Querier
	logger zerolog.Logger
}

// New creates a repository over a pgx pool or a test fake.
func New(db Querier) *Repository {
	return &Repository{db: db, logger: log.WithComponent("vector")}
}

// Upsert writes (subject, vector, model) for the modality and flags the
// canonical track row. The catalog flag update is best-effort: the track may
// not exist yet when vectors arrive ahead of a scan.
func (r *Repository) Upsert(ctx context.Context, m Modality, subjectID string, vec []float32, modelVersion string) error {
	t, ok := tables[m]
	if !ok {
		return fmt.Errorf("unknown modality %q", m)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (track_id, embedding, model_name, updated_at)
		VALUES ($1, $2::vector, $3, NOW())
		ON CONFLICT (track_id)
		DO UPDATE SET embedding = EXCLUDED.embedding,
		              model_name = EXCLUDED.model_name,
		              updated_at = NOW()`, t.table)
	if _, err := r.db.Exec(ctx, query, subjectID, Literal(vec), modelVersion); err != nil {
		return fmt.Errorf("vector upsert (%s): %w", m, err)
	}

	flagQuery := fmt.Sprintf(`UPDATE tracks SET %s = TRUE WHERE id = $1`, t.catalogFlag)
	if _, err := r.db.Exec(ctx, flagQuery, subjectID); err != nil {
		r.logger.Warn().Err(err).
			Str("event", "vector.flag_failed").
			Str("subject_id", subjectID).
			Str("modality", string(m)).
			Msg("catalog flag update failed")
	}
	return nil
}

// Has reports whether the subject owns a vector in the modality.
func (r *Repository) Has(ctx context.Context, m Modality, subjectID string) (bool, error) {
	t, ok := tables[m]
	if !ok {
		return false, fmt.Errorf("unknown modality %q", m)
	}
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE track_id = $1)`, t.table)
	if err := r.db.QueryRow(ctx, query, subjectID).Scan(&exists); err != nil {
		return false, fmt.Errorf("vector exists (%s): %w", m, err)
	}
	return exists, nil
}

// Nearest returns up to k neighbors of the subject in the modality, ordered
// by score descending, the subject itself excluded. Defined only when the
// subject has a vector; otherwise it returns an empty slice.
func (r *Repository) Nearest(ctx context.Context, m Modality, subjectID string, k int) ([]Neighbor, error) {
	t, ok := tables[m]
	if !ok {
		return nil, fmt.Errorf("unknown modality %q", m)
	}
	if k <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT c.track_id, 1 - (c.embedding <=> q.embedding) AS score
		FROM %[1]s c, %[1]s q
		WHERE q.track_id = $1 AND c.track_id <> $1
		ORDER BY c.embedding <=> q.embedding
		LIMIT $2`, t.table)
	rows, err := r.db.Query(ctx, query, subjectID, k)
	if err != nil {
		return nil, fmt.Errorf("vector nearest (%s): %w", m, err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.ID, &n.Score); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Discovery uniformly samples k subjects that own at least one vector in any
// modality, for cold-start recommendations.
func (r *Repository) Discovery(ctx context.Context, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}
	query := `
		SELECT track_id FROM (
			SELECT track_id FROM track_vectors_audio
			UNION
			SELECT track_id FROM track_vectors_lyrics
			UNION
			SELECT track_id FROM track_vectors_visual
			UNION
			SELECT track_id FROM track_vectors_stems
		) AS any_vector
		ORDER BY RANDOM()
		LIMIT $1`
	rows, err := r.db.Query(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("vector discovery: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TrackRefs resolves artist and album ownership for the given track ids from
// the canonical catalog. Unknown ids are absent from the result.
func (r *Repository) TrackRefs(ctx context.Context, ids []string) (map[string]TrackRef, error) {
	if len(ids) == 0 {
		return map[string]TrackRef{}, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, COALESCE(artist_id, ''), COALESCE(album_id, '') FROM tracks WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("track refs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]TrackRef, len(ids))
	for rows.Next() {
		var id string
		var ref TrackRef
		if err := rows.Scan(&id, &ref.ArtistID, &ref.AlbumID); err != nil {
			return nil, err
		}
		out[id] = ref
	}
	return out, rows.Err()
}

// Literal renders a vector in pgvector's text format: "[0.1,0.2,...]".
func Literal(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
