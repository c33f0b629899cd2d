// SPDX-License-Identifier: MIT

// Package recommend fuses per-modality vector similarity into ranked track,
// artist and album recommendations.
package recommend

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/rs/zerolog"

	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/vector"
)

// Repo is the slice of the vector repository the engine consumes; tests
// supply a fake.
type Repo interface {
	Has(ctx context.Context, m vector.Modality, subjectID string) (bool, error)
	Nearest(ctx context.Context, m vector.Modality, subjectID string, k int) ([]vector.Neighbor, error)
	Discovery(ctx context.Context, k int) ([]string, error)
	TrackRefs(ctx context.Context, ids []string) (map[string]vector.TrackRef, error)
}

// Request is one recommendation query.
type Request struct {
	SubjectID string             `json:"subject_id,omitempty"`
	Limit     int                `json:"limit"`
	Diversity float64            `json:"diversity"`
	Weights   map[string]float64 `json:"weights"`
}

// Entry is one recommendation.
type Entry struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
	ArtistID string  `json:"artist_id,omitempty"`
	AlbumID  string  `json:"album_id,omitempty"`
}

// discoveryScore is the flat score assigned to cold-start samples.
const discoveryScore = 0.8

// balancedWindow is the contribution gap under which no single modality
// dominates a candidate.
const balancedWindow = 0.2

var reasons = map[vector.Modality]string{
	vector.ModalityAudio:  "Sonic similarity",
	vector.ModalityLyrics: "Lyrical similarity",
	vector.ModalityVisual: "Aesthetic similarity",
	vector.ModalityStems:  "Instrumental similarity",
}

// Engine runs fusion queries against the vector repository.
type Engine struct {
	repo   Repo
	rng    *rand.Rand
	logger zerolog.Logger
}

// New creates an engine. seed fixes the diversity shuffle for tests; pass 0
// for a time-seeded source.
func New(repo Repo, seed int64) *Engine {
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Engine{
		repo:   repo,
		rng:    rand.New(rand.NewSource(seed)),
		logger: log.WithComponent("recommend"),
	}
}

// Recommend produces the ordered recommendation list: up to limit tracks,
// then the top-3 artists and top-3 albums aggregated from them.
func (e *Engine) Recommend(ctx context.Context, req Request) ([]Entry, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	diversity := math.Min(math.Max(req.Diversity, 0), 1)

	active, weightSum, err := e.activeModalities(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return e.discovery(ctx, limit)
	}

	poolSize := int(math.Ceil(float64(limit) * (1 + 4*diversity)))

	// Union of per-modality neighbor lists; missing contributions count 0.
	type candidate struct {
		id            string
		contributions map[vector.Modality]float64
	}
	byID := map[string]*candidate{}
	for m, w := range active {
		neighbors, err := e.repo.Nearest(ctx, m, req.SubjectID, poolSize)
		if err != nil {
			return nil, fmt.Errorf("nearest %s: %w", m, err)
		}
		for _, n := range neighbors {
			c, ok := byID[n.ID]
			if !ok {
				c = &candidate{id: n.ID, contributions: map[vector.Modality]float64{}}
				byID[n.ID] = c
			}
			c.contributions[m] = w * n.Score
		}
	}
	if len(byID) == 0 {
		return e.discovery(ctx, limit)
	}

	fused := make([]Entry, 0, len(byID))
	for _, c := range byID {
		var sum float64
		for _, v := range c.contributions {
			sum += v
		}
		fused = append(fused, Entry{
			ID:     c.id,
			Type:   "track",
			Score:  sum / weightSum,
			Reason: reasonFor(c.contributions),
		})
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})

	pool := fused
	if len(pool) > poolSize {
		pool = pool[:poolSize]
	}

	tracks := make([]Entry, len(pool))
	copy(tracks, pool)
	if diversity > 0.1 && len(tracks) > limit {
		e.rng.Shuffle(len(tracks), func(i, j int) {
			tracks[i], tracks[j] = tracks[j], tracks[i]
		})
	}
	if len(tracks) > limit {
		tracks = tracks[:limit]
	}

	aggregates, err := e.aggregate(ctx, tracks, len(pool))
	if err != nil {
		// Aggregation needs the catalog; its loss does not void the tracks.
		e.logger.Warn().Err(err).Str("event", "recommend.aggregate_failed").Msg("artist/album aggregation failed")
		aggregates = nil
	}
	return append(tracks, aggregates...), nil
}

// activeModalities resolves the weight map against the subject's actual
// vectors, with the audio-only fallback.
func (e *Engine) activeModalities(ctx context.Context, req Request) (map[vector.Modality]float64, float64, error) {
	if req.SubjectID == "" {
		return nil, 0, nil
	}

	active := map[vector.Modality]float64{}
	var sum float64
	for name, w := range req.Weights {
		m := vector.Modality(name)
		if w <= 0 || !m.Valid() {
			continue
		}
		has, err := e.repo.Has(ctx, m, req.SubjectID)
		if err != nil {
			return nil, 0, err
		}
		if has {
			active[m] = w
			sum += w
		}
	}
	if len(active) > 0 {
		return active, sum, nil
	}

	has, err := e.repo.Has(ctx, vector.ModalityAudio, req.SubjectID)
	if err != nil {
		return nil, 0, err
	}
	if has {
		return map[vector.Modality]float64{vector.ModalityAudio: 1}, 1, nil
	}
	return nil, 0, nil
}

// discovery returns a uniform sample over subjects owning any vector.
func (e *Engine) discovery(ctx context.Context, limit int) ([]Entry, error) {
	ids, err := e.repo.Discovery(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, Entry{ID: id, Type: "track", Score: discoveryScore, Reason: "Fresh discovery"})
	}
	return out, nil
}

// aggregate accumulates the selected tracks' fused scores onto their artists
// and albums and emits the top-3 of each, normalized by pool size.
func (e *Engine) aggregate(ctx context.Context, tracks []Entry, poolSize int) ([]Entry, error) {
	if len(tracks) == 0 || poolSize == 0 {
		return nil, nil
	}
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}
	refs, err := e.repo.TrackRefs(ctx, ids)
	if err != nil {
		return nil, err
	}

	artistScore := map[string]float64{}
	albumScore := map[string]float64{}
	for _, t := range tracks {
		ref, ok := refs[t.ID]
		if !ok {
			continue
		}
		if ref.ArtistID != "" {
			artistScore[ref.ArtistID] += t.Score
		}
		if ref.AlbumID != "" {
			albumScore[ref.AlbumID] += t.Score
		}
	}

	var out []Entry
	out = append(out, topEntries(artistScore, "artist", poolSize)...)
	out = append(out, topEntries(albumScore, "album", poolSize)...)
	return out, nil
}

func topEntries(scores map[string]float64, kind string, poolSize int) []Entry {
	entries := make([]Entry, 0, len(scores))
	for id, s := range scores {
		entry := Entry{ID: id, Type: kind, Score: s / float64(poolSize), Reason: "Aggregated from similar tracks"}
		if kind == "artist" {
			entry.ArtistID = id
		} else {
			entry.AlbumID = id
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > 3 {
		entries = entries[:3]
	}
	return entries
}

// reasonFor names the modality that dominates a candidate's contributions;
// within balancedWindow of the runner-up no modality dominates.
func reasonFor(contributions map[vector.Modality]float64) string {
	if len(contributions) == 1 {
		for m := range contributions {
			return reasons[m]
		}
	}
	var best vector.Modality
	bestV, secondV := math.Inf(-1), math.Inf(-1)
	for m, v := range contributions {
		if v > bestV {
			secondV = bestV
			best, bestV = m, v
		} else if v > secondV {
			secondV = v
		}
	}
	if bestV-secondV < balancedWindow {
		return "Balanced"
	}
	return reasons[best]
}
