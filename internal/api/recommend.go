// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sonantica/workers/internal/log"
	"github.com/sonantica/workers/internal/recommend"
)

// Recommender is the engine slice the route needs; tests supply a fake.
type Recommender interface {
	Recommend(ctx context.Context, req recommend.Request) ([]recommend.Entry, error)
}

// RecommendRoutes mounts the vector recommendation surface.
type RecommendRoutes struct {
	Engine Recommender
}

// Mount registers the recommendation route on the authenticated group.
func (rr RecommendRoutes) Mount(r chi.Router) {
	r.Post("/recommendations", rr.handleRecommend)
}

func (rr RecommendRoutes) handleRecommend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req recommend.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, KindValidation, "invalid JSON body")
		return
	}
	if req.Diversity < 0 || req.Diversity > 1 {
		writeProblem(w, KindValidation, "diversity must be in [0,1]")
		return
	}

	entries, err := rr.Engine.Recommend(ctx, req)
	if err != nil {
		lg := log.WithComponentFromContext(ctx, "api")
		lg.Error().
			Str("event", "recommend.failed").
			Err(err).
			Msg("recommendation query failed")
		writeProblem(w, KindStoreUnavailable, "recommendation backend unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recommendations": entries,
		"count":           len(entries),
	})
}
