package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/rollup"
)

// StatsHandler serves stored daily aggregates and lets owners trigger
// recomputation.
type StatsHandler struct {
	DB         *sql.DB
	Aggregator *rollup.Aggregator
}

// GetDaily returns the stored aggregate for one link and day.
func (h *StatsHandler) GetDaily(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if _, err := time.Parse(models.DayFormat, day); err != nil {
		jsonError(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	agg, err := models.GetDailyAggregate(h.DB, chi.URLParam(r, "id"), day)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "no aggregate for that day", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonWrite(w, http.StatusOK, agg)
}

// ListDaily returns stored aggregates for a link over an inclusive day range.
func (h *StatsHandler) ListDaily(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if to == "" {
		to = time.Now().UTC().Format(models.DayFormat)
	}
	if from == "" {
		from = time.Now().UTC().AddDate(0, 0, -30).Format(models.DayFormat)
	}
	for _, day := range []string{from, to} {
		if _, err := time.Parse(models.DayFormat, day); err != nil {
			jsonError(w, "from/to must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	aggs, err := models.ListDailyAggregates(h.DB, chi.URLParam(r, "id"), from, to)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if aggs == nil {
		aggs = []models.DailyAggregate{}
	}
	jsonWrite(w, http.StatusOK, map[string]any{"aggregates": aggs})
}

type rollupRequest struct {
	Day string `json:"day"`
}

// Recompute rebuilds the aggregate for one link and day on demand. Safe to
// call repeatedly; each run replaces the stored row.
func (h *StatsHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req rollupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	day, err := time.Parse(models.DayFormat, req.Day)
	if err != nil {
		jsonError(w, "day must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	agg, err := h.Aggregator.Aggregate(chi.URLParam(r, "id"), day)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonWrite(w, http.StatusOK, agg)
}
