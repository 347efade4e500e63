package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/arloop/arlink/internal/linkid"
	"github.com/arloop/arlink/internal/links"
	"github.com/arloop/arlink/internal/models"
)

// LinkHandler is the owner management API for published links.
type LinkHandler struct {
	DB       *sql.DB
	Registry *links.Registry
	BaseURL  string
}

type linkRequest struct {
	ProjectID     string     `json:"project_id"`
	MarkerID      string     `json:"marker_id"`
	Destination   string     `json:"destination"`
	Password      string     `json:"password"`
	ClearPassword bool       `json:"clear_password"`
	ExpiresAt     *time.Time `json:"expires_at"`
	MaxViews      *int64     `json:"max_views"`
	Status        string     `json:"status"`
}

type linkResponse struct {
	models.Link
	ShortURL string `json:"short_url"`
}

func (h *LinkHandler) shortURL(id string) string {
	return h.BaseURL + "/a/" + id
}

func (h *LinkHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" || req.MarkerID == "" {
		jsonError(w, "project_id and marker_id are required", http.StatusBadRequest)
		return
	}
	if req.Destination == "" {
		jsonError(w, "destination is required", http.StatusBadRequest)
		return
	}
	if req.MaxViews != nil && *req.MaxViews <= 0 {
		jsonError(w, "max_views must be positive", http.StatusBadRequest)
		return
	}

	link := &models.Link{
		ProjectID:   req.ProjectID,
		MarkerID:    req.MarkerID,
		Destination: req.Destination,
		ExpiresAt:   req.ExpiresAt,
		MaxViews:    req.MaxViews,
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		link.PasswordHash = string(hash)
	}

	// Generated ids collide rarely; retry a few times rather than pre-check.
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		link.ID, err = linkid.Generate()
		if err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		err = models.CreateLink(h.DB, link)
		if err == nil {
			break
		}
	}
	if err != nil {
		jsonError(w, "failed to create link", http.StatusInternalServerError)
		return
	}

	jsonWrite(w, http.StatusCreated, linkResponse{Link: *link, ShortURL: h.shortURL(link.ID)})
}

func (h *LinkHandler) Get(w http.ResponseWriter, r *http.Request) {
	link, err := models.GetLink(h.DB, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonWrite(w, http.StatusOK, linkResponse{Link: *link, ShortURL: h.shortURL(link.ID)})
}

type listLinksResponse struct {
	Links  []linkResponse `json:"links"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

func (h *LinkHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 25
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	list, total, err := models.ListLinks(h.DB, r.URL.Query().Get("project_id"), limit, offset)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]linkResponse, 0, len(list))
	for _, l := range list {
		out = append(out, linkResponse{Link: l, ShortURL: h.shortURL(l.ID)})
	}
	jsonWrite(w, http.StatusOK, listLinksResponse{Links: out, Total: total, Limit: limit, Offset: offset})
}

func (h *LinkHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	link, err := models.GetLink(h.DB, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	if req.Destination != "" {
		link.Destination = req.Destination
	}
	if req.ExpiresAt != nil {
		link.ExpiresAt = req.ExpiresAt
	}
	if req.MaxViews != nil {
		if *req.MaxViews <= 0 {
			jsonError(w, "max_views must be positive", http.StatusBadRequest)
			return
		}
		link.MaxViews = req.MaxViews
	}
	if req.Status != "" {
		switch models.LifecycleStatus(req.Status) {
		case models.StatusActive, models.StatusArchived:
			link.Status = models.LifecycleStatus(req.Status)
		default:
			jsonError(w, "invalid status", http.StatusBadRequest)
			return
		}
	}
	switch {
	case req.ClearPassword:
		link.PasswordHash = ""
	case req.Password != "":
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
		link.PasswordHash = string(hash)
	}

	if err := models.UpdateLink(h.DB, link); err != nil {
		jsonError(w, "failed to update link", http.StatusInternalServerError)
		return
	}
	h.Registry.Invalidate(id)

	jsonWrite(w, http.StatusOK, linkResponse{Link: *link, ShortURL: h.shortURL(link.ID)})
}

// Archive retires a link. Archived links reject new visits but keep their
// sessions and aggregates.
func (h *LinkHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := models.ArchiveLink(h.DB, id, time.Now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.Registry.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}
