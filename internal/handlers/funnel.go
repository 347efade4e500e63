package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arloop/arlink/internal/geo"
	"github.com/arloop/arlink/internal/ingest"
	"github.com/arloop/arlink/internal/links"
	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/sessions"
	"github.com/arloop/arlink/internal/visitor"
)

// FunnelHandler is the public visitor surface: resolve a link, register the
// view, open a session, stream funnel events, close the session.
type FunnelHandler struct {
	Registry *links.Registry
	Ledger   *sessions.Ledger
	Ingestor *ingest.Ingestor
	Geo      *geo.Reader
}

type resolveRequest struct {
	Password string `json:"password"`
}

// Resolve authorizes access to a link and returns its asset bundle. It never
// touches the view counter, so clients may poll it freely.
func (h *FunnelHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	res, err := h.Registry.Resolve(chi.URLParam(r, "id"), req.Password)
	if err != nil {
		writeRejection(w, err)
		return
	}
	jsonWrite(w, http.StatusOK, res)
}

// RegisterView bumps the view counter for an authorized visit.
func (h *FunnelHandler) RegisterView(w http.ResponseWriter, r *http.Request) {
	count, err := h.Registry.RegisterView(chi.URLParam(r, "id"))
	if err != nil {
		writeRejection(w, err)
		return
	}
	jsonWrite(w, http.StatusOK, map[string]int64{"view_count": count})
}

type openSessionRequest struct {
	Password    string `json:"password"`
	Fingerprint string `json:"fingerprint"`
}

// OpenSession re-authorizes the link and mints a session carrying the
// visitor descriptors derived from the request.
func (h *FunnelHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}

	linkID := chi.URLParam(r, "id")
	if _, err := h.Registry.Resolve(linkID, req.Password); err != nil {
		writeRejection(w, err)
		return
	}

	desc := visitor.Describe(req.Fingerprint, clientIP(r), r.UserAgent(), h.Geo)
	session, err := h.Ledger.Open(linkID, desc, time.Now())
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonWrite(w, http.StatusCreated, session)
}

type ingestRequest struct {
	Kind     string          `json:"kind"`
	Metadata json.RawMessage `json:"metadata"`
	At       *time.Time      `json:"at"`
}

type ingestResponse struct {
	EventID string `json:"event_id"`
	Applied bool   `json:"applied"`
}

// IngestEvent appends one funnel event to a session.
func (h *FunnelHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	var at time.Time
	if req.At != nil {
		at = *req.At
	}

	res, err := h.Ingestor.Ingest(chi.URLParam(r, "id"), models.EventKind(req.Kind), req.Metadata, at)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrUnknownSession):
			jsonError(w, "session not found", http.StatusNotFound)
		case errors.Is(err, sessions.ErrTerminalSession):
			jsonError(w, "session already ended", http.StatusConflict)
		case errors.Is(err, ingest.ErrInvalidKind):
			jsonError(w, "unknown event kind", http.StatusBadRequest)
		case errors.Is(err, ingest.ErrMetadataTooLarge):
			jsonError(w, "metadata too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, ingest.ErrMetadataMalformed):
			jsonError(w, "metadata must be JSON", http.StatusBadRequest)
		default:
			jsonError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	jsonWrite(w, http.StatusCreated, ingestResponse{EventID: res.Event.ID, Applied: res.Applied})
}

type closeSessionRequest struct {
	At *time.Time `json:"at"`
}

// CloseSession ends a session explicitly, computing its duration.
func (h *FunnelHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	var req closeSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	at := time.Now()
	if req.At != nil {
		at = *req.At
	}

	sessionID := chi.URLParam(r, "id")
	if err := h.Ledger.Close(sessionID, at); err != nil {
		switch {
		case errors.Is(err, sessions.ErrUnknownSession):
			jsonError(w, "session not found", http.StatusNotFound)
		case errors.Is(err, sessions.ErrTerminalSession):
			jsonError(w, "session already ended", http.StatusConflict)
		case errors.Is(err, sessions.ErrStaleTimestamp):
			jsonError(w, "close timestamp precedes session activity", http.StatusBadRequest)
		default:
			jsonError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	session, err := h.Ledger.Get(sessionID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonWrite(w, http.StatusOK, session)
}

// Redirect serves the short URL itself: authorize, count the view, then send
// the visitor on to the experience. Password-protected links cannot be
// entered this way; the client must use the resolve API.
func (h *FunnelHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	linkID := chi.URLParam(r, "id")

	res, err := h.Registry.Resolve(linkID, "")
	if err != nil {
		writeRejection(w, err)
		return
	}
	if _, err := h.Registry.RegisterView(linkID); err != nil {
		writeRejection(w, err)
		return
	}

	http.Redirect(w, r, res.Link.Destination, http.StatusFound)
}

// writeRejection maps authorization outcomes onto the wire. Rejections are
// expected, visitor-facing outcomes, not server failures.
func writeRejection(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, links.ErrLinkNotFound):
		jsonError(w, "link not found", http.StatusNotFound)
	case errors.Is(err, links.ErrPasswordRequired):
		jsonRejected(w, "password_required", http.StatusUnauthorized)
	case errors.Is(err, links.ErrPasswordInvalid):
		jsonRejected(w, "password_invalid", http.StatusUnauthorized)
	case errors.Is(err, links.ErrLinkInactive):
		jsonRejected(w, "inactive", http.StatusGone)
	case errors.Is(err, links.ErrLinkExpired):
		jsonRejected(w, "expired", http.StatusGone)
	case errors.Is(err, links.ErrLinkExhausted):
		jsonRejected(w, "exhausted", http.StatusGone)
	default:
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
