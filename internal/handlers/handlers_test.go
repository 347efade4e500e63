package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arloop/arlink/internal/cache"
	"github.com/arloop/arlink/internal/db"
	"github.com/arloop/arlink/internal/geo"
	"github.com/arloop/arlink/internal/ingest"
	"github.com/arloop/arlink/internal/links"
	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/rollup"
	"github.com/arloop/arlink/internal/sessions"
)

const testAPIKey = "test-key"

type testApp struct {
	router *chi.Mux
	db     *sql.DB
}

// newTestApp wires the full handler stack onto the same routes the server
// mounts, minus the background loops.
func newTestApp(t *testing.T) *testApp {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	linkCache, err := cache.New(16)
	if err != nil {
		t.Fatal(err)
	}
	geoReader, err := geo.Open("")
	if err != nil {
		t.Fatal(err)
	}

	registry := links.NewRegistry(database, linkCache)
	ledger := sessions.NewLedger(database)
	funnel := &FunnelHandler{
		Registry: registry,
		Ledger:   ledger,
		Ingestor: ingest.New(database, 0),
		Geo:      geoReader,
	}
	linkHandler := &LinkHandler{DB: database, Registry: registry, BaseURL: "http://short.test"}
	statsHandler := &StatsHandler{DB: database, Aggregator: rollup.New(database)}

	r := chi.NewRouter()
	r.Get("/a/{id}", funnel.Redirect)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/links/{id}/resolve", funnel.Resolve)
		r.Post("/links/{id}/views", funnel.RegisterView)
		r.Post("/links/{id}/sessions", funnel.OpenSession)
		r.Post("/sessions/{id}/events", funnel.IngestEvent)
		r.Post("/sessions/{id}/close", funnel.CloseSession)
	})
	r.Route("/api/links", func(r chi.Router) {
		r.Use(AuthMiddleware(testAPIKey))
		r.Post("/", linkHandler.Create)
		r.Get("/", linkHandler.List)
		r.Get("/{id}", linkHandler.Get)
		r.Patch("/{id}", linkHandler.Update)
		r.Delete("/{id}", linkHandler.Archive)
		r.Get("/{id}/qr", linkHandler.QRCode)
		r.Get("/{id}/stats/daily", statsHandler.ListDaily)
		r.Get("/{id}/stats/daily/{day}", statsHandler.GetDaily)
		r.Post("/{id}/rollup", statsHandler.Recompute)
	})

	app := &testApp{router: r, db: database}
	app.seedCatalog(t)
	return app
}

func (a *testApp) seedCatalog(t *testing.T) {
	t.Helper()
	if err := models.CreateProject(a.db, &models.Project{ID: "proj-1", Name: "Test"}); err != nil {
		t.Fatal(err)
	}
	if err := models.CreateVideo(a.db, &models.Video{ID: "video-1", ProjectID: "proj-1", Name: "Launch", FileURL: "https://cdn.example.com/v.mp4"}); err != nil {
		t.Fatal(err)
	}
	if err := models.CreateMarker(a.db, &models.Marker{ID: "marker-1", ProjectID: "proj-1", VideoID: "video-1", MarkerURL: "https://cdn.example.com/m.mind"}); err != nil {
		t.Fatal(err)
	}
}

func (a *testApp) seedLink(t *testing.T, id string) {
	t.Helper()
	l := &models.Link{ID: id, ProjectID: "proj-1", MarkerID: "marker-1", Destination: "https://example.com/view"}
	if err := models.CreateLink(a.db, l); err != nil {
		t.Fatal(err)
	}
}

func (a *testApp) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func authed() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func TestRedirect(t *testing.T) {
	app := newTestApp(t)
	app.seedLink(t, "go123456")

	rec := app.do(t, http.MethodGet, "/a/go123456", nil, nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "https://example.com/view" {
		t.Errorf("Location = %q", loc)
	}

	link, err := models.GetLink(app.db, "go123456")
	if err != nil {
		t.Fatal(err)
	}
	if link.CurrentViews != 1 {
		t.Errorf("CurrentViews = %d, want 1", link.CurrentViews)
	}
}

func TestRedirect_NotFound(t *testing.T) {
	app := newTestApp(t)
	rec := app.do(t, http.MethodGet, "/a/missing1", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestResolve_PasswordFlow(t *testing.T) {
	app := newTestApp(t)

	// Create through the owner API so the password gets hashed.
	rec := app.do(t, http.MethodPost, "/api/links/", map[string]any{
		"project_id":  "proj-1",
		"marker_id":   "marker-1",
		"destination": "https://example.com/view",
		"password":    "hunter2",
	}, authed())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[struct {
		ID string `json:"id"`
	}](t, rec)

	rec = app.do(t, http.MethodPost, "/api/v1/links/"+created.ID+"/resolve", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no password: status = %d, want 401", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["rejected"] != "password_required" {
		t.Errorf("rejected = %q", body["rejected"])
	}

	rec = app.do(t, http.MethodPost, "/api/v1/links/"+created.ID+"/resolve",
		map[string]string{"password": "wrong"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: status = %d, want 401", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/api/v1/links/"+created.ID+"/resolve",
		map[string]string{"password": "hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("correct password: status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := decode[struct {
		Marker models.Marker `json:"marker"`
		Video  *models.Video `json:"video"`
	}](t, rec)
	if res.Marker.MarkerURL == "" || res.Video == nil {
		t.Errorf("asset bundle incomplete: %+v", res)
	}
}

func TestFunnelOverHTTP(t *testing.T) {
	app := newTestApp(t)
	app.seedLink(t, "funnel01")

	rec := app.do(t, http.MethodPost, "/api/v1/links/funnel01/sessions",
		map[string]string{"fingerprint": "fp-1"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open session: status = %d, body %s", rec.Code, rec.Body.String())
	}
	session := decode[struct {
		ID        string    `json:"id"`
		StartedAt time.Time `json:"started_at"`
	}](t, rec)

	base := session.StartedAt
	for i, kind := range []string{"view_started", "marker_detected", "video_started", "video_completed"} {
		at := base.Add(time.Duration(i*4) * time.Second)
		rec := app.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/events",
			map[string]any{"kind": kind, "at": at}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("%s: status = %d, body %s", kind, rec.Code, rec.Body.String())
		}
		if body := decode[struct {
			Applied bool `json:"applied"`
		}](t, rec); !body.Applied {
			t.Errorf("%s: applied = false", kind)
		}
	}

	end := base.Add(32 * time.Second)
	rec = app.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/close",
		map[string]any{"at": end}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status = %d, body %s", rec.Code, rec.Body.String())
	}
	closed := decode[struct {
		Terminal        bool   `json:"terminal"`
		DurationSeconds *int64 `json:"duration_seconds"`
		VideoCompleted  bool   `json:"video_completed"`
	}](t, rec)
	if !closed.Terminal || !closed.VideoCompleted {
		t.Errorf("closed session = %+v", closed)
	}
	if closed.DurationSeconds == nil || *closed.DurationSeconds != 32 {
		t.Errorf("DurationSeconds = %v, want 32", closed.DurationSeconds)
	}

	// Terminal sessions reject further events.
	rec = app.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/events",
		map[string]any{"kind": "video_replayed"}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("event after close: status = %d, want 409", rec.Code)
	}
}

func TestIngestEvent_Errors(t *testing.T) {
	app := newTestApp(t)
	app.seedLink(t, "errlink1")

	rec := app.do(t, http.MethodPost, "/api/v1/sessions/nope/events",
		map[string]any{"kind": "view_started"}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", rec.Code)
	}

	rec = app.do(t, http.MethodPost, "/api/v1/links/errlink1/sessions", nil, nil)
	session := decode[struct {
		ID string `json:"id"`
	}](t, rec)

	rec = app.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/events",
		map[string]any{"kind": "page_viewed"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad kind: status = %d, want 400", rec.Code)
	}
}

func TestOwnerAPI_RequiresKey(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodGet, "/api/links/", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	rec = app.do(t, http.MethodGet, "/api/links/", nil, map[string]string{"X-API-Key": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	rec = app.do(t, http.MethodGet, "/api/links/", nil, authed())
	if rec.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", rec.Code)
	}
}

func TestLinkLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)

	rec := app.do(t, http.MethodPost, "/api/links/", map[string]any{
		"project_id":  "proj-1",
		"marker_id":   "marker-1",
		"destination": "https://example.com/view",
	}, authed())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decode[struct {
		ID       string `json:"id"`
		ShortURL string `json:"short_url"`
	}](t, rec)
	if created.ShortURL != "http://short.test/a/"+created.ID {
		t.Errorf("ShortURL = %q", created.ShortURL)
	}

	// Visitors can reach it.
	if rec := app.do(t, http.MethodGet, "/a/"+created.ID, nil, nil); rec.Code != http.StatusFound {
		t.Fatalf("redirect: status = %d, want 302", rec.Code)
	}

	// Archive, then visitors get rejected.
	if rec := app.do(t, http.MethodDelete, "/api/links/"+created.ID, nil, authed()); rec.Code != http.StatusNoContent {
		t.Fatalf("archive: status = %d, want 204", rec.Code)
	}
	rec = app.do(t, http.MethodGet, "/a/"+created.ID, nil, nil)
	if rec.Code != http.StatusGone {
		t.Fatalf("archived redirect: status = %d, want 410", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["rejected"] != "inactive" {
		t.Errorf("rejected = %q", body["rejected"])
	}
}

func TestUpdateLink_InvalidatesCache(t *testing.T) {
	app := newTestApp(t)
	app.seedLink(t, "patchme1")

	// Warm the resolve cache.
	if rec := app.do(t, http.MethodPost, "/api/v1/links/patchme1/resolve", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("resolve: status = %d", rec.Code)
	}

	rec := app.do(t, http.MethodPatch, "/api/links/patchme1",
		map[string]string{"status": "archived"}, authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = app.do(t, http.MethodPost, "/api/v1/links/patchme1/resolve", nil, nil)
	if rec.Code != http.StatusGone {
		t.Errorf("resolve after archive: status = %d, want 410", rec.Code)
	}
}

func TestStatsOverHTTP(t *testing.T) {
	app := newTestApp(t)
	app.seedLink(t, "stats001")

	rec := app.do(t, http.MethodPost, "/api/v1/links/stats001/sessions", nil, nil)
	session := decode[struct {
		ID        string    `json:"id"`
		StartedAt time.Time `json:"started_at"`
	}](t, rec)
	end := session.StartedAt.Add(20 * time.Second)
	app.do(t, http.MethodPost, "/api/v1/sessions/"+session.ID+"/close", map[string]any{"at": end}, nil)

	day := session.StartedAt.UTC().Format(models.DayFormat)
	rec = app.do(t, http.MethodPost, "/api/links/stats001/rollup",
		map[string]string{"day": day}, authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("rollup: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = app.do(t, http.MethodGet, "/api/links/stats001/stats/daily/"+day, nil, authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("get daily: status = %d, body %s", rec.Code, rec.Body.String())
	}
	agg := decode[models.DailyAggregate](t, rec)
	if agg.SessionCount != 1 {
		t.Errorf("SessionCount = %d, want 1", agg.SessionCount)
	}

	rec = app.do(t, http.MethodGet, fmt.Sprintf("/api/links/stats001/stats/daily?from=%s&to=%s", day, day), nil, authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("list daily: status = %d", rec.Code)
	}
	list := decode[struct {
		Aggregates []models.DailyAggregate `json:"aggregates"`
	}](t, rec)
	if len(list.Aggregates) != 1 {
		t.Errorf("len(aggregates) = %d, want 1", len(list.Aggregates))
	}
}

func TestQRCode(t *testing.T) {
	app := newTestApp(t)
	app.seedLink(t, "qrlink01")

	rec := app.do(t, http.MethodGet, "/api/links/qrlink01/qr", nil, authed())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty body")
	}

	if rec := app.do(t, http.MethodGet, "/api/links/missing1/qr", nil, authed()); rec.Code != http.StatusNotFound {
		t.Errorf("missing link: status = %d, want 404", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	t.Cleanup(limiter.Shutdown)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a/x", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a/x", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/a/x", nil)
	req.RemoteAddr = "198.51.100.9:4242"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", rec.Code)
	}
}
