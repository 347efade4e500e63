package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arloop/arlink/internal/cache"
	"github.com/arloop/arlink/internal/config"
	"github.com/arloop/arlink/internal/db"
	"github.com/arloop/arlink/internal/geo"
	"github.com/arloop/arlink/internal/handlers"
	"github.com/arloop/arlink/internal/ingest"
	"github.com/arloop/arlink/internal/links"
	"github.com/arloop/arlink/internal/rollup"
	"github.com/arloop/arlink/internal/sessions"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(cfg)

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer database.Close()

	geoReader, err := geo.Open(cfg.GeoIPPath)
	if err != nil {
		log.Warn().Err(err).Msg("geo lookups disabled")
		geoReader, _ = geo.Open("")
	}
	defer geoReader.Close()

	linkCache, err := cache.New(cfg.CacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("cache")
	}

	registry := links.NewRegistry(database, linkCache)
	ledger := sessions.NewLedger(database)
	ingestor := ingest.New(database, cfg.MaxMetadataBytes)
	aggregator := rollup.New(database)

	sweeper := sessions.NewSweeper(database, ledger, cfg.SessionIdleWindow, cfg.SweepInterval)
	aggregator.Start(cfg.RollupInterval, cfg.RollupWindow)
	limiter := handlers.NewRateLimiter(cfg.RatePerSecond, cfg.RateBurst)

	funnel := &handlers.FunnelHandler{
		Registry: registry,
		Ledger:   ledger,
		Ingestor: ingestor,
		Geo:      geoReader,
	}
	linkHandler := &handlers.LinkHandler{
		DB:       database,
		Registry: registry,
		BaseURL:  cfg.BaseURL,
	}
	statsHandler := &handlers.StatsHandler{
		DB:         database,
		Aggregator: aggregator,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Public visitor surface (rate limited per IP)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Get("/a/{id}", funnel.Redirect)
		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/links/{id}/resolve", funnel.Resolve)
			r.Post("/links/{id}/views", funnel.RegisterView)
			r.Post("/links/{id}/sessions", funnel.OpenSession)
			r.Post("/sessions/{id}/events", funnel.IngestEvent)
			r.Post("/sessions/{id}/close", funnel.CloseSession)
		})
	})

	// Owner management API (authenticated)
	r.Route("/api/links", func(r chi.Router) {
		r.Use(handlers.AuthMiddleware(cfg.APIKey))
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

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("arlink listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-stop
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	limiter.Shutdown()
	aggregator.Shutdown()
	sweeper.Shutdown()
	log.Info().Msg("goodbye")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
