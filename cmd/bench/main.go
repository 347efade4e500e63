// Command bench exercises the two contended write paths in-process: the
// conditional view-counter increment and transactional event ingestion. It
// verifies the counter invariant while measuring throughput.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arloop/arlink/internal/cache"
	"github.com/arloop/arlink/internal/db"
	"github.com/arloop/arlink/internal/ingest"
	"github.com/arloop/arlink/internal/links"
	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/sessions"
	"github.com/arloop/arlink/internal/visitor"
)

func main() {
	concurrency := flag.Int("c", 50, "number of concurrent workers")
	views := flag.Int("views", 10000, "registerView attempts (ceiling set to half)")
	funnels := flag.Int("funnels", 2000, "full funnel sessions to ingest")
	flag.Parse()

	fmt.Println("arlink Core Benchmark")
	fmt.Println("=====================")

	tmpDir, err := os.MkdirTemp("", "arlink-bench-*")
	if err != nil {
		fatal("create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	database, err := db.Open(filepath.Join(tmpDir, "bench.db"))
	if err != nil {
		fatal("open db: %v", err)
	}
	defer database.Close()

	// Seed one project / marker / link
	project := &models.Project{ID: uuid.NewString(), Name: "bench"}
	if err := models.CreateProject(database, project); err != nil {
		fatal("seed project: %v", err)
	}
	marker := &models.Marker{ID: uuid.NewString(), ProjectID: project.ID, MarkerURL: "https://example.com/m.mind"}
	if err := models.CreateMarker(database, marker); err != nil {
		fatal("seed marker: %v", err)
	}

	ceiling := int64(*views / 2)
	link := &models.Link{
		ID:          "benchlink",
		ProjectID:   project.ID,
		MarkerID:    marker.ID,
		Destination: "https://example.com",
		MaxViews:    &ceiling,
	}
	if err := models.CreateLink(database, link); err != nil {
		fatal("seed link: %v", err)
	}

	linkCache, err := cache.New(1024)
	if err != nil {
		fatal("cache: %v", err)
	}
	registry := links.NewRegistry(database, linkCache)

	// Phase 1: contended conditional increment
	fmt.Printf("\nregisterView: %d attempts, ceiling %d, %d workers\n", *views, ceiling, *concurrency)

	var ok, exhausted atomic.Int64
	start := time.Now()
	runWorkers(*concurrency, *views, func(int) {
		_, err := registry.RegisterView("benchlink")
		switch err {
		case nil:
			ok.Add(1)
		case links.ErrLinkExhausted:
			exhausted.Add(1)
		default:
			fatal("registerView: %v", err)
		}
	})
	elapsed := time.Since(start)

	var stored int64
	if err := database.QueryRow(`SELECT current_views FROM links WHERE id = 'benchlink'`).Scan(&stored); err != nil {
		fatal("read count: %v", err)
	}
	fmt.Printf("  %.0f ops/sec, %d accepted, %d exhausted\n", float64(*views)/elapsed.Seconds(), ok.Load(), exhausted.Load())
	if stored != ceiling || ok.Load() != ceiling {
		fatal("counter invariant violated: stored=%d accepted=%d ceiling=%d", stored, ok.Load(), ceiling)
	}
	fmt.Printf("  counter invariant held: stored count == %d\n", stored)

	// Phase 2: transactional funnel ingestion
	fmt.Printf("\ningest: %d sessions x 5 events, %d workers\n", *funnels, *concurrency)

	ledger := sessions.NewLedger(database)
	ingestor := ingest.New(database, ingest.DefaultMaxMetadataBytes)
	meta := json.RawMessage(`{"bench":true}`)

	var events atomic.Int64
	start = time.Now()
	runWorkers(*concurrency, *funnels, func(i int) {
		at := time.Now()
		s, err := ledger.Open("benchlink", benchVisitor(i), at)
		if err != nil {
			fatal("open session: %v", err)
		}
		for step, kind := range []models.EventKind{
			models.EventViewStarted,
			models.EventMarkerDetected,
			models.EventVideoStarted,
			models.EventVideoCompleted,
			models.EventSessionEnded,
		} {
			at = at.Add(time.Duration(step) * time.Second)
			if _, err := ingestor.Ingest(s.ID, kind, meta, at); err != nil {
				fatal("ingest %s: %v", kind, err)
			}
			events.Add(1)
		}
	})
	elapsed = time.Since(start)
	fmt.Printf("  %.0f events/sec (%d events)\n", float64(events.Load())/elapsed.Seconds(), events.Load())

	var completed int64
	if err := database.QueryRow(`SELECT COUNT(*) FROM sessions WHERE terminal = 1 AND video_completed = 1`).Scan(&completed); err != nil {
		fatal("read sessions: %v", err)
	}
	fmt.Printf("  %d sessions closed and completed\n", completed)
}

func runWorkers(concurrency, jobs int, fn func(i int)) {
	var wg sync.WaitGroup
	ch := make(chan int)
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range ch {
				fn(i)
			}
		}()
	}
	for i := 0; i < jobs; i++ {
		ch <- i
	}
	close(ch)
	wg.Wait()
}

func benchVisitor(i int) visitor.Descriptor {
	return visitor.Descriptor{
		Fingerprint: fmt.Sprintf("bench-%d", i),
		IP:          "203.0.113.7",
		Browser:     "Chrome 120",
		OS:          "Android",
		DeviceType:  "mobile",
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "bench: "+format+"\n", args...)
	os.Exit(1)
}
