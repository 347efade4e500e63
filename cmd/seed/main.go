package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/arloop/arlink/internal/db"
	"github.com/arloop/arlink/internal/ingest"
	"github.com/arloop/arlink/internal/models"
	"github.com/arloop/arlink/internal/rollup"
	"github.com/arloop/arlink/internal/sessions"
	"github.com/arloop/arlink/internal/visitor"
)

type seedLink struct {
	id     string
	dest   string
	marker int // index into markers
	// weight controls relative visit volume (higher = more sessions)
	weight float64
}

var seedLinks = []seedLink{
	{"galleryA1", "https://view.arloop.dev/gallery-poster", 0, 5.0},
	{"museum01x", "https://view.arloop.dev/museum-map", 1, 3.5},
	{"promoCard", "https://view.arloop.dev/promo-postcard", 2, 2.0},
	{"demoSmall", "https://view.arloop.dev/demo", 0, 1.0},
}

var browsers = []struct {
	name   string
	weight float64
}{
	{"Safari 17", 35},
	{"Chrome 120", 30},
	{"Chrome 119", 10},
	{"Firefox 121", 10},
	{"Samsung Internet 23", 10},
	{"Edge 120", 5},
}

var oses = []struct {
	name   string
	weight float64
}{
	{"iOS", 45},
	{"Android", 40},
	{"macOS", 8},
	{"Windows", 7},
}

var countries = []struct {
	code   string
	city   string
	weight float64
}{
	{"US", "New York", 25},
	{"DE", "Berlin", 15},
	{"GB", "London", 12},
	{"FR", "Paris", 10},
	{"JP", "Tokyo", 8},
	{"BR", "Sao Paulo", 8},
	{"IN", "Mumbai", 8},
	{"NL", "Amsterdam", 7},
	{"ES", "Madrid", 7},
}

func main() {
	dbPath := os.Getenv("ARLINK_DB_PATH")
	if dbPath == "" {
		dbPath = "./arlink.db"
	}

	database, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer database.Close()

	rng := rand.New(rand.NewSource(42)) // deterministic seed
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -30)

	fmt.Println("Seeding catalog...")

	project := &models.Project{ID: uuid.NewString(), Name: "Gallery Launch"}
	if err := models.CreateProject(database, project); err != nil {
		log.Fatalf("create project: %v", err)
	}

	markerIDs := make([]string, 3)
	for i, name := range []string{"poster-loop", "museum-walkthrough", "promo-teaser"} {
		dur := 20.0 + float64(i)*15
		video := &models.Video{
			ID:              uuid.NewString(),
			ProjectID:       project.ID,
			Name:            name,
			FileURL:         fmt.Sprintf("https://cdn.arloop.dev/videos/%s.mp4", name),
			PosterURL:       fmt.Sprintf("https://cdn.arloop.dev/posters/%s.jpg", name),
			DurationSeconds: &dur,
			Autoplay:        true,
			Loop:            i == 0,
		}
		if err := models.CreateVideo(database, video); err != nil {
			log.Fatalf("create video %q: %v", name, err)
		}

		marker := &models.Marker{
			ID:              uuid.NewString(),
			ProjectID:       project.ID,
			VideoID:         video.ID,
			MarkerURL:       fmt.Sprintf("https://cdn.arloop.dev/markers/%s.mind", name),
			TrackingQuality: []string{"excellent", "good", "fair"}[i],
		}
		if err := models.CreateMarker(database, marker); err != nil {
			log.Fatalf("create marker %q: %v", name, err)
		}
		markerIDs[i] = marker.ID
	}

	fmt.Println("Seeding links...")
	for _, sl := range seedLinks {
		link := &models.Link{
			ID:          sl.id,
			ProjectID:   project.ID,
			MarkerID:    markerIDs[sl.marker],
			Destination: sl.dest,
		}
		if sl.id == "demoSmall" {
			max := int64(50)
			link.MaxViews = &max
		}
		if err := models.CreateLink(database, link); err != nil {
			log.Fatalf("create link %q: %v", sl.id, err)
		}
		fmt.Printf("  /a/%s → %s\n", sl.id, sl.dest)
	}

	fmt.Println("\nGenerating sessions...")

	ledger := sessions.NewLedger(database)
	ingestor := ingest.New(database, ingest.DefaultMaxMetadataBytes)
	totalSessions := 0

	for day := 0; day < 30; day++ {
		dayStart := start.AddDate(0, 0, day)
		for _, sl := range seedLinks {
			count := int(sl.weight * (2 + rng.Float64()*6))
			for v := 0; v < count; v++ {
				at := dayStart.Add(time.Duration(rng.Intn(86400)) * time.Second)
				if _, err := models.IncrementViews(database, sl.id); err != nil {
					continue // demoSmall runs out of views partway through
				}
				if err := simulateVisit(ledger, ingestor, sl.id, at, rng); err != nil {
					log.Fatalf("simulate visit: %v", err)
				}
				totalSessions++
			}
		}
	}
	fmt.Printf("  %d sessions generated\n", totalSessions)

	fmt.Println("\nRolling up daily aggregates...")
	aggregator := rollup.New(database)
	n, err := aggregator.Backfill(start)
	if err != nil {
		log.Fatalf("rollup backfill: %v", err)
	}
	fmt.Printf("  %d aggregate rows written\n", n)

	fmt.Println("\nDone.")
}

// simulateVisit walks one visitor through the funnel with realistic dropoff.
func simulateVisit(ledger *sessions.Ledger, ingestor *ingest.Ingestor, linkID string, at time.Time, rng *rand.Rand) error {
	desc := visitor.Descriptor{
		Fingerprint: fmt.Sprintf("fp-%08x", rng.Uint32()),
		IP:          fmt.Sprintf("203.0.113.%d", rng.Intn(255)),
		Browser:     pickBrowser(rng),
		OS:          pickOS(rng),
		DeviceType:  "mobile",
	}
	desc.Country, desc.City = pickLocation(rng)

	s, err := ledger.Open(linkID, desc, at)
	if err != nil {
		return err
	}

	emit := func(kind models.EventKind, at time.Time, meta any) error {
		var raw json.RawMessage
		if meta != nil {
			raw, _ = json.Marshal(meta)
		}
		_, err := ingestor.Ingest(s.ID, kind, raw, at)
		return err
	}

	if err := emit(models.EventViewStarted, at, nil); err != nil {
		return err
	}

	// 15% bounce before the camera ever finds the marker
	if rng.Float64() < 0.15 {
		return nil // left open; the sweeper story
	}

	at = at.Add(time.Duration(2+rng.Intn(20)) * time.Second)
	if err := emit(models.EventMarkerDetected, at, map[string]any{"confidence": 0.7 + rng.Float64()*0.3}); err != nil {
		return err
	}

	if rng.Float64() < 0.92 {
		at = at.Add(time.Duration(1+rng.Intn(4)) * time.Second)
		if err := emit(models.EventVideoStarted, at, nil); err != nil {
			return err
		}

		if rng.Float64() < 0.6 {
			at = at.Add(time.Duration(15+rng.Intn(45)) * time.Second)
			if err := emit(models.EventVideoCompleted, at, nil); err != nil {
				return err
			}
			if rng.Float64() < 0.25 {
				at = at.Add(time.Duration(2+rng.Intn(10)) * time.Second)
				if err := emit(models.EventVideoReplayed, at, nil); err != nil {
					return err
				}
			}
		} else if rng.Float64() < 0.5 {
			at = at.Add(time.Duration(5+rng.Intn(20)) * time.Second)
			if err := emit(models.EventVideoPaused, at, map[string]any{"position": rng.Intn(30)}); err != nil {
				return err
			}
		}
	}

	at = at.Add(time.Duration(1+rng.Intn(15)) * time.Second)
	return emit(models.EventSessionEnded, at, nil)
}

func pickBrowser(rng *rand.Rand) string {
	var total float64
	for _, b := range browsers {
		total += b.weight
	}
	v := rng.Float64() * total
	for _, b := range browsers {
		v -= b.weight
		if v <= 0 {
			return b.name
		}
	}
	return browsers[0].name
}

func pickOS(rng *rand.Rand) string {
	var total float64
	for _, o := range oses {
		total += o.weight
	}
	v := rng.Float64() * total
	for _, o := range oses {
		v -= o.weight
		if v <= 0 {
			return o.name
		}
	}
	return oses[0].name
}

func pickLocation(rng *rand.Rand) (string, string) {
	var total float64
	for _, c := range countries {
		total += c.weight
	}
	v := rng.Float64() * total
	for _, c := range countries {
		v -= c.weight
		if v <= 0 {
			return c.code, c.city
		}
	}
	return countries[0].code, countries[0].city
}
