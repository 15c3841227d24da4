// Command reps-backfill rebuilds squat reps over a historical range, or over
// the full database, outside the live worker's rolling window. Use it after
// changing the gap/threshold tuning or bumping the rep model version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/rehab-data/posture.report/internal/db"
)

func main() {
	var dbPath string
	var startStr string
	var endStr string
	var gap int
	var threshold float64
	var modelVer string
	var migrateFrom string
	var full bool

	flag.StringVar(&dbPath, "db", "posture_data.db", "path to sqlite db")
	flag.StringVar(&startStr, "start", "", "start time (RFC3339)")
	flag.StringVar(&endStr, "end", "", "end time (RFC3339)")
	flag.IntVar(&gap, "gap", 2, "rep gap in seconds")
	flag.Float64Var(&threshold, "threshold", 0.3, "depth threshold in meters")
	flag.StringVar(&modelVer, "model", "manual-backfill", "model version string for reps")
	flag.StringVar(&migrateFrom, "migrate-from", "", "delete reps of this model version and rebuild full history")
	flag.BoolVar(&full, "full", false, "rebuild over the full pose_data history")
	flag.Parse()

	dbConn, err := db.NewDB(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()

	w := db.NewRepWorker(dbConn, gap, threshold, modelVer)
	ctx := context.Background()

	if migrateFrom != "" {
		if err := w.MigrateModelVersion(ctx, migrateFrom); err != nil {
			log.Fatalf("model migration failed: %v", err)
		}
		fmt.Println("model migration complete")
		return
	}

	if full {
		if err := w.RunFullHistory(ctx); err != nil {
			log.Fatalf("full-history run failed: %v", err)
		}
		fmt.Println("full-history backfill complete")
		return
	}

	if startStr == "" || endStr == "" {
		log.Fatalf("start and end must be provided (or use -full)")
	}

	startT, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		log.Fatalf("invalid start: %v", err)
	}
	endT, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		log.Fatalf("invalid end: %v", err)
	}

	// walk the range in worker-window steps so each transaction stays small
	t := startT.UTC()
	for t.Before(endT.UTC()) {
		windowStart := t
		windowEnd := t.Add(w.Window)
		if windowEnd.After(endT.UTC()) {
			windowEnd = endT.UTC()
		}
		fmt.Printf("backfilling window %s -> %s\n", windowStart, windowEnd)
		if err := w.RunRange(ctx, float64(windowStart.Unix()), float64(windowEnd.Unix())); err != nil {
			log.Fatalf("runrange failed: %v", err)
		}
		t = windowEnd
	}

	fmt.Println("backfill complete")
}
