package main

import (
	"context"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	posturereport "github.com/rehab-data/posture.report"
	"github.com/rehab-data/posture.report/internal/api"
	"github.com/rehab-data/posture.report/internal/config"
	"github.com/rehab-data/posture.report/internal/db"
	"github.com/rehab-data/posture.report/internal/monitoring"
	"github.com/rehab-data/posture.report/internal/posemux"
	"github.com/rehab-data/posture.report/internal/scoring"
	"github.com/rehab-data/posture.report/internal/trainer"
	"github.com/rehab-data/posture.report/internal/units"
	"github.com/rehab-data/posture.report/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode with the fixture pose log")
	listen     = flag.String("listen", ":8080", "Listen address")
	dbFile     = flag.String("db", "posture_data.db", "Path to the SQLite database")
	serialPort = flag.String("serial", "/dev/ttyUSB0", "Serial port for a tethered tracker rig")
	baudRate   = flag.Int("baud", 115200, "Serial baud rate")
	udpAddr    = flag.String("udp", "", "UDP listen address for headset pose streaming (overrides -serial)")
	depthUnits = flag.String("units", units.Meters, "Display units for depths and heights (m, cm, in)")
	configPath = flag.String("config", "", "Path to a tuning config JSON file")
	verbose    = flag.Bool("verbose", false, "Log per-frame pipeline diagnostics")
)

func main() {
	flag.Parse()

	// migrate subcommand bypasses the server entirely
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], *dbFile)
		return
	}

	log.Printf("posture-report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	monitoring.Debug = *verbose

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*depthUnits) {
		log.Fatalf("Invalid units %q: must be one of %s", *depthUnits, units.GetValidUnitsString())
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
		log.Printf("Loaded tuning config from %s", *configPath)
	}
	classifierCfg := tuning.ClassifierConfig()

	var m posemux.PoseMuxInterface
	switch {
	case *devMode:
		data, err := os.ReadFile("fixtures.txt")
		if err != nil {
			log.Fatalf("failed to open fixtures file: %v", err)
		}
		m = posemux.NewMockPoseMux(data, 100*time.Millisecond)
	case *udpAddr != "":
		var err error
		m, err = posemux.NewUDPPoseMux(*udpAddr)
		if err != nil {
			log.Fatalf("failed to listen for UDP pose stream: %v", err)
		}
	default:
		var err error
		m, err = posemux.NewSerialPoseMux(*serialPort, posemux.PortOptions{BaudRate: *baudRate})
		if err != nil {
			log.Fatalf("failed to open tracker port: %v", err)
		}
	}
	defer m.Close()

	if err := m.Initialize(); err != nil {
		log.Fatalf("failed to initialize tracker: %v", err)
	}

	database, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	tr, err := trainer.New(m, database, classifierCfg)
	if err != nil {
		log.Fatalf("Failed to create trainer: %v", err)
	}

	// the power meter listens for classifier events alongside any SSE clients
	power := scoring.NewPowerMeter()
	tr.Sinks().Attach(power)

	repWorker := db.NewRepWorker(database, tuning.GetRepGapSeconds(), classifierCfg.SquatThreshold, "rep-v1")
	repWorker.Interval = tuning.GetRepWorkerInterval()
	repWorker.Window = tuning.GetRepWorkerWindow()
	repCtrl := db.NewRepController(repWorker)

	// Create a wait group for the HTTP server, pose monitor, trainer, and
	// rep worker routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the tracker stream
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor tracker stream: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// feed pose lines through the classifier pipeline
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tr.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("trainer error: %v", err)
		}
		log.Print("trainer routine terminated")
	}()

	// periodic rep sessionization
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := repCtrl.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("rep worker error: %v", err)
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(m, database, tr, repCtrl, power, *depthUnits).ServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		m.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		// read static files from the embedded filesystem in production or from
		// the local ./static in dev for easier iteration without restarting the
		// server
		var staticHandler http.Handler
		if *devMode {
			staticHandler = http.FileServer(http.Dir("./static"))
		} else {
			staticFS, err := fs.Sub(posturereport.StaticFiles, "static")
			if err != nil {
				log.Fatalf("failed to open embedded static files: %v", err)
			}
			staticHandler = http.FileServer(http.FS(staticFS))
		}
		mux.Handle("/", staticHandler)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
