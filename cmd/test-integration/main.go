package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"platesolve/internal/config"
	"platesolve/internal/logging"
	"platesolve/internal/pipeline"
	"platesolve/internal/solver"
	"platesolve/internal/storage"
)

// Smoke-tests the installed solvers: prints tool availability and, when an
// image path is given, solves it through the queue with the configured
// framework and records the job in a scratch database.
func main() {
	fmt.Println("🔍 Testing plate solver integration")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	logger := logging.New(cfg.Logging.Level, "text")

	registry := solver.NewRegistry(&cfg.Solver, solver.Options{Logger: logger})

	fmt.Println("\n📊 Solver tools:")
	for _, st := range registry.StatusAll() {
		mark := "✅"
		if !st.Available() {
			mark = "❌"
		}
		fmt.Printf("   %s %-11s program=%v index=%v (%s)\n", mark, st.Framework, st.Program, st.Index, st.AppPath)
	}

	if len(os.Args) < 2 {
		fmt.Println("\nℹ️  Pass an image path to run a solve")
		return
	}
	image := os.Args[1]

	dbPath := filepath.Join(os.TempDir(), "platesolve_integration.db")
	store, err := storage.New(dbPath)
	if err != nil {
		log.Fatal("Failed to create storage:", err)
	}
	defer store.Close()

	pipe := pipeline.New(logger, store, registry, cfg.Solver.Framework)
	defer pipe.Close()

	if err := pipe.StartCommunication(); err != nil {
		log.Fatal("Failed to start solver:", err)
	}

	fmt.Printf("\n🚀 Solving %s with %s...\n", image, pipe.Framework())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := pipe.Submit(ctx, pipeline.Request{ImagePath: image})
	if err != nil {
		log.Fatal("Solve did not complete:", err)
	}
	if !res.Success {
		fmt.Printf("❌ Solve failed: %s\n", res.Message)
		os.Exit(1)
	}

	fmt.Println("✅ Solved")
	fmt.Printf("   RA (J2000):   %.5f°\n", res.RAJ2000)
	fmt.Printf("   Dec (J2000):  %.5f°\n", res.DecJ2000)
	fmt.Printf("   Pixel scale:  %.3f\"/px\n", res.PixelScale)
	fmt.Printf("   Rotation:     %.2f°\n", res.RotationAngle)
	fmt.Printf("   Field:        %.3f° x %.3f°\n", res.FieldWidth, res.FieldHeight)
	fmt.Printf("   Duration:     %s\n", res.Duration.Round(time.Millisecond))

	jobs, err := store.RecentJobs(1)
	if err == nil && len(jobs) == 1 {
		fmt.Printf("\n💾 Recorded job %s (%s)\n", jobs[0].ID, jobs[0].Status)
	}
}
