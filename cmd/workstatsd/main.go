// main.go - Scheduler daemon: session reconstruction on an interval and the
// daily pipeline once per reference day
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workstats/internal"
	"workstats/internal/jobs"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	startupTimeout         = 30 * time.Second
)

func main() {
	app, err := internal.NewApp()
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	// Run database migrations
	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations completed")

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	if err := app.ConnectLogStore(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to connect log store: %v", err)
	}
	app.ConnectDeviceCache(ctx)
	cancel()

	scheduler := jobs.NewScheduler(app.Config, app.NewRunner(app.Config), app.Logger)
	scheduler.AfterRun = func(string) { app.PushMetrics() }

	log.Println("Starting scheduler...")
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Println("Scheduler started successfully")

	// Wait for termination signal
	waitForShutdownSignal(app, scheduler)
}

// waitForShutdownSignal sets up signal handling and performs graceful shutdown
func waitForShutdownSignal(app *internal.Application, scheduler *jobs.Scheduler) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	log.Println("Initiating graceful shutdown...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("Shutdown complete")
}
