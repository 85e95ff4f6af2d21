// main.go - Batch control tool for workstats
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"workstats/internal"
	"workstats/internal/config"
	"workstats/internal/database"
	"workstats/internal/jobs"
	"workstats/internal/seeder"
	"workstats/internal/timeframe"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// errJobFailed marks a run that completed with failed units. The tallies
// have already been printed.
var errJobFailed = errors.New("job finished with failures")

var (
	errMissingDay    = errors.New("-day YYYY-MM-DD is required")
	errMissingWindow = errors.New("-seconds N or -from/-to RFC3339 is required")
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&SessionsCommand{},
	&DailyCommand{},
	&CumulativeCommand{},
	&ChannelsCommand{},
	&PipelineCommand{},
	&BackfillCommand{},
	&MigrateCommand{},
	&SeedCommand{},
	&StatusCommand{},
	&HelpCommand{},
}

func main() {
	// Parse global flags
	flag.Parse()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	// Set up context with cancellation for cleanup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals in a separate goroutine
	go func() {
		sig := <-sigChan
		log.Printf("Received signal: %v, finishing the current unit...", sig)
		cancel()
	}()

	// Parse command and arguments
	cmdName, args := parseArgs()

	// Find the requested command
	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}

	var app *internal.Application
	if _, ok := cmd.(*HelpCommand); !ok {
		var err error
		app, err = internal.NewApp()
		if err != nil {
			log.Fatalf("Failed to initialize app: %v", err)
		}
	}

	err := cmd.Execute(ctx, app, args)

	if app != nil {
		app.PushMetrics()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("Warning: Cleanup error: %v", shutdownErr)
		}
		cancel()
	}

	if err != nil {
		if !errors.Is(err, errJobFailed) {
			log.Printf("Command failed: %v", err)
		}
		os.Exit(1)
	}

	log.Printf("Command %s completed successfully", cmd.Name())
}

// overrides are the per-invocation batch settings shared by the job commands.
type overrides struct {
	lookupChunk        *int
	writeBatch         *int
	rollupBatch        *int
	channelConcurrency *int
	lookupConcurrency  *int
}

func addOverrides(fs *flag.FlagSet) *overrides {
	return &overrides{
		lookupChunk:        fs.Int("lookup-chunk", 0, "ids per store lookup (0 keeps the configured value)"),
		writeBatch:         fs.Int("write-batch", 0, "rows per write batch (0 keeps the configured value)"),
		rollupBatch:        fs.Int("rollup-batch", 0, "content ids per rollup page (0 keeps the configured value)"),
		channelConcurrency: fs.Int("concurrency", 0, "channels processed in parallel (0 keeps the configured value)"),
		lookupConcurrency:  fs.Int("lookup-concurrency", 0, "parallel store lookups (0 keeps the configured value)"),
	}
}

// apply returns a copy of cfg with the set flags applied.
func (o *overrides) apply(cfg *config.Config) (*config.Config, error) {
	out := *cfg
	for _, f := range []struct {
		name string
		v    int
		dst  *int
	}{
		{"lookup-chunk", *o.lookupChunk, &out.LookupChunkSize},
		{"write-batch", *o.writeBatch, &out.WriteBatchSize},
		{"rollup-batch", *o.rollupBatch, &out.RollupBatchSize},
		{"concurrency", *o.channelConcurrency, &out.ChannelConcurrency},
		{"lookup-concurrency", *o.lookupConcurrency, &out.LookupConcurrency},
	} {
		switch {
		case f.v < 0:
			return nil, fmt.Errorf("-%s must be positive", f.name)
		case f.v > 0:
			*f.dst = f.v
		}
	}
	return &out, nil
}

// prepare applies the overrides, connects the collaborators the job needs
// and builds a runner.
func prepare(ctx context.Context, app *internal.Application, o *overrides, needsLogs bool) (*jobs.Runner, error) {
	if app == nil {
		return nil, fmt.Errorf("app initialization failed")
	}
	cfg, err := o.apply(app.Config)
	if err != nil {
		return nil, err
	}
	if needsLogs {
		if err := app.ConnectLogStore(ctx); err != nil {
			return nil, err
		}
		app.ConnectDeviceCache(ctx)
	}
	return app.NewRunner(cfg), nil
}

// resolveDay parses the required -day flag in the reference timezone.
func resolveDay(date string, loc *time.Location) (timeframe.Day, error) {
	if date == "" {
		return timeframe.Day{}, errMissingDay
	}
	return timeframe.ParseDay(date, loc)
}

// report prints the tallies and turns any failure into errJobFailed.
func report(tallies ...jobs.Tally) error {
	for _, t := range tallies {
		fmt.Println(t.String())
	}
	succeeded, failed := jobs.Summarize(tallies)
	fmt.Printf("total: succeeded=%d failed=%d\n", succeeded, failed)
	if jobs.Failed(tallies) != nil {
		return errJobFailed
	}
	return nil
}

// SessionsCommand reconstructs sessions over a time window
type SessionsCommand struct{}

func (c *SessionsCommand) Name() string { return "sessions" }
func (c *SessionsCommand) Description() string {
	return "Reconstructs sessions from raw events (-seconds N, or -from/-to RFC3339)"
}

func (c *SessionsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	seconds := fs.Int("seconds", 0, "trailing window length in seconds")
	from := fs.String("from", "", "window start, RFC3339")
	to := fs.String("to", "", "window end, RFC3339")
	o := addOverrides(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	window, err := parseWindow(&timeframe.DefaultTimeProvider{}, *seconds, *from, *to)
	if err != nil {
		return err
	}
	runner, err := prepare(ctx, app, o, true)
	if err != nil {
		return err
	}

	_, t := runner.RunSessions(ctx, window)
	return report(t)
}

// parseWindow requires either a trailing -seconds window or an explicit
// -from/-to range.
func parseWindow(p timeframe.TimeProvider, seconds int, from, to string) (timeframe.Window, error) {
	if from == "" && to == "" {
		if seconds == 0 {
			return timeframe.Window{}, errMissingWindow
		}
		return timeframe.LastSeconds(p, seconds)
	}
	if seconds != 0 {
		return timeframe.Window{}, fmt.Errorf("-seconds cannot be combined with -from/-to")
	}
	if from == "" || to == "" {
		return timeframe.Window{}, fmt.Errorf("-from and -to must be given together")
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return timeframe.Window{}, fmt.Errorf("invalid -from: %w", err)
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return timeframe.Window{}, fmt.Errorf("invalid -to: %w", err)
	}
	return timeframe.NewWindow(start, end)
}

// DailyCommand aggregates daily statistics for one day
type DailyCommand struct{}

func (c *DailyCommand) Name() string { return "daily" }
func (c *DailyCommand) Description() string {
	return "Aggregates per-content daily statistics (-day YYYY-MM-DD)"
}

func (c *DailyCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	date := fs.String("day", "", "day to aggregate, YYYY-MM-DD")
	o := addOverrides(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	day, err := resolveDay(*date, app.Config.Location())
	if err != nil {
		return err
	}
	runner, err := prepare(ctx, app, o, false)
	if err != nil {
		return err
	}

	_, t := runner.RunDaily(ctx, day)
	return report(t)
}

// CumulativeCommand rolls up lifetime statistics
type CumulativeCommand struct{}

func (c *CumulativeCommand) Name() string { return "cumulative" }
func (c *CumulativeCommand) Description() string {
	return "Rolls up lifetime statistics for content whose daily rows changed on -day YYYY-MM-DD"
}

func (c *CumulativeCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	date := fs.String("day", "", "day the daily rows were written, YYYY-MM-DD")
	o := addOverrides(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	day, err := resolveDay(*date, app.Config.Location())
	if err != nil {
		return err
	}
	runner, err := prepare(ctx, app, o, false)
	if err != nil {
		return err
	}

	_, t := runner.RunCumulative(ctx, day)
	return report(t)
}

// ChannelsCommand aggregates the channel funnel for one day
type ChannelsCommand struct{}

func (c *ChannelsCommand) Name() string { return "channels" }
func (c *ChannelsCommand) Description() string {
	return "Aggregates the per-channel funnel by device (-day YYYY-MM-DD)"
}

func (c *ChannelsCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	date := fs.String("day", "", "day to aggregate, YYYY-MM-DD")
	o := addOverrides(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	day, err := resolveDay(*date, app.Config.Location())
	if err != nil {
		return err
	}
	runner, err := prepare(ctx, app, o, true)
	if err != nil {
		return err
	}

	result, t := runner.RunChannels(ctx, day)
	for id, reason := range result.Failures {
		fmt.Printf("  channel %s: %s\n", id, reason)
	}
	return report(t)
}

// PipelineCommand runs daily, cumulative and channels in order
type PipelineCommand struct{}

func (c *PipelineCommand) Name() string { return "pipeline" }
func (c *PipelineCommand) Description() string {
	return "Runs daily, cumulative and channels for -day YYYY-MM-DD"
}

func (c *PipelineCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	date := fs.String("day", "", "day to aggregate, YYYY-MM-DD")
	o := addOverrides(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	day, err := resolveDay(*date, app.Config.Location())
	if err != nil {
		return err
	}
	runner, err := prepare(ctx, app, o, true)
	if err != nil {
		return err
	}

	return report(runner.RunPipeline(ctx, day)...)
}

// BackfillCommand re-runs stages over a range of days
type BackfillCommand struct{}

func (c *BackfillCommand) Name() string { return "backfill" }
func (c *BackfillCommand) Description() string {
	return "Re-runs stages for each day in -from..-to (-stages daily,channels)"
}

func (c *BackfillCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	from := fs.String("from", "", "first day, YYYY-MM-DD")
	to := fs.String("to", "", "last day, YYYY-MM-DD (inclusive)")
	rawStages := fs.String("stages", jobs.JobDaily+","+jobs.JobChannels, "comma-separated stages: daily, channels")
	o := addOverrides(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *from == "" || *to == "" {
		return fmt.Errorf("usage: %s -from YYYY-MM-DD -to YYYY-MM-DD [-stages daily,channels]", c.Name())
	}

	stages, err := jobs.ParseStages(*rawStages)
	if err != nil {
		return err
	}

	needsLogs := false
	for _, s := range stages {
		if s == jobs.JobChannels {
			needsLogs = true
		}
	}
	runner, err := prepare(ctx, app, o, needsLogs)
	if err != nil {
		return err
	}

	days, err := timeframe.Days(*from, *to, runner.Location())
	if err != nil {
		return err
	}

	log.Printf("Backfilling %d days (%s..%s), stages %v", len(days), *from, *to, stages)
	return report(runner.Backfill(ctx, days, stages)...)
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Creates or updates the owned tables" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("app initialization failed, cannot run migrations")
	}

	log.Println("Running database migrations...")

	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Println("Migrations completed successfully")
	return nil
}

// SeedCommand populates a development database with sample data
type SeedCommand struct{}

func (c *SeedCommand) Name() string { return "seed" }
func (c *SeedCommand) Description() string {
	return "Seeds a development database with channels, content, orders and sessions"
}

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	days := fs.Int("days", 7, "number of days to seed, ending yesterday")
	users := fs.Int("users", 200, "number of users")
	works := fs.Int("works", 25, "content items per leaf channel")
	sessionsPerDay := fs.Int("sessions", 500, "sessions per day")
	seed := fs.Uint64("seed", 1, "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if app == nil {
		return fmt.Errorf("unable to initialise app")
	}
	if app.Config.IsProduction() {
		return fmt.Errorf("refusing to seed a production database")
	}
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	runner := app.NewRunner(app.Config)
	se := seeder.NewSeeder(app.DBManager, app.Logger, seeder.Options{
		Through:         runner.Yesterday(),
		Days:            *days,
		Users:           *users,
		WorksPerChannel: *works,
		SessionsPerDay:  *sessionsPerDay,
		CreationRefType: app.Config.CreationRefType,
		PaidOrderStatus: app.Config.PaidOrderStatus,
		TraceAlias:      app.Config.TraceWorksAliases[0],
		PreviewWorksID:  app.Config.PreviewWorksID,
		Seed:            *seed,
	})

	result, err := se.Run(ctx)
	if err != nil {
		return err
	}
	if result.Skipped {
		log.Println("Database already seeded")
		return nil
	}
	log.Printf("Seeded %d channels, %d users, %d works, %d orders, %d sessions",
		result.Channels, result.Users, result.Works, result.Orders, result.Sessions)
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct{}

// Name returns the command name
func (c *StatusCommand) Name() string {
	return "status"
}

// Description returns the command description
func (c *StatusCommand) Description() string {
	return "Shows store, log store and cache connectivity"
}

// Execute implements the status command
func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	if app == nil {
		return fmt.Errorf("cannot check status: app initialization failed")
	}

	db := app.DBManager.GetConnection()

	log.Println("System Status:")
	log.Printf("- Database: %s", app.Config.DatabaseType)
	log.Printf("- Reference timezone: %s", app.Config.Timezone)

	for _, model := range database.OwnedModels() {
		stmt := &gorm.Statement{DB: db}
		if err := stmt.Parse(model); err != nil {
			return fmt.Errorf("failed to parse model: %w", err)
		}
		table := stmt.Schema.Table

		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			return fmt.Errorf("database error: %w", err)
		}

		if stmt.Schema.LookUpField("day") == nil {
			log.Printf("- %s: %d rows", table, count)
			continue
		}
		var latest sql.NullString
		if err := db.Model(model).Select("MAX(day)").Scan(&latest).Error; err != nil {
			return fmt.Errorf("database error: %w", err)
		}
		log.Printf("- %s: %d rows, latest day %s", table, count, orNone(latest))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get SQL DB: %w", err)
	}
	log.Printf("- Max Open Connections: %d", sqlDB.Stats().MaxOpenConnections)
	log.Printf("- Open Connections: %d", sqlDB.Stats().OpenConnections)

	if err := app.ConnectLogStore(ctx); err != nil {
		log.Printf("- Log store: unreachable (%v)", err)
	} else {
		log.Printf("- Log store: connected (%s)", app.Config.ClickHouseAddr)
	}

	switch {
	case app.Config.RedisURL == "":
		log.Println("- Device cache: disabled")
	default:
		app.ConnectDeviceCache(ctx)
		if app.DeviceCache != nil {
			log.Println("- Device cache: connected")
		} else {
			log.Println("- Device cache: unreachable")
		}
	}

	if app.Config.GeoDBPath == "" {
		log.Println("- Geo database: disabled")
	} else {
		log.Printf("- Geo database: %s", app.Config.GeoDBPath)
	}

	return nil
}

func orNone(s sql.NullString) string {
	if !s.Valid || s.String == "" {
		return "none"
	}
	return s.String
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

// Name returns the command name
func (c *HelpCommand) Name() string {
	return "help"
}

// Description returns the command description
func (c *HelpCommand) Description() string {
	return "Shows usage information"
}

// Execute implements the help command
func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage()
	return nil
}

// Helper functions

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := os.Args[1:]
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

func printUsage() {
	fmt.Println("Usage: workstats [command] [flags...]")
	fmt.Println("Available commands:")

	for _, cmd := range commands {
		fmt.Printf("  %-11s %s\n", cmd.Name(), cmd.Description())
	}
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage()
	os.Exit(1)
}
