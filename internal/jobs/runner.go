package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/karloscodes/cartridge"

	"workstats/internal/catalog"
	"workstats/internal/channels"
	"workstats/internal/config"
	"workstats/internal/logstore"
	"workstats/internal/metrics"
	"workstats/internal/sessions"
	"workstats/internal/stats"
	"workstats/internal/timeframe"
)

// Job names, used in logs, metrics and backfill stage lists.
const (
	JobSessions   = "sessions"
	JobDaily      = "daily"
	JobCumulative = "cumulative"
	JobChannels   = "channels"
	JobPipeline   = "pipeline"
	JobBackfill   = "backfill"
)

// ErrUnknownStage is returned for a backfill stage other than daily or channels.
var ErrUnknownStage = errors.New("unknown stage")

// Runner wires the batch components to one store, one log store and the
// metrics, and runs them with outcome accounting.
type Runner struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	loc     *time.Location

	Sessions   *sessions.Reconstructor
	Daily      *stats.DailyAggregator
	Cumulative *stats.Rollup
	Channels   *channels.Aggregator

	TimeProvider timeframe.TimeProvider
}

// NewRunner builds every component from cfg. deviceCache and locator may be nil.
func NewRunner(cfg *config.Config, dbManager cartridge.DBManager, logs logstore.Querier, deviceCache catalog.DeviceCache, locator sessions.Locator, m *metrics.Metrics, logger *slog.Logger) *Runner {
	queries := logstore.NewQueries(cfg.ClickHouseTable)

	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		loc:     cfg.Location(),
		Sessions: sessions.NewReconstructor(dbManager, logs, queries, logger, sessions.Options{
			PreviewWorksID:    cfg.PreviewWorksID,
			LookupChunkSize:   cfg.LookupChunkSize,
			WriteBatchSize:    cfg.WriteBatchSize,
			LookupConcurrency: cfg.LookupConcurrency,
		}, locator),
		Daily:      stats.NewDailyAggregator(dbManager, logger, cfg.PreviewWorksID, cfg.WriteBatchSize),
		Cumulative: stats.NewRollup(dbManager, logger, cfg.RollupBatchSize),
		Channels: channels.NewAggregator(dbManager, logs, queries, deviceCache, logger, channels.Options{
			ChannelPageType:    cfg.ChannelPageType,
			PaywallPageType:    cfg.PaywallPageType,
			CreationRefType:    cfg.CreationRefType,
			PaywallURLParam:    cfg.PaywallURLParam,
			TraceWorksAliases:  cfg.TraceWorksAliases,
			PaidOrderStatus:    cfg.PaidOrderStatus,
			CurrencyExponent:   cfg.CurrencyExponent,
			PreviewWorksID:     cfg.PreviewWorksID,
			LookupChunkSize:    cfg.LookupChunkSize,
			LookupConcurrency:  cfg.LookupConcurrency,
			ChannelConcurrency: cfg.ChannelConcurrency,
		}),
		TimeProvider: &timeframe.DefaultTimeProvider{},
	}

	// Every write timestamp follows the runner's clock
	now := func() time.Time { return r.TimeProvider.Now(time.UTC) }
	r.Sessions.Now = now
	r.Daily.Now = now
	r.Cumulative.Now = now
	r.Channels.Now = now

	return r
}

// Location is the reference timezone.
func (r *Runner) Location() *time.Location {
	return r.loc
}

// Today is the current day in the reference timezone.
func (r *Runner) Today() timeframe.Day {
	return timeframe.Today(r.TimeProvider, r.loc)
}

// Yesterday is the previous day in the reference timezone.
func (r *Runner) Yesterday() timeframe.Day {
	return timeframe.Yesterday(r.TimeProvider, r.loc)
}

// Tally is the unit outcome of one job run.
type Tally struct {
	Job       string
	Scope     string
	Succeeded int
	Failed    int
	Err       error
}

func (t Tally) String() string {
	status := "ok"
	if t.Err != nil {
		status = "FAILED: " + t.Err.Error()
	}
	return fmt.Sprintf("%-10s %-24s succeeded=%d failed=%d %s", t.Job, t.Scope, t.Succeeded, t.Failed, status)
}

func (r *Runner) observe(job string, started time.Time, succeeded, failed int, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveRun(job, started, succeeded, failed, err)
}

func (r *Runner) rows(table string, n int) {
	if r.metrics == nil {
		return
	}
	r.metrics.AddRows(table, n)
}

// RunSessions reconstructs sessions over window. Units are write batches.
func (r *Runner) RunSessions(ctx context.Context, window timeframe.Window) (sessions.Result, Tally) {
	started := time.Now()
	result, err := r.Sessions.Run(ctx, window)

	t := Tally{
		Job:       JobSessions,
		Scope:     fmt.Sprintf("%s..%s", window.From.Format(time.RFC3339), window.To.Format(time.RFC3339)),
		Succeeded: result.Batches - result.FailedBatches,
		Failed:    result.FailedBatches,
		Err:       err,
	}
	if err != nil && result.FailedBatches == 0 {
		t.Failed = 1
	}
	r.rows("works_sessions", result.Created+result.Updated)
	r.observe(JobSessions, started, t.Succeeded, t.Failed, err)
	return result, t
}

// RunDaily replaces the daily rows of day. The day is a single unit.
func (r *Runner) RunDaily(ctx context.Context, day timeframe.Day) (stats.DailyResult, Tally) {
	started := time.Now()
	result, err := r.Daily.Run(ctx, day)

	t := Tally{Job: JobDaily, Scope: day.Date, Err: err}
	if err != nil {
		t.Failed = 1
	} else {
		t.Succeeded = 1
		r.rows("works_daily_stats", result.Works)
	}
	r.observe(JobDaily, started, t.Succeeded, t.Failed, err)
	return result, t
}

// RunCumulative rolls up content touched on day. Units are content ids.
func (r *Runner) RunCumulative(ctx context.Context, day timeframe.Day) (stats.RollupResult, Tally) {
	started := time.Now()
	result, err := r.Cumulative.Run(ctx, day)

	t := Tally{Job: JobCumulative, Scope: day.Date, Succeeded: result.Rolled, Failed: result.Failed, Err: err}
	if err != nil && result.Failed == 0 {
		t.Failed = 1
	}
	r.rows("works_cumulative_stats", result.Rolled)
	r.observe(JobCumulative, started, t.Succeeded, t.Failed, err)
	return result, t
}

// RunChannels aggregates the funnel of day. Units are channels.
func (r *Runner) RunChannels(ctx context.Context, day timeframe.Day) (channels.Result, Tally) {
	started := time.Now()
	result, err := r.Channels.Run(ctx, day)

	t := Tally{Job: JobChannels, Scope: day.Date, Succeeded: result.Succeeded, Failed: result.Failed, Err: err}
	if err != nil && result.Failed == 0 {
		t.Failed = 1
	}
	r.rows("channel_daily_stats", result.Rows)
	r.observe(JobChannels, started, t.Succeeded, t.Failed, err)
	return result, t
}

// RunPipeline runs daily for day, the cumulative rollup for the run date and
// the channel funnel for day. Every stage runs even if an earlier one failed,
// since each reads only committed state.
func (r *Runner) RunPipeline(ctx context.Context, day timeframe.Day) []Tally {
	started := time.Now()
	var tallies []Tally

	_, t := r.RunDaily(ctx, day)
	tallies = append(tallies, t)

	if ctx.Err() == nil {
		_, t = r.RunCumulative(ctx, r.Today())
		tallies = append(tallies, t)
	}

	if ctx.Err() == nil {
		_, t = r.RunChannels(ctx, day)
		tallies = append(tallies, t)
	}

	succeeded, failed := Summarize(tallies)
	r.observe(JobPipeline, started, succeeded, failed, Failed(tallies))
	return tallies
}

// ParseStages validates a comma-separated backfill stage list.
func ParseStages(raw string) ([]string, error) {
	var stages []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if s != JobDaily && s != JobChannels {
			return nil, fmt.Errorf("%w: %q", ErrUnknownStage, s)
		}
		if !slices.Contains(stages, s) {
			stages = append(stages, s)
		}
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages given", ErrUnknownStage)
	}
	return stages, nil
}

// Backfill runs the stages for each day in order, each day committed before
// the next starts. A failing day does not stop later days; cancellation stops
// submitting new days. When daily ran, one cumulative pass over the run date
// follows.
func (r *Runner) Backfill(ctx context.Context, days []timeframe.Day, stages []string) []Tally {
	started := time.Now()
	var tallies []Tally

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			r.logger.Warn("Backfill interrupted", slog.String("next_day", day.Date), slog.Any("error", err))
			break
		}

		for _, stage := range stages {
			var t Tally
			switch stage {
			case JobDaily:
				_, t = r.RunDaily(ctx, day)
			case JobChannels:
				_, t = r.RunChannels(ctx, day)
			}
			tallies = append(tallies, t)
			if t.Err != nil {
				r.logger.Error("Backfill day failed, continuing",
					slog.String("stage", stage),
					slog.String("day", day.Date),
					slog.Any("error", t.Err))
			}
		}
	}

	if slices.Contains(stages, JobDaily) && ctx.Err() == nil {
		_, t := r.RunCumulative(ctx, r.Today())
		tallies = append(tallies, t)
	}

	succeeded, failed := Summarize(tallies)
	r.observe(JobBackfill, started, succeeded, failed, Failed(tallies))
	return tallies
}

// Summarize adds up the unit counts of tallies.
func Summarize(tallies []Tally) (succeeded, failed int) {
	for _, t := range tallies {
		succeeded += t.Succeeded
		failed += t.Failed
	}
	return succeeded, failed
}

// Failed joins the errors of failed tallies, nil when all succeeded.
func Failed(tallies []Tally) error {
	var errs []error
	for _, t := range tallies {
		if t.Err != nil || t.Failed > 0 {
			err := t.Err
			if err == nil {
				err = errors.New("units failed")
			}
			errs = append(errs, fmt.Errorf("%s %s: %w", t.Job, t.Scope, err))
		}
	}
	return errors.Join(errs...)
}
