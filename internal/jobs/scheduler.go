package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"workstats/internal/config"
	"workstats/internal/timeframe"
)

// pipelineCheckInterval is how often the scheduler checks whether
// yesterday's pipeline still has to run.
const pipelineCheckInterval = 5 * time.Minute

// Scheduler is responsible for running the batch jobs on a cadence
type Scheduler struct {
	runner    *Runner
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	enabled   bool
	isRunning bool
	cfg       *config.Config

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	// Last day the pipeline completed for, reference timezone
	lastPipelineDay string

	// Contiguous span reconstructed since start, [sessionsFrom, sessionsTo)
	sessionsFrom time.Time
	sessionsTo   time.Time

	// Tickers for each job type
	sessionsTicker *time.Ticker
	pipelineTicker *time.Ticker
	wg             sync.WaitGroup

	// AfterRun is called after every executed job; used for pushing metrics
	AfterRun func(job string)
}

func NewScheduler(cfg *config.Config, runner *Runner, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		runner:  runner,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		enabled: true,
		cfg:     cfg,
	}
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) bool {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return false
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()

		if s.AfterRun != nil {
			s.AfterRun(jobName)
		}
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
	return true
}

// runSessions reconstructs the trailing session window, stretched back to
// the previous run's upper bound when ticks were skipped or delayed.
func (s *Scheduler) runSessions() error {
	return s.reconstructSince(time.Time{})
}

// reconstructSince reconstructs up to the current second, starting no later
// than since, the trailing window or the last covered bound. The covered span
// only advances on a clean run so a failed window is retried.
func (s *Scheduler) reconstructSince(since time.Time) error {
	trailing, err := timeframe.LastSeconds(s.runner.TimeProvider, s.cfg.SessionWindowSeconds)
	if err != nil {
		return err
	}

	from := trailing.From
	if !s.sessionsTo.IsZero() && s.sessionsTo.Before(from) {
		from = s.sessionsTo
	}
	if !since.IsZero() && since.Before(from) {
		from = since
	}
	window := timeframe.Window{From: from.UTC(), To: trailing.To}

	_, t := s.runner.RunSessions(s.ctx, window)
	if t.Err != nil {
		return t.Err
	}

	if s.sessionsFrom.IsZero() || window.From.Before(s.sessionsFrom) {
		s.sessionsFrom = window.From
	}
	s.sessionsTo = window.To
	return nil
}

// runPipelineIfDue runs the pipeline for yesterday once per reference day,
// after making sure every session of yesterday has been reconstructed.
// A failed run is retried on the next check.
func (s *Scheduler) runPipelineIfDue() error {
	yesterday := s.runner.Yesterday()
	if s.lastPipelineDay == yesterday.Date {
		return nil
	}

	if s.sessionsFrom.IsZero() || s.sessionsFrom.After(yesterday.Start) || s.sessionsTo.Before(yesterday.Next().Start) {
		s.logger.Info("Reconstructing sessions before the pipeline", slog.String("day", yesterday.Date))
		if err := s.reconstructSince(yesterday.Start); err != nil {
			return fmt.Errorf("session catch-up for %s: %w", yesterday.Date, err)
		}
	}

	s.logger.Info("Running daily pipeline", slog.String("day", yesterday.Date))
	tallies := s.runner.RunPipeline(s.ctx, yesterday)
	for _, t := range tallies {
		s.logger.Info("Pipeline stage finished",
			slog.String("job", t.Job),
			slog.String("scope", t.Scope),
			slog.Int("succeeded", t.Succeeded),
			slog.Int("failed", t.Failed))
	}
	if err := Failed(tallies); err != nil {
		return err
	}
	s.lastPipelineDay = yesterday.Date
	return nil
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")
	s.isRunning = true

	s.startSessionsJob()
	s.startPipelineJob()

	s.logger.Info("Background jobs started",
		slog.Bool("enabled", s.enabled),
		slog.Bool("isRunning", s.isRunning))

	return nil
}

func (s *Scheduler) startSessionsJob() {
	interval := time.Duration(s.cfg.JobIntervalSeconds) * time.Second
	s.logger.Info("Starting session reconstruction job", slog.Duration("interval", interval))
	s.sessionsTicker = time.NewTicker(interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJobSafely(JobSessions, s.runSessions)

		for {
			select {
			case <-s.sessionsTicker.C:
				s.executeJobSafely(JobSessions, s.runSessions)
			case <-s.ctx.Done():
				s.logger.Info("Session reconstruction job stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) startPipelineJob() {
	s.logger.Info("Starting daily pipeline job", slog.Duration("check_interval", pipelineCheckInterval))
	s.pipelineTicker = time.NewTicker(pipelineCheckInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.pipelineTicker.C:
				s.executeJobSafely(JobPipeline, s.runPipelineIfDue)
			case <-s.ctx.Done():
				s.logger.Info("Daily pipeline job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping background jobs...")
	s.enabled = false

	if s.sessionsTicker != nil {
		s.sessionsTicker.Stop()
	}
	if s.pipelineTicker != nil {
		s.pipelineTicker.Stop()
	}

	s.cancel()
	s.wg.Wait()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning
}
