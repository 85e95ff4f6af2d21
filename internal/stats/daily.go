package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"workstats/internal/geography"
	"workstats/internal/models"
	"workstats/internal/sessions"
	"workstats/internal/timeframe"
)

// DailyResult tallies one daily aggregation.
type DailyResult struct {
	Day      string `json:"day"`
	Sessions int    `json:"sessions"`
	Excluded int    `json:"excluded"`
	Works    int    `json:"works"`
}

// DailyAggregator replaces the statistics rows of one day.
type DailyAggregator struct {
	dbManager      cartridge.DBManager
	logger         *slog.Logger
	previewWorksID string
	writeBatchSize int

	Now func() time.Time
}

func NewDailyAggregator(dbManager cartridge.DBManager, logger *slog.Logger, previewWorksID string, writeBatchSize int) *DailyAggregator {
	return &DailyAggregator{
		dbManager:      dbManager,
		logger:         logger,
		previewWorksID: previewWorksID,
		writeBatchSize: writeBatchSize,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run recomputes the day from the sessions that started within it, then
// deletes the day's rows and inserts the new set in one write transaction.
func (a *DailyAggregator) Run(ctx context.Context, day timeframe.Day) (DailyResult, error) {
	result := DailyResult{Day: day.Date}
	db := a.dbManager.GetConnection()

	var found []sessions.Session
	err := db.WithContext(ctx).
		Where("start_time BETWEEN ? AND ?", day.Start.UTC(), day.End.UTC()).
		Find(&found).Error
	if err != nil {
		return result, fmt.Errorf("failed to load sessions for %s: %w", day.Date, err)
	}
	result.Sessions = len(found)

	rows, excluded := ComputeDaily(found, a.previewWorksID, day.Date, a.Now())
	result.Excluded = excluded
	result.Works = len(rows)

	err = models.PerformWrite(a.logger, db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Where("day = ?", day.Date).Delete(&DailyStat{}).Error; err != nil {
			return fmt.Errorf("failed to delete daily stats: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, a.writeBatchSize).Error; err != nil {
			return fmt.Errorf("failed to insert daily stats: %w", err)
		}
		return nil
	})
	if err != nil {
		a.logger.Error("Daily aggregation write failed, day must be rerun",
			slog.String("day", day.Date),
			slog.Int("works", len(rows)),
			slog.Any("error", err))
		return result, err
	}

	a.logger.Info("Daily aggregation completed",
		slog.String("day", day.Date),
		slog.Int("sessions", result.Sessions),
		slog.Int("excluded", result.Excluded),
		slog.Int("works", result.Works))

	return result, nil
}

type counter struct {
	sessions map[string]struct{}
	visitors map[string]struct{}
}

func newCounter() *counter {
	return &counter{sessions: map[string]struct{}{}, visitors: map[string]struct{}{}}
}

func (c *counter) add(s sessions.Session) {
	c.sessions[s.SessionID] = struct{}{}
	if s.VisitorID != "" {
		c.visitors[s.VisitorID] = struct{}{}
	}
}

// ComputeDaily groups sessions by content id into daily rows sorted by
// content id. Sessions without a session id or content id, and preview
// sessions, are excluded and counted.
func ComputeDaily(found []sessions.Session, previewWorksID, day string, now time.Time) ([]DailyStat, int) {
	type acc struct {
		total     *counter
		geo       map[string]*counter
		durations []int
	}

	byWorks := map[string]*acc{}
	excluded := 0
	for _, s := range found {
		if s.SessionID == "" || s.WorksID == "" || s.WorksID == previewWorksID {
			excluded++
			continue
		}

		a, ok := byWorks[s.WorksID]
		if !ok {
			a = &acc{total: newCounter(), geo: map[string]*counter{}}
			byWorks[s.WorksID] = a
		}
		a.total.add(s)

		bucket := geography.FromMetadata(s.Meta)
		g, ok := a.geo[bucket]
		if !ok {
			g = newCounter()
			a.geo[bucket] = g
		}
		g.add(s)

		if !s.StartTime.IsZero() && !s.EndTime.IsZero() {
			a.durations = append(a.durations, sessionSeconds(s.StartTime, s.EndTime))
		}
	}

	rows := make([]DailyStat, 0, len(byWorks))
	for worksID, a := range byWorks {
		geo := make(GeoBreakdown, len(a.geo))
		for name, c := range a.geo {
			geo[name] = GeoCount{PV: len(c.sessions), UV: len(c.visitors)}
		}
		rows = append(rows, DailyStat{
			WorksID:     worksID,
			Day:         day,
			PV:          len(a.total.sessions),
			UV:          len(a.total.visitors),
			Geo:         geo,
			AvgDuration: averageSeconds(a.durations),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	slices.SortFunc(rows, func(x, y DailyStat) int {
		switch {
		case x.WorksID < y.WorksID:
			return -1
		case x.WorksID > y.WorksID:
			return 1
		}
		return 0
	})
	return rows, excluded
}

// sessionSeconds is the session length rounded to whole seconds, at least 1.
func sessionSeconds(start, end time.Time) int {
	return max(1, int(math.Round(end.Sub(start).Seconds())))
}

func averageSeconds(durations []int) int {
	if len(durations) == 0 {
		return 0
	}
	total := 0
	for _, d := range durations {
		total += d
	}
	return int(math.Round(float64(total) / float64(len(durations))))
}
