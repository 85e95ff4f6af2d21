package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"workstats/internal/models"
	"workstats/internal/pkg/async"
	"workstats/internal/timeframe"
)

// RollupResult tallies one cumulative rollup.
type RollupResult struct {
	Day     string `json:"day"`
	Touched int    `json:"touched"`
	Rolled  int    `json:"rolled"`
	Failed  int    `json:"failed"`
}

// Rollup rebuilds lifetime counters for content whose daily rows changed.
type Rollup struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	batchSize int

	Now func() time.Time
}

func NewRollup(dbManager cartridge.DBManager, logger *slog.Logger, batchSize int) *Rollup {
	return &Rollup{
		dbManager: dbManager,
		logger:    logger,
		batchSize: batchSize,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run selects content ids whose daily rows were updated during day and
// replaces each one's cumulative row with the sum over its full history.
// Each content id is its own unit: a failure is counted and the rest continue.
func (r *Rollup) Run(ctx context.Context, day timeframe.Day) (RollupResult, error) {
	result := RollupResult{Day: day.Date}
	db := r.dbManager.GetConnection()

	var worksIDs []string
	err := db.WithContext(ctx).
		Model(&DailyStat{}).
		Where("updated_at BETWEEN ? AND ?", day.Start.UTC(), day.End.UTC()).
		Distinct().
		Order("works_id").
		Pluck("works_id", &worksIDs).Error
	if err != nil {
		return result, fmt.Errorf("failed to select touched works: %w", err)
	}
	result.Touched = len(worksIDs)

	var errs []error
	for _, batch := range async.Chunk(worksIDs, r.batchSize) {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var history []DailyStat
		if err := db.WithContext(ctx).Where("works_id IN ?", batch).Find(&history).Error; err != nil {
			result.Failed += len(batch)
			r.logger.Error("Failed to load daily history",
				slog.Int("works", len(batch)),
				slog.String("first_works_id", batch[0]),
				slog.Any("error", err))
			errs = append(errs, fmt.Errorf("load history: %w", err))
			continue
		}

		byWorks := make(map[string][]DailyStat, len(batch))
		for _, row := range history {
			byWorks[row.WorksID] = append(byWorks[row.WorksID], row)
		}

		now := r.Now()
		for _, worksID := range batch {
			total := SumDaily(worksID, byWorks[worksID])
			total.CreatedAt, total.UpdatedAt = now, now

			if err := r.replace(ctx, db, total); err != nil {
				result.Failed++
				r.logger.Error("Failed to replace cumulative stats",
					slog.String("works_id", worksID),
					slog.Any("error", err))
				errs = append(errs, fmt.Errorf("works %s: %w", worksID, err))
				continue
			}
			result.Rolled++
		}
	}

	r.logger.Info("Cumulative rollup completed",
		slog.String("day", day.Date),
		slog.Int("touched", result.Touched),
		slog.Int("rolled", result.Rolled),
		slog.Int("failed", result.Failed))

	return result, errors.Join(errs...)
}

func (r *Rollup) replace(ctx context.Context, db *gorm.DB, total CumulativeStat) error {
	return models.PerformWrite(r.logger, db.WithContext(ctx), func(tx *gorm.DB) error {
		if err := tx.Where("works_id = ?", total.WorksID).Delete(&CumulativeStat{}).Error; err != nil {
			return err
		}
		return tx.Create(&total).Error
	})
}

// SumDaily adds up daily rows of one content id, merging geography buckets.
func SumDaily(worksID string, rows []DailyStat) CumulativeStat {
	total := CumulativeStat{WorksID: worksID, Geo: GeoBreakdown{}}
	for _, row := range rows {
		total.PV += row.PV
		total.UV += row.UV
		total.Geo.Add(row.Geo)
	}
	return total
}
