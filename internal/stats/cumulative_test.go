package stats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"workstats/internal/stats"
	"workstats/internal/testsupport"
	"workstats/internal/timeframe"
)

func TestSumDaily(t *testing.T) {
	total := stats.SumDaily("C1", []stats.DailyStat{
		{WorksID: "C1", Day: "2024-01-01", PV: 3, UV: 2, Geo: stats.GeoBreakdown{"Beijing": {PV: 2, UV: 1}, "unknown": {PV: 1, UV: 1}}},
		{WorksID: "C1", Day: "2024-01-02", PV: 5, UV: 4, Geo: stats.GeoBreakdown{"Beijing": {PV: 5, UV: 4}}},
	})

	assert.Equal(t, "C1", total.WorksID)
	assert.Equal(t, 8, total.PV)
	assert.Equal(t, 6, total.UV)
	assert.Equal(t, stats.GeoBreakdown{
		"Beijing": {PV: 7, UV: 5},
		"unknown": {PV: 1, UV: 1},
	}, total.Geo)

	empty := stats.SumDaily("C2", nil)
	assert.Equal(t, 0, empty.PV)
	assert.Empty(t, empty.Geo)
}

func TestRollupRun(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	loc := testsupport.Shanghai(t)

	runDay, err := timeframe.ParseDay("2024-01-03", loc)
	require.NoError(t, err)
	touched := time.Date(2024, 1, 3, 10, 0, 0, 0, loc).UTC()
	stale := time.Date(2024, 1, 1, 10, 0, 0, 0, loc).UTC()

	require.NoError(t, db.Create(&[]stats.DailyStat{
		// C1: old day untouched today, newer day touched today
		{WorksID: "C1", Day: "2024-01-01", PV: 3, UV: 2, Geo: stats.GeoBreakdown{"Beijing": {PV: 3, UV: 2}}, UpdatedAt: stale},
		{WorksID: "C1", Day: "2024-01-02", PV: 5, UV: 4, Geo: stats.GeoBreakdown{"Beijing": {PV: 5, UV: 4}}, UpdatedAt: touched},
		// C2 not touched today
		{WorksID: "C2", Day: "2024-01-01", PV: 9, UV: 9, UpdatedAt: stale},
		// C3 touched today
		{WorksID: "C3", Day: "2024-01-02", PV: 1, UV: 1, UpdatedAt: touched},
	}).Error)

	// A stale cumulative row is replaced, not added to
	require.NoError(t, db.Create(&stats.CumulativeStat{WorksID: "C1", PV: 100, UV: 100}).Error)

	rollup := stats.NewRollup(dbManager, logger, 1)
	rollup.Now = func() time.Time { return touched }

	result, err := rollup.Run(context.Background(), runDay)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Touched)
	assert.Equal(t, 2, result.Rolled)
	assert.Equal(t, 0, result.Failed)

	var c1 stats.CumulativeStat
	require.NoError(t, db.Where("works_id = ?", "C1").First(&c1).Error)
	assert.Equal(t, 8, c1.PV)
	assert.Equal(t, 6, c1.UV)
	assert.Equal(t, stats.GeoCount{PV: 8, UV: 6}, c1.Geo["Beijing"])

	var count int64
	require.NoError(t, db.Model(&stats.CumulativeStat{}).Where("works_id = ?", "C1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, db.Model(&stats.CumulativeStat{}).Where("works_id = ?", "C2").Count(&count).Error)
	assert.Equal(t, int64(0), count, "untouched content is not rolled up")

	t.Run("rerun is idempotent", func(t *testing.T) {
		_, err := rollup.Run(context.Background(), runDay)
		require.NoError(t, err)

		var again stats.CumulativeStat
		require.NoError(t, db.Where("works_id = ?", "C1").First(&again).Error)
		assert.Equal(t, 8, again.PV)
		assert.Equal(t, 6, again.UV)
	})
}

func TestRollupNothingTouched(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	day, err := timeframe.ParseDay("2024-01-03", testsupport.Shanghai(t))
	require.NoError(t, err)

	result, err := stats.NewRollup(dbManager, logger, 100).Run(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, stats.RollupResult{Day: "2024-01-03"}, result)
}

func TestRollupIsolatesFailedWorks(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	db := dbManager.GetConnection()
	loc := testsupport.Shanghai(t)

	runDay, err := timeframe.ParseDay("2024-01-03", loc)
	require.NoError(t, err)
	touched := time.Date(2024, 1, 3, 10, 0, 0, 0, loc).UTC()

	require.NoError(t, db.Create(&[]stats.DailyStat{
		{WorksID: "C1", Day: "2024-01-02", PV: 1, UV: 1, UpdatedAt: touched},
		{WorksID: "C2", Day: "2024-01-02", PV: 2, UV: 2, UpdatedAt: touched},
		{WorksID: "C3", Day: "2024-01-02", PV: 3, UV: 3, UpdatedAt: touched},
	}).Error)

	require.NoError(t, db.Callback().Create().Before("gorm:create").
		Register("test:fail_c2_rollup", func(tx *gorm.DB) {
			if total, ok := tx.Statement.Dest.(*stats.CumulativeStat); ok && total.WorksID == "C2" {
				tx.AddError(errors.New("disk I/O error"))
			}
		}))

	rollup := stats.NewRollup(dbManager, logger, 10)
	rollup.Now = func() time.Time { return touched }

	result, err := rollup.Run(context.Background(), runDay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "works C2")
	assert.Equal(t, 3, result.Touched)
	assert.Equal(t, 2, result.Rolled)
	assert.Equal(t, 1, result.Failed)

	var stored []stats.CumulativeStat
	require.NoError(t, db.Order("works_id").Find(&stored).Error)
	require.Len(t, stored, 2)
	assert.Equal(t, "C1", stored[0].WorksID)
	assert.Equal(t, "C3", stored[1].WorksID)
	assert.Equal(t, 3, stored[1].PV)
}
