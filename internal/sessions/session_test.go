package sessions_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workstats/internal/logstore"
	"workstats/internal/models"
	"workstats/internal/sessions"
	"workstats/internal/testsupport"
)

func TestParseRow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Minute)
	locator := testsupport.FakeLocator{"1.2.3.4": "Zhejiang"}

	t.Run("enriches region from ip", func(t *testing.T) {
		c, ok := sessions.ParseRow(logstore.Row{
			"session_id": "S1", "works_id": "C1", "visitor_id": "V1",
			"start_time": start, "end_time": end, "ip": "1.2.3.4",
			"data": `{"from":"share"}`,
		}, "template_preview", locator)
		require.True(t, ok)
		assert.Equal(t, "Zhejiang", c.Meta.String("region"))
		assert.Equal(t, "share", c.Data.String("from"))
	})

	t.Run("keeps logged region", func(t *testing.T) {
		c, ok := sessions.ParseRow(logstore.Row{
			"session_id": "S1", "works_id": "C1",
			"start_time": start, "end_time": end, "ip": "1.2.3.4", "region": "Beijing",
		}, "template_preview", locator)
		require.True(t, ok)
		assert.Equal(t, "Beijing", c.Meta.String("region"))
	})

	t.Run("single timestamp", func(t *testing.T) {
		c, ok := sessions.ParseRow(logstore.Row{
			"session_id": "S1", "works_id": "C1", "end_time": end,
		}, "template_preview", nil)
		require.True(t, ok)
		assert.True(t, c.StartTime.Equal(end))
		assert.True(t, c.Meta.IsEmpty())
	})

	t.Run("invalid data is dropped", func(t *testing.T) {
		c, ok := sessions.ParseRow(logstore.Row{
			"session_id": "S1", "works_id": "C1", "start_time": start, "data": "{broken",
		}, "template_preview", nil)
		require.True(t, ok)
		assert.Empty(t, c.Data)
	})

	t.Run("preview is rejected", func(t *testing.T) {
		_, ok := sessions.ParseRow(logstore.Row{
			"session_id": "S1", "works_id": "template_preview", "start_time": start,
		}, "template_preview", nil)
		assert.False(t, ok)
	})
}

func TestDedupe(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := models.JSON(`{"region":"Sichuan"}`)

	got := sessions.Dedupe([]sessions.Candidate{
		{SessionID: "S2", WorksID: "C1", StartTime: t0, EndTime: t0},
		{SessionID: "S1", WorksID: "C1", VisitorID: "", StartTime: t0.Add(time.Minute), EndTime: t0.Add(2 * time.Minute)},
		{SessionID: "S1", WorksID: "C1", VisitorID: "V1", StartTime: t0, EndTime: t0.Add(time.Minute), Meta: meta},
	})

	require.Len(t, got, 2)
	assert.Equal(t, "S1", got[0].SessionID)
	assert.True(t, got[0].StartTime.Equal(t0))
	assert.True(t, got[0].EndTime.Equal(t0.Add(2*time.Minute)))
	assert.Equal(t, "V1", got[0].VisitorID)
	assert.Equal(t, "Sichuan", got[0].Meta.String("region"))
	assert.Equal(t, "S2", got[1].SessionID)
}

func TestPlanMerge(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(time.Hour)

	existing := map[sessions.Key]sessions.Session{
		{SessionID: "S1", WorksID: "C1"}: {ID: 1, SessionID: "S1", WorksID: "C1", VisitorID: "V1", StartTime: t0, EndTime: t0.Add(time.Minute)},
		{SessionID: "S2", WorksID: "C1"}: {ID: 2, SessionID: "S2", WorksID: "C1", StartTime: t0, EndTime: t0.Add(5 * time.Minute)},
	}

	plan := sessions.PlanMerge([]sessions.Candidate{
		{SessionID: "S1", WorksID: "C1", VisitorID: "V9", StartTime: t0, EndTime: t0.Add(3 * time.Minute)},
		{SessionID: "S2", WorksID: "C1", VisitorID: "V2", StartTime: t0, EndTime: t0.Add(5 * time.Minute)},
		{SessionID: "S3", WorksID: "C1", StartTime: t0, EndTime: t0},
	}, existing, now)

	require.Len(t, plan.Creates, 1)
	assert.Equal(t, "S3", plan.Creates[0].SessionID)
	assert.Equal(t, now, plan.Creates[0].CreatedAt)

	require.Len(t, plan.Updates, 1)
	assert.Equal(t, uint(1), plan.Updates[0].ID)
	assert.Equal(t, "", plan.Updates[0].VisitorID, "stored visitor is kept")

	assert.Equal(t, 1, plan.Skipped, "equal end time is a no-op")
}
