package channels_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workstats/internal/catalog"
	"workstats/internal/channels"
	"workstats/internal/devices"
	"workstats/internal/logstore"
	"workstats/internal/models"
)

func TestCountHits(t *testing.T) {
	got := channels.CountHits([]channels.Hit{
		{VisitorID: "V1", Device: devices.IOS},
		{VisitorID: "V1", Device: devices.IOS},
		{VisitorID: "", Device: devices.IOS},
		{VisitorID: "V1", Device: devices.Web},
	})

	assert.Equal(t, map[devices.Class]channels.Counts{
		devices.IOS: {PV: 3, UV: 1},
		devices.Web: {PV: 1, UV: 1},
	}, got)
	assert.Empty(t, channels.CountHits(nil))
}

func TestParsePaywallHits(t *testing.T) {
	hits := channels.ParsePaywallHits([]logstore.Row{
		{"url": "https://x/y?works_id=W1", "device": "iPhone 14", "visitor_id": "V1"},
		{"url": "https://x/y", "device": "iPhone 14", "visitor_id": "V1"},
		{"url": "https://x/y?works_id=template_preview", "device": "iPhone 14"},
		{"url": "::not a url", "device": "android"},
		{"url": "https://x/y?works_id=W2", "user_agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36"},
	}, "works_id", "template_preview")

	require.Len(t, hits, 2)
	assert.Equal(t, channels.PaywallHit{WorksID: "W1", VisitorID: "V1", Device: devices.IOS}, hits[0])
	assert.Equal(t, "W2", hits[1].WorksID)
	assert.Equal(t, devices.Web, hits[1].Device)
}

func TestAttributeOrders(t *testing.T) {
	aliases := []string{"works_id", "workId"}

	got := channels.AttributeOrders([]catalog.PaidOrder{
		{OrderNo: "O1", UserID: "U1", Amount: 100, Trace: models.JSON(`{"workId":"W9"}`)},
		{OrderNo: "O2", UserID: "U1", Amount: 100, Trace: models.JSON(`{"foo":"bar"}`)},
		{OrderNo: "O3", UserID: "U1", Amount: 100, Trace: models.JSON(`{"works_id":"","workId":"W8"}`)},
		{OrderNo: "O4", UserID: "U1", Amount: 100},
		{OrderNo: "O5", UserID: "U1", Amount: 100, Trace: models.JSON(`not json`)},
	}, aliases, "template_preview")

	require.Len(t, got, 2)
	assert.Equal(t, "W9", got[0].WorksID)
	assert.Equal(t, "O3", got[1].OrderNo)
	assert.Equal(t, "W8", got[1].WorksID)
}

func TestCountOrders(t *testing.T) {
	worksChannel := map[string]string{"W1": "CH1", "W2": "CH2"}
	userDevices := map[string]devices.Class{"U1": devices.Android}

	got := channels.CountOrders([]channels.AttributedOrder{
		{UserID: "U1", WorksID: "W1", Amount: 990},
		{UserID: "U1", WorksID: "W1", Amount: 10},
		{UserID: "U2", WorksID: "W1", Amount: 500},
		{UserID: "U1", WorksID: "W2", Amount: 700},
		{UserID: "U1", WorksID: "W3", Amount: 700},
	}, worksChannel, "CH1", userDevices)

	assert.Equal(t, map[devices.Class]channels.OrderTotals{
		devices.Android: {Count: 2, Amount: 1000},
		devices.Other:   {Count: 1, Amount: 500},
	}, got)
}

func TestMajorUnits(t *testing.T) {
	assert.True(t, decimal.RequireFromString("19.90").Equal(channels.MajorUnits(1990, 2)))
	assert.True(t, decimal.Zero.Equal(channels.MajorUnits(0, 2)))
	assert.True(t, decimal.NewFromInt(7).Equal(channels.MajorUnits(7, 0)))
}

func TestMetricsRows(t *testing.T) {
	now := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	t.Run("one row per observed device", func(t *testing.T) {
		rows := channels.Metrics{
			View:   map[devices.Class]channels.Counts{devices.Android: {PV: 2, UV: 1}},
			Click:  map[devices.Class]channels.Counts{devices.IOS: {PV: 1, UV: 1}},
			Orders: map[devices.Class]channels.OrderTotals{devices.Android: {Count: 1, Amount: 250}},
		}.Rows("CH1", "2024-01-01", 2, now)

		require.Len(t, rows, 2)
		assert.Equal(t, "ios", rows[0].Device)
		assert.Equal(t, 1, rows[0].ClickPV)
		assert.Equal(t, "android", rows[1].Device)
		assert.Equal(t, 2, rows[1].ViewPV)
		assert.Equal(t, 1, rows[1].OrderCount)
		assert.True(t, decimal.RequireFromString("2.5").Equal(rows[1].OrderAmount))
	})

	t.Run("no activity yields a web placeholder", func(t *testing.T) {
		rows := channels.Metrics{}.Rows("CH2", "2024-01-01", 2, now)

		require.Len(t, rows, 1)
		assert.Equal(t, "web", rows[0].Device)
		assert.Equal(t, "CH2", rows[0].ChannelID)
		assert.Equal(t, 0, rows[0].ViewPV)
		assert.True(t, rows[0].OrderAmount.IsZero())
	})
}
