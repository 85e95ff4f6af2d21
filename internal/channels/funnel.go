// Package channels attributes the acquisition funnel (view, click, creation,
// paywall intercept, paid order) to leaf channels per device class.
package channels

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"workstats/internal/catalog"
	"workstats/internal/devices"
	"workstats/internal/identifiers"
	"workstats/internal/logstore"
)

// ChannelStat is the funnel row of one channel, day and device class.
type ChannelStat struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	ChannelID   string          `gorm:"column:channel_id;not null;uniqueIndex:idx_channel_day_device,priority:1" json:"channel_id"`
	Day         string          `gorm:"not null;uniqueIndex:idx_channel_day_device,priority:2;index" json:"day"`
	Device      string          `gorm:"not null;uniqueIndex:idx_channel_day_device,priority:3" json:"device"`
	ViewPV      int             `gorm:"column:view_pv;not null;default:0" json:"view_pv"`
	ViewUV      int             `gorm:"column:view_uv;not null;default:0" json:"view_uv"`
	ClickPV     int             `gorm:"column:click_pv;not null;default:0" json:"click_pv"`
	ClickUV     int             `gorm:"column:click_uv;not null;default:0" json:"click_uv"`
	CreationPV  int             `gorm:"column:creation_pv;not null;default:0" json:"creation_pv"`
	CreationUV  int             `gorm:"column:creation_uv;not null;default:0" json:"creation_uv"`
	InterceptPV int             `gorm:"column:intercept_pv;not null;default:0" json:"intercept_pv"`
	InterceptUV int             `gorm:"column:intercept_uv;not null;default:0" json:"intercept_uv"`
	OrderCount  int             `gorm:"column:order_count;not null;default:0" json:"order_count"`
	OrderAmount decimal.Decimal `gorm:"column:order_amount;type:decimal(20,2);not null;default:0" json:"order_amount"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (ChannelStat) TableName() string { return "channel_daily_stats" }

// upsertColumns are refreshed when a (channel, day, device) row already exists.
var upsertColumns = []string{
	"view_pv", "view_uv",
	"click_pv", "click_uv",
	"creation_pv", "creation_uv",
	"intercept_pv", "intercept_uv",
	"order_count", "order_amount",
	"updated_at",
}

// Counts is a PV/UV pair.
type Counts struct {
	PV int
	UV int
}

// Hit is one counted event: who and on what device.
type Hit struct {
	VisitorID string
	Device    devices.Class
}

// CountHits groups hits by device: PV is the number of hits, UV the number
// of distinct non-empty visitor ids.
func CountHits(hits []Hit) map[devices.Class]Counts {
	visitors := map[devices.Class]map[string]struct{}{}
	out := map[devices.Class]Counts{}
	for _, h := range hits {
		c := out[h.Device]
		c.PV++
		if h.VisitorID != "" {
			if visitors[h.Device] == nil {
				visitors[h.Device] = map[string]struct{}{}
			}
			if _, seen := visitors[h.Device][h.VisitorID]; !seen {
				visitors[h.Device][h.VisitorID] = struct{}{}
				c.UV++
			}
		}
		out[h.Device] = c
	}
	return out
}

// EventHits converts page view rows to hits, classifying the device field
// and falling back to the user agent.
func EventHits(rows []logstore.Row) []Hit {
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, Hit{
			VisitorID: row.String("visitor_id"),
			Device:    devices.Resolve(row.String("device"), row.String("user_agent")),
		})
	}
	return hits
}

// CreationHits counts created works under the owning user's registration
// device. Users without a resolved device fall into Other.
func CreationHits(works []catalog.Works, userDevices map[string]devices.Class, previewWorksID string) []Hit {
	hits := make([]Hit, 0, len(works))
	for _, w := range works {
		if w.WorksID == "" || w.WorksID == previewWorksID {
			continue
		}
		device, ok := userDevices[w.UserID]
		if !ok {
			device = devices.Other
		}
		hits = append(hits, Hit{VisitorID: w.UserID, Device: device})
	}
	return hits
}

// PaywallHit is a paywall view with its content id recovered from the URL.
type PaywallHit struct {
	WorksID   string
	VisitorID string
	Device    devices.Class
}

// ParsePaywallHits extracts the content id from each row's URL. Rows whose
// URL carries no usable id, or the preview id, are dropped.
func ParsePaywallHits(rows []logstore.Row, param, previewWorksID string) []PaywallHit {
	var hits []PaywallHit
	for _, row := range rows {
		worksID, ok := identifiers.QueryParam(row.String("url"), param)
		if !ok || worksID == previewWorksID {
			continue
		}
		hits = append(hits, PaywallHit{
			WorksID:   worksID,
			VisitorID: row.String("visitor_id"),
			Device:    devices.Resolve(row.String("device"), row.String("user_agent")),
		})
	}
	return hits
}

// InterceptHits keeps the paywall hits whose content was created from channelID.
func InterceptHits(hits []PaywallHit, worksChannel map[string]string, channelID string) []Hit {
	var out []Hit
	for _, h := range hits {
		if worksChannel[h.WorksID] == channelID {
			out = append(out, Hit{VisitorID: h.VisitorID, Device: h.Device})
		}
	}
	return out
}

// AttributedOrder is a paid order with its content id recovered from the trace.
type AttributedOrder struct {
	OrderNo string
	UserID  string
	WorksID string
	Amount  int64
}

// AttributeOrders resolves each order's content id from its trace, first
// alias with a value wins. Orders without one are dropped.
func AttributeOrders(orders []catalog.PaidOrder, aliases []string, previewWorksID string) []AttributedOrder {
	var out []AttributedOrder
	for _, o := range orders {
		worksID, ok := identifiers.FirstString(string(o.Trace), aliases...)
		if !ok || worksID == previewWorksID {
			continue
		}
		out = append(out, AttributedOrder{
			OrderNo: o.OrderNo,
			UserID:  o.UserID,
			WorksID: worksID,
			Amount:  o.Amount,
		})
	}
	return out
}

// OrderTotals is the paid order count and minor-unit amount of one device class.
type OrderTotals struct {
	Count  int
	Amount int64
}

// CountOrders totals the orders attributed to channelID by device class of
// the paying user.
func CountOrders(orders []AttributedOrder, worksChannel map[string]string, channelID string, userDevices map[string]devices.Class) map[devices.Class]OrderTotals {
	out := map[devices.Class]OrderTotals{}
	for _, o := range orders {
		if worksChannel[o.WorksID] != channelID {
			continue
		}
		device, ok := userDevices[o.UserID]
		if !ok {
			device = devices.Other
		}
		t := out[device]
		t.Count++
		t.Amount += o.Amount
		out[device] = t
	}
	return out
}

// Metrics are the five funnel metrics of one channel for one day.
type Metrics struct {
	View      map[devices.Class]Counts
	Click     map[devices.Class]Counts
	Creation  map[devices.Class]Counts
	Intercept map[devices.Class]Counts
	Orders    map[devices.Class]OrderTotals
}

// Rows turns metrics into one row per device class observed in any metric,
// in class order. A channel without activity gets a single Web row.
func (m Metrics) Rows(channelID, day string, exponent int, now time.Time) []ChannelStat {
	seen := map[devices.Class]bool{}
	for _, counts := range []map[devices.Class]Counts{m.View, m.Click, m.Creation, m.Intercept} {
		for class := range counts {
			seen[class] = true
		}
	}
	for class := range m.Orders {
		seen[class] = true
	}
	if len(seen) == 0 {
		seen[devices.Web] = true
	}

	classes := make([]devices.Class, 0, len(seen))
	for class := range seen {
		classes = append(classes, class)
	}
	slices.SortFunc(classes, func(a, b devices.Class) int {
		return slices.Index(devices.All, a) - slices.Index(devices.All, b)
	})

	rows := make([]ChannelStat, 0, len(classes))
	for _, class := range classes {
		orders := m.Orders[class]
		rows = append(rows, ChannelStat{
			ChannelID:   channelID,
			Day:         day,
			Device:      string(class),
			ViewPV:      m.View[class].PV,
			ViewUV:      m.View[class].UV,
			ClickPV:     m.Click[class].PV,
			ClickUV:     m.Click[class].UV,
			CreationPV:  m.Creation[class].PV,
			CreationUV:  m.Creation[class].UV,
			InterceptPV: m.Intercept[class].PV,
			InterceptUV: m.Intercept[class].UV,
			OrderCount:  orders.Count,
			OrderAmount: MajorUnits(orders.Amount, exponent),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return rows
}

// MajorUnits converts a minor-unit amount, e.g. fen to yuan for exponent 2.
func MajorUnits(minor int64, exponent int) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(int32(-exponent))
}
