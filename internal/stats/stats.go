// Package stats computes per-content daily statistics and lifetime rollups
// from reconstructed sessions.
package stats

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// GeoCount holds the counters of one geography bucket.
type GeoCount struct {
	PV int `json:"pv"`
	UV int `json:"uv"`
}

// GeoBreakdown maps geography bucket names to counters.
type GeoBreakdown map[string]GeoCount

func (GeoBreakdown) GormDataType() string {
	return "text"
}

// Scan implements sql.Scanner
func (g *GeoBreakdown) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*g = GeoBreakdown{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan geo breakdown: %T", value)
	}
	out := GeoBreakdown{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("failed to decode geo breakdown: %w", err)
		}
	}
	*g = out
	return nil
}

// Value implements driver.Valuer
func (g GeoBreakdown) Value() (driver.Value, error) {
	if g == nil {
		return "{}", nil
	}
	b, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Add merges other into g bucket by bucket.
func (g GeoBreakdown) Add(other GeoBreakdown) {
	for name, c := range other {
		cur := g[name]
		cur.PV += c.PV
		cur.UV += c.UV
		g[name] = cur
	}
}

// DailyStat is the per-content statistics row of one reference-timezone day.
type DailyStat struct {
	ID          uint         `gorm:"primaryKey" json:"id"`
	WorksID     string       `gorm:"column:works_id;not null;uniqueIndex:idx_daily_works_day,priority:1" json:"works_id"`
	Day         string       `gorm:"not null;uniqueIndex:idx_daily_works_day,priority:2;index" json:"day"`
	PV          int          `gorm:"column:pv;not null;default:0" json:"pv"`
	UV          int          `gorm:"column:uv;not null;default:0" json:"uv"`
	Geo         GeoBreakdown `json:"geo"`
	AvgDuration int          `gorm:"not null;default:0" json:"avg_duration"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `gorm:"index" json:"updated_at"`
}

func (DailyStat) TableName() string { return "works_daily_stats" }

// CumulativeStat is the lifetime sum of every DailyStat of one content id.
type CumulativeStat struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	WorksID   string       `gorm:"column:works_id;not null;uniqueIndex" json:"works_id"`
	PV        int          `gorm:"column:pv;not null;default:0" json:"pv"`
	UV        int          `gorm:"column:uv;not null;default:0" json:"uv"`
	Geo       GeoBreakdown `json:"geo"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (CumulativeStat) TableName() string { return "works_cumulative_stats" }
