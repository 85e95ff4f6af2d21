// Package sessions rebuilds per-content visit sessions from raw log events.
package sessions

import (
	"encoding/json"
	"time"

	"workstats/internal/logstore"
	"workstats/internal/models"
)

// Session is one visit interval of one session on one piece of content.
// StartTime is fixed at first sight; EndTime only ever grows.
type Session struct {
	ID        uint        `gorm:"primaryKey" json:"id"`
	SessionID string      `gorm:"column:session_id;not null;uniqueIndex:idx_works_sessions_key,priority:1" json:"session_id"`
	WorksID   string      `gorm:"column:works_id;not null;uniqueIndex:idx_works_sessions_key,priority:2;index" json:"works_id"`
	VisitorID string      `gorm:"column:visitor_id" json:"visitor_id"`
	StartTime time.Time   `gorm:"not null;index" json:"start_time"`
	EndTime   time.Time   `gorm:"not null" json:"end_time"`
	Meta      models.JSON `json:"meta"`
	Data      models.JSON `json:"data"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (Session) TableName() string { return "works_sessions" }

// Key identifies a session record.
type Key struct {
	SessionID string
	WorksID   string
}

func (s Session) Key() Key { return Key{SessionID: s.SessionID, WorksID: s.WorksID} }

// Candidate is a session observed in one log window.
type Candidate struct {
	SessionID string
	WorksID   string
	VisitorID string
	StartTime time.Time
	EndTime   time.Time
	Meta      models.JSON
	Data      models.JSON
}

func (c Candidate) Key() Key { return Key{SessionID: c.SessionID, WorksID: c.WorksID} }

// Locator resolves an IP address to a region name, "" when unknown.
type Locator interface {
	Region(ip string) string
}

// ParseRow turns a grouped log row into a candidate. Rows without a session
// id, a content id or any timestamp are rejected, as are preview views.
func ParseRow(row logstore.Row, previewWorksID string, locator Locator) (Candidate, bool) {
	c := Candidate{
		SessionID: row.String("session_id"),
		WorksID:   row.String("works_id"),
		VisitorID: row.String("visitor_id"),
	}
	if c.SessionID == "" || c.WorksID == "" || c.WorksID == previewWorksID {
		return Candidate{}, false
	}

	start, hasStart := row.Time("start_time")
	end, hasEnd := row.Time("end_time")
	switch {
	case !hasStart && !hasEnd:
		return Candidate{}, false
	case !hasStart:
		start = end
	case !hasEnd:
		end = start
	}
	if end.Before(start) {
		start, end = end, start
	}
	c.StartTime, c.EndTime = start, end

	meta := map[string]string{}
	for _, field := range []string{"ip", "user_agent", "region", "device"} {
		if v := row.String(field); v != "" {
			meta[field] = v
		}
	}
	if meta["region"] == "" && meta["ip"] != "" && locator != nil {
		if region := locator.Region(meta["ip"]); region != "" {
			meta["region"] = region
		}
	}
	if len(meta) > 0 {
		c.Meta, _ = models.NewJSON(meta)
	}

	if data := row.String("data"); data != "" && json.Valid([]byte(data)) {
		c.Data = models.JSON(data)
	}

	return c, true
}

// Dedupe collapses candidates sharing a key: earliest start, latest end,
// descriptive fields from the latest observation that carries them.
// The result is sorted by key.
func Dedupe(candidates []Candidate) []Candidate {
	merged := make(map[Key]*Candidate, len(candidates))
	order := make([]Key, 0, len(candidates))

	for _, c := range candidates {
		current, ok := merged[c.Key()]
		if !ok {
			cp := c
			merged[c.Key()] = &cp
			order = append(order, c.Key())
			continue
		}

		newer := c.EndTime.After(current.EndTime)
		if c.StartTime.Before(current.StartTime) {
			current.StartTime = c.StartTime
		}
		if newer {
			current.EndTime = c.EndTime
		}
		if c.VisitorID != "" && (newer || current.VisitorID == "") {
			current.VisitorID = c.VisitorID
		}
		if !c.Meta.IsEmpty() && (newer || current.Meta.IsEmpty()) {
			current.Meta = c.Meta
		}
		if len(c.Data) > 0 && (newer || len(current.Data) == 0) {
			current.Data = c.Data
		}
	}

	sortKeys(order)
	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// Update is a staged change to an existing session. VisitorID and Meta are
// set only when the stored record lacks them.
type Update struct {
	ID        uint
	EndTime   time.Time
	VisitorID string
	Meta      models.JSON
}

// Plan is the set of writes needed to merge a window into the store.
type Plan struct {
	Creates []Session
	Updates []Update
	Skipped int
}

// PlanMerge compares deduplicated candidates to the stored sessions. A
// candidate becomes a create when its key is new and an update only when
// its end time is strictly later than the stored one.
func PlanMerge(candidates []Candidate, existing map[Key]Session, now time.Time) Plan {
	var plan Plan
	for _, c := range candidates {
		stored, ok := existing[c.Key()]
		if !ok {
			plan.Creates = append(plan.Creates, Session{
				SessionID: c.SessionID,
				WorksID:   c.WorksID,
				VisitorID: c.VisitorID,
				StartTime: c.StartTime.UTC(),
				EndTime:   c.EndTime.UTC(),
				Meta:      c.Meta,
				Data:      c.Data,
				CreatedAt: now,
				UpdatedAt: now,
			})
			continue
		}

		if !c.EndTime.After(stored.EndTime) {
			plan.Skipped++
			continue
		}

		u := Update{ID: stored.ID, EndTime: c.EndTime.UTC()}
		if stored.VisitorID == "" {
			u.VisitorID = c.VisitorID
		}
		if stored.Meta.IsEmpty() && !c.Meta.IsEmpty() {
			u.Meta = c.Meta
		}
		plan.Updates = append(plan.Updates, u)
	}
	return plan
}
