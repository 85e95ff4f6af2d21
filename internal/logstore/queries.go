package logstore

import "strings"

// Queries holds the statements run against the behavior log table. Each one
// takes the window bounds first, then the parameters listed on its field.
type Queries struct {
	// Sessions groups content visit events by (session, content) over [from, to).
	Sessions string
	// ChannelViews selects listing views of a channel. Args: channel id, page type.
	ChannelViews string
	// ChannelClicks selects views referred by a channel listing. Args: channel id, page type.
	ChannelClicks string
	// PaywallViews selects paywall views. Args: page type.
	PaywallViews string
}

const sessionsQuery = `
SELECT
	session_id,
	works_id,
	argMax(user_id, ts)    AS visitor_id,
	min(ts)                AS start_time,
	max(ts)                AS end_time,
	argMax(ip, ts)         AS ip,
	argMax(user_agent, ts) AS user_agent,
	argMax(region, ts)     AS region,
	argMax(device, ts)     AS device,
	argMax(data, ts)       AS data
FROM {table}
WHERE event = 'works_view' AND ts >= ? AND ts < ?
GROUP BY session_id, works_id`

const channelViewsQuery = `
SELECT user_id AS visitor_id, device, user_agent
FROM {table}
WHERE event = 'page_view' AND ts >= ? AND ts <= ? AND page_id = ? AND page_type = ?`

const channelClicksQuery = `
SELECT user_id AS visitor_id, device, user_agent
FROM {table}
WHERE event = 'page_view' AND ts >= ? AND ts <= ? AND ref_page_id = ? AND ref_page_type = ?`

const paywallViewsQuery = `
SELECT user_id AS visitor_id, device, user_agent, url
FROM {table}
WHERE event = 'page_view' AND ts >= ? AND ts <= ? AND page_type = ?`

// NewQueries binds the statements to a log table.
func NewQueries(table string) Queries {
	bind := func(q string) string {
		return strings.TrimSpace(strings.ReplaceAll(q, "{table}", table))
	}
	return Queries{
		Sessions:      bind(sessionsQuery),
		ChannelViews:  bind(channelViewsQuery),
		ChannelClicks: bind(channelClicksQuery),
		PaywallViews:  bind(paywallViewsQuery),
	}
}
