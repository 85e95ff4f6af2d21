// Package identifiers extracts content identifiers from loosely structured
// fields. Every function returns ok=false instead of an error: unparseable
// input is an expected, skippable record.
package identifiers

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// QueryParam returns a non-empty query parameter from a free-text URL. Hash
// routed pages ("/#/pay?works_id=W1") carry the query in the fragment, so the
// fragment is checked when the regular query lacks the parameter.
func QueryParam(rawURL, name string) (string, bool) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || name == "" {
		return "", false
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}

	if value := strings.TrimSpace(parsedURL.Query().Get(name)); value != "" {
		return value, true
	}

	if idx := strings.Index(parsedURL.Fragment, "?"); idx >= 0 {
		query, err := url.ParseQuery(parsedURL.Fragment[idx+1:])
		if err != nil {
			return "", false
		}
		if value := strings.TrimSpace(query.Get(name)); value != "" {
			return value, true
		}
	}

	return "", false
}

// FirstString returns the first alias holding a non-empty scalar in a JSON
// object document. Numbers are accepted and rendered as written.
func FirstString(doc string, aliases ...string) (string, bool) {
	if doc == "" || !gjson.Valid(doc) {
		return "", false
	}

	parsed := gjson.Parse(doc)
	if !parsed.IsObject() {
		return "", false
	}

	for _, alias := range aliases {
		value := parsed.Get(alias)
		switch value.Type {
		case gjson.String:
			if s := strings.TrimSpace(value.Str); s != "" {
				return s, true
			}
		case gjson.Number:
			return value.Raw, true
		}
	}
	return "", false
}
