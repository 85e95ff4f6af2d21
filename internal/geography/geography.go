// Package geography names the buckets used by the per-geography breakdowns.
package geography

import (
	"strings"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"workstats/internal/models"
)

// Unknown is the bucket for sessions without usable geography.
const Unknown = "unknown"

// MetadataFields are checked in order for a session's geography.
var MetadataFields = []string{"region", "province", "country"}

var countries = gountries.New()

// FromMetadata returns the normalized geography bucket of a session's
// metadata. Only the country field is read as an ISO code; region and
// province values are names, so "GD" stays "Gd" rather than becoming Grenada.
func FromMetadata(meta models.JSON) string {
	for _, field := range MetadataFields {
		raw := meta.String(field)
		name := Normalize(raw)
		if field == "country" {
			name = Country(raw)
		}
		if name != Unknown {
			return name
		}
	}
	return Unknown
}

// Country maps ISO alpha-2/alpha-3 country codes to the common country name
// and normalizes anything else like a region name.
func Country(raw string) string {
	name := strings.TrimSpace(raw)
	if len(name) == 2 || len(name) == 3 {
		if country, err := countries.FindCountryByAlpha(strings.ToUpper(name)); err == nil {
			return country.Name.Common
		}
	}
	return Normalize(name)
}

// Normalize title-cases Latin names. Names in other scripts are kept as written.
func Normalize(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" || name == "-" || strings.EqualFold(name, Unknown) {
		return Unknown
	}
	return cases.Title(language.Und).String(name)
}
