package identifiers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"workstats/internal/identifiers"
)

func TestQueryParam(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		want   string
		wantOK bool
	}{
		{"plain query", "https://x/y?works_id=W1", "W1", true},
		{"among others", "https://x/pay?from=share&works_id=W2&t=1", "W2", true},
		{"relative url", "/pay?works_id=W3", "W3", true},
		{"hash route", "https://x/#/pay?works_id=W4", "W4", true},
		{"missing", "https://x/y", "", false},
		{"blank value", "https://x/y?works_id=", "", false},
		{"other param only", "https://x/y?workid=W5", "", false},
		{"empty", "", "", false},
		{"garbage", "%zz://", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := identifiers.QueryParam(tt.url, "works_id")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFirstString(t *testing.T) {
	aliases := []string{"works_id", "workId"}

	tests := []struct {
		name   string
		doc    string
		want   string
		wantOK bool
	}{
		{"legacy camel alias", `{"workId":"W9"}`, "W9", true},
		{"snake alias", `{"works_id":"W8"}`, "W8", true},
		{"first non-empty wins", `{"works_id":"","workId":"W7"}`, "W7", true},
		{"first alias preferred", `{"works_id":"A","workId":"B"}`, "A", true},
		{"numeric id", `{"workId":12345}`, "12345", true},
		{"no alias", `{"foo":"bar"}`, "", false},
		{"null value", `{"workId":null}`, "", false},
		{"nested object ignored", `{"workId":{"id":"W1"}}`, "", false},
		{"not an object", `["W1"]`, "", false},
		{"invalid json", `{"workId":`, "", false},
		{"empty", ``, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := identifiers.FirstString(tt.doc, aliases...)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
