package geoip_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"workstats/internal/pkg/geoip"
)

func TestLocatorWithoutDatabase(t *testing.T) {
	geoip.Init(slog.New(slog.NewTextHandler(io.Discard, nil)), "testdata/missing.mmdb")

	assert.Nil(t, geoip.GetGeoDB())
	assert.Equal(t, "", geoip.Locator{}.Region("8.8.8.8"))
	assert.Equal(t, "", geoip.Locator{}.Region("not-an-ip"))
}
