package store

import (
	"testing"
	"time"

	"github.com/robertmeta/feedkit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1d", 24 * time.Hour},
		{"30d", 30 * 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"3m", 90 * 24 * time.Hour},
		{"1y", 365 * 24 * time.Hour},
		{"36h", 36 * time.Hour},
		{"90m0s", 90 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, in := range []string{"", "d", "7", "7x", "-7d", "-1h", "soon"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, "%q", in)
	}
}

func TestSinceToTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := SinceToTime("1w", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 4, 24, 12, 0, 0, 0, time.UTC), got)

	_, err = SinceToTime("invalid", now)
	assert.Error(t, err)
}

func TestBuildLocator(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	loc, err := BuildLocator("http://example.com/rss", "", "", now)
	require.NoError(t, err)
	assert.Equal(t, model.EntryLocator{URL: "http://example.com/rss"}, loc)

	loc, err = BuildLocator("feed://Example.com/rss", "2w", "", now)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/rss", loc.URL)
	assert.Equal(t, now.Add(-14*24*time.Hour), loc.Since)

	loc, err = BuildLocator("http://example.com/rss", "", "abc", now)
	require.NoError(t, err)
	assert.Equal(t, "guid:abc", loc.Key())

	_, err = BuildLocator("http://example.com/rss", "invalid", "", now)
	assert.ErrorContains(t, err, "--since")

	_, err = BuildLocator("ftp://example.com/rss", "", "", now)
	assert.Error(t, err)
}
