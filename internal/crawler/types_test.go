package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSiteExtraHeaders(t *testing.T) {
	t.Parallel()

	site := Site{Options: SiteOptions{
		ExtraHeaders: map[string]string{"X-Test": "1"},
		WarcproxMeta: map[string]any{"warc-prefix": "job1"},
	}}
	headers, err := site.ExtraHeaders()
	require.NoError(t, err)
	require.Equal(t, "1", headers["X-Test"])
	require.JSONEq(t, `{"warc-prefix":"job1"}`, headers[WarcproxMetaHeader])

	headers["X-Test"] = "changed"
	require.Equal(t, "1", site.Options.ExtraHeaders["X-Test"], "ExtraHeaders must copy")

	headers, err = Site{}.ExtraHeaders()
	require.NoError(t, err)
	require.Empty(t, headers)

	_, err = Site{Options: SiteOptions{WarcproxMeta: map[string]any{"bad": make(chan int)}}}.ExtraHeaders()
	require.Error(t, err)
}

func TestSiteElapsed(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stop := t0.Add(time.Minute)
	site := Site{StartsAndStops: []StartStop{
		{Start: t0, Stop: &stop},
		{Start: t0.Add(time.Hour)},
	}}
	require.Equal(t, 2*time.Minute, site.Elapsed(t0.Add(time.Hour+time.Minute)))
	require.True(t, SiteStatusFinished.Terminal())
	require.False(t, SiteStatusActive.Terminal())
}

func TestNewSiteAnchorsScopeOnSeed(t *testing.T) {
	t.Parallel()

	now := time.Now()
	site, err := NewSite("s1", "j1", "HTTP://Example.com:80/a/b?x=1#frag", now)
	require.NoError(t, err)
	require.Equal(t, "http://example.com/a/b?x=1", site.Seed)
	require.NotEmpty(t, site.Scope.Surt)
	require.Equal(t, SiteStatusActive, site.Status)
	require.Len(t, site.StartsAndStops, 1)

	seed := NewPage(site, site.Seed, 0, 0, "")
	require.Equal(t, SeedPriority, seed.Priority)
	require.Equal(t, PageID("s1", site.Seed), seed.ID)
}
