package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadJobConf(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
id: weekly-news
time_limit: 3600
proxy: localhost:8000
options:
  user_agent: test-bot/1.0
  warcprox_meta:
    warc-prefix: news
seeds:
  - url: https://example.com/
    scope:
      max_hops: 2
      blocks:
        - substring: /login
  - url: https://example.org/blog/
    time_limit: 60
    options:
      ignore_robots: true
`), 0o600))

	conf, err := loadJobConf(path)
	require.NoError(t, err)
	require.Equal(t, "weekly-news", conf.ID)
	require.Equal(t, 3600, conf.TimeLimit)
	require.Equal(t, "test-bot/1.0", conf.Options.UserAgent)
	require.Equal(t, "news", conf.Options.WarcproxMeta["warc-prefix"])
	require.Len(t, conf.Seeds, 2)
	require.NotNil(t, conf.Seeds[0].Scope)
	require.Equal(t, 2, *conf.Seeds[0].Scope.MaxHops)
	require.Equal(t, "/login", conf.Seeds[0].Scope.Blocks[0].Substring)
	require.Equal(t, 60, conf.Seeds[1].TimeLimit)
	require.True(t, conf.Seeds[1].Options.IgnoreRobots)
}

func TestParseJobConfErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"empty":       "",
		"no seeds":    "id: x\n",
		"missing url": "seeds:\n  - proxy: p\n",
		"unknown key": "seeds:\n  - url: https://example.com/\n    max_hops: 3\n",
		"bad yaml":    "seeds: [",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseJobConf([]byte(body))
			require.Error(t, err)
		})
	}

	_, err := loadJobConf(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read job file")
}
