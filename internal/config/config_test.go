package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
scraper:
  base_url: https://results.liverc.example
`

func TestLoad_AppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "SCRAPE_ENABLED", cfg.Scraper.KillSwitchEnv)
	require.NotEmpty(t, cfg.Scraper.UserAgent)
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.True(t, cfg.Queue.Enabled)
	require.Equal(t, 2, cfg.Queue.MaxConcurrentJobs)
	require.Equal(t, 2, cfg.WorkerCount())
	require.Equal(t, time.Hour, cfg.Queue.RetentionTTL())
	require.Equal(t, 128, cfg.Cache.Capacity)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, "memory", cfg.Storage.Provider)
	require.Equal(t, "snapshots", cfg.Storage.Prefix)
	require.False(t, cfg.Discovery.Enabled)
}

func TestLoad_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: sekret
scraper:
  base_url: https://results.liverc.example
  user_agent: custom-bot/2.0
  kill_switch_env: MY_KILL_SWITCH
  timeout_seconds: 30
  global_rps: 4.5
  hosts:
    - pattern: results.liverc.example
      crawl_delay_seconds: 0.5
      max_concurrency: 3
      respect_robots: true
      conditional_requests: true
    - pattern: "*.liverc.example"
      crawl_delay_seconds: 2
      max_concurrency: 1
      respect_robots: true
queue:
  max_concurrent_jobs: 4
  workers: 8
  retention_ttl_seconds: 600
cache:
  capacity: 64
db:
  provider: postgres
  dsn: postgres://ingest:pw@localhost:5432/ingest
storage:
  provider: local
  local_dir: /tmp/snapshots
pubsub:
  provider: pubsub
  project_id: my-project
  topic_name: done
discovery:
  enabled: true
  schedule: "@every 1h"
  depth: laps_basic
  tracks:
    - track_id: track-7
      index_url: https://results.liverc.example/tracks/track-7/events
`))
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "custom-bot/2.0", cfg.Scraper.UserAgent)
	require.Equal(t, 4.5, cfg.Scraper.GlobalRPS)
	require.Len(t, cfg.Scraper.Hosts, 2)
	require.Equal(t, 500*time.Millisecond, cfg.Scraper.Hosts[0].CrawlDelay())
	require.True(t, cfg.Scraper.Hosts[0].ConditionalRequest)
	require.Equal(t, 8, cfg.WorkerCount())
	require.Equal(t, 10*time.Minute, cfg.Queue.RetentionTTL())
	require.Equal(t, "postgres", cfg.DB.Provider)
	require.True(t, cfg.Discovery.Enabled)
	require.Len(t, cfg.Discovery.Tracks, 1)
	require.Equal(t, "track-7", cfg.Discovery.Tracks[0].TrackID)
}

func TestLoad_MissingPathFails(t *testing.T) {
	t.Parallel()

	_, err := Load("")
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_ValidationFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing base url": `
server:
  port: 8080
`,
		"host rule without pattern": `
scraper:
  base_url: https://results.liverc.example
  hosts:
    - max_concurrency: 1
`,
		"host rule without concurrency": `
scraper:
  base_url: https://results.liverc.example
  hosts:
    - pattern: results.liverc.example
`,
		"postgres without dsn": `
scraper:
  base_url: https://results.liverc.example
db:
  provider: postgres
`,
		"gcs without bucket": `
scraper:
  base_url: https://results.liverc.example
storage:
  provider: gcs
`,
		"auth without key": `
scraper:
  base_url: https://results.liverc.example
auth:
  enabled: true
`,
		"discovery without tracks": `
scraper:
  base_url: https://results.liverc.example
discovery:
  enabled: true
`,
		"negative cache capacity": `
scraper:
  base_url: https://results.liverc.example
cache:
  capacity: -1
`,
	}

	for name, content := range cases {
		_, err := Load(writeConfig(t, content))
		require.Error(t, err, name)
	}
}
