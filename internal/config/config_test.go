package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katasec/dstream-ingester-changefeed/internal/cdc/utils"
	"github.com/katasec/dstream-ingester-changefeed/pkg/cdc"
)

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse("changefeed.hcl", []byte(`store "memory" {}`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, cdc.ContainerSpec{
		DatabaseID:            DefaultDatabaseID,
		ContainerID:           DefaultContainerID,
		PartitionKeyPath:      "/buyerState",
		FullFidelityRetention: 60 * time.Minute,
	}, cfg.Store.ContainerSpec())
	assert.Equal(t, DefaultPartitions, cfg.Store.Partitions)
	assert.Equal(t, time.Second, cfg.Store.GetSweepInterval())

	assert.Equal(t, []cdc.Mode{cdc.Incremental, cdc.FullFidelity}, cfg.Feed.GetModes())
	assert.Equal(t, 10, cfg.Feed.PageSize)
	assert.Equal(t, utils.DefaultPolicy(), cfg.Feed.GetPolicy())
	assert.False(t, cfg.Feed.StartFromBeginning())

	assert.Equal(t, "none", cfg.Lock.Type)
	assert.Equal(t, []SinkConfig{{Type: SinkLog}}, cfg.Sinks)
	assert.Nil(t, cfg.Metrics)
}

func TestParseFullConfigWithEnv(t *testing.T) {
	t.Setenv("SB_CONN", "Endpoint=sb://example.servicebus.windows.net/;SharedAccessKeyName=k;SharedAccessKey=v")

	src := `
log_level = "debug"
log_json  = true

store "sqlserver" {
  connection_string       = "sqlserver://sa:pw@localhost:1433?database=shop"
  database                = "shop"
  container               = "orders"
  full_fidelity_retention = "2h"
}

feed {
  modes       = ["full_fidelity"]
  page_size   = 50
  start       = "beginning"
  short_delay = "500ms"
  long_delay  = "1s"
  max_delay   = "30s"
}

lock "memory" {}

sink "log" {}

sink "servicebus" {
  connection_string = env.SB_CONN
  queue             = "changes"
}

metrics {
  push_url = "http://pushgateway:9091"
}
`
	cfg, err := Parse("changefeed.hcl", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, StoreSQLServer, cfg.Store.Type)
	assert.Equal(t, 2*time.Hour, cfg.Store.ContainerSpec().FullFidelityRetention)
	assert.Equal(t, []cdc.Mode{cdc.FullFidelity}, cfg.Feed.GetModes())
	assert.Equal(t, 50, cfg.Feed.PageSize)
	assert.True(t, cfg.Feed.StartFromBeginning())
	assert.Equal(t, utils.Policy{ShortDelay: 500 * time.Millisecond, LongDelay: time.Second, MaxDelay: 30 * time.Second}, cfg.Feed.GetPolicy())
	assert.Equal(t, "memory", cfg.Lock.Type)

	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, os.Getenv("SB_CONN"), cfg.Sinks[1].ConnectionString)
	assert.Equal(t, "changes", cfg.Sinks[1].Queue)

	require.NotNil(t, cfg.Metrics)
	assert.Equal(t, "changefeed", cfg.Metrics.Job)
	assert.Equal(t, DefaultPushInterval, cfg.Metrics.GetPushInterval())
}

func TestParsePageSizing(t *testing.T) {
	src := `
store "sqlserver" {
  connection_string = "sqlserver://sa:pw@localhost:1433?database=changefeed-db"
  page_sku          = "premium"
  sample_size       = 250
  buffer_factor     = 0.5
  resample_interval = "10m"
}
`
	cfg, err := Parse("changefeed.hcl", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, "premium", cfg.Store.PageSKU)
	assert.Equal(t, 250, cfg.Store.SampleSize)
	assert.Equal(t, 0.5, cfg.Store.BufferFactor)
	assert.Equal(t, 10*time.Minute, cfg.Store.GetResampleInterval())

	cfg, err = Parse("changefeed.hcl", []byte(`store "memory" {}`))
	require.NoError(t, err)
	assert.Zero(t, cfg.Store.GetResampleInterval())
}

func TestParseJSON(t *testing.T) {
	src := `{
  "store": {"memory": {"partitions": 2, "default_ttl": "30s"}},
  "feed": {"modes": ["incremental"]}
}`
	cfg, err := Parse("changefeed.json", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Store.Partitions)
	assert.Equal(t, 30*time.Second, cfg.Store.ContainerSpec().DefaultTTL)
	assert.Equal(t, []cdc.Mode{cdc.Incremental}, cfg.Feed.GetModes())
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	for name, src := range map[string]string{
		"unknown store":      `store "cosmos" {}`,
		"sqlserver no conn":  `store "sqlserver" {}`,
		"bad retention":      `store "memory" { full_fidelity_retention = "soon" }`,
		"negative partition": `store "memory" { partitions = -1 }`,
		"bad mode":           "store \"memory\" {}\nfeed { modes = [\"latest\"] }",
		"duplicate mode":     "store \"memory\" {}\nfeed { modes = [\"incremental\", \"incremental\"] }",
		"negative page":      "store \"memory\" {}\nfeed { page_size = -1 }",
		"bad start":          "store \"memory\" {}\nfeed { start = \"yesterday\" }",
		"bad delay":          "store \"memory\" {}\nfeed { short_delay = \"-1s\" }",
		"unknown lock":       "store \"memory\" {}\nlock \"etcd\" {}",
		"blob lock no conn":  "store \"memory\" {}\nlock \"azure_blob\" {}",
		"unknown sink":       "store \"memory\" {}\nsink \"kafka\" {}",
		"servicebus no conn": "store \"memory\" {}\nsink \"servicebus\" {}",
		"missing store":      `feed {}`,
		"unknown sku":        `store "memory" { page_sku = "basic" }`,
		"negative sample":    `store "memory" { sample_size = -5 }`,
		"negative buffer":    `store "memory" { buffer_factor = -0.1 }`,
		"bad resample":       `store "memory" { resample_interval = "hourly" }`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse("changefeed.hcl", []byte(src))
			assert.Error(t, err)
		})
	}
}

func TestLoadUsesPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`store "memory" { container = "invoices" }`), 0o600))
	t.Setenv(PathEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "invoices", cfg.Store.Container)

	_, err = Load(filepath.Join(dir, "missing.hcl"))
	assert.Error(t, err)
}
