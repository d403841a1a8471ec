package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kpietl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Checkpoint.Driver)
	assert.Equal(t, "mysql", cfg.Destination.Driver)
	assert.Equal(t, 5000, cfg.Extract.BatchSize)
	assert.Equal(t, 4, cfg.Extract.Retry.MaxRetries)
	assert.Equal(t, 4*time.Second, cfg.Extract.Retry.InitialDelay)
	assert.Equal(t, "@every 30s", cfg.Schedule.Spec)
	assert.Equal(t, 1, cfg.Orchestrator.Parallelism)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Zero(t, cfg.Redis.StreamMaxLen, "streams are untrimmed unless configured")

	// no source configured
	require.Error(t, cfg.Validate())
}

func TestFileEnvAndFlagPrecedence(t *testing.T) {
	path := writeConfig(t, `
source:
  host: mysql.local
  database: counters
destination:
  driver: postgres
  postgres_url: postgres://kpi@pg.local/kpi
extract:
  batch_size: 2000
  fetch_timeout: 45s
redis:
  enabled: true
  addr: redis.local:6379
orchestrator:
  parallelism: 2
`)
	t.Setenv("KPIETL_EXTRACT__BATCH_SIZE", "3000")
	t.Setenv("KPIETL_RETRY__MAX_RETRIES", "6")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("parallelism", 1, "")
	flags.String("status-addr", ":9102", "")
	require.NoError(t, flags.Parse([]string{"--parallelism=4"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mysql.local", cfg.Source.Host)
	assert.Equal(t, "postgres", cfg.Destination.Driver)
	assert.Equal(t, 3000, cfg.Extract.BatchSize, "env overrides file")
	assert.Equal(t, 45*time.Second, cfg.Extract.FetchTimeout)
	assert.Equal(t, 6, cfg.Extract.Retry.MaxRetries)
	assert.Equal(t, 4, cfg.Orchestrator.Parallelism, "flag overrides file")
	assert.Equal(t, ":9102", cfg.Status.Addr, "unset flags do not override")
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.local:6379", cfg.Redis.Addr)
}

func TestValidateCollectsErrors(t *testing.T) {
	path := writeConfig(t, `
source:
  dsn: user:pass@tcp(localhost:3306)/counters
destination:
  driver: oracle
checkpoint:
  driver: postgres
classifier:
  families:
    5min: "(["
schedule:
  spec: "every now and then"
orchestrator:
  parallelism: 0
`)
	cfg, err := Load(path, nil)
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"destination.driver",
		"checkpoint.postgres_url",
		"classifier.families",
		"schedule.spec",
		"orchestrator.parallelism",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.NotContains(t, err.Error(), "source:")
}

func TestClassifierFamilies(t *testing.T) {
	families, err := ClassifierConfig{}.Compile()
	require.NoError(t, err)
	assert.Len(t, families, 3)

	families, err = ClassifierConfig{Families: map[string]string{"mgw": `^([A-Z]+)MGW_S\d+_A\d{4}$`}}.Compile()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.EqualValues(t, "mgw", families[0].Cadence)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}
