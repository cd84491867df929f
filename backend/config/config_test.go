package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Running.Port)
	assert.Equal(t, 5*time.Minute, cfg.Collab.PresenceTTL)
	assert.Equal(t, 30*time.Second, cfg.Collab.SweepInterval)
	assert.Equal(t, 256, cfg.Collab.MaxConcurrentSubmits)
	assert.Equal(t, "doc-ops", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Redis.Fanout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
running:
  port: 9001
redis:
  addrs: ["10.0.0.1:6379"]
  fanout: true
collab:
  presencettl: 90s
  idleevictafter: 1m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o644))
	t.Setenv("COLLAB_MYSQL_DSN", "root@tcp(db:3306)/notes")
	t.Setenv("COLLAB_COLLAB_IDLEEVICTAFTER", "2m")
	t.Setenv("COLLAB_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Running.Port)
	assert.Equal(t, []string{"10.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.True(t, cfg.Redis.Fanout)
	assert.Equal(t, 90*time.Second, cfg.Collab.PresenceTTL)
	assert.Equal(t, "root@tcp(db:3306)/notes", cfg.Mysql.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Collab.IdleEvictAfter)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte("running: [port"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}
