package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadFromAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  driver: sqlite
  path: ":memory:"
redis:
  addr: localhost:6379
jwt:
  secret: ${JWT_SECRET}
queue:
  ttl: 2h
ws:
  write_timeout: 3s
circuit_breaker:
  failure_threshold: 7
  success_threshold: 1
  timeout: 10s
  half_open_max_requests: 1
`)
	writeFile(t, dir, "secrets.env", "JWT_SECRET=from-secrets\n")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "from-secrets", cfg.JWT.Secret)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Queue.TTL)
	assert.Equal(t, "notify:offline:", cfg.Queue.KeyPrefix)
	assert.Equal(t, 3*time.Second, cfg.WS.WriteTimeout)
	assert.Equal(t, 7, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, 5, cfg.Notification.RetryMax)
	assert.Equal(t, 24*time.Hour, cfg.Notification.DedupTTL)
}

func TestLoadFromRejectsMissingSecret(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
redis:
  addr: localhost:6379
`)
	t.Setenv("JWT_SECRET", "")

	_, err := LoadFrom("", dir)
	assert.ErrorContains(t, err, "jwt.secret")
}

func TestLoadFromRejectsUnknownDriver(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  driver: mongo
redis:
  addr: localhost:6379
jwt:
  secret: x
`)
	t.Setenv("DB_DRIVER", "")

	_, err := LoadFrom("", dir)
	assert.ErrorContains(t, err, "db.driver")
}
