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
	chdir(t, t.TempDir())

	cfg, err := Load("deployment-service")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Staging.Backend)
	assert.Equal(t, 5, cfg.Auth.LoginLimit.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LoginLimit.Window)
	assert.Equal(t, 300, cfg.Deployment.MaxTimeoutSeconds)
	assert.Equal(t, "deployment/api", cfg.Deployment.PathPrefix)
	assert.Equal(t, 10*time.Second, cfg.Deployment.NotifyTimeout)
	assert.Equal(t, 30*time.Second, cfg.Deployment.BackgroundTimeout)
	assert.Equal(t, "deployment-service", cfg.Telemetry.ServiceName)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	yaml := []byte(`
server:
  port: 9000
staging:
  backend: s3
  s3_bucket: inputs
engine:
  request_timeout: 5s
deployment:
  background_timeout: 45s
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "auth-service.yaml"), yaml, 0o644))

	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("FLOWDEPLOY_AUTH_DEFAULT_ORGANIZATION", "acme")

	cfg, err := Load("auth-service")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3", cfg.Staging.Backend)
	assert.Equal(t, "inputs", cfg.Staging.S3Bucket)
	assert.Equal(t, 5*time.Second, cfg.Engine.RequestTimeout)
	assert.Equal(t, 45*time.Second, cfg.Deployment.BackgroundTimeout)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "acme", cfg.Auth.DefaultOrganization)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:   DatabaseConfig{Driver: "sqlite"},
			Staging:    StagingConfig{Backend: "local", RootDir: "/tmp/x"},
			Auth:       AuthConfig{LoginLimit: LoginLimitConfig{MaxAttempts: 5}},
			Deployment: DeploymentConfig{MaxTimeoutSeconds: 300},
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Database.Driver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Staging.Backend = "s3"
	assert.Error(t, cfg.Validate(), "s3 needs a bucket")

	cfg = valid()
	cfg.Auth.LoginLimit.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir for Go < 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
