package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("data_dir: /var/lib/camstream\n"))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Cameras.QueueSize)
	assert.Equal(t, 5, cfg.Cameras.FailureThreshold)
	assert.Equal(t, 3, cfg.Cameras.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Cameras.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Cameras.Reconnect.MaxDelay)
	assert.Equal(t, 10, cfg.Scheduler.MaxCameras)
	assert.Equal(t, time.Second, cfg.Cache.TTL)
	assert.Equal(t, 80, cfg.Cache.LowQuality)
	assert.Equal(t, 95, cfg.Cache.HighQuality)
	assert.Equal(t, 30, cfg.Live.OutputFPS)
	assert.Equal(t, time.Hour, cfg.Transcode.TTL)
	assert.Equal(t, "/var/lib/camstream/hls", cfg.Transcode.OutputDir)
	assert.Equal(t, "/var/lib/camstream/db/camstream.db", cfg.DatabasePath())
	assert.True(t, cfg.Web.Enabled)
	assert.Equal(t, "http://localhost:8000", cfg.Web.APIURL)
	assert.Equal(t, ":8000", cfg.ListenAddr())
}

func TestParse_Overrides(t *testing.T) {
	yaml := `
scheduler:
  max_cameras: 2
cameras:
  reconnect:
    max_attempts: 5
    base_delay: 1s
    max_delay: 10s
web:
  enabled: false
  host: 127.0.0.1
  port: 9000
  api_url: https://cams.example.com
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Scheduler.MaxCameras)
	assert.Equal(t, 5, cfg.Cameras.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Cameras.Reconnect.BaseDelay)
	assert.False(t, cfg.Web.Enabled)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
	assert.Equal(t, "https://cams.example.com", cfg.Web.APIURL)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("CAMSTREAM_API_URL", "http://edge.local:8080")
	t.Setenv("CAMSTREAM_PORT", "8080")
	t.Setenv("CAMSTREAM_FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")

	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, "http://edge.local:8080", cfg.Web.APIURL)
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "/opt/ffmpeg/bin/ffmpeg", cfg.FFmpeg.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero budget", func(c *Config) { c.Scheduler.MaxCameras = -1 }, "scheduler.max_cameras"},
		{"base above max", func(c *Config) { c.Cameras.Reconnect.BaseDelay = time.Minute }, "base_delay"},
		{"quality out of range", func(c *Config) { c.Cache.HighQuality = 101 }, "cache.high_quality"},
		{"odd width", func(c *Config) { c.Live.Width = 641 }, "must be even"},
		{"bad port", func(c *Config) { c.Web.Port = 70000 }, "web.port"},
		{"disk usage above 100", func(c *Config) { c.Transcode.MaxDiskUsage = 150 }, "max_disk_usage_percent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_cameras: 4\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Scheduler.MaxCameras)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scheduler: [unterminated"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestLoad_ShippedSample(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "camstream.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Cameras, cfg.Cameras)
	assert.Equal(t, Default().Transcode, cfg.Transcode)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Live.ICEServers)
	assert.Equal(t, "0.0.0.0:8000", cfg.ListenAddr())
}
