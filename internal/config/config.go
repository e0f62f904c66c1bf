package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Cameras   CamerasConfig   `yaml:"cameras"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Detector  DetectorConfig  `yaml:"detector"`
	Live      LiveConfig      `yaml:"live"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Web       WebConfig       `yaml:"web"`
	Log       LogConfig       `yaml:"log,omitempty"`
}

// FFmpegConfig locates the ffmpeg binary shared by capture, live encoding and transcoding
type FFmpegConfig struct {
	Path string `yaml:"path"`
}

// CamerasConfig contains per-camera connection and capture settings
type CamerasConfig struct {
	QueueSize            int             `yaml:"queue_size"`
	FailureThreshold     int             `yaml:"failure_threshold"`
	ConnectTimeout       time.Duration   `yaml:"connect_timeout"`
	ReadRetryDelay       time.Duration   `yaml:"read_retry_delay"`
	DefaultProcessingFPS int             `yaml:"default_processing_fps"`
	DefaultStreamingFPS  int             `yaml:"default_streaming_fps"`
	Reconnect            ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls bounded exponential backoff
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// SchedulerConfig contains the global processing budget
type SchedulerConfig struct {
	MaxCameras        int           `yaml:"max_cameras"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// CacheConfig contains encoded-frame cache settings
type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	LowQuality  int           `yaml:"low_quality"`
	HighQuality int           `yaml:"high_quality"`
}

// DetectorConfig points at the external inference service. An empty URL disables detection.
type DetectorConfig struct {
	ServiceURL          string        `yaml:"service_url"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	EnabledClasses      []string      `yaml:"enabled_classes"`
	ErrorThreshold      int           `yaml:"error_threshold"`
}

// LiveConfig contains live peer session settings
type LiveConfig struct {
	OutputFPS            int           `yaml:"output_fps"`
	Width                int           `yaml:"width"`
	Height               int           `yaml:"height"`
	MaxSessionsPerCamera int           `yaml:"max_sessions_per_camera"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	GatherTimeout        time.Duration `yaml:"gather_timeout"`
	ICEServers           []string      `yaml:"ice_servers"`
}

// TranscodeConfig contains segment-output session settings
type TranscodeConfig struct {
	OutputDir        string        `yaml:"output_dir"`
	SegmentTime      int           `yaml:"segment_time"`
	ListSize         int           `yaml:"list_size"`
	BufferSize       string        `yaml:"buffer_size"`
	TTL              time.Duration `yaml:"ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	PlaylistAttempts int           `yaml:"playlist_attempts"`
	PlaylistInterval time.Duration `yaml:"playlist_interval"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	MaxDiskUsage     float64       `yaml:"max_disk_usage_percent"`
}

// SnapshotConfig controls the snapshot websocket push cadence
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIURL  string `yaml:"api_url"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML configuration, then applies defaults, environment overrides and validation.
func Parse(data []byte) (*Config, error) {
	cfg := Config{Web: WebConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := Config{Web: WebConfig{Enabled: true}}
	cfg.setDefaults()
	return &cfg
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/camstream.dev.yaml",
		"./config/camstream.yaml",
		"../config/camstream.yaml",
		"/etc/camstream/camstream.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// DatabasePath returns the sqlite file holding camera configuration
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "db", "camstream.db")
}

// ListenAddr returns host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = "ffmpeg"
	}

	if c.Cameras.QueueSize == 0 {
		c.Cameras.QueueSize = 30
	}
	if c.Cameras.FailureThreshold == 0 {
		c.Cameras.FailureThreshold = 5
	}
	if c.Cameras.ConnectTimeout == 0 {
		c.Cameras.ConnectTimeout = 10 * time.Second
	}
	if c.Cameras.ReadRetryDelay == 0 {
		c.Cameras.ReadRetryDelay = 100 * time.Millisecond
	}
	if c.Cameras.DefaultProcessingFPS == 0 {
		c.Cameras.DefaultProcessingFPS = 5
	}
	if c.Cameras.DefaultStreamingFPS == 0 {
		c.Cameras.DefaultStreamingFPS = 30
	}
	if c.Cameras.Reconnect.MaxAttempts == 0 {
		c.Cameras.Reconnect.MaxAttempts = 3
	}
	if c.Cameras.Reconnect.BaseDelay == 0 {
		c.Cameras.Reconnect.BaseDelay = 2 * time.Second
	}
	if c.Cameras.Reconnect.MaxDelay == 0 {
		c.Cameras.Reconnect.MaxDelay = 30 * time.Second
	}

	if c.Scheduler.MaxCameras == 0 {
		c.Scheduler.MaxCameras = 10
	}
	if c.Scheduler.ReconcileInterval == 0 {
		c.Scheduler.ReconcileInterval = 60 * time.Second
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = time.Second
	}
	if c.Cache.LowQuality == 0 {
		c.Cache.LowQuality = 80
	}
	if c.Cache.HighQuality == 0 {
		c.Cache.HighQuality = 95
	}

	if c.Detector.Timeout == 0 {
		c.Detector.Timeout = 5 * time.Second
	}
	if c.Detector.ConfidenceThreshold == 0 {
		c.Detector.ConfidenceThreshold = 0.5
	}
	if c.Detector.ErrorThreshold == 0 {
		c.Detector.ErrorThreshold = 5
	}

	if c.Live.OutputFPS == 0 {
		c.Live.OutputFPS = 30
	}
	if c.Live.Width == 0 {
		c.Live.Width = 640
	}
	if c.Live.Height == 0 {
		c.Live.Height = 360
	}
	if c.Live.MaxSessionsPerCamera == 0 {
		c.Live.MaxSessionsPerCamera = 5
	}
	if c.Live.IdleTimeout == 0 {
		c.Live.IdleTimeout = 5 * time.Minute
	}
	if c.Live.SweepInterval == 0 {
		c.Live.SweepInterval = 30 * time.Second
	}
	if c.Live.GatherTimeout == 0 {
		c.Live.GatherTimeout = 5 * time.Second
	}

	if c.Transcode.OutputDir == "" {
		c.Transcode.OutputDir = filepath.Join(c.DataDir, "hls")
	}
	if c.Transcode.SegmentTime == 0 {
		c.Transcode.SegmentTime = 2
	}
	if c.Transcode.ListSize == 0 {
		c.Transcode.ListSize = 3
	}
	if c.Transcode.BufferSize == "" {
		c.Transcode.BufferSize = "5000k"
	}
	if c.Transcode.TTL == 0 {
		c.Transcode.TTL = time.Hour
	}
	if c.Transcode.SweepInterval == 0 {
		c.Transcode.SweepInterval = 60 * time.Second
	}
	if c.Transcode.PlaylistAttempts == 0 {
		c.Transcode.PlaylistAttempts = 5
	}
	if c.Transcode.PlaylistInterval == 0 {
		c.Transcode.PlaylistInterval = time.Second
	}
	if c.Transcode.StopGrace == 0 {
		c.Transcode.StopGrace = 3 * time.Second
	}
	if c.Transcode.MaxDiskUsage == 0 {
		c.Transcode.MaxDiskUsage = 90.0
	}

	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = time.Second
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8000
	}
	if c.Web.APIURL == "" {
		c.Web.APIURL = fmt.Sprintf("http://localhost:%d", c.Web.Port)
	}
}

// applyEnv lets a deployment override a few settings without editing the file
func (c *Config) applyEnv() {
	if v := os.Getenv("CAMSTREAM_API_URL"); v != "" {
		c.Web.APIURL = v
	}
	if v := os.Getenv("CAMSTREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Web.Port = port
		}
	}
	if v := os.Getenv("CAMSTREAM_FFMPEG_PATH"); v != "" {
		c.FFmpeg.Path = v
	}
}
