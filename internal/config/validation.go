package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if c.Cameras.QueueSize <= 0 {
		errors = append(errors, fmt.Sprintf("cameras.queue_size must be > 0, got: %d", c.Cameras.QueueSize))
	}

	if c.Cameras.Reconnect.MaxAttempts < 0 {
		errors = append(errors, fmt.Sprintf("cameras.reconnect.max_attempts must be >= 0, got: %d", c.Cameras.Reconnect.MaxAttempts))
	}

	if c.Cameras.Reconnect.BaseDelay > c.Cameras.Reconnect.MaxDelay {
		errors = append(errors, fmt.Sprintf("cameras.reconnect.base_delay (%v) cannot be greater than max_delay (%v)",
			c.Cameras.Reconnect.BaseDelay, c.Cameras.Reconnect.MaxDelay))
	}

	if c.Scheduler.MaxCameras <= 0 {
		errors = append(errors, fmt.Sprintf("scheduler.max_cameras must be > 0, got: %d", c.Scheduler.MaxCameras))
	}

	for name, q := range map[string]int{"cache.low_quality": c.Cache.LowQuality, "cache.high_quality": c.Cache.HighQuality} {
		if q < 1 || q > 100 {
			errors = append(errors, fmt.Sprintf("%s must be between 1 and 100, got: %d", name, q))
		}
	}

	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		errors = append(errors, fmt.Sprintf("detector.confidence_threshold must be between 0 and 1, got: %.2f", c.Detector.ConfidenceThreshold))
	}

	if c.Live.OutputFPS <= 0 {
		errors = append(errors, fmt.Sprintf("live.output_fps must be > 0, got: %d", c.Live.OutputFPS))
	}

	// libx264 with yuv420p needs even dimensions
	if c.Live.Width%2 != 0 || c.Live.Height%2 != 0 {
		errors = append(errors, fmt.Sprintf("live.width and live.height must be even, got: %dx%d", c.Live.Width, c.Live.Height))
	}

	if c.Live.MaxSessionsPerCamera <= 0 {
		errors = append(errors, fmt.Sprintf("live.max_sessions_per_camera must be > 0, got: %d", c.Live.MaxSessionsPerCamera))
	}

	if c.Transcode.SegmentTime <= 0 {
		errors = append(errors, fmt.Sprintf("transcode.segment_time must be > 0, got: %d", c.Transcode.SegmentTime))
	}

	if c.Transcode.ListSize <= 0 {
		errors = append(errors, fmt.Sprintf("transcode.list_size must be > 0, got: %d", c.Transcode.ListSize))
	}

	if c.Transcode.MaxDiskUsage <= 0 || c.Transcode.MaxDiskUsage > 100 {
		errors = append(errors, fmt.Sprintf("transcode.max_disk_usage_percent must be in (0, 100], got: %.1f", c.Transcode.MaxDiskUsage))
	}

	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}
