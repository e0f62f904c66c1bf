// Package camera supervises the connection to a single camera: opening the
// device, reconnecting with bounded backoff, and running the capture loop
// that feeds the raw frame queue.
package camera

// Features are the analysis flags stored with a camera. This package only
// checks whether any of them is set.
type Features struct {
	DetectPeople     bool `json:"detect_people"`
	CountPeople      bool `json:"count_people"`
	RecognizeFaces   bool `json:"recognize_faces"`
	TemplateMatching bool `json:"template_matching"`
}

// Any reports whether at least one feature is enabled
func (f Features) Any() bool {
	return f.DetectPeople || f.CountPeople || f.RecognizeFaces || f.TemplateMatching
}

// Config is the read-only camera configuration record
type Config struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	URL           string   `json:"rtsp_url"`
	Enabled       bool     `json:"enabled"`
	ProcessingFPS int      `json:"processing_fps"`
	StreamingFPS  int      `json:"streaming_fps"`
	Features      Features `json:"features"`
}

// ShouldProcess reports whether frames from this camera need to go through detection
func (c Config) ShouldProcess() bool {
	return c.Features.Any()
}

// DisplayName falls back to the id when no name is set
func (c Config) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return "Camera " + c.ID
}

// WithDefaults fills unset rates
func (c Config) WithDefaults(processingFPS, streamingFPS int) Config {
	if c.ProcessingFPS <= 0 {
		c.ProcessingFPS = processingFPS
	}
	if c.StreamingFPS <= 0 {
		c.StreamingFPS = streamingFPS
	}
	return c
}
