// Package video wraps ffmpeg and the image helpers shared by capture,
// live encoding and snapshot output.
package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
)

// fallbackPaths are tried after the configured path
var fallbackPaths = []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}

// HWAccel lists the hardware H.264 encoders ffmpeg can use on this host
type HWAccel struct {
	NVENC    bool // NVIDIA, needs nvidia-smi and h264_nvenc
	VAAPI    bool // Intel, needs vainfo and h264_vaapi
	Software bool
}

// FFmpegWrapper runs a single ffmpeg binary. It is immutable after
// construction and safe for concurrent use.
type FFmpegWrapper struct {
	path   string
	accel  HWAccel
	logger *logger.Logger
}

// NewFFmpegWrapper finds a working ffmpeg, preferring path, and probes it
// for hardware encoders.
func NewFFmpegWrapper(path string, log *logger.Logger) (*FFmpegWrapper, error) {
	found, err := locate(append([]string{path}, fallbackPaths...))
	if err != nil {
		return nil, err
	}
	f := NewFFmpegWrapperAt(found, log)
	f.accel = probeAccel(found)

	f.logger.Info("FFmpeg located",
		"path", f.path,
		"nvenc", f.accel.NVENC,
		"vaapi", f.accel.VAAPI,
	)
	return f, nil
}

// NewFFmpegWrapperAt trusts path without running it and assumes software
// encoding only. Tests point it at shell scripts standing in for ffmpeg.
func NewFFmpegWrapperAt(path string, log *logger.Logger) *FFmpegWrapper {
	if path == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &FFmpegWrapper{
		path:   path,
		accel:  HWAccel{Software: true},
		logger: log.With("component", "ffmpeg"),
	}
}

func locate(candidates []string) (string, error) {
	for _, p := range candidates {
		if p != "" && exec.Command(p, "-version").Run() == nil {
			return p, nil
		}
	}
	return "", errors.New("ffmpeg not found in PATH or common locations")
}

func probeAccel(path string) HWAccel {
	accel := HWAccel{Software: true}
	out, err := exec.Command(path, "-hide_banner", "-encoders").Output()
	if err != nil {
		return accel
	}
	encoders := string(out)
	accel.NVENC = strings.Contains(encoders, "h264_nvenc") && exec.Command("nvidia-smi").Run() == nil
	accel.VAAPI = strings.Contains(encoders, "h264_vaapi") && exec.Command("vainfo").Run() == nil
	return accel
}

func (f *FFmpegWrapper) Path() string { return f.path }

func (f *FFmpegWrapper) Accel() HWAccel { return f.accel }

// Encoder maps a codec name to the ffmpeg encoder to use. Only h264 has a
// hardware option; VAAPI is never picked because the pipe encoders do not
// build its upload filter chain.
func (f *FFmpegWrapper) Encoder(codec string) string {
	if codec != "h264" {
		return codec
	}
	if f.accel.NVENC {
		return "h264_nvenc"
	}
	return "libx264"
}

// Command prepares an ffmpeg invocation bound to ctx
func (f *FFmpegWrapper) Command(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, f.path, args...)
}

// Version returns the first line of `ffmpeg -version`
func (f *FFmpegWrapper) Version(ctx context.Context) (string, error) {
	out, err := f.Command(ctx, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	first, _, _ := strings.Cut(string(out), "\n")
	if first = strings.TrimSpace(first); first == "" {
		return "unknown", nil
	}
	return first, nil
}

// InputArgs returns the input flags for a stream URL. RTSP is forced over TCP.
func InputArgs(url string) []string {
	lower := strings.ToLower(url)
	if strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://") {
		return []string{"-rtsp_transport", "tcp", "-i", url}
	}
	return []string{"-i", url}
}

// CaptureFrameJPEG grabs one frame from input and checks that it decodes
func (f *FFmpegWrapper) CaptureFrameJPEG(ctx context.Context, input string, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	args := append([]string{"-hide_banner", "-loglevel", "error"}, InputArgs(input)...)
	args = append(args,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(qscale(quality)),
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd := f.Command(ctx, args...)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("capture from %s: %w (%s)", input, err, strings.TrimSpace(stderr.String()))
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return nil, fmt.Errorf("capture from %s: no frame data", input)
	}
	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("capture from %s: invalid frame: %w", input, err)
	}
	return data, nil
}

// qscale maps JPEG quality 1..100 onto ffmpeg's mjpeg scale 31..2 (lower is better)
func qscale(quality int) int {
	return max(2, 31-(quality*29)/100)
}
