package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
)

// FrameStream decodes frames from a long-running ffmpeg process that writes
// MJPEG to stdout. It backs camera capture.
type FrameStream struct {
	logger *logger.Logger
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	reader *MJPEGReader
	stderr *TailBuffer

	closeOnce sync.Once
}

// FrameStreamConfig describes a capture process
type FrameStreamConfig struct {
	URL string
	FPS int // output rate; 0 keeps the source rate
}

// OpenFrameStream starts ffmpeg reading cfg.URL. The process lives until Close.
func (f *FFmpegWrapper) OpenFrameStream(cfg FrameStreamConfig) (*FrameStream, error) {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, InputArgs(cfg.URL)...)
	args = append(args, "-an")
	if cfg.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", cfg.FPS))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "-")

	ctx, cancel := context.WithCancel(context.Background())
	cmd := f.Command(ctx, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := NewTailBuffer(4096)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &FrameStream{
		logger: f.logger,
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		reader: NewMJPEGReader(stdout),
		stderr: stderr,
	}
	return s, nil
}

// Next blocks until the next frame is decoded. io.EOF means the process ended.
func (s *FrameStream) Next() (image.Image, error) {
	data, err := s.reader.Next()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if msg := s.stderr.String(); msg != "" {
				return nil, fmt.Errorf("%w: %s", io.EOF, msg)
			}
			return nil, io.EOF
		}
		return nil, err
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// Close terminates the process and reaps it. Safe to call more than once.
func (s *FrameStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.stdout.Close()

		waitDone := make(chan error, 1)
		go func() { waitDone <- s.cmd.Wait() }()

		select {
		case <-waitDone:
		case <-time.After(5 * time.Second):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			<-waitDone
		}
		s.logger.Debug("Frame stream closed", "pid", s.pid())
	})
	return nil
}

func (s *FrameStream) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// TailBuffer keeps the last max bytes written to it. It is used to capture
// ffmpeg stderr without unbounded growth.
type TailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

// NewTailBuffer creates a buffer holding at most max bytes
func NewTailBuffer(max int) *TailBuffer {
	return &TailBuffer{max: max}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
