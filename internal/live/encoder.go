package live

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

// Encoder turns a sequence of JPEG frames into an H.264 Annex-B byte stream
type Encoder interface {
	// WriteFrame queues one JPEG frame for encoding
	WriteFrame(jpeg []byte) error
	// Output is the Annex-B stream. It reaches EOF after Close.
	Output() io.Reader
	Close() error
}

// EncoderFactory creates an encoder producing fps frames per second
type EncoderFactory func(fps int) (Encoder, error)

// FFmpegEncoderFactory encodes with ffmpeg, preferring a hardware H.264 encoder when one was detected
func FFmpegEncoderFactory(ffmpeg *video.FFmpegWrapper) EncoderFactory {
	return func(fps int) (Encoder, error) {
		return newFFmpegEncoder(ffmpeg, fps)
	}
}

type ffmpegEncoder struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

func newFFmpegEncoder(ffmpeg *video.FFmpegWrapper, fps int) (*ffmpegEncoder, error) {
	encoder := ffmpeg.Encoder("h264")
	rate := strconv.Itoa(fps)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe", "-framerate", rate, "-c:v", "mjpeg", "-i", "-",
		"-an",
		"-c:v", encoder,
	}
	if encoder == "libx264" {
		args = append(args, "-preset", "ultrafast", "-tune", "zerolatency", "-profile:v", "baseline")
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-g", rate,
		"-bf", "0",
		"-f", "h264", "-",
	)

	ctx, cancel := context.WithCancel(context.Background())
	cmd := ffmpeg.Command(ctx, args...)
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = video.NewTailBuffer(2048)

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start encoder: %w", err)
	}

	e := &ffmpegEncoder{
		stdin:  stdin,
		stdout: stdout,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(e.done)
	}()
	return e, nil
}

func (e *ffmpegEncoder) WriteFrame(jpeg []byte) error {
	_, err := e.stdin.Write(jpeg)
	return err
}

func (e *ffmpegEncoder) Output() io.Reader {
	return e.stdout
}

// Close ends input so ffmpeg flushes and exits, killing it if it lingers
func (e *ffmpegEncoder) Close() error {
	e.closeOnce.Do(func() {
		_ = e.stdin.Close()
		select {
		case <-e.done:
		case <-time.After(2 * time.Second):
			e.cancel()
			<-e.done
		}
		e.cancel()
	})
	return nil
}
