package camera

import (
	"context"
	"fmt"
	"image"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

// Device is an open camera handle. Read blocks until a frame is available.
type Device interface {
	Read() (image.Image, error)
	Close() error
}

// Opener opens a device for a camera. It must return within ctx.
type Opener func(ctx context.Context, cfg Config) (Device, error)

// NewFFmpegOpener returns an Opener that decodes the stream with an ffmpeg
// subprocess. The first frame must arrive before ctx expires for the open to succeed.
func NewFFmpegOpener(ffmpeg *video.FFmpegWrapper) Opener {
	return func(ctx context.Context, cfg Config) (Device, error) {
		stream, err := ffmpeg.OpenFrameStream(video.FrameStreamConfig{
			URL: cfg.URL,
			FPS: cfg.StreamingFPS,
		})
		if err != nil {
			return nil, err
		}

		type result struct {
			img image.Image
			err error
		}
		first := make(chan result, 1)
		go func() {
			img, err := stream.Next()
			first <- result{img, err}
		}()

		select {
		case r := <-first:
			if r.err != nil {
				stream.Close()
				return nil, fmt.Errorf("no frame from %s: %w", cfg.ID, r.err)
			}
			return &ffmpegDevice{stream: stream, pending: r.img}, nil
		case <-ctx.Done():
			// Close unblocks the pending Next
			stream.Close()
			<-first
			return nil, fmt.Errorf("timed out waiting for first frame: %w", ctx.Err())
		}
	}
}

type ffmpegDevice struct {
	stream  *video.FrameStream
	pending image.Image
}

func (d *ffmpegDevice) Read() (image.Image, error) {
	if d.pending != nil {
		img := d.pending
		d.pending = nil
		return img, nil
	}
	return d.stream.Next()
}

func (d *ffmpegDevice) Close() error {
	return d.stream.Close()
}
