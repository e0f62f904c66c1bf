package live

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

const trackJPEGQuality = 80

// sharedTrack is the single outgoing video track for one camera. Every live
// session of that camera sends the same samples. It is reference counted by
// the manager and stopped when the last session closes. If the encoder dies
// on its own the track marks itself failed and reports to onFail once.
type sharedTrack struct {
	cameraID string
	local    *webrtc.TrackLocalStaticSample
	encoder  Encoder
	provider CameraProvider
	logger   *logger.Logger

	fps           int
	width, height int

	refs int // guarded by Manager.mu

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	failOnce sync.Once
	failed   atomic.Bool
	onFail   func(*sharedTrack)
}

func newSharedTrack(cameraID string, cfg Config, provider CameraProvider, encoders EncoderFactory, onFail func(*sharedTrack), log *logger.Logger) (*sharedTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		"camera-"+cameraID,
	)
	if err != nil {
		return nil, err
	}

	enc, err := encoders(cfg.OutputFPS)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &sharedTrack{
		cameraID: cameraID,
		local:    local,
		encoder:  enc,
		provider: provider,
		logger:   log.With("camera_id", cameraID),
		fps:      cfg.OutputFPS,
		width:    cfg.Width,
		height:   cfg.Height,
		ctx:      ctx,
		cancel:   cancel,
		onFail:   onFail,
	}

	t.wg.Add(2)
	go t.feed(ctx)
	go t.relay()
	return t, nil
}

// fail records an encoder failure. Errors seen after stop began are the
// expected result of closing the encoder and are ignored.
func (t *sharedTrack) fail(err error) {
	if t.ctx.Err() != nil {
		return
	}
	t.failOnce.Do(func() {
		t.failed.Store(true)
		t.logger.Error("Live encoder failed", "error", err)
		t.cancel()
		if t.onFail != nil {
			// stop waits for the goroutine calling fail
			go t.onFail(t)
		}
	})
}

// Failed reports whether the encoder died while the track was in use
func (t *sharedTrack) Failed() bool {
	return t.failed.Load()
}

// feed samples the camera's latest frame at the output rate, independent of
// the processing rate, and hands it to the encoder
func (t *sharedTrack) feed(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(t.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data, err := video.EncodeJPEG(t.render(now), trackJPEGQuality)
			if err != nil {
				t.logger.Warn("Failed to encode live frame", "error", err)
				continue
			}
			if err := t.encoder.WriteFrame(data); err != nil {
				t.fail(fmt.Errorf("write frame: %w", err))
				return
			}
		}
	}
}

func (t *sharedTrack) render(now time.Time) *image.RGBA {
	var src image.Image
	if rec, ok := t.provider.LatestFrame(t.cameraID); ok && rec.Image != nil {
		src = rec.Image
	} else {
		src = video.NoSignalFrame(t.provider.CameraName(t.cameraID))
	}
	canvas := video.ToRGBA(video.Resize(src, t.width, t.height))
	video.DrawTimestamp(canvas, now)
	return canvas
}

// relay reads access units from the encoder and writes them to the track
func (t *sharedTrack) relay() {
	defer t.wg.Done()

	reader, err := h264reader.NewReader(t.encoder.Output())
	if err != nil {
		t.fail(fmt.Errorf("open encoder output: %w", err))
		return
	}

	duration := time.Second / time.Duration(t.fps)
	var pending []byte
	for {
		nal, err := reader.NextNAL()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("encoder output ended")
			}
			t.fail(err)
			return
		}

		pending = append(pending, 0x00, 0x00, 0x00, 0x01)
		pending = append(pending, nal.Data...)

		// parameter sets and SEI travel with the next picture
		if nal.UnitType != h264reader.NalUnitTypeCodedSliceIdr && nal.UnitType != h264reader.NalUnitTypeCodedSliceNonIdr {
			continue
		}
		if err := t.local.WriteSample(media.Sample{Data: pending, Duration: duration}); err != nil {
			t.logger.Debug("Failed to write sample", "error", err)
		}
		pending = nil
	}
}

// stop ends both goroutines and the encoder. Safe to call more than once.
func (t *sharedTrack) stop() {
	t.once.Do(func() {
		t.cancel()
		_ = t.encoder.Close()
		t.wg.Wait()
		t.logger.Info("Live track stopped")
	})
}
