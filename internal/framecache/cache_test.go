package framecache

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

type stubSource struct {
	mu     sync.Mutex
	frames map[string]frame.Record
}

func (s *stubSource) LatestFrame(id string) (frame.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.frames[id]
	return r, ok
}

func (s *stubSource) CameraName(id string) string { return "Camera " + id }

func (s *stubSource) put(id string, w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[id] = frame.Record{Image: image.NewRGBA(image.Rect(0, 0, w, h)), Timestamp: time.Now()}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestCache(src *stubSource) (*Cache, *clock, *atomic.Int32) {
	c := New(Config{TTL: time.Second, LowQuality: 80, HighQuality: 95}, src, nil)
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c.now = clk.now
	var encodes atomic.Int32
	c.encode = func(rec frame.Record, q int) ([]byte, error) {
		encodes.Add(1)
		return video.EncodeJPEG(rec.Image, q)
	}
	return c, clk, &encodes
}

func decodeSize(t *testing.T, data []byte) image.Point {
	t.Helper()
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img.Bounds().Size()
}

func TestCache_LowQualityCachedWithinTTL(t *testing.T) {
	src := &stubSource{frames: map[string]frame.Record{}}
	src.put("1", 320, 240)
	c, clk, encodes := newTestCache(src)

	first := c.GetEncodedFrame("1", QualityLow)
	second := c.GetEncodedFrame("1", QualityLow)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, encodes.Load())

	clk.advance(1500 * time.Millisecond)
	src.put("1", 640, 480)
	third := c.GetEncodedFrame("1", QualityLow)
	assert.EqualValues(t, 2, encodes.Load())
	assert.Equal(t, image.Pt(640, 480), decodeSize(t, third))
}

func TestCache_HighQualityNeverCached(t *testing.T) {
	src := &stubSource{frames: map[string]frame.Record{}}
	src.put("1", 320, 240)
	c, _, encodes := newTestCache(src)

	c.GetEncodedFrame("1", QualityHigh)
	c.GetEncodedFrame("1", QualityHigh)
	assert.EqualValues(t, 2, encodes.Load())

	// and does not populate the low-quality entry
	c.GetEncodedFrame("1", QualityLow)
	assert.EqualValues(t, 3, encodes.Load())
}

func TestCache_ConcurrentReadersShareOneEncode(t *testing.T) {
	src := &stubSource{frames: map[string]frame.Record{}}
	src.put("1", 320, 240)
	c, _, encodes := newTestCache(src)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NotEmpty(t, c.GetEncodedFrame("1", QualityLow))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, encodes.Load())
}

func TestCache_Placeholders(t *testing.T) {
	src := &stubSource{frames: map[string]frame.Record{}}
	c, _, _ := newTestCache(src)

	noSignal := c.GetEncodedFrame("missing", QualityLow)
	assert.Equal(t, image.Pt(video.PlaceholderWidth, video.PlaceholderHeight), decodeSize(t, noSignal))

	src.put("1", 320, 240)
	c.encode = func(frame.Record, int) ([]byte, error) { return nil, errors.New("boom") }
	errFrame := c.GetEncodedFrame("1", QualityHigh)
	assert.Equal(t, image.Pt(video.PlaceholderWidth, video.PlaceholderHeight), decodeSize(t, errFrame))
}

func TestCache_Invalidate(t *testing.T) {
	src := &stubSource{frames: map[string]frame.Record{}}
	src.put("1", 320, 240)
	c, _, encodes := newTestCache(src)

	c.GetEncodedFrame("1", QualityLow)
	c.Invalidate("1")
	c.GetEncodedFrame("1", QualityLow)
	assert.EqualValues(t, 2, encodes.Load())
}

func TestCache_InvalidateOnSessionEnd(t *testing.T) {
	src := &stubSource{frames: map[string]frame.Record{}}
	src.put("1", 320, 240)
	src.put("2", 320, 240)
	c, _, encodes := newTestCache(src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := service.NewEventBus(16)
	defer bus.Close()
	c.InvalidateOn(ctx, bus)

	c.GetEncodedFrame("1", QualityLow)
	c.GetEncodedFrame("2", QualityLow)
	require.EqualValues(t, 2, encodes.Load())

	bus.Publish(service.Event{
		Type: service.EventTypeCameraDisconnected,
		Data: map[string]interface{}{"camera_id": "1"},
	})
	require.Eventually(t, func() bool {
		c.GetEncodedFrame("1", QualityLow)
		return encodes.Load() == 3
	}, time.Second, 10*time.Millisecond)

	// an unrelated camera keeps its entry
	c.GetEncodedFrame("2", QualityLow)
	assert.EqualValues(t, 3, encodes.Load())

	for _, typ := range []service.EventType{service.EventTypeCameraFailed, service.EventTypeCameraRemoved} {
		before := encodes.Load()
		bus.Publish(service.Event{Type: typ, Data: map[string]interface{}{"camera_id": "2"}})
		require.Eventually(t, func() bool {
			c.GetEncodedFrame("2", QualityLow)
			return encodes.Load() == before+1
		}, time.Second, 10*time.Millisecond, string(typ))
	}
}

func TestParseQuality(t *testing.T) {
	assert.Equal(t, QualityHigh, ParseQuality("high"))
	assert.Equal(t, QualityLow, ParseQuality("low"))
	assert.Equal(t, QualityLow, ParseQuality(""))
}
