// Package framecache serves JPEG snapshots of camera frames, sharing one
// low-quality encode across concurrent readers for a short TTL.
package framecache

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

// Quality selects the encode level
type Quality string

const (
	QualityLow  Quality = "low"
	QualityHigh Quality = "high"
)

// ParseQuality maps a request parameter to a Quality, defaulting to low
func ParseQuality(s string) Quality {
	if s == string(QualityHigh) {
		return QualityHigh
	}
	return QualityLow
}

// FrameSource yields the newest frame for a camera
type FrameSource interface {
	LatestFrame(cameraID string) (frame.Record, bool)
	CameraName(cameraID string) string
}

// Config holds cache tunables
type Config struct {
	TTL         time.Duration
	LowQuality  int
	HighQuality int
}

type entry struct {
	data      []byte
	encodedAt time.Time
}

// Cache encodes frames on demand. Only low-quality encodes are cached.
type Cache struct {
	cfg    Config
	source FrameSource
	logger *logger.Logger
	now    func() time.Time
	encode func(img frame.Record, quality int) ([]byte, error)

	mu      sync.Mutex
	entries map[string]entry
	keyMu   map[string]*sync.Mutex
}

// New creates a cache reading from source
func New(cfg Config, source FrameSource, log *logger.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Second
	}
	if cfg.LowQuality <= 0 {
		cfg.LowQuality = 80
	}
	if cfg.HighQuality <= 0 {
		cfg.HighQuality = 95
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Cache{
		cfg:     cfg,
		source:  source,
		logger:  log,
		now:     time.Now,
		encode:  encodeRecord,
		entries: make(map[string]entry),
		keyMu:   make(map[string]*sync.Mutex),
	}
}

func encodeRecord(rec frame.Record, quality int) ([]byte, error) {
	return video.EncodeJPEG(rec.Image, quality)
}

// GetEncodedFrame returns a JPEG for the camera. It never fails: when no
// frame exists a "No Signal" placeholder is returned, and when encoding
// fails an "Error" placeholder is.
func (c *Cache) GetEncodedFrame(cameraID string, quality Quality) []byte {
	if quality == QualityHigh {
		return c.encodeLatest(cameraID, c.cfg.HighQuality)
	}

	// serialize per camera so concurrent readers share one encode
	lock := c.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	e, ok := c.entries[cameraID]
	c.mu.Unlock()
	if ok && c.now().Sub(e.encodedAt) < c.cfg.TTL {
		return e.data
	}

	rec, ok := c.source.LatestFrame(cameraID)
	if !ok {
		return c.placeholder(video.NoSignalFrame(c.source.CameraName(cameraID)), c.cfg.LowQuality)
	}
	data, err := c.encode(rec, c.cfg.LowQuality)
	if err != nil {
		c.logger.Warn("Failed to encode frame", "camera_id", cameraID, "error", err)
		return c.placeholder(video.ErrorFrame(), c.cfg.LowQuality)
	}

	c.mu.Lock()
	c.entries[cameraID] = entry{data: data, encodedAt: c.now()}
	c.mu.Unlock()
	return data
}

func (c *Cache) encodeLatest(cameraID string, quality int) []byte {
	rec, ok := c.source.LatestFrame(cameraID)
	if !ok {
		return c.placeholder(video.NoSignalFrame(c.source.CameraName(cameraID)), quality)
	}
	data, err := c.encode(rec, quality)
	if err != nil {
		c.logger.Warn("Failed to encode frame", "camera_id", cameraID, "error", err)
		return c.placeholder(video.ErrorFrame(), quality)
	}
	return data
}

func (c *Cache) placeholder(img image.Image, quality int) []byte {
	data, err := video.EncodeJPEG(img, quality)
	if err != nil {
		// a solid in-memory RGBA always encodes; nothing better to return
		return nil
	}
	return data
}

func (c *Cache) cameraLock(cameraID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.keyMu[cameraID]
	if !ok {
		l = &sync.Mutex{}
		c.keyMu[cameraID] = l
	}
	return l
}

// Invalidate drops cached data for a camera, e.g. when its session is torn down
func (c *Cache) Invalidate(cameraID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cameraID)
}

// invalidatingEvents end a camera's session, after which a cached encode
// would show a frame the camera no longer has
var invalidatingEvents = []service.EventType{
	service.EventTypeCameraDisconnected,
	service.EventTypeCameraFailed,
	service.EventTypeCameraRemoved,
}

// InvalidateOn drops a camera's entry whenever bus reports its session
// ending, until ctx is done
func (c *Cache) InvalidateOn(ctx context.Context, bus *service.EventBus) {
	for _, typ := range invalidatingEvents {
		bus.SubscribeWithHandler(ctx, typ, func(ctx context.Context, event service.Event) error {
			if id, _ := event.Data["camera_id"].(string); id != "" {
				c.Invalidate(id)
			}
			return nil
		})
	}
}
