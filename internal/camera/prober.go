package camera

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
)

// ProbeResult describes what an RTSP source offered during a probe
type ProbeResult struct {
	Success    bool     `json:"success"`
	Message    string   `json:"message"`
	Codec      string   `json:"codec,omitempty"`
	Codecs     []string `json:"codecs,omitempty"`
	Packets    int64    `json:"packets"`
	KeyFrame   bool     `json:"key_frame"`
	DurationMs int64    `json:"duration_ms"`
}

// Prober checks that an RTSP source answers DESCRIBE, accepts SETUP/PLAY and
// delivers media, without decoding pixels.
type Prober struct {
	logger  *logger.Logger
	timeout time.Duration
}

// NewProber creates a prober that gives up after timeout
func NewProber(timeout time.Duration, log *logger.Logger) *Prober {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Prober{logger: log, timeout: timeout}
}

// Probe connects to rawURL and waits for the first RTP packets. For H.264
// sources it also waits for an IDR frame, so a camera that never sends a
// keyframe is reported as unusable.
func (p *Prober) Probe(ctx context.Context, rawURL string) ProbeResult {
	start := time.Now()
	res := p.probe(ctx, rawURL)
	res.DurationMs = time.Since(start).Milliseconds()

	p.logger.Debug("RTSP probe finished",
		"url", redactURL(rawURL),
		"success", res.Success,
		"codec", res.Codec,
		"packets", res.Packets,
	)
	return res
}

func (p *Prober) probe(ctx context.Context, rawURL string) ProbeResult {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return ProbeResult{Message: fmt.Sprintf("invalid URL: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client := &gortsplib.Client{
		ReadTimeout:  p.timeout,
		WriteTimeout: p.timeout,
	}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return ProbeResult{Message: fmt.Sprintf("failed to connect: %v", err)}
	}
	defer client.Close()

	// gortsplib calls block on the network; closing the client unblocks them on timeout
	stop := context.AfterFunc(ctx, client.Close)
	defer stop()

	desc, _, err := client.Describe(u)
	if err != nil {
		return ProbeResult{Message: fmt.Sprintf("failed to describe stream: %v", err)}
	}

	res := ProbeResult{}
	for _, media := range desc.Medias {
		for _, forma := range media.Formats {
			res.Codecs = append(res.Codecs, forma.Codec())
		}
	}
	if len(res.Codecs) == 0 {
		res.Message = "stream offers no media"
		return res
	}
	res.Codec = res.Codecs[0]

	var h264Format *format.H264
	h264Media := desc.FindFormat(&h264Format)
	if h264Media != nil {
		res.Codec = h264Format.Codec()
	}

	if err := client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		res.Message = fmt.Sprintf("failed to setup stream: %v", err)
		return res
	}

	var packets atomic.Int64
	var keyFrame atomic.Bool
	gotMedia := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(gotMedia) }) }

	if h264Media != nil {
		dec, err := h264Format.CreateDecoder()
		if err != nil {
			res.Message = fmt.Sprintf("failed to create H.264 decoder: %v", err)
			return res
		}
		client.OnPacketRTP(h264Media, h264Format, func(pkt *rtp.Packet) {
			packets.Add(1)
			au, err := dec.Decode(pkt)
			if err != nil {
				if !errors.Is(err, rtph264.ErrMorePacketsNeeded) {
					p.logger.Debug("Failed to decode RTP packet", "error", err)
				}
				return
			}
			if h264.IDRPresent(au) {
				keyFrame.Store(true)
				signal()
			}
		})
	} else {
		client.OnPacketRTPAny(func(_ *description.Media, _ format.Format, _ *rtp.Packet) {
			if packets.Add(1) >= 5 {
				signal()
			}
		})
	}

	if _, err := client.Play(nil); err != nil {
		res.Message = fmt.Sprintf("failed to play stream: %v", err)
		return res
	}

	select {
	case <-gotMedia:
		res.KeyFrame = keyFrame.Load()
		res.Success = true
		res.Packets = packets.Load()
		res.Message = "stream is reachable"
	case <-ctx.Done():
		res.Packets = packets.Load()
		if res.Packets > 0 {
			res.Message = "received packets but no keyframe before timeout"
		} else {
			res.Message = "no media received before timeout"
		}
	}
	return res
}

// redactURL strips credentials before a URL is logged
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = url.User("redacted")
	return u.String()
}
