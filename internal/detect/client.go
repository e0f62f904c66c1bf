package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

const (
	inferencePath = "/api/v1/inference"
	readyPath     = "/health/ready"

	// error bodies beyond this are truncated in the returned error
	maxErrorBody = 512
)

// StatusError is a non-200 reply from the inference service
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("inference service returned status %d", e.Code)
	}
	return fmt.Sprintf("inference service returned status %d: %s", e.Code, e.Body)
}

// HTTPClient is a Detector backed by a remote inference service. Frames are
// posted as base64 JPEG and the returned boxes clipped to the frame.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *logger.Logger

	confidence  float64
	classes     []string
	jpegQuality int
}

type ClientConfig struct {
	ServiceURL          string
	Timeout             time.Duration // per request, default 5s
	ConfidenceThreshold float64       // 0 leaves the service default
	EnabledClasses      []string      // empty means every class
}

func NewHTTPClient(cfg ClientConfig, log *logger.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &HTTPClient{
		baseURL:     strings.TrimRight(cfg.ServiceURL, "/"),
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      log.With("component", "detect"),
		confidence:  cfg.ConfidenceThreshold,
		classes:     cfg.EnabledClasses,
		jpegQuality: 85,
	}
}

func (c *HTTPClient) Name() string {
	return "http-inference"
}

func (c *HTTPClient) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	jpeg, err := video.EncodeJPEG(img, c.jpegQuality)
	if err != nil {
		return nil, err
	}
	resp, err := c.Infer(ctx, jpeg)
	if err != nil {
		return nil, err
	}
	return toDetections(resp.BoundingBoxes, img.Bounds()), nil
}

func toDetections(boxes []BoundingBox, bounds image.Rectangle) []Detection {
	out := make([]Detection, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, Detection{
			Box: Box{
				X1: clip(b.X1, bounds.Min.X, bounds.Max.X),
				Y1: clip(b.Y1, bounds.Min.Y, bounds.Max.Y),
				X2: clip(b.X2, bounds.Min.X, bounds.Max.X),
				Y2: clip(b.Y2, bounds.Min.Y, bounds.Max.Y),
			},
			Label:      b.ClassName,
			Confidence: b.Confidence,
		})
	}
	return out
}

func clip(v float64, lo, hi int) int {
	return max(lo, min(hi, int(math.Round(v))))
}

// Infer posts one JPEG frame and returns the raw reply
func (c *HTTPClient) Infer(ctx context.Context, jpeg []byte) (*InferenceResponse, error) {
	req := InferenceRequest{
		Image:          base64.StdEncoding.EncodeToString(jpeg),
		EnabledClasses: c.classes,
	}
	if c.confidence > 0 {
		threshold := c.confidence
		req.ConfidenceThreshold = &threshold
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode inference request: %w", err)
	}

	began := time.Now()
	var out InferenceResponse
	if err := c.call(ctx, http.MethodPost, inferencePath, body, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("Inference completed",
		"detections", len(out.BoundingBoxes),
		"inference_ms", out.InferenceTimeMs,
		"round_trip_ms", time.Since(began).Milliseconds(),
	)
	return &out, nil
}

// HealthCheck reports whether the service's model is loaded
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, readyPath, nil, nil)
}

// call sends a request to path and decodes a 200 reply into out when out is
// non-nil. Any other status becomes a *StatusError.
func (c *HTTPClient) call(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}
