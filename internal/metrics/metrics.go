// Package metrics exposes Prometheus counters and gauges for camera sessions,
// frame queues and output sessions.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "camstream"

var (
	framesCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "camera",
		Name:      "frames_captured_total",
		Help:      "Frames read from the camera device",
	}, []string{"camera_id"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "camera",
		Name:      "frames_dropped_total",
		Help:      "Frames discarded because the raw queue was full",
	}, []string{"camera_id"})

	readFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "camera",
		Name:      "read_failures_total",
		Help:      "Failed device reads",
	}, []string{"camera_id"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "camera",
		Name:      "reconnect_attempts_total",
		Help:      "Reconnect attempts, labelled by outcome",
	}, []string{"camera_id", "result"})

	detectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "detector_errors_total",
		Help:      "Detector calls that failed or panicked",
	}, []string{"camera_id", "detector"})

	framesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "frames_processed_total",
		Help:      "Frames run through the processing pipeline",
	}, []string{"camera_id"})

	camerasActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "cameras",
		Help:      "Tracked cameras by scheduler state",
	}, []string{"state"})

	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "sessions",
		Help:      "Open live peer sessions",
	})

	liveTracks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "tracks",
		Help:      "Shared per-camera live tracks",
	})

	liveFeedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "live",
		Name:      "rtcp_feedback_total",
		Help:      "RTCP feedback received from live viewers, labelled by type",
	}, []string{"camera_id", "type"})

	transcodeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transcode",
		Name:      "sessions",
		Help:      "Running segment transcoding sessions",
	})

	transcodeStops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transcode",
		Name:      "sessions_stopped_total",
		Help:      "Transcode sessions stopped, labelled by reason",
	}, []string{"reason"})

	httpRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency by route template and status code",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5},
	}, []string{"method", "route", "code"})
)

// FrameCaptured records a frame read and whether the queue dropped an older one for it.
func FrameCaptured(cameraID string, dropped bool) {
	framesCaptured.WithLabelValues(cameraID).Inc()
	if dropped {
		framesDropped.WithLabelValues(cameraID).Inc()
	}
}

// ReadFailed records a failed device read.
func ReadFailed(cameraID string) {
	readFailures.WithLabelValues(cameraID).Inc()
}

// ReconnectAttempt records one reconnect attempt.
func ReconnectAttempt(cameraID string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	reconnects.WithLabelValues(cameraID, result).Inc()
}

// FrameProcessed records one pipeline tick that produced a frame.
func FrameProcessed(cameraID string) {
	framesProcessed.WithLabelValues(cameraID).Inc()
}

// DetectorError records a failed detector call.
func DetectorError(cameraID, detector string) {
	detectorErrors.WithLabelValues(cameraID, detector).Inc()
}

// SetCameraCounts publishes how many cameras are in each scheduler state.
func SetCameraCounts(counts map[string]int) {
	for state, n := range counts {
		camerasActive.WithLabelValues(state).Set(float64(n))
	}
}

// SetLiveSessions sets the number of open live sessions.
func SetLiveSessions(n int) { liveSessions.Set(float64(n)) }

// SetLiveTracks sets the number of shared live tracks.
func SetLiveTracks(n int) { liveTracks.Set(float64(n)) }

// LiveFeedback counts an RTCP feedback packet (pli, fir, nack) from a viewer.
func LiveFeedback(cameraID, kind string) {
	liveFeedback.WithLabelValues(cameraID, kind).Inc()
}

// SetTranscodeSessions sets the number of running transcode sessions.
func SetTranscodeSessions(n int) { transcodeSessions.Set(float64(n)) }

// TranscodeStopped records why a transcode session ended.
func TranscodeStopped(reason string) {
	transcodeStops.WithLabelValues(reason).Inc()
}

// HTTPRequest records one API request. route must be the route template,
// not the raw path, to keep label cardinality bounded.
func HTTPRequest(method, route string, code int, took time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Observe(took.Seconds())
}

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
