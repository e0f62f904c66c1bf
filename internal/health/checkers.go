package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/scheduler"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

func newCheck(name string) Check {
	return Check{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

// Pinger is satisfied by the state store
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks database connectivity
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if err := c.db.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// FFmpegChecker verifies the ffmpeg binary runs. Capture, live encoding
// and transcoding all depend on it.
type FFmpegChecker struct {
	ffmpeg *video.FFmpegWrapper
}

func NewFFmpegChecker(ffmpeg *video.FFmpegWrapper) *FFmpegChecker {
	return &FFmpegChecker{ffmpeg: ffmpeg}
}

func (c *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (c *FFmpegChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["path"] = c.ffmpeg.Path()

	version, err := c.ffmpeg.Version(ctx)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("ffmpeg unavailable: %v", err)
		return check
	}

	hw := c.ffmpeg.Accel()
	check.Details["version"] = version
	check.Details["encoder"] = c.ffmpeg.Encoder("h264")
	check.Details["nvenc"] = hw.NVENC
	check.Details["vaapi"] = hw.VAAPI
	check.Status = StatusHealthy
	check.Message = "ffmpeg available"
	return check
}

// DetectorProbe is satisfied by the inference client
type DetectorProbe interface {
	HealthCheck(ctx context.Context) error
}

// DetectorChecker checks the inference service. Detection is optional, so
// problems only degrade the report.
type DetectorChecker struct {
	probe      DetectorProbe
	serviceURL string
}

// NewDetectorChecker creates a checker; probe may be nil when no service is configured
func NewDetectorChecker(probe DetectorProbe, serviceURL string) *DetectorChecker {
	return &DetectorChecker{probe: probe, serviceURL: serviceURL}
}

func (c *DetectorChecker) Name() string {
	return "detector"
}

func (c *DetectorChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	if c.probe == nil || c.serviceURL == "" {
		check.Status = StatusHealthy
		check.Message = "Detection disabled"
		check.Details["enabled"] = false
		return check
	}

	check.Details["url"] = c.serviceURL
	if err := c.probe.HealthCheck(ctx); err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Inference service unreachable: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Inference service is reachable"
	return check
}

// CameraLister is satisfied by the scheduler
type CameraLister interface {
	List() []scheduler.CameraStatus
}

// SchedulerChecker summarizes camera states. Errored cameras degrade the report.
type SchedulerChecker struct {
	cameras CameraLister
}

func NewSchedulerChecker(cameras CameraLister) *SchedulerChecker {
	return &SchedulerChecker{cameras: cameras}
}

func (c *SchedulerChecker) Name() string {
	return "cameras"
}

func (c *SchedulerChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())

	counts := make(map[pipeline.State]int)
	var failed []string
	for _, st := range c.cameras.List() {
		counts[st.State]++
		if st.State == pipeline.StateError {
			failed = append(failed, st.CameraID)
		}
	}
	for state, n := range counts {
		check.Details[string(state)] = n
	}

	if len(failed) > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d camera(s) in error state", len(failed))
		check.Details["failed"] = failed
		return check
	}

	check.Status = StatusHealthy
	check.Message = "All cameras healthy"
	return check
}

// StorageChecker checks that the segment output directory is writable and
// that its filesystem is not close to full
type StorageChecker struct {
	dir             string
	maxUsagePercent float64
	disk            *diskMonitor
}

func NewStorageChecker(dir string, maxUsagePercent float64) *StorageChecker {
	return &StorageChecker{
		dir:             dir,
		maxUsagePercent: maxUsagePercent,
		disk:            newDiskMonitor(dir, 30*time.Second),
	}
}

func (c *StorageChecker) Name() string {
	return "storage"
}

func (c *StorageChecker) Check(ctx context.Context) Check {
	check := newCheck(c.Name())
	check.Details["dir"] = c.dir

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Failed to create output directory: %v", err)
		return check
	}

	probe, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Output directory not writable: %v", err)
		return check
	}
	probe.Close()
	_ = os.Remove(filepath.Clean(probe.Name()))

	usage, err := c.disk.Usage()
	if err != nil {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage unavailable: %v", err)
		return check
	}
	check.Details["usage_percent"] = usage.UsagePercent
	check.Details["available_bytes"] = usage.AvailableBytes

	if c.maxUsagePercent > 0 && usage.UsagePercent >= c.maxUsagePercent {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Disk usage %.1f%% above limit %.1f%%", usage.UsagePercent, c.maxUsagePercent)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Output directory writable"
	return check
}
