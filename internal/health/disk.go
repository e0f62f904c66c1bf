package health

import (
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DiskUsage describes the filesystem holding a directory
type DiskUsage struct {
	TotalBytes     int64
	UsedBytes      int64
	AvailableBytes int64
	UsagePercent   float64
}

// diskStat is swapped out in tests
var diskStat = statfs

func statfs(path string) (DiskUsage, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(abs, &stat); err != nil {
		return DiskUsage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	total := int64(stat.Blocks) * int64(stat.Bsize)
	avail := int64(stat.Bavail) * int64(stat.Bsize)
	usage := DiskUsage{
		TotalBytes:     total,
		UsedBytes:      total - avail,
		AvailableBytes: avail,
	}
	if total > 0 {
		usage.UsagePercent = float64(usage.UsedBytes) / float64(total) * 100.0
	}
	return usage, nil
}

// diskMonitor caches statfs results; health endpoints can be polled often
type diskMonitor struct {
	path     string
	cacheFor time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	cached    DiskUsage
}

func newDiskMonitor(path string, cacheFor time.Duration) *diskMonitor {
	return &diskMonitor{path: path, cacheFor: cacheFor}
}

func (d *diskMonitor) Usage() (DiskUsage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.lastCheck.IsZero() && time.Since(d.lastCheck) < d.cacheFor {
		return d.cached, nil
	}

	usage, err := diskStat(d.path)
	if err != nil {
		return DiskUsage{}, err
	}
	d.cached = usage
	d.lastCheck = time.Now()
	return usage, nil
}
