package service

import (
	"sync"
	"time"
)

// Status is a service lifecycle state
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// ServiceStatus tracks one service's lifecycle. A service that embeds
// ServiceBase shares its tracker with the Manager, so both update the same state.
type ServiceStatus struct {
	name string

	mu        sync.RWMutex
	state     Status
	since     time.Time
	startedAt time.Time
	err       error
}

// Snapshot is a point-in-time copy of a ServiceStatus
type Snapshot struct {
	Name   string        `json:"name"`
	Status Status        `json:"status"`
	Since  time.Time     `json:"since"`
	Uptime time.Duration `json:"-"`
	Error  string        `json:"error,omitempty"`
}

func NewServiceStatus(name string) *ServiceStatus {
	return &ServiceStatus{
		name:  name,
		state: StatusStopped,
		since: time.Now(),
	}
}

func (ss *ServiceStatus) Name() string {
	return ss.name
}

// SetStatus records a transition. Entering Running clears any earlier error
// and restarts the uptime clock.
func (ss *ServiceStatus) SetStatus(status Status) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.state == status {
		return
	}
	now := time.Now()
	ss.state = status
	ss.since = now
	if status == StatusRunning {
		ss.startedAt = now
		ss.err = nil
	}
}

// SetError moves the service to StatusError
func (ss *ServiceStatus) SetError(err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.state = StatusError
	ss.since = time.Now()
	ss.err = err
}

func (ss *ServiceStatus) GetStatus() Status {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.state
}

func (ss *ServiceStatus) GetError() error {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.err
}

func (ss *ServiceStatus) IsRunning() bool {
	return ss.GetStatus() == StatusRunning
}

// GetUptime is zero unless the service is running
func (ss *ServiceStatus) GetUptime() time.Duration {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.uptimeLocked()
}

func (ss *ServiceStatus) uptimeLocked() time.Duration {
	if ss.state != StatusRunning || ss.startedAt.IsZero() {
		return 0
	}
	return time.Since(ss.startedAt)
}

func (ss *ServiceStatus) Snapshot() Snapshot {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	snap := Snapshot{
		Name:   ss.name,
		Status: ss.state,
		Since:  ss.since,
		Uptime: ss.uptimeLocked(),
	}
	if ss.err != nil {
		snap.Error = ss.err.Error()
	}
	return snap
}
