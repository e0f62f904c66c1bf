// Package health aggregates component checks into a single report served by the web server.
package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/service"
)

// Status orders from healthy to unhealthy; a report takes the worst of its parts
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Check is one checker's verdict
type Check struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type HealthReport struct {
	Status    Status                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Checks    map[string]Check         `json:"checks"`
	Services  map[string]ServiceReport `json:"services,omitempty"`
}

// ServiceReport is one managed service's lifecycle status
type ServiceReport struct {
	Status service.Status `json:"status"`
	Uptime string         `json:"uptime"`
	Error  string         `json:"error,omitempty"`
}

// Checker probes one dependency. Check must honour ctx and never panic.
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// Manager runs every registered Checker in parallel under a shared deadline
// and folds in the service manager's lifecycle view.
type Manager struct {
	logger     *logger.Logger
	services   *service.Manager
	started    time.Time
	perRunTime time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager accepts a nil svcManager, in which case reports carry no services
func NewManager(log *logger.Logger, svcManager *service.Manager) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger:     log.With("component", "health"),
		services:   svcManager,
		started:    time.Now(),
		perRunTime: 3 * time.Second,
	}
}

func (m *Manager) RegisterChecker(checker Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, checker)
	m.mu.Unlock()
}

// Check runs the checkers and returns the combined report. A service stuck
// in the error state degrades the report even when every checker passes.
func (m *Manager) Check(ctx context.Context) HealthReport {
	m.mu.RLock()
	checkers := slices.Clone(m.checkers)
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.perRunTime)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(m.started).Round(time.Second).String(),
		Checks:    make(map[string]Check, len(results)),
		Services:  m.Services(),
	}
	for _, r := range results {
		report.Checks[r.Name] = r
		report.Status = worse(report.Status, r.Status)
		if r.Status != StatusHealthy {
			m.logger.Debug("Health check not healthy", "check", r.Name, "status", r.Status, "message", r.Message)
		}
	}
	for name, svc := range report.Services {
		if svc.Status == service.StatusError {
			report.Status = worse(report.Status, StatusDegraded)
			m.logger.Debug("Service in error state", "service", name, "error", svc.Error)
		}
	}
	return report
}

// Services reports the lifecycle status of every managed service
func (m *Manager) Services() map[string]ServiceReport {
	if m.services == nil {
		return nil
	}
	snaps := m.services.Snapshots()
	out := make(map[string]ServiceReport, len(snaps))
	for _, snap := range snaps {
		out[snap.Name] = ServiceReport{
			Status: snap.Status,
			Uptime: snap.Uptime.Round(time.Second).String(),
			Error:  snap.Error,
		}
	}
	return out
}
