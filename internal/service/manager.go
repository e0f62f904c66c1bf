package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
)

// Service is a long-lived component started and stopped by the Manager
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Name() string
}

// ServiceWithEvents is a service that publishes on the shared bus
type ServiceWithEvents interface {
	Service
	SetEventBus(bus *EventBus)
}

// statusReporter is implemented by services embedding ServiceBase
type statusReporter interface {
	GetStatus() *ServiceStatus
}

type managed struct {
	svc    Service
	status *ServiceStatus
}

// Manager owns service lifecycles. Services start in registration order and
// stop in reverse, so a service may depend on anything registered before it.
type Manager struct {
	logger      *logger.Logger
	bus         *EventBus
	stopTimeout time.Duration

	mu      sync.RWMutex
	entries []*managed
	byName  map[string]*managed
	started []*managed
}

func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Manager{
		logger:      log,
		bus:         NewEventBus(100),
		stopTimeout: 10 * time.Second,
		byName:      make(map[string]*managed),
	}
}

// GetEventBus returns the bus injected into every registered service
func (m *Manager) GetEventBus() *EventBus {
	return m.bus
}

// Register adds svc and hands it the event bus if it wants one
func (m *Manager) Register(svc Service) {
	entry := &managed{svc: svc}
	if r, ok := svc.(statusReporter); ok {
		entry.status = r.GetStatus()
	} else {
		entry.status = NewServiceStatus(svc.Name())
	}
	if withEvents, ok := svc.(ServiceWithEvents); ok {
		withEvents.SetEventBus(m.bus)
	}

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	m.byName[svc.Name()] = entry
	m.mu.Unlock()
}

// Start starts every registered service. If one fails, the services already
// started are stopped again in reverse order and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Starting services", "count", len(m.entries))
	m.logEvents(ctx)

	for _, e := range m.entries {
		e.status.SetStatus(StatusStarting)
		if err := e.svc.Start(ctx); err != nil {
			e.status.SetError(err)
			m.logger.Error("Service failed to start", "service", e.svc.Name(), "error", err)
			m.bus.Publish(Event{
				Type:   EventTypeServiceError,
				Source: e.svc.Name(),
				Data:   map[string]interface{}{"error": err.Error()},
			})

			rollbackCtx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
			_ = m.stopStartedLocked(rollbackCtx)
			cancel()
			return fmt.Errorf("failed to start %s: %w", e.svc.Name(), err)
		}

		e.status.SetStatus(StatusRunning)
		m.started = append(m.started, e)
		m.logger.Info("Service started", "service", e.svc.Name())
		m.bus.Publish(Event{
			Type:   EventTypeServiceStarted,
			Source: "manager",
			Data:   map[string]interface{}{"service": e.svc.Name()},
		})
	}
	return nil
}

// logEvents mirrors every bus event to the debug log until ctx ends
func (m *Manager) logEvents(ctx context.Context) {
	ch := m.bus.SubscribeAll()
	go func() {
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				m.logger.Debug("Event", "type", event.Type, "source", event.Source, "data", event.Data)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the started services in reverse order and closes the bus.
// Each Stop gets at most stopTimeout and never outlives ctx. A service that
// does not return in time is abandoned and shutdown moves on to the next one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.bus.Close()

	m.logger.Info("Shutting down services", "count", len(m.started))
	err := m.stopStartedLocked(ctx)
	if err == nil {
		m.logger.Info("All services stopped")
	}
	return err
}

func (m *Manager) stopStartedLocked(ctx context.Context) error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		e := m.started[i]
		e.status.SetStatus(StatusStopping)

		if err := m.stopOne(ctx, e.svc); err != nil {
			e.status.SetError(err)
			m.logger.Error("Error stopping service", "service", e.svc.Name(), "error", err)
			errs = append(errs, err)
		} else {
			e.status.SetStatus(StatusStopped)
			m.logger.Info("Service stopped", "service", e.svc.Name())
		}

		m.bus.Publish(Event{
			Type:   EventTypeServiceStopped,
			Source: "manager",
			Data:   map[string]interface{}{"service": e.svc.Name()},
		})
	}
	m.started = nil
	return errors.Join(errs...)
}

func (m *Manager) stopOne(ctx context.Context, svc Service) error {
	stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- svc.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("stop %s: %w", svc.Name(), err)
		}
		return nil
	case <-stopCtx.Done():
		return fmt.Errorf("stop %s: %w", svc.Name(), stopCtx.Err())
	}
}

// GetServiceCount returns the number of registered services
func (m *Manager) GetServiceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// GetServiceStatus returns the tracker for name, or nil
func (m *Manager) GetServiceStatus(name string) *ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byName[name]; ok {
		return e.status
	}
	return nil
}

// Snapshots returns every service's status in registration order
func (m *Manager) Snapshots() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.status.Snapshot())
	}
	return out
}
