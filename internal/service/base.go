package service

import (
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
)

// ServiceBase is embedded by the long-lived components (scheduler, live and
// transcode managers, web server). Every log line carries the service name.
type ServiceBase struct {
	name   string
	logger *logger.Logger
	bus    *EventBus
	status *ServiceStatus
}

func NewServiceBase(name string, log *logger.Logger) *ServiceBase {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &ServiceBase{
		name:   name,
		logger: log.With("service", name),
		status: NewServiceStatus(name),
	}
}

func (sb *ServiceBase) Name() string {
	return sb.name
}

// SetEventBus is called by Manager.Register
func (sb *ServiceBase) SetEventBus(bus *EventBus) {
	sb.bus = bus
}

func (sb *ServiceBase) GetEventBus() *EventBus {
	return sb.bus
}

// GetStatus returns the tracker the Manager also updates
func (sb *ServiceBase) GetStatus() *ServiceStatus {
	return sb.status
}

// Logger returns the service-scoped logger, for handing to helpers
func (sb *ServiceBase) Logger() *logger.Logger {
	return sb.logger
}

// PublishEvent is a no-op until the service is registered with a Manager
func (sb *ServiceBase) PublishEvent(eventType EventType, data map[string]interface{}) {
	if sb.bus == nil {
		return
	}
	sb.bus.Publish(Event{Type: eventType, Source: sb.name, Data: data})
}

func (sb *ServiceBase) LogInfo(msg string, fields ...interface{}) {
	sb.logger.Info(msg, fields...)
}

func (sb *ServiceBase) LogWarn(msg string, fields ...interface{}) {
	sb.logger.Warn(msg, fields...)
}

// LogError logs msg with err attached under "error"
func (sb *ServiceBase) LogError(msg string, err error, fields ...interface{}) {
	sb.logger.Error(msg, append([]interface{}{"error", err}, fields...)...)
}

func (sb *ServiceBase) LogDebug(msg string, fields ...interface{}) {
	sb.logger.Debug(msg, fields...)
}
