package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/logger"
)

// Keys kept in system_state
const (
	KeyLastStart     = "last_start"
	KeyCleanShutdown = "clean_shutdown"
)

// Manager is the camera registry's durable store. All access goes through one
// SQLite connection, so callers need no extra locking.
type Manager struct {
	db     *sql.DB
	logger *logger.Logger
}

func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, logger: log.With("component", "state")}, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// Ping satisfies health.Pinger
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// SaveSystemState upserts a key/value pair
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO system_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("save system state %q: %w", key, err)
	}
	return nil
}

// GetSystemState returns "" for a key that was never saved
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	var value string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM system_state WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("get system state %q: %w", key, err)
	}
	return value, nil
}

// MarkStarted records a new run and reports whether the previous one shut
// down cleanly. The very first run counts as clean.
func (m *Manager) MarkStarted(ctx context.Context, now time.Time) (previousClean bool, err error) {
	prevStart, err := m.GetSystemState(ctx, KeyLastStart)
	if err != nil {
		return false, err
	}
	clean, err := m.GetSystemState(ctx, KeyCleanShutdown)
	if err != nil {
		return false, err
	}
	previousClean = prevStart == "" || clean == "true"

	if err := m.SaveSystemState(ctx, KeyLastStart, now.UTC().Format(time.RFC3339)); err != nil {
		return false, err
	}
	if err := m.SaveSystemState(ctx, KeyCleanShutdown, "false"); err != nil {
		return false, err
	}
	return previousClean, nil
}

// MarkStopped flags the current run as cleanly shut down
func (m *Manager) MarkStopped(ctx context.Context) error {
	return m.SaveSystemState(ctx, KeyCleanShutdown, "true")
}

// RecoverCameras loads every stored camera, enabled or not, for re-registration at startup
func (m *Manager) RecoverCameras(ctx context.Context) ([]CameraRecord, error) {
	cameras, err := m.ListCameras(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("recover cameras: %w", err)
	}

	enabled := 0
	for _, c := range cameras {
		if c.Config.Enabled {
			enabled++
		}
	}
	m.logger.Info("Camera configuration recovered", "cameras", len(cameras), "enabled", enabled)
	return cameras, nil
}
