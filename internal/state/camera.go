package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
)

var ErrNotFound = errors.New("camera not found in store")

// CameraRecord is what survives a restart: the camera's configuration, its
// scheduling priority and when it last connected.
type CameraRecord struct {
	Config   camera.Config
	Priority int
	LastSeen *time.Time
}

// configColumns are written by SaveCamera, in the order of configValues
var configColumns = []string{
	"id", "name", "rtsp_url", "enabled", "processing_fps", "streaming_fps",
	"detect_people", "count_people", "recognize_faces", "template_matching", "priority",
}

func configValues(rec CameraRecord) []any {
	c := rec.Config
	return []any{
		c.ID, c.Name, c.URL, c.Enabled, c.ProcessingFPS, c.StreamingFPS,
		c.Features.DetectPeople, c.Features.CountPeople, c.Features.RecognizeFaces, c.Features.TemplateMatching,
		rec.Priority,
	}
}

var (
	selectCameras = `SELECT ` + strings.Join(configColumns, ", ") + `, last_seen FROM cameras`
	upsertCamera  = buildUpsert()
)

// buildUpsert writes every config column plus updated_at, leaving last_seen
// and created_at alone on conflict.
func buildUpsert() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(configColumns)+1), ", ")
	updates := make([]string, 0, len(configColumns))
	for _, col := range configColumns[1:] {
		updates = append(updates, col+" = excluded."+col)
	}
	updates = append(updates, "updated_at = excluded.updated_at")

	return `INSERT INTO cameras (` + strings.Join(configColumns, ", ") + `, updated_at) VALUES (` + placeholders + `)
		ON CONFLICT(id) DO UPDATE SET ` + strings.Join(updates, ", ")
}

func scanCamera(row interface{ Scan(...any) error }) (CameraRecord, error) {
	var (
		rec      CameraRecord
		lastSeen sql.NullTime
	)
	c := &rec.Config
	err := row.Scan(
		&c.ID, &c.Name, &c.URL, &c.Enabled, &c.ProcessingFPS, &c.StreamingFPS,
		&c.Features.DetectPeople, &c.Features.CountPeople, &c.Features.RecognizeFaces, &c.Features.TemplateMatching,
		&rec.Priority, &lastSeen,
	)
	if err != nil {
		return CameraRecord{}, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		rec.LastSeen = &t
	}
	return rec, nil
}

// SaveCamera inserts rec or replaces the stored configuration of the same id
func (m *Manager) SaveCamera(ctx context.Context, rec CameraRecord) error {
	args := append(configValues(rec), time.Now())
	if _, err := m.db.ExecContext(ctx, upsertCamera, args...); err != nil {
		return fmt.Errorf("save camera %s: %w", rec.Config.ID, err)
	}
	return nil
}

func (m *Manager) GetCamera(ctx context.Context, cameraID string) (CameraRecord, error) {
	rec, err := scanCamera(m.db.QueryRowContext(ctx, selectCameras+` WHERE id = ?`, cameraID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return CameraRecord{}, fmt.Errorf("%w: %s", ErrNotFound, cameraID)
	case err != nil:
		return CameraRecord{}, fmt.Errorf("get camera %s: %w", cameraID, err)
	}
	return rec, nil
}

// UpdateCameraLastSeen is a no-op for an id that is not stored
func (m *Manager) UpdateCameraLastSeen(ctx context.Context, cameraID string, at time.Time) error {
	if _, err := m.db.ExecContext(ctx, `UPDATE cameras SET last_seen = ? WHERE id = ?`, at, cameraID); err != nil {
		return fmt.Errorf("update last seen for %s: %w", cameraID, err)
	}
	return nil
}

// ListCameras returns cameras ordered by id
func (m *Manager) ListCameras(ctx context.Context, enabledOnly bool) ([]CameraRecord, error) {
	query := selectCameras
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := m.db.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	defer rows.Close()

	var out []CameraRecord
	for rows.Next() {
		rec, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("list cameras: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (m *Manager) DeleteCamera(ctx context.Context, cameraID string) error {
	res, err := m.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, cameraID)
	if err != nil {
		return fmt.Errorf("delete camera %s: %w", cameraID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, cameraID)
	}
	return nil
}
