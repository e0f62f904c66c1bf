package web

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/framecache"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/state"
)

func TestAddCamera_PersistsAndSchedules(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/cameras", map[string]interface{}{
		"id":             "front",
		"name":           "Front door",
		"rtsp_url":       "rtsp://10.0.0.5/stream",
		"processing_fps": 2,
		"detect_people":  true,
		"priority":       3,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeJSON(t, w)
	assert.Equal(t, "front", body["id"])
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, true, body["detect_people"])
	assert.Equal(t, "idle", body["state"])

	rec, err := env.store.GetCamera(context.Background(), "front")
	require.NoError(t, err)
	assert.Equal(t, "rtsp://10.0.0.5/stream", rec.Config.URL)
	assert.Equal(t, 2, rec.Config.ProcessingFPS)
	assert.Equal(t, 3, rec.Priority)
	assert.True(t, rec.Config.ShouldProcess())

	assert.Contains(t, env.scheduler.cameras, "front")
}

func TestAddCamera_GeneratesID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/cameras", map[string]interface{}{"rtsp_url": "rtsp://cam"})
	require.Equal(t, http.StatusCreated, w.Code)

	id, _ := decodeJSON(t, w)["id"].(string)
	assert.Len(t, id, 36)
	assert.Contains(t, env.scheduler.cameras, id)
}

func TestAddCamera_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "dup", true)

	w := env.do(t, http.MethodPost, "/api/cameras", map[string]interface{}{"name": "no url"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/cameras", map[string]interface{}{"id": "dup", "rtsp_url": "rtsp://x"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListAndGetCameras(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "b", true)
	env.addCamera(t, "a", false)

	w := env.do(t, http.MethodGet, "/api/cameras", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(2), body["count"])
	cameras := body["cameras"].([]interface{})
	assert.Equal(t, "a", cameras[0].(map[string]interface{})["id"])

	w = env.do(t, http.MethodGet, "/api/cameras?enabled=true", nil)
	assert.Equal(t, float64(1), decodeJSON(t, w)["count"])

	w = env.do(t, http.MethodGet, "/api/cameras/b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Cam b", decodeJSON(t, w)["name"])

	w = env.do(t, http.MethodGet, "/api/cameras/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateCamera_PartialUpdate(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam", true)

	w := env.do(t, http.MethodPut, "/api/cameras/cam", map[string]interface{}{
		"enabled":       false,
		"count_people":  true,
		"streaming_fps": 15,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	rec, err := env.store.GetCamera(context.Background(), "cam")
	require.NoError(t, err)
	assert.False(t, rec.Config.Enabled)
	assert.True(t, rec.Config.Features.CountPeople)
	assert.Equal(t, 15, rec.Config.StreamingFPS)
	assert.Equal(t, "rtsp://10.0.0.1/cam", rec.Config.URL, "untouched fields are kept")

	assert.False(t, env.scheduler.cameras["cam"].Enabled)

	w = env.do(t, http.MethodPut, "/api/cameras/missing", map[string]interface{}{"enabled": true})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateCamera_RegistersUnknownCamera(t *testing.T) {
	env := newTestEnv(t)
	cfg := camera.Config{ID: "stored", URL: "rtsp://x", Enabled: true}
	require.NoError(t, env.store.SaveCamera(context.Background(), state.CameraRecord{Config: cfg}))

	w := env.do(t, http.MethodPut, "/api/cameras/stored", map[string]interface{}{"name": "Garage"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Garage", env.scheduler.cameras["stored"].Name)
}

func TestDeleteCamera(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam", true)

	w := env.do(t, http.MethodDelete, "/api/cameras/cam", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, env.scheduler.cameras, "cam")

	_, err := env.store.GetCamera(context.Background(), "cam")
	assert.ErrorIs(t, err, state.ErrNotFound)

	w = env.do(t, http.MethodDelete, "/api/cameras/cam", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUseAndRelease(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam", true)
	env.addCamera(t, "off", false)

	w := env.do(t, http.MethodPost, "/api/cameras/cam/use", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.scheduler.inUseCount("cam"))

	w = env.do(t, http.MethodGet, "/api/cameras/cam/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeJSON(t, w)
	assert.Equal(t, "connected", status["state"])
	assert.Equal(t, true, status["in_use"])

	w = env.do(t, http.MethodPost, "/api/cameras/cam/release", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, env.scheduler.inUseCount("cam"))

	w = env.do(t, http.MethodPost, "/api/cameras/off/use", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = env.do(t, http.MethodPost, "/api/cameras/ghost/release", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam", true)

	w := env.do(t, http.MethodGet, "/api/cameras/cam/snapshot?quality=high", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xFF, 0xD8}, w.Body.Bytes()[:2])
	assert.Equal(t, []framecache.Quality{framecache.QualityHigh}, env.snapshots.requests)
	assert.Equal(t, 1, env.scheduler.marks)
	assert.Equal(t, 0, env.scheduler.inUseCount("cam"), "released after serving")

	w = env.do(t, http.MethodGet, "/api/cameras/ghost/snapshot", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshot_ConnectFailureServesPlaceholder(t *testing.T) {
	env := newTestEnv(t)
	env.addCamera(t, "cam", true)
	env.scheduler.markErr = errors.New("connection refused")

	w := env.do(t, http.MethodGet, "/api/cameras/cam/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []framecache.Quality{framecache.QualityLow}, env.snapshots.requests)
}

func TestTestConnection(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/cameras/test", map[string]interface{}{"rtsp_url": "rtsp://10.0.0.9/live"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "H264", body["codec"])
	assert.Equal(t, []string{"rtsp://10.0.0.9/live"}, env.prober.urls)

	w = env.do(t, http.MethodPost, "/api/cameras/test", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
