package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/detect"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// fakeFFmpeg writes a script that prints a small JPEG for any invocation
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	frame := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(frame, buf.Bytes(), 0644))

	script := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ncat "+frame+"\n"), 0755))
	return script
}

func TestProbe_ReportsFailure(t *testing.T) {
	out, err := run(t, "probe", "not a url", "--timeout", "2s")
	require.Error(t, err)

	var res camera.ProbeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "invalid URL")
}

func TestProbe_RequiresURL(t *testing.T) {
	_, err := run(t, "probe")
	assert.Error(t, err)
}

func TestSnapshot_WritesFrame(t *testing.T) {
	output := filepath.Join(t.TempDir(), "snap.jpg")

	out, err := run(t, "snapshot", "rtsp://cam/stream", "--ffmpeg", fakeFFmpeg(t), "-o", output)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+output)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}

func TestSnapshot_RunsDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/inference", r.URL.Path)
		json.NewEncoder(w).Encode(detect.InferenceResponse{
			BoundingBoxes: []detect.BoundingBox{
				{X1: 1, Y1: 2, X2: 10, Y2: 12, Confidence: 0.91, ClassName: "person"},
			},
			InferenceTimeMs: 12.5,
		})
	}))
	defer srv.Close()

	output := filepath.Join(t.TempDir(), "snap.jpg")
	out, err := run(t, "snapshot", "rtsp://cam/stream", "--ffmpeg", fakeFFmpeg(t), "-o", output, "--detect", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "1 detection(s) in 12.5ms")
	assert.Contains(t, out, "person")
}
