package video

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFrames(t *testing.T, frames ...[]byte) string {
	t.Helper()
	var all []byte
	for _, f := range frames {
		all = append(all, f...)
	}
	path := filepath.Join(t.TempDir(), "frames.mjpeg")
	require.NoError(t, os.WriteFile(path, all, 0o644))
	return path
}

func TestFrameStream_ReadsFramesUntilExit(t *testing.T) {
	frames := writeFrames(t, jpegBytes(t, 64, 48), jpegBytes(t, 64, 48), jpegBytes(t, 64, 48))
	ffmpeg := NewFFmpegWrapperAt(writeFakeFFmpeg(t, "cat "+frames), nil)

	stream, err := ffmpeg.OpenFrameStream(FrameStreamConfig{URL: "rtsp://cam/stream", FPS: 5})
	require.NoError(t, err)
	defer stream.Close()

	for i := 0; i < 3; i++ {
		img, err := stream.Next()
		require.NoError(t, err)
		assert.Equal(t, 64, img.Bounds().Dx())
		assert.Equal(t, 48, img.Bounds().Dy())
	}

	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameStream_CloseStopsRunningProcess(t *testing.T) {
	frames := writeFrames(t, jpegBytes(t, 16, 16))
	ffmpeg := NewFFmpegWrapperAt(writeFakeFFmpeg(t, "cat "+frames+"; exec sleep 30"), nil)

	stream, err := ffmpeg.OpenFrameStream(FrameStreamConfig{URL: "rtsp://cam/stream"})
	require.NoError(t, err)

	_, err = stream.Next()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		stream.Close()
		stream.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return")
	}
}

func TestFrameStream_StderrSurfacesOnExit(t *testing.T) {
	ffmpeg := NewFFmpegWrapperAt(writeFakeFFmpeg(t, "echo '401 Unauthorized' >&2; exit 1"), nil)

	stream, err := ffmpeg.OpenFrameStream(FrameStreamConfig{URL: "rtsp://cam/stream"})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)
	// stderr may land after stdout closes, so the message is best effort
}
