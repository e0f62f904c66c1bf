package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestServiceStatus_Transitions(t *testing.T) {
	st := NewServiceStatus("scheduler")
	assert.Equal(t, "scheduler", st.Name())
	assert.Equal(t, StatusStopped, st.GetStatus())
	assert.Zero(t, st.GetUptime())

	st.SetError(errors.New("bind: address in use"))
	assert.Equal(t, StatusError, st.GetStatus())
	assert.EqualError(t, st.GetError(), "bind: address in use")

	st.SetStatus(StatusRunning)
	assert.True(t, st.IsRunning())
	assert.NoError(t, st.GetError(), "running clears the previous error")

	st.SetStatus(StatusStopping)
	assert.False(t, st.IsRunning())
	assert.Zero(t, st.GetUptime())
}

func TestServiceStatus_Uptime(t *testing.T) {
	st := NewServiceStatus("live")
	st.SetStatus(StatusRunning)
	time.Sleep(20 * time.Millisecond)

	up := st.GetUptime()
	assert.GreaterOrEqual(t, up, 20*time.Millisecond)

	// repeating the same state does not restart the clock
	st.SetStatus(StatusRunning)
	assert.GreaterOrEqual(t, st.GetUptime(), up)
}

func TestServiceStatus_Snapshot(t *testing.T) {
	st := NewServiceStatus("transcode")
	before := time.Now()
	st.SetError(errors.New("mkdir /hls: permission denied"))

	snap := st.Snapshot()
	assert.Equal(t, "transcode", snap.Name)
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "mkdir /hls: permission denied", snap.Error)
	assert.False(t, snap.Since.Before(before))
	assert.Zero(t, snap.Uptime)
}

func TestServiceStatus_ConcurrentAccess(t *testing.T) {
	st := NewServiceStatus("web-server")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				st.SetStatus(StatusRunning)
				_ = st.Snapshot()
				_ = st.GetUptime()
				st.SetStatus(StatusStopped)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, StatusStopped, st.GetStatus())
}
