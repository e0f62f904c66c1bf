package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: 30 * time.Second}

	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 16*time.Second, b.Delay(4))
	assert.Equal(t, 30*time.Second, b.Delay(5))
	assert.Equal(t, 30*time.Second, b.Delay(60))
	assert.Equal(t, 2*time.Second, b.Delay(0))
}

func TestBackoff_NonDecreasingAndBounded(t *testing.T) {
	for _, b := range []Backoff{
		{Base: 2 * time.Second, Max: 30 * time.Second},
		{Base: 3 * time.Second, Max: 10 * time.Second},
		{Base: time.Millisecond, Max: time.Hour},
		{Base: time.Minute, Max: time.Minute},
	} {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 100; attempt++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, b.Max, "attempt %d", attempt)
			prev = d
		}
	}
}

func TestConfig(t *testing.T) {
	cfg := Config{ID: "7"}
	assert.False(t, cfg.ShouldProcess())
	assert.Equal(t, "Camera 7", cfg.DisplayName())

	cfg.Features.CountPeople = true
	assert.True(t, cfg.ShouldProcess())

	cfg = cfg.WithDefaults(5, 30)
	assert.Equal(t, 5, cfg.ProcessingFPS)
	assert.Equal(t, 30, cfg.StreamingFPS)

	cfg.ProcessingFPS = 2
	assert.Equal(t, 2, cfg.WithDefaults(5, 30).ProcessingFPS)
}
