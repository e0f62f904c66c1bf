package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

// fakeDevice yields frames until closed. failAfter > 0 makes every read after
// that many frames fail.
type fakeDevice struct {
	mu        sync.Mutex
	closed    bool
	reads     int
	failAfter int
	interval  time.Duration
	closedCh  chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{closedCh: make(chan struct{}), interval: time.Millisecond}
}

func (d *fakeDevice) Read() (image.Image, error) {
	select {
	case <-d.closedCh:
		return nil, errors.New("closed")
	case <-time.After(d.interval):
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.failAfter > 0 && d.reads > d.failAfter {
		return nil, errors.New("read timeout")
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.closedCh)
	}
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// scriptedOpener hands out results in order; once exhausted it repeats the last one
type scriptedOpener struct {
	mu      sync.Mutex
	results []func() (Device, error)
	calls   int
}

func (o *scriptedOpener) open(ctx context.Context, cfg Config) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	if i >= len(o.results) {
		i = len(o.results) - 1
	}
	o.calls++
	return o.results[i]()
}

func (o *scriptedOpener) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func fail() (Device, error) { return nil, errors.New("connection refused") }

// recordingSleep records requested delays without waiting
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	// yield so capture loops don't spin
	time.Sleep(time.Millisecond)
	return nil
}

func (r *recordingSleep) backoffDelays(min time.Duration) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Duration
	for _, d := range r.delays {
		if d >= min {
			out = append(out, d)
		}
	}
	return out
}
