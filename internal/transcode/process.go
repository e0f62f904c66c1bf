package transcode

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/video"
)

// process is an owned ffmpeg child. Cancelling it sends SIGTERM; if the
// child is still alive after the grace period, exec kills it.
type process struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	stderr *video.TailBuffer
}

func startProcess(ffmpeg *video.FFmpegWrapper, args []string, grace time.Duration) (*process, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := ffmpeg.Command(ctx, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grace

	p := &process{
		cancel: cancel,
		done:   make(chan struct{}),
		stderr: video.NewTailBuffer(2048),
	}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	p.pid = cmd.Process.Pid

	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// exited reports whether the child has been reaped
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// terminate stops the child and waits until it is reaped
func (p *process) terminate() {
	p.cancel()
	<-p.done
}

// exitError describes how the child ended, including its last stderr output
func (p *process) exitError() error {
	msg := p.stderr.String()
	switch {
	case p.err != nil && msg != "":
		return fmt.Errorf("%w: %v: %s", ErrProcessExited, p.err, msg)
	case p.err != nil:
		return fmt.Errorf("%w: %v", ErrProcessExited, p.err)
	case msg != "":
		return fmt.Errorf("%w: %s", ErrProcessExited, msg)
	default:
		return ErrProcessExited
	}
}
