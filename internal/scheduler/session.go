package scheduler

import (
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/pipeline"
)

// cameraSession pairs a supervisor with its pipeline. They are created and
// destroyed together, only by the scheduler.
type cameraSession struct {
	cfg  camera.Config
	sup  *camera.Supervisor
	pipe *pipeline.Pipeline
}

// start launches capture, and processing when the camera has features enabled
func (cs *cameraSession) start() error {
	if err := cs.sup.Start(); err != nil {
		return err
	}
	if cs.cfg.ShouldProcess() {
		cs.pipe.StartProcessing()
	}
	return nil
}

// stop tears down processing before capture so the pipeline never reads a cleared queue mid-tick
func (cs *cameraSession) stop() {
	cs.pipe.StopProcessing()
	cs.sup.Stop()
}
