// Package detect defines the analysis contract the processing pipeline calls
// once per processed frame, and the HTTP inference client that implements it.
package detect

import (
	"context"
	"image"

	"github.com/vzahanych/view-guard-meta/edge/camstream/internal/frame"
)

// Detection and Box are shared with frame records
type (
	Detection = frame.Detection
	Box       = frame.Box
)

// LabelPerson is the class counted for occupancy
const LabelPerson = "person"

// Detector finds labelled regions in a frame.
// Implementations must be safe for use by one pipeline goroutine at a time.
type Detector interface {
	Name() string
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// CountLabel returns how many detections carry label
func CountLabel(detections []Detection, label string) int {
	n := 0
	for _, d := range detections {
		if d.Label == label {
			n++
		}
	}
	return n
}
