// Package frame holds captured frames and the bounded queues that carry them
// between capture, processing and output.
package frame

import (
	"image"
	"sync"
	"time"
)

// Box is an axis-aligned rectangle in pixel coordinates
type Box struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Detection is one labelled region found in a frame
type Detection struct {
	Box        Box     `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Record is a captured image plus its capture time and any analysis attached to it
type Record struct {
	Image      image.Image
	Timestamp  time.Time
	Detections []Detection
}

// Queue is a fixed-capacity FIFO of frame records.
// When full, Push discards the oldest record so the newest is always kept.
type Queue struct {
	mu      sync.Mutex
	buf     []Record
	head    int
	size    int
	dropped uint64
}

// NewQueue creates a queue holding at most capacity records
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]Record, capacity)}
}

// Push appends a record. It reports whether an older record had to be dropped.
func (q *Queue) Push(r Record) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.size == len(q.buf) {
		q.buf[q.head] = Record{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.size)%len(q.buf)] = r
	q.size++
	return dropped
}

// Pop removes and returns the oldest record
func (q *Queue) Pop() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Record{}, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = Record{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return r, true
}

// Latest returns the newest record without removing it
func (q *Queue) Latest() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Record{}, false
	}
	return q.buf[(q.head+q.size-1)%len(q.buf)], true
}

// DrainLatest empties the queue and returns the newest record it held
func (q *Queue) DrainLatest() (Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return Record{}, false
	}
	r := q.buf[(q.head+q.size-1)%len(q.buf)]
	q.reset()
	return r, true
}

// Clear discards every record
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reset()
}

func (q *Queue) reset() {
	for i := range q.buf {
		q.buf[i] = Record{}
	}
	q.head = 0
	q.size = 0
}

// Len returns the number of queued records
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns how many records were discarded on overflow
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
