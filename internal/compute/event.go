package compute

import (
	"sync"
	"time"
)

// Event is a timing marker stamped when a lane reaches it.
type Event struct {
	mu       sync.Mutex
	at       time.Time
	recorded bool
}

func (e *Event) stamp() {
	e.mu.Lock()
	e.at = time.Now()
	e.recorded = true
	e.mu.Unlock()
}

func (e *Event) time() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.at, e.recorded
}

// Elapsed returns the milliseconds between two recorded events.
func Elapsed(start, end *Event) (float32, error) {
	t0, ok0 := start.time()
	t1, ok1 := end.time()
	if !ok0 || !ok1 {
		return 0, ErrEventNotRecorded
	}
	return float32(t1.Sub(t0).Seconds() * 1000), nil
}
