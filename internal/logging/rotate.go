package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// rotatingWriter reopens its destination file whenever the rotation period
// rolls over, renaming the previous period's file with a timestamp suffix.
// There is no rotation library in the reference stack for this concern
// (the corpus's loggers write a single append-only file); this is the one
// ambient piece implemented directly against os — see DESIGN.md.
type rotatingWriter struct {
	mu       sync.Mutex
	path     string
	period   time.Duration
	f        *os.File
	periodAt time.Time
}

func newRotatingWriter(path, rotation string) (*rotatingWriter, error) {
	var period time.Duration
	switch rotation {
	case "hourly":
		period = time.Hour
	case "daily", "":
		period = 24 * time.Hour
	default:
		return nil, fmt.Errorf("unrecognized logging.rotation %q", rotation)
	}

	rw := &rotatingWriter{path: path, period: period}
	if err := rw.open(time.Now()); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rotatingWriter) open(now time.Time) error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	rw.f = f
	rw.periodAt = now.Truncate(rw.period)
	return nil
}

func (rw *rotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	now := time.Now()
	if now.Truncate(rw.period).After(rw.periodAt) {
		if err := rw.rotate(now); err != nil {
			return 0, err
		}
	}
	return rw.f.Write(p)
}

func (rw *rotatingWriter) rotate(now time.Time) error {
	if err := rw.f.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", rw.path, rw.periodAt.Format("2006-01-02T15"))
	if err := os.Rename(rw.path, rotated); err != nil && !os.IsNotExist(err) {
		return err
	}
	return rw.open(now)
}
