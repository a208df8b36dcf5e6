package orchestrator

import (
	"time"

	"github.com/plantedlabs/venuescout/internal/discovery"
)

// logRing is a bounded ring of run log lines; once full, the oldest line is
// dropped first. Not safe for concurrent use on its own; runState guards it.
type logRing struct {
	lines []discovery.LogLine
	size  int
	start int
	count int
}

func newLogRing(size int) *logRing {
	if size <= 0 {
		size = 100
	}
	return &logRing{
		lines: make([]discovery.LogLine, size),
		size:  size,
	}
}

func (r *logRing) append(at time.Time, message string) {
	idx := (r.start + r.count) % r.size
	r.lines[idx] = discovery.LogLine{At: at, Message: message}
	if r.count < r.size {
		r.count++
	} else {
		r.start = (r.start + 1) % r.size
	}
}

// snapshot returns the lines oldest-first.
func (r *logRing) snapshot() []discovery.LogLine {
	out := make([]discovery.LogLine, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.lines[(r.start+i)%r.size])
	}
	return out
}
