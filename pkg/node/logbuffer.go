package node

import (
	"sync"
	"time"

	"github.com/cuemby/symphony/pkg/types"
)

// logRingBuffer is a bounded, append-only log store for one exec. The
// oldest entries are dropped once the limit is reached.
type logRingBuffer struct {
	mu    sync.Mutex
	limit int
	lines []types.LogLine
}

func newLogRingBuffer(limit int) *logRingBuffer {
	if limit <= 0 {
		limit = 5000
	}
	return &logRingBuffer{limit: limit}
}

func (b *logRingBuffer) append(stream, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, types.LogLine{
		TimestampUnixMs: time.Now().UnixMilli(),
		Stream:          stream,
		Line:            line,
	})
	if over := len(b.lines) - b.limit; over > 0 {
		b.lines = b.lines[over:]
	}
}

// setLimit applies a new bound, evicting oldest entries if already over it.
func (b *logRingBuffer) setLimit(limit int) {
	if limit <= 0 {
		limit = 5000
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limit = limit
	if over := len(b.lines) - b.limit; over > 0 {
		b.lines = b.lines[over:]
	}
}

// snapshot returns entries filtered by sinceMs (0 = no filter), stream set
// (empty = all streams), then trimmed to at most tail entries from the end
// (tail <= 0 = no trim).
func (b *logRingBuffer) snapshot(sinceMs int64, tail int, streams []string) []types.LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()

	var allowed map[string]struct{}
	if len(streams) > 0 {
		allowed = make(map[string]struct{}, len(streams))
		for _, s := range streams {
			allowed[s] = struct{}{}
		}
	}

	out := make([]types.LogLine, 0, len(b.lines))
	for _, l := range b.lines {
		if sinceMs > 0 && l.TimestampUnixMs < sinceMs {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[l.Stream]; !ok {
				continue
			}
		}
		out = append(out, l)
	}

	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}

func (b *logRingBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
