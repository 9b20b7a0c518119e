package node

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogBufferEvictsOldestOnOverflow(t *testing.T) {
	buf := newLogRingBuffer(3)
	for i := 0; i < 5; i++ {
		buf.append("stdout", fmt.Sprintf("line-%d", i))
	}

	lines := buf.snapshot(0, 0, nil)
	assert.Len(t, lines, 3)
	assert.Equal(t, "line-2", lines[0].Line)
	assert.Equal(t, "line-4", lines[2].Line)
}

func TestLogBufferStreamFilter(t *testing.T) {
	buf := newLogRingBuffer(10)
	buf.append("stdout", "out")
	buf.append("stderr", "err")

	errOnly := buf.snapshot(0, 0, []string{"stderr"})
	assert.Len(t, errOnly, 1)
	assert.Equal(t, "err", errOnly[0].Line)

	both := buf.snapshot(0, 0, nil)
	assert.Len(t, both, 2)
}

func TestLogBufferTail(t *testing.T) {
	buf := newLogRingBuffer(10)
	for i := 0; i < 6; i++ {
		buf.append("stdout", fmt.Sprintf("line-%d", i))
	}

	tail := buf.snapshot(0, 2, nil)
	assert.Len(t, tail, 2)
	assert.Equal(t, "line-4", tail[0].Line)
	assert.Equal(t, "line-5", tail[1].Line)
}

func TestLogBufferSinceFilter(t *testing.T) {
	buf := newLogRingBuffer(10)
	buf.append("stdout", "old")
	cutoff := buf.snapshot(0, 0, nil)[0].TimestampUnixMs

	lines := buf.snapshot(cutoff+1000, 0, nil)
	assert.Empty(t, lines)
}

func TestLogBufferSetLimitShrinks(t *testing.T) {
	buf := newLogRingBuffer(10)
	for i := 0; i < 8; i++ {
		buf.append("stdout", fmt.Sprintf("line-%d", i))
	}

	buf.setLimit(4)
	lines := buf.snapshot(0, 0, nil)
	assert.Len(t, lines, 4)
	assert.Equal(t, "line-4", lines[0].Line)
}
