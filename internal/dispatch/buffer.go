// ABOUTME: Accumulates streamed reply text and decides when to flush to the channel
// ABOUTME: Paragraph breaks flush eagerly; long or stale buffers flush complete lines

package dispatch

import (
	"strings"
	"time"
)

const (
	// flushBufferLimit is the buffer size past which complete lines are
	// flushed without waiting for a paragraph break.
	flushBufferLimit = 500
	// flushMaxAge is how long buffered complete lines may wait before
	// they are flushed anyway.
	flushMaxAge = 3 * time.Second
)

// replyBuffer accumulates text deltas for one run and yields chunks sized
// for chat messages. A trailing partial line is always held back so a word
// is never split across two channel messages.
type replyBuffer struct {
	pending   strings.Builder
	lastFlush time.Time
	now       func() time.Time
}

func newReplyBuffer() *replyBuffer {
	b := &replyBuffer{now: time.Now}
	b.lastFlush = b.now()
	return b
}

// add appends delta and returns a chunk ready to send, or "" when nothing
// should be flushed yet.
func (b *replyBuffer) add(delta string) string {
	b.pending.WriteString(delta)
	s := b.pending.String()

	// A paragraph break means the model finished a thought.
	if idx := strings.LastIndex(s, "\n\n"); idx >= 0 {
		return b.take(s, idx+2)
	}

	// Big or stale buffers flush at the last complete line.
	overLimit := len(s) >= flushBufferLimit
	stale := b.now().Sub(b.lastFlush) >= flushMaxAge
	if overLimit || stale {
		if idx := strings.LastIndex(s, "\n"); idx >= 0 {
			return b.take(s, idx+1)
		}
	}
	return ""
}

// rest drains whatever is held back, for the end of a run.
func (b *replyBuffer) rest() string {
	s := b.pending.String()
	b.pending.Reset()
	b.lastFlush = b.now()
	return strings.TrimRight(s, "\n")
}

func (b *replyBuffer) take(s string, upto int) string {
	chunk := strings.TrimRight(s[:upto], "\n")
	b.pending.Reset()
	b.pending.WriteString(s[upto:])
	b.lastFlush = b.now()
	if chunk == "" {
		return ""
	}
	return chunk
}
