package runtime

import (
	"bytes"
	"context"
	"sync"
)

// An append-only line buffer for container output.
//
// Lines are ordered and never mutated once appended, so any number of
// readers can consume the log concurrently. Followers receive lines as
// they arrive until the log closes or their context is cancelled.
type Log struct {
	mu      sync.Mutex
	cond    *sync.Cond
	lines   []string
	partial bytes.Buffer // Trailing output not yet terminated by a newline.
	closed  bool
}

func newLog() *Log {
	l := &Log{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Appends process output, splitting it into lines.
//
// Safe for concurrent use as the stdout and stderr sink of one process.
func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partial.Write(p)
	for {
		data := l.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		l.lines = append(l.lines, string(data[:i]))
		l.partial.Next(i + 1)
	}

	l.cond.Broadcast()
	return len(p), nil
}

// Marks the log complete. A trailing unterminated line is flushed.
func (l *Log) close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.partial.Len() > 0 {
		l.lines = append(l.lines, l.partial.String())
		l.partial.Reset()
	}
	l.closed = true
	l.cond.Broadcast()
}

// Returns a snapshot of all lines appended so far.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Streams log lines from the beginning.
//
// The channel closes when the log closes and all lines have been
// delivered, or when ctx is cancelled. Without follow the channel closes
// after the lines present at call time.
func (l *Log) Stream(ctx context.Context, follow bool) <-chan string {
	out := make(chan string)

	// Wakes the cond wait below when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		next := 0
		for {
			l.mu.Lock()
			for follow && next >= len(l.lines) && !l.closed && ctx.Err() == nil {
				l.cond.Wait()
			}
			lines := l.lines[next:]
			next += len(lines)
			done := !follow || l.closed
			l.mu.Unlock()

			for _, line := range lines {
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
			if done || ctx.Err() != nil {
				return
			}
		}
	}()

	return out
}
