package utils

import (
	"bytes"
	"io"
	"strconv"
	"sync"
	"time"
)

// maxPending caps a line that never sees its newline; it is flushed as is.
const maxPending = 1 << 20

// LogInterceptor prefixes every line written through it with a sequence
// number and a timestamp before passing it on. Partial lines are held until
// their newline arrives.
type LogInterceptor struct {
	mu      sync.Mutex
	target  io.Writer
	seq     uint64
	pending []byte
	now     func() time.Time
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target, now: time.Now}
}

// Write always reports len(p) on success, since callers count their own
// bytes and not the prefixes.
func (l *LogInterceptor) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, p...)
	for {
		i := bytes.IndexByte(l.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(l.pending[:i], []byte{'\r'})
		if err := l.emit(line); err != nil {
			return 0, err
		}
		l.pending = l.pending[i+1:]
	}

	if len(l.pending) >= maxPending {
		if err := l.emit(l.pending); err != nil {
			return 0, err
		}
		l.pending = nil
	}
	return len(p), nil
}

// Close writes out a trailing partial line. It does not close the target.
func (l *LogInterceptor) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil
	}
	err := l.emit(l.pending)
	l.pending = nil
	return err
}

func (l *LogInterceptor) emit(line []byte) error {
	l.seq++
	buf := make([]byte, 0, len(line)+64)
	buf = append(buf, "line="...)
	buf = strconv.AppendUint(buf, l.seq, 10)
	buf = append(buf, " time="...)
	buf = l.now().AppendFormat(buf, time.RFC3339)
	buf = append(buf, ' ')
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := l.target.Write(buf)
	return err
}
