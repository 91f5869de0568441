package sandbox

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"

	"provider/internal/eventbus"
)

// 单行超过该长度时强制切分，避免无换行输出撑爆内存
const maxLineBytes = 64 * 1024

// Sanitize strips ANSI escape sequences and control characters other than tab.
func Sanitize(s string) string {
	// 按制表符分段处理，保证 tab 原样保留
	parts := strings.Split(s, "\t")
	for i, p := range parts {
		parts[i] = ansi.Strip(p)
	}
	s = strings.Join(parts, "\t")
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// logBuffer accumulates execution output up to limit bytes. Markers appended
// with appendMarker are never dropped.
type logBuffer struct {
	limit     int
	buf       strings.Builder
	truncated bool
	markers   []string
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit}
}

func (b *logBuffer) writeLine(line string) {
	if b.truncated {
		return
	}
	if b.limit > 0 && b.buf.Len()+len(line)+1 > b.limit {
		b.truncated = true
		return
	}
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

func (b *logBuffer) appendMarker(marker string) {
	b.markers = append(b.markers, marker)
}

func (b *logBuffer) String() string {
	var out strings.Builder
	out.WriteString(b.buf.String())
	if b.truncated {
		fmt.Fprintf(&out, "[output truncated after %d bytes]\n", b.limit)
	}
	for _, m := range b.markers {
		out.WriteString(m)
		out.WriteByte('\n')
	}
	return strings.TrimRight(out.String(), "\n")
}

// lineWriter receives the demultiplexed container stream, splits it into
// lines, sanitizes them and forwards each one to the log sink.
type lineWriter struct {
	mu      sync.Mutex
	pending []byte
	buf     *logBuffer
	sink    eventbus.LogSink
}

func newLineWriter(buf *logBuffer, sink eventbus.LogSink) *lineWriter {
	return &lineWriter{buf: buf, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(w.pending[:i])
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) >= maxLineBytes {
		w.emit(w.pending)
		w.pending = nil
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
}

func (w *lineWriter) emit(raw []byte) {
	line := Sanitize(string(raw))
	w.buf.writeLine(line)
	if w.sink != nil {
		w.sink.Log("> " + line)
	}
}

func (w *lineWriter) marker(m string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.appendMarker(m)
}

func (w *lineWriter) text() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
