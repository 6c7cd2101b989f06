package logging

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// RingHook keeps the most recent log lines in memory. It backs the run log shown to an operator at the end
// of a run, and doubles as an in-memory sink in tests.
type RingHook struct {
	mu        sync.Mutex
	lines     []string
	next      int
	full      bool
	formatter logrus.Formatter
}

func NewRingHook(size int) *RingHook {
	if size < 1 {
		size = 1
	}
	return &RingHook{
		lines: make([]string, size),
		formatter: &logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: RFC3339Milli,
		},
	}
}

func (h *RingHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RingHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines[h.next] = strings.TrimRight(string(b), "\n")
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

// Lines returns the retained lines, oldest first.
func (h *RingHook) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]string(nil), h.lines[:h.next]...)
	}
	out := make([]string, 0, len(h.lines))
	out = append(out, h.lines[h.next:]...)
	return append(out, h.lines[:h.next]...)
}

// Contains reports whether any retained line contains substr.
func (h *RingHook) Contains(substr string) bool {
	for _, line := range h.Lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
