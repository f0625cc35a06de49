// Package journal keeps the append-only text record of every dispatch attempt
// and error. It hooks into logrus so the same log calls feed both stderr and
// the file.
package journal

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

const TimestampFormat = "2006-01-02 15:04:05"

// Hook appends one "<timestamp>: <message>" line per entry. The file is opened
// and closed for every write so rotation tools can work on it between writes.
type Hook struct {
	path   string
	levels []logrus.Level
	mu     sync.Mutex
}

func NewHook(path string) *Hook {
	return &Hook{
		path:   path,
		levels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel},
	}
}

func (h *Hook) Path() string {
	return h.path
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	return h.Append(Format(entry))
}

// Append writes a single preformatted line.
func (h *Hook) Append(line string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error opening journal %s: %w", h.path, err)
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("error writing journal %s: %w", h.path, err)
	}
	return f.Close()
}

// Format renders an entry as a single journal line.
func Format(entry *logrus.Entry) string {
	msg := entry.Message
	if err, ok := entry.Data[logrus.ErrorKey].(error); ok && err != nil {
		msg += ": " + err.Error()
	}
	msg = strings.ReplaceAll(strings.TrimRight(msg, "\r\n"), "\n", " ")
	return fmt.Sprintf("%s: %s\n", entry.Time.Format(TimestampFormat), msg)
}
