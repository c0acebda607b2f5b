package cache

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

// Logger is a simple structured logger interface.
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
}

// StdLogger implements Logger using the standard log package with JSON output.
type StdLogger struct{}

func (l *StdLogger) Info(msg string, fields map[string]interface{}) {
	log.Println(string(encodeFields("info", msg, fields)))
}

func (l *StdLogger) Error(msg string, fields map[string]interface{}) {
	log.Println(string(encodeFields("error", msg, fields)))
}

// WriterLogger writes one JSON object per line to an io.Writer, e.g. a step log file.
type WriterLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterLogger creates a JSON-lines logger writing to w.
func NewWriterLogger(w io.Writer) *WriterLogger {
	return &WriterLogger{w: w}
}

func (l *WriterLogger) Info(msg string, fields map[string]interface{}) {
	l.write(encodeFields("info", msg, fields))
}

func (l *WriterLogger) Error(msg string, fields map[string]interface{}) {
	l.write(encodeFields("error", msg, fields))
}

func (l *WriterLogger) write(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		log.Printf("Failed to write log line: %v", err)
	}
}

// encodeFields copies fields so callers can reuse their maps.
func encodeFields(level, msg string, fields map[string]interface{}) []byte {
	out := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		out[k] = v
	}
	out["level"] = level
	out["msg"] = msg
	out["ts"] = time.Now().Format(time.RFC3339)
	b, err := json.Marshal(out)
	if err != nil {
		b, _ = json.Marshal(map[string]interface{}{"level": "error", "msg": "unencodable log fields", "error": err.Error()})
	}
	return b
}
