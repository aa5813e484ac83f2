package results

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/me/gowps/pkg/model"
)

// LogWriter is an io.Writer that appends complete lines to a job's log.
// A trailing partial line is written on Close.
type LogWriter struct {
	ctx    context.Context
	logs   LogAppender
	jobID  string
	stream model.LogStream
	now    func() time.Time

	mu  sync.Mutex
	buf bytes.Buffer
	err error
}

// NewLogWriter creates a writer for one stream of jobID.
func NewLogWriter(ctx context.Context, logs LogAppender, jobID string, stream model.LogStream) *LogWriter {
	return &LogWriter{
		ctx:    ctx,
		logs:   logs,
		jobID:  jobID,
		stream: stream,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.buf.Write(p)

	var lines []model.LogLine
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, w.line(string(bytes.TrimRight(data[:i], "\r"))))
		w.buf.Next(i + 1)
	}
	if err := w.flush(lines); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes any buffered partial line.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil || w.buf.Len() == 0 {
		return w.err
	}
	line := w.line(w.buf.String())
	w.buf.Reset()
	return w.flush([]model.LogLine{line})
}

// Line appends msg as one line, bypassing the buffer.
func (w *LogWriter) Line(msg string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush([]model.LogLine{w.line(msg)})
}

func (w *LogWriter) line(s string) model.LogLine {
	return model.LogLine{JobID: w.jobID, Timestamp: w.now(), Stream: w.stream, Line: s}
}

func (w *LogWriter) flush(lines []model.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	if err := w.logs.AppendLogs(w.ctx, w.jobID, lines); err != nil {
		w.err = err
		return err
	}
	return nil
}
