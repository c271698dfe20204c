package tasks

import (
	"bytes"
	"strings"

	"stackyn/builder/internal/domain"
	"stackyn/builder/internal/pipeline"
)

// progressWriter turns the sideband output of a clone into raw stream
// lines. Carriage returns end a line too, so every progress update of the
// remote becomes its own event.
type progressWriter struct {
	observer pipeline.Observer
	buf      bytes.Buffer
}

func newProgressWriter(observer pipeline.Observer) *progressWriter {
	return &progressWriter{observer: observer}
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		i := bytes.IndexAny(w.buf.Bytes(), "\r\n")
		if i < 0 {
			return len(p), nil
		}
		line := string(w.buf.Next(i + 1))
		w.emit(line[:i])
	}
}

// Flush emits a trailing partial line
func (w *progressWriter) Flush() {
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *progressWriter) emit(line string) {
	if line = strings.TrimSpace(line); line == "" {
		return
	}
	w.observer.OnEvent(domain.Event{Kind: domain.EventRawStreamLine, Line: line})
}
