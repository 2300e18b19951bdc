package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// jsonRecorder writes structured JSON lines to a configurable Writer.
type jsonRecorder struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONRecorder creates a Recorder writing to w, or os.Stdout when w is nil.
func NewJSONRecorder(w io.Writer) Recorder {
	if w == nil {
		w = os.Stdout
	}
	return &jsonRecorder{writer: w}
}

func (l *jsonRecorder) Record(_ context.Context, evt Event) error {
	bytes, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
