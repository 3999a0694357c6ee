package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
)

// JSONLinesWriter writes one JSON document per entry.
type JSONLinesWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLinesWriter(w io.Writer) *JSONLinesWriter {
	return &JSONLinesWriter{enc: json.NewEncoder(w)}
}

func (w *JSONLinesWriter) Write(_ context.Context, entry *AuditLogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.enc.Encode(entry)
}
