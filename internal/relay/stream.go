package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrStreamClosed is returned by writes on a stream whose transport has
// gone away or that has been closed by the relay.
var ErrStreamClosed = errors.New("event stream closed")

// EventStream is an owned handle on one server-sent-events response.
// Writes are serialized and flushed per event; Close is an explicit
// signal observable by the component that created the stream, so a
// registry can tear a connection down without waiting for the transport
// to notice.
type EventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewEventStream prepares w as an SSE response. Returns an error when
// the underlying transport cannot stream.
func NewEventStream(w http.ResponseWriter) (*EventStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &EventStream{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// WriteEvent writes one SSE event with a plain-text data payload.
func (s *EventStream) WriteEvent(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteJSONEvent writes one SSE event with a JSON data payload.
func (s *EventStream) WriteJSONEvent(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.WriteEvent(event, string(data))
}

// Close marks the stream closed and signals Done. Safe to call more
// than once and from any goroutine.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

// Done is closed when the stream has been closed by the relay side.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}
