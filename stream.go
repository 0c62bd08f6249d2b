package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	sseKeepAlive     = 25 * time.Second
	sseRetryMillis   = 5000
	sseSubscriberBuf = 16
)

// opsEventFeed fans credential and admission events out to /events
// subscribers. The messages are the same ones pushed to ws clients, so both
// transports carry one event id per occurrence.
type opsEventFeed struct {
	mu          sync.Mutex
	subscribers map[chan wsServerMessage]struct{}
	dropped     int
}

func newOpsEventFeed() *opsEventFeed {
	return &opsEventFeed{subscribers: make(map[chan wsServerMessage]struct{})}
}

func (f *opsEventFeed) subscribe() (<-chan wsServerMessage, func()) {
	ch := make(chan wsServerMessage, sseSubscriberBuf)

	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	return ch, func() {
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
}

// publish never blocks; a subscriber whose buffer is full misses the event.
func (f *opsEventFeed) publish(event wsServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.subscribers {
		select {
		case ch <- event:
		default:
			f.dropped++
			logWarn("events.subscriber_lagging", "type", event.Type, "id", event.ID, "dropped_total", f.dropped)
		}
	}
}

// writeSSEEvent frames one event with id, event and data fields.
func writeSSEEvent(w io.Writer, event wsServerMessage) error {
	data, err := json.Marshal(map[string]any{
		"at":   event.At,
		"data": event.Data,
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}

func (s *Service) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, internalServerError("streaming unsupported", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.events.subscribe()
	defer unsubscribe()

	_, _ = fmt.Fprintf(w, "retry: %d\n: connected\n\n", sseRetryMillis)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				logWarn("events.write_failed", "type", event.Type, "error", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
