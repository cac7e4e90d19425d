package feed

import (
	"encoding/json"
	"net/http"
	"sync"

	"airguard/internal/metrics"
	"airguard/internal/model"
)

const defaultSubscriberBuffer = 16

type frame struct {
	event   model.EventType
	payload []byte
}

// Broker is the in-process fan-out. A subscriber whose buffer is full misses
// the event; publishing never waits on it.
type Broker struct {
	mu      sync.Mutex
	clients map[chan frame]struct{}
	buffer  int
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broker{clients: make(map[chan frame]struct{}), buffer: buffer}
}

func (b *Broker) Publish(ev model.Event) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.broadcast(frame{event: ev.Type, payload: payload})
}

func (b *Broker) subscribe() chan frame {
	if b == nil {
		return nil
	}
	ch := make(chan frame, b.buffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan frame) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broker) broadcast(f frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- f:
		default:
			metrics.IncFeedDropped("sse")
		}
	}
}

// ServeHTTP streams events as server-sent events until the client goes
// away.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}
	ch := b.subscribe()
	if ch == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	defer b.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: " + string(f.event) + "\ndata: "))
			_, _ = w.Write(f.payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}
