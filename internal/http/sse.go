package httpserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"example.com/openrobot-bt/internal/controller"
)

const clientBuffer = 16

// SSEBroker streams controller events to browsers. Each event is sent as
// "event: <type>" followed by the event JSON. Slow clients miss events
// instead of stalling ingestion.
type SSEBroker struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[chan []byte]struct{})}
}

func (b *SSEBroker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *SSEBroker) add() chan []byte {
	ch := make(chan []byte, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	log.Println("[sse] client added")
	return ch
}

func (b *SSEBroker) remove(ch chan []byte) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
	log.Println("[sse] client removed")
}

// Broadcast frames e once and queues it for every connected client.
func (b *SSEBroker) Broadcast(e controller.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[sse] marshal %s event: %v", e.Type, err)
		return
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, data))

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (b *SSEBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.add()
	defer b.remove(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
