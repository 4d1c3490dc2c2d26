// Package server exposes the running session to local consumers: a
// WebSocket event feed fanning out the orchestrator's event stream, and
// REST routes over the conversation history.
package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/parleyhq/parley/internal/session"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// BroadcastSessionEvent fans one orchestrator event out to every feed
// subscriber. Slow subscribers drop events rather than block the session.
func (h *Hub) BroadcastSessionEvent(ev session.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
