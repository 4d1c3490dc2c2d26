package server

import "time"

const EventVersion = 1

// ConnectionEvent is the hello frame sent to each new feed subscriber so a
// consumer can distinguish "connected, quiet" from "not connected".
type ConnectionEvent struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
	Connected bool   `json:"connected"`
}

func newConnectionEvent(now time.Time) ConnectionEvent {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ConnectionEvent{
		Type:      "connection",
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Connected: true,
	}
}
