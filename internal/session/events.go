package session

import "time"

// EventType tags entries on the session's single outbound event stream.
type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventTranscript      EventType = "transcript"
	EventCounterpartText EventType = "counterpart_text"
	EventPersona         EventType = "persona"
	EventAnalysis        EventType = "analysis"
	EventSegmentSent     EventType = "segment_sent"
	EventPlaybackStarted EventType = "playback_started"
	EventPlaybackEnded   EventType = "playback_ended"
	EventError           EventType = "error"
)

// Event is one tagged entry on the outbound stream. Only the fields relevant
// to the type are populated; consumers switch on Type.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	State string `json:"state,omitempty"`

	// Transcript and counterpart text.
	Speaker string `json:"speaker,omitempty"`
	Text    string `json:"text,omitempty"`

	// Persona announcements.
	Persona  string `json:"persona,omitempty"`
	Scenario string `json:"scenario,omitempty"`

	// Post-call analysis payload.
	Analysis string `json:"analysis,omitempty"`

	Error string `json:"error,omitempty"`
}
