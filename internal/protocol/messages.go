// Package protocol defines the JSON message envelopes exchanged with the
// conversation backend over the duplex channel. Every payload carries a
// "type" discriminator; unknown or malformed messages are reported as an
// error so the session can log and drop them without dying.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates message payloads.
type Type string

const (
	// Outbound.
	TypeStartVoiceConversation Type = "start_voice_conversation"
	TypeAudioMessage           Type = "audio_message"
	TypeEndVoiceConversation   Type = "end_voice_conversation"
	TypePong                   Type = "pong"

	// Inbound.
	TypePing            Type = "ping"
	TypeTranscribedText Type = "transcribed_text"
	TypeTextResponse    Type = "text_response"
	TypeAudioChunk      Type = "audio_chunk"
	TypeAudioResponse   Type = "audio_response"
	TypePersonaInfo     Type = "persona_info"
	TypeAnalysisResult  Type = "analysis_result"
	TypeError           Type = "error"
)

// Speaker tags used on transcript fragments.
const (
	SpeakerHuman       = "human"
	SpeakerCounterpart = "counterpart"
)

// Envelope is the common header of every message.
type Envelope struct {
	Type      Type   `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
}

func newEnvelope(t Type) Envelope {
	return Envelope{Type: t, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
}

// StartVoiceConversation opens a conversation against a persona/scenario.
type StartVoiceConversation struct {
	Envelope
	PersonaID  string `json:"persona_id"`
	ScenarioID string `json:"scenario_id,omitempty"`
}

func NewStartVoiceConversation(personaID, scenarioID string) StartVoiceConversation {
	return StartVoiceConversation{
		Envelope:   newEnvelope(TypeStartVoiceConversation),
		PersonaID:  personaID,
		ScenarioID: scenarioID,
	}
}

// AudioMessage carries one finished utterance segment.
type AudioMessage struct {
	Envelope
	Audio  string `json:"audio"` // base64
	Format string `json:"format"`
}

func NewAudioMessage(audio []byte, format string) AudioMessage {
	return AudioMessage{
		Envelope: newEnvelope(TypeAudioMessage),
		Audio:    base64.StdEncoding.EncodeToString(audio),
		Format:   format,
	}
}

// EndVoiceConversation is sent during the end-of-call protocol.
type EndVoiceConversation struct {
	Envelope
}

func NewEndVoiceConversation() EndVoiceConversation {
	return EndVoiceConversation{Envelope: newEnvelope(TypeEndVoiceConversation)}
}

// Ping and Pong keep the channel alive at the protocol level.
type Ping struct {
	Envelope
}

type Pong struct {
	Envelope
}

func NewPong() Pong {
	return Pong{Envelope: newEnvelope(TypePong)}
}

// TranscribedText is a speaker-tagged transcript fragment.
type TranscribedText struct {
	Envelope
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// TextResponse is a complete counterpart reply rendered directly.
type TextResponse struct {
	Envelope
	Text string `json:"text"`
}

// AudioChunk is one ordered fragment of streamed reply audio.
type AudioChunk struct {
	Envelope
	Audio  string `json:"audio"` // base64
	Format string `json:"format,omitempty"`
	Seq    int    `json:"seq,omitempty"`
}

// Bytes decodes the base64 audio payload.
func (c AudioChunk) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.Audio)
}

// AudioResponse is the non-streaming fallback: the whole reply as one blob.
type AudioResponse struct {
	Envelope
	Audio  string `json:"audio"` // base64
	Format string `json:"format,omitempty"`
}

// Bytes decodes the base64 audio payload.
func (r AudioResponse) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Audio)
}

// PersonaInfo describes the counterpart and signals ready-to-speak.
type PersonaInfo struct {
	Envelope
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	Description string `json:"description,omitempty"`
}

// AnalysisResult is an opaque evaluation payload forwarded to the history
// store; the session core does not interpret it.
type AnalysisResult struct {
	Envelope
	Result json.RawMessage `json:"result"`
}

// ErrorMessage surfaces a backend-side failure.
type ErrorMessage struct {
	Envelope
	Message string `json:"message"`
}

// Decode parses an inbound payload into its concrete message type.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	switch env.Type {
	case TypePing:
		var msg Ping
		return decodeAs(data, &msg)
	case TypeTranscribedText:
		var msg TranscribedText
		return decodeAs(data, &msg)
	case TypeTextResponse:
		var msg TextResponse
		return decodeAs(data, &msg)
	case TypeAudioChunk:
		var msg AudioChunk
		return decodeAs(data, &msg)
	case TypeAudioResponse:
		var msg AudioResponse
		return decodeAs(data, &msg)
	case TypePersonaInfo:
		var msg PersonaInfo
		return decodeAs(data, &msg)
	case TypeAnalysisResult:
		var msg AnalysisResult
		return decodeAs(data, &msg)
	case TypeError:
		var msg ErrorMessage
		return decodeAs(data, &msg)
	default:
		return nil, fmt.Errorf("unsupported message type %q", env.Type)
	}
}

func decodeAs[T any](data []byte, msg *T) (any, error) {
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	return *msg, nil
}
