// Package session orchestrates one voice conversation: it owns the session
// state machine and turn-taking flags, routes backend messages to the
// capture/playback collaborators, reassembles transcripts, and publishes a
// single tagged event stream for presentation and persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/audio"
	"github.com/parleyhq/parley/internal/capture"
	"github.com/parleyhq/parley/internal/playback"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/transcript"
)

// State is the session lifecycle. Disconnected is terminal; a new
// conversation means a new Orchestrator.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotIdle is returned by Start when the session already ran.
var ErrNotIdle = errors.New("session already started")

// Capturer is the microphone side of the call.
type Capturer interface {
	Start() error
	Abort()
	SendComplete()
	Cleanup()
}

// Player is the speaker side of the call.
type Player interface {
	Enqueue(f playback.Fragment) error
	Stop()
	Active() bool
}

// Sender is the connected backend channel.
type Sender interface {
	Send(v any) error
	Close() error
}

// DialFunc connects to the backend, wiring the read pump to onMessage and
// the hangup signal to onClosed.
type DialFunc func(onMessage func(data []byte), onClosed func(err error)) (Sender, error)

// Recorder persists the conversation as it happens.
type Recorder interface {
	Begin(persona, scenario string, at time.Time) (int64, error)
	AppendTurn(conversationID int64, speaker, text string, at time.Time) error
	End(conversationID int64, analysis string, at time.Time) error
}

// Debriefer produces a post-call coaching note from the merged transcript.
type Debriefer interface {
	Debrief(ctx context.Context, conversationID int64, transcript string) error
}

// Config carries session tuning.
type Config struct {
	Persona  string
	Scenario string

	// SettleDelay runs after connect and after playback ends before capture
	// is (re)armed, so speaker tail audio does not trigger the detector.
	SettleDelay time.Duration
	// EndGrace spaces the steps of the ending protocol.
	EndGrace time.Duration
	// FreshnessWindow bounds transcript buffer appends.
	FreshnessWindow time.Duration
	// EventBuffer sizes the outbound event channel.
	EventBuffer int

	Logf func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.SettleDelay <= 0 {
		c.SettleDelay = time.Second
	}
	if c.EndGrace <= 0 {
		c.EndGrace = 500 * time.Millisecond
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = transcript.DefaultFreshnessWindow
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Deps are the orchestrator's collaborators. Recorder and Debriefer are
// optional.
type Deps struct {
	Capturer  Capturer
	Player    Player
	Dial      DialFunc
	Recorder  Recorder
	Debriefer Debriefer
}

// Orchestrator drives one conversation end to end.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	mu           sync.Mutex
	state        State
	readyToSpeak bool
	waiting      bool // a segment was sent, no response-bearing message yet
	ending       bool // one-way latch
	cleaned      bool
	channel      Sender
	buffers      *transcript.Set
	lastSpeaker  string
	convID       int64
	analysis     string
	sleep        func(d time.Duration)

	evMu     sync.Mutex
	evClosed bool
	events   chan Event
}

func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		now:     time.Now,
		buffers: transcript.NewSet(cfg.FreshnessWindow),
		sleep:   time.Sleep,
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events is the single outbound stream. Entries are dropped, not blocked on,
// when the consumer falls behind.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Waiting reports whether a sent segment is still unanswered.
func (o *Orchestrator) Waiting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.waiting
}

// Ending reports whether the ending latch has been set.
func (o *Orchestrator) Ending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ending
}

// Suppressed reports whether boundary decisions and new captures must hold:
// waiting for a response, ending, or reply audio playing. Wired as the
// capture controller's suppression check.
func (o *Orchestrator) Suppressed() bool {
	o.mu.Lock()
	waiting, ending := o.waiting, o.ending
	o.mu.Unlock()
	return waiting || ending || o.deps.Player.Active()
}

// Start dials the backend and opens the conversation. Capture is armed after
// the settle delay unless the backend announces readiness first.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.state = StateConnecting
	o.mu.Unlock()
	o.emitState(StateConnecting)

	ch, err := o.deps.Dial(o.HandleMessage, o.onChannelClosed)
	if err != nil {
		o.transitionDisconnected()
		return fmt.Errorf("connect: %w", err)
	}

	o.mu.Lock()
	o.channel = ch
	o.state = StateConnected
	o.mu.Unlock()
	o.emitState(StateConnected)

	if err := ch.Send(protocol.NewStartVoiceConversation(o.cfg.Persona, o.cfg.Scenario)); err != nil {
		o.cfg.Logf("warning: send conversation start: %v", err)
	}

	if o.deps.Recorder != nil {
		id, err := o.deps.Recorder.Begin(o.cfg.Persona, o.cfg.Scenario, o.now())
		if err != nil {
			o.cfg.Logf("warning: record conversation start: %v", err)
		} else {
			o.mu.Lock()
			o.convID = id
			o.mu.Unlock()
		}
	}

	time.AfterFunc(o.cfg.SettleDelay, func() {
		o.mu.Lock()
		if o.cleaned || o.ending || o.state != StateConnected {
			o.mu.Unlock()
			return
		}
		o.readyToSpeak = true
		o.mu.Unlock()
		o.armCapture()
	})
	return nil
}

// HandleMessage routes one inbound backend payload. Malformed messages are
// logged and dropped.
func (o *Orchestrator) HandleMessage(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		o.cfg.Logf("warning: drop inbound message: %v", err)
		return
	}

	switch m := msg.(type) {
	case protocol.Ping:
		o.send(protocol.NewPong())

	case protocol.TranscribedText:
		o.handleTranscript(m.Speaker, m.Text)

	case protocol.TextResponse:
		o.clearWaiting()
		o.emit(Event{Type: EventCounterpartText, Speaker: protocol.SpeakerCounterpart, Text: m.Text})

	case protocol.AudioChunk:
		if o.Ending() {
			return
		}
		data, err := m.Bytes()
		if err != nil {
			o.cfg.Logf("warning: decode audio chunk: %v", err)
			return
		}
		o.clearWaiting()
		o.enqueueAudio(data, m.Format, "audio chunk")

	case protocol.AudioResponse:
		// Non-streaming fallback; ignored while a streamed reply is active.
		if o.Ending() || o.deps.Player.Active() {
			return
		}
		data, err := m.Bytes()
		if err != nil {
			o.cfg.Logf("warning: decode audio response: %v", err)
			return
		}
		o.clearWaiting()
		o.enqueueAudio(data, m.Format, "audio response")

	case protocol.PersonaInfo:
		o.mu.Lock()
		o.readyToSpeak = true
		o.mu.Unlock()
		o.emit(Event{Type: EventPersona, Persona: m.Name, Scenario: m.Description})
		o.armCapture()

	case protocol.AnalysisResult:
		o.mu.Lock()
		o.analysis = string(m.Result)
		o.mu.Unlock()
		o.emit(Event{Type: EventAnalysis, Analysis: string(m.Result)})

	case protocol.ErrorMessage:
		o.clearWaiting()
		o.emit(Event{Type: EventError, Error: m.Message})

	default:
		o.cfg.Logf("warning: unhandled message type %T", msg)
	}
}

// OnSegment ships one finished utterance to the backend. Wired as the
// capture controller's segment callback.
func (o *Orchestrator) OnSegment(seg capture.Segment) {
	o.mu.Lock()
	if o.ending || o.cleaned || o.state != StateConnected {
		o.mu.Unlock()
		o.deps.Capturer.SendComplete()
		return
	}
	o.waiting = true
	ch := o.channel
	o.mu.Unlock()

	wav := audio.WAV(seg.Audio, seg.SampleRate)
	if err := ch.Send(protocol.NewAudioMessage(wav, "wav")); err != nil {
		o.cfg.Logf("warning: send segment: %v", err)
		o.mu.Lock()
		o.waiting = false
		o.mu.Unlock()
		o.deps.Capturer.SendComplete()
		return
	}
	o.emit(Event{Type: EventSegmentSent})
}

// OnCaptureAbandoned ends the call after a capture timed out with no voice.
// Wired as the capture controller's abandonment callback.
func (o *Orchestrator) OnCaptureAbandoned() {
	o.cfg.Logf("warning: no voice detected, ending conversation")
	go o.End()
}

// OnPlaybackStart keeps capture and playback mutually exclusive. Wired as
// the streamer's OnStart.
func (o *Orchestrator) OnPlaybackStart() {
	o.deps.Capturer.Abort()
	o.emit(Event{Type: EventPlaybackStarted})
}

// OnPlaybackEnd re-arms capture once the reply has finished sounding, after
// the settle delay. Wired as the streamer's OnEnd.
func (o *Orchestrator) OnPlaybackEnd() {
	o.emit(Event{Type: EventPlaybackEnded})
	time.AfterFunc(o.cfg.SettleDelay, func() {
		o.mu.Lock()
		if o.cleaned || o.ending || o.state != StateConnected {
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.armCapture()
	})
}

// End runs the ending protocol: latch, silence both directions, then part
// from the backend with grace between steps. Safe to call more than once.
func (o *Orchestrator) End() {
	o.mu.Lock()
	if o.ending {
		o.mu.Unlock()
		return
	}
	o.ending = true
	o.waiting = false
	o.readyToSpeak = false
	ch := o.channel
	o.mu.Unlock()

	o.deps.Capturer.Abort()
	o.deps.Player.Stop()

	if ch != nil {
		o.sleep(o.cfg.EndGrace)
		if err := ch.Send(protocol.NewEndVoiceConversation()); err != nil {
			o.cfg.Logf("warning: send conversation end: %v", err)
		}
		o.sleep(o.cfg.EndGrace)
		_ = ch.Close()
	}

	o.transitionDisconnected()
}

// Cleanup releases everything and latches the orchestrator inert. Every
// timer callback re-checks the latch, so late fires are no-ops.
func (o *Orchestrator) Cleanup() {
	o.mu.Lock()
	if o.cleaned {
		o.mu.Unlock()
		return
	}
	o.cleaned = true
	ch := o.channel
	o.channel = nil
	o.mu.Unlock()

	o.deps.Capturer.Cleanup()
	o.deps.Player.Stop()
	if ch != nil {
		_ = ch.Close()
	}

	o.evMu.Lock()
	if !o.evClosed {
		o.evClosed = true
		close(o.events)
	}
	o.evMu.Unlock()
}

func (o *Orchestrator) onChannelClosed(err error) {
	if err != nil {
		o.cfg.Logf("warning: channel closed: %v", err)
		o.emit(Event{Type: EventError, Error: err.Error()})
	}
	o.deps.Capturer.Abort()
	o.deps.Player.Stop()
	o.transitionDisconnected()
}

// transitionDisconnected moves to the terminal state exactly once, closing
// out the recorded conversation and kicking off the debrief.
func (o *Orchestrator) transitionDisconnected() {
	o.mu.Lock()
	if o.state == StateDisconnected {
		o.mu.Unlock()
		return
	}
	o.state = StateDisconnected
	convID := o.convID
	analysis := o.analysis
	last := o.lastSpeaker
	o.lastSpeaker = ""
	o.mu.Unlock()

	if last != "" {
		o.flushTurn(last, convID)
	}
	o.emitState(StateDisconnected)

	if o.deps.Recorder != nil && convID != 0 {
		if err := o.deps.Recorder.End(convID, analysis, o.now()); err != nil {
			o.cfg.Logf("warning: record conversation end: %v", err)
		}
	}
	if o.deps.Debriefer != nil && convID != 0 && analysis == "" {
		merged := o.mergedTranscript()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.deps.Debriefer.Debrief(ctx, convID, merged); err != nil {
				o.cfg.Logf("warning: debrief: %v", err)
			}
		}()
	}
}

// handleTranscript merges a fragment into the speaker's buffer and records a
// finished turn whenever the speaker changes.
func (o *Orchestrator) handleTranscript(speaker, text string) {
	if speaker != protocol.SpeakerHuman && speaker != protocol.SpeakerCounterpart {
		o.cfg.Logf("warning: transcript fragment from unknown speaker %q", speaker)
		return
	}

	o.mu.Lock()
	last := o.lastSpeaker
	o.lastSpeaker = speaker
	convID := o.convID
	o.mu.Unlock()

	if last != "" && last != speaker {
		o.flushTurn(last, convID)
	}

	merged := o.buffers.Append(speaker, text)
	o.emit(Event{Type: EventTranscript, Speaker: speaker, Text: merged})
}

// flushTurn persists the speaker's accumulated buffer as one turn and resets
// it for the next exchange.
func (o *Orchestrator) flushTurn(speaker string, convID int64) {
	text := o.buffers.Text(speaker)
	o.buffers.ResetSpeaker(speaker)
	if text == "" {
		return
	}
	if o.deps.Recorder != nil && convID != 0 {
		if err := o.deps.Recorder.AppendTurn(convID, speaker, text, o.now()); err != nil {
			o.cfg.Logf("warning: record turn: %v", err)
		}
	}
}

// mergedTranscript renders both live buffers for the debrief. Turns already
// flushed to the recorder are the durable copy; this covers the tail.
func (o *Orchestrator) mergedTranscript() string {
	human := o.buffers.Text(protocol.SpeakerHuman)
	counterpart := o.buffers.Text(protocol.SpeakerCounterpart)
	out := ""
	if counterpart != "" {
		out += protocol.SpeakerCounterpart + ": " + counterpart + "\n"
	}
	if human != "" {
		out += protocol.SpeakerHuman + ": " + human + "\n"
	}
	return out
}

func (o *Orchestrator) enqueueAudio(data []byte, format, what string) {
	if err := o.deps.Player.Enqueue(playback.Fragment{Data: data, Format: format}); err != nil {
		o.cfg.Logf("warning: enqueue %s: %v", what, err)
	}
}

// armCapture starts a capture when the turn is ours. Refusals from the
// controller (already capturing, suppressed) are expected.
func (o *Orchestrator) armCapture() {
	o.mu.Lock()
	ok := o.readyToSpeak && !o.waiting && !o.ending && !o.cleaned && o.state == StateConnected
	o.mu.Unlock()
	if !ok || o.deps.Player.Active() {
		return
	}

	err := o.deps.Capturer.Start()
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrAlreadyCapturing), errors.Is(err, capture.ErrSuppressed):
	case errors.Is(err, capture.ErrTornDown):
	default:
		o.cfg.Logf("warning: start capture: %v", err)
		o.emit(Event{Type: EventError, Error: err.Error()})
	}
}

// clearWaiting releases the turn after any response-bearing message and
// re-arms capture once things settle. Replies that carry audio arm through
// OnPlaybackEnd instead; a text-only or error reply has no playback run, so
// without this the trainee could never speak again.
func (o *Orchestrator) clearWaiting() {
	o.mu.Lock()
	o.waiting = false
	o.mu.Unlock()
	o.deps.Capturer.SendComplete()

	time.AfterFunc(o.cfg.SettleDelay, func() {
		o.mu.Lock()
		if o.cleaned || o.ending || o.state != StateConnected {
			o.mu.Unlock()
			return
		}
		o.mu.Unlock()
		o.armCapture()
	})
}

func (o *Orchestrator) send(v any) {
	o.mu.Lock()
	ch := o.channel
	o.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Send(v); err != nil {
		o.cfg.Logf("warning: send: %v", err)
	}
}

func (o *Orchestrator) emitState(s State) {
	o.emit(Event{Type: EventStateChanged, State: s.String()})
}

func (o *Orchestrator) emit(ev Event) {
	ev.At = o.now()
	o.evMu.Lock()
	defer o.evMu.Unlock()
	if o.evClosed {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.cfg.Logf("warning: event stream full, dropping %s", ev.Type)
	}
}
