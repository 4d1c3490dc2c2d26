package vad

import "time"

// Decision is the detector's verdict for one level sample.
type Decision int

const (
	// DecisionNone means keep capturing.
	DecisionNone Decision = iota
	// DecisionVoiceStart fires on the first sample classified as speech.
	DecisionVoiceStart
	// DecisionStop fires once when confirmed silence follows detected voice.
	DecisionStop
	// DecisionFallbackStop fires once when no voice was ever detected and
	// the capture has run past the fallback ceiling. The resulting segment
	// is an abandoned capture and must be discarded, not sent.
	DecisionFallbackStop
)

// Config holds the detector thresholds. Levels are on the 0-255 scale the
// level meter produces from a 100ms analysis window.
type Config struct {
	// ActivationThreshold is the bar a sample must clear to *begin* being
	// classified as speech.
	ActivationThreshold int
	// MaintenanceThreshold is the lower bar to *remain* classified as
	// speech, so a dip in volume mid-word does not register as silence.
	MaintenanceThreshold int
	// SilenceDebounce suppresses silence-timer churn from noise flicker:
	// the silence clock only starts this long after it was last cleared.
	SilenceDebounce time.Duration
	// SilenceDuration is how much continuous silence confirms the end of
	// an utterance.
	SilenceDuration time.Duration
	// FallbackCeiling force-stops a capture that never detected voice.
	FallbackCeiling time.Duration
}

// DefaultConfig returns thresholds tuned for conversational speech sampled
// every 100ms.
func DefaultConfig() Config {
	return Config{
		ActivationThreshold:  22,
		MaintenanceThreshold: 5,
		SilenceDebounce:      500 * time.Millisecond,
		SilenceDuration:      1500 * time.Millisecond,
		FallbackCeiling:      15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ActivationThreshold <= 0 {
		c.ActivationThreshold = d.ActivationThreshold
	}
	if c.MaintenanceThreshold <= 0 {
		c.MaintenanceThreshold = d.MaintenanceThreshold
	}
	if c.SilenceDebounce <= 0 {
		c.SilenceDebounce = d.SilenceDebounce
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = d.SilenceDuration
	}
	if c.FallbackCeiling <= 0 {
		c.FallbackCeiling = d.FallbackCeiling
	}
	return c
}

type phase int

const (
	phaseIdle phase = iota
	phaseCapturing
	phaseStopped
)

// Detector decides utterance boundaries from periodic audio-level samples.
// State is an explicit phase rather than a collection of loose flags: once a
// stop decision is made the detector is stopped and further samples are
// no-ops, so duplicate stop events are unrepresentable.
//
// The detector is not safe for concurrent use; the capture controller owns
// it and feeds it from a single goroutine.
type Detector struct {
	cfg Config

	phase        phase
	speaking     bool
	hasVoice     bool
	captureStart time.Time
	lastVoiceAt  time.Time
	silenceStart time.Time // zero while the signal is not in confirmed silence
	lastCleared  time.Time // when the silence clock was last reset
	suspended    bool
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Begin arms the detector for a new capture.
func (d *Detector) Begin(now time.Time) {
	d.phase = phaseCapturing
	d.speaking = false
	d.hasVoice = false
	d.captureStart = now
	d.lastVoiceAt = time.Time{}
	d.silenceStart = time.Time{}
	d.lastCleared = now
	d.suspended = false
}

// Suspend pauses boundary decisions while the session is waiting for a
// response, ending, or playing audio, so speaker output is not misread as
// user speech. The silence clock is cleared: suppressed time never counts
// toward a stop.
func (d *Detector) Suspend(now time.Time) {
	if d.phase != phaseCapturing {
		return
	}
	d.suspended = true
	d.silenceStart = time.Time{}
	d.lastCleared = now
}

// Resume re-enables boundary decisions after Suspend. No-op unless the
// detector is actually suspended, so per-sample callers cannot starve the
// silence clock.
func (d *Detector) Resume(now time.Time) {
	if d.phase != phaseCapturing || !d.suspended {
		return
	}
	d.suspended = false
	d.lastCleared = now
}

// Sample evaluates one 0-255 level reading at the given time and returns the
// boundary decision, if any. Stop decisions fire exactly once per capture.
func (d *Detector) Sample(level int, now time.Time) Decision {
	if d.phase != phaseCapturing || d.suspended {
		return DecisionNone
	}

	threshold := d.cfg.ActivationThreshold
	if d.speaking {
		threshold = d.cfg.MaintenanceThreshold
	}

	if level >= threshold {
		first := !d.hasVoice
		d.speaking = true
		d.hasVoice = true
		d.lastVoiceAt = now
		d.silenceStart = time.Time{}
		d.lastCleared = now
		if first {
			return DecisionVoiceStart
		}
		return DecisionNone
	}

	d.speaking = false

	if d.silenceStart.IsZero() && now.Sub(d.lastCleared) >= d.cfg.SilenceDebounce {
		d.silenceStart = now
	}

	if d.hasVoice && !d.silenceStart.IsZero() && now.Sub(d.silenceStart) >= d.cfg.SilenceDuration {
		d.phase = phaseStopped
		return DecisionStop
	}

	if !d.hasVoice && now.Sub(d.captureStart) >= d.cfg.FallbackCeiling {
		d.phase = phaseStopped
		return DecisionFallbackStop
	}

	return DecisionNone
}

// HasVoice reports whether any sample has been classified as speech during
// this capture. Sticky for the capture's lifetime.
func (d *Detector) HasVoice() bool { return d.hasVoice }

// Speaking reports whether the most recent sample was classified as speech.
func (d *Detector) Speaking() bool { return d.speaking }

// Stopped reports whether a stop decision has already fired.
func (d *Detector) Stopped() bool { return d.phase == phaseStopped }

// Reset returns the detector to idle so it can be armed again.
func (d *Detector) Reset() {
	d.phase = phaseIdle
	d.speaking = false
	d.hasVoice = false
	d.silenceStart = time.Time{}
	d.suspended = false
}
