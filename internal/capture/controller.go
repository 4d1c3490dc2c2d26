// Package capture owns the microphone for one side of the call: it buffers
// raw PCM, drives the voice activity detector off a live level signal, and
// hands finished utterance segments to the session.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/audio"
	"github.com/parleyhq/parley/internal/vad"
)

var (
	// ErrTornDown is returned by Start after Cleanup until Reset.
	ErrTornDown = errors.New("capture controller torn down")
	// ErrAlreadyCapturing is returned by Start while a capture is active.
	ErrAlreadyCapturing = errors.New("capture already active")
	// ErrSuppressed is returned by Start while playback is active or the
	// session is otherwise not accepting captures (feedback prevention).
	ErrSuppressed = errors.New("capture suppressed")

	errCaptureStopped = errors.New("capture stopped")
)

// Segment is one captured utterance, bounded by voice-start and
// confirmed-silence (or discarded before it gets here).
type Segment struct {
	Audio      []byte // raw PCM16-LE mono
	SampleRate int
	StartedAt  time.Time
}

// Device is the acquired microphone handle.
type Device interface {
	Start() error
	Stop() error
	Stream(w io.Writer) error
}

// muter is the optional mute capability of a Device. While suppression is
// active the device is muted so speaker output never lands in the capture
// buffer, not just ignored by the detector.
type muter interface {
	Mute()
	Unmute()
}

// DeviceOpener acquires the microphone and reports the sample rate it
// opened at. Acquisition failures surface as typed errors
// (audio.AcquireError), never as a detector that silently hears nothing.
type DeviceOpener func() (Device, int, error)

// Config wires the controller to its collaborators.
type Config struct {
	VAD vad.Config
	// MinSegment is the duration floor below which a finalized segment is
	// discarded instead of sent.
	MinSegment time.Duration
	// LevelWindow is the audio-time span of one level sample.
	LevelWindow time.Duration

	// OnSegment receives each finished, accepted segment.
	OnSegment func(Segment)
	// OnAbandoned fires when the fallback ceiling expired with no voice
	// ever detected; the segment is discarded and the caller decides what
	// the abandonment means (typically ending the call).
	OnAbandoned func()
	// Suppress reports whether boundary decisions must pause right now
	// (waiting for a response, ending, or playing audio). Checked at
	// sample time, not at arm time.
	Suppress func() bool

	Logf func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.MinSegment <= 0 {
		c.MinSegment = 300 * time.Millisecond
	}
	if c.LevelWindow <= 0 {
		c.LevelWindow = 100 * time.Millisecond
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

type state int

const (
	stateIdle state = iota
	stateCapturing
	stateTornDown
)

// Controller holds exactly one microphone handle and one level-analysis
// meter while capturing. All device callbacks re-check the controller state
// under the lock, so a teardown racing an in-flight callback is a no-op.
type Controller struct {
	cfg  Config
	open DeviceOpener
	now  func() time.Time

	mu              sync.Mutex
	state           state
	det             *vad.Detector
	device          Device
	sampleRate      int
	buf             []byte
	startedAt       time.Time
	muted           bool
	sendInFlight    bool
	lastFingerprint string
}

func New(open DeviceOpener, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:  cfg,
		open: open,
		now:  time.Now,
		det:  vad.New(cfg.VAD),
	}
}

// Start acquires the device, begins buffering, and arms the detector. It
// refuses to start while suppressed (playback active) or after teardown.
func (c *Controller) Start() error {
	c.mu.Lock()
	switch {
	case c.state == stateTornDown:
		c.mu.Unlock()
		return ErrTornDown
	case c.state == stateCapturing:
		c.mu.Unlock()
		return ErrAlreadyCapturing
	case c.cfg.Suppress != nil && c.cfg.Suppress():
		c.mu.Unlock()
		return ErrSuppressed
	}
	c.mu.Unlock()

	dev, rate, err := c.open()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != stateIdle {
		// Torn down or started elsewhere while we were acquiring.
		c.mu.Unlock()
		_ = dev.Stop()
		return ErrTornDown
	}
	now := c.now()
	c.state = stateCapturing
	c.device = dev
	c.sampleRate = rate
	c.buf = nil
	c.startedAt = now
	c.muted = false
	c.det.Begin(now)
	c.mu.Unlock()

	if err := dev.Start(); err != nil {
		c.mu.Lock()
		c.state = stateIdle
		c.device = nil
		c.det.Reset()
		c.mu.Unlock()
		return err
	}

	meter := audio.NewLevelMeter(rate, c.cfg.LevelWindow, c.handleLevel)
	go c.pump(dev, meter)
	return nil
}

// Stop finalizes the current buffer into a segment. Idempotent: a no-op
// when not capturing.
func (c *Controller) Stop() {
	c.finalize(false)
}

// Abort discards the current capture without producing a segment.
func (c *Controller) Abort() {
	dev := c.release(stateIdle)
	if dev != nil {
		_ = dev.Stop()
	}
}

// Cleanup is the full teardown: aborts any capture, releases the device,
// and latches the controller inert until Reset.
func (c *Controller) Cleanup() {
	dev := c.release(stateTornDown)
	if dev != nil {
		_ = dev.Stop()
	}
}

// Reset clears the teardown latch for a new session.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateTornDown {
		c.state = stateIdle
	}
	c.sendInFlight = false
	c.lastFingerprint = ""
	c.det.Reset()
}

// SendComplete clears the in-flight-send guard once the network layer has
// finished with the previous segment.
func (c *Controller) SendComplete() {
	c.mu.Lock()
	c.sendInFlight = false
	c.mu.Unlock()
}

// Capturing reports whether a capture is currently active.
func (c *Controller) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateCapturing
}

// release drops the capture state without finalizing and returns the device
// for the caller to stop outside the lock.
func (c *Controller) release(next state) Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev := c.device
	c.device = nil
	c.buf = nil
	if c.state != stateTornDown || next == stateTornDown {
		c.state = next
	}
	c.det.Reset()
	return dev
}

// pump copies device audio into the capture buffer and the level meter
// until the capture ends.
func (c *Controller) pump(dev Device, meter *audio.LevelMeter) {
	w := &captureWriter{c: c, dev: dev, meter: meter}
	if err := dev.Stream(w); err != nil && !errors.Is(err, errCaptureStopped) {
		c.cfg.Logf("warning: mic stream ended: %v", err)
	}
}

type captureWriter struct {
	c     *Controller
	dev   Device
	meter *audio.LevelMeter
}

func (w *captureWriter) Write(p []byte) (int, error) {
	c := w.c
	c.mu.Lock()
	if c.state != stateCapturing || c.device != w.dev {
		c.mu.Unlock()
		return 0, errCaptureStopped
	}
	c.buf = append(c.buf, p...)
	c.mu.Unlock()

	// Level analysis happens outside the lock; its callback re-locks.
	_, _ = w.meter.Write(p)
	return len(p), nil
}

// handleLevel feeds one 0-255 level sample to the detector and acts on the
// boundary decision. Suppression is evaluated here, at sample time, and
// mutes the device while it holds so speaker output stays out of the buffer.
func (c *Controller) handleLevel(level int) {
	c.mu.Lock()
	if c.state != stateCapturing {
		c.mu.Unlock()
		return
	}
	now := c.now()
	dev := c.device
	if c.cfg.Suppress != nil && c.cfg.Suppress() {
		c.det.Suspend(now)
		wasMuted := c.muted
		c.muted = true
		c.mu.Unlock()
		if !wasMuted {
			if m, ok := dev.(muter); ok {
				m.Mute()
			}
		}
		return
	}
	wasMuted := c.muted
	c.muted = false
	c.det.Resume(now)
	dec := c.det.Sample(level, now)
	c.mu.Unlock()

	if wasMuted {
		if m, ok := dev.(muter); ok {
			m.Unmute()
		}
	}

	switch dec {
	case vad.DecisionStop:
		c.finalize(false)
	case vad.DecisionFallbackStop:
		c.finalize(true)
	}
}

// finalize ends the capture and either hands the segment to OnSegment or
// discards it: fallback captures, segments under the duration floor,
// segments while a send is in flight, and byte-identical duplicates are all
// dropped.
func (c *Controller) finalize(fallback bool) {
	c.mu.Lock()
	if c.state != stateCapturing {
		c.mu.Unlock()
		return
	}

	dev := c.device
	pcm := c.buf
	rate := c.sampleRate
	started := c.startedAt
	c.device = nil
	c.buf = nil
	c.state = stateIdle
	c.det.Reset()

	var discard string
	fingerprint := ""
	switch {
	case fallback:
		discard = "fallback stop, no voice detected"
	case audio.PCMDuration(len(pcm), rate) < c.cfg.MinSegment:
		discard = "below minimum duration floor"
	case c.sendInFlight:
		discard = "send already in flight"
	default:
		sum := sha256.Sum256(pcm)
		fingerprint = hex.EncodeToString(sum[:8])
		if fingerprint == c.lastFingerprint {
			discard = "duplicate of previous segment"
		}
	}

	if discard == "" {
		c.sendInFlight = true
		c.lastFingerprint = fingerprint
	}
	c.mu.Unlock()

	if dev != nil {
		_ = dev.Stop()
	}

	if discard != "" {
		c.cfg.Logf("capture segment discarded: %s", discard)
		if fallback && c.cfg.OnAbandoned != nil {
			c.cfg.OnAbandoned()
		}
		return
	}

	if c.cfg.OnSegment != nil {
		c.cfg.OnSegment(Segment{Audio: pcm, SampleRate: rate, StartedAt: started})
	}
}
