package audio

import (
	"fmt"
	"io"
	"strings"
	"sync"

	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
)

// AcquireReason classifies why the microphone could not be acquired.
type AcquireReason string

const (
	ReasonPermissionDenied AcquireReason = "permission_denied"
	ReasonNoDevice         AcquireReason = "no_device"
	ReasonDeviceBusy       AcquireReason = "device_busy"
	ReasonUnsupported      AcquireReason = "unsupported"
)

// AcquireError is the typed failure surfaced when device acquisition fails.
// Capture degrades to "cannot start" instead of silently never detecting
// speech.
type AcquireError struct {
	Reason AcquireReason
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("acquire microphone (%s): %v", e.Reason, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

func classifyAcquireError(err error) AcquireReason {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "no default") || strings.Contains(msg, "no device") || strings.Contains(msg, "not found"):
		return ReasonNoDevice
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return ReasonDeviceBusy
	default:
		return ReasonUnsupported
	}
}

var micInit sync.Once

// Mic wraps the PortAudio-backed microphone with sample-rate fallback.
type Mic struct {
	mic        *microphone.Microphone
	sampleRate int
}

// OpenMic acquires the default input device, trying each candidate sample
// rate in order. Exactly one Mic may be active at a time per controller.
func OpenMic(rates []int) (*Mic, error) {
	micInit.Do(microphone.Initialize)

	if len(rates) == 0 {
		rates = []int{16000, 48000, 44100, 32000, 24000}
	}

	var lastErr error
	for _, rate := range rates {
		mic, err := microphone.New(microphone.AudioConfig{
			InputChannels: 1,
			SamplingRate:  float32(rate),
		})
		if err != nil {
			lastErr = err
			continue
		}
		return &Mic{mic: mic, sampleRate: rate}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate sample rates")
	}
	return nil, &AcquireError{Reason: classifyAcquireError(lastErr), Err: lastErr}
}

func (m *Mic) Start() error {
	if err := m.mic.Start(); err != nil {
		return &AcquireError{Reason: classifyAcquireError(err), Err: err}
	}
	return nil
}

func (m *Mic) Stop() error { return m.mic.Stop() }

func (m *Mic) Mute()   { m.mic.Mute() }
func (m *Mic) Unmute() { m.mic.Unmute() }

// Stream copies PCM16-LE from the device into w until an error or stop.
func (m *Mic) Stream(w io.Writer) error { return m.mic.Stream(w) }

// SampleRate returns the rate the device actually opened at.
func (m *Mic) SampleRate() int { return m.sampleRate }
