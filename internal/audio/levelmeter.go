package audio

import (
	"math"
	"time"
)

// LevelMeter folds a PCM16-LE stream into periodic 0-255 loudness levels,
// one per analysis window of audio (not wall) time, so detection is
// deterministic under test. It implements io.Writer and can sit in an
// io.MultiWriter next to the capture buffer.
type LevelMeter struct {
	windowSamples int
	onLevel       func(level int)

	sumSquares float64
	count      int
	oddByte    byte
	haveOdd    bool
}

// NewLevelMeter builds a meter emitting one level per window of audio at the
// given sample rate. A 100ms window at 16kHz is 1600 samples.
func NewLevelMeter(sampleRate int, window time.Duration, onLevel func(level int)) *LevelMeter {
	samples := int(float64(sampleRate) * window.Seconds())
	if samples <= 0 {
		samples = 1
	}
	return &LevelMeter{windowSamples: samples, onLevel: onLevel}
}

// Write consumes PCM16-LE bytes. It never fails; a short or odd-length write
// carries the dangling byte into the next call.
func (m *LevelMeter) Write(p []byte) (int, error) {
	n := len(p)

	if m.haveOdd && len(p) > 0 {
		m.addSample(int16(uint16(m.oddByte) | uint16(p[0])<<8))
		m.haveOdd = false
		p = p[1:]
	}

	for len(p) >= 2 {
		m.addSample(int16(uint16(p[0]) | uint16(p[1])<<8))
		p = p[2:]
	}

	if len(p) == 1 {
		m.oddByte = p[0]
		m.haveOdd = true
	}

	return n, nil
}

func (m *LevelMeter) addSample(s int16) {
	v := float64(s)
	m.sumSquares += v * v
	m.count++

	if m.count >= m.windowSamples {
		rms := math.Sqrt(m.sumSquares / float64(m.count))
		m.sumSquares = 0
		m.count = 0

		level := int(rms * 255 / 32768)
		if level > 255 {
			level = 255
		}
		if m.onLevel != nil {
			m.onLevel(level)
		}
	}
}
