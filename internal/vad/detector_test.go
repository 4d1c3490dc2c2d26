package vad

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		ActivationThreshold:  22,
		MaintenanceThreshold: 5,
		SilenceDebounce:      500 * time.Millisecond,
		SilenceDuration:      1500 * time.Millisecond,
		FallbackCeiling:      15 * time.Second,
	}
}

// feed pushes one sample every 100ms of simulated time and returns all
// non-None decisions.
func feed(d *Detector, start time.Time, levels []int) []Decision {
	var out []Decision
	now := start
	for _, level := range levels {
		now = now.Add(100 * time.Millisecond)
		if dec := d.Sample(level, now); dec != DecisionNone {
			out = append(out, dec)
		}
	}
	return out
}

func silence(n int) []int {
	return make([]int, n)
}

func voice(n, level int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = level
	}
	return out
}

func TestVoiceThenSilenceYieldsExactlyOneStop(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	// 30 samples of voice, then plenty of silence: debounce (500ms) plus
	// silence duration (1500ms) is 20 samples; give 40 and make sure the
	// stop fires once and only once.
	levels := append(voice(30, 40), silence(40)...)
	decisions := feed(d, start, levels)

	var stops int
	for _, dec := range decisions {
		if dec == DecisionStop {
			stops++
		}
	}
	if stops != 1 {
		t.Fatalf("got %d stop decisions, want exactly 1", stops)
	}
	if !d.Stopped() {
		t.Fatal("detector should be stopped after the stop decision")
	}
}

func TestVoiceStartFiresOnFirstSpeechSample(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	decisions := feed(d, start, append(silence(5), voice(3, 40)...))
	if len(decisions) != 1 || decisions[0] != DecisionVoiceStart {
		t.Fatalf("decisions = %v, want exactly one DecisionVoiceStart", decisions)
	}
}

func TestMaintenanceThresholdSurvivesMidWordDip(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	// Sustained vowel: loud start, then levels between the maintenance and
	// activation thresholds. Still speaking, so no silence clock starts.
	levels := append(voice(3, 40), voice(10, 10)...)
	feed(d, start, levels)

	if !d.Speaking() {
		t.Fatal("dip above maintenance threshold should still count as speech")
	}
	if d.silenceStart != (time.Time{}) {
		t.Fatal("silence clock should not run while speaking")
	}
}

func TestActivationThresholdIgnoresQuietNoise(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	// Level 10 clears maintenance but not activation; without prior voice
	// it must not register as speech.
	feed(d, start, voice(10, 10))

	if d.HasVoice() {
		t.Fatal("sub-activation noise must not register as voice")
	}
}

func TestFallbackStopWhenNoVoiceEverDetected(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	// 15s ceiling at 100ms per sample = 150 samples; feed 160 of silence.
	decisions := feed(d, start, silence(160))

	if len(decisions) != 1 || decisions[0] != DecisionFallbackStop {
		t.Fatalf("decisions = %v, want exactly one DecisionFallbackStop", decisions)
	}
	if d.HasVoice() {
		t.Fatal("fallback capture must report no detected voice")
	}
}

func TestSilenceDebounceDelaysSilenceClock(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	now := start
	for _, level := range voice(5, 40) {
		now = now.Add(100 * time.Millisecond)
		d.Sample(level, now)
	}

	// First few silent samples fall inside the debounce interval.
	for i := 0; i < 4; i++ {
		now = now.Add(100 * time.Millisecond)
		d.Sample(0, now)
	}
	if !d.silenceStart.IsZero() {
		t.Fatal("silence clock started inside the debounce interval")
	}

	now = now.Add(200 * time.Millisecond)
	d.Sample(0, now)
	if d.silenceStart.IsZero() {
		t.Fatal("silence clock should start once the debounce interval has passed")
	}
}

func TestSuspendBlocksStopDecisions(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	now := start
	for _, level := range voice(5, 40) {
		now = now.Add(100 * time.Millisecond)
		d.Sample(level, now)
	}

	d.Suspend(now)

	// Minutes of silence while suspended: no decision may fire.
	for i := 0; i < 100; i++ {
		now = now.Add(100 * time.Millisecond)
		if dec := d.Sample(0, now); dec != DecisionNone {
			t.Fatalf("decision %v fired while suspended", dec)
		}
	}

	// After resuming, the silence clock starts over instead of counting
	// the suspended span.
	d.Resume(now)
	now = now.Add(100 * time.Millisecond)
	if dec := d.Sample(0, now); dec != DecisionNone {
		t.Fatalf("stop fired immediately after resume: %v", dec)
	}
}

func TestSamplesAfterStopAreIgnored(t *testing.T) {
	d := New(testConfig())
	start := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	d.Begin(start)

	levels := append(voice(10, 40), silence(40)...)
	feed(d, start, levels)
	if !d.Stopped() {
		t.Fatal("expected detector to stop")
	}

	if dec := d.Sample(40, start.Add(time.Minute)); dec != DecisionNone {
		t.Fatalf("stopped detector returned %v", dec)
	}
}
