package transcript

import (
	"sync"
	"time"
)

// DefaultFreshnessWindow is how long an incoming fragment is still
// considered part of the same in-progress utterance.
const DefaultFreshnessWindow = 5 * time.Second

// Buffer accumulates merged transcript text for one speaker. Fragments are
// appended only within the freshness window of the last update; a fragment
// arriving later starts a new buffer, so stale pieces of a previous turn are
// never concatenated onto a new one.
type Buffer struct {
	window    time.Duration
	now       func() time.Time
	text      string
	updatedAt time.Time
}

func NewBuffer(window time.Duration) *Buffer {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Buffer{window: window, now: time.Now}
}

// Append merges fragment into the buffer and returns the accumulated text.
func (b *Buffer) Append(fragment string) string {
	now := b.now()
	if b.text != "" && now.Sub(b.updatedAt) > b.window {
		b.text = ""
	}
	b.text = Merge(b.text, fragment)
	b.updatedAt = now
	return b.text
}

// Text returns the accumulated text without touching the freshness clock.
func (b *Buffer) Text() string { return b.text }

// Reset clears the buffer unconditionally.
func (b *Buffer) Reset() {
	b.text = ""
	b.updatedAt = time.Time{}
}

// Set holds one Buffer per speaker tag.
type Set struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buffers map[string]*Buffer
}

func NewSet(window time.Duration) *Set {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Set{window: window, now: time.Now, buffers: make(map[string]*Buffer)}
}

// Append merges fragment into the named speaker's buffer and returns the
// accumulated text for that speaker.
func (s *Set) Append(speaker, fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[speaker]
	if !ok {
		b = NewBuffer(s.window)
		b.now = s.now
		s.buffers[speaker] = b
	}
	return b.Append(fragment)
}

// Text returns the current accumulated text for a speaker.
func (s *Set) Text(speaker string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buffers[speaker]; ok {
		return b.Text()
	}
	return ""
}

// Reset clears all speaker buffers.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[string]*Buffer)
}

// ResetSpeaker clears one speaker's buffer, leaving the others intact.
func (s *Set) ResetSpeaker(speaker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buffers[speaker]; ok {
		b.Reset()
	}
}
