// Package playback sequences streamed reply audio: fragments arrive from
// the network in order and must play back to back with no audible gap or
// overlap, surviving the occasional corrupt fragment.
package playback

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrOutputLocked marks a sink failure caused by the output device not yet
// being available for autonomous playback. The streamer holds the fragment
// and retries after Unlock instead of dropping it.
var ErrOutputLocked = errors.New("audio output locked")

// ErrClosed is returned by Enqueue after the streamer has been closed.
var ErrClosed = errors.New("playback streamer closed")

// Sink plays one prepared fragment, blocking until it has finished sounding
// or failed. Stop aborts an in-flight Play.
type Sink interface {
	Play(data []byte) error
	Stop()
}

// Fragment is one decoded, ready-to-play span of reply audio.
type Fragment struct {
	Data   []byte
	Format string
	// Release frees the fragment's resource handle, if it has one. Called
	// exactly once, after playback or on eviction.
	Release func()
}

func (f Fragment) release() {
	if f.Release != nil {
		f.Release()
	}
}

// Config bounds the queue and tunes recovery.
type Config struct {
	// MinDepth is the buffer depth required before a playback run starts.
	// 1 means play as soon as possible.
	MinDepth int
	// MaxDepth bounds the queue; beyond it the oldest queued (never the
	// playing) fragment is evicted with a warning.
	MaxDepth int
	// ErrorBackoff is the pause after a fragment fails before advancing.
	ErrorBackoff time.Duration
	// LockRetry is how long a locked-output hold lasts before the streamer
	// retries on its own. Unlock retries sooner.
	LockRetry time.Duration
	// MaxLockRetries bounds attempts for one held fragment; past it the
	// fragment is dropped like any errored fragment, so a sink that never
	// comes up cannot stall the run forever.
	MaxLockRetries int

	// OnStart fires exactly once per continuous run, on the idle-to-playing
	// transition. OnEnd fires when the queue drains with nothing playing.
	// These are the orchestrator's capture re-arm signals.
	OnStart func()
	OnEnd   func()

	Logf func(format string, args ...any)
}

func (c Config) withDefaults() Config {
	if c.MinDepth <= 0 {
		c.MinDepth = 1
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 32
	}
	if c.MaxDepth < c.MinDepth {
		c.MaxDepth = c.MinDepth
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 100 * time.Millisecond
	}
	if c.LockRetry <= 0 {
		c.LockRetry = 2 * time.Second
	}
	if c.MaxLockRetries <= 0 {
		c.MaxLockRetries = 3
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Streamer owns the FIFO playback queue and the single playback goroutine.
// Exactly one fragment is with the sink at a time.
type Streamer struct {
	sink Sink
	cfg  Config

	mu           sync.Mutex
	cond         *sync.Cond
	queue        []Fragment
	playing      bool
	running      bool
	locked       bool
	closed       bool
	stopSeq      int
	lockAttempts int
}

func NewStreamer(sink Sink, cfg Config) *Streamer {
	s := &Streamer{sink: sink, cfg: cfg.withDefaults()}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Enqueue appends one fragment. When the queue is full the oldest queued
// fragment is dropped and released; sequential speech is better served by
// losing the stalest audio than by unbounded growth.
func (s *Streamer) Enqueue(f Fragment) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		f.release()
		return ErrClosed
	}

	var evicted *Fragment
	if len(s.queue) >= s.cfg.MaxDepth {
		old := s.queue[0]
		s.queue = s.queue[1:]
		evicted = &old
	}
	s.queue = append(s.queue, f)
	s.cond.Broadcast()
	s.mu.Unlock()

	if evicted != nil {
		s.cfg.Logf("warning: playback queue full, dropping oldest queued fragment")
		evicted.release()
	}
	return nil
}

// Stop halts playback immediately and clears the queue, releasing every
// entry. It does not fire OnEnd: a forced halt is not a drained queue.
func (s *Streamer) Stop() {
	s.mu.Lock()
	dropped := s.queue
	s.queue = nil
	s.stopSeq++
	s.running = false
	s.locked = false
	s.lockAttempts = 0
	s.cond.Broadcast()
	s.mu.Unlock()

	s.sink.Stop()
	for _, f := range dropped {
		f.release()
	}
}

// Unlock retries playback after the output device has been unlocked by an
// external condition (user gesture, device freed).
func (s *Streamer) Unlock() {
	s.mu.Lock()
	s.locked = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Active reports whether anything is playing or queued. The capture side
// uses this for feedback prevention.
func (s *Streamer) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing || s.running || len(s.queue) > 0
}

// Close tears the streamer down and releases all queued fragments.
func (s *Streamer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := s.queue
	s.queue = nil
	s.stopSeq++
	s.cond.Broadcast()
	s.mu.Unlock()

	s.sink.Stop()
	for _, f := range dropped {
		f.release()
	}
}

func (s *Streamer) loop() {
	for {
		s.mu.Lock()
		for !s.closed && !s.ready() {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}

		frag := s.queue[0]
		s.queue = s.queue[1:]
		startedRun := !s.running
		s.running = true
		s.playing = true
		seq := s.stopSeq
		s.mu.Unlock()

		if startedRun && s.cfg.OnStart != nil {
			s.cfg.OnStart()
		}

		err := s.sink.Play(frag.Data)

		s.mu.Lock()
		s.playing = false
		aborted := seq != s.stopSeq || s.closed

		if err != nil && !aborted && errors.Is(err, ErrOutputLocked) && s.lockAttempts+1 < s.cfg.MaxLockRetries {
			// Hold the fragment at the head. Unlock retries immediately;
			// otherwise the lock-retry timer does, so a sink that never
			// signals cannot hold the run hostage.
			s.lockAttempts++
			s.queue = append([]Fragment{frag}, s.queue...)
			s.locked = true
			s.mu.Unlock()
			time.AfterFunc(s.cfg.LockRetry, s.Unlock)
			continue
		}
		s.lockAttempts = 0

		drained := s.running && len(s.queue) == 0 && !aborted
		if drained {
			s.running = false
		}
		s.mu.Unlock()

		frag.release()

		if err != nil && !aborted {
			s.cfg.Logf("warning: playback fragment failed, skipping: %v", err)
			time.Sleep(s.cfg.ErrorBackoff)
		}
		if drained && s.cfg.OnEnd != nil {
			s.cfg.OnEnd()
		}
	}
}

// ready reports, with the lock held, whether the next fragment may play.
func (s *Streamer) ready() bool {
	if s.locked || len(s.queue) == 0 {
		return false
	}
	if s.running {
		return true
	}
	return len(s.queue) >= s.cfg.MinDepth
}
