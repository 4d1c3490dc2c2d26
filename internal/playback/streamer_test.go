package playback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSink records play order at Play entry and can be scripted to fail per
// fragment, either permanently or for the first n attempts. A non-nil hold
// channel blocks Play until it is closed, keeping a fragment "playing".
type fakeSink struct {
	mu      sync.Mutex
	played  []string
	fail    map[string]error
	failN   map[string]int
	failErr map[string]error
	playDur time.Duration
	hold    chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		fail:    map[string]error{},
		failN:   map[string]int{},
		failErr: map[string]error{},
	}
}

func (s *fakeSink) failTimes(key string, n int, err error) {
	s.mu.Lock()
	s.failN[key] = n
	s.failErr[key] = err
	s.mu.Unlock()
}

func (s *fakeSink) Play(data []byte) error {
	key := string(data)
	s.mu.Lock()
	s.played = append(s.played, key)
	var err error
	if n := s.failN[key]; n > 0 {
		s.failN[key] = n - 1
		err = s.failErr[key]
	} else if e, ok := s.fail[key]; ok {
		err = e
	}
	hold := s.hold
	s.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if s.playDur > 0 {
		time.Sleep(s.playDur)
	}
	return err
}

func (s *fakeSink) Stop() {}

func (s *fakeSink) playedOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlaysFragmentsInOrderDespiteError(t *testing.T) {
	sink := newFakeSink()
	sink.fail["B"] = errors.New("corrupt fragment")

	var starts, ends atomic.Int32
	ended := make(chan struct{}, 1)
	s := NewStreamer(sink, Config{
		ErrorBackoff: time.Millisecond,
		OnStart:      func() { starts.Add(1) },
		OnEnd: func() {
			ends.Add(1)
			select {
			case ended <- struct{}{}:
			default:
			}
		},
		Logf: func(string, ...any) {},
	})
	defer s.Close()

	for _, name := range []string{"A", "B", "C"} {
		if err := s.Enqueue(Fragment{Data: []byte(name)}); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnEnd to fire")
	}

	order := sink.playedOrder()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Fatalf("play order = %v, want [A B C]", order)
	}
	if starts.Load() != 1 {
		t.Fatalf("OnStart fired %d times, want exactly 1", starts.Load())
	}
	if ends.Load() != 1 {
		t.Fatalf("OnEnd fired %d times, want exactly 1", ends.Load())
	}
}

func TestBoundedQueueEvictsOldestQueued(t *testing.T) {
	sink := newFakeSink()
	sink.hold = make(chan struct{})

	var released []string
	var mu sync.Mutex
	release := func(name string) func() {
		return func() {
			mu.Lock()
			released = append(released, name)
			mu.Unlock()
		}
	}

	var warnings atomic.Int32
	s := NewStreamer(sink, Config{
		MaxDepth: 2,
		Logf:     func(string, ...any) { warnings.Add(1) },
	})
	defer s.Close()

	// First fragment blocks inside the sink; the next three overflow a
	// queue of depth 2, evicting the oldest queued entry.
	s.Enqueue(Fragment{Data: []byte("playing"), Release: release("playing")})
	waitFor(t, func() bool { return len(sink.playedOrder()) == 1 }, "first fragment never started")

	s.Enqueue(Fragment{Data: []byte("q1"), Release: release("q1")})
	s.Enqueue(Fragment{Data: []byte("q2"), Release: release("q2")})
	s.Enqueue(Fragment{Data: []byte("q3"), Release: release("q3")})

	mu.Lock()
	evicted := append([]string(nil), released...)
	mu.Unlock()

	for _, name := range evicted {
		if name == "playing" {
			t.Fatal("currently-playing fragment was evicted")
		}
	}
	if len(evicted) != 1 || evicted[0] != "q1" {
		t.Fatalf("evicted %v, want [q1]", evicted)
	}
	if warnings.Load() == 0 {
		t.Fatal("eviction should log a warning")
	}

	close(sink.hold)
	waitFor(t, func() bool { return !s.Active() }, "queue never drained after release")

	order := sink.playedOrder()
	if len(order) != 3 || order[1] != "q2" || order[2] != "q3" {
		t.Fatalf("play order = %v, want [playing q2 q3]", order)
	}
}

func TestMinDepthBuffersBeforeStarting(t *testing.T) {
	sink := newFakeSink()
	var starts atomic.Int32
	s := NewStreamer(sink, Config{
		MinDepth: 2,
		OnStart:  func() { starts.Add(1) },
	})
	defer s.Close()

	s.Enqueue(Fragment{Data: []byte("A")})
	time.Sleep(30 * time.Millisecond)
	if starts.Load() != 0 {
		t.Fatal("run started below the minimum buffer depth")
	}

	s.Enqueue(Fragment{Data: []byte("B")})
	waitFor(t, func() bool { return starts.Load() == 1 }, "run never started after reaching min depth")
}

func TestStopClearsQueueAndReleases(t *testing.T) {
	sink := newFakeSink()
	sink.playDur = 50 * time.Millisecond

	var released atomic.Int32
	s := NewStreamer(sink, Config{})
	defer s.Close()

	for i := 0; i < 3; i++ {
		s.Enqueue(Fragment{
			Data:    []byte(fmt.Sprintf("f%d", i)),
			Release: func() { released.Add(1) },
		})
	}
	waitFor(t, func() bool { return len(sink.playedOrder()) >= 1 }, "playback never started")

	s.Stop()
	waitFor(t, func() bool { return !s.Active() }, "streamer still active after Stop")
	waitFor(t, func() bool { return released.Load() == 3 }, "not all fragments released after Stop")
}

func TestOnStartFiresPerRunNotPerFragment(t *testing.T) {
	sink := newFakeSink()
	sink.playDur = 30 * time.Millisecond
	var starts, ends atomic.Int32
	ended := make(chan struct{}, 4)
	s := NewStreamer(sink, Config{
		OnStart: func() { starts.Add(1) },
		OnEnd: func() {
			ends.Add(1)
			ended <- struct{}{}
		},
	})
	defer s.Close()

	// First run: two fragments.
	s.Enqueue(Fragment{Data: []byte("A")})
	s.Enqueue(Fragment{Data: []byte("B")})
	<-ended

	// Second run after the queue drained.
	s.Enqueue(Fragment{Data: []byte("C")})
	<-ended

	if starts.Load() != 2 {
		t.Fatalf("OnStart fired %d times, want 2 (one per run)", starts.Load())
	}
	if ends.Load() != 2 {
		t.Fatalf("OnEnd fired %d times, want 2", ends.Load())
	}
}

func TestLockedSinkHoldsFragmentUntilUnlock(t *testing.T) {
	sink := newFakeSink()
	sink.fail["A"] = fmt.Errorf("%w: device not ready", ErrOutputLocked)

	var ends atomic.Int32
	ended := make(chan struct{}, 1)
	s := NewStreamer(sink, Config{
		LockRetry: time.Minute, // only the explicit Unlock should retry here
		OnEnd: func() {
			ends.Add(1)
			select {
			case ended <- struct{}{}:
			default:
			}
		},
		Logf: func(string, ...any) {},
	})
	defer s.Close()

	s.Enqueue(Fragment{Data: []byte("A")})
	waitFor(t, func() bool { return len(sink.playedOrder()) == 1 }, "first attempt never happened")

	// Still holding the fragment; nothing ends.
	time.Sleep(30 * time.Millisecond)
	if ends.Load() != 0 {
		t.Fatal("OnEnd fired while output locked")
	}

	// Unlock and let the retry succeed.
	sink.mu.Lock()
	delete(sink.fail, "A")
	sink.mu.Unlock()
	s.Unlock()

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("fragment never replayed after unlock")
	}

	order := sink.playedOrder()
	if len(order) != 2 || order[0] != "A" || order[1] != "A" {
		t.Fatalf("play attempts = %v, want [A A]", order)
	}
}

func TestLockedOutputRetriesWithoutExplicitUnlock(t *testing.T) {
	sink := newFakeSink()
	sink.failTimes("A", 1, fmt.Errorf("%w: player not running", ErrOutputLocked))

	ended := make(chan struct{}, 1)
	s := NewStreamer(sink, Config{
		LockRetry: 5 * time.Millisecond,
		OnEnd: func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
		Logf: func(string, ...any) {},
	})
	defer s.Close()

	s.Enqueue(Fragment{Data: []byte("A")})

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("held fragment never retried on its own")
	}

	order := sink.playedOrder()
	if len(order) != 2 || order[0] != "A" || order[1] != "A" {
		t.Fatalf("play attempts = %v, want [A A]", order)
	}
}

func TestPermanentlyLockedOutputSkipsFragment(t *testing.T) {
	sink := newFakeSink()
	sink.fail["A"] = fmt.Errorf("%w: player not running", ErrOutputLocked)

	var released atomic.Int32
	ended := make(chan struct{}, 1)
	s := NewStreamer(sink, Config{
		LockRetry:      5 * time.Millisecond,
		MaxLockRetries: 3,
		ErrorBackoff:   time.Millisecond,
		OnEnd: func() {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
		Logf: func(string, ...any) {},
	})
	defer s.Close()

	s.Enqueue(Fragment{Data: []byte("A"), Release: func() { released.Add(1) }})
	s.Enqueue(Fragment{Data: []byte("B")})

	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("run never ended with a dead sink")
	}

	order := sink.playedOrder()
	if len(order) != 4 || order[0] != "A" || order[1] != "A" || order[2] != "A" || order[3] != "B" {
		t.Fatalf("play attempts = %v, want [A A A B]", order)
	}
	if released.Load() != 1 {
		t.Fatalf("dropped fragment released %d times, want 1", released.Load())
	}
	if s.Active() {
		t.Fatal("streamer still active after the run drained")
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	s := NewStreamer(newFakeSink(), Config{})
	s.Close()

	if err := s.Enqueue(Fragment{Data: []byte("A")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
