package audio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/playback"
)

// FFPlaySink plays PCM16-LE mono audio by piping it to an ffplay child
// process. Writes are paced in small ticks so Play returns roughly when the
// fragment has finished sounding, which is the signal the playback streamer
// sequences on.
type FFPlaySink struct {
	path       string
	sampleRate int
	volume     int
	tick       time.Duration

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewFFPlaySink(path string, sampleRate, volume int) *FFPlaySink {
	if path == "" {
		path = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if volume <= 0 {
		volume = 80
	}
	return &FFPlaySink{
		path:       path,
		sampleRate: sampleRate,
		volume:     volume,
		tick:       20 * time.Millisecond,
	}
}

// Play writes one fragment to the speaker, blocking until it has been fed at
// realtime pace. Returns ErrOutputLocked if the child process cannot be
// started, so the caller can hold the fragment and retry after Unlock.
func (s *FFPlaySink) Play(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := s.ensureRunning(); err != nil {
		return fmt.Errorf("%w: %v", playback.ErrOutputLocked, err)
	}

	bytesPerSecond := s.sampleRate * 2
	bytesPerTick := bytesPerSecond * int(s.tick) / int(time.Second)
	if bytesPerTick <= 0 {
		bytesPerTick = 960
	}

	for off := 0; off < len(data); off += bytesPerTick {
		end := off + bytesPerTick
		if end > len(data) {
			end = len(data)
		}
		if err := s.write(data[off:end]); err != nil {
			return err
		}
		time.Sleep(s.tick)
	}
	return nil
}

// Stop cuts the current sound immediately by restarting the child process.
func (s *FFPlaySink) Stop() {
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

// Unlock retries starting the output after an external condition cleared
// (device freed, user gesture on platforms that need one).
func (s *FFPlaySink) Unlock() error { return s.ensureRunning() }

// Close tears the sink down for good.
func (s *FFPlaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFPlaySink) ensureRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return nil
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-volume", fmt.Sprintf("%d", s.volume),
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprintf("%d", s.sampleRate),
		"-i", "-",
	}
	cmd := exec.Command(s.path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return err
	}

	s.cmd = cmd
	s.stdin = stdin
	go func(c *exec.Cmd) {
		_ = c.Wait()
		s.mu.Lock()
		if s.cmd == c {
			s.cmd = nil
			s.stdin = nil
		}
		s.mu.Unlock()
	}(cmd)
	return nil
}

func (s *FFPlaySink) write(p []byte) error {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("%w: player not running", playback.ErrOutputLocked)
	}
	_, err := stdin.Write(p)
	return err
}

func (s *FFPlaySink) closeLocked() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
	s.stdin = nil
}
