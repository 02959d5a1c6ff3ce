// Package transcoder runs the external audio converter for a session: raw
// client audio goes in on stdin, mono 16 kHz s16le PCM comes out on stdout.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrProcessSpawn means the executable could not be launched.
	ErrProcessSpawn = errors.New("transcoder: process spawn failed")
	// ErrWrite means input could not be delivered to the process.
	ErrWrite = errors.New("transcoder: write failed")
	// ErrUnexpectedExit means the process ended while input was still open.
	ErrUnexpectedExit = errors.New("transcoder: process exited unexpectedly")
)

const defaultStderrLimit = 4096

// DefaultArgs makes ffmpeg read any container from stdin and emit raw PCM.
func DefaultArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1",
		"pipe:1",
	}
}

// Config describes how to launch the transcoder
type Config struct {
	Path        string
	Args        []string // nil uses DefaultArgs
	Env         []string // appended to the parent environment
	StderrLimit int      // bytes of stderr kept for diagnostics
}

// Bridge owns one transcoder process. It is single-use.
type Bridge struct {
	cfg Config

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *tailBuffer

	mu          sync.Mutex
	started     bool
	inputClosed bool

	exited     chan struct{}
	exitErr    error
	terminated atomic.Bool
	termOnce   sync.Once
}

// New creates an unstarted bridge
func New(cfg Config) *Bridge {
	if cfg.Args == nil {
		cfg.Args = DefaultArgs()
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = defaultStderrLimit
	}
	return &Bridge{
		cfg:    cfg,
		stderr: newTailBuffer(cfg.StderrLimit),
		exited: make(chan struct{}),
	}
}

// Start spawns the process. The process is killed if ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("%w: already started", ErrProcessSpawn)
	}
	b.started = true

	cmd := exec.CommandContext(ctx, b.cfg.Path, b.cfg.Args...)
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}
	cmd.Stderr = b.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		close(b.exited)
		return fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}

	// exec's StdoutPipe would be closed by Wait, possibly before the last
	// PCM is read; an os.Pipe we own stays readable until drained.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		close(b.exited)
		return fmt.Errorf("%w: %v", ErrProcessSpawn, err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		close(b.exited)
		return fmt.Errorf("%w: %s: %v", ErrProcessSpawn, b.cfg.Path, err)
	}
	stdoutW.Close()

	b.cmd = cmd
	b.stdin = stdin
	b.stdout = stdoutR

	go func() {
		b.exitErr = cmd.Wait()
		close(b.exited)
	}()
	return nil
}

// Write forwards raw audio to the process. It blocks while the process is
// not consuming its input.
func (b *Bridge) Write(p []byte) (int, error) {
	b.mu.Lock()
	stdin, closed := b.stdin, b.inputClosed
	b.mu.Unlock()

	if stdin == nil || closed {
		return 0, fmt.Errorf("%w: input closed", ErrWrite)
	}
	n, err := stdin.Write(p)
	if err != nil {
		if b.hasExited() && !b.terminated.Load() {
			return n, fmt.Errorf("%w: %w", ErrWrite, b.exitError())
		}
		return n, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return n, nil
}

// Read returns the next chunk of PCM. At end of output it waits for the
// process to exit and reports io.EOF only for a clean exit after input was
// closed; anything else is surfaced as an error.
func (b *Bridge) Read(p []byte) (int, error) {
	if b.stdout == nil {
		return 0, io.EOF
	}
	n, err := b.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if b.terminated.Load() {
		return n, io.EOF
	}
	if !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("transcoder: read output: %w", err)
	}

	<-b.exited
	if exitErr := b.exitError(); exitErr != nil {
		return n, exitErr
	}
	return n, io.EOF
}

// CloseInput signals end of audio; the process may still flush output.
func (b *Bridge) CloseInput() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stdin == nil || b.inputClosed {
		return nil
	}
	b.inputClosed = true
	return b.stdin.Close()
}

// Terminate kills the process (if still running) and releases its pipes.
// It is safe to call repeatedly and after a natural exit.
func (b *Bridge) Terminate() error {
	var err error
	b.termOnce.Do(func() {
		b.mu.Lock()
		cmd := b.cmd
		b.mu.Unlock()
		if cmd == nil {
			return
		}

		b.terminated.Store(true)
		if !b.hasExited() {
			if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("transcoder: kill: %w", kerr)
			}
		}
		b.CloseInput()

		select {
		case <-b.exited:
		case <-time.After(5 * time.Second):
		}
		b.stdout.Close()
	})
	return err
}

// Done is closed once the process has exited
func (b *Bridge) Done() <-chan struct{} {
	return b.exited
}

// Pid returns the process ID, or 0 before Start
func (b *Bridge) Pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

// ExitCode returns the exit code once the process has exited, else -1
func (b *Bridge) ExitCode() int {
	if !b.hasExited() || b.cmd == nil || b.cmd.ProcessState == nil {
		return -1
	}
	return b.cmd.ProcessState.ExitCode()
}

// Stderr returns the tail of the process's diagnostic output
func (b *Bridge) Stderr() string {
	return b.stderr.String()
}

func (b *Bridge) hasExited() bool {
	select {
	case <-b.exited:
		return true
	default:
		return false
	}
}

// exitError classifies the exit; only valid after exited is closed.
func (b *Bridge) exitError() error {
	if b.terminated.Load() {
		return nil
	}
	if b.exitErr != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedExit, b.exitErr)
	}
	b.mu.Lock()
	inputClosed := b.inputClosed
	b.mu.Unlock()
	if !inputClosed {
		return fmt.Errorf("%w: output ended while input was open", ErrUnexpectedExit)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
