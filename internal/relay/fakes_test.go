package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/transcript-relay/internal/backend"
	"github.com/lexiqai/transcript-relay/internal/transcoder"
)

var errConnClosed = errors.New("fake: use of closed connection")

// fakeConn is a client connection fed from a channel. Closing frames is a
// clean disconnect.
type fakeConn struct {
	frames chan []byte

	mu      sync.Mutex
	sent    []string
	sendErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return errConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// fakeTranscoder collects its input and, once input is closed, emits the
// chunks produced by convert. A nil convert echoes the input.
type fakeTranscoder struct {
	startErr error
	convert  func(input []byte) [][]byte
	hold     chan struct{} // if set, output waits until it is closed

	mu          sync.Mutex
	input       bytes.Buffer
	inputClosed bool
	readErr     error
	pending     []byte
	started     bool

	out        chan []byte
	eof        chan struct{}
	eofOnce    sync.Once
	closeOnce  sync.Once
	terminated chan struct{}
	termOnce   sync.Once
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{
		out:        make(chan []byte),
		eof:        make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

func (f *fakeTranscoder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeTranscoder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputClosed || f.readErr != nil || f.isTerminated() {
		return 0, transcoder.ErrWrite
	}
	return f.input.Write(p)
}

func (f *fakeTranscoder) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	select {
	case chunk := <-f.out:
		return f.deliver(p, chunk), nil
	case <-f.eof:
		select {
		case chunk := <-f.out:
			return f.deliver(p, chunk), nil
		default:
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, io.EOF
	case <-f.terminated:
		return 0, io.EOF
	}
}

func (f *fakeTranscoder) deliver(p, chunk []byte) int {
	n := copy(p, chunk)
	if n < len(chunk) {
		f.mu.Lock()
		f.pending = append(f.pending, chunk[n:]...)
		f.mu.Unlock()
	}
	return n
}

func (f *fakeTranscoder) CloseInput() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.inputClosed = true
		input := append([]byte(nil), f.input.Bytes()...)
		f.mu.Unlock()

		chunks := [][]byte{input}
		if f.convert != nil {
			chunks = f.convert(input)
		}
		go f.produce(chunks)
	})
	return nil
}

func (f *fakeTranscoder) produce(chunks [][]byte) {
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-f.terminated:
			return
		}
	}
	for _, c := range chunks {
		if len(c) == 0 {
			continue
		}
		select {
		case f.out <- c:
		case <-f.terminated:
			return
		}
	}
	f.eofOnce.Do(func() { close(f.eof) })
}

// crash makes the process die while input is still open
func (f *fakeTranscoder) crash(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
	f.eofOnce.Do(func() { close(f.eof) })
}

func (f *fakeTranscoder) Terminate() error {
	f.termOnce.Do(func() { close(f.terminated) })
	return nil
}

func (f *fakeTranscoder) isTerminated() bool {
	select {
	case <-f.terminated:
		return true
	default:
		return false
	}
}

func (f *fakeTranscoder) received() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.input.Bytes()...)
}

// fakeLink records PCM and replies with its canned texts once the write
// side is closed, then reports EOF.
type fakeLink struct {
	replies []string
	sendErr error

	mu          sync.Mutex
	sent        bytes.Buffer
	writeClosed bool
	recvErr     error

	texts   chan string
	done    chan struct{}
	endOnce sync.Once
	closed  chan struct{}
	clOnce  sync.Once
}

func newFakeLink(replies ...string) *fakeLink {
	return &fakeLink{
		replies: replies,
		texts:   make(chan string, 64),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (l *fakeLink) Send(pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeClosed || l.isClosed() {
		return backend.ErrWrite
	}
	if l.sendErr != nil {
		return l.sendErr
	}
	l.sent.Write(pcm)
	return nil
}

func (l *fakeLink) Receive() (string, error) {
	select {
	case text := <-l.texts:
		return text, nil
	case <-l.done:
		select {
		case text := <-l.texts:
			return text, nil
		default:
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.recvErr != nil {
			return "", l.recvErr
		}
		return "", io.EOF
	}
}

// emit pushes a chunk as if the backend had produced it mid-stream
func (l *fakeLink) emit(text string) {
	l.texts <- text
}

func (l *fakeLink) CloseWrite() error {
	l.mu.Lock()
	if l.writeClosed {
		l.mu.Unlock()
		return nil
	}
	l.writeClosed = true
	l.mu.Unlock()

	for _, r := range l.replies {
		l.texts <- r
	}
	l.end()
	return nil
}

func (l *fakeLink) Close() error {
	l.clOnce.Do(func() { close(l.closed) })
	l.end()
	return nil
}

func (l *fakeLink) end() {
	l.endOnce.Do(func() { close(l.done) })
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) received() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.sent.Bytes()...)
}

type dialerFunc func(ctx context.Context) (backend.Link, error)

func (f dialerFunc) Dial(ctx context.Context) (backend.Link, error) {
	return f(ctx)
}

func linkDialer(link backend.Link) backend.Dialer {
	return dialerFunc(func(ctx context.Context) (backend.Link, error) {
		return link, nil
	})
}

func transcoderFactory(tc *fakeTranscoder) TranscoderFactory {
	return func() Transcoder { return tc }
}

// recorder is a registry member that only observes broadcasts
type recorder struct {
	id     string
	mu     sync.Mutex
	got    []string
	err    error
	onSend func()
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(text string) error {
	if r.onSend != nil {
		r.onSend()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.got = append(r.got, text)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// runSession starts s.Run and returns a channel with its result
func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Session did not finish")
		return nil
	}
}
