package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

const defaultTextReadSize = 1024

// TCPDialer connects to a raw byte-stream transcription backend
type TCPDialer struct {
	Addr     string
	Timeout  time.Duration
	ReadSize int // bytes per backend read, defaults to 1024
}

// Dial connects to the backend. Any dial failure, including a refused
// connection, is reported as ErrBackendUnavailable.
func (d *TCPDialer) Dial(ctx context.Context) (Link, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, d.Addr, err)
	}
	return NewTCPLink(conn, d.ReadSize), nil
}

// Probe opens and immediately closes a connection to the backend
func (d *TCPDialer) Probe(ctx context.Context) error {
	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, d.Addr, err)
	}
	return conn.Close()
}

// TCPLink is a Link over a stream connection. Text is decoded as UTF-8 with
// invalid bytes replaced; a rune split across two reads is held back until
// the rest of it arrives.
type TCPLink struct {
	conn    net.Conn
	buf     []byte
	carry   []byte
	decoder *encoding.Decoder

	mu          sync.Mutex
	writeClosed bool
	closed      atomic.Bool
	closeOnce   sync.Once
	closeErr    error
}

// NewTCPLink wraps an established connection
func NewTCPLink(conn net.Conn, readSize int) *TCPLink {
	if readSize <= 0 {
		readSize = defaultTextReadSize
	}
	return &TCPLink{
		conn:    conn,
		buf:     make([]byte, readSize),
		decoder: unicode.UTF8.NewDecoder(),
	}
}

// Send writes PCM to the backend
func (l *TCPLink) Send(pcm []byte) error {
	l.mu.Lock()
	closed := l.writeClosed
	l.mu.Unlock()
	if closed || l.closed.Load() {
		return fmt.Errorf("%w: write side closed", ErrWrite)
	}

	if _, err := l.conn.Write(pcm); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Receive returns the next decoded text chunk. Chunk boundaries follow read
// boundaries; no framing is assumed.
func (l *TCPLink) Receive() (string, error) {
	for {
		n, err := l.conn.Read(l.buf)
		if n > 0 {
			if text := l.decode(l.buf[:n]); text != "" {
				return text, nil
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) || l.closed.Load() || errors.Is(err, net.ErrClosed) {
			if rest := l.flush(); rest != "" {
				return rest, nil
			}
			return "", io.EOF
		}
		return "", fmt.Errorf("backend: read: %w", err)
	}
}

// decode returns the text for carry+p, keeping back an incomplete trailing rune.
func (l *TCPLink) decode(p []byte) string {
	data := append(l.carry, p...)
	cut := incompleteSuffix(data)
	l.carry = append(l.carry[:0:0], data[cut:]...)
	return l.toValid(data[:cut])
}

func (l *TCPLink) flush() string {
	if len(l.carry) == 0 {
		return ""
	}
	text := l.toValid(l.carry)
	l.carry = nil
	return text
}

func (l *TCPLink) toValid(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out, err := l.decoder.Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), string(utf8.RuneError))
	}
	return string(out)
}

// incompleteSuffix returns the index where a truncated final rune starts, or
// len(b) if b does not end mid-rune.
func incompleteSuffix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

// CloseWrite half-closes the connection so the backend sees end of audio
func (l *TCPLink) CloseWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeClosed {
		return nil
	}
	l.writeClosed = true

	if cw, ok := l.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the connection, unblocking any pending Send or Receive
func (l *TCPLink) Close() error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
