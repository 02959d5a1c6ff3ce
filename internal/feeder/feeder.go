// Package feeder streams recorded audio to a relay the way a capture client
// does: fixed-size binary frames at a steady pace, then a clean close.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-relay/internal/observability"
)

const (
	DefaultChunkSize = 4096
	closeWait        = 30 * time.Second
)

// Feeder sends audio from a reader and reports every transcript broadcast
// it receives while connected.
type Feeder struct {
	URL       string
	ChunkSize int
	Interval  time.Duration // pause between frames; 0 sends as fast as possible
	Dialer    *websocket.Dialer

	logger zerolog.Logger
}

// New creates a Feeder for url
func New(url string) *Feeder {
	return &Feeder{
		URL:       url,
		ChunkSize: DefaultChunkSize,
		Dialer:    websocket.DefaultDialer,
		logger:    observability.ForComponent("relay-feed"),
	}
}

// Run sends everything in src, closes the stream, and waits for the relay to
// finish the session. onText is called for each transcript in order.
func (f *Feeder) Run(ctx context.Context, src io.Reader, onText func(string)) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.URL, err)
	}
	defer conn.Close()

	readDone := make(chan error, 1)
	go func() {
		readDone <- f.readTranscripts(conn, onText)
	}()

	sent, err := f.send(ctx, conn, src)
	if err != nil {
		return err
	}
	f.logger.Info().Int64("bytes", sent).Msg("Audio sent, waiting for transcripts")

	// Closing only our half lets the relay drain and deliver the rest.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		return fmt.Errorf("send close: %w", err)
	}

	select {
	case err := <-readDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(closeWait):
		return errors.New("feeder: relay did not close the session")
	}
}

func (f *Feeder) send(ctx context.Context, conn *websocket.Conn, src io.Reader) (int64, error) {
	size := f.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	buf := make([]byte, size)
	var total int64

	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return total, fmt.Errorf("send audio: %w", werr)
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("read audio: %w", err)
		}

		if f.Interval > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(f.Interval):
			}
		}
	}
}

// readTranscripts returns nil once the relay closes the session normally
func (f *Feeder) readTranscripts(conn *websocket.Conn, onText func(string)) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read transcript: %w", err)
		}
		if messageType == websocket.TextMessage && onText != nil {
			onText(string(data))
		}
	}
}
