// Package sink is a display client for the relay: it listens for transcript
// broadcasts and writes each changed text to an output stream.
package sink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-relay/internal/observability"
)

const (
	DefaultURL     = "ws://localhost:8765"
	DefaultBackoff = 5 * time.Second
)

// Tail prints transcripts from a relay, reconnecting whenever the connection
// is lost. Consecutive identical texts are printed once.
type Tail struct {
	URL     string
	Out     io.Writer
	Backoff time.Duration
	Dialer  *websocket.Dialer

	last   string
	logger zerolog.Logger
}

// New creates a Tail for url writing to out
func New(url string, out io.Writer) *Tail {
	return &Tail{
		URL:     url,
		Out:     out,
		Backoff: DefaultBackoff,
		Dialer:  websocket.DefaultDialer,
		logger:  observability.ForComponent("relay-tail"),
	}
}

// Run listens until ctx is cancelled
func (t *Tail) Run(ctx context.Context) error {
	for {
		err := t.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn().Err(err).Dur("retry_in", t.Backoff).Msg("Connection lost, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.Backoff):
		}
	}
}

func (t *Tail) listen(ctx context.Context) error {
	conn, _, err := t.Dialer.DialContext(ctx, t.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.URL, err)
	}
	defer conn.Close()
	t.logger.Info().Str("url", t.URL).Msg("Connected, waiting for transcripts")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := t.show(string(data)); err != nil {
			return err
		}
	}
}

func (t *Tail) show(text string) error {
	if text == t.last {
		return nil
	}
	t.last = text
	_, err := fmt.Fprintln(t.Out, text)
	return err
}
