package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-relay/internal/audio"
	"github.com/lexiqai/transcript-relay/internal/observability"
)

const deepgramResultBuffer = 256

// closeStreamMessage asks Deepgram to flush its final results and close the socket.
var closeStreamMessage = map[string]string{"type": "CloseStream"}

// deepgramStream is the part of the SDK live client the link drives
type deepgramStream interface {
	Write(p []byte) (int, error)
	WriteJSON(payload interface{}) error
	Stop()
}

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
	closeHandler func()
}

// Message forwards transcription results to the link
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error reports streaming errors to the link
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// Close is called once the Deepgram socket has closed
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	if m.closeHandler != nil {
		m.closeHandler()
	}
	return nil
}

// DeepgramDialer opens Deepgram live-transcription streams that accept the
// relay's PCM format directly.
type DeepgramDialer struct {
	APIKey   string
	Model    string
	Language string
}

// Dial opens a streaming session with Deepgram
func (d *DeepgramDialer) Dial(ctx context.Context) (Link, error) {
	ctx, cancel := context.WithCancel(ctx)
	link := &DeepgramLink{
		results: make(chan string, deepgramResultBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
		logger:  observability.ForComponent("deepgram"),
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                link.handleMessage,
		errorHandler:           link.handleError,
		closeHandler:           link.finish,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, d.APIKey, &interfaces.ClientOptions{}, d.liveOptions(), callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: deepgram: %v", ErrBackendUnavailable, err)
	}
	if !client.Connect() {
		cancel()
		return nil, fmt.Errorf("%w: deepgram: connect failed", ErrBackendUnavailable)
	}
	link.client = client
	return link, nil
}

// liveOptions describes the relay's PCM. Only final results become chunks,
// so interim results are not requested.
func (d *DeepgramDialer) liveOptions() *interfaces.LiveTranscriptionOptions {
	return &interfaces.LiveTranscriptionOptions{
		Model:          d.Model,
		Language:       d.Language,
		Punctuate:      true,
		InterimResults: false,
		Encoding:       "linear16",
		Channels:       audio.Channels,
		SampleRate:     audio.SampleRate,
	}
}

// Probe only checks that credentials are configured; a real stream would be billed.
func (d *DeepgramDialer) Probe(ctx context.Context) error {
	if d.APIKey == "" {
		return fmt.Errorf("%w: deepgram API key not configured", ErrBackendUnavailable)
	}
	return nil
}

// DeepgramLink adapts a Deepgram live stream to the Link contract. Each
// final transcript becomes one text chunk. Results keep arriving after
// CloseWrite until Deepgram closes the socket.
type DeepgramLink struct {
	client  deepgramStream
	results chan string
	done    chan struct{}
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu          sync.Mutex
	finished    bool
	writeClosed bool
	streamErr   error
	closeOnce   sync.Once
	stopOnce    sync.Once
}

func (l *DeepgramLink) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := msg.Channel.Alternatives[0].Transcript
	if text == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	select {
	case l.results <- text:
	default:
		l.logger.Warn().Str("text", text).Msg("Transcript buffer full, dropping result")
	}
}

func (l *DeepgramLink) handleError(errorResponse *msginterfaces.ErrorResponse) error {
	l.logger.Error().Interface("error", errorResponse).Msg("Deepgram stream error")

	l.mu.Lock()
	if l.streamErr == nil {
		l.streamErr = fmt.Errorf("backend: deepgram: %+v", errorResponse)
	}
	l.mu.Unlock()
	l.finish()
	return nil
}

// finish stops accepting results; Receive drains what is buffered then ends.
// It runs when the Deepgram socket closes or errors.
func (l *DeepgramLink) finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.finished {
		l.finished = true
		close(l.done)
	}
}

// Send streams PCM to Deepgram
func (l *DeepgramLink) Send(pcm []byte) error {
	l.mu.Lock()
	stopped := l.finished || l.writeClosed
	l.mu.Unlock()
	if stopped {
		return fmt.Errorf("%w: stream finished", ErrWrite)
	}
	if _, err := l.client.Write(pcm); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Receive returns the next final transcript
func (l *DeepgramLink) Receive() (string, error) {
	select {
	case text := <-l.results:
		return text, nil
	case <-l.done:
	}

	// Drain anything that arrived before the stream finished.
	select {
	case text := <-l.results:
		return text, nil
	default:
	}

	l.mu.Lock()
	err := l.streamErr
	l.mu.Unlock()
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return "", io.EOF
}

// CloseWrite tells Deepgram no more audio is coming. Final results for the
// audio already sent are still delivered by Receive.
func (l *DeepgramLink) CloseWrite() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.writeClosed = true
		l.mu.Unlock()
		if werr := l.client.WriteJSON(closeStreamMessage); werr != nil {
			err = fmt.Errorf("%w: close stream: %v", ErrWrite, werr)
		}
	})
	return err
}

// Close stops the stream without waiting for outstanding results
func (l *DeepgramLink) Close() error {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.writeClosed = true
		l.mu.Unlock()
		l.client.Stop()
		l.finish()
		l.cancel()
	})
	return nil
}
