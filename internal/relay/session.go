package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcript-relay/internal/audio"
	"github.com/lexiqai/transcript-relay/internal/backend"
	"github.com/lexiqai/transcript-relay/internal/observability"
)

// State is the lifecycle position of a session. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultPCMReadSize = 4096

var errDrainTimeout = errors.New("relay: drain timed out")

// Conn is the client side of a session
type Conn interface {
	// ReadFrame returns the next binary frame, or io.EOF when the client
	// closed the connection cleanly.
	ReadFrame() ([]byte, error)
	// SendText queues one transcript chunk without blocking. Safe for
	// concurrent use.
	SendText(text string) error
	// Close releases the connection. It is idempotent.
	Close() error
}

// Transcoder converts client audio to PCM. transcoder.Bridge implements it.
type Transcoder interface {
	Start(ctx context.Context) error
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	CloseInput() error
	Terminate() error
}

// TranscoderFactory creates an unstarted transcoder for a new session
type TranscoderFactory func() Transcoder

// SessionConfig tunes a session's pipelines
type SessionConfig struct {
	PCMReadSize  int
	DrainTimeout time.Duration // 0 waits for the pipelines indefinitely
	VAD          *audio.VADConfig
}

// Session relays one client's audio through a transcoder to the backend and
// broadcasts the backend's text to every registered session.
type Session struct {
	id            string
	conn          Conn
	registry      *Registry
	dialer        backend.Dialer
	newTranscoder TranscoderFactory
	cfg           SessionConfig

	transcoder Transcoder
	link       backend.Link
	meter      *audio.Meter

	state     atomic.Int32
	aborted   atomic.Bool
	abortOnce sync.Once

	logger  zerolog.Logger
	metrics *observability.SessionMetrics
}

// NewSession creates a session for an accepted client connection
func NewSession(conn Conn, registry *Registry, dialer backend.Dialer, newTranscoder TranscoderFactory, cfg SessionConfig) *Session {
	if cfg.PCMReadSize <= 0 {
		cfg.PCMReadSize = defaultPCMReadSize
	}
	id := observability.NewSessionID()
	s := &Session{
		id:            id,
		conn:          conn,
		registry:      registry,
		dialer:        dialer,
		newTranscoder: newTranscoder,
		cfg:           cfg,
		logger:        observability.ForSession(id),
		metrics:       observability.NewSessionMetrics(id),
	}
	s.meter = audio.NewMeter(cfg.VAD, s.onSpeechEvent)
	return s
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Send delivers a transcript chunk to this session's client
func (s *Session) Send(text string) error {
	return s.conn.SendText(text)
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(next State) {
	prev := State(s.state.Load())
	if next <= prev {
		return
	}
	s.state.Store(int32(next))
	s.metrics.RecordTransition(next.String())
	s.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("Session state changed")
}

// Run drives the session until every pipeline has finished, then releases
// all of its resources. It returns the setup error if the session never
// became active. Cancelling ctx tears the session down.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info().Msg("Client connected")

	tc := s.newTranscoder()
	if err := tc.Start(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to start transcoder")
		s.metrics.RecordSetupFailure("process_spawn")
		s.closeSetup()
		return err
	}

	link, err := s.dialer.Dial(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to connect to transcription backend")
		s.metrics.RecordSetupFailure("backend_unavailable")
		tc.Terminate()
		s.closeSetup()
		return err
	}

	s.transcoder = tc
	s.link = link
	s.registry.Register(s)
	s.metrics.RecordActive()
	s.setState(StateActive)
	s.logger.Info().Int("sessions", s.registry.Len()).Msg("Session active")

	var wg sync.WaitGroup
	inputDone := make(chan struct{})
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer close(inputDone)
		s.pumpClient()
	}()
	go func() {
		defer wg.Done()
		s.pumpTranscoder()
	}()
	go func() {
		defer wg.Done()
		s.pumpBackend()
	}()

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-inputDone:
	case <-ctx.Done():
		s.abort(ctx.Err())
		<-inputDone
	}
	s.setState(StateDraining)

	var drainTimeout <-chan time.Time
	if s.cfg.DrainTimeout > 0 {
		timer := time.NewTimer(s.cfg.DrainTimeout)
		defer timer.Stop()
		drainTimeout = timer.C
	}

	select {
	case <-allDone:
	case <-drainTimeout:
		s.logger.Warn().Dur("timeout", s.cfg.DrainTimeout).Msg("Drain timed out, forcing teardown")
		s.metrics.RecordError("drain_timeout", "session")
		s.abort(errDrainTimeout)
		<-allDone
	case <-ctx.Done():
		s.abort(ctx.Err())
		<-allDone
	}

	s.close()
	return nil
}

// pumpClient forwards client frames to the transcoder. Closing the
// transcoder's input when it stops is what starts the drain.
func (s *Session) pumpClient() {
	defer func() {
		if err := s.transcoder.CloseInput(); err != nil {
			s.logger.Debug().Err(err).Msg("Closing transcoder input")
		}
	}()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || s.aborted.Load() {
				s.logger.Info().Msg("Client disconnected")
			} else {
				s.logger.Warn().Err(err).Msg("Client connection lost")
			}
			return
		}
		if len(frame) == 0 {
			continue
		}

		s.metrics.RecordAudioBytes("in", len(frame))
		if _, err := s.transcoder.Write(frame); err != nil {
			if !s.aborted.Load() {
				s.logger.Warn().Err(err).Msg("Transcoder rejected audio, draining")
				s.metrics.RecordError("write", "transcoder")
			}
			return
		}
	}
}

// pumpTranscoder forwards PCM to the backend and half-closes the link once
// the transcoder has flushed everything.
func (s *Session) pumpTranscoder() {
	buf := make([]byte, s.cfg.PCMReadSize)
	for {
		n, err := s.transcoder.Read(buf)
		if n > 0 {
			s.meter.Write(buf[:n])
			s.metrics.RecordAudioBytes("pcm", n)
			if serr := s.link.Send(buf[:n]); serr != nil {
				s.fail("backend", serr)
				return
			}
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if cerr := s.link.CloseWrite(); cerr != nil && !s.aborted.Load() {
				s.logger.Debug().Err(cerr).Msg("Half-closing backend link")
			}
			return
		}
		s.fail("transcoder", err)
		return
	}
}

// pumpBackend broadcasts every text chunk until the backend is done.
func (s *Session) pumpBackend() {
	for {
		text, err := s.link.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.fail("backend", err)
			}
			return
		}
		if text == "" {
			continue
		}

		s.metrics.RecordTranscriptChunk()
		delivered := s.registry.Broadcast(text)
		s.logger.Debug().
			Str("text", text).
			Int("delivered", delivered).
			Msg("Transcript broadcast")
	}
}

// fail logs a pipeline error and tears the session down. Errors that follow
// an abort are fallout from the teardown itself.
func (s *Session) fail(component string, err error) {
	if s.aborted.Load() {
		s.logger.Debug().Err(err).Str("component", component).Msg("Pipeline stopped during teardown")
		return
	}
	s.logger.Error().Err(err).Str("component", component).Msg("Pipeline failed, tearing down session")
	s.metrics.RecordError("pipeline", component)
	s.abort(err)
}

// abort closes every resource a pipeline may be blocked on
func (s *Session) abort(reason error) {
	s.abortOnce.Do(func() {
		s.aborted.Store(true)
		s.logger.Debug().Err(reason).Msg("Aborting session")
		s.conn.Close()
		s.transcoder.Terminate()
		s.link.Close()
	})
}

func (s *Session) close() {
	s.registry.Unregister(s)
	s.setState(StateClosed)

	s.transcoder.Terminate()
	s.link.Close()
	s.conn.Close()
	s.metrics.RecordEnd()

	event := s.logger.Info().Int("sessions", s.registry.Len())
	if d, ok := s.transcoder.(interface {
		ExitCode() int
		Stderr() string
	}); ok {
		event = event.Int("transcoder_exit", d.ExitCode())
		if stderr := d.Stderr(); stderr != "" {
			event = event.Str("transcoder_stderr", stderr)
		}
	}
	event.Int("pcm_bytes", s.meter.Processed()).Msg("Session closed")
}

// closeSetup ends a session that never became active
func (s *Session) closeSetup() {
	s.setState(StateClosed)
	s.conn.Close()
	s.metrics.RecordEnd()
}

func (s *Session) onSpeechEvent(event audio.VADEvent, at float64) {
	s.metrics.RecordSpeechEvent(event.String())
	s.logger.Debug().
		Str("event", event.String()).
		Float64("offset_seconds", at).
		Msg("Speech activity")
}
