package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	closeGracePeriod  = time.Second
	outboundQueueSize = 64
)

var (
	errConnClosing   = errors.New("relay: connection closing")
	errOutboundFull  = errors.New("relay: outbound queue full, client not reading")
	errWriterStopped = errors.New("relay: client write failed")
)

// wsConn adapts a gorilla connection to Conn. Transcripts are queued and
// written by a single writer goroutine, so a client that stops reading only
// loses its own transcripts and never stalls the broadcaster.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	outbound   chan string
	closing    chan struct{}
	writerDone chan struct{}
	broken     atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

func newWSConn(conn *websocket.Conn, maxFrameBytes int64, writeTimeout time.Duration, logger zerolog.Logger) *wsConn {
	if maxFrameBytes > 0 {
		conn.SetReadLimit(maxFrameBytes)
	}
	// The close reply is sent by Close once the session has drained, so a
	// client that stops sending still receives its trailing transcripts.
	conn.SetCloseHandler(func(code int, text string) error { return nil })

	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		outbound:     make(chan string, outboundQueueSize),
		closing:      make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// ReadFrame returns the next binary frame. Text frames are not audio and are
// skipped.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, io.EOF
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return nil, err
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
		c.logger.Debug().Int("bytes", len(data)).Msg("Ignoring text frame from client")
	}
}

// SendText queues one text frame. It never blocks: a full queue or a closing
// connection is reported as an error.
func (c *wsConn) SendText(text string) error {
	if c.broken.Load() {
		return errWriterStopped
	}
	select {
	case <-c.closing:
		return errConnClosing
	default:
	}

	select {
	case c.outbound <- text:
		return nil
	default:
		return errOutboundFull
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case text := <-c.outbound:
			if !c.write(text, c.writeTimeout) {
				return
			}
		case <-c.closing:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, all within one grace period
func (c *wsConn) flush() {
	deadline := time.Now().Add(closeGracePeriod)
	for {
		select {
		case text := <-c.outbound:
			remaining := time.Until(deadline)
			if remaining <= 0 || !c.write(text, remaining) {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(text string, timeout time.Duration) bool {
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.broken.Store(true)
		c.logger.Debug().Err(err).Msg("Client write failed, dropping its transcripts")
		return false
	}
	return true
}

// Close flushes queued transcripts, sends a close frame if the peer is still
// there, then closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		// Cut short a write already stuck on a stalled peer.
		if nc := c.conn.UnderlyingConn(); nc != nil {
			nc.SetWriteDeadline(time.Now().Add(closeGracePeriod))
		}
		<-c.writerDone

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
