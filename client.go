package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	maxMessagesPerSec = 50
	maxMessageBurst   = 200
)

// Session outcomes. Run always returns one of these, possibly wrapped.
var (
	ErrClosed       = errors.New("closed by server")
	ErrDisconnected = errors.New("client disconnected")
	ErrTransport    = errors.New("transport error")
	ErrInvalidData  = errors.New("invalid data")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrServer       = errors.New("server unavailable")
)

// Conn is the subset of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// SessionOptions tunes per-connection timing and flood protection
type SessionOptions struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	RateLimit  rate.Limit // inbound messages per second, 0 disables
	RateBurst  int
}

// DefaultSessionOptions returns the production settings
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		WriteWait:  writeWait,
		PongWait:   pongWait,
		PingPeriod: pingPeriod,
		RateLimit:  maxMessagesPerSec,
		RateBurst:  maxMessageBurst,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.RateBurst <= 0 {
		o.RateBurst = d.RateBurst
	}
	return o
}

// Session bridges one connection and the game. It owns the write side of
// the connection; a reader pump feeds it inbound frames.
type Session struct {
	id      PlayerID
	conn    Conn
	codec   Codec
	outbox  *Mailbox[PlayerCommand]
	inbox   *Mailbox[Command]
	limiter *rate.Limiter
	opts    SessionOptions
	logger  *zap.Logger
}

type inboundFrame struct {
	msgType int
	data    []byte
	err     error
}

func newSession(id PlayerID, conn Conn, codec Codec, outbox *Mailbox[PlayerCommand], inbox *Mailbox[Command], opts SessionOptions, logger *zap.Logger) *Session {
	opts = opts.withDefaults()
	limit := opts.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Session{
		id:      id,
		conn:    conn,
		codec:   codec,
		outbox:  outbox,
		inbox:   inbox,
		limiter: rate.NewLimiter(limit, opts.RateBurst),
		opts:    opts,
		logger:  logger,
	}
}

// Run serves the connection until a terminal outcome, then closes the
// outbox and connection and asks the game to remove the player.
func (s *Session) Run() error {
	frames := make(chan inboundFrame)
	quit := make(chan struct{})
	go s.readPump(frames, quit)

	err := s.loop(frames)

	close(quit)
	s.outbox.Close()
	s.conn.Close()

	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrDisconnected), errors.Is(err, ErrServer):
		s.logger.Info("session ended", zap.Error(err))
	default:
		s.logger.Warn("session ended", zap.Error(err))
	}
	// the game may already be gone; removal is idempotent
	_ = s.inbox.Send(RemovePlayer{ID: s.id})
	return err
}

func (s *Session) loop(frames <-chan inboundFrame) error {
	ping := time.NewTicker(s.opts.PingPeriod)
	defer ping.Stop()

	for {
		select {
		case cmd := <-s.outbox.C():
			if err := s.handleCommand(cmd); err != nil {
				return err
			}
		case f := <-frames:
			if err := s.handleFrame(f); err != nil {
				return err
			}
		case <-ping.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-s.inbox.Done():
			return ErrServer
		}
	}
}

// readPump reads frames until the connection fails. The last frame sent
// carries the read error.
func (s *Session) readPump(frames chan<- inboundFrame, quit <-chan struct{}) {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		select {
		case frames <- inboundFrame{msgType: msgType, data: data, err: err}:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) handleFrame(f inboundFrame) error {
	if f.err != nil {
		if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return fmt.Errorf("%w: %v", ErrDisconnected, f.err)
		}
		return fmt.Errorf("%w: %v", ErrTransport, f.err)
	}
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	if f.msgType != websocket.TextMessage {
		return fmt.Errorf("%w: non-text frame", ErrInvalidData)
	}
	pos, err := ParseClick(f.data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return s.forward(PlayerClick{ID: s.id, Pos: pos})
}

// forward hands cmd to the game. While the inbox is full the session keeps
// writing its own outbound queue, since the game may be blocked on it.
func (s *Session) forward(cmd Command) error {
	for {
		select {
		case s.inbox.In() <- cmd:
			return nil
		case <-s.inbox.Done():
			return ErrServer
		case out := <-s.outbox.C():
			if err := s.handleCommand(out); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleCommand(cmd PlayerCommand) error {
	if cmd.Close {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ErrClosed
	}
	data, err := cmd.Frame.Encode(s.codec)
	if err != nil {
		return fmt.Errorf("%w: encode %T: %v", ErrServer, cmd.Frame.Message(), err)
	}
	msgType := websocket.TextMessage
	if s.codec.Binary() {
		msgType = websocket.BinaryMessage
	}
	return s.write(msgType, data)
}

func (s *Session) write(msgType int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := s.conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// ParseClick decodes a client frame. Only {"type":"click","data":{"position":{"x":..,"y":..}}}
// is accepted; anything else is an error.
func ParseClick(raw []byte) (Position, error) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Position{}, err
	}
	if env.Type == nil {
		return Position{}, errors.New("missing type")
	}
	if env.Data == nil {
		return Position{}, errors.New("missing data")
	}
	switch *env.Type {
	case MsgClick:
		var msg ClickMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return Position{}, err
		}
		if msg.Position == nil || msg.Position.X == nil || msg.Position.Y == nil {
			return Position{}, errors.New("missing position")
		}
		return Position{X: *msg.Position.X, Y: *msg.Position.Y}, nil
	}
	return Position{}, fmt.Errorf("unknown message type %q", *env.Type)
}
