// Package transport maintains an auto-reconnecting Socket.IO v4 session over websocket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/coachpo/empirekit/errs"
)

const (
	defaultHandshakeTimeout     = 10 * time.Second
	defaultReconnectMaxInterval = 20 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultCloseTimeout         = 5 * time.Second
	defaultReadLimit            = 4 * 1024 * 1024
	defaultPingInterval         = 25 * time.Second
	defaultPingTimeout          = 20 * time.Second
)

// Disconnect reasons reported to Handler.OnDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

// Handler receives session lifecycle signals and namespaced events.
// All callbacks run on the session's connection goroutine, one at a time.
type Handler interface {
	OnConnect()
	OnDisconnect(reason string)
	OnConnectError(err error)
	OnEvent(namespace, event string, data json.RawMessage)
}

// Options configures a Session.
type Options struct {
	URL                  string
	Namespaces           []string
	Header               http.Header
	HTTPClient           *http.Client
	HandshakeTimeout     time.Duration
	ReconnectMaxInterval time.Duration
	ReadLimit            int64
	// NewBackOff builds the reconnect schedule. Defaults to exponential backoff
	// capped at ReconnectMaxInterval.
	NewBackOff func() backoff.BackOff
	Logger     zerolog.Logger
}

func (o Options) normalize() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.ReconnectMaxInterval <= 0 {
		o.ReconnectMaxInterval = defaultReconnectMaxInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if len(o.Namespaces) == 0 {
		o.Namespaces = []string{DefaultNamespace}
	}
	if o.NewBackOff == nil {
		maxInterval := o.ReconnectMaxInterval
		o.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = maxInterval
			return b
		}
	}
	return o
}

// Session owns one logical realtime connection and redials it until closed.
type Session struct {
	opts    Options
	handler Handler
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	conn   *websocket.Conn
	joined bool
	connMu sync.RWMutex

	dispatching atomic.Bool
	closeOnce   sync.Once
}

// Open starts the connection loop and returns immediately. Connection
// outcomes are reported through handler.
func Open(ctx context.Context, opts Options, handler Handler) (*Session, error) {
	if handler == nil {
		return nil, errs.New("transport/open", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errs.New("transport/open", errs.CodeInvalid, errs.WithMessage("url required"))
	}
	opts = opts.normalize()
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		opts:    opts,
		handler: handler,
		log:     opts.Logger.With().Str("component", "transport").Logger(),
		ctx:     sessionCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.connectLoop()
	return s, nil
}

// Connected reports whether every namespace has been joined on the live connection.
func (s *Session) Connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil && s.joined
}

// Emit sends an event on namespace. Delivery is not acknowledged.
func (s *Session) Emit(ctx context.Context, namespace, event string, data any) error {
	frame, err := EncodeEvent(namespace, event, data)
	if err != nil {
		return err
	}
	s.connMu.RLock()
	conn, joined := s.conn, s.joined
	s.connMu.RUnlock()
	if conn == nil || !joined {
		return errs.New("transport/emit", errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalNotConnected),
			errs.WithField("event", event))
	}
	if err := s.write(ctx, conn, frame); err != nil {
		return errs.New("transport/emit", errs.CodeNetwork,
			errs.WithField("event", event),
			errs.WithCause(err))
	}
	return nil
}

// Close leaves every namespace, closes the socket and stops reconnecting.
// Close waits for the connection goroutine unless a callback is running at
// the time, since the caller may be that callback. Callers that need the
// goroutine gone wait on Done.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.connMu.RLock()
		conn, joined := s.conn, s.joined
		s.connMu.RUnlock()
		if conn != nil && joined {
			for _, ns := range s.opts.Namespaces {
				_ = s.write(ctx, conn, EncodePacket(Packet{Type: PacketDisconnect, Namespace: ns}))
			}
		}
		s.cancel()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, ReasonClientDisconnect)
		}
	})
	if s.dispatching.Load() {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCloseTimeout)
		defer cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
}

// Done is closed once the connection goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) connectLoop() {
	defer close(s.done)
	schedule := s.opts.NewBackOff()

	for {
		if s.ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, s.opts.URL, &websocket.DialOptions{
			HTTPHeader: s.opts.Header,
			HTTPClient: s.opts.HTTPClient,
		})
		cancel()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.dispatch(func() {
				s.handler.OnConnectError(errs.New("transport/dial", errs.CodeNetwork,
					errs.WithField("url", s.opts.URL),
					errs.WithCause(err)))
			})
			if !s.sleep(schedule) {
				return
			}
			continue
		}
		conn.SetReadLimit(s.opts.ReadLimit)

		s.connMu.Lock()
		s.conn = conn
		s.joined = false
		s.connMu.Unlock()

		reason, runErr := s.run(conn, schedule)

		s.connMu.Lock()
		wasJoined := s.joined
		s.conn = nil
		s.joined = false
		s.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if s.ctx.Err() != nil {
			reason = ReasonClientDisconnect
		} else if runErr != nil {
			s.log.Warn().Err(runErr).Str("reason", reason).Msg("connection ended")
		}
		if wasJoined {
			s.dispatch(func() { s.handler.OnDisconnect(reason) })
		} else if runErr != nil && s.ctx.Err() == nil {
			s.dispatch(func() { s.handler.OnConnectError(runErr) })
		}

		if s.ctx.Err() != nil {
			return
		}
		if !s.sleep(schedule) {
			return
		}
	}
}

// run performs the Engine.IO handshake, joins namespaces and reads frames
// until the connection ends.
func (s *Session) run(conn *websocket.Conn, schedule backoff.BackOff) (string, error) {
	open, err := s.handshake(conn)
	if err != nil {
		return ReasonTransportError, err
	}
	for _, ns := range s.opts.Namespaces {
		if err := s.write(s.ctx, conn, EncodePacket(Packet{Type: PacketConnect, Namespace: ns})); err != nil {
			return ReasonTransportError, fmt.Errorf("join namespace %s: %w", ns, err)
		}
	}

	pingInterval := time.Duration(open.PingInterval) * time.Millisecond
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pingTimeout := time.Duration(open.PingTimeout) * time.Millisecond
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	pending := make(map[string]struct{}, len(s.opts.Namespaces))
	for _, ns := range s.opts.Namespaces {
		pending[ns] = struct{}{}
	}

	for {
		readCtx, cancel := context.WithTimeout(s.ctx, pingInterval+pingTimeout)
		_, data, err := conn.Read(readCtx)
		expired := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancel()
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				return ReasonClientDisconnect, nil
			case expired:
				return ReasonPingTimeout, fmt.Errorf("no ping within %s", pingInterval+pingTimeout)
			case websocket.CloseStatus(err) != -1:
				return ReasonTransportClose, nil
			default:
				return ReasonTransportError, fmt.Errorf("read websocket: %w", err)
			}
		}
		if len(data) == 0 {
			continue
		}

		switch EnginePacketType(data[0]) {
		case EnginePing:
			if err := s.write(s.ctx, conn, []byte{byte(EnginePong)}); err != nil {
				return ReasonTransportError, fmt.Errorf("write pong: %w", err)
			}
		case EngineClose:
			return ReasonTransportClose, nil
		case EngineMessage:
			reason, done, err := s.handleMessage(data[1:], pending, schedule)
			if done {
				return reason, err
			}
		case EngineNoop, EnginePong, EngineOpen, EngineUpgrade:
		default:
			s.log.Debug().Str("frame", string(data)).Msg("unknown engine packet")
		}
	}
}

func (s *Session) handshake(conn *websocket.Conn) (OpenPayload, error) {
	readCtx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return OpenPayload{}, fmt.Errorf("read open packet: %w", err)
	}
	if len(data) == 0 || EnginePacketType(data[0]) != EngineOpen {
		return OpenPayload{}, decodeError("expected engine open packet", data)
	}
	var open OpenPayload
	if err := json.Unmarshal(data[1:], &open); err != nil {
		return OpenPayload{}, decodeError("invalid engine open payload", data)
	}
	s.log.Debug().Str("sid", open.SID).Int64("ping_interval_ms", open.PingInterval).Msg("engine handshake complete")
	return open, nil
}

func (s *Session) handleMessage(frame []byte, pending map[string]struct{}, schedule backoff.BackOff) (string, bool, error) {
	packet, err := DecodePacket(frame)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping undecodable packet")
		return "", false, nil
	}
	switch packet.Type {
	case PacketConnect:
		delete(pending, packet.Namespace)
		if len(pending) > 0 {
			return "", false, nil
		}
		s.connMu.Lock()
		already := s.joined
		s.joined = true
		s.connMu.Unlock()
		if !already {
			schedule.Reset()
			s.dispatch(s.handler.OnConnect)
		}
	case PacketConnectError:
		return ReasonTransportError, true, errs.New("transport/connect", errs.CodeAuth,
			errs.WithMessage(ConnectErrorMessage(packet)),
			errs.WithField("namespace", packet.Namespace))
	case PacketDisconnect:
		return ReasonServerDisconnect, true, nil
	case PacketEvent:
		event, data, err := DecodeEvent(packet)
		if err != nil {
			s.log.Warn().Err(err).Str("namespace", packet.Namespace).Msg("dropping malformed event")
			return "", false, nil
		}
		s.dispatch(func() { s.handler.OnEvent(packet.Namespace, event, data) })
	case PacketAck:
	}
	return "", false, nil
}

func (s *Session) write(ctx context.Context, conn *websocket.Conn, frame []byte) error {
	if ctx == nil {
		ctx = s.ctx
	}
	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, frame)
}

func (s *Session) dispatch(fn func()) {
	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	fn()
}

func (s *Session) sleep(schedule backoff.BackOff) bool {
	wait := schedule.NextBackOff()
	if wait == backoff.Stop {
		wait = s.opts.ReconnectMaxInterval
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
