// Package gateway implements the realtime connection state machine: it opens
// the trade socket, drives the identify handshake, follows reconnects and
// publishes normalized events on an event bus.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/empirekit/errs"
	"github.com/coachpo/empirekit/internal/normalizer"
	"github.com/coachpo/empirekit/internal/telemetry"
	"github.com/coachpo/empirekit/internal/transport"
	"github.com/coachpo/empirekit/pkg/eventbus"
	"github.com/coachpo/empirekit/pkg/schema"
)

// TradeNamespace is the socket namespace carrying marketplace and trade events.
const TradeNamespace = "/trade"

// Outbound event names.
const (
	EventIdentify = "identify"
	EventFilters  = "filters"
	EventTimesync = "timesync"
)

// Metadata supplies identity for the handshake.
type Metadata interface {
	Identify(ctx context.Context) (schema.Identify, error)
	UserID(ctx context.Context) (int64, error)
}

// Transport is one realtime session as seen by the gateway. Done is closed
// once the session will deliver no more callbacks.
type Transport interface {
	Emit(ctx context.Context, namespace, event string, data any) error
	Close(ctx context.Context) error
	Done() <-chan struct{}
}

// Dialer opens a session reporting to handler. It must not call handler
// before returning.
type Dialer func(ctx context.Context, opts transport.Options, handler transport.Handler) (Transport, error)

// DialSession is the default Dialer backed by the websocket transport.
func DialSession(ctx context.Context, opts transport.Options, handler transport.Handler) (Transport, error) {
	return transport.Open(ctx, opts, handler)
}

// Config wires a Gateway.
type Config struct {
	SocketURL string
	Metadata  Metadata
	// AutoIdentify sends identify when the server reports an unauthenticated session.
	AutoIdentify         bool
	Retry                RetryPolicy
	HandshakeTimeout     time.Duration
	ReconnectMaxInterval time.Duration
	Dial                 Dialer
	// OnBusReset receives the fresh bus created after a dropped connection,
	// so subscriptions can be registered again.
	OnBusReset func(*eventbus.Bus)
	// Kill aborts the process. Defaults to interrupting the own process.
	Kill   func()
	Clock  func() time.Time
	Logger zerolog.Logger
}

// Gateway owns the realtime connection of one account.
type Gateway struct {
	cfg        Config
	log        zerolog.Logger
	sessionID  string
	normalizer *normalizer.Normalizer
	background conc.WaitGroup

	// deliverMu is held while events are triggered so handlers never run
	// concurrently. Session callbacks take it before mu.
	deliverMu sync.Mutex

	mu         sync.Mutex
	st         state
	session    Transport
	bus        *eventbus.Bus
	connCtx    context.Context
	connCancel context.CancelFunc

	// closed holds the Done channels of sessions torn down but possibly
	// still delivering their final callbacks.
	closed []<-chan struct{}

	connectionCounter metric.Int64Counter
	frameCounter      metric.Int64Counter
	identifyCounter   metric.Int64Counter
}

// New validates cfg and constructs an idle gateway with an empty bus.
func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.SocketURL) == "" {
		return nil, errs.New("gateway", errs.CodeInvalid, errs.WithMessage("socket url required"))
	}
	if cfg.Metadata == nil {
		return nil, errs.New("gateway", errs.CodeInvalid, errs.WithMessage("metadata provider required"))
	}
	if cfg.Dial == nil {
		cfg.Dial = DialSession
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if cfg.Kill == nil {
		cfg.Kill = interruptSelf
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	g := &Gateway{
		cfg:        cfg,
		sessionID:  uuid.NewString(),
		normalizer: normalizer.New(),
		bus:        eventbus.New(),
	}
	g.log = cfg.Logger.With().Str("component", "gateway").Str("session", g.sessionID).Logger()

	meter := otel.Meter("gateway")
	g.connectionCounter, _ = meter.Int64Counter("gateway.connections",
		metric.WithDescription("Connection lifecycle transitions"),
		metric.WithUnit("{transition}"))
	g.frameCounter, _ = meter.Int64Counter("gateway.frames.received",
		metric.WithDescription("Frames received on the realtime channel"),
		metric.WithUnit("{frame}"))
	g.identifyCounter, _ = meter.Int64Counter("gateway.identify",
		metric.WithDescription("Identify handshakes by result"),
		metric.WithUnit("{handshake}"))
	return g, nil
}

// SessionID identifies this gateway in logs and metrics.
func (g *Gateway) SessionID() string { return g.sessionID }

// Events returns the current bus. It is replaced after a dropped connection.
func (g *Gateway) Events() *eventbus.Bus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bus
}

// On subscribes handler on the current bus.
func (g *Gateway) On(event string, handler eventbus.Handler) {
	g.Events().On(event, handler)
}

// Status returns a snapshot of the connection state.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.Status
}

// Phase names the current state of the connection state machine.
func (g *Gateway) Phase() Phase {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.phase()
}

// Setup opens the realtime session. With a session already open it only logs.
func (g *Gateway) Setup(ctx context.Context) error {
	g.mu.Lock()
	if g.st.hasSession {
		g.mu.Unlock()
		g.log.Warn().Str("phase", string(g.Phase())).Msg("setup ignored: session already open")
		return nil
	}
	gen := g.st.beginSession()
	g.mu.Unlock()

	userID, err := g.cfg.Metadata.UserID(ctx)
	if err != nil {
		g.abortSetup(gen)
		return fmt.Errorf("gateway setup: %w", err)
	}

	opts := transport.Options{
		URL:                  g.cfg.SocketURL,
		Namespaces:           []string{TradeNamespace},
		Header:               http.Header{"User-Agent": []string{strconv.FormatInt(userID, 10) + " API Bot | Go Library"}},
		HandshakeTimeout:     g.cfg.HandshakeTimeout,
		ReconnectMaxInterval: g.cfg.ReconnectMaxInterval,
		Logger:               g.log,
	}
	handler := &sessionHandler{g: g, gen: gen, ready: make(chan struct{})}
	defer close(handler.ready)
	session, err := g.cfg.Dial(context.WithoutCancel(ctx), opts, handler)
	if err != nil {
		g.abortSetup(gen)
		return fmt.Errorf("gateway setup: %w", err)
	}

	g.mu.Lock()
	if !g.st.current(gen) || !g.st.hasSession {
		g.mu.Unlock()
		go func() { _ = g.closeSession(context.Background(), session) }()
		return nil
	}
	g.session = session
	g.mu.Unlock()
	g.log.Info().Str("url", g.cfg.SocketURL).Msg("realtime session opened")
	return nil
}

func (g *Gateway) abortSetup(gen uint64) {
	g.mu.Lock()
	if g.st.current(gen) {
		g.st.hasSession = false
	}
	g.mu.Unlock()
}

// Identify sends the handshake unless the session is authenticated or a
// handshake is already in flight. Authentication is confirmed by the next
// init frame. Failed attempts follow the retry policy; when they are used up
// on_error is emitted on the calling goroutine and the error returned.
func (g *Gateway) Identify(ctx context.Context) error {
	bus, err := g.identify(ctx)
	if bus != nil {
		bus.Trigger(schema.EventError, err)
	}
	return err
}

// identifyInBackground runs the handshake off the session goroutine. Its
// failure is delivered under deliverMu so subscribers still observe one
// event at a time.
func (g *Gateway) identifyInBackground(ctx context.Context) {
	g.background.Go(func() {
		bus, err := g.identify(ctx)
		if bus == nil {
			return
		}
		g.deliverMu.Lock()
		defer g.deliverMu.Unlock()
		bus.Trigger(schema.EventError, err)
	})
}

// identify returns the bus to report on together with the error when every
// attempt failed.
func (g *Gateway) identify(ctx context.Context) (*eventbus.Bus, error) {
	g.mu.Lock()
	if g.session == nil || !g.st.Connected {
		g.mu.Unlock()
		return nil, errs.New("gateway/identify", errs.CodeUnavailable, errs.WithCanonicalCode(errs.CanonicalNotConnected))
	}
	if !g.st.beginIdentify() {
		g.mu.Unlock()
		return nil, nil
	}
	session := g.session
	bus := g.bus
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.st.endIdentify()
		g.mu.Unlock()
	}()

	err := g.cfg.Retry.Run(ctx, func(ctx context.Context) error {
		payload, err := g.cfg.Metadata.Identify(ctx)
		if err != nil {
			return err
		}
		return session.Emit(ctx, TradeNamespace, EventIdentify, payload)
	}, func(attempt int, err error, wait time.Duration) {
		g.log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("identify failed, retrying")
	})
	if err != nil {
		g.record(g.identifyCounter, telemetry.OperationResultAttributes("identify", "failed")...)
		failure := errs.New("gateway/identify", errs.CodeAuth,
			errs.WithCanonicalCode(errs.CanonicalIdentifyFailed),
			errs.WithCause(err))
		return bus, failure
	}
	g.record(g.identifyCounter, telemetry.OperationResultAttributes("identify", "sent")...)
	g.log.Debug().Msg("identify sent")
	return nil, nil
}

// Send emits event on the trade namespace without waiting for acknowledgement.
func (g *Gateway) Send(ctx context.Context, event string, data any) error {
	return g.SendTo(ctx, TradeNamespace, event, data)
}

// SendTo emits event on namespace.
func (g *Gateway) SendTo(ctx context.Context, namespace, event string, data any) error {
	g.mu.Lock()
	session := g.session
	g.mu.Unlock()
	if session == nil {
		return errs.New("gateway/send", errs.CodeUnavailable,
			errs.WithCanonicalCode(errs.CanonicalNotConnected),
			errs.WithField("event", event))
	}
	return session.Emit(ctx, namespace, event, data)
}

// Timesync reports the local clock in unix milliseconds.
func (g *Gateway) Timesync(ctx context.Context) error {
	return g.Send(ctx, EventTimesync, g.cfg.Clock().UnixMilli())
}

// Disconnect closes the session and suppresses reconnecting. Calling it
// without an open session does nothing.
func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	g.st.manualDisconnect()
	session := g.session
	g.session = nil
	g.cancelConnLocked()
	g.mu.Unlock()

	if session == nil {
		return nil
	}
	g.log.Info().Msg("disconnecting")
	if err := g.closeSession(ctx, session); err != nil {
		return fmt.Errorf("gateway disconnect: %w", err)
	}
	return nil
}

// ForceReconnect drops the session as if the connection was lost and sets
// up a new one. The next connect is reported as on_reconnect.
func (g *Gateway) ForceReconnect(ctx context.Context) error {
	g.mu.Lock()
	session := g.session
	g.session = nil
	g.st.ManuallyDisconnected = false
	g.st.Reconnecting = true
	g.mu.Unlock()

	if session != nil {
		if err := g.closeSession(ctx, session); err != nil {
			g.log.Warn().Err(err).Msg("closing previous session")
		}
	}

	g.mu.Lock()
	g.st.hasSession = false
	g.st.Connected = false
	g.st.Authenticated = false
	g.mu.Unlock()
	return g.Setup(ctx)
}

// KillConnection aborts the process. It is reserved for unrecoverable
// conditions and is not a way to shut down.
func (g *Gateway) KillConnection() {
	g.mu.Lock()
	g.st.Connected = false
	g.st.Authenticated = false
	g.mu.Unlock()
	g.log.Error().Msg("killing connection")
	g.cfg.Kill()
}

// Wait blocks until background identify attempts have finished and every
// session closed so far has delivered its last callback. A session Close may
// return early when it lands while a callback is running, so Wait is the
// point where teardown is complete. It must not be called from an event
// handler, since handlers run on the goroutines Wait is waiting for.
func (g *Gateway) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		g.background.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("gateway wait: %w", ctx.Err())
	}

	for _, done := range g.pendingSessions() {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("gateway wait: %w", ctx.Err())
		}
	}
	return nil
}

func (g *Gateway) closeSession(ctx context.Context, session Transport) error {
	g.mu.Lock()
	g.closed = append(g.closed, session.Done())
	g.mu.Unlock()
	return session.Close(ctx)
}

// pendingSessions drops finished sessions from the closed list and returns
// a copy of the rest.
func (g *Gateway) pendingSessions() []<-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	kept := g.closed[:0]
	for _, done := range g.closed {
		select {
		case <-done:
		default:
			kept = append(kept, done)
		}
	}
	g.closed = kept
	return append([]<-chan struct{}(nil), kept...)
}

func (g *Gateway) cancelConnLocked() {
	if g.connCancel != nil {
		g.connCancel()
		g.connCancel = nil
	}
}

func (g *Gateway) record(counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func interruptSelf() {
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	_ = proc.Signal(os.Interrupt)
}

// sessionHandler binds transport callbacks to the session generation they
// belong to. Callbacks wait until Setup has stored the session.
type sessionHandler struct {
	g     *Gateway
	gen   uint64
	ready chan struct{}
}

// lock waits for Setup and takes the gateway lock. It returns false, with the
// lock released, when the callback belongs to a replaced session.
func (h *sessionHandler) lock() bool {
	<-h.ready
	h.g.mu.Lock()
	if !h.g.st.current(h.gen) {
		h.g.mu.Unlock()
		return false
	}
	return true
}

func (h *sessionHandler) OnConnect() {
	g := h.g
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	if !h.lock() {
		return
	}
	reconnected := g.st.connected()
	g.cancelConnLocked()
	g.connCtx, g.connCancel = context.WithCancel(context.Background())
	bus := g.bus
	g.mu.Unlock()

	if reconnected {
		g.record(g.connectionCounter, telemetry.ConnectionAttributes(g.sessionID, telemetry.StateReconnected)...)
		g.log.Info().Msg("reconnected")
		bus.Trigger(schema.EventReconnect, true)
		return
	}
	g.record(g.connectionCounter, telemetry.ConnectionAttributes(g.sessionID, telemetry.StateConnected)...)
	g.log.Info().Msg("connected")
	bus.Trigger(schema.EventConnected, true)
}

func (h *sessionHandler) OnDisconnect(reason string) {
	g := h.g
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	if !h.lock() {
		return
	}
	dropped := g.st.disconnected()
	g.cancelConnLocked()
	previous := g.bus
	var fresh *eventbus.Bus
	if dropped {
		fresh = eventbus.New()
		g.bus = fresh
	}
	g.mu.Unlock()

	var payload any = true
	if reason != "" {
		payload = reason
	}
	state := telemetry.StateDisconnected
	if dropped {
		state = telemetry.StateDropped
	}
	g.record(g.connectionCounter, telemetry.ConnectionAttributes(g.sessionID, state)...)
	g.log.Info().Str("reason", reason).Bool("dropped", dropped).Msg("disconnected")

	previous.Trigger(schema.EventDisconnected, payload)
	if fresh != nil && g.cfg.OnBusReset != nil {
		g.cfg.OnBusReset(fresh)
	}
}

func (h *sessionHandler) OnConnectError(err error) {
	g := h.g
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	if !h.lock() {
		return
	}
	bus := g.bus
	g.mu.Unlock()

	g.record(g.connectionCounter, telemetry.ConnectionAttributes(g.sessionID, telemetry.StateError)...)
	g.log.Warn().Err(err).Msg("connect error")
	bus.Trigger(schema.EventError, err)
}

func (h *sessionHandler) OnEvent(namespace, event string, data json.RawMessage) {
	g := h.g
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()
	if !h.lock() {
		return
	}
	bus := g.bus
	g.mu.Unlock()

	g.record(g.frameCounter, telemetry.MessageAttributes(g.sessionID, namespace, event)...)
	if namespace != TradeNamespace {
		g.log.Debug().Str("namespace", namespace).Str("event", event).Msg("ignoring frame outside trade namespace")
		return
	}

	switch {
	case event == schema.KindInit:
		h.onInit(bus, data)
	case normalizer.Handles(event):
		emissions, err := g.normalizer.Normalize(event, data)
		for _, emission := range emissions {
			bus.Trigger(emission.Name, emission.Payload)
		}
		if err != nil {
			g.log.Error().Err(err).Str("event", event).Msg("frame rejected")
			bus.Trigger(schema.EventError, err)
		}
	default:
		g.log.Debug().Str("event", event).Msg("unhandled frame")
	}
}

func (h *sessionHandler) onInit(bus *eventbus.Bus, data json.RawMessage) {
	g := h.g
	var frame schema.Init
	if err := json.Unmarshal(data, &frame); err != nil {
		bus.Trigger(schema.EventError, errs.New("gateway/init", errs.CodeProtocol,
			errs.WithMessage("decode init frame"),
			errs.WithCause(err)))
		return
	}

	if !h.lock() {
		return
	}
	authenticated := g.st.authenticated(frame.Authenticated)
	autoIdentify := !authenticated && g.cfg.AutoIdentify && g.st.Connected
	session := g.session
	connCtx := g.connCtx
	g.mu.Unlock()

	bus.Trigger(schema.EventInit, frame)
	if authenticated {
		g.log.Info().Int64("user_id", frame.ID).Msg("authenticated")
		bus.Trigger(schema.EventReady, frame)
		if session == nil {
			return
		}
		if err := session.Emit(connCtx, TradeNamespace, EventFilters, schema.DefaultFilter()); err != nil {
			g.log.Warn().Err(err).Msg("sending filters")
			bus.Trigger(schema.EventError, err)
		}
		return
	}
	if autoIdentify && connCtx != nil {
		g.identifyInBackground(connCtx)
	}
}
