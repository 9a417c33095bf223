package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/empirekit/errs"
	"github.com/coachpo/empirekit/internal/transport"
	"github.com/coachpo/empirekit/pkg/eventbus"
	"github.com/coachpo/empirekit/pkg/schema"
)

type emission struct {
	namespace string
	event     string
	data      any
}

// fakeTransport stands in for a realtime session. Tests drive the handler directly.
type fakeTransport struct {
	opts    transport.Options
	handler transport.Handler

	mu          sync.Mutex
	emitted     []emission
	emitErr     error
	connected   bool
	closed      int
	done        chan struct{}
	keepRunning bool
}

func (f *fakeTransport) Emit(_ context.Context, namespace, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emitted = append(f.emitted, emission{namespace: namespace, event: event, data: data})
	return nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	f.closed++
	wasConnected := f.connected
	f.connected = false
	finish := f.closed == 1 && !f.keepRunning
	f.mu.Unlock()
	if wasConnected {
		f.handler.OnDisconnect(transport.ReasonClientDisconnect)
	}
	if finish {
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

// stop ends a session whose Close left it running.
func (f *fakeTransport) stop() { close(f.done) }

func (f *fakeTransport) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.handler.OnConnect()
}

func (f *fakeTransport) drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.handler.OnDisconnect(reason)
}

func (f *fakeTransport) frame(event, payload string) {
	f.handler.OnEvent(TradeNamespace, event, json.RawMessage(payload))
}

func (f *fakeTransport) emissions(event string) []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emission
	for _, e := range f.emitted {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeTransport
}

func (d *fakeDialer) dial(_ context.Context, opts transport.Options, handler transport.Handler) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	session := &fakeTransport{opts: opts, handler: handler, done: make(chan struct{})}
	d.sessions = append(d.sessions, session)
	return session, nil
}

func (d *fakeDialer) last(t *testing.T) *fakeTransport {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sessions, "no session dialed")
	return d.sessions[len(d.sessions)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type fakeMetadata struct {
	identifyCalls atomic.Int32
	failures      atomic.Int32
	err           error
	// gate, when set, holds every Identify call until it is closed.
	gate chan struct{}
}

func (m *fakeMetadata) Identify(context.Context) (schema.Identify, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.identifyCalls.Add(1)
	if m.failures.Load() > 0 {
		m.failures.Add(-1)
		return schema.Identify{}, m.err
	}
	return schema.Identify{
		UID:                42,
		Model:              schema.User{ID: 42, SteamName: "bot"},
		AuthorizationToken: "token",
		Signature:          "signature",
	}, nil
}

func (m *fakeMetadata) UserID(context.Context) (int64, error) {
	return 42, nil
}

type recorded struct {
	name    string
	payload any
}

// recorder captures every public event triggered on the buses it is attached to.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) attach(bus *eventbus.Bus) {
	for _, name := range schema.PublicEvents() {
		bus.On(name, func(payload any) {
			r.mu.Lock()
			r.events = append(r.events, recorded{name: name, payload: payload})
			r.mu.Unlock()
		})
	}
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *recorder) payloads(name string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e.payload)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type harness struct {
	gateway  *Gateway
	dialer   *fakeDialer
	metadata *fakeMetadata
	events   *recorder
	killed   atomic.Int32
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, metadata: &fakeMetadata{err: errs.New("rest/metadata", errs.CodeNetwork)}, events: &recorder{}}
	cfg := Config{
		SocketURL: "wss://trade.example.com/s/?EIO=4&transport=websocket",
		Metadata:  h.metadata,
		Dial:      h.dialer.dial,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		OnBusReset: h.events.attach,
		Kill:       func() { h.killed.Add(1) },
		Clock:      func() time.Time { return time.UnixMilli(1700000000123) },
		Logger:     zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	h.gateway = g
	h.events.attach(g.Events())
	return h
}

func (h *harness) setup(t *testing.T) *fakeTransport {
	t.Helper()
	require.NoError(t, h.gateway.Setup(context.Background()))
	return h.dialer.last(t)
}
