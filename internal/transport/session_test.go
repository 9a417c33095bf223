package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/empirekit/errs"
)

const testOpenPacket = `0{"sid":"s1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

type recordedEvent struct {
	namespace string
	name      string
	data      string
}

type recordingHandler struct {
	connects      chan struct{}
	disconnects   chan string
	connectErrors chan error
	events        chan recordedEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connects:      make(chan struct{}, 8),
		disconnects:   make(chan string, 8),
		connectErrors: make(chan error, 8),
		events:        make(chan recordedEvent, 32),
	}
}

func (h *recordingHandler) OnConnect()                 { h.connects <- struct{}{} }
func (h *recordingHandler) OnDisconnect(reason string) { h.disconnects <- reason }
func (h *recordingHandler) OnConnectError(err error)   { h.connectErrors <- err }
func (h *recordingHandler) OnEvent(namespace, event string, data json.RawMessage) {
	h.events <- recordedEvent{namespace: namespace, name: event, data: string(data)}
}

// serverScript drives one accepted websocket connection from the server side.
type serverScript func(ctx context.Context, t *testing.T, conn *websocket.Conn)

func newSocketServer(t *testing.T, scripts ...serverScript) (string, *atomic.Int32, *http.Header) {
	t.Helper()
	var (
		accepted atomic.Int32
		header   http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "shutdown")

		if accepted.Load() == 0 {
			header = r.Header.Clone()
		}
		idx := int(accepted.Add(1)) - 1
		script := scripts[len(scripts)-1]
		if idx < len(scripts) {
			script = scripts[idx]
		}
		script(r.Context(), t, conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/s/?EIO=4&transport=websocket", &accepted, &header
}

func writeFrame(ctx context.Context, t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, conn.Write(writeCtx, websocket.MessageText, []byte(frame)))
}

func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	require.NoError(t, err)
	return string(data)
}

func handshake(ctx context.Context, t *testing.T, conn *websocket.Conn) {
	writeFrame(ctx, t, conn, testOpenPacket)
	require.Equal(t, "40/trade,", readFrame(ctx, t, conn))
	writeFrame(ctx, t, conn, `40/trade,{"sid":"ns1"}`)
}

func holdOpen(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func testOptions(url string) Options {
	return Options{
		URL:              url,
		Namespaces:       []string{"/trade"},
		Header:           http.Header{"User-Agent": []string{"42 API Bot | Go Library"}},
		HandshakeTimeout: time.Second,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(10 * time.Millisecond)
		},
		Logger: zerolog.Nop(),
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func TestSessionHandshakeEventsAndPingPong(t *testing.T) {
	pong := make(chan string, 1)
	emitted := make(chan string, 1)
	url, _, header := newSocketServer(t, func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
		handshake(ctx, t, conn)
		writeFrame(ctx, t, conn, `42/trade,["init",{"authenticated":false}]`)
		writeFrame(ctx, t, conn, "2")
		pong <- readFrame(ctx, t, conn)
		emitted <- readFrame(ctx, t, conn)
		holdOpen(ctx, conn)
	})

	handler := newRecordingHandler()
	session, err := Open(context.Background(), testOptions(url), handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	waitFor(t, handler.connects, "connect")
	assert.True(t, session.Connected())

	ev := waitFor(t, handler.events, "init event")
	assert.Equal(t, "/trade", ev.namespace)
	assert.Equal(t, "init", ev.name)
	assert.JSONEq(t, `{"authenticated":false}`, ev.data)

	assert.Equal(t, "3", waitFor(t, pong, "pong"))

	require.NoError(t, session.Emit(context.Background(), "/trade", "timesync", 1700000000000))
	assert.Equal(t, `42/trade,["timesync",1700000000000]`, waitFor(t, emitted, "emission"))
	assert.Equal(t, "42 API Bot | Go Library", header.Get("User-Agent"))
}

func TestSessionReconnectsAfterServerDrop(t *testing.T) {
	url, accepted, _ := newSocketServer(t,
		func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
			handshake(ctx, t, conn)
			writeFrame(ctx, t, conn, "1")
		},
		func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
			handshake(ctx, t, conn)
			holdOpen(ctx, conn)
		},
	)

	handler := newRecordingHandler()
	session, err := Open(context.Background(), testOptions(url), handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	waitFor(t, handler.connects, "first connect")
	assert.Equal(t, ReasonTransportClose, waitFor(t, handler.disconnects, "drop"))
	waitFor(t, handler.connects, "second connect")
	assert.EqualValues(t, 2, accepted.Load())
}

func TestSessionCloseReportsClientDisconnect(t *testing.T) {
	leave := make(chan string, 1)
	url, accepted, _ := newSocketServer(t, func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
		handshake(ctx, t, conn)
		leave <- readFrame(ctx, t, conn)
		holdOpen(ctx, conn)
	})

	handler := newRecordingHandler()
	session, err := Open(context.Background(), testOptions(url), handler)
	require.NoError(t, err)

	waitFor(t, handler.connects, "connect")
	require.NoError(t, session.Close(context.Background()))
	assert.Equal(t, "41/trade,", waitFor(t, leave, "namespace leave"))
	assert.Equal(t, ReasonClientDisconnect, waitFor(t, handler.disconnects, "disconnect"))

	select {
	case <-session.Done():
	default:
		t.Fatal("session loop still running after Close")
	}
	assert.False(t, session.Connected())
	assert.EqualValues(t, 1, accepted.Load())
	require.NoError(t, session.Close(context.Background()))
}

func TestSessionConnectErrorPacket(t *testing.T) {
	url, _, _ := newSocketServer(t, func(ctx context.Context, t *testing.T, conn *websocket.Conn) {
		// Rejected sessions keep redialing, so this script must tolerate the client going away.
		_ = conn.Write(ctx, websocket.MessageText, []byte(testOpenPacket))
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`44/trade,{"message":"not authorized"}`))
		holdOpen(ctx, conn)
	})

	handler := newRecordingHandler()
	session, err := Open(context.Background(), testOptions(url), handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	got := waitFor(t, handler.connectErrors, "connect error")
	assert.Equal(t, errs.CodeAuth, errs.CodeOf(got))
	assert.Contains(t, got.Error(), "not authorized")
	assert.Empty(t, handler.disconnects)
}

func TestSessionDialFailureReportsConnectError(t *testing.T) {
	handler := newRecordingHandler()
	session, err := Open(context.Background(), testOptions("ws://127.0.0.1:1/s/"), handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	got := waitFor(t, handler.connectErrors, "dial error")
	assert.Equal(t, errs.CodeNetwork, errs.CodeOf(got))
}

func TestSessionEmitWithoutConnection(t *testing.T) {
	handler := newRecordingHandler()
	session, err := Open(context.Background(), testOptions("ws://127.0.0.1:1/s/"), handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	err = session.Emit(context.Background(), "/trade", "identify", map[string]any{"uid": 1})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CanonicalNotConnected))
}

func TestOpenValidatesArguments(t *testing.T) {
	_, err := Open(context.Background(), Options{}, newRecordingHandler())
	require.Error(t, err)
	_, err = Open(context.Background(), Options{URL: "ws://example"}, nil)
	require.Error(t, err)
}
