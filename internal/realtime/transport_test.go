package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type staticToken string

func (s staticToken) GetValidToken(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no access token available")
	}
	return string(s), nil
}

type testServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	conns    chan *websocket.Conn
	tokens   chan string
	hits     atomic.Int32
	reject   atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(chan *websocket.Conn, 16),
		tokens:   make(chan string, 16),
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		if ts.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		ws, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.tokens <- r.URL.Query().Get("token")
		ts.conns <- ws
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat/"
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ts.conns:
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for connection")
		return nil
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestTransport(ts *testServer, token string, opts Options) *Transport {
	opts.URL = ts.wsURL()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	return New(staticToken(token), opts)
}

func mustConnect(t *testing.T, tr *Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Connect(ctx).Wait(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for dispatch")
		return ""
	}
}

func messageFrame(id int64) string {
	return fmt.Sprintf(`{"type":"message","data":{"id":%d,"sender":9,"content":"m%d","message_type":"message","created_at":"2026-01-01T10:00:00Z"}}`, id, id)
}

func TestTransport_DispatchesByKindInOrder(t *testing.T) {
	ts := newTestServer(t)
	logs := &syncBuffer{}
	tr := newTestTransport(ts, "tok", Options{Logger: log.New(logs, "", 0)})
	defer tr.Disconnect()

	got := make(chan string, 16)
	tr.On(KindMessage, func(ev Event) {
		got <- fmt.Sprintf("message:%d", ev.(MessageEvent).Message.ID)
	})
	tr.On(KindTyping, func(ev Event) {
		got <- fmt.Sprintf("typing:%d", ev.(TypingEvent).UserID)
	})

	mustConnect(t, tr)
	srv := ts.accept(t)

	frames := []string{
		messageFrame(1),
		`{"type":"typing","data":{"user_id":9,"user_name":"Grace","is_typing":true}}`,
		messageFrame(2),
		`{"type":"presence","data":{}}`,
		`{not json`,
		`{"type":"message","data":{"content":"no id"}}`,
		messageFrame(3),
	}
	for _, f := range frames {
		if err := srv.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	want := []string{"message:1", "typing:9", "message:2", "message:3"}
	for _, w := range want {
		if v := recv(t, got); v != w {
			t.Fatalf("expected %s, got %s", w, v)
		}
	}
	select {
	case v := <-got:
		t.Fatalf("unexpected dispatch %s", v)
	case <-time.After(50 * time.Millisecond):
	}
	if !strings.Contains(logs.String(), "dropping frame") {
		t.Fatalf("expected malformed frame to be logged, got: %s", logs.String())
	}
}

func TestTransport_HandlersRunInRegistrationOrderAndOff(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})
	defer tr.Disconnect()

	got := make(chan string, 16)
	tr.On(KindMessage, func(Event) { got <- "first" })
	second := tr.On(KindMessage, func(Event) { got <- "second" })
	tr.On(KindMessage, func(Event) { got <- "third" })

	mustConnect(t, tr)
	srv := ts.accept(t)

	_ = srv.WriteMessage(websocket.TextMessage, []byte(messageFrame(1)))
	for _, w := range []string{"first", "second", "third"} {
		if v := recv(t, got); v != w {
			t.Fatalf("expected %s, got %s", w, v)
		}
	}

	tr.Off(second)
	_ = srv.WriteMessage(websocket.TextMessage, []byte(messageFrame(2)))
	for _, w := range []string{"first", "third"} {
		if v := recv(t, got); v != w {
			t.Fatalf("expected %s, got %s", w, v)
		}
	}
}

func TestTransport_RecoversPanickingHandler(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})
	defer tr.Disconnect()

	got := make(chan string, 4)
	tr.On(KindMessage, func(ev Event) {
		if ev.(MessageEvent).Message.ID == 1 {
			panic("boom")
		}
		got <- "ok"
	})

	mustConnect(t, tr)
	srv := ts.accept(t)
	_ = srv.WriteMessage(websocket.TextMessage, []byte(messageFrame(1)))
	_ = srv.WriteMessage(websocket.TextMessage, []byte(messageFrame(2)))
	if v := recv(t, got); v != "ok" {
		t.Fatalf("expected ok, got %s", v)
	}
	if tr.State() != StateConnected {
		t.Fatalf("expected connected, got %s", tr.State())
	}
}

func TestTransport_PassesTokenAsQueryParam(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "secret-token", Options{})
	defer tr.Disconnect()

	mustConnect(t, tr)
	_ = ts.accept(t)
	select {
	case tok := <-ts.tokens:
		if tok != "secret-token" {
			t.Fatalf("expected secret-token, got %q", tok)
		}
	case <-time.After(time.Second):
		t.Fatalf("no token recorded")
	}
}

func TestTransport_NoCredentialIsNotRetried(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "", Options{})
	defer tr.Disconnect()

	err := tr.Connect(context.Background()).Wait(context.Background())
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if ts.hits.Load() != 0 {
		t.Fatalf("expected no dial, got %d", ts.hits.Load())
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", tr.State())
	}
}

func TestTransport_ConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})
	defer tr.Disconnect()

	o1 := tr.Connect(context.Background())
	o2 := tr.Connect(context.Background())
	if o1 != o2 {
		t.Fatalf("expected the same outcome while connecting")
	}
	if err := o1.Wait(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if o3 := tr.Connect(context.Background()); o3 != o1 {
		t.Fatalf("expected the same outcome while connected")
	}
	_ = ts.accept(t)
	if ts.hits.Load() != 1 {
		t.Fatalf("expected 1 dial, got %d", ts.hits.Load())
	}
}

func TestTransport_SendRequiresConnection(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})

	err := tr.Send(OutgoingMessage{ToUser: 9, Content: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestTransport_SendWritesFrame(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})
	defer tr.Disconnect()

	mustConnect(t, tr)
	srv := ts.accept(t)

	if err := tr.Send(OutgoingTyping{ToUser: 9, IsTyping: true}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := srv.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["type"] != "typing" || frame["to_user"] != float64(9) || frame["is_typing"] != true {
		t.Fatalf("unexpected frame: %s", data)
	}
}

func TestTransport_ReconnectsAfterUnexpectedClose(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})
	defer tr.Disconnect()

	var states []State
	var mu sync.Mutex
	tr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	mustConnect(t, tr)
	first := ts.accept(t)
	_ = first.Close()

	second := ts.accept(t)
	waitFor(t, 2*time.Second, func() bool { return tr.State() == StateConnected }, "reconnect")

	got := make(chan string, 1)
	tr.On(KindMessage, func(Event) { got <- "after-reconnect" })
	_ = second.WriteMessage(websocket.TextMessage, []byte(messageFrame(1)))
	if v := recv(t, got); v != "after-reconnect" {
		t.Fatalf("unexpected %s", v)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestTransport_StopsAfterAttemptCeiling(t *testing.T) {
	ts := newTestServer(t)
	ts.reject.Store(true)
	tr := newTestTransport(ts, "tok", Options{MaxReconnectAttempts: 3, ReconnectDelay: 5 * time.Millisecond})
	defer tr.Disconnect()

	err := tr.Connect(context.Background()).Wait(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return ts.hits.Load() == 4 }, "retries")
	time.Sleep(100 * time.Millisecond)
	if n := ts.hits.Load(); n != 4 {
		t.Fatalf("expected 1 dial plus 3 retries, got %d", n)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", tr.State())
	}
}

func TestTransport_DisconnectStopsReconnectAndClearsListeners(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})

	old := make(chan string, 4)
	tr.On(KindMessage, func(Event) { old <- "old" })

	mustConnect(t, tr)
	srv := ts.accept(t)
	tr.Disconnect()

	_ = srv.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := srv.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := ts.hits.Load(); n != 1 {
		t.Fatalf("expected no reconnect after Disconnect, got %d dials", n)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", tr.State())
	}

	fresh := make(chan string, 4)
	tr.On(KindMessage, func(Event) { fresh <- "fresh" })
	mustConnect(t, tr)
	defer tr.Disconnect()
	srv2 := ts.accept(t)
	_ = srv2.WriteMessage(websocket.TextMessage, []byte(messageFrame(1)))
	if v := recv(t, fresh); v != "fresh" {
		t.Fatalf("unexpected %s", v)
	}
	select {
	case <-old:
		t.Fatalf("listener registered before Disconnect was invoked")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_StaleConnectedIsNotDeliveredAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})

	var mu sync.Mutex
	var states []State
	tr.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	mustConnect(t, tr)
	ts.accept(t)

	tr.mu.Lock()
	connectedGen := tr.generation
	tr.mu.Unlock()

	tr.Disconnect()
	// a Connected notification raced past the Disconnect
	tr.notifyState(connectedGen, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("expected states %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, states)
		}
	}
}

func TestTransport_LastObservedStateFollowsDisconnect(t *testing.T) {
	ts := newTestServer(t)
	tr := newTestTransport(ts, "tok", Options{})

	var mu sync.Mutex
	var last State
	tr.OnStateChange(func(s State) {
		mu.Lock()
		last = s
		mu.Unlock()
	})

	for i := 0; i < 8; i++ {
		tr.Connect(context.Background())
		tr.Disconnect()
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if last != StateDisconnected || tr.State() != StateDisconnected {
		t.Fatalf("expected disconnected, observed %s with transport %s", last, tr.State())
	}
}
