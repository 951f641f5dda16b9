package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNoCredential  = errors.New("realtime: no access credential")
	ErrConnectFailed = errors.New("realtime: connect failed")
	ErrNotConnected  = errors.New("realtime: not connected")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type CredentialSource interface {
	GetValidToken(ctx context.Context) (string, error)
}

type Options struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	HandshakeTimeout     time.Duration
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteTimeout         time.Duration
	Dialer               *websocket.Dialer
	Logger               *log.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: o.HandshakeTimeout,
		}
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	return o
}

type Handler func(Event)

type Subscription struct {
	kind Kind
	id   uint64
}

type listener struct {
	id      uint64
	handler Handler
}

// Outcome is the deferred result of a connect request.
type Outcome struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newOutcome() *Outcome {
	return &Outcome{done: make(chan struct{})}
}

func (o *Outcome) resolve(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}

func (o *Outcome) Done() <-chan struct{} { return o.done }

func (o *Outcome) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

func (o *Outcome) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transport owns one websocket connection to the messaging server and
// reconnects with a linear backoff after unexpected closes.
type Transport struct {
	opts  Options
	creds CredentialSource

	mu         sync.Mutex
	state      State
	conn       *conn
	pending    *Outcome
	attempts   int
	generation uint64
	stopped    bool
	retry      *time.Timer

	listenersMu sync.RWMutex
	listeners   map[Kind][]listener
	nextID      uint64
	observers   []func(State)

	notifyMu sync.Mutex
}

func New(creds CredentialSource, opts Options) *Transport {
	return &Transport{
		opts:      opts.withDefaults(),
		creds:     creds,
		listeners: make(map[Kind][]listener),
	}
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connect(ctx context.Context) *Outcome {
	t.mu.Lock()
	if t.pending != nil && (t.state == StateConnecting || t.state == StateConnected) {
		o := t.pending
		t.mu.Unlock()
		return o
	}
	t.stopped = false
	t.attempts = 0
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	o, gen := t.beginLocked()
	t.mu.Unlock()

	t.notifyState(gen, StateConnecting)
	go t.dial(ctx, gen, o)
	return o
}

func (t *Transport) beginLocked() (*Outcome, uint64) {
	t.generation++
	t.state = StateConnecting
	t.pending = newOutcome()
	return t.pending, t.generation
}

func (t *Transport) dial(ctx context.Context, gen uint64, o *Outcome) {
	token, err := t.creds.GetValidToken(ctx)
	if err == nil && token == "" {
		err = errors.New("empty token")
	}
	if err != nil {
		t.fail(gen, o, fmt.Errorf("%w: %v", ErrNoCredential, err), false)
		return
	}

	target, err := withToken(t.opts.URL, token)
	if err != nil {
		t.fail(gen, o, fmt.Errorf("%w: %v", ErrConnectFailed, err), false)
		return
	}

	ws, _, err := t.opts.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		t.fail(gen, o, fmt.Errorf("%w: %v", ErrConnectFailed, err), true)
		return
	}

	c := newConn(ws, t.opts.WriteTimeout)
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		c.close()
		o.resolve(fmt.Errorf("%w: disconnected", ErrConnectFailed))
		return
	}
	t.conn = c
	t.state = StateConnected
	t.attempts = 0
	t.mu.Unlock()

	t.opts.Logger.Printf("realtime: connected (conn=%s)", c.id)
	t.notifyState(gen, StateConnected)
	o.resolve(nil)

	go c.pingLoop(t.opts.PingInterval)
	go t.readLoop(c, gen)
}

func (t *Transport) fail(gen uint64, o *Outcome, err error, retry bool) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		o.resolve(err)
		return
	}
	t.state = StateDisconnected
	t.conn = nil
	t.pending = nil
	if retry && !t.stopped {
		t.scheduleReconnectLocked()
	}
	t.mu.Unlock()

	t.opts.Logger.Printf("realtime: %v", err)
	t.notifyState(gen, StateDisconnected)
	o.resolve(err)
}

func (t *Transport) scheduleReconnectLocked() {
	if t.attempts >= t.opts.MaxReconnectAttempts {
		t.opts.Logger.Printf("realtime: reconnect attempts exhausted (%d)", t.attempts)
		return
	}
	t.attempts++
	delay := time.Duration(t.attempts) * t.opts.ReconnectDelay
	gen := t.generation
	t.opts.Logger.Printf("realtime: reconnecting in %s (%d/%d)", delay, t.attempts, t.opts.MaxReconnectAttempts)
	t.retry = time.AfterFunc(delay, func() { t.reconnect(gen) })
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.stopped || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	o, next := t.beginLocked()
	t.mu.Unlock()

	t.notifyState(next, StateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.HandshakeTimeout)
	defer cancel()
	t.dial(ctx, next, o)
}

func (t *Transport) readLoop(c *conn, gen uint64) {
	c.ws.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			t.connectionLost(c, gen, err)
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) connectionLost(c *conn, gen uint64, err error) {
	c.close()

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.state = StateDisconnected
	t.conn = nil
	t.pending = nil
	if !t.stopped {
		t.scheduleReconnectLocked()
	}
	t.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
		t.opts.Logger.Printf("realtime: connection lost (conn=%s): %v", c.id, err)
	}
	t.notifyState(gen, StateDisconnected)
}

func (t *Transport) dispatch(data []byte) {
	ev, err := DecodeEvent(data)
	if errors.Is(err, ErrUnknownKind) {
		return
	}
	if err != nil {
		t.opts.Logger.Printf("realtime: dropping frame: %v", err)
		return
	}

	t.listenersMu.RLock()
	handlers := append([]listener(nil), t.listeners[ev.Kind()]...)
	t.listenersMu.RUnlock()

	for _, l := range handlers {
		t.invoke(l.handler, ev)
	}
}

func (t *Transport) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.opts.Logger.Printf("realtime: %s handler panicked: %v", ev.Kind(), r)
		}
	}()
	h(ev)
}

func (t *Transport) On(kind Kind, h Handler) Subscription {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.nextID++
	t.listeners[kind] = append(t.listeners[kind], listener{id: t.nextID, handler: h})
	return Subscription{kind: kind, id: t.nextID}
}

func (t *Transport) Off(sub Subscription) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	list := t.listeners[sub.kind]
	for i, l := range list {
		if l.id == sub.id {
			t.listeners[sub.kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(t.listeners[sub.kind]) == 0 {
		delete(t.listeners, sub.kind)
	}
}

// OnStateChange registers an observer for connection state transitions.
// Observers survive Disconnect and must not call back into the Transport.
func (t *Transport) OnStateChange(fn func(State)) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.observers = append(t.observers, fn)
}

// notifyState delivers s unless a later generation has superseded gen.
// Deliveries are serialized so observers never see a stale state last.
func (t *Transport) notifyState(gen uint64, s State) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	current := gen == t.generation
	t.mu.Unlock()
	if !current {
		return
	}

	t.listenersMu.RLock()
	observers := make([]func(State), len(t.observers))
	copy(observers, t.observers)
	t.listenersMu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}

func (t *Transport) Send(o Outbound) error {
	data, err := EncodeOutbound(o)
	if err != nil {
		return err
	}

	t.mu.Lock()
	c := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || c == nil {
		return ErrNotConnected
	}

	if err := c.writeText(data); err != nil {
		return fmt.Errorf("realtime: send %s: %w", o.Kind(), err)
	}
	return nil
}

// Disconnect closes the connection, drops every event listener and stops
// any further reconnect attempt.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.stopped = true
	t.generation++
	t.attempts = 0
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	c := t.conn
	was := t.state
	gen := t.generation
	t.conn = nil
	t.pending = nil
	t.state = StateDisconnected
	t.mu.Unlock()

	if c != nil {
		c.closeGracefully()
	}

	t.listenersMu.Lock()
	t.listeners = make(map[Kind][]listener)
	t.listenersMu.Unlock()

	if was != StateDisconnected {
		t.notifyState(gen, StateDisconnected)
	}
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type conn struct {
	ws           *websocket.Conn
	id           string
	writeTimeout time.Duration

	sendMu sync.Mutex
	done   chan struct{}
	once   sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		ws:           ws,
		id:           uuid.NewString(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *conn) writeText(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) closeGracefully() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.close()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
