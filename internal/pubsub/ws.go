package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/globalconnect/internal/protocol"
	"github.com/1ureka/globalconnect/internal/util"
)

const (
	wsSendBuffer   = 64               // outgoing frame channel capacity
	wsPingInterval = 25 * time.Second // keepalive towards the relay
	wsWriteWait    = 10 * time.Second
	wsCloseWait    = 2 * time.Second // best-effort leave on topic close
)

var wsLog = util.Scope("pubsub/ws")

// WSTransport is a relay client. All topics share one WebSocket; a single
// writer goroutine owns the write side.
type WSTransport struct {
	conn   *websocket.Conn
	outbox chan []byte

	mu      sync.Mutex
	topics  map[string]*wsTopic
	pending map[string]chan *protocol.Frame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to the relay at baseURL (http, https, ws or wss; the /ws
// path is appended when missing). token is sent as a query parameter when set.
func DialWS(ctx context.Context, baseURL, token string) (*WSTransport, error) {
	wsURL, err := relayWSURL(baseURL, token)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", ErrUnavailable, err)
	}
	conn.SetReadLimit(protocol.MaxFrameSize)

	t := &WSTransport{
		conn:    conn,
		outbox:  make(chan []byte, wsSendBuffer),
		topics:  make(map[string]*wsTopic),
		pending: make(map[string]chan *protocol.Frame),
		done:    make(chan struct{}),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	util.Stats.AddConn()

	go t.writeLoop()
	go t.readLoop()

	wsLog.Debug("connected to relay %s", conn.RemoteAddr())
	return t, nil
}

// relayWSURL normalizes a relay base URL into its WebSocket endpoint.
func relayWSURL(baseURL, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL %q", baseURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Done is closed once the connection to the relay is gone.
func (t *WSTransport) Done() <-chan struct{} { return t.done }

// OpenTopic joins name on the relay and waits for the acknowledgment.
func (t *WSTransport) OpenTopic(ctx context.Context, name, key string) (Topic, error) {
	topic := &wsTopic{tr: t, name: name, key: key, box: newMailbox()}
	topic.ctx, topic.cancel = context.WithCancel(t.ctx)

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return nil, ErrUnavailable
	}
	if _, exists := t.topics[name]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("topic %q already open", name)
	}
	t.topics[name] = topic
	t.mu.Unlock()

	go topic.deliverLoop()
	if _, err := t.request(ctx, &protocol.Frame{Op: protocol.OpJoin, Topic: name, Key: key}); err != nil {
		t.removeTopic(topic)
		topic.cancel()
		return nil, fmt.Errorf("join %s: %w", name, err)
	}
	return topic, nil
}

// Close shuts the connection down and fails every open topic.
func (t *WSTransport) Close() error {
	t.shutdown(nil)
	return nil
}

func (t *WSTransport) removeTopic(topic *wsTopic) {
	t.mu.Lock()
	if t.topics[topic.name] == topic {
		delete(t.topics, topic.name)
	}
	t.mu.Unlock()
}

// shutdown tears the connection down once. cause is reported to every topic
// when non-nil.
func (t *WSTransport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.cancel()

		if cause == nil {
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
		_ = t.conn.Close()
		util.Stats.RemoveConn()

		t.mu.Lock()
		topics := make([]*wsTopic, 0, len(t.topics))
		for _, topic := range t.topics {
			topics = append(topics, topic)
		}
		t.topics = make(map[string]*wsTopic)
		for ref, ch := range t.pending {
			close(ch)
			delete(t.pending, ref)
		}
		t.mu.Unlock()

		if cause != nil {
			wsLog.Warn("relay connection lost: %v", cause)
			for _, topic := range topics {
				topic.deliverError(fmt.Errorf("%w: %v", ErrUnavailable, cause))
			}
		}
		close(t.done)
	})
}

// ---------------------------------------------------------------------------
// write side
// ---------------------------------------------------------------------------

// writeLoop is the single-writer goroutine.
func (t *WSTransport) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-t.outbox:
			_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.shutdown(fmt.Errorf("write frame: %w", err))
				return
			}
			util.Stats.AddSent(len(data))

		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				t.shutdown(fmt.Errorf("ping: %w", err))
				return
			}

		case <-t.ctx.Done():
			return
		}
	}
}

// send enqueues a frame for the writer. It blocks while the buffer is full.
func (t *WSTransport) send(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	select {
	case t.outbox <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrUnavailable
	}
}

// request sends f with a fresh ref and waits for the relay's ack.
func (t *WSTransport) request(ctx context.Context, f *protocol.Frame) (*protocol.Frame, error) {
	f.Ref = uuid.NewString()
	reply := make(chan *protocol.Frame, 1)

	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return nil, ErrUnavailable
	}
	t.pending[f.Ref] = reply
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, f.Ref)
		t.mu.Unlock()
	}()

	if err := t.send(ctx, f); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, ErrUnavailable
		}
		if resp.Op == protocol.OpError {
			return nil, fmt.Errorf("relay rejected %s: %s", f.Op, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// read side
// ---------------------------------------------------------------------------

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				t.shutdown(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		util.Stats.AddRecv(len(data))

		f, err := protocol.Decode(data)
		if err != nil {
			wsLog.Warn("dropping malformed frame: %v", err)
			continue
		}
		t.route(f)
	}
}

func (t *WSTransport) route(f *protocol.Frame) {
	switch f.Op {
	case protocol.OpAck, protocol.OpError:
		t.mu.Lock()
		reply, ok := t.pending[f.Ref]
		if ok {
			delete(t.pending, f.Ref)
			reply <- f // buffered, one reply per ref
		}
		t.mu.Unlock()
		if !ok && f.Op == protocol.OpError {
			wsLog.Warn("relay error: %s", f.Error)
		}

	case protocol.OpSync:
		if topic := t.topic(f.Topic); topic != nil {
			presence := Presence(f.Presence)
			topic.box.push(func() { topic.deliverSync(presence) })
		}

	case protocol.OpBroadcast:
		if topic := t.topic(f.Topic); topic != nil {
			msg := Message{Event: f.Event, Payload: f.Payload}
			topic.box.push(func() { topic.deliverEvent(msg) })
		}

	default:
		wsLog.Debug("ignoring %s frame from relay", f.Op)
	}
}

func (t *WSTransport) topic(name string) *wsTopic {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.topics[name]
}

// ---------------------------------------------------------------------------
// wsTopic
// ---------------------------------------------------------------------------

// wsTopic hands frames to its handlers on its own goroutine so a slow
// handler never stalls the shared read loop.
type wsTopic struct {
	handlers

	tr   *WSTransport
	name string
	key  string
	box  *mailbox

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (t *wsTopic) deliverLoop() {
	for {
		fn, ok := t.box.pop(t.ctx)
		if !ok {
			return
		}
		fn()
	}
}

func (t *wsTopic) Name() string { return t.name }

func (t *wsTopic) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *wsTopic) Publish(ctx context.Context, event string, payload any) error {
	if t.isClosed() {
		return ErrClosed
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return t.tr.send(ctx, &protocol.Frame{Op: protocol.OpBroadcast, Topic: t.name, Event: event, Payload: data})
}

func (t *wsTopic) Track(ctx context.Context, payload any) error {
	if t.isClosed() {
		return ErrClosed
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	_, err = t.tr.request(ctx, &protocol.Frame{Op: protocol.OpTrack, Topic: t.name, Payload: data})
	return err
}

func (t *wsTopic) Untrack(ctx context.Context) error {
	if t.isClosed() {
		return ErrClosed
	}
	_, err := t.tr.request(ctx, &protocol.Frame{Op: protocol.OpUntrack, Topic: t.name})
	return err
}

// Close leaves the topic on the relay (best effort) and detaches it. Idempotent.
func (t *wsTopic) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), wsCloseWait)
		defer cancel()
		_, err = t.tr.request(ctx, &protocol.Frame{Op: protocol.OpLeave, Topic: t.name})
		t.tr.removeTopic(t)
		t.cancel()
		if errors.Is(err, ErrUnavailable) {
			err = nil
		}
	})
	return err
}
