package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/globalconnect/internal/auth"
	"github.com/1ureka/globalconnect/internal/protocol"
	"github.com/1ureka/globalconnect/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var log = util.Scope("relay")

// Client is one WebSocket connection to the relay.
type Client struct {
	ID      string
	Session auth.Session

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, session auth.Session, hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:      id,
		Session: session,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// enqueue queues f for the write pump. A client that cannot keep up is
// disconnected rather than silently missing presence updates.
func (c *Client) enqueue(f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		log.Error("encode %s frame for %s: %v", f.Op, c.ID, err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("send buffer full for %s, dropping connection", c.ID)
		c.close()
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// serve runs both pumps and blocks until the connection is gone.
func (c *Client) serve() {
	util.Stats.AddConn()
	defer util.Stats.RemoveConn()

	go c.writePump()
	c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.close()
		log.Debug("client %s disconnected", c.ID)
	}()

	c.conn.SetReadLimit(protocol.MaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read from %s: %v", c.ID, err)
			}
			return
		}
		util.Stats.AddRecv(len(data))

		f, err := protocol.Decode(data)
		if err != nil {
			log.Warn("malformed frame from %s: %v", c.ID, err)
			continue
		}
		c.handle(f)
	}
}

// handle applies one client frame to the hub and acknowledges it when the
// client asked for a reply.
func (c *Client) handle(f *protocol.Frame) {
	var err error
	switch f.Op {
	case protocol.OpJoin:
		err = c.hub.join(c, f.Topic, f.Key)
		if err == nil {
			log.Debug("%s joined %s as %s", c.ID, f.Topic, f.Key)
		}
	case protocol.OpLeave:
		err = c.hub.leave(c, f.Topic)
	case protocol.OpTrack:
		err = c.hub.track(c, f.Topic, f.Payload)
	case protocol.OpUntrack:
		err = c.hub.untrack(c, f.Topic)
	case protocol.OpBroadcast:
		err = c.hub.broadcast(c, f.Topic, f.Event, f.Payload)
	default:
		err = fmt.Errorf("op %s not accepted from clients", f.Op)
	}

	if f.Ref == "" {
		if err != nil {
			log.Debug("%s %s on %s: %v", c.ID, f.Op, f.Topic, err)
		}
		return
	}
	if err != nil {
		c.enqueue(&protocol.Frame{Op: protocol.OpError, Ref: f.Ref, Topic: f.Topic, Error: err.Error()})
		return
	}
	c.enqueue(&protocol.Frame{Op: protocol.OpAck, Ref: f.Ref, Topic: f.Topic})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			util.Stats.AddSent(len(data))

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
