package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spachava753/vidpixie/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer. Generous enough for SDP blobs.
	maxMessageSize = 64 * 1024

	// Buffer size of the per-connection outbound queue.
	sendBuffSize = 256
)

// Client wraps a single websocket connection on the server. The hub owns the
// identity and room fields; the pumps own the conn.
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// id is the participant id assigned by the hub on registration.
	id string

	// roomID is the room this connection currently belongs to, or "".
	roomID string

	// alive is cleared by each heartbeat sweep and set again by any inbound
	// traffic. Two consecutive sweeps without traffic terminate the client.
	alive        bool
	lastActivity time.Time

	// send is the buffered outbound queue, drained by WritePump. Closed by
	// the hub when the client is removed.
	send chan *protocol.Envelope
}

// trySend queues an envelope without blocking. A full queue drops the message:
// a slow consumer must never stall delivery to the rest of the room.
func (c *Client) trySend(env *protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		c.hub.log.WithField("client", c.id).Warn("Send queue full, dropping message")
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine, ensuring at
// most one reader per connection. A malformed frame is logged and skipped;
// only transport errors end the loop.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.WithField("client", c.id).WithError(err).Debug("Read error")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.hub.log.WithField("client", c.id).WithError(err).Warn("Discarding malformed message")
			continue
		}

		c.hub.inbound <- inboundMessage{client: c, env: &env}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection, ensuring at
// most one writer per connection. It exits, closing the conn, when the hub
// closes the send channel.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for env := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}

	// The hub removed this client.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
