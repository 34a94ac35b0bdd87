package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peershare/pkg/signal"
)

const (
	writeWait = 10 * time.Second

	// readWait is three client heartbeat intervals.
	readWait = 45 * time.Second
)

func deadline() time.Time { return time.Now().Add(writeWait) }

// envelope is the part of a frame the relay routes on
type envelope struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// readPump reads messages from the WebSocket
func (c *Client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.log.Warnf("WebSocket error from %s: %v", c.id, err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(c.server.readTimeout))

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.server.log.Debugf("Invalid message format from %s: %v", c.id, err)
			continue
		}

		c.handleMessage(env, message)
	}
}

// writePump sends messages to the WebSocket
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(deadline())
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.server.log.Debugf("WebSocket write error to %s: %v", c.id, err)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline())
}

// handleMessage routes one inbound frame
func (c *Client) handleMessage(env envelope, raw []byte) {
	switch signal.Type(env.Type) {
	case signal.TypeHeartbeat:
		c.enqueue(mustEncode(signal.HeartbeatAck{}))
	case signal.TypeHeartbeatAck:
		// Liveness only
	case signal.TypeJoin, signal.TypeLeave, signal.TypeRoomClients:
		// Membership is announced by the relay itself
		c.server.log.Debugf("Ignoring client-sent %s from %s", env.Type, c.id)
	case signal.TypeOffer, signal.TypeAnswer, signal.TypeCandidate:
		if env.From != c.id {
			c.server.log.Debugf("Dropping %s from %s claiming to be %q", env.Type, c.id, env.From)
			return
		}
		c.route(env, raw)
	case signal.TypeCommand:
		c.route(env, raw)
	default:
		c.server.log.Debugf("Unknown message type from %s: %s", c.id, env.Type)
	}
}

// route forwards raw to its addressee, or to the whole room when unaddressed
func (c *Client) route(env envelope, raw []byte) {
	if env.To != "" {
		c.forwardTo(env.To, raw)
	} else {
		c.broadcast(raw)
	}
}

// forwardTo sends raw to one client in the same room
func (c *Client) forwardTo(id string, raw []byte) {
	room := c.server.room(c.room)
	if room == nil {
		return
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	target, ok := room.clients[id]
	if !ok {
		c.server.log.Debugf("Dropping message from %s to unknown client %s", c.id, id)
		return
	}
	target.enqueue(raw)
}

// broadcast sends raw to every other client in the room
func (c *Client) broadcast(raw []byte) {
	room := c.server.room(c.room)
	if room == nil {
		return
	}

	room.mu.RLock()
	defer room.mu.RUnlock()

	for id, other := range room.clients {
		if id != c.id {
			other.enqueue(raw)
		}
	}
}

// enqueue queues data without blocking; a full buffer drops the frame.
// Callers hold the room lock, which orders enqueue against closeSend.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.log.Warnf("Send buffer full for %s, dropping frame", c.id)
	}
}

func (c *Client) closeSend() {
	c.once.Do(func() { close(c.send) })
}
