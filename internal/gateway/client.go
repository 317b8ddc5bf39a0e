package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coursehub/realtime/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// client is one websocket connection. Subscriptions (c.subs) are only
// touched from the connection's read pump.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	log      *log.Logger
	userId   string
	clientId string
	send     chan *transport.ServerFrame
	subs     map[string]struct{}
	stop     chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn, logger *log.Logger, userId, clientId string) *client {
	return &client{
		hub:      hub,
		conn:     conn,
		log:      logger,
		userId:   userId,
		clientId: clientId,
		send:     make(chan *transport.ServerFrame, 256),
		subs:     make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("gateway: failed to serialize frame:", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.conn.Close()
		c.hub.disconnect(c)
		close(c.stop)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("gateway: read from %q: %v", c.userId, err)
			}
			return
		}

		var frame transport.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("gateway: error parsing frame:", err)
			c.queueFrame(errResponse(frame.Id, http.StatusBadRequest, "invalid frame format"))
			continue
		}

		c.handleFrame(&frame)
	}
}

func (c *client) handleFrame(frame *transport.ClientFrame) {
	switch {
	case frame.Subscribe != nil:
		if frame.Subscribe.Channel == "" {
			c.queueFrame(errResponse(frame.Id, http.StatusBadRequest, "channel is required"))
			return
		}
		c.hub.subscribe(c, frame.Subscribe.Channel)
		c.queueFrame(okResponse(frame.Id))
	case frame.Unsubscribe != nil:
		c.hub.unsubscribe(c, frame.Unsubscribe.Channel)
		c.queueFrame(okResponse(frame.Id))
	case frame.Publish != nil:
		if frame.Publish.Channel == "" || frame.Publish.Event == "" {
			c.queueFrame(errResponse(frame.Id, http.StatusBadRequest, "channel and event are required"))
			return
		}
		c.hub.publish(frame.Publish.Channel, &transport.EventFrame{
			Channel: frame.Publish.Channel,
			Event:   frame.Publish.Event,
			Data:    frame.Publish.Data,
		})
		c.queueFrame(acceptedResponse(frame.Id))
	case frame.Presence != nil:
		c.queueFrame(&transport.ServerFrame{
			BaseFrame: transport.BaseFrame{Id: frame.Id, Timestamp: transport.Now()},
			Presence: &transport.PresenceFrame{
				Channel: frame.Presence.Channel,
				Members: c.hub.snapshot(frame.Presence.Channel),
			},
		})
	default:
		c.queueFrame(errResponse(frame.Id, http.StatusBadRequest, "unknown operation"))
	}
}

func (c *client) queueFrame(frame *transport.ServerFrame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Printf("gateway: send buffer full for %q, dropping frame", c.userId)
		return false
	}
}

func okResponse(id int64) *transport.ServerFrame {
	return &transport.ServerFrame{
		BaseFrame: transport.BaseFrame{Id: id, Timestamp: transport.Now()},
		Response:  &transport.Response{ResponseCode: http.StatusOK},
	}
}

func acceptedResponse(id int64) *transport.ServerFrame {
	return &transport.ServerFrame{
		BaseFrame: transport.BaseFrame{Id: id, Timestamp: transport.Now()},
		Response:  &transport.Response{ResponseCode: http.StatusAccepted},
	}
}

func errResponse(id int64, code int, msg string) *transport.ServerFrame {
	return &transport.ServerFrame{
		BaseFrame: transport.BaseFrame{Id: id, Timestamp: transport.Now()},
		Response:  &transport.Response{ResponseCode: code, Error: msg},
	}
}
