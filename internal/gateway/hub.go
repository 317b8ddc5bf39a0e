// Package gateway is a development stand-in for the hosted realtime
// transport: a stateless fan-out hub speaking the same wire contract
// the client core uses in production. Nothing is persisted; durable
// writes stay on the REST backend.
package gateway

import (
	"log"
	"sync"
	"time"

	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

type memberRef struct {
	conns     int
	enteredAt time.Time
}

type Hub struct {
	log *log.Logger

	mu     sync.Mutex
	topics map[string]map[*client]struct{}
	// presence tracks distinct users per topic; a user with several
	// connections counts once.
	presence map[string]map[string]*memberRef
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		log:      logger,
		topics:   make(map[string]map[*client]struct{}),
		presence: make(map[string]map[string]*memberRef),
	}
}

func (h *Hub) subscribe(c *client, topic string) {
	h.mu.Lock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	if _, ok := h.topics[topic][c]; ok {
		h.mu.Unlock()
		return
	}
	h.topics[topic][c] = struct{}{}

	if h.presence[topic] == nil {
		h.presence[topic] = make(map[string]*memberRef)
	}
	ref := h.presence[topic][c.userId]
	entered := ref == nil
	if entered {
		h.presence[topic][c.userId] = &memberRef{conns: 1, enteredAt: transport.Now()}
	} else {
		ref.conns++
	}
	h.mu.Unlock()

	c.subs[topic] = struct{}{}

	if entered {
		h.broadcast(topic, &transport.ServerFrame{
			BaseFrame:      transport.BaseFrame{Timestamp: transport.Now()},
			PresenceChange: &transport.PresenceChange{Channel: topic, MemberId: c.userId, Present: true},
		})
	}
}

func (h *Hub) unsubscribe(c *client, topic string) {
	delete(c.subs, topic)
	h.detach(c, topic)
}

// detach removes a connection from a topic and emits a leave once the
// user's last connection is gone.
func (h *Hub) detach(c *client, topic string) {
	h.mu.Lock()
	clients, ok := h.topics[topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.topics, topic)
	}

	left := false
	if ref, ok := h.presence[topic][c.userId]; ok {
		ref.conns--
		if ref.conns <= 0 {
			delete(h.presence[topic], c.userId)
			if len(h.presence[topic]) == 0 {
				delete(h.presence, topic)
			}
			left = true
		}
	}
	h.mu.Unlock()

	if left {
		h.broadcast(topic, &transport.ServerFrame{
			BaseFrame:      transport.BaseFrame{Timestamp: transport.Now()},
			PresenceChange: &transport.PresenceChange{Channel: topic, MemberId: c.userId, Present: false},
		})
	}
}

func (h *Hub) disconnect(c *client) {
	for topic := range c.subs {
		h.detach(c, topic)
	}
}

// snapshot returns the full member set of a topic.
func (h *Hub) snapshot(topic string) []types.PresenceMember {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := make([]types.PresenceMember, 0, len(h.presence[topic]))
	for id, ref := range h.presence[topic] {
		members = append(members, types.PresenceMember{MemberId: id, EnteredAt: ref.enteredAt})
	}
	return members
}

// publish fans an event out to every subscriber of the topic,
// including the publisher; clients suppress their own echo.
func (h *Hub) publish(topic string, ev *transport.EventFrame) {
	h.broadcast(topic, &transport.ServerFrame{
		BaseFrame: transport.BaseFrame{Timestamp: transport.Now()},
		Event:     ev,
	})
}

func (h *Hub) broadcast(topic string, frame *transport.ServerFrame) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.queueFrame(frame)
	}
}
