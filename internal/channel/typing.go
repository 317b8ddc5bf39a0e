package channel

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

// StartTyping signals that the local user is composing a message.
// Repeated calls during one burst re-arm the stop timer without
// republishing typing_start; the burst ends with an explicit
// StopTyping or when the timer fires.
func (c *Channel) StartTyping(ctx context.Context) error {
	c.typingMu.Lock()
	active := c.typingActive
	c.typingActive = true
	if c.typingTimer == nil {
		c.typingTimer = time.AfterFunc(c.typingTTL, c.typingTimedOut)
	} else {
		c.typingTimer.Reset(c.typingTTL)
	}
	c.typingMu.Unlock()

	if active {
		return nil
	}

	data := transport.TypingStartData{
		UserId: c.localUser.Id,
		User: transport.TypingUser{
			Firstname: c.localUser.Firstname,
			Lastname:  c.localUser.Lastname,
		},
	}
	if err := c.pub.Publish(ctx, c.name, transport.EventTypingStart, data); err != nil {
		// Allow the next StartTyping to republish.
		c.typingMu.Lock()
		c.typingActive = false
		c.typingMu.Unlock()
		return err
	}

	c.stats.Incr(stats.TypingEvents)
	return nil
}

// StopTyping ends the burst immediately.
func (c *Channel) StopTyping(ctx context.Context) error {
	c.typingMu.Lock()
	active := c.typingActive
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingMu.Unlock()

	if !active {
		return nil
	}

	return c.pub.Publish(ctx, c.name, transport.EventTypingStop, transport.TypingStopData{UserId: c.localUser.Id})
}

func (c *Channel) typingTimedOut() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.StopTyping(ctx); err != nil {
		c.log.Printf("channel %q: typing_stop publish: %v", c.name, err)
	}
}

func (c *Channel) cancelTypingTimer() {
	c.typingMu.Lock()
	c.typingActive = false
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingMu.Unlock()
}

func (c *Channel) handleTypingStart(ev transport.EventFrame) {
	var data transport.TypingStartData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.log.Printf("channel %q: bad typing payload: %v", c.name, err)
		return
	}

	// The local user's own typing must never show up in their list.
	if data.UserId == c.localUser.Id {
		return
	}

	c.mu.Lock()
	c.typing[data.UserId] = signalFromStart(data, time.Now().Add(c.typingTTL))
	signals := c.typingLocked()
	subs := collect(c.typingSubs)
	c.mu.Unlock()

	c.stats.Incr(stats.TypingEvents)
	for _, fn := range subs {
		fn(signals)
	}
}

func (c *Channel) handleTypingStop(ev transport.EventFrame) {
	var data transport.TypingStopData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.log.Printf("channel %q: bad typing payload: %v", c.name, err)
		return
	}

	c.mu.Lock()
	if _, ok := c.typing[data.UserId]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.typing, data.UserId)
	signals := c.typingLocked()
	subs := collect(c.typingSubs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(signals)
	}
}

// typingWatchdog expires signals whose deadline has passed even when
// the matching typing_stop was lost. Together with the stop event this
// is the dual removal path that makes a stuck indicator impossible.
func (c *Channel) typingWatchdog() {
	interval := c.typingTTL / 3
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expireTyping(time.Now())
		case <-c.watchStop:
			return
		}
	}
}

func (c *Channel) expireTyping(now time.Time) {
	c.mu.Lock()
	expired := false
	for id, sig := range c.typing {
		if !sig.ExpiresAt.After(now) {
			delete(c.typing, id)
			expired = true
		}
	}
	if !expired {
		c.mu.Unlock()
		return
	}
	signals := c.typingLocked()
	subs := collect(c.typingSubs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(signals)
	}
}

// Typing returns the users currently composing, excluding the local
// user, with expired signals filtered out.
func (c *Channel) Typing() []types.TypingSignal {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	signals := make([]types.TypingSignal, 0, len(c.typing))
	for _, sig := range c.typing {
		if sig.ExpiresAt.After(now) {
			signals = append(signals, sig)
		}
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].UserId < signals[j].UserId })
	return signals
}

func (c *Channel) typingLocked() []types.TypingSignal {
	signals := make([]types.TypingSignal, 0, len(c.typing))
	for _, sig := range c.typing {
		signals = append(signals, sig)
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].UserId < signals[j].UserId })
	return signals
}

func signalFromStart(data transport.TypingStartData, expiresAt time.Time) types.TypingSignal {
	name := strings.TrimSpace(data.User.Firstname + " " + data.User.Lastname)
	return types.TypingSignal{
		UserId:      data.UserId,
		DisplayName: name,
		ExpiresAt:   expiresAt,
	}
}
