package session

import (
	"context"
	"sync"
	"time"

	"github.com/coursehub/realtime/internal/channel"
	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

// Handle is one consumer's reference to an open channel. Releasing the
// last handle closes the underlying transport channel and discards its
// presence and typing state.
type Handle struct {
	s    *Session
	name string
	ch   *channel.Channel
	once sync.Once
}

func (h *Handle) Channel() *channel.Channel { return h.ch }

func (h *Handle) Release() {
	h.once.Do(func() {
		h.s.release(h.name)
	})
}

// Acquire returns a handle on the channel with the given name, opening
// it on first interest. There is at most one open channel per name per
// session; later acquires share it.
func (s *Session) Acquire(ctx context.Context, name string) (*Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, transport.ErrClosed
	}

	if e, ok := s.channels[name]; ok {
		e.refs++
		s.mu.Unlock()
		return &Handle{s: s, name: name, ch: e.ch}, nil
	}
	s.mu.Unlock()

	ch, err := channel.New(channel.Config{
		Name:        name,
		LocalUser:   s.user,
		Publisher:   s.tr,
		Backend:     s.backend,
		Log:         s.log,
		Stats:       s.stats,
		TypingTTL:   s.typingTTL,
		DedupWindow: s.dedupWindow,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ch.Close()
		return nil, transport.ErrClosed
	}
	if e, ok := s.channels[name]; ok {
		// Lost the race with a concurrent first acquire; share theirs.
		e.refs++
		s.mu.Unlock()
		ch.Close()
		return &Handle{s: s, name: name, ch: e.ch}, nil
	}

	e := &channelEntry{refs: 1, gen: 1, ch: ch}
	s.channels[name] = e
	gen := e.gen
	connected := s.state == transport.StateConnected
	s.mu.Unlock()

	s.stats.Incr(stats.ChannelsOpen)

	if connected {
		go s.refreshChannel(name, gen)
	}
	if kind, groupId, err := types.ParseChannel(name); err == nil && kind == types.ChatChannelPrefix {
		go s.fetchGroupInfo(name, groupId)
	}

	return &Handle{s: s, name: name, ch: ch}, nil
}

func (s *Session) release(name string) {
	s.mu.Lock()
	e, ok := s.channels[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.refs--
	if e.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.channels, name)
	connected := s.state == transport.StateConnected
	s.mu.Unlock()

	e.ch.Close()
	s.stats.Decr(stats.ChannelsOpen)

	if connected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.tr.Unsubscribe(ctx, name); err != nil {
				s.log.Printf("session: unsubscribe %q: %v", name, err)
			}
		}()
	}
}

// fetchGroupInfo seeds a chat channel's settings cache from the
// backend's authoritative copy. Unlike presence snapshots this is not
// generation-guarded: settings are valid across reconnects and only a
// release of the channel invalidates the fetch.
func (s *Session) fetchGroupInfo(name, groupId string) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	info, err := s.backend.GroupInfo(ctx, groupId)
	if err != nil {
		s.log.Printf("session: group info %q: %v", groupId, err)
		return
	}

	s.mu.Lock()
	e, ok := s.channels[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	ch := e.ch
	s.mu.Unlock()

	ch.SetGroupInfo(info)
}
