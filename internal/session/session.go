package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/channel"
	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

const resyncTimeout = 10 * time.Second

type Config struct {
	User      types.User
	Transport transport.Transport
	Backend   backend.Client
	// Credentials overrides the default caching provider built on
	// Backend.RealtimeToken.
	Credentials transport.CredentialProvider
	Log         *log.Logger
	Stats       stats.StatsProvider
	TypingTTL   time.Duration
	DedupWindow int
}

// Session owns one user's link to the realtime transport and the
// reference-counted registry of open channels. It is constructed at
// the application's composition root on login and closed on logout;
// nothing in this package holds global state.
type Session struct {
	user    types.User
	tr      transport.Transport
	backend backend.Client
	creds   transport.CredentialProvider
	log     *log.Logger
	stats   stats.StatsProvider

	typingTTL   time.Duration
	dedupWindow int

	mu        sync.Mutex
	state     transport.State
	channels  map[string]*channelEntry
	stateSubs map[int]func(transport.State, error)
	nextSubId int
	closed    bool
}

type channelEntry struct {
	refs int
	// gen increments on every (re)subscription cycle; a presence
	// snapshot fetched under an older generation is discarded.
	gen uint64
	ch  *channel.Channel
}

func New(cfg Config) (*Session, error) {
	if cfg.User.Id == "" {
		return nil, fmt.Errorf("session user cannot be empty")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session transport cannot be nil")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("session backend cannot be nil")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("session logger cannot be nil")
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NoopStats{}
	}
	if cfg.Credentials == nil {
		cfg.Credentials = CachingCredentials(backendCredentials(cfg.Backend))
	}

	s := &Session{
		user:        cfg.User,
		tr:          cfg.Transport,
		backend:     cfg.Backend,
		creds:       cfg.Credentials,
		log:         cfg.Log,
		stats:       cfg.Stats,
		typingTTL:   cfg.TypingTTL,
		dedupWindow: cfg.DedupWindow,
		state:       transport.StateInitializing,
		channels:    make(map[string]*channelEntry),
		stateSubs:   make(map[int]func(transport.State, error)),
	}

	s.tr.SetCallbacks(transport.Callbacks{
		OnStateChange: s.onStateChange,
		OnEvent:       s.routeEvent,
		OnPresence:    s.routePresence,
	})

	return s, nil
}

func (s *Session) User() types.User { return s.user }

// Connect brings up the transport link. Idempotent: callers mounting
// concurrently may all invoke it.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.mu.Unlock()

	return s.tr.Connect(ctx, s.creds)
}

// Close tears the session down on logout. It is synchronous from the
// caller's perspective: the session reports closed immediately even
// though the underlying connection may finish closing asynchronously.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := s.channels
	s.channels = make(map[string]*channelEntry)
	s.mu.Unlock()

	for _, e := range entries {
		e.ch.Close()
	}

	return s.tr.Close()
}

// State returns the current connection state.
func (s *Session) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether publishes can currently reach the transport.
func (s *Session) Ready() bool {
	return s.State() == transport.StateConnected
}

// OnStateChange registers a state observer and returns its disposer.
func (s *Session) OnStateChange(fn func(transport.State, error)) func() {
	s.mu.Lock()
	s.nextSubId++
	id := s.nextSubId
	s.stateSubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

func (s *Session) onStateChange(state transport.State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	subs := make([]func(transport.State, error), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	var lost, resync []*channelEntry
	switch state {
	case transport.StateConnected:
		if prev != transport.StateConnected {
			for _, e := range s.channels {
				e.gen++
				resync = append(resync, e)
			}
		}
	case transport.StateDisconnected, transport.StateSuspended, transport.StateFailed:
		for _, e := range s.channels {
			lost = append(lost, e)
		}
	}
	names := make([]string, len(resync))
	gens := make([]uint64, len(resync))
	for i, e := range resync {
		names[i] = e.ch.Name()
		gens[i] = e.gen
	}
	s.mu.Unlock()

	// Presence and typing never survive a connection loss; they are
	// rebuilt from fresh snapshots after resubscription.
	for _, e := range lost {
		e.ch.ConnectionLost()
	}

	if len(names) > 0 {
		s.log.Printf("session: resubscribing %d channels after reconnect", len(names))
	}
	for i := range names {
		go s.refreshChannel(names[i], gens[i])
	}

	for _, fn := range subs {
		fn(state, err)
	}
}

// refreshChannel resubscribes a channel and rebuilds its presence set
// from a fresh snapshot. The generation guard drops results that
// arrive after the channel was released or resubscribed again.
func (s *Session) refreshChannel(name string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	if err := s.tr.Subscribe(ctx, name); err != nil {
		s.log.Printf("session: resubscribe %q: %v", name, err)
		return
	}

	members, err := s.tr.PresenceSnapshot(ctx, name)
	if err != nil {
		s.log.Printf("session: presence snapshot %q: %v", name, err)
		return
	}

	s.mu.Lock()
	e, ok := s.channels[name]
	if !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	ch := e.ch
	s.mu.Unlock()

	ch.ApplySnapshot(members)
}

func (s *Session) routeEvent(ev transport.EventFrame) {
	s.mu.Lock()
	e, ok := s.channels[ev.Channel]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.ch.HandleEvent(ev)
}

func (s *Session) routePresence(ev transport.PresenceChange) {
	s.mu.Lock()
	e, ok := s.channels[ev.Channel]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.ch.HandlePresence(ev)
}
