package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

const (
	defaultTypingTTL   = 3 * time.Second
	defaultDedupWindow = 200
	// publishRetryDelay is the pause before the single silent retry of
	// a publish that raced a reconnect.
	publishRetryDelay = 500 * time.Millisecond
)

// Publisher is the slice of the transport a channel needs to emit
// events.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data any) error
}

type Config struct {
	Name      string
	LocalUser types.User
	Publisher Publisher
	Backend   backend.Client
	Log       *log.Logger
	Stats     stats.StatsProvider
	// TypingTTL bounds how long a typing signal survives without
	// refresh, on both the sender and receiver side.
	TypingTTL   time.Duration
	DedupWindow int
}

// Channel is the client-side state of one logical pub/sub topic: the
// presence set, the typing set, the settings cache and the message
// dedup window. All of it is owned here and mutated only in response
// to transport events or explicit calls; UI code observes through the
// On* registrations.
type Channel struct {
	name      string
	kind      string
	groupId   string
	localUser types.User
	pub       Publisher
	backend   backend.Client
	log       *log.Logger
	stats     stats.StatsProvider
	typingTTL time.Duration

	mu          sync.Mutex
	presence    map[string]types.PresenceMember
	typing      map[string]types.TypingSignal
	settings    types.GroupSettings
	ownerId     string
	hasSettings bool
	seen        *dedupRing
	closed      bool

	nextSubId    int
	msgSubs      map[int]func(types.ChatMessage)
	presenceSubs map[int]func([]types.PresenceMember)
	typingSubs   map[int]func([]types.TypingSignal)
	settingsSubs map[int]func(types.GroupSettings)
	notifSubs    map[int]func(types.Notification)

	// sender-side typing burst state
	typingMu     sync.Mutex
	typingActive bool
	typingTimer  *time.Timer

	watchStop chan struct{}
}

func New(cfg Config) (*Channel, error) {
	kind, resourceId, err := types.ParseChannel(cfg.Name)
	if err != nil {
		return nil, err
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = defaultTypingTTL
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}

	c := &Channel{
		name:         cfg.Name,
		kind:         kind,
		groupId:      resourceId,
		localUser:    cfg.LocalUser,
		pub:          cfg.Publisher,
		backend:      cfg.Backend,
		log:          cfg.Log,
		stats:        cfg.Stats,
		typingTTL:    cfg.TypingTTL,
		presence:     make(map[string]types.PresenceMember),
		typing:       make(map[string]types.TypingSignal),
		seen:         newDedupRing(cfg.DedupWindow),
		msgSubs:      make(map[int]func(types.ChatMessage)),
		presenceSubs: make(map[int]func([]types.PresenceMember)),
		typingSubs:   make(map[int]func([]types.TypingSignal)),
		settingsSubs: make(map[int]func(types.GroupSettings)),
		notifSubs:    make(map[int]func(types.Notification)),
		watchStop:    make(chan struct{}),
	}

	go c.typingWatchdog()
	return c, nil
}

func (c *Channel) Name() string { return c.name }

// GroupId returns the resource id the channel name was derived from.
func (c *Channel) GroupId() string { return c.groupId }

// Close clears all ephemeral state and stops the typing watchdog. The
// registry calls it when the last handle is released.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.presence = make(map[string]types.PresenceMember)
	c.typing = make(map[string]types.TypingSignal)
	c.mu.Unlock()

	close(c.watchStop)
	c.cancelTypingTimer()
}

// Send validates, gates and publishes a chat message. The durable
// write goes to the backend first; the realtime publish only fans it
// out. A publish that races a reconnect is retried once after a short
// delay, then the error is surfaced to the caller.
func (c *Channel) Send(ctx context.Context, content string) (types.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return types.ChatMessage{}, &ValidationError{Reason: "content is empty"}
	}

	if err := c.sendAllowed(); err != nil {
		return types.ChatMessage{}, err
	}

	id, err := shortid.Generate()
	if err != nil {
		return types.ChatMessage{}, fmt.Errorf("generate message id: %w", err)
	}

	msg := types.ChatMessage{
		Id:          id,
		ChannelName: c.name,
		SenderId:    c.localUser.Id,
		Content:     content,
		SentAt:      transport.Now(),
	}

	if err := c.backend.SaveMessage(ctx, msg); err != nil {
		return types.ChatMessage{}, fmt.Errorf("save message: %w", err)
	}

	data := transport.MessageData{
		Id:       msg.Id,
		SenderId: msg.SenderId,
		Content:  msg.Content,
		SentAt:   msg.SentAt,
	}

	err = c.pub.Publish(ctx, c.name, transport.EventMessage, data)
	if errors.Is(err, transport.ErrNotConnected) {
		select {
		case <-time.After(publishRetryDelay):
		case <-ctx.Done():
			return types.ChatMessage{}, ctx.Err()
		}
		err = c.pub.Publish(ctx, c.name, transport.EventMessage, data)
	}
	if err != nil {
		return types.ChatMessage{}, err
	}

	// Remember our own id so a transport echo can never re-deliver it.
	c.mu.Lock()
	c.seen.remember(msg.Id)
	c.mu.Unlock()

	c.stats.Incr(stats.MessagesSent)
	return msg, nil
}

// sendAllowed consults the cached group settings.
func (c *Channel) sendAllowed() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasSettings {
		return nil
	}
	if !c.settings.IsActive {
		return &ChannelInactiveError{Channel: c.name}
	}
	if c.settings.BroadcastOnly && c.localUser.Id != c.ownerId {
		return &BroadcastRestrictedError{Channel: c.name}
	}
	return nil
}

// SetGroupInfo seeds the settings cache from a backend fetch.
func (c *Channel) SetGroupInfo(info backend.GroupInfo) {
	c.mu.Lock()
	c.ownerId = info.OwnerId
	c.settings = info.Settings
	c.hasSettings = true
	settings := c.settings
	subs := collect(c.settingsSubs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(settings)
	}
}

// Settings returns the cached group settings; ok is false if no
// authoritative copy has arrived yet.
func (c *Channel) Settings() (s types.GroupSettings, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings, c.hasSettings
}

// UpdateSettings pushes a settings change to the backend and applies
// the authoritative reply. Other clients learn about it through the
// settings_updated event fan-out.
func (c *Channel) UpdateSettings(ctx context.Context, settings types.GroupSettings) error {
	info, err := c.backend.UpdateGroupSettings(ctx, c.groupId, settings)
	if err != nil {
		return err
	}
	c.SetGroupInfo(info)
	return nil
}

// HandleEvent dispatches an incoming transport event. Called by the
// session from the transport's read loop; must not block.
func (c *Channel) HandleEvent(ev transport.EventFrame) {
	switch ev.Event {
	case transport.EventMessage:
		c.handleMessage(ev)
	case transport.EventTypingStart:
		c.handleTypingStart(ev)
	case transport.EventTypingStop:
		c.handleTypingStop(ev)
	case transport.EventSettingsUpdated:
		c.handleSettingsUpdated(ev)
	case transport.EventNewNotification:
		c.handleNotification(ev)
	default:
		c.log.Printf("channel %q: unknown event %q", c.name, ev.Event)
	}
}

func (c *Channel) handleMessage(ev transport.EventFrame) {
	var data transport.MessageData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.log.Printf("channel %q: bad message payload: %v", c.name, err)
		return
	}

	c.mu.Lock()
	fresh := c.seen.remember(data.Id)
	echo := data.SenderId == c.localUser.Id
	subs := collect(c.msgSubs)
	c.mu.Unlock()

	if !fresh {
		c.stats.Incr(stats.MessagesDeduped)
		return
	}
	// The sender's UI renders from the Send return value; its own
	// publish must not come back as an incoming message.
	if echo {
		return
	}

	c.stats.Incr(stats.MessagesReceived)
	msg := types.ChatMessage{
		Id:          data.Id,
		ChannelName: c.name,
		SenderId:    data.SenderId,
		Content:     data.Content,
		SentAt:      data.SentAt,
	}
	for _, fn := range subs {
		fn(msg)
	}
}

func (c *Channel) handleSettingsUpdated(ev transport.EventFrame) {
	var data transport.SettingsUpdatedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		c.log.Printf("channel %q: bad settings payload: %v", c.name, err)
		return
	}

	// Replace wholesale; merging fields risks resurrecting stale ones.
	settings := types.GroupSettings{
		IsActive:      data.Settings.IsActive,
		BroadcastOnly: data.Settings.InstructorOnlyMode,
	}

	c.mu.Lock()
	c.settings = settings
	c.hasSettings = true
	subs := collect(c.settingsSubs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(settings)
	}
}

func (c *Channel) handleNotification(ev transport.EventFrame) {
	var n types.Notification
	if err := json.Unmarshal(ev.Data, &n); err != nil {
		c.log.Printf("channel %q: bad notification payload: %v", c.name, err)
		return
	}

	c.mu.Lock()
	subs := collect(c.notifSubs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

// HandlePresence applies an incremental enter/leave event.
func (c *Channel) HandlePresence(ev transport.PresenceChange) {
	c.mu.Lock()
	if ev.Present {
		if _, ok := c.presence[ev.MemberId]; !ok {
			c.presence[ev.MemberId] = types.PresenceMember{
				MemberId:  ev.MemberId,
				EnteredAt: transport.Now(),
			}
		}
	} else {
		delete(c.presence, ev.MemberId)
	}
	members := c.presenceLocked()
	subs := collect(c.presenceSubs)
	c.mu.Unlock()

	c.stats.Incr(stats.PresenceEvents)
	for _, fn := range subs {
		fn(members)
	}
}

// ApplySnapshot replaces the presence set with a full snapshot. The
// snapshot wins outright: merging it with earlier increments would
// keep members the snapshot no longer knows.
func (c *Channel) ApplySnapshot(members []types.PresenceMember) {
	c.mu.Lock()
	c.presence = make(map[string]types.PresenceMember, len(members))
	for _, m := range members {
		c.presence[m.MemberId] = m
	}
	current := c.presenceLocked()
	subs := collect(c.presenceSubs)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(current)
	}
}

// ConnectionLost clears presence and typing. Both are rebuilt fresh
// after resubscription; typing deliberately does not survive a
// reconnect.
func (c *Channel) ConnectionLost() {
	c.mu.Lock()
	c.presence = make(map[string]types.PresenceMember)
	c.typing = make(map[string]types.TypingSignal)
	presenceSubs := collect(c.presenceSubs)
	typingSubs := collect(c.typingSubs)
	c.mu.Unlock()

	for _, fn := range presenceSubs {
		fn(nil)
	}
	for _, fn := range typingSubs {
		fn(nil)
	}
}

// Presence returns the current member set, ordered by member id.
func (c *Channel) Presence() []types.PresenceMember {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked()
}

func (c *Channel) presenceLocked() []types.PresenceMember {
	members := make([]types.PresenceMember, 0, len(c.presence))
	for _, m := range c.presence {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].MemberId < members[j].MemberId })
	return members
}

func (c *Channel) OnMessage(fn func(types.ChatMessage)) func() {
	return addSub(c, c.msgSubs, fn)
}

func (c *Channel) OnPresence(fn func([]types.PresenceMember)) func() {
	return addSub(c, c.presenceSubs, fn)
}

func (c *Channel) OnTyping(fn func([]types.TypingSignal)) func() {
	return addSub(c, c.typingSubs, fn)
}

func (c *Channel) OnSettings(fn func(types.GroupSettings)) func() {
	return addSub(c, c.settingsSubs, fn)
}

func (c *Channel) OnNotification(fn func(types.Notification)) func() {
	return addSub(c, c.notifSubs, fn)
}

// addSub registers a callback and returns its disposer.
func addSub[T any](c *Channel, subs map[int]T, fn T) func() {
	c.mu.Lock()
	c.nextSubId++
	id := c.nextSubId
	subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(subs, id)
		c.mu.Unlock()
	}
}

func collect[T any](subs map[int]T) []T {
	out := make([]T, 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}
