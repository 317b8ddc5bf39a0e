// Package notify maintains the in-memory notification feed: a page of
// history merged with live pushes, deduplicated by id, with an unread
// counter and OS-surfacing requests for genuinely new items.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/stats"
	"github.com/coursehub/realtime/internal/types"
)

const (
	defaultPageSize     = 50
	defaultDismissAfter = 6 * time.Second

	priorityHigh          = "high"
	typeInstructorMessage = "instructor_message"
)

type Options struct {
	PageSize int
	// RollbackOnSyncError reverts optimistic read-state flips when the
	// backing REST call fails. Off by default: the original behavior
	// favors a stable view over strict consistency, and callers who
	// want reconciliation opt in.
	RollbackOnSyncError bool
	AutoDismissAfter    time.Duration
}

// SurfaceRequest asks the UI layer to show an OS-level notification.
// Sticky items require explicit dismissal; others expire after
// DismissAfter.
type SurfaceRequest struct {
	Notification types.Notification
	Sticky       bool
	DismissAfter time.Duration
}

type Center struct {
	backend backend.Client
	log     *log.Logger
	stats   stats.StatsProvider
	opts    Options

	mu     sync.Mutex
	items  []types.Notification
	index  map[string]int
	unread int

	nextSubId   int
	changeSubs  map[int]func(unread int)
	surfaceSubs map[int]func(SurfaceRequest)
}

func NewCenter(b backend.Client, logger *log.Logger, sp stats.StatsProvider, opts Options) *Center {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.AutoDismissAfter <= 0 {
		opts.AutoDismissAfter = defaultDismissAfter
	}
	if sp == nil {
		sp = stats.NoopStats{}
	}

	return &Center{
		backend:     b,
		log:         logger,
		stats:       sp,
		opts:        opts,
		index:       make(map[string]int),
		changeSubs:  make(map[int]func(int)),
		surfaceSubs: make(map[int]func(SurfaceRequest)),
	}
}

// Bootstrap loads the recent page and the authoritative unread count.
// Pushes that already arrived are kept and not double-counted.
func (c *Center) Bootstrap(ctx context.Context) error {
	page, err := c.backend.Notifications(ctx, c.opts.PageSize)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	c.mu.Lock()
	live := c.items
	c.items = nil
	c.index = make(map[string]int)
	for _, n := range page.Items {
		c.appendLocked(n)
	}
	c.unread = page.UnreadCount

	// Re-insert pushes the page does not contain yet at the head.
	for i := len(live) - 1; i >= 0; i-- {
		n := live[i]
		if _, ok := c.index[n.Id]; ok {
			continue
		}
		c.prependLocked(n)
		if !n.IsRead {
			c.unread++
		}
	}
	unread := c.unread
	subs := c.changeSubsLocked()
	c.mu.Unlock()

	for _, fn := range subs {
		fn(unread)
	}
	return nil
}

// Ingest merges a pushed notification. The push stream and the
// bootstrap page are independent sources of the same entities, so an
// id seen before is dropped without touching the counter.
func (c *Center) Ingest(n types.Notification) {
	c.mu.Lock()
	if _, ok := c.index[n.Id]; ok {
		c.mu.Unlock()
		return
	}
	c.prependLocked(n)
	if !n.IsRead {
		c.unread++
	}
	unread := c.unread
	changeSubs := c.changeSubsLocked()
	surfaceSubs := make([]func(SurfaceRequest), 0, len(c.surfaceSubs))
	for _, fn := range c.surfaceSubs {
		surfaceSubs = append(surfaceSubs, fn)
	}
	c.mu.Unlock()

	c.stats.Incr(stats.NotificationsReceived)

	req := SurfaceRequest{Notification: n}
	if n.Priority == priorityHigh || n.Type == typeInstructorMessage {
		req.Sticky = true
	} else {
		req.DismissAfter = c.opts.AutoDismissAfter
	}

	for _, fn := range surfaceSubs {
		fn(req)
	}
	for _, fn := range changeSubs {
		fn(unread)
	}
}

// MarkRead flips one notification to read optimistically, then
// reconciles with the backend. Duplicate calls are no-ops; the counter
// never goes below zero.
func (c *Center) MarkRead(ctx context.Context, id string) error {
	c.mu.Lock()
	i, ok := c.index[id]
	if !ok || c.items[i].IsRead {
		c.mu.Unlock()
		return nil
	}
	c.items[i].IsRead = true
	if c.unread > 0 {
		c.unread--
	}
	unread := c.unread
	subs := c.changeSubsLocked()
	c.mu.Unlock()

	for _, fn := range subs {
		fn(unread)
	}

	if err := c.backend.MarkNotificationRead(ctx, id); err != nil {
		return c.syncFailed("mark read", err, func() {
			if i, ok := c.index[id]; ok {
				c.items[i].IsRead = false
				c.unread++
			}
		})
	}
	return nil
}

// MarkAllRead flips every notification and zeroes the counter.
func (c *Center) MarkAllRead(ctx context.Context) error {
	c.mu.Lock()
	var flipped []string
	for i := range c.items {
		if !c.items[i].IsRead {
			c.items[i].IsRead = true
			flipped = append(flipped, c.items[i].Id)
		}
	}
	c.unread = 0
	subs := c.changeSubsLocked()
	c.mu.Unlock()

	for _, fn := range subs {
		fn(0)
	}

	if err := c.backend.MarkAllNotificationsRead(ctx); err != nil {
		return c.syncFailed("mark all read", err, func() {
			for _, id := range flipped {
				if i, ok := c.index[id]; ok {
					c.items[i].IsRead = false
					c.unread++
				}
			}
		})
	}
	return nil
}

// syncFailed records a failed reconciliation and applies the rollback
// only when configured to.
func (c *Center) syncFailed(op string, err error, rollback func()) error {
	c.stats.Incr(stats.BackendSyncFailures)
	syncErr := &backend.SyncError{Op: op, Err: err}
	c.log.Printf("notify: %v", syncErr)

	if !c.opts.RollbackOnSyncError {
		return syncErr
	}

	c.mu.Lock()
	rollback()
	unread := c.unread
	subs := c.changeSubsLocked()
	c.mu.Unlock()

	for _, fn := range subs {
		fn(unread)
	}
	return syncErr
}

// Notifications returns a copy of the feed, newest first.
func (c *Center) Notifications() []types.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// OnChange registers an unread-count observer; returns a disposer.
func (c *Center) OnChange(fn func(unread int)) func() {
	c.mu.Lock()
	c.nextSubId++
	id := c.nextSubId
	c.changeSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.changeSubs, id)
		c.mu.Unlock()
	}
}

// OnSurface registers an OS-surfacing observer; returns a disposer.
func (c *Center) OnSurface(fn func(SurfaceRequest)) func() {
	c.mu.Lock()
	c.nextSubId++
	id := c.nextSubId
	c.surfaceSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.surfaceSubs, id)
		c.mu.Unlock()
	}
}

func (c *Center) appendLocked(n types.Notification) {
	if _, ok := c.index[n.Id]; ok {
		return
	}
	c.items = append(c.items, n)
	c.index[n.Id] = len(c.items) - 1
}

func (c *Center) prependLocked(n types.Notification) {
	c.items = append([]types.Notification{n}, c.items...)
	c.index = make(map[string]int, len(c.items))
	for i := range c.items {
		c.index[c.items[i].Id] = i
	}
}

func (c *Center) changeSubsLocked() []func(int) {
	subs := make([]func(int), 0, len(c.changeSubs))
	for _, fn := range c.changeSubs {
		subs = append(subs, fn)
	}
	return subs
}
