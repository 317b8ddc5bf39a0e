package notify

import (
	"context"

	"github.com/coursehub/realtime/internal/session"
	"github.com/coursehub/realtime/internal/types"
)

// Attach subscribes the center to a user's personal channel through
// the session's registry. The returned disposer detaches the listener
// and releases the channel handle.
func (c *Center) Attach(ctx context.Context, sess *session.Session) (func(), error) {
	h, err := sess.Acquire(ctx, types.NotificationsChannel(sess.User().Id))
	if err != nil {
		return nil, err
	}

	dispose := h.Channel().OnNotification(c.Ingest)
	return func() {
		dispose()
		h.Release()
	}, nil
}
