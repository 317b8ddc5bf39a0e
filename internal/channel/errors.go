package channel

import "fmt"

// ValidationError rejects malformed input locally; nothing reaches the
// transport.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// ChannelInactiveError rejects a publish on a deactivated group. The
// backend enforces the same rule authoritatively; this is the local
// guard that lets the UI disable the send button synchronously.
type ChannelInactiveError struct {
	Channel string
}

func (e *ChannelInactiveError) Error() string {
	return fmt.Sprintf("channel %q is inactive", e.Channel)
}

// BroadcastRestrictedError rejects a publish from a non-owner while
// the group is in broadcast-only mode.
type BroadcastRestrictedError struct {
	Channel string
}

func (e *BroadcastRestrictedError) Error() string {
	return fmt.Sprintf("channel %q is restricted to the group owner", e.Channel)
}
