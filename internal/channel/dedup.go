package channel

// dedupRing remembers the last n message ids seen on a channel.
// Transport-level redelivery on reconnect makes duplicates possible,
// so incoming messages are checked against it before dispatch.
type dedupRing struct {
	ids  []string
	set  map[string]struct{}
	next int
}

func newDedupRing(n int) *dedupRing {
	return &dedupRing{
		ids: make([]string, n),
		set: make(map[string]struct{}, n),
	}
}

// remember records an id. It reports false if the id was already
// present in the window.
func (r *dedupRing) remember(id string) bool {
	if _, ok := r.set[id]; ok {
		return false
	}

	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}
