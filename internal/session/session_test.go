package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/realtime/internal/backend"
	"github.com/coursehub/realtime/internal/testutil"
	"github.com/coursehub/realtime/internal/transport"
	"github.com/coursehub/realtime/internal/types"
)

// fakeTransport drives the session from tests: state changes and
// incoming frames are injected by hand, outgoing calls are recorded.
type fakeTransport struct {
	mu            sync.Mutex
	cb            transport.Callbacks
	state         transport.State
	subscribes    []string
	unsubscribes  []string
	snapshots     map[string][]types.PresenceMember
	snapshotDelay time.Duration
	closed        bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:     transport.StateInitializing,
		snapshots: make(map[string][]types.PresenceMember),
	}
}

func (f *fakeTransport) SetCallbacks(cb transport.Callbacks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = cb
}

func (f *fakeTransport) Connect(ctx context.Context, creds transport.CredentialProvider) error {
	f.setState(transport.StateConnected, nil)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.setState(transport.StateClosed, nil)
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Subscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, channel)
	return nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, channel)
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, channel, event string, data any) error {
	return nil
}

func (f *fakeTransport) PresenceSnapshot(ctx context.Context, channel string) ([]types.PresenceMember, error) {
	f.mu.Lock()
	delay := f.snapshotDelay
	members := f.snapshots[channel]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return members, nil
}

func (f *fakeTransport) setState(state transport.State, err error) {
	f.mu.Lock()
	f.state = state
	cb := f.cb
	f.mu.Unlock()

	if cb.OnStateChange != nil {
		cb.OnStateChange(state, err)
	}
}

func (f *fakeTransport) emitEvent(ev transport.EventFrame) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnEvent(ev)
}

func (f *fakeTransport) emitPresence(ev transport.PresenceChange) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb.OnPresence(ev)
}

func (f *fakeTransport) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...)
}

func (f *fakeTransport) unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

func newTestSession(t *testing.T, tr *fakeTransport, bc backend.Client) *Session {
	t.Helper()

	s, err := New(Config{
		User:      types.User{Id: "u1", Firstname: "Ada", Lastname: "Lovelace"},
		Transport: tr,
		Backend:   bc,
		Log:       testutil.TestLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func groupInfoMock() *backend.MockClient {
	bc := &backend.MockClient{}
	bc.On("GroupInfo", mock.Anything, mock.AnythingOfType("string")).Return(backend.GroupInfo{
		GroupId:  "g1",
		OwnerId:  "owner",
		Settings: types.GroupSettings{IsActive: true},
	}, nil)
	return bc
}

func TestNew_Validation(t *testing.T) {
	tr := newFakeTransport()
	bc := &backend.MockClient{}
	logger := testutil.TestLogger(t)

	tcases := []struct {
		name string
		cfg  Config
	}{
		{
			name: "missing user",
			cfg:  Config{Transport: tr, Backend: bc, Log: logger},
		},
		{
			name: "missing transport",
			cfg:  Config{User: types.User{Id: "u1"}, Backend: bc, Log: logger},
		},
		{
			name: "missing backend",
			cfg:  Config{User: types.User{Id: "u1"}, Transport: tr, Log: logger},
		},
		{
			name: "missing logger",
			cfg:  Config{User: types.User{Id: "u1"}, Transport: tr, Backend: bc},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestSession_Connect(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, &backend.MockClient{})

	var observed []transport.State
	dispose := s.OnStateChange(func(state transport.State, err error) {
		observed = append(observed, state)
	})
	defer dispose()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, transport.StateConnected, s.State())
	assert.True(t, s.Ready())
	assert.Equal(t, []transport.State{transport.StateConnected}, observed)
}

func TestSession_OnStateChange_Dispose(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, &backend.MockClient{})

	calls := 0
	dispose := s.OnStateChange(func(transport.State, error) { calls++ })

	tr.setState(transport.StateConnecting, nil)
	dispose()
	tr.setState(transport.StateConnected, nil)

	assert.Equal(t, 1, calls, "expected no callback after dispose")
}

func TestSession_ConnectAfterClose(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, &backend.MockClient{})

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Connect(context.Background()), transport.ErrClosed)

	_, err := s.Acquire(context.Background(), types.ChatChannel("g1"))
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSession_AcquireSharesChannel(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())

	h1, err := s.Acquire(context.Background(), types.ChatChannel("g1"))
	require.NoError(t, err)
	h2, err := s.Acquire(context.Background(), types.ChatChannel("g1"))
	require.NoError(t, err)

	assert.Same(t, h1.Channel(), h2.Channel(), "expected both handles to share one channel")

	h1.Release()
	h2.Release()
}

func TestSession_ReleaseLastHandleUnsubscribes(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())
	require.NoError(t, s.Connect(context.Background()))

	name := types.ChatChannel("g1")
	h1, err := s.Acquire(context.Background(), name)
	require.NoError(t, err)
	h2, err := s.Acquire(context.Background(), name)
	require.NoError(t, err)

	h1.Release()
	assert.Empty(t, tr.unsubscribed(), "expected the channel to stay open while referenced")

	h2.Release()
	assert.Eventually(t, func() bool {
		unsubs := tr.unsubscribed()
		return len(unsubs) == 1 && unsubs[0] == name
	}, time.Second, 10*time.Millisecond, "expected the last release to unsubscribe")

	// Release is idempotent.
	h2.Release()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, tr.unsubscribed(), 1)
}

func TestSession_AcquireSubscribesWhenConnected(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())
	require.NoError(t, s.Connect(context.Background()))

	name := types.ChatChannel("g1")
	h, err := s.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer h.Release()

	assert.Eventually(t, func() bool {
		subs := tr.subscribed()
		return len(subs) == 1 && subs[0] == name
	}, time.Second, 10*time.Millisecond)
}

func TestSession_FetchesGroupInfoOnAcquire(t *testing.T) {
	tr := newFakeTransport()
	bc := groupInfoMock()
	s := newTestSession(t, tr, bc)

	h, err := s.Acquire(context.Background(), types.ChatChannel("g1"))
	require.NoError(t, err)
	defer h.Release()

	assert.Eventually(t, func() bool {
		_, ok := h.Channel().Settings()
		return ok
	}, time.Second, 10*time.Millisecond, "expected settings to be seeded from the backend")
	bc.AssertCalled(t, "GroupInfo", mock.Anything, "g1")
}

func TestSession_NotificationChannelSkipsGroupInfo(t *testing.T) {
	tr := newFakeTransport()
	bc := &backend.MockClient{}
	s := newTestSession(t, tr, bc)

	h, err := s.Acquire(context.Background(), types.NotificationsChannel("u1"))
	require.NoError(t, err)
	defer h.Release()

	time.Sleep(50 * time.Millisecond)
	bc.AssertNotCalled(t, "GroupInfo", mock.Anything, mock.Anything)
}

func TestSession_RoutesEvents(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())

	name := types.ChatChannel("g1")
	h, err := s.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer h.Release()

	var got []types.ChatMessage
	var mu sync.Mutex
	dispose := h.Channel().OnMessage(func(msg types.ChatMessage) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})
	defer dispose()

	data, err := json.Marshal(transport.MessageData{Id: "m1", SenderId: "u2", Content: "hi"})
	require.NoError(t, err)

	tr.emitEvent(transport.EventFrame{Channel: name, Event: transport.EventMessage, Data: data})
	// Frames for channels nobody acquired are dropped.
	tr.emitEvent(transport.EventFrame{Channel: types.ChatChannel("other"), Event: transport.EventMessage, Data: data})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].Id)
}

func TestSession_RoutesPresence(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())

	name := types.ChatChannel("g1")
	h, err := s.Acquire(context.Background(), name)
	require.NoError(t, err)
	defer h.Release()

	tr.emitPresence(transport.PresenceChange{Channel: name, MemberId: "u2", Present: true})
	tr.emitPresence(transport.PresenceChange{Channel: types.ChatChannel("other"), MemberId: "u9", Present: true})

	members := h.Channel().Presence()
	require.Len(t, members, 1)
	assert.Equal(t, "u2", members[0].MemberId)
}

func TestSession_ResyncOnReconnect(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())
	require.NoError(t, s.Connect(context.Background()))

	chatName := types.ChatChannel("g1")
	notifName := types.NotificationsChannel("u1")
	h1, err := s.Acquire(context.Background(), chatName)
	require.NoError(t, err)
	defer h1.Release()
	h2, err := s.Acquire(context.Background(), notifName)
	require.NoError(t, err)
	defer h2.Release()

	tr.emitPresence(transport.PresenceChange{Channel: chatName, MemberId: "u2", Present: true})
	require.Len(t, h1.Channel().Presence(), 1)

	// Dropping the connection clears presence immediately.
	tr.setState(transport.StateDisconnected, assert.AnError)
	assert.Empty(t, h1.Channel().Presence())

	// Reconnecting resubscribes every held channel and rebuilds presence
	// from a fresh snapshot rather than replaying the lost increments.
	tr.mu.Lock()
	tr.snapshots[chatName] = []types.PresenceMember{
		{MemberId: "u3", EnteredAt: transport.Now()},
	}
	tr.mu.Unlock()

	tr.setState(transport.StateConnected, nil)

	assert.Eventually(t, func() bool {
		members := h1.Channel().Presence()
		return len(members) == 1 && members[0].MemberId == "u3"
	}, time.Second, 10*time.Millisecond, "expected presence rebuilt from the snapshot")

	assert.Eventually(t, func() bool {
		resubs := make(map[string]int)
		for _, name := range tr.subscribed() {
			resubs[name]++
		}
		return resubs[chatName] >= 2 && resubs[notifName] >= 2
	}, time.Second, 10*time.Millisecond, "expected both channels resubscribed after reconnect")
}

func TestSession_StaleSnapshotDropped(t *testing.T) {
	tr := newFakeTransport()
	tr.mu.Lock()
	tr.snapshotDelay = 100 * time.Millisecond
	tr.snapshots[types.ChatChannel("g1")] = []types.PresenceMember{
		{MemberId: "u2", EnteredAt: transport.Now()},
	}
	tr.mu.Unlock()

	s := newTestSession(t, tr, groupInfoMock())
	require.NoError(t, s.Connect(context.Background()))

	h, err := s.Acquire(context.Background(), types.ChatChannel("g1"))
	require.NoError(t, err)

	// Release before the snapshot fetch completes; its result must be
	// discarded rather than applied to a closed channel.
	h.Release()
	time.Sleep(200 * time.Millisecond)

	assert.Empty(t, h.Channel().Presence(), "expected the late snapshot to be dropped")
}

func TestSession_CloseClosesTransport(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSession(t, tr, groupInfoMock())
	require.NoError(t, s.Connect(context.Background()))

	h, err := s.Acquire(context.Background(), types.ChatChannel("g1"))
	require.NoError(t, err)
	_ = h

	require.NoError(t, s.Close())

	tr.mu.Lock()
	closed := tr.closed
	tr.mu.Unlock()
	assert.True(t, closed, "expected the transport to be closed")

	// Close is idempotent.
	assert.NoError(t, s.Close())
}
