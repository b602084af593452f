package client

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/taskchat/internal/bootstrap"
	"github.com/Tyrowin/taskchat/internal/chat"
	"github.com/Tyrowin/taskchat/internal/server"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type testEnv struct {
	srv          *server.Server
	bootstrapURL string
	socketURL    string
}

// newTestEnv starts a messaging server with the default limits through a
// launcher and serves the bootstrap endpoint for it.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, mutate func(*server.Config)) testEnv {
	t.Helper()
	cfg := server.NewConfig()
	cfg.Addr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	l := bootstrap.NewLauncher(cfg)

	srv, err := l.EnsureStarted(context.Background())
	require.NoError(t, err)
	ts := httptest.NewServer(bootstrap.Handler(l))
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = l.Shutdown(ctx)
	})

	return testEnv{srv: srv, bootstrapURL: ts.URL, socketURL: "ws://" + srv.Addr() + "/ws"}
}

func (e testEnv) config() Config {
	cfg := DefaultConfig()
	cfg.BootstrapURL = e.bootstrapURL
	cfg.SocketURL = e.socketURL
	cfg.Reconnect = false
	return cfg
}

func newTestAdapter(t *testing.T, cfg Config, user *Identity) *Adapter {
	t.Helper()
	a := NewAdapter(cfg, IdentityFunc(func() *Identity { return user }))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// recorder counts update callbacks.
type recorder struct {
	mu    sync.Mutex
	calls int
	last  []chat.Message
}

func (r *recorder) update(msgs []chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = msgs
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// mount mounts room and waits for its history snapshot.
func mount(t *testing.T, a *Adapter, room string) (*Subscription, *recorder) {
	t.Helper()
	rec := &recorder{}
	sub, err := a.Mount(context.Background(), room, rec.update)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.count() >= 1 }, waitFor, tick)
	return sub, rec
}

func hasMessages(sub *Subscription, n int) func() bool {
	return func() bool { return len(sub.Messages()) == n }
}

// TestAliceMessageReachesBob drives two adapters through one room.
func TestAliceMessageReachesBob(t *testing.T) {
	env := newTestEnv(t)
	alice := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
	bob := newTestAdapter(t, env.config(), &Identity{ID: "u2", DisplayName: "Bob"})

	aliceSub, _ := mount(t, alice, "r1")
	bobSub, _ := mount(t, bob, "r1")

	require.NoError(t, alice.SendMessage("hello"))

	require.Eventually(t, hasMessages(bobSub, 1), waitFor, tick)
	msg := bobSub.Messages()[0]
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "u1", msg.UserID)
	assert.Equal(t, "Alice", msg.Username)
	assert.Equal(t, "r1", msg.RoomID)
	assert.Regexp(t, `^msg-\d+-[0-9a-z]{7}$`, msg.ID)

	require.Eventually(t, hasMessages(aliceSub, 1), waitFor, tick)
	assert.Equal(t, msg.ID, aliceSub.Messages()[0].ID)
	require.Never(t, func() bool { return len(bobSub.Messages()) > 1 }, 150*time.Millisecond, tick)
}

// TestRoomIsolation verifies a subscriber in another room never sees the message.
func TestRoomIsolation(t *testing.T) {
	env := newTestEnv(t)
	alice := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
	carol := newTestAdapter(t, env.config(), &Identity{ID: "u3", DisplayName: "Carol"})

	aliceSub, _ := mount(t, alice, "r1")
	carolSub, _ := mount(t, carol, "r2")

	require.NoError(t, alice.SendMessage("r1 only"))

	require.Eventually(t, hasMessages(aliceSub, 1), waitFor, tick)
	require.Never(t, func() bool { return len(carolSub.Messages()) > 0 }, 150*time.Millisecond, tick)
}

// TestRemountDoesNotDuplicate verifies mount, unmount, mount leaves one
// listener, so one send yields one entry.
func TestRemountDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t)
	alice := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
	bob := newTestAdapter(t, env.config(), &Identity{ID: "u2", DisplayName: "Bob"})
	mount(t, alice, "r1")

	first, firstRec := mount(t, bob, "r1")
	first.Unmount()
	first.Unmount()
	callsAtUnmount := firstRec.count()

	second, _ := mount(t, bob, "r1")
	require.NoError(t, alice.SendMessage("once"))

	require.Eventually(t, hasMessages(second, 1), waitFor, tick)
	require.Never(t, func() bool { return len(second.Messages()) > 1 }, 150*time.Millisecond, tick)
	assert.Empty(t, first.Messages())
	assert.Equal(t, callsAtUnmount, firstRec.count())
}

// TestSendMessageErrors covers the rejected sends.
func TestSendMessageErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("not connected", func(t *testing.T) {
		a := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
		assert.ErrorIs(t, a.SendMessage("hi"), ErrNotConnected)
		assert.Equal(t, StateUninitialized, a.State())
	})

	t.Run("empty text", func(t *testing.T) {
		a := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
		sub, _ := mount(t, a, "r1")

		assert.ErrorIs(t, a.SendMessage(""), ErrEmptyMessage)
		assert.ErrorIs(t, a.SendMessage("  \n\t"), ErrEmptyMessage)
		require.Never(t, func() bool { return len(sub.Messages()) > 0 }, 150*time.Millisecond, tick)
		assert.Empty(t, env.srv.Hub().History("r1"))
	})

	t.Run("no identity", func(t *testing.T) {
		a := newTestAdapter(t, env.config(), nil)
		mount(t, a, "r1")
		assert.ErrorIs(t, a.SendMessage("hi"), ErrNoIdentity)

		anon := NewAdapter(env.config(), nil)
		defer func() { _ = anon.Close() }()
		assert.ErrorIs(t, anon.SendMessage("hi"), ErrNoIdentity)
	})
}

// TestHistoryWindow verifies a late subscriber sees only the newest messages.
func TestHistoryWindow(t *testing.T) {
	env := newTestEnvWith(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 500, RefillInterval: time.Second}
	})
	alice := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
	aliceSub, _ := mount(t, alice, "r1")

	total := chat.DefaultHistoryLimit + 1
	for i := 1; i <= total; i++ {
		require.NoError(t, alice.SendMessage(fmt.Sprintf("m%d", i)))
	}
	require.Eventually(t, hasMessages(aliceSub, total), 5*time.Second, tick)

	bob := newTestAdapter(t, env.config(), &Identity{ID: "u2", DisplayName: "Bob"})
	bobSub, _ := mount(t, bob, "r1")

	history := bobSub.Messages()
	require.Len(t, history, chat.DefaultHistoryLimit)
	assert.Equal(t, "m2", history[0].Content)
	assert.Equal(t, fmt.Sprintf("m%d", total), history[len(history)-1].Content)
}

// TestConcurrentMountsShareConnection verifies one runtime opens one socket.
func TestConcurrentMountsShareConnection(t *testing.T) {
	env := newTestEnv(t)
	a := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Mount(context.Background(), "r1", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return env.srv.Hub().ClientCount() == 1 }, waitFor, tick)
	assert.Equal(t, StateJoined, a.State())
}

// TestBootstrapFailure verifies a failed bootstrap is surfaced by Mount.
func TestBootstrapFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	cfg := server.NewConfig()
	cfg.Addr = ln.Addr().String()
	ts := httptest.NewServer(bootstrap.Handler(bootstrap.NewLauncher(cfg)))
	defer ts.Close()

	a := newTestAdapter(t, Config{BootstrapURL: ts.URL, SocketURL: "ws://" + cfg.Addr + "/ws"}, nil)
	sub, err := a.Mount(context.Background(), "r1", nil)

	require.Error(t, err)
	assert.Nil(t, sub)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, StateDisconnected, a.State())
}

// TestSetRoom verifies a subscription follows its new room only.
func TestSetRoom(t *testing.T) {
	env := newTestEnv(t)
	alice := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
	bob := newTestAdapter(t, env.config(), &Identity{ID: "u2", DisplayName: "Bob"})

	aliceSub, _ := mount(t, alice, "r1")
	require.NoError(t, alice.SendMessage("before"))
	require.Eventually(t, hasMessages(aliceSub, 1), waitFor, tick)

	bobSub, _ := mount(t, bob, "r2")
	require.NoError(t, bobSub.SetRoom("r1"))
	assert.Equal(t, "r1", bobSub.Room())
	require.Eventually(t, hasMessages(bobSub, 1), waitFor, tick)
	assert.Equal(t, "before", bobSub.Messages()[0].Content)
	require.Eventually(t, func() bool { return env.srv.Hub().RoomMemberCount("r2") == 0 }, waitFor, tick)
}

// TestSetRoomAfterBurst verifies a room switch made right after a run of sends
// still moves the connection, so the next send lands in the new room.
func TestSetRoomAfterBurst(t *testing.T) {
	env := newTestEnv(t)
	a := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})

	sub, rec := mount(t, a, "r1")
	for i := 1; i <= 4; i++ {
		require.NoError(t, a.SendMessage(fmt.Sprintf("m%d", i)))
	}
	require.Eventually(t, hasMessages(sub, 4), waitFor, tick)

	calls := rec.count()
	require.NoError(t, sub.SetRoom("r2"))
	require.Eventually(t, func() bool { return rec.count() > calls && len(sub.Messages()) == 0 }, waitFor, tick)
	require.NoError(t, a.SendMessage("meant for r2"))

	require.Eventually(t, hasMessages(sub, 1), waitFor, tick)
	msg := sub.Messages()[0]
	assert.Equal(t, "meant for r2", msg.Content)
	assert.Equal(t, "r2", msg.RoomID)
	require.Eventually(t, func() bool { return len(env.srv.Hub().History("r2")) == 1 }, waitFor, tick)
	assert.Len(t, env.srv.Hub().History("r1"), 4)
	assert.Equal(t, 0, env.srv.Hub().RoomMemberCount("r1"))
}

// TestUnmountFollowsRemainingView verifies that when the connection's room
// loses its last view, the connection moves to a room still mounted.
func TestUnmountFollowsRemainingView(t *testing.T) {
	env := newTestEnv(t)
	a := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})

	lobby, _ := mount(t, a, chat.DefaultRoom)
	side, _ := mount(t, a, "r1")
	side.Unmount()

	require.Eventually(t, func() bool { return env.srv.Hub().RoomMemberCount(chat.DefaultRoom) == 1 }, waitFor, tick)
	assert.Equal(t, 0, env.srv.Hub().RoomMemberCount("r1"))
	assert.Equal(t, StateJoined, a.State())

	require.NoError(t, a.SendMessage("back in the lobby"))
	require.Eventually(t, hasMessages(lobby, 1), waitFor, tick)
	assert.Equal(t, chat.DefaultRoom, lobby.Messages()[0].RoomID)
	assert.Len(t, env.srv.Hub().History(chat.DefaultRoom), 1)
	assert.Empty(t, env.srv.Hub().History("r1"))
}

// TestUnmountLeavesRoom verifies the last subscription for a room leaves it
// while the connection stays open.
func TestUnmountLeavesRoom(t *testing.T) {
	env := newTestEnv(t)
	a := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})

	sub, _ := mount(t, a, "r1")
	require.Eventually(t, func() bool { return env.srv.Hub().RoomMemberCount("r1") == 1 }, waitFor, tick)

	sub.Unmount()

	require.Eventually(t, func() bool { return env.srv.Hub().RoomMemberCount("r1") == 0 }, waitFor, tick)
	assert.Equal(t, 1, env.srv.Hub().ClientCount())
	assert.Equal(t, StateConnected, a.State())
	assert.ErrorIs(t, a.SendMessage("anyone?"), ErrNoRoom)

	require.NoError(t, a.Close())
	assert.Equal(t, StateDisconnected, a.State())
	_, err := a.Mount(context.Background(), "r1", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

// TestReconnect verifies a dropped connection is redialed and the active
// room rejoined.
func TestReconnect(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.config()
	cfg.Reconnect = true
	cfg.BackoffMin = 20 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond

	bob := newTestAdapter(t, cfg, &Identity{ID: "u2", DisplayName: "Bob"})
	bobSub, rec := mount(t, bob, "r1")

	calls := rec.count()
	bob.mu.Lock()
	conn := bob.conn
	bob.mu.Unlock()
	require.NoError(t, conn.Close())

	// The rejoin delivers a fresh snapshot.
	require.Eventually(t, func() bool { return rec.count() > calls && bob.State() == StateJoined }, waitFor, tick)
	require.Eventually(t, func() bool { return env.srv.Hub().RoomMemberCount("r1") == 1 }, waitFor, tick)

	alice := newTestAdapter(t, env.config(), &Identity{ID: "u1", DisplayName: "Alice"})
	mount(t, alice, "r1")
	require.NoError(t, alice.SendMessage("welcome back"))
	require.Eventually(t, hasMessages(bobSub, 1), waitFor, tick)
}

// TestStateString covers the state names used in logs.
func TestStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", StateUninitialized.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "State(42)", State(42).String())
}
