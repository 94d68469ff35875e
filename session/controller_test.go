package session

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edustream/classchat/chat"
	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/events"
	"github.com/edustream/classchat/socket"
)

func TestInitializeLoadsHistory(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(true, 12, 10, 11))
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	st := c.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, []int64{10, 11, 12}, ids(st.Messages))
	assert.True(t, st.HasMore)
	assert.Nil(t, st.Failure)
	assert.Equal(t, testRoom, st.RoomID)
	assert.Equal(t, testUser, st.UserID)
	assert.Equal(t, []string{events.JoinRoom}, h.sent())
	assert.Equal(t, events.RoomPayload{RoomID: testRoom}, h.at(0).payload)

	h.waitFor(func(s State) bool { return s.CanSend() }, "join ack enables input")
	assert.True(t, h.tracker.IsMember(testRoom))
}

func TestInitializeTwiceFails(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	assert.Error(t, c.Initialize(context.Background(), testRoom, testUser))
	assert.Equal(t, 1, h.socketCount())
}

func TestLiveMessagesAreDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(true, 10, 11, 12))
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	h.deliver(testRoom, 11, 13)
	h.deliver(99, 14)

	h.waitFor(func(s State) bool { return len(s.Messages) == 4 })
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []int64{10, 11, 12, 13}, ids(c.State().Messages))
	assert.Equal(t, "m11", c.State().Messages[1].Content)
}

func TestLoadMoreScenario(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(true, 10, 11, 12))
	c := h.controller(Config{LoadMoreLimit: 3})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	var gotBefore int64
	var gotLimit int
	h.history.setOlder(func(_ context.Context, beforeID int64, limit int) ([]chat.Message, error) {
		gotBefore, gotLimit = beforeID, limit

		if beforeID == 10 {
			return msgs(7, 8, 9), nil
		}

		return nil, nil
	})

	require.True(t, c.LoadMore(context.Background()))
	assert.Equal(t, int64(10), gotBefore)
	assert.Equal(t, 3, gotLimit)

	st := c.State()
	assert.Equal(t, []int64{7, 8, 9, 10, 11, 12}, ids(st.Messages))
	assert.True(t, st.HasMore)
	assert.False(t, st.LoadingMore)

	h.deliver(testRoom, 11)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.State().Messages, 6, "duplicate live message ignored")

	require.True(t, c.LoadMore(context.Background()))
	assert.Equal(t, int64(7), gotBefore)
	assert.False(t, c.State().HasMore)

	assert.False(t, c.LoadMore(context.Background()), "no more history")
	assert.Equal(t, int32(2), h.history.olderCalls.Load())
}

func TestLoadMoreGuards(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	assert.False(t, c.LoadMore(context.Background()), "idle")

	h.history.setInitial(page(true))
	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	assert.False(t, c.LoadMore(context.Background()), "empty timeline")

	h2 := newHarness(t)
	h2.history.setInitial(page(false, 5))
	c2 := h2.controller(Config{})
	require.NoError(t, c2.Initialize(context.Background(), testRoom, testUser))
	assert.False(t, c2.LoadMore(context.Background()), "has_more false")
	assert.Zero(t, h.history.olderCalls.Load()+h2.history.olderCalls.Load())
}

func TestConcurrentLoadMoreIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(true, 10, 11))
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	release := make(chan struct{})
	h.history.setOlder(func(context.Context, int64, int) ([]chat.Message, error) {
		<-release

		return msgs(8, 9), nil
	})

	done := make(chan bool, 1)
	go func() { done <- c.LoadMore(context.Background()) }()

	h.waitFor(func(s State) bool { return s.LoadingMore })
	assert.False(t, c.LoadMore(context.Background()))

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), h.history.olderCalls.Load())
	assert.Equal(t, []int64{8, 9, 10, 11}, ids(c.State().Messages))
}

func TestLoadMoreFailureKeepsTimeline(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(true, 10, 11))
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	h.history.setOlder(func(context.Context, int64, int) ([]chat.Message, error) {
		return nil, chaterrors.ErrFetchFailed("load more", &chaterrors.FetchError{Op: "older", Status: 500, Message: "Failed to load messages: 500"})
	})

	require.True(t, c.LoadMore(context.Background()))

	st := c.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, []int64{10, 11}, ids(st.Messages))
	assert.True(t, st.HasMore)
	require.NotNil(t, st.Failure)
	assert.Equal(t, ScopeLoadMore, st.Failure.Scope)
	assert.Equal(t, "Failed to load messages: 500", st.Failure.Message)

	c.ClearError()
	assert.Nil(t, c.State().Failure)
}

func TestInitialFetchFailureAndRetry(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(func(context.Context) (chat.HistoryPage, error) {
		return chat.HistoryPage{}, chaterrors.ErrFetchFailed("initial", &chaterrors.FetchError{Op: "initial", Status: 500, Message: "Failed to load chat history: 500"})
	})
	c := h.controller(Config{})

	err := c.Initialize(context.Background(), testRoom, testUser)
	require.Error(t, err)

	st := c.State()
	assert.Equal(t, PhaseError, st.Phase)
	assert.Empty(t, st.Messages)
	require.NotNil(t, st.Failure)
	assert.Equal(t, ScopeInitial, st.Failure.Scope)
	assert.Equal(t, "Failed to load chat history: 500", st.Failure.Message)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), h.history.initialCalls.Load(), "no automatic retry")
	assert.False(t, c.LoadMore(context.Background()))

	h.history.setInitial(page(false, 1, 2))
	require.NoError(t, c.Retry(context.Background()))

	st = c.State()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, []int64{1, 2}, ids(st.Messages))
	assert.Nil(t, st.Failure)
	assert.Equal(t, 1, countOf(h.sent(), events.JoinRoom), "same connection, single join")

	assert.NoError(t, c.Retry(context.Background()), "retry outside error is a no-op")
	assert.Equal(t, int32(2), h.history.initialCalls.Load())
}

func TestInitializeWithoutToken(t *testing.T) {
	h := newHarness(t)
	h.tokens.Clear()
	c := h.controller(Config{})

	err := c.Initialize(context.Background(), testRoom, testUser)
	assert.True(t, chaterrors.IsUnauthenticated(err))

	st := c.State()
	assert.Equal(t, PhaseError, st.Phase)
	require.NotNil(t, st.Failure)
	assert.Equal(t, ScopeAuth, st.Failure.Scope)
	assert.Equal(t, "Not authenticated", st.Failure.Message)
	assert.Zero(t, h.socketCount())
	assert.Zero(t, h.history.initialCalls.Load())
}

func TestInitializeConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.mode = connectFail
	c := h.controller(Config{})

	err := c.Initialize(context.Background(), testRoom, testUser)
	assert.True(t, chaterrors.IsConnectionFailed(err))

	st := c.State()
	assert.Equal(t, PhaseError, st.Phase)
	require.NotNil(t, st.Failure)
	assert.Equal(t, ScopeConnection, st.Failure.Scope)
	assert.Equal(t, "Unable to connect to chat", st.Failure.Message)
	h.waitFor(func(s State) bool { return s.Connection.State == socket.Error })
	assert.Zero(t, h.history.initialCalls.Load())
}

func TestInitializeConnectTimeout(t *testing.T) {
	h := newHarness(t)
	h.mode = connectManual
	c := h.controller(Config{ConnectTimeout: 30 * time.Millisecond})

	err := c.Initialize(context.Background(), testRoom, testUser)
	assert.True(t, chaterrors.IsConnectionFailed(err))
	assert.Equal(t, PhaseError, c.State().Phase)
}

func TestSend(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.resetWire()

	require.NoError(t, c.Send(""))
	require.NoError(t, c.Send("   "))
	assert.Empty(t, h.sent())

	require.NoError(t, c.Send("  hi  "))
	assert.Equal(t, []string{events.SendMessage, events.StopTyping}, h.sent())
	assert.Equal(t, events.MessagePayload{RoomID: testRoom, Content: "hi"}, h.at(0).payload)

	// no optimistic insert
	assert.Empty(t, c.State().Messages)

	h.deliver(testRoom, 100)
	h.waitFor(func(s State) bool { return len(s.Messages) == 1 })
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.manager.Disconnect()
	h.resetWire()

	err := c.Send("hello")
	assert.True(t, chaterrors.IsNotConnected(err))
	assert.Empty(t, h.sent())

	st := c.State()
	require.NotNil(t, st.Failure)
	assert.Equal(t, ScopeSend, st.Failure.Scope)
	assert.Equal(t, "Not connected", st.Failure.Message)
}

func TestSendBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	assert.True(t, chaterrors.IsSessionDisposed(c.Send("hi")))
	assert.Empty(t, h.sent())
}

func TestTypingDebounce(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{TypingExpiry: -1})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.resetWire()

	c.OnTyping(true)
	h.clock.Advance(time.Second)
	c.OnTyping(true)
	h.clock.Advance(time.Second)
	c.OnTyping(true)

	assert.Equal(t, []string{events.Typing}, h.sent())

	h.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return len(h.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.Typing, events.StopTyping}, h.sent())

	c.OnTyping(true)
	c.OnTyping(false)
	assert.Equal(t, []string{events.Typing, events.StopTyping, events.Typing, events.StopTyping}, h.sent())
}

func TestRemoteTyping(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{TypingExpiry: -1})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	h.router.Dispatch(events.UserTyping, []byte(`{"classroom_id":42,"user_id":2,"user_name":"Ada"}`))
	h.router.Dispatch(events.UserTyping, []byte(`{"classroom_id":42,"user_id":7,"user_name":"Me"}`))
	h.router.Dispatch(events.UserTyping, []byte(`{"classroom_id":99,"user_id":3,"user_name":"Elsewhere"}`))

	h.waitFor(func(s State) bool { return len(s.TypingUsers) == 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []chat.TypingUser{{UserID: 2, UserName: "Ada"}}, c.State().TypingUsers)

	h.router.Dispatch(events.UserStopTyping, []byte(`{"classroom_id":42,"user_id":2}`))
	h.waitFor(func(s State) bool { return len(s.TypingUsers) == 0 })

	h.router.Dispatch(events.UserTyping, []byte(`{"classroom_id":42,"user_id":3,"user_name":"Bo"}`))
	h.waitFor(func(s State) bool { return len(s.TypingUsers) == 1 })

	h.lastSocket().handler.OnDisconnect("transport close")
	h.waitFor(func(s State) bool { return len(s.TypingUsers) == 0 }, "disconnect clears typing")
}

func TestRemoteTypingExpiry(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{TypingExpiry: 10 * time.Second})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	h.router.Dispatch(events.UserTyping, []byte(`{"classroom_id":42,"user_id":2,"user_name":"Ada"}`))
	h.waitFor(func(s State) bool { return len(s.TypingUsers) == 1 })

	require.Eventually(t, func() bool {
		h.clock.Advance(5 * time.Second)

		return len(c.State().TypingUsers) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerErrorNotice(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(false, 1))
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

	h.router.Dispatch(events.ServerErr, []byte(`{"message":"You are not a member of this classroom"}`))
	h.waitFor(func(s State) bool { return s.Failure != nil })

	st := c.State()
	assert.Equal(t, ScopeServer, st.Failure.Scope)
	assert.Equal(t, "You are not a member of this classroom", st.Failure.Message)
	assert.Equal(t, PhaseReady, st.Phase)
	assert.Equal(t, []int64{1}, ids(st.Messages))
	assert.Equal(t, socket.Connected, st.Connection.State)

	c.ClearError()
	assert.Nil(t, c.State().Failure)
}

func TestRejoinAfterReconnect(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.waitFor(func(s State) bool { return s.Member })

	s := h.lastSocket()
	s.handler.OnDisconnect("transport close")
	h.waitFor(func(s State) bool { return !s.Member && s.Connection.State == socket.Disconnected })
	assert.False(t, h.tracker.IsMember(testRoom))

	s.handler.OnConnect()
	h.waitFor(func(s State) bool { return s.Member && s.Connection.Generation == 2 })

	assert.Equal(t, 2, countOf(h.sent(), events.JoinRoom))
	assert.Equal(t, 1, h.socketCount())
}

func TestReconnect(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.tokens.Set("fresh")

	require.NoError(t, c.Reconnect(context.Background()))
	assert.Equal(t, 2, h.socketCount())

	h.waitFor(func(s State) bool { return s.Member && s.Connection.Generation == 2 })
	assert.Equal(t, 2, countOf(h.sent(), events.JoinRoom))

	h.tokens.Clear()
	err := c.Reconnect(context.Background())
	assert.True(t, chaterrors.IsUnauthenticated(err))
	assert.Equal(t, ScopeAuth, c.State().Failure.Scope)
}

func TestDisposeDiscardsLateFetch(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	release := make(chan struct{})
	h.history.setInitial(func(context.Context) (chat.HistoryPage, error) {
		close(started)
		<-release

		return chat.HistoryPage{Messages: msgs(1, 2, 3), HasMore: true}, nil
	})

	c := h.controller(Config{})

	done := make(chan error, 1)
	go func() { done <- c.Initialize(context.Background(), testRoom, testUser) }()

	<-started
	require.Eventually(t, func() bool { return h.tracker.IsMember(testRoom) }, time.Second, 5*time.Millisecond)

	c.Dispose()
	close(release)

	err := <-done
	assert.True(t, chaterrors.IsSessionDisposed(err))

	st := c.State()
	assert.Equal(t, PhaseDisposed, st.Phase)
	assert.Empty(t, st.Messages)

	assert.Equal(t, 1, countOf(h.sent(), events.LeaveRoom))
	assert.False(t, h.tracker.IsMember(testRoom))
	assert.True(t, h.manager.IsConnected(), "dispose keeps the shared connection")

	h.deliver(testRoom, 50)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.State().Messages)

	c.Dispose()
}

func TestDisposeStopsTyping(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.waitFor(func(s State) bool { return s.Member })

	c.OnTyping(true)
	c.Dispose()

	sent := h.sent()
	assert.Equal(t, []string{events.JoinRoom, events.Typing, events.StopTyping, events.LeaveRoom}, sent)

	c.OnTyping(true)
	assert.Len(t, h.sent(), 4)
}

func TestDisposeIdle(t *testing.T) {
	h := newHarness(t)
	c := h.controller(Config{})

	c.Dispose()
	assert.Equal(t, PhaseDisposed, c.State().Phase)
	assert.Error(t, c.Initialize(context.Background(), testRoom, testUser))
	assert.Zero(t, h.socketCount())
}

func TestSubscribeIsConflated(t *testing.T) {
	h := newHarness(t)
	h.history.setInitial(page(true, 1))
	c := h.controller(Config{})

	sub := c.Subscribe()
	defer sub.Close()

	first := <-sub.C()
	assert.Equal(t, PhaseIdle, first.Phase)

	require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))
	h.deliver(testRoom, 2, 3, 4)
	h.waitFor(func(s State) bool { return len(s.Messages) == 4 })

	require.Eventually(t, func() bool {
		select {
		case st := <-sub.C():
			return len(st.Messages) == 4
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	st := c.State()
	st.Messages[0].Content = "mutated"
	assert.Equal(t, "m1", c.State().Messages[0].Content, "snapshots are copies")
}

func TestTimelineInvariantUnderInterleaving(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		h := newHarness(t)
		h.history.setInitial(page(true, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100))

		var mu sync.Mutex
		remaining := []int64{}
		for id := int64(1); id < 90; id++ {
			remaining = append(remaining, id)
		}

		h.history.setOlder(func(_ context.Context, beforeID int64, limit int) ([]chat.Message, error) {
			mu.Lock()
			defer mu.Unlock()

			var out []int64
			for _, id := range remaining {
				if id < beforeID {
					out = append(out, id)
				}
			}

			if len(out) > limit {
				out = out[len(out)-limit:]
			}

			return msgs(out...), nil
		})

		c := h.controller(Config{LoadMoreLimit: 10})
		require.NoError(t, c.Initialize(context.Background(), testRoom, testUser))

		rng := rand.New(rand.NewSource(seed))
		live := make([]int64, 0, 60)
		for i := 0; i < 40; i++ {
			live = append(live, 90+rng.Int63n(50))
		}

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()

			for _, id := range live {
				h.deliver(testRoom, id)
			}
		}()

		go func() {
			defer wg.Done()

			for i := 0; i < 12; i++ {
				c.LoadMore(context.Background())
			}
		}()

		wg.Wait()

		want := map[int64]bool{}
		for id := int64(1); id <= 100; id++ {
			want[id] = true
		}

		for _, id := range live {
			want[id] = true
		}

		expected := make([]int64, 0, len(want))
		for id := range want {
			expected = append(expected, id)
		}

		sort.Slice(expected, func(i, j int) bool { return expected[i] < expected[j] })

		h.waitFor(func(s State) bool { return len(s.Messages) == len(expected) }, "seed %d", seed)
		assert.Equal(t, expected, ids(c.State().Messages), "seed %d", seed)
		assert.False(t, c.State().HasMore)
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "loading", PhaseLoading.String())
	assert.Equal(t, "ready", PhaseReady.String())
	assert.Equal(t, "error", PhaseError.String())
	assert.Equal(t, "disposed", PhaseDisposed.String())
	assert.Equal(t, "unknown", Phase(9).String())
}
