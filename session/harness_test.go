package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/edustream/classchat/auth"
	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/events"
	"github.com/edustream/classchat/internal/sio"
	"github.com/edustream/classchat/rooms"
	"github.com/edustream/classchat/socket"
	"github.com/edustream/classchat/typing"
)

const (
	testRoom = int64(42)
	testUser = int64(7)
)

type connectMode int

const (
	connectOK connectMode = iota
	connectFail
	connectManual
)

type emitted struct {
	event   string
	payload any
}

type harness struct {
	t *testing.T

	mode     connectMode
	ackJoins bool

	router  *events.Router
	manager *socket.Manager
	tracker *rooms.Tracker
	history *fakeHistory
	tokens  *auth.Static
	clock   clockwork.FakeClock
	ctrl    *Controller

	mu      sync.Mutex
	wire    []emitted
	sockets []*fakeSocket
}

type fakeSocket struct {
	h       *harness
	handler sio.Handler
}

func (s *fakeSocket) Connect() {
	switch s.h.mode {
	case connectOK:
		s.handler.OnConnect()
	case connectFail:
		s.handler.OnConnectError(errors.New("connection refused"), true)
	case connectManual:
	}
}

func (s *fakeSocket) Emit(event string, payload any) error {
	s.h.mu.Lock()
	s.h.wire = append(s.h.wire, emitted{event, payload})
	s.h.mu.Unlock()

	if event == events.JoinRoom && s.h.ackJoins {
		p := payload.(events.RoomPayload)
		s.h.router.Dispatch(events.RoomJoined, []byte(fmt.Sprintf(`{"classroom_id":%d}`, p.RoomID)))
	}

	return nil
}

func (s *fakeSocket) Connected() bool { return true }

func (s *fakeSocket) Close() error { return nil }

type fakeHistory struct {
	initialCalls atomic.Int32
	olderCalls   atomic.Int32

	mu        sync.Mutex
	initialFn func(ctx context.Context) (chat.HistoryPage, error)
	olderFn   func(ctx context.Context, beforeID int64, limit int) ([]chat.Message, error)
}

func (f *fakeHistory) FetchInitial(ctx context.Context, roomID int64, pageSize int) (chat.HistoryPage, error) {
	f.initialCalls.Add(1)

	f.mu.Lock()
	fn := f.initialFn
	f.mu.Unlock()

	if fn == nil {
		return chat.HistoryPage{Page: 1, PageSize: pageSize}, nil
	}

	return fn(ctx)
}

func (f *fakeHistory) FetchOlderThan(ctx context.Context, roomID, beforeID int64, limit int) ([]chat.Message, error) {
	f.olderCalls.Add(1)

	f.mu.Lock()
	fn := f.olderFn
	f.mu.Unlock()

	if fn == nil {
		return nil, nil
	}

	return fn(ctx, beforeID, limit)
}

func (f *fakeHistory) setInitial(fn func(ctx context.Context) (chat.HistoryPage, error)) {
	f.mu.Lock()
	f.initialFn = fn
	f.mu.Unlock()
}

func (f *fakeHistory) setOlder(fn func(ctx context.Context, beforeID int64, limit int) ([]chat.Message, error)) {
	f.mu.Lock()
	f.olderFn = fn
	f.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		ackJoins: true,
		history:  &fakeHistory{},
		tokens:   auth.NewStatic("tok"),
		clock:    clockwork.NewFakeClock(),
	}

	h.router = events.NewRouter(events.Buffers{}, nil, nil)
	h.manager = socket.NewManager(func(token string, handler sio.Handler) (socket.Socket, error) {
		s := &fakeSocket{h: h, handler: handler}

		h.mu.Lock()
		h.sockets = append(h.sockets, s)
		h.mu.Unlock()

		return s, nil
	}, h.router, nil, nil)
	h.tracker = rooms.NewTracker(h.manager, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.tracker.Start(ctx, h.router)

	return h
}

func (h *harness) controller(config Config) *Controller {
	config.Clock = h.clock

	h.ctrl = New(Deps{
		Conn:     h.manager,
		Rooms:    h.tracker,
		Events:   h.router,
		History:  h.history,
		Tokens:   h.tokens,
		Presence: typing.NewPresence(0, config.TypingExpiry, h.clock),
	}, config)

	h.t.Cleanup(h.ctrl.Dispose)

	return h.ctrl
}

func (h *harness) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, len(h.wire))
	for i, e := range h.wire {
		out[i] = e.event
	}

	return out
}

func (h *harness) at(i int) emitted {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.wire[i]
}

func (h *harness) resetWire() {
	h.mu.Lock()
	h.wire = nil
	h.mu.Unlock()
}

func (h *harness) socketCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.sockets)
}

func (h *harness) lastSocket() *fakeSocket {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sockets[len(h.sockets)-1]
}

func (h *harness) deliver(roomID int64, ids ...int64) {
	for _, id := range ids {
		h.router.Dispatch(events.MessageReceived,
			[]byte(fmt.Sprintf(`{"id":%d,"classroom_id":%d,"sender_id":2,"sender_name":"Ada","sender_role":"student","content":"m%d"}`, id, roomID, id)))
	}
}

func (h *harness) waitFor(cond func(State) bool, msgAndArgs ...any) {
	h.t.Helper()

	require.Eventually(h.t, func() bool { return cond(h.ctrl.State()) }, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

func msg(id int64) chat.Message {
	return chat.Message{ID: id, RoomID: testRoom, SenderID: 2, SenderName: "Ada", Content: fmt.Sprintf("m%d", id)}
}

func msgs(ids ...int64) []chat.Message {
	out := make([]chat.Message, len(ids))
	for i, id := range ids {
		out[i] = msg(id)
	}

	return out
}

func page(hasMore bool, ids ...int64) func(context.Context) (chat.HistoryPage, error) {
	return func(context.Context) (chat.HistoryPage, error) {
		return chat.HistoryPage{Messages: msgs(ids...), Total: len(ids), Page: 1, PageSize: 50, HasMore: hasMore}, nil
	}
}

func ids(ms []chat.Message) []int64 {
	out := make([]int64, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}

	return out
}

func countOf(list []string, event string) int {
	n := 0

	for _, e := range list {
		if e == event {
			n++
		}
	}

	return n
}
