// Package session orchestrates viewing one room: connection, membership,
// backlog, live messages and typing presence, folded into a single
// deduplicated timeline.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edustream/classchat/auth"
	"github.com/edustream/classchat/chat"
	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/events"
	"github.com/edustream/classchat/internal/broadcast"
	"github.com/edustream/classchat/logger"
	"github.com/edustream/classchat/metrics"
	"github.com/edustream/classchat/socket"
	"github.com/edustream/classchat/typing"
)

// Connection is the shared connection manager.
type Connection interface {
	Connect(token string)
	Disconnect()
	Status() socket.Status
	WaitConnected(ctx context.Context) error
	Subscribe(buffer int) *broadcast.Subscription[socket.Status]
}

// Rooms is the membership tracker.
type Rooms interface {
	Join(roomID int64) error
	Leave(roomID int64)
	IsMember(roomID int64) bool
	SendMessage(roomID int64, content string) error
	SendTyping(roomID int64) error
	SendStopTyping(roomID int64) error
}

// Events is the inbound event router.
type Events interface {
	Messages() *broadcast.Subscription[chat.Message]
	Errors() *broadcast.Subscription[events.ServerError]
	Typing() *broadcast.Subscription[events.TypingEvent]
	RoomJoined() *broadcast.Subscription[events.RoomEvent]
	RoomLeft() *broadcast.Subscription[events.RoomEvent]
}

// History is the backlog pager.
type History interface {
	FetchInitial(ctx context.Context, roomID int64, pageSize int) (chat.HistoryPage, error)
	FetchOlderThan(ctx context.Context, roomID, beforeID int64, limit int) ([]chat.Message, error)
}

// Deps are the collaborators shared across sessions of one login.
type Deps struct {
	Conn     Connection
	Rooms    Rooms
	Events   Events
	History  History
	Tokens   auth.TokenProvider
	Presence *typing.Presence
	Log      logger.Logger
	Metrics  *metrics.Metrics
}

// Config tunes a session.
type Config struct {
	PageSize       int
	LoadMoreLimit  int
	ConnectTimeout time.Duration
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
	Clock          clockwork.Clock
}

// DefaultConfig returns the default session tuning.
func DefaultConfig() Config {
	return Config{
		PageSize:       50,
		LoadMoreLimit:  50,
		ConnectTimeout: 30 * time.Second,
		TypingIdle:     typing.DefaultIdleTimeout,
		TypingExpiry:   typing.DefaultReceiverExpiry,
	}
}

// Controller owns one room-viewing session. All state changes are serialized
// by mu; inbound streams are consumed by a single pump goroutine.
type Controller struct {
	deps    Deps
	config  Config
	log     logger.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	epoch     uint64
	joinedGen uint64
	debouncer *typing.Debouncer
	cancel    context.CancelFunc
	done      chan struct{}

	topic *broadcast.Topic[State]
}

// New creates an idle controller.
func New(deps Deps, config Config) *Controller {
	def := DefaultConfig()
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}

	if config.LoadMoreLimit <= 0 {
		config.LoadMoreLimit = def.LoadMoreLimit
	}

	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = def.ConnectTimeout
	}

	if config.TypingIdle <= 0 {
		config.TypingIdle = def.TypingIdle
	}

	if config.TypingExpiry < 0 {
		config.TypingExpiry = 0
	}

	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	log := deps.Log
	if log == nil {
		log = logger.NewNoopLogger()
	}

	if deps.Presence == nil {
		deps.Presence = typing.NewPresence(0, config.TypingExpiry, config.Clock)
	}

	return &Controller{
		deps:    deps,
		config:  config,
		log:     log.Named("session"),
		metrics: deps.Metrics,
		state:   State{Phase: PhaseIdle},
		topic:   broadcast.New[State](nil),
	}
}

// Initialize starts viewing roomID as userID: connect if needed, join, and
// load the most recent page. Failures land in State; the returned error is
// informational.
func (c *Controller) Initialize(ctx context.Context, roomID, userID int64) error {
	c.mu.Lock()
	if c.state.Phase != PhaseIdle {
		phase := c.state.Phase
		c.mu.Unlock()

		return fmt.Errorf("session: initialize in phase %s", phase)
	}

	c.state.RoomID = roomID
	c.state.UserID = userID
	c.state.Phase = PhaseLoading
	c.state.Connection = c.deps.Conn.Status()
	c.deps.Presence.SetSelf(userID)
	c.debouncer = typing.NewDebouncer(roomID, c.deps.Rooms, c.config.TypingIdle, c.config.Clock, c.log)
	c.startPumpLocked()
	c.publishLocked()
	c.mu.Unlock()

	c.log.Info("initializing session", logger.Int64("room_id", roomID), logger.Int64("user_id", userID))

	return c.load(ctx)
}

// Retry re-runs the initial load after an Error phase.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase != PhaseError {
		c.mu.Unlock()

		return nil
	}

	c.state.Phase = PhaseLoading
	c.state.Failure = nil
	c.publishLocked()
	c.mu.Unlock()

	return c.load(ctx)
}

func (c *Controller) load(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	roomID := c.state.RoomID
	c.mu.Unlock()

	token, ok := c.deps.Tokens.Token(ctx)
	if !ok {
		err := chaterrors.ErrUnauthenticated("initialize")
		c.failLoad(epoch, ScopeAuth, err)

		return err
	}

	c.deps.Conn.Connect(token)

	wctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	err := c.deps.Conn.WaitConnected(wctx)
	cancel()

	if err != nil {
		c.failLoad(epoch, ScopeConnection, err)

		return err
	}

	c.mu.Lock()
	if !c.liveLocked(epoch) {
		c.mu.Unlock()

		return chaterrors.ErrSessionDisposed("join")
	}

	c.state.Connection = c.deps.Conn.Status()
	c.rejoinLocked()
	c.mu.Unlock()

	page, err := c.deps.History.FetchInitial(ctx, roomID, c.config.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked(epoch) {
		c.log.Debug("discarding initial page", logger.Int64("room_id", roomID))

		return chaterrors.ErrSessionDisposed("initial load")
	}

	if err != nil {
		c.state.Phase = PhaseError
		c.state.Messages = nil
		c.state.HasMore = false
		c.state.Failure = &Failure{Scope: ScopeInitial, Message: chaterrors.UserMessage(err)}
		c.publishLocked()

		return err
	}

	c.mergeLocked(page.Messages)
	c.state.HasMore = page.HasMore
	c.state.Phase = PhaseReady
	c.publishLocked()

	c.log.Info("session ready",
		logger.Int64("room_id", roomID),
		logger.Int("messages", len(c.state.Messages)),
		logger.Bool("has_more", page.HasMore),
	)

	return nil
}

func (c *Controller) failLoad(epoch uint64, scope Scope, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked(epoch) {
		return
	}

	c.state.Phase = PhaseError
	c.state.Failure = &Failure{Scope: scope, Message: failureMessage(scope, err)}
	c.publishLocked()

	c.log.Warn("session load failed", logger.String("scope", string(scope)), logger.Error(err))
}

func failureMessage(scope Scope, err error) string {
	if scope == ScopeConnection {
		return "Unable to connect to chat"
	}

	return chaterrors.UserMessage(err)
}

// LoadMore fetches the page before the oldest message. It reports whether a
// fetch was started; it declines outside Ready, without more history, or while
// another load is in flight.
func (c *Controller) LoadMore(ctx context.Context) bool {
	c.mu.Lock()
	if c.state.Phase != PhaseReady || c.state.LoadingMore || !c.state.HasMore || len(c.state.Messages) == 0 {
		c.mu.Unlock()

		return false
	}

	roomID := c.state.RoomID
	oldest := c.state.Messages[0].ID
	epoch := c.epoch
	c.state.LoadingMore = true
	c.publishLocked()
	c.mu.Unlock()

	older, err := c.deps.History.FetchOlderThan(ctx, roomID, oldest, c.config.LoadMoreLimit)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked(epoch) {
		return true
	}

	c.state.LoadingMore = false

	if err != nil {
		c.state.Failure = &Failure{Scope: ScopeLoadMore, Message: chaterrors.UserMessage(err)}
		c.publishLocked()
		c.log.Warn("load more failed", logger.Int64("room_id", roomID), logger.Error(err))

		return true
	}

	c.mergeLocked(older)
	c.state.HasMore = len(older) > 0
	c.publishLocked()

	return true
}

// Send posts content to the room. Blank content is ignored. The message
// appears in the timeline when the server echoes it.
func (c *Controller) Send(content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	c.mu.Lock()
	if c.state.Phase == PhaseIdle || c.state.Phase == PhaseDisposed {
		c.mu.Unlock()

		return chaterrors.ErrSessionDisposed("send")
	}

	roomID := c.state.RoomID
	debouncer := c.debouncer
	c.mu.Unlock()

	err := c.deps.Rooms.SendMessage(roomID, content)
	debouncer.Sent()

	if err != nil {
		c.mu.Lock()
		c.state.Failure = &Failure{Scope: ScopeSend, Message: chaterrors.UserMessage(err)}
		c.publishLocked()
		c.mu.Unlock()

		return err
	}

	return nil
}

// OnTyping forwards local keystroke activity.
func (c *Controller) OnTyping(active bool) {
	c.mu.Lock()
	debouncer := c.debouncer
	live := c.state.Phase != PhaseDisposed
	c.mu.Unlock()

	if debouncer == nil || !live {
		return
	}

	debouncer.OnTyping(active)
}

// Reconnect drops and re-opens the shared connection with a fresh token. The
// room is rejoined once the new connection is up.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Phase == PhaseIdle || c.state.Phase == PhaseDisposed {
		c.mu.Unlock()

		return chaterrors.ErrSessionDisposed("reconnect")
	}
	c.mu.Unlock()

	token, ok := c.deps.Tokens.Token(ctx)
	if !ok {
		err := chaterrors.ErrUnauthenticated("reconnect")
		c.setFailure(ScopeAuth, chaterrors.UserMessage(err))

		return err
	}

	c.deps.Conn.Disconnect()
	c.deps.Conn.Connect(token)

	wctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	if err := c.deps.Conn.WaitConnected(wctx); err != nil {
		c.setFailure(ScopeConnection, failureMessage(ScopeConnection, err))

		return err
	}

	return nil
}

// ClearError dismisses the current failure notice.
func (c *Controller) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Failure == nil {
		return
	}

	c.state.Failure = nil
	c.publishLocked()
}

// Dispose ends the session: it stops consuming events, leaves the room and
// clears its typing set. The shared connection stays up. Results of fetches
// still in flight are discarded.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.state.Phase == PhaseDisposed {
		c.mu.Unlock()

		return
	}

	wasIdle := c.state.Phase == PhaseIdle
	c.state.Phase = PhaseDisposed
	c.state.LoadingMore = false
	c.state.Member = false
	c.state.TypingUsers = nil
	c.epoch++
	roomID := c.state.RoomID
	debouncer := c.debouncer
	cancel := c.cancel
	done := c.done
	c.publishLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.topic.Close()

	if wasIdle {
		return
	}

	debouncer.Stop()

	if c.deps.Rooms.IsMember(roomID) {
		c.deps.Rooms.Leave(roomID)
	}

	c.deps.Presence.ClearRoom(roomID)
	c.log.Info("session disposed", logger.Int64("room_id", roomID))
}

// State returns a snapshot of the session.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state.clone()
}

// Subscribe returns a conflated stream of snapshots: a slow reader sees only
// the latest state. The first value is the current state.
func (c *Controller) Subscribe() *broadcast.Subscription[State] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.topic.SubscribeWith(1, c.state.clone())
}

func (c *Controller) setFailure(scope Scope, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed {
		return
	}

	c.state.Failure = &Failure{Scope: scope, Message: message}
	c.publishLocked()
}

func (c *Controller) liveLocked(epoch uint64) bool {
	return c.state.Phase != PhaseDisposed && c.epoch == epoch
}

// rejoinLocked joins the room once per connection generation.
func (c *Controller) rejoinLocked() {
	st := c.state.Connection
	if st.State != socket.Connected || st.Generation == c.joinedGen {
		return
	}

	if err := c.deps.Rooms.Join(c.state.RoomID); err != nil {
		c.log.Debug("join not sent", logger.Int64("room_id", c.state.RoomID), logger.Error(err))

		return
	}

	c.joinedGen = st.Generation
}

// mergeLocked folds msgs into the timeline and reports how many were new.
func (c *Controller) mergeLocked(msgs []chat.Message) int {
	before := len(c.state.Messages)
	c.state.Messages = chat.Merge(c.state.Messages, chat.FilterRoom(msgs, c.state.RoomID))
	added := len(c.state.Messages) - before
	c.metrics.MessagesMerged(added)

	return added
}

func (c *Controller) publishLocked() {
	c.topic.Publish(c.state.clone())
}
