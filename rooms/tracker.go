// Package rooms tracks confirmed room membership on the current connection.
package rooms

import (
	"context"
	"sort"
	"sync"

	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/events"
	"github.com/edustream/classchat/internal/broadcast"
	"github.com/edustream/classchat/logger"
)

// Conn is the part of the connection manager the tracker needs.
type Conn interface {
	Emit(event string, payload any) error
	IsConnected() bool
	OnReset(fn func())
}

// Source provides join and leave acknowledgments.
type Source interface {
	RoomJoined() *broadcast.Subscription[events.RoomEvent]
	RoomLeft() *broadcast.Subscription[events.RoomEvent]
}

// Tracker gates room-scoped UI actions on a server join acknowledgment.
// Outbound actions are fire-and-forget; the server validates membership.
type Tracker struct {
	conn Conn
	log  logger.Logger

	mu    sync.RWMutex
	rooms map[int64]struct{}
}

// NewTracker registers a reset hook on conn that clears membership whenever
// the connection goes away.
func NewTracker(conn Conn, log logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewNoopLogger()
	}

	t := &Tracker{
		conn:  conn,
		log:   log.Named("rooms"),
		rooms: make(map[int64]struct{}),
	}

	conn.OnReset(t.Reset)

	return t
}

// Start consumes acknowledgments until ctx ends. It returns once both
// subscriptions are in place.
func (t *Tracker) Start(ctx context.Context, source Source) {
	joined := source.RoomJoined()
	left := source.RoomLeft()

	go func() {
		defer joined.Close()
		defer left.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-joined.C():
				if !ok {
					return
				}

				t.handleJoined(ev.RoomID)
			case ev, ok := <-left.C():
				if !ok {
					return
				}

				t.remove(ev.RoomID)
			}
		}
	}()
}

// Join asks the server to join roomID. Membership is recorded when the
// acknowledgment arrives.
func (t *Tracker) Join(roomID int64) error {
	if !t.conn.IsConnected() {
		return chaterrors.ErrNotConnected(events.JoinRoom)
	}

	t.log.Debug("joining room", logger.Int64("room_id", roomID))

	return t.conn.Emit(events.JoinRoom, events.RoomPayload{RoomID: roomID})
}

// Leave asks the server to leave roomID and drops membership immediately.
func (t *Tracker) Leave(roomID int64) {
	t.remove(roomID)

	if !t.conn.IsConnected() {
		return
	}

	if err := t.conn.Emit(events.LeaveRoom, events.RoomPayload{RoomID: roomID}); err != nil {
		t.log.Debug("leave not sent", logger.Int64("room_id", roomID), logger.Error(err))
	}
}

// IsMember reports whether the join of roomID was acknowledged.
func (t *Tracker) IsMember(roomID int64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.rooms[roomID]

	return ok
}

// CanSend reports whether the input for roomID should be enabled.
func (t *Tracker) CanSend(roomID int64) bool {
	return t.conn.IsConnected() && t.IsMember(roomID)
}

// Rooms returns the joined rooms in ascending order.
func (t *Tracker) Rooms() []int64 {
	t.mu.RLock()
	out := make([]int64, 0, len(t.rooms))
	for id := range t.rooms {
		out = append(out, id)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// Reset forgets every membership.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.rooms = make(map[int64]struct{})
	t.mu.Unlock()
}

func (t *Tracker) SendMessage(roomID int64, content string) error {
	return t.emit(events.SendMessage, events.MessagePayload{RoomID: roomID, Content: content})
}

func (t *Tracker) SendTyping(roomID int64) error {
	return t.emit(events.Typing, events.RoomPayload{RoomID: roomID})
}

func (t *Tracker) SendStopTyping(roomID int64) error {
	return t.emit(events.StopTyping, events.RoomPayload{RoomID: roomID})
}

func (t *Tracker) emit(event string, payload any) error {
	if !t.conn.IsConnected() {
		return chaterrors.ErrNotConnected(event)
	}

	return t.conn.Emit(event, payload)
}

func (t *Tracker) handleJoined(roomID int64) {
	// an ack that raced a disconnect belongs to a dead connection
	if !t.conn.IsConnected() {
		t.log.Debug("dropping join ack while disconnected", logger.Int64("room_id", roomID))

		return
	}

	t.mu.Lock()
	t.rooms[roomID] = struct{}{}
	t.mu.Unlock()

	t.log.Info("joined room", logger.Int64("room_id", roomID))
}

func (t *Tracker) remove(roomID int64) {
	t.mu.Lock()
	delete(t.rooms, roomID)
	t.mu.Unlock()
}
