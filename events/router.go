// Package events turns raw transport events into typed domain events on
// bounded broadcast topics.
package events

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/internal/broadcast"
	"github.com/edustream/classchat/logger"
	"github.com/edustream/classchat/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Buffers sizes the per-subscriber queues of each topic.
type Buffers struct {
	Messages int
	Errors   int
	Typing   int
	Rooms    int
}

// DefaultBuffers returns the default subscriber queue sizes.
func DefaultBuffers() Buffers {
	return Buffers{Messages: 100, Errors: 10, Typing: 10, Rooms: 16}
}

// Router implements socket.Dispatcher. Malformed payloads are logged and
// dropped; they never reach subscribers.
type Router struct {
	log     logger.Logger
	metrics *metrics.Metrics
	buffers Buffers

	messages   *broadcast.Topic[chat.Message]
	roomJoined *broadcast.Topic[RoomEvent]
	roomLeft   *broadcast.Topic[RoomEvent]
	errors     *broadcast.Topic[ServerError]
	typing     *broadcast.Topic[TypingEvent]
}

// NewRouter creates a router. A zero buffer falls back to its default.
func NewRouter(buffers Buffers, log logger.Logger, m *metrics.Metrics) *Router {
	def := DefaultBuffers()
	if buffers.Messages <= 0 {
		buffers.Messages = def.Messages
	}

	if buffers.Errors <= 0 {
		buffers.Errors = def.Errors
	}

	if buffers.Typing <= 0 {
		buffers.Typing = def.Typing
	}

	if buffers.Rooms <= 0 {
		buffers.Rooms = def.Rooms
	}

	if log == nil {
		log = logger.NewNoopLogger()
	}

	dropped := func(topic string) func() {
		return func() { m.EventDropped(topic) }
	}

	return &Router{
		log:        log.Named("events"),
		metrics:    m,
		buffers:    buffers,
		messages:   broadcast.New[chat.Message](dropped("messages")),
		roomJoined: broadcast.New[RoomEvent](dropped("room_joined")),
		roomLeft:   broadcast.New[RoomEvent](dropped("room_left")),
		errors:     broadcast.New[ServerError](dropped("errors")),
		typing:     broadcast.New[TypingEvent](dropped("typing")),
	}
}

// Dispatch parses one inbound event and publishes the result.
func (r *Router) Dispatch(event string, payload []byte) {
	r.metrics.EventReceived(event)

	var err error

	switch event {
	case Connected:
		r.log.Info("server greeting", logger.String("payload", string(payload)))
	case MessageReceived:
		err = r.dispatchMessage(payload)
	case RoomJoined:
		err = r.dispatchRoom(payload, r.roomJoined)
	case RoomLeft:
		err = r.dispatchRoom(payload, r.roomLeft)
	case ServerErr:
		err = r.dispatchError(payload)
	case UserTyping:
		err = r.dispatchTyping(payload, true)
	case UserStopTyping:
		err = r.dispatchTyping(payload, false)
	default:
		r.log.Debug("ignoring unknown event", logger.String("event", event))
	}

	if err != nil {
		r.metrics.EventMalformed(event)
		r.log.Debug("dropping malformed event",
			logger.String("event", event),
			logger.Error(err),
		)
	}
}

func (r *Router) dispatchMessage(payload []byte) error {
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	if !msg.Valid() {
		return fmt.Errorf("invalid message %d", msg.ID)
	}

	r.messages.Publish(msg)

	return nil
}

func (r *Router) dispatchRoom(payload []byte, topic *broadcast.Topic[RoomEvent]) error {
	var w roomWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return err
	}

	if w.id() <= 0 {
		return fmt.Errorf("missing room id")
	}

	topic.Publish(RoomEvent{RoomID: w.id()})

	return nil
}

func (r *Router) dispatchError(payload []byte) error {
	var w errorWire
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &w); err != nil {
			var s string
			if json.Unmarshal(payload, &s) != nil {
				return err
			}

			w.Message = s
		}
	}

	if w.Message == "" {
		w.Message = "Unknown error"
	}

	r.errors.Publish(ServerError{Message: w.Message})

	return nil
}

func (r *Router) dispatchTyping(payload []byte, typing bool) error {
	var w typingWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return err
	}

	if w.id() <= 0 || w.UserID <= 0 {
		return fmt.Errorf("missing room or user id")
	}

	r.typing.Publish(TypingEvent{
		RoomID:   w.id(),
		UserID:   w.UserID,
		UserName: w.UserName,
		Typing:   typing,
	})

	return nil
}

// Messages subscribes to live messages.
func (r *Router) Messages() *broadcast.Subscription[chat.Message] {
	return r.messages.Subscribe(r.buffers.Messages)
}

// RoomJoined subscribes to join acknowledgments.
func (r *Router) RoomJoined() *broadcast.Subscription[RoomEvent] {
	return r.roomJoined.Subscribe(r.buffers.Rooms)
}

// RoomLeft subscribes to leave acknowledgments.
func (r *Router) RoomLeft() *broadcast.Subscription[RoomEvent] {
	return r.roomLeft.Subscribe(r.buffers.Rooms)
}

// Errors subscribes to server-pushed errors.
func (r *Router) Errors() *broadcast.Subscription[ServerError] {
	return r.errors.Subscribe(r.buffers.Errors)
}

// Typing subscribes to remote typing signals.
func (r *Router) Typing() *broadcast.Subscription[TypingEvent] {
	return r.typing.Subscribe(r.buffers.Typing)
}

// Close ends every subscription.
func (r *Router) Close() {
	r.messages.Close()
	r.roomJoined.Close()
	r.roomLeft.Close()
	r.errors.Close()
	r.typing.Close()
}
