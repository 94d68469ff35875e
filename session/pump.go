package session

import (
	"context"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/events"
	"github.com/edustream/classchat/logger"
	"github.com/edustream/classchat/socket"
)

const statusBuffer = 8

func (c *Controller) startPumpLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	msgs := c.deps.Events.Messages()
	errs := c.deps.Events.Errors()
	typingSub := c.deps.Events.Typing()
	joined := c.deps.Events.RoomJoined()
	left := c.deps.Events.RoomLeft()
	status := c.deps.Conn.Subscribe(statusBuffer)

	var sweep <-chan struct{}
	var stopSweep func()

	if c.config.TypingExpiry > 0 {
		ticker := c.config.Clock.NewTicker(c.config.TypingExpiry / 2)
		stopSweep = ticker.Stop

		ch := make(chan struct{})
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.Chan():
					select {
					case ch <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()

		sweep = ch
	}

	go func() {
		defer close(c.done)
		defer msgs.Close()
		defer errs.Close()
		defer typingSub.Close()
		defer joined.Close()
		defer left.Close()
		defer status.Close()

		if stopSweep != nil {
			defer stopSweep()
		}

		msgC := msgs.C()
		errC := errs.C()
		typingC := typingSub.C()
		joinedC := joined.C()
		leftC := left.C()
		statusC := status.C()

		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgC:
				if !ok {
					msgC = nil

					continue
				}

				c.onMessage(m)
			case e, ok := <-errC:
				if !ok {
					errC = nil

					continue
				}

				c.onServerError(e)
			case ev, ok := <-typingC:
				if !ok {
					typingC = nil

					continue
				}

				c.onTyping(ev)
			case ev, ok := <-joinedC:
				if !ok {
					joinedC = nil

					continue
				}

				c.onMembership(ev.RoomID, true)
			case ev, ok := <-leftC:
				if !ok {
					leftC = nil

					continue
				}

				c.onMembership(ev.RoomID, false)
			case st, ok := <-statusC:
				if !ok {
					statusC = nil

					continue
				}

				c.onStatus(st)
			case <-sweep:
				c.onSweep()
			}
		}
	}()
}

func (c *Controller) onMessage(m chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed || m.RoomID != c.state.RoomID {
		return
	}

	if chat.Contains(c.state.Messages, m.ID) {
		return
	}

	if c.mergeLocked([]chat.Message{m}) > 0 {
		c.publishLocked()
	}
}

func (c *Controller) onServerError(e events.ServerError) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed {
		return
	}

	c.log.Warn("server error", logger.String("message", e.Message))
	c.state.Failure = &Failure{Scope: ScopeServer, Message: e.Message}
	c.publishLocked()
}

func (c *Controller) onTyping(ev events.TypingEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed || ev.RoomID != c.state.RoomID {
		return
	}

	if c.deps.Presence.Apply(ev) {
		c.state.TypingUsers = c.deps.Presence.Users(c.state.RoomID)
		c.publishLocked()
	}
}

func (c *Controller) onMembership(roomID int64, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed || roomID != c.state.RoomID {
		return
	}

	member := joined && c.state.Connection.State == socket.Connected
	if member == c.state.Member {
		return
	}

	c.state.Member = member
	c.publishLocked()
}

// onStatus reconciles against the manager's current status; queued values
// may be older than what load already observed.
func (c *Controller) onStatus(socket.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed {
		return
	}

	st := c.deps.Conn.Status()
	prev := c.state.Connection
	if st == prev {
		return
	}

	c.state.Connection = st

	if st.State == socket.Connected {
		if st.Generation != prev.Generation || prev.State != socket.Connected {
			c.state.Member = c.deps.Rooms.IsMember(c.state.RoomID)
		}

		c.rejoinLocked()
	} else {
		c.state.Member = false
		c.deps.Presence.ClearRoom(c.state.RoomID)
		c.state.TypingUsers = nil
	}

	c.publishLocked()
}

func (c *Controller) onSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Phase == PhaseDisposed {
		return
	}

	for _, room := range c.deps.Presence.Sweep() {
		if room == c.state.RoomID {
			c.state.TypingUsers = c.deps.Presence.Users(room)
			c.publishLocked()
		}
	}
}
