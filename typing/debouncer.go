// Package typing rate-limits local typing signals and tracks who is typing
// in each room.
package typing

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edustream/classchat/logger"
)

// DefaultIdleTimeout is how long after the last keystroke the local user is
// considered to have stopped typing.
const DefaultIdleTimeout = 3 * time.Second

// Emitter sends room-scoped typing signals.
type Emitter interface {
	SendTyping(roomID int64) error
	SendStopTyping(roomID int64) error
}

// Debouncer turns keystroke activity for one room into at most one typing
// signal per typing burst, followed by exactly one stop.
type Debouncer struct {
	roomID  int64
	emitter Emitter
	idle    time.Duration
	clock   clockwork.Clock
	log     logger.Logger

	// mu is held while emitting so signals leave in state order.
	mu      sync.Mutex
	typing  bool
	stopped bool
	timer   clockwork.Timer
	gen     uint64
}

// NewDebouncer creates a debouncer for roomID. A nil clock uses real time.
func NewDebouncer(roomID int64, emitter Emitter, idle time.Duration, clock clockwork.Clock, log logger.Logger) *Debouncer {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if log == nil {
		log = logger.NewNoopLogger()
	}

	return &Debouncer{
		roomID:  roomID,
		emitter: emitter,
		idle:    idle,
		clock:   clock,
		log:     log.Named("typing"),
	}
}

// OnTyping records keystroke activity. true emits typing only when entering
// the typing state and restarts the idle timer; false emits stop if typing.
func (d *Debouncer) OnTyping(active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if !active {
		if d.disarmLocked() {
			d.sendStopLocked()
		}

		return
	}

	enter := !d.typing
	d.typing = true
	d.armLocked()

	if enter {
		if err := d.emitter.SendTyping(d.roomID); err != nil {
			d.log.Debug("typing not sent", logger.Int64("room_id", d.roomID), logger.Error(err))
		}
	}
}

// Sent disarms the timer after a message went out and always emits stop.
func (d *Debouncer) Sent() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disarmLocked()
	d.sendStopLocked()
}

// Stop disarms permanently, emitting stop if the user was typing.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true

	if d.disarmLocked() {
		d.sendStopLocked()
	}
}

// Typing reports whether a typing burst is in progress.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.typing
}

func (d *Debouncer) armLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}

	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.idle, func() { d.expire(gen) })
}

func (d *Debouncer) disarmLocked() bool {
	was := d.typing
	d.typing = false
	d.gen++

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	return was
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.gen || !d.typing {
		return
	}

	d.typing = false
	d.timer = nil
	d.sendStopLocked()
}

func (d *Debouncer) sendStopLocked() {
	if err := d.emitter.SendStopTyping(d.roomID); err != nil {
		d.log.Debug("stop typing not sent", logger.Int64("room_id", d.roomID), logger.Error(err))
	}
}
