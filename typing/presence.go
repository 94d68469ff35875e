package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/events"
)

// DefaultReceiverExpiry drops typing entries that have not been refreshed
// for this long.
const DefaultReceiverExpiry = 10 * time.Second

type entry struct {
	user chat.TypingUser
	seen time.Time
}

// Presence is the set of remote users typing in each room, in the order they
// started. The local user never appears.
type Presence struct {
	expiry time.Duration
	clock  clockwork.Clock

	mu    sync.Mutex
	self  int64
	rooms map[int64][]entry
}

// NewPresence creates an empty set. expiry 0 keeps entries until an explicit
// stop.
func NewPresence(self int64, expiry time.Duration, clock clockwork.Clock) *Presence {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Presence{
		self:   self,
		expiry: expiry,
		clock:  clock,
		rooms:  make(map[int64][]entry),
	}
}

// SetSelf changes the local user id.
func (p *Presence) SetSelf(userID int64) {
	p.mu.Lock()
	p.self = userID
	for room, entries := range p.rooms {
		p.setRoom(room, without(entries, userID))
	}
	p.mu.Unlock()
}

// Apply folds a typing event into the set and reports whether the room's
// visible list changed.
func (p *Presence) Apply(ev events.TypingEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.UserID == p.self {
		return false
	}

	entries := p.rooms[ev.RoomID]
	idx := indexOf(entries, ev.UserID)

	if !ev.Typing {
		if idx < 0 {
			return false
		}

		p.setRoom(ev.RoomID, append(entries[:idx:idx], entries[idx+1:]...))

		return true
	}

	now := p.clock.Now()
	if idx >= 0 {
		entries[idx].seen = now
		if ev.UserName != "" && entries[idx].user.UserName != ev.UserName {
			entries[idx].user.UserName = ev.UserName

			return true
		}

		return false
	}

	p.rooms[ev.RoomID] = append(entries, entry{
		user: chat.TypingUser{UserID: ev.UserID, UserName: ev.UserName},
		seen: now,
	})

	return true
}

// Users returns the users typing in roomID.
func (p *Presence) Users(roomID int64) []chat.TypingUser {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.rooms[roomID]
	out := make([]chat.TypingUser, len(entries))
	for i, e := range entries {
		out[i] = e.user
	}

	return out
}

// ClearRoom forgets roomID.
func (p *Presence) ClearRoom(roomID int64) {
	p.mu.Lock()
	delete(p.rooms, roomID)
	p.mu.Unlock()
}

// Reset forgets every room.
func (p *Presence) Reset() {
	p.mu.Lock()
	p.rooms = make(map[int64][]entry)
	p.mu.Unlock()
}

// Sweep drops entries older than the expiry and returns the rooms that
// changed, ascending.
func (p *Presence) Sweep() []int64 {
	if p.expiry <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.clock.Now().Add(-p.expiry)

	var changed []int64
	for room, entries := range p.rooms {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.seen.After(cutoff) {
				kept = append(kept, e)
			}
		}

		if len(kept) != len(entries) {
			p.setRoom(room, kept)
			changed = append(changed, room)
		}
	}

	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })

	return changed
}

// Expiry is the receiver-side expiry, 0 when disabled.
func (p *Presence) Expiry() time.Duration {
	return p.expiry
}

func (p *Presence) setRoom(room int64, entries []entry) {
	if len(entries) == 0 {
		delete(p.rooms, room)

		return
	}

	p.rooms[room] = entries
}

func indexOf(entries []entry, userID int64) int {
	for i, e := range entries {
		if e.user.UserID == userID {
			return i
		}
	}

	return -1
}

func without(entries []entry, userID int64) []entry {
	idx := indexOf(entries, userID)
	if idx < 0 {
		return entries
	}

	return append(entries[:idx:idx], entries[idx+1:]...)
}
