package typing

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/events"
)

func start(room, user int64, name string) events.TypingEvent {
	return events.TypingEvent{RoomID: room, UserID: user, UserName: name, Typing: true}
}

func stop(room, user int64) events.TypingEvent {
	return events.TypingEvent{RoomID: room, UserID: user}
}

func TestPresenceApply(t *testing.T) {
	p := NewPresence(1, 0, clockwork.NewFakeClock())

	assert.True(t, p.Apply(start(42, 2, "Ada")))
	assert.True(t, p.Apply(start(42, 3, "Bo")))
	assert.False(t, p.Apply(start(42, 2, "Ada")), "already present")
	assert.False(t, p.Apply(start(42, 1, "Me")), "self ignored")

	assert.Equal(t, []chat.TypingUser{{UserID: 2, UserName: "Ada"}, {UserID: 3, UserName: "Bo"}}, p.Users(42))
	assert.Empty(t, p.Users(7))

	assert.True(t, p.Apply(stop(42, 2)))
	assert.False(t, p.Apply(stop(42, 2)))
	assert.Equal(t, []chat.TypingUser{{UserID: 3, UserName: "Bo"}}, p.Users(42))
}

func TestPresenceClearAndReset(t *testing.T) {
	p := NewPresence(1, 0, nil)

	p.Apply(start(1, 2, "a"))
	p.Apply(start(2, 3, "b"))

	p.ClearRoom(1)
	assert.Empty(t, p.Users(1))
	assert.Len(t, p.Users(2), 1)

	p.Reset()
	assert.Empty(t, p.Users(2))
}

func TestPresenceSetSelf(t *testing.T) {
	p := NewPresence(0, 0, nil)

	p.Apply(start(1, 5, "later me"))
	p.Apply(start(1, 6, "other"))

	p.SetSelf(5)
	assert.Equal(t, []chat.TypingUser{{UserID: 6, UserName: "other"}}, p.Users(1))
	assert.False(t, p.Apply(start(1, 5, "me")))
}

func TestPresenceSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewPresence(1, 10*time.Second, clock)

	p.Apply(start(42, 2, "Ada"))
	clock.Advance(6 * time.Second)
	p.Apply(start(42, 3, "Bo"))
	p.Apply(start(7, 4, "Cy"))

	assert.Empty(t, p.Sweep())

	clock.Advance(5 * time.Second)
	assert.Equal(t, []int64{42}, p.Sweep())
	assert.Equal(t, []chat.TypingUser{{UserID: 3, UserName: "Bo"}}, p.Users(42))

	// a fresh signal keeps the entry alive
	p.Apply(start(42, 3, "Bo"))
	clock.Advance(6 * time.Second)
	assert.Equal(t, []int64{7}, p.Sweep())
	assert.Len(t, p.Users(42), 1)
}

func TestPresenceSweepDisabled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	p := NewPresence(1, 0, clock)

	p.Apply(start(1, 2, "a"))
	clock.Advance(time.Hour)

	assert.Nil(t, p.Sweep())
	assert.Len(t, p.Users(1), 1)
	assert.Zero(t, p.Expiry())
}
