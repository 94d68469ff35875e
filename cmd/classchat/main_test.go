package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/session"
	"github.com/edustream/classchat/socket"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		cmd  command
		arg  string
	}{
		{"hello there", cmdSend, "hello there"},
		{"   ", cmdSend, "   "},
		{"/more", cmdMore, ""},
		{" /M ", cmdMore, ""},
		{"/retry", cmdRetry, ""},
		{"/reconnect", cmdReconnect, ""},
		{"/ok", cmdDismiss, ""},
		{"/typing", cmdTyping, ""},
		{"/typing off", cmdTyping, "off"},
		{"/quit", cmdQuit, ""},
		{"/help", cmdHelp, ""},
		{"//shrug", cmdSend, "/shrug"},
		{"/bogus arg", cmdUnknown, "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, arg := parseLine(tt.line)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestRendererPrintsOnlyNewMessages(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 7, false, time.UTC)

	sent := time.Date(2024, 3, 1, 14, 5, 0, 0, time.UTC)
	st := session.State{
		Connection: socket.Status{State: socket.Connected, Generation: 1},
		Messages: []chat.Message{
			{ID: 1, RoomID: 42, SenderID: 2, SenderName: "Ms. Ada", SenderRole: chat.RoleTeacher, Content: "welcome", SentAt: sent},
			{ID: 2, RoomID: 42, SenderID: 7, SenderName: "Me", SenderRole: chat.RoleStudent, Content: "hi", SentAt: sent},
		},
	}

	r.render(st)

	out := buf.String()
	assert.Contains(t, out, "-- connected")
	assert.Contains(t, out, "== Mar 01, 2024 ==")
	assert.Contains(t, out, "[02:05 PM] Ms. Ada (teacher): welcome")
	assert.Contains(t, out, "[02:05 PM] Me: hi")

	buf.Reset()
	st.Messages = append(st.Messages, chat.Message{ID: 3, RoomID: 42, SenderID: 3, SenderName: "Bo", Content: "yo", SentAt: sent})
	r.render(st)

	assert.Equal(t, "[02:05 PM] Bo: yo\n", buf.String())
}

func TestRendererNotices(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 7, false, time.UTC)

	r.render(session.State{
		Failure:     &session.Failure{Scope: session.ScopeServer, Message: "You are not a member"},
		TypingUsers: []chat.TypingUser{{UserID: 2, UserName: "Ada"}},
	})

	assert.Contains(t, buf.String(), "! You are not a member")
	assert.Contains(t, buf.String(), "Ada is typing...")

	buf.Reset()
	r.render(session.State{
		Failure:     &session.Failure{Scope: session.ScopeServer, Message: "You are not a member"},
		TypingUsers: []chat.TypingUser{{UserID: 2, UserName: "Ada"}},
	})
	assert.Empty(t, buf.String(), "unchanged notices are not repeated")
}

func TestTypingText(t *testing.T) {
	assert.Equal(t, "", typingText(nil))
	assert.Equal(t, "Ada and Bo are typing...", typingText([]chat.TypingUser{{UserName: "Ada"}, {UserName: "Bo"}}))
	assert.Equal(t, "Ada and 2 others are typing...", typingText([]chat.TypingUser{{UserName: "Ada"}, {UserName: "Bo"}, {UserID: 9}}))
	assert.Equal(t, "user 9 is typing...", typingText([]chat.TypingUser{{UserID: 9}}))
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "connecting...", statusText(socket.Status{State: socket.Connecting}))
	assert.Equal(t, "disconnected: io server disconnect", statusText(socket.Status{State: socket.Disconnected, Reason: "io server disconnect"}))
	assert.Equal(t, "connection error", statusText(socket.Status{State: socket.Error}))
}

func TestReplStopsOnQuit(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, 0, false, time.UTC)
	ctrl := session.New(session.Deps{}, session.Config{})

	in := strings.NewReader("/help\n/nope\n/quit\n/more\n")
	require.NoError(t, repl(context.Background(), in, ctrl, r))

	assert.Contains(t, buf.String(), "/reconnect")
	assert.Contains(t, buf.String(), "unknown command /nope")
	assert.NotContains(t, buf.String(), "nothing more to load")
}
