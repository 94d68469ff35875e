package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/edustream/classchat/chat"
	"github.com/edustream/classchat/session"
	"github.com/edustream/classchat/socket"
)

// renderer prints session snapshots as plain lines. It remembers what it
// already printed so each snapshot only emits the difference.
type renderer struct {
	out  io.Writer
	loc  *time.Location
	self int64

	teacher *color.Color
	own     *color.Color
	other   *color.Color
	faint   *color.Color
	warn    *color.Color
	fail    *color.Color

	printed  map[int64]bool
	lastDate string
	status   socket.State
	failure  string
	typing   string
}

func newRenderer(out io.Writer, self int64, colors bool, loc *time.Location) *renderer {
	r := &renderer{
		out:     out,
		loc:     loc,
		self:    self,
		teacher: color.New(color.FgYellow, color.Bold),
		own:     color.New(color.FgGreen, color.Bold),
		other:   color.New(color.FgCyan),
		faint:   color.New(color.FgHiBlack),
		warn:    color.New(color.FgYellow),
		fail:    color.New(color.FgRed, color.Bold),
		printed: make(map[int64]bool),
		status:  socket.Disconnected,
	}

	for _, c := range []*color.Color{r.teacher, r.own, r.other, r.faint, r.warn, r.fail} {
		if colors {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	return r
}

// colorEnabled reports whether f is an interactive terminal and the user has
// not opted out via NO_COLOR.
func colorEnabled(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	return term.IsTerminal(int(f.Fd()))
}

func (r *renderer) render(st session.State) {
	if st.Connection.State != r.status {
		r.status = st.Connection.State
		r.line(r.faint.Sprintf("-- %s", statusText(st.Connection)))
	}

	// older pages are printed as they arrive; the timeline itself stays
	// ordered in the session
	for _, m := range st.Messages {
		if r.printed[m.ID] {
			continue
		}

		r.printed[m.ID] = true
		r.message(m)
	}

	failure := ""
	if st.Failure != nil {
		failure = st.Failure.Message
	}

	if failure != r.failure {
		r.failure = failure
		if failure != "" {
			r.line(r.fail.Sprintf("! %s", failure))
		}
	}

	typing := typingText(st.TypingUsers)
	if typing != r.typing {
		r.typing = typing
		if typing != "" {
			r.line(r.faint.Sprint(typing))
		}
	}
}

func (r *renderer) message(m chat.Message) {
	if date := m.FormattedDate(r.loc); date != "" && date != r.lastDate {
		r.lastDate = date
		r.line(r.faint.Sprintf("== %s ==", date))
	}

	name := m.SenderName
	if name == "" {
		name = fmt.Sprintf("user %d", m.SenderID)
	}

	var who string

	switch {
	case m.SenderID == r.self:
		who = r.own.Sprint(name)
	case m.IsTeacher():
		who = r.teacher.Sprint(name + " (teacher)")
	default:
		who = r.other.Sprint(name)
	}

	stamp := m.FormattedTime(r.loc)
	if stamp != "" {
		stamp = r.faint.Sprintf("[%s] ", stamp)
	}

	r.line(fmt.Sprintf("%s%s: %s", stamp, who, m.Content))
}

func (r *renderer) notice(format string, args ...any) {
	r.line(r.warn.Sprintf(format, args...))
}

func (r *renderer) line(s string) {
	_, _ = fmt.Fprintln(r.out, s)
}

func statusText(st socket.Status) string {
	switch st.State {
	case socket.Connected:
		return "connected"
	case socket.Connecting:
		return "connecting..."
	case socket.Error:
		if st.Reason != "" {
			return "connection error: " + st.Reason
		}

		return "connection error"
	default:
		if st.Reason != "" {
			return "disconnected: " + st.Reason
		}

		return "disconnected"
	}
}

func typingText(users []chat.TypingUser) string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := u.UserName
		if name == "" {
			name = fmt.Sprintf("user %d", u.UserID)
		}

		names = append(names, name)
	}

	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing..."
	case 2:
		return names[0] + " and " + names[1] + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", names[0], len(names)-1)
	}
}
