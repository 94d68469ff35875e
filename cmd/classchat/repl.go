package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/edustream/classchat/session"
)

type command int

const (
	cmdSend command = iota
	cmdMore
	cmdRetry
	cmdReconnect
	cmdDismiss
	cmdTyping
	cmdQuit
	cmdHelp
	cmdUnknown
)

// parseLine maps an input line to a command. Lines not starting with a
// slash are messages; "//" escapes a leading slash.
func parseLine(line string) (command, string) {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "//") {
		return cmdSend, trimmed[1:]
	}

	if !strings.HasPrefix(trimmed, "/") {
		return cmdSend, line
	}

	name, rest, _ := strings.Cut(trimmed[1:], " ")

	switch strings.ToLower(name) {
	case "more", "m":
		return cmdMore, ""
	case "retry":
		return cmdRetry, ""
	case "reconnect":
		return cmdReconnect, ""
	case "ok", "dismiss":
		return cmdDismiss, ""
	case "typing", "t":
		return cmdTyping, strings.TrimSpace(rest)
	case "quit", "q", "exit":
		return cmdQuit, ""
	case "help", "h", "?":
		return cmdHelp, ""
	default:
		return cmdUnknown, name
	}
}

const helpText = `commands:
  /more       load older messages
  /retry      retry after a failed load
  /reconnect  reconnect with a fresh token
  /ok         dismiss the current notice
  /typing     signal typing ("/typing off" to stop)
  /quit       leave the room`

// repl reads lines from in until EOF, /quit or ctx ends.
func repl(ctx context.Context, in io.Reader, ctrl *session.Controller, r *renderer) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)

		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}

		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}

			if quit := handleLine(ctx, line, ctrl, r); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, line string, ctrl *session.Controller, r *renderer) bool {
	cmd, arg := parseLine(line)

	switch cmd {
	case cmdSend:
		_ = ctrl.Send(arg)
	case cmdMore:
		if !ctrl.LoadMore(ctx) {
			r.notice("nothing more to load")
		}
	case cmdRetry:
		_ = ctrl.Retry(ctx)
	case cmdReconnect:
		_ = ctrl.Reconnect(ctx)
	case cmdDismiss:
		ctrl.ClearError()
	case cmdTyping:
		ctrl.OnTyping(arg != "off")
	case cmdQuit:
		return true
	case cmdHelp:
		r.line(helpText)
	case cmdUnknown:
		r.notice("unknown command /%s, try /help", arg)
	}

	return false
}
