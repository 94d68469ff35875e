// Command classchat is a terminal client for classroom chat rooms.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/edustream/classchat/config"
	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/logger"
)

var (
	// Version information (set by ldflags during build).
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCLI().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "classchat: %s\n", chaterrors.UserMessage(err))
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:    "classchat",
		Usage:   "join a classroom chat from the terminal",
		Version: version + " (" + commit + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file", EnvVars: []string{"CLASSCHAT_CONFIG"}},
			&cli.StringFlag{Name: "base-url", Usage: "chat server base URL", EnvVars: []string{config.EnvBaseURL}},
			&cli.StringFlag{Name: "token-file", Usage: "file holding the bearer token"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.BoolFlag{Name: "metrics", Usage: "serve Prometheus metrics"},
		},
		Commands: []*cli.Command{
			{
				Name:  "chat",
				Usage: "open an interactive session in a room",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "room", Aliases: []string{"r"}, Usage: "classroom id", Required: true},
					&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "your user id, used to highlight your messages"},
				},
				Action: chatAction,
			},
			{
				Name:  "history",
				Usage: "print one page of a room's history",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "room", Aliases: []string{"r"}, Usage: "classroom id", Required: true},
					&cli.IntFlag{Name: "page", Value: 1, Usage: "page number, 1 is the most recent"},
					&cli.IntFlag{Name: "size", Usage: "page size"},
				},
				Action: historyAction,
			},
		},
	}
}

// loadConfig resolves defaults, the config file, the environment and flags,
// in increasing order of precedence.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var cfg *config.Config

	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	} else {
		def := config.DefaultConfig()
		config.ApplyEnv(&def, os.LookupEnv)
		cfg = &def
	}

	if v := c.String("base-url"); v != "" {
		cfg.Server.BaseURL = v
	}

	if v := c.String("token-file"); v != "" {
		cfg.Auth.TokenFile = v
	}

	if v := c.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}

	if c.Bool("metrics") {
		cfg.Metrics.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func chatAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Logging)

	a, err := newApp(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	roomID := c.Int64("room")
	userID := c.Int64("user")

	r := newRenderer(os.Stdout, userID, colorEnabled(os.Stdout), time.Local)
	ctrl := a.newSession()
	defer ctrl.Dispose()

	sub := ctrl.Subscribe()
	defer sub.Close()

	go func() {
		for st := range sub.C() {
			r.render(st)
		}
	}()

	// failures are rendered from state; the prompt stays usable for /retry
	_ = ctrl.Initialize(c.Context, roomID, userID)

	r.line(helpText)

	return repl(c.Context, os.Stdin, ctrl, r)
}

func historyAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log := logger.NewLogger(cfg.Logging)

	a, err := newApp(c.Context, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	size := c.Int("size")
	if size <= 0 {
		size = cfg.History.PageSize
	}

	page, err := a.history.FetchPage(c.Context, c.Int64("room"), c.Int("page"), size)
	if err != nil {
		return err
	}

	r := newRenderer(os.Stdout, 0, colorEnabled(os.Stdout), time.Local)
	for _, m := range page.Messages {
		r.message(m)
	}

	r.line(r.faint.Sprintf("-- page %d, %d of %d messages, more: %t", page.Page, len(page.Messages), page.Total, page.HasMore))

	return nil
}
