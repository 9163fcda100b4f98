package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/config"
)

const usage = `Usage: pgtag <command> [flags]

Commands:
  login        sign in and save the session token
  logout       revoke the saved token
  rooms        list rooms of your property
  issue        issue a credential for a room
  provision    issue, write and lock a tag for a room
  list         list tags
  assign       move a tag to another room, or detach it
  deactivate   retire a tag as INACTIVE, LOST or DAMAGED
  secret       print a tag's write secret (audited)
  audit        list secret retrievals for a tag (admin)
  scan         read a tag and resolve it to a room
  reconcile    deliver pending lock confirmations

Configuration is read from ~/.config/pgtag/config.yaml (or PGTAG_CONFIG) and
PGTAG_* environment variables. Run "pgtag <command> -h" for command flags.
`

type command func(ctx context.Context, env *env, args []string) error

var commands = map[string]command{
	"login":      cmdLogin,
	"logout":     cmdLogout,
	"rooms":      cmdRooms,
	"issue":      cmdIssue,
	"provision":  cmdProvision,
	"list":       cmdList,
	"assign":     cmdAssign,
	"deactivate": cmdDeactivate,
	"secret":     cmdSecret,
	"audit":      cmdAudit,
	"scan":       cmdScan,
	"reconcile":  cmdReconcile,
}

// env is what every command needs: configuration, a signed-in client and
// a logger.
type env struct {
	cfg    *config.Config
	client *client.Client
	logger *slog.Logger
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "-help" || os.Args[1] == "help" {
		fmt.Fprint(os.Stdout, usage)
		os.Exit(0)
	}

	cmd, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	c, err := client.New(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	c.SetToken(cfg.Token)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd(ctx, &env{cfg: cfg, client: c, logger: logger}, os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// newLogger writes text logs to stderr so command output on stdout stays
// clean.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func newFlagSet(name, help string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stdout, help)
	}
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return nil
}
