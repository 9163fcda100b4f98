package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/erazemk/pgtag/internal/client"
	"github.com/erazemk/pgtag/internal/credential"
	"github.com/erazemk/pgtag/internal/journal"
	"github.com/erazemk/pgtag/internal/model"
	"github.com/erazemk/pgtag/internal/provision"
	"github.com/erazemk/pgtag/internal/registry"
	"github.com/erazemk/pgtag/internal/session"
	"github.com/erazemk/pgtag/internal/verify"
)

func cmdLogin(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("login", `Usage: pgtag login -u <name> [-password-file <path>]

Flags:
  -u, -user <name>          username
  -password-file <path>     read the password from a file instead of prompting
`)
	var user, passwordFile string
	fs.StringVar(&user, "user", "", "")
	fs.StringVar(&user, "u", "", "")
	fs.StringVar(&passwordFile, "password-file", "", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	if user == "" {
		return errors.New("login: -user is required")
	}

	password, err := readPassword(passwordFile)
	if err != nil {
		return err
	}
	res, err := e.client.Login(ctx, user, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	e.cfg.Token = res.Token
	if err := e.cfg.Save(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Logged in as %s (%s)\n", user, res.Role)
	fmt.Fprintf(os.Stderr, "Session saved to %s\n", e.cfg.Path())
	return nil
}

func readPassword(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available for password prompt (use -password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(password), nil
}

func cmdLogout(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("logout", "Usage: pgtag logout\n")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := e.client.Logout(ctx); err != nil && !errors.Is(err, client.ErrUnauthorized) {
		return fmt.Errorf("logout: %w", err)
	}
	e.cfg.Token = ""
	return e.cfg.Save()
}

func cmdRooms(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("rooms", `Usage: pgtag rooms [-p <property>]

Flags:
  -p, -property <id>   property (default: your own; required for admins)
`)
	var propertyID int64
	fs.Int64Var(&propertyID, "property", 0, "")
	fs.Int64Var(&propertyID, "p", 0, "")
	if err := parse(fs, args); err != nil {
		return err
	}

	rooms, err := e.client.ListRooms(ctx, propertyID)
	if err != nil {
		return fmt.Errorf("listing rooms: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNUMBER\tFLOOR\tCAPACITY")
	for _, r := range rooms {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", r.ID, r.Number, r.Floor, r.Capacity)
	}
	return w.Flush()
}

func cmdIssue(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("issue", `Usage: pgtag issue -r <room>

Issues a PENDING credential without touching a tag.

Flags:
  -r, -room <id>   room the tag will open
`)
	var roomID int64
	fs.Int64Var(&roomID, "room", 0, "")
	fs.Int64Var(&roomID, "r", 0, "")
	if err := parse(fs, args); err != nil {
		return err
	}

	cred, err := credential.NewIssuer(e.client, e.logger).Issue(ctx, roomID)
	if err != nil {
		return err
	}
	fmt.Printf("Tag %d issued: %s (%s)\n", cred.Tag.ID, cred.PhysicalUUID, cred.Tag.Status)
	return nil
}

func cmdProvision(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("provision", `Usage: pgtag provision -r <room> -t <image> [flags]

Issues a credential, writes it to the tag and locks the tag.

Flags:
  -r, -room <id>       room the tag will open
  -t, -tag <path>      tag image file (created blank if missing)
  -chip <213|215|216>  chip of a new blank tag (default: 213)
  -read-protect        require the password for reads too
`)
	var roomID int64
	var tagPath, chip string
	readProtect := e.cfg.ReadProtect
	fs.Int64Var(&roomID, "room", 0, "")
	fs.Int64Var(&roomID, "r", 0, "")
	fs.StringVar(&tagPath, "tag", "", "")
	fs.StringVar(&tagPath, "t", "", "")
	fs.StringVar(&chip, "chip", "213", "")
	fs.BoolVar(&readProtect, "read-protect", readProtect, "")
	if err := parse(fs, args); err != nil {
		return err
	}
	if tagPath == "" {
		return errors.New("provision: -tag is required")
	}

	tag, err := loadTag(tagPath, chip)
	if err != nil {
		return err
	}
	sessionTimeout, _ := e.cfg.Session()
	confirmTimeout, _ := e.cfg.Confirm()

	j, err := journal.Open(e.cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	cred, err := credential.NewIssuer(e.client, e.logger).Issue(ctx, roomID)
	if err != nil {
		return err
	}
	fmt.Printf("Tag %d issued: %s\n", cred.Tag.ID, cred.PhysicalUUID)

	coord := session.NewCoordinator(benchRadio(tag), session.WithTimeout(sessionTimeout), session.WithLogger(e.logger))
	p := provision.New(coord, e.client,
		provision.WithJournal(j),
		provision.WithReadProtect(readProtect),
		provision.WithConfirmTimeout(confirmTimeout),
		provision.WithLogger(e.logger),
		provision.WithNotify(func(s provision.Stage) {
			fmt.Printf("  %s\n", s)
		}),
	)

	res, err := p.Provision(ctx, cred, "Hold the tag to the reader")
	if saveErr := saveTag(tagPath, tag); saveErr != nil {
		e.logger.Error("failed to save tag image", "path", tagPath, "error", saveErr)
	}

	var f *provision.Failure
	if errors.As(err, &f) {
		switch f.Disposition {
		case provision.Reusable:
			fmt.Println("The tag was not locked and can be provisioned again.")
		case provision.Discard:
			fmt.Println("The tag may be partly locked. Discard it and deactivate tag", cred.Tag.ID)
		case provision.Committed:
			fmt.Println("The tag is locked. Run 'pgtag reconcile' once the server is reachable.")
		}
		return err
	}
	if err != nil {
		return err
	}
	fmt.Printf("Tag %d is %s on %s\n", res.TagID, res.Status, res.Chip)
	return nil
}

func cmdList(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("list", `Usage: pgtag list [flags]

Flags:
  -p, -property <id>   property (default: your own; required for admins)
  -s, -status <s>      PENDING, ACTIVE, INACTIVE, LOST or DAMAGED
  -r, -room <id>       only tags bound to this room
`)
	var propertyID, roomID int64
	var status string
	fs.Int64Var(&propertyID, "property", 0, "")
	fs.Int64Var(&propertyID, "p", 0, "")
	fs.StringVar(&status, "status", "", "")
	fs.StringVar(&status, "s", "", "")
	fs.Int64Var(&roomID, "room", 0, "")
	fs.Int64Var(&roomID, "r", 0, "")
	if err := parse(fs, args); err != nil {
		return err
	}

	tags, err := registry.New(e.client, e.logger).List(ctx, propertyID, registry.Filter{
		Status: model.TagStatus(strings.ToUpper(status)),
		RoomID: roomID,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUUID\tSTATUS\tLOCKED\tROOM\tLAST SCAN")
	for _, t := range tags {
		room := "-"
		if t.RoomID != nil {
			room = fmt.Sprint(*t.RoomID)
		}
		scanned := "-"
		if t.LastScannedAt != nil {
			scanned = t.LastScannedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\t%s\n", t.ID, t.PhysicalUUID, t.Status, t.PasswordSet, room, scanned)
	}
	return w.Flush()
}

func tagIDFlag(fs *flag.FlagSet, id *int64) {
	fs.Int64Var(id, "id", 0, "")
	fs.Int64Var(id, "i", 0, "")
}

func cmdAssign(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("assign", `Usage: pgtag assign -i <tag> (-r <room> | -clear)

Moves a tag to another room. The tag itself is not rewritten.

Flags:
  -i, -id <id>     tag
  -r, -room <id>   new room
  -clear           detach the tag from any room
`)
	var tagID, roomID int64
	var detach bool
	tagIDFlag(fs, &tagID)
	fs.Int64Var(&roomID, "room", 0, "")
	fs.Int64Var(&roomID, "r", 0, "")
	fs.BoolVar(&detach, "clear", false, "")
	if err := parse(fs, args); err != nil {
		return err
	}

	u := registry.Update{ClearRoom: detach}
	if roomID != 0 {
		u.RoomID = &roomID
	}
	tag, err := registry.New(e.client, e.logger).Update(ctx, tagID, u)
	if err != nil {
		return err
	}
	if tag.RoomID == nil {
		fmt.Printf("Tag %d detached\n", tag.ID)
	} else {
		fmt.Printf("Tag %d assigned to room %d\n", tag.ID, *tag.RoomID)
	}
	return nil
}

func cmdDeactivate(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("deactivate", `Usage: pgtag deactivate -i <tag> -s <status> [-reason <text>]

Flags:
  -i, -id <id>       tag
  -s, -status <s>    INACTIVE, LOST or DAMAGED (default: INACTIVE)
  -reason <text>     note kept with the tag
`)
	var tagID int64
	var status, reason string
	tagIDFlag(fs, &tagID)
	fs.StringVar(&status, "status", string(model.TagStatusInactive), "")
	fs.StringVar(&status, "s", string(model.TagStatusInactive), "")
	fs.StringVar(&reason, "reason", "", "")
	if err := parse(fs, args); err != nil {
		return err
	}

	tag, err := registry.New(e.client, e.logger).Deactivate(ctx, tagID, model.TagStatus(strings.ToUpper(status)), reason)
	if err != nil {
		return err
	}
	fmt.Printf("Tag %d is now %s\n", tag.ID, tag.Status)
	return nil
}

func cmdSecret(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("secret", `Usage: pgtag secret -i <tag>

Prints the tag's write secret as hex. Every retrieval is audited.

Flags:
  -i, -id <id>   tag
`)
	var tagID int64
	tagIDFlag(fs, &tagID)
	if err := parse(fs, args); err != nil {
		return err
	}

	secret, err := registry.New(e.client, e.logger).RetrieveSecret(ctx, tagID)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(secret))
	return nil
}

func cmdAudit(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("audit", `Usage: pgtag audit -i <tag>

Flags:
  -i, -id <id>   tag
`)
	var tagID int64
	tagIDFlag(fs, &tagID)
	if err := parse(fs, args); err != nil {
		return err
	}

	log, err := registry.New(e.client, e.logger).Audit(ctx, tagID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tUSER\tADDRESS")
	for _, a := range log {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.AccessedAt.Local().Format(time.DateTime), a.Username, a.RemoteAddr)
	}
	return w.Flush()
}

func cmdScan(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("scan", `Usage: pgtag scan -t <image>

Flags:
  -t, -tag <path>   tag image file
`)
	var tagPath string
	fs.StringVar(&tagPath, "tag", "", "")
	fs.StringVar(&tagPath, "t", "", "")
	if err := parse(fs, args); err != nil {
		return err
	}
	if tagPath == "" {
		return errors.New("scan: -tag is required")
	}

	tag, err := loadTag(tagPath, "")
	if err != nil {
		return err
	}
	sessionTimeout, _ := e.cfg.Session()
	coord := session.NewCoordinator(benchRadio(tag), session.WithTimeout(sessionTimeout), session.WithLogger(e.logger))

	id, err := verify.New(coord, e.client, e.logger).Verify(ctx, "Tap your tag")
	if err != nil {
		return err
	}
	room := "no room"
	if id.Room != nil {
		room = "room " + id.Room.Number
	}
	fmt.Printf("Tag %d: %s, %s\n", id.Tag.ID, id.Property.Name, room)
	return nil
}

func cmdReconcile(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("reconcile", `Usage: pgtag reconcile [-watch]

Delivers lock confirmations for tags that were locked while the server was
unreachable.

Flags:
  -w, -watch   keep running on the configured schedule until interrupted
`)
	var watch bool
	fs.BoolVar(&watch, "watch", false, "")
	fs.BoolVar(&watch, "w", false, "")
	if err := parse(fs, args); err != nil {
		return err
	}

	j, err := journal.Open(e.cfg.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	confirmTimeout, _ := e.cfg.Confirm()
	p := provision.New(nil, e.client, provision.WithJournal(j), provision.WithLogger(e.logger))
	r := journal.NewReconciler(j, p, e.logger, confirmTimeout)

	n, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}
	pending, err := j.List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Confirmed %d, still pending %d\n", n, len(pending))

	if !watch {
		return nil
	}
	if err := r.Start(e.cfg.ReconcileSchedule); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}
