// Command dayplan is the daily planner CLI: it shows resolved days, edits
// blocks and synchronizes with the configured blob store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/dayplan/internal/clock"
	"github.com/and161185/dayplan/internal/config"
	"github.com/and161185/dayplan/internal/errs"
	"github.com/and161185/dayplan/internal/model"
	"github.com/and161185/dayplan/internal/planner"
	"github.com/and161185/dayplan/internal/scheduler"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `dayplan CLI
Usage:
  dayplan [-config file] [-v] <cmd> [args]

Commands:
  version
  day      [-date YYYY-MM-DD] [-json]
  add      -title <t> -start HH:MM [-end HH:MM] [-date D] [-category c] [-notes n]
  mv       -id <id> -start HH:MM [-date D]
  resize   -id <id> -end HH:MM
  edit     -id <id> [-title t] [-category c] [-notes n] [-start HH:MM] [-end HH:MM]
  rm       -id <id>
  hide     -template <id> [-date D]
  set      <key> <value>                       (value: JSON or plain string)
  get      <key>
  sync                                         (full reconcile)
  export   [-o file]
  import   -file <f|-> [-merge]
  register -u <username> -p <password>
  login    -u <username> -p <password>         (saves token)
  run                                          (daemon: cron sync, SIGUSR1 syncs now)
`

// main dispatches subcommands.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fail(err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	gfs := flag.NewFlagSet("dayplan", flag.ContinueOnError)
	cfgPath := gfs.String("config", config.DefaultPath(), "config file (YAML)")
	verbose := gfs.Bool("v", false, "debug logging")
	gfs.Usage = func() { fmt.Fprint(gfs.Output(), usageText) }
	if err := gfs.Parse(args); err != nil {
		return err
	}
	if gfs.NArg() < 1 {
		gfs.Usage()
		return errors.New("missing command")
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]

	log := newLogger(*verbose)
	defer func() { _ = log.Sync() }()

	switch cmd {
	case "version":
		fmt.Fprintf(out, "dayplan %s (%s)\n", version, buildDate)
		return nil
	case "register", "login":
		return runAuth(ctx, cmd, *cfgPath, rest, out, log)
	}

	a, err := openApp(ctx, *cfgPath, log)
	if err != nil {
		return err
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		a.Close(fctx)
	}()
	today := clock.Today(a.loc)
	p := a.planner

	switch cmd {
	case "day":
		fs := flag.NewFlagSet("day", flag.ContinueOnError)
		date := fs.String("date", today, "day to show")
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		day, err := p.Show(ctx, *date)
		if err != nil {
			return err
		}
		if *asJSON {
			printJSON(out, day)
			return nil
		}
		printDay(out, day)

	case "add":
		fs := flag.NewFlagSet("add", flag.ContinueOnError)
		date := fs.String("date", today, "day")
		title := fs.String("title", "", "title")
		category := fs.String("category", "", "category")
		notes := fs.String("notes", "", "notes")
		start := fs.String("start", "", "start HH:MM")
		end := fs.String("end", "", "end HH:MM (default duration when empty)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *title == "" || *start == "" {
			return fmt.Errorf("%w: need -title and -start", errs.ErrInvalidArgument)
		}
		b, err := p.Add(ctx, model.Block{
			Date: *date, StartTime: *start, EndTime: *end,
			Title: *title, Category: *category, Notes: *notes,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, b.ID)

	case "mv":
		fs := flag.NewFlagSet("mv", flag.ContinueOnError)
		id := fs.String("id", "", "block id")
		date := fs.String("date", "", "target day (default: the block's day)")
		start := fs.String("start", "", "new start HH:MM")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *id == "" || *start == "" {
			return fmt.Errorf("%w: need -id and -start", errs.ErrInvalidArgument)
		}
		d := *date
		if d == "" {
			d = dayOf(*id, today)
		}
		b, err := p.Move(ctx, *id, d, *start)
		if err != nil {
			return err
		}
		printBlock(out, b)

	case "resize":
		fs := flag.NewFlagSet("resize", flag.ContinueOnError)
		id := fs.String("id", "", "block id")
		end := fs.String("end", "", "new end HH:MM")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *id == "" || *end == "" {
			return fmt.Errorf("%w: need -id and -end", errs.ErrInvalidArgument)
		}
		b, err := p.Resize(ctx, *id, *end)
		if err != nil {
			return err
		}
		printBlock(out, b)

	case "edit":
		fs := flag.NewFlagSet("edit", flag.ContinueOnError)
		id := fs.String("id", "", "block id")
		title := fs.String("title", "", "title")
		category := fs.String("category", "", "category")
		notes := fs.String("notes", "", "notes")
		start := fs.String("start", "", "start HH:MM")
		end := fs.String("end", "", "end HH:MM")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("%w: need -id", errs.ErrInvalidArgument)
		}
		var patch planner.Patch
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "title":
				patch.Title = title
			case "category":
				patch.Category = category
			case "notes":
				patch.Notes = notes
			case "start":
				patch.StartTime = start
			case "end":
				patch.EndTime = end
			}
		})
		b, err := p.Edit(ctx, *id, patch)
		if err != nil {
			return err
		}
		printBlock(out, b)

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ContinueOnError)
		id := fs.String("id", "", "block id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("%w: need -id", errs.ErrInvalidArgument)
		}
		if err := p.Delete(ctx, *id); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "hide":
		fs := flag.NewFlagSet("hide", flag.ContinueOnError)
		date := fs.String("date", today, "day")
		tmpl := fs.String("template", "", "template id")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if err := p.Hide(ctx, *date, *tmpl); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "set":
		if len(rest) != 2 {
			return fmt.Errorf("%w: usage: set <key> <value>", errs.ErrInvalidArgument)
		}
		if err := p.SetSetting(ctx, rest[0], parseValue(rest[1])); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("%w: usage: get <key>", errs.ErrInvalidArgument)
		}
		v, err := p.Setting(ctx, rest[0], json.RawMessage("null"))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(v))

	case "sync":
		res, err := p.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "synced: blocks=%d conflicts=%d local_wins=%d remote_wins=%d push_only=%t\n",
			len(res.Snapshot.Blocks), res.Conflicts, res.LocalWins, res.RemoteWins, res.PushOnly)

	case "export":
		fs := flag.NewFlagSet("export", flag.ContinueOnError)
		path := fs.String("o", "-", "output file (- for stdout)")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		snap, err := a.store.ExportAll(ctx)
		if err != nil {
			return err
		}
		snap.Timestamp = time.Now().UTC()
		snap.Normalize()
		if *path == "-" {
			printJSON(out, snap)
			return nil
		}
		b, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(*path, b, 0o600)

	case "import":
		fs := flag.NewFlagSet("import", flag.ContinueOnError)
		path := fs.String("file", "", "snapshot JSON (- for stdin)")
		merge := fs.Bool("merge", false, "only add what is missing instead of replacing")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *path == "" {
			return fmt.Errorf("%w: need -file", errs.ErrInvalidArgument)
		}
		raw, err := readAll(*path)
		if err != nil {
			return err
		}
		var snap model.Snapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return fmt.Errorf("%w: snapshot: %v", errs.ErrInvalidArgument, err)
		}
		if err := a.store.ImportAll(ctx, &snap, !*merge); err != nil {
			return err
		}
		if a.engine != nil {
			a.engine.SchedulePush()
		}
		fmt.Fprintf(out, "imported %d blocks\n", len(snap.Blocks))

	case "run":
		return daemon(ctx, a, today, out)

	default:
		gfs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func runAuth(ctx context.Context, cmd, cfgPath string, rest []string, out io.Writer, log *zap.Logger) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	u := fs.String("u", "", "username")
	pw := fs.String("p", "", "password")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *u == "" || *pw == "" {
		return fmt.Errorf("%w: need -u and -p", errs.ErrInvalidArgument)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, log: log}
	c, err := a.dial("")
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cmd == "register" {
		uid, err := c.Register(ctx, *u, *pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, uid)
		return nil
	}

	resp, err := c.Login(ctx, *u, *pw)
	if err != nil {
		return err
	}
	exp := resp.ExpiresAt
	if exp.IsZero() {
		exp = tokenExpiry(resp.AccessToken, time.Now().Add(15*time.Minute))
	}
	if err := saveToken(tokenFile{AccessToken: resp.AccessToken, ExpiresAt: exp, UserID: resp.UserID}); err != nil {
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

// daemon keeps today's view current: cron and SIGUSR1 reconcile, planner
// messages are printed as they arrive.
func daemon(ctx context.Context, a *app, today string, out io.Writer) error {
	if a.engine == nil {
		return fmt.Errorf("%w: sync.mode is off", errs.ErrSyncDisabled)
	}
	sch, err := scheduler.New(a.cfg.Sync.Schedule, a.engine, a.log.Named("scheduler"))
	if err != nil {
		return err
	}
	sch.Start(ctx)
	defer sch.Stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	if _, err := a.planner.Show(ctx, today); err != nil {
		return err
	}
	sch.Trigger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-usr1:
			sch.Trigger()
		case m := <-a.planner.Messages():
			switch m := m.(type) {
			case planner.DayRefreshed:
				printDay(out, m.Day)
			case planner.SyncStatusChanged:
				if m.Err != nil {
					fmt.Fprintf(out, "sync: %s (%v)\n", m.Status, m.Err)
				} else {
					fmt.Fprintf(out, "sync: %s\n", m.Status)
				}
			}
		}
	}
}

// ---- utils ----

// dayOf returns the day encoded in a template instance id, or def.
func dayOf(id, def string) string {
	if i := strings.LastIndexByte(id, '_'); i >= 0 && clock.ValidDate(id[i+1:]) {
		return id[i+1:]
	}
	return def
}

// parseValue keeps valid JSON as is and quotes anything else.
func parseValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printBlock(w io.Writer, b model.Block) {
	line := fmt.Sprintf("%s-%s  %-13s %s", b.StartTime, b.EndTime, "["+string(b.Origin)+"]", b.Title)
	if b.Category != "" {
		line += " (" + b.Category + ")"
	}
	fmt.Fprintf(w, "%s  %s\n", line, b.ID)
}

func printDay(w io.Writer, d model.Day) {
	fmt.Fprintln(w, d.Date)
	for _, b := range d.AllDay {
		fmt.Fprintf(w, "all-day      %s\n", b.Title)
	}
	for _, b := range d.Ordered() {
		printBlock(w, b)
	}
	for _, warn := range d.Warnings {
		fmt.Fprintf(w, "! %s\n", warn)
	}
}

func fail(err error) {
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(2)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
