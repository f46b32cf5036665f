package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/redeven-stream/internal/apiclient"
	"github.com/floegence/redeven-stream/internal/config"
	"github.com/floegence/redeven-stream/internal/lockfile"
	"github.com/floegence/redeven-stream/internal/reconcile"
	"github.com/floegence/redeven-stream/internal/reconnect"
	"github.com/floegence/redeven-stream/internal/sender"
	"github.com/floegence/redeven-stream/internal/streamclient"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "send":
		sendCmd(os.Args[2:])
	case "follow":
		followCmd(os.Args[2:])
	case "history":
		historyCmd(os.Args[2:])
	case "show":
		showCmd(os.Args[2:])
	case "faults":
		faultsCmd(os.Args[2:])
	case "version":
		fmt.Printf("redeven-stream %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `redeven-stream

Usage:
  redeven-stream init --base-url URL [flags]
  redeven-stream send --session ID [flags] TEXT...
  redeven-stream follow --session ID --message ID [flags]
  redeven-stream history --session ID [flags]
  redeven-stream show --message ID [flags]
  redeven-stream faults [flags]
  redeven-stream version

Commands:
  init      Write a config file.
  send      Send a message and stream the reply until it ends.
  follow    Attach to a reply that is already being produced.
  history   List saved replies of a session.
  show      Print one saved reply.
  faults    List recent malformed frames, skipped events and stream failures.
  version   Print build information.

Output is human readable on a terminal and JSON lines otherwise.

`)
}

func configPathFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Config path, .json or .yaml (default: ~/.redeven-stream/config.json)")
}

func resolveConfigPath(raw string) string {
	if p := strings.TrimSpace(raw); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	baseURL := fs.String("base-url", "", "Message API base URL (e.g. https://api.example.invalid)")
	token := fs.String("token", "", "API bearer token ('Bearer <token>' is also accepted)")
	transport := fs.String("transport", config.TransportSSE, "Stream transport: sse|websocket")
	stateDir := fs.String("state-dir", "", "State dir for snapshots and the lock file (default: config dir)")
	logFormat := fs.String("log-format", "", "Log format: json|text (empty: default text)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (empty: default info)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*baseURL) == "" {
		fs.Usage()
		os.Exit(2)
	}
	tok := strings.TrimSpace(*token)
	if len(tok) > 7 && strings.EqualFold(tok[:7], "bearer ") {
		tok = strings.TrimSpace(tok[7:])
	}

	path := resolveConfigPath(*cfgPath)
	cfg := &config.Config{
		BaseURL:   strings.TrimSpace(*baseURL),
		APIToken:  tok,
		Transport: strings.TrimSpace(*transport),
		StateDir:  strings.TrimSpace(*stateDir),
		LogFormat: strings.TrimSpace(*logFormat),
		LogLevel:  strings.TrimSpace(*logLevel),
	}
	if err := config.Save(path, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)
}

func sendCmd(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	sessionID := fs.String("session", "", "Session ID")
	var attachments []string
	fs.Func("attach", "Attachment reference of an uploaded file (repeatable)", func(v string) error {
		if v = strings.TrimSpace(v); v != "" {
			attachments = append(attachments, v)
		}
		return nil
	})
	noHistory := fs.Bool("no-history", false, "Do not include the session history in the request")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0: no limit)")
	_ = fs.Parse(args)

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if strings.TrimSpace(*sessionID) == "" || (text == "" && len(attachments) == 0) {
		fs.Usage()
		os.Exit(2)
	}

	out := newPrinter(os.Stdout)
	c := openClient(*cfgPath, false, out)
	ctx, cancel := signalContext(*timeout)

	var content []apiclient.Part
	if text != "" {
		content = append(content, apiclient.TextPart(text))
	}
	agg, err := c.Send(ctx, sender.SendRequest{
		SessionID:      strings.TrimSpace(*sessionID),
		Content:        content,
		Attachments:    attachments,
		IncludeHistory: !*noHistory,
	}, out.Update)
	cancel()
	_ = c.Close()
	out.Final(agg, err)
	os.Exit(exitCode(err))
}

func followCmd(args []string) {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	sessionID := fs.String("session", "", "Session ID")
	messageID := fs.String("message", "", "Assistant message ID")
	from := fs.Int64("from", 0, "Resume after this sequence (default: what is already saved)")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0: no limit)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sessionID) == "" || strings.TrimSpace(*messageID) == "" || *from < 0 {
		fs.Usage()
		os.Exit(2)
	}

	out := newPrinter(os.Stdout)
	c := openClient(*cfgPath, false, out)
	ctx, cancel := signalContext(*timeout)

	// A reply an earlier run already saved is printed without connecting.
	if saved, err := c.Show(ctx, strings.TrimSpace(*messageID)); err == nil && saved != nil && saved.Done() {
		cancel()
		_ = c.Close()
		out.Final(*saved, nil)
		return
	}

	agg, err := c.Follow(ctx, strings.TrimSpace(*sessionID), strings.TrimSpace(*messageID), *from, out.Update)
	cancel()
	_ = c.Close()
	out.Final(agg, err)
	os.Exit(exitCode(err))
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	sessionID := fs.String("session", "", "Session ID")
	limit := fs.Int("limit", 20, "Maximum number of replies")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sessionID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	out := newPrinter(os.Stdout)
	c := openClient(*cfgPath, true, out)
	defer func() { _ = c.Close() }()

	items, err := c.History(context.Background(), *sessionID, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list history: %v\n", err)
		os.Exit(1)
	}
	out.History(items)
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	messageID := fs.String("message", "", "Assistant message ID")
	_ = fs.Parse(args)

	if strings.TrimSpace(*messageID) == "" {
		fs.Usage()
		os.Exit(2)
	}

	out := newPrinter(os.Stdout)
	c := openClient(*cfgPath, true, out)
	defer func() { _ = c.Close() }()

	agg, err := c.Show(context.Background(), *messageID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load message: %v\n", err)
		os.Exit(1)
	}
	if agg == nil {
		fmt.Fprintf(os.Stderr, "message not found: %s\n", *messageID)
		os.Exit(1)
	}
	out.Show(*agg)
}

func faultsCmd(args []string) {
	fs := flag.NewFlagSet("faults", flag.ExitOnError)
	cfgPath := configPathFlag(fs)
	limit := fs.Int("limit", 50, "Maximum number of records")
	_ = fs.Parse(args)

	out := newPrinter(os.Stdout)
	c := openClient(*cfgPath, true, out)
	defer func() { _ = c.Close() }()

	items, err := c.Faults(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read fault log: %v\n", err)
		os.Exit(1)
	}
	out.Faults(items)
}

func openClient(rawPath string, readOnly bool, out *printer) *streamclient.Client {
	path := resolveConfigPath(rawPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Hint: run `redeven-stream init --base-url URL` first.\n")
		}
		os.Exit(1)
	}
	c, err := streamclient.New(streamclient.Options{
		Config:     cfg,
		ConfigPath: path,
		ReadOnly:   readOnly,
		Version:    Version,
		OnToolActivity: func(_ string, act reconcile.ToolActivity, active bool) {
			out.Tool(act, active)
		},
		OnStateChange: func(_ string, s reconnect.Snapshot) {
			out.Connection(s)
		},
	})
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintf(os.Stderr, "another redeven-stream process is using this state dir: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "failed to init client: %v\n", err)
		}
		os.Exit(1)
	}
	return c
}

// signalContext is cancelled on SIGINT/SIGTERM and, when d > 0, after d.
func signalContext(d time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	if d <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, func() {
		cancel()
		stop()
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
