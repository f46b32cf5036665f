// Package streamclient wires the config into a ready client: logger, state dir
// lock, snapshot database, aggregate store, API client, stream dialer and the
// send coordinator.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/floegence/redeven-stream/internal/aggstore"
	"github.com/floegence/redeven-stream/internal/apiclient"
	"github.com/floegence/redeven-stream/internal/config"
	"github.com/floegence/redeven-stream/internal/faultlog"
	"github.com/floegence/redeven-stream/internal/lockfile"
	"github.com/floegence/redeven-stream/internal/message"
	"github.com/floegence/redeven-stream/internal/reconcile"
	"github.com/floegence/redeven-stream/internal/reconnect"
	"github.com/floegence/redeven-stream/internal/sender"
	"github.com/floegence/redeven-stream/internal/snapshotstore"
	"github.com/floegence/redeven-stream/internal/streamevent"
	"github.com/floegence/redeven-stream/internal/subscription"
)

const (
	// SnapshotDBName is the snapshot database file inside the state dir.
	SnapshotDBName = "snapshots.sqlite"
	// FaultDirName holds the fault log inside the state dir.
	FaultDirName = "faults"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path the config was loaded from (used to derive state_dir).
	ConfigPath string

	// ReadOnly skips the state dir lock and the network side. Only History and
	// Show work on a read-only client.
	ReadOnly bool

	// LogOutput receives log lines. Defaults to stderr so stdout stays clean
	// for command output.
	LogOutput io.Writer

	OnToolActivity func(sessionID string, act reconcile.ToolActivity, active bool)
	OnStateChange  func(sessionID string, s reconnect.Snapshot)

	Version string
}

type Client struct {
	cfg      *config.Config
	log      *slog.Logger
	stateDir string

	lock      *lockfile.Lock
	snapshots *snapshotstore.Store
	faults    *faultlog.Log
	store     *aggstore.Store
	api       *apiclient.Client
	sender    *sender.Coordinator
}

func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := *opts.Config
	cfg.ApplyDefaults()

	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger, err := newLogger(out, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfgPathAbs, err := filepath.Abs(cfgPath)
	if err != nil {
		return nil, err
	}
	stateDir, err := filepath.Abs(cfg.ResolveStateDir(cfgPathAbs))
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: &cfg, log: logger, stateDir: stateDir}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	if !opts.ReadOnly {
		c.lock, err = lockfile.AcquireDir(stateDir)
		if err != nil {
			return nil, fmt.Errorf("lock state dir: %w", err)
		}
	}
	c.snapshots, err = snapshotstore.Open(filepath.Join(stateDir, SnapshotDBName))
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	c.faults, err = faultlog.Open(faultlog.Options{Logger: logger, Dir: filepath.Join(stateDir, FaultDirName)})
	if err != nil {
		return nil, fmt.Errorf("open fault log: %w", err)
	}
	if opts.ReadOnly {
		ok = true
		return c, nil
	}

	c.store = aggstore.New(aggstore.Options{Logger: logger, Persister: c.snapshots})
	c.api, err = apiclient.New(apiclient.Options{
		BaseURL:        cfg.BaseURL,
		Token:          cfg.APIToken,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout(),
		StatusRetries:  *cfg.StatusCheckRetries,
	})
	if err != nil {
		return nil, err
	}
	c.sender, err = sender.New(sender.Options{
		API:    c.api,
		Dialer: newDialer(&cfg),
		Store:  c.store,
		Logger: logger,
		Policy: reconnect.Policy{
			BaseDelay:   time.Duration(cfg.Reconnect.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Reconnect.MaxDelayMS) * time.Millisecond,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		IdleTimeout:        cfg.IdleTimeout(),
		ToolIndicatorClear: cfg.ToolIndicatorClear(),
		OnToolActivity:     opts.OnToolActivity,
		OnStateChange: func(sessionID string, s reconnect.Snapshot) {
			if s.State == reconnect.StateFailed {
				c.faults.Record(faultlog.Entry{
					Kind:      faultlog.KindReconnectExhausted,
					SessionID: sessionID,
					MessageID: s.MessageID,
					Sequence:  s.ResumeCursor,
					Error:     errString(s.Err),
					Detail:    map[string]any{"attempts": s.Attempt},
				})
			}
			if opts.OnStateChange != nil {
				opts.OnStateChange(sessionID, s)
			}
		},
		OnFailure: func(ev streamevent.Event, err error) {
			c.faults.Record(faultlog.Entry{
				Kind:      faultlog.KindEventNotApplied,
				SessionID: ev.SessionID,
				MessageID: ev.MessageID,
				EventType: string(ev.Type),
				Sequence:  ev.Sequence,
				Error:     errString(err),
			})
		},
		OnMalformed: func(sessionID string, err error) {
			c.faults.Record(faultlog.Entry{Kind: faultlog.KindMalformedEvent, SessionID: sessionID, Error: errString(err)})
		},
	})
	if err != nil {
		return nil, err
	}

	logger.Info("stream client ready",
		"version", strings.TrimSpace(opts.Version),
		"base_url", cfg.BaseURL,
		"transport", cfg.Transport,
		"state_dir", stateDir,
		"goos", runtime.GOOS,
		"goarch", runtime.GOARCH,
	)
	ok = true
	return c, nil
}

func newDialer(cfg *config.Config) subscription.Dialer {
	if cfg.Transport == config.TransportWebSocket {
		return &subscription.WebSocketDialer{BaseURL: cfg.BaseURL, Token: cfg.APIToken}
	}
	return &subscription.SSEDialer{BaseURL: cfg.BaseURL, Token: cfg.APIToken}
}

func (c *Client) Logger() *slog.Logger { return c.log }

func (c *Client) StateDir() string { return c.stateDir }

var errReadOnly = errors.New("client opened read-only")

// Send submits content to a session and blocks until the reply is done.
// onUpdate, when set, sees every change of the reply aggregate.
func (c *Client) Send(ctx context.Context, req sender.SendRequest, onUpdate func(message.Aggregate)) (message.Aggregate, error) {
	if c.sender == nil {
		return message.Aggregate{}, errReadOnly
	}
	defer c.watch(req.SessionID, onUpdate)()

	id, err := c.sender.Send(ctx, req)
	if err != nil {
		var se *sender.SubmitError
		if errors.As(err, &se) {
			c.faults.Record(faultlog.Entry{Kind: faultlog.KindSubmitFailed, SessionID: se.SessionID, MessageID: id, Error: errString(se.Err)})
		}
		agg, _ := c.store.Get(id)
		return agg, err
	}
	return c.sender.Wait(ctx, req.SessionID)
}

// Follow attaches to a running reply and blocks until it is done.
func (c *Client) Follow(ctx context.Context, sessionID string, messageID string, resumeFrom int64, onUpdate func(message.Aggregate)) (message.Aggregate, error) {
	if c.sender == nil {
		return message.Aggregate{}, errReadOnly
	}
	defer c.watch(sessionID, onUpdate)()

	if err := c.sender.Follow(ctx, sessionID, messageID, resumeFrom); err != nil {
		return message.Aggregate{}, err
	}
	return c.sender.Wait(ctx, sessionID)
}

func (c *Client) watch(sessionID string, onUpdate func(message.Aggregate)) func() {
	if onUpdate == nil {
		return func() {}
	}
	sessionID = strings.TrimSpace(sessionID)
	return c.store.Subscribe(func(agg message.Aggregate) {
		if agg.SessionID == sessionID {
			onUpdate(agg)
		}
	})
}

// History lists the saved replies of a session, newest first.
func (c *Client) History(ctx context.Context, sessionID string, limit int) ([]snapshotstore.Summary, error) {
	return c.snapshots.ListSessionMessages(ctx, sessionID, limit)
}

// Faults returns the most recent fault records, newest first.
func (c *Client) Faults(limit int) ([]faultlog.Entry, error) {
	return c.faults.Recent(limit)
}

// Show returns a reply from memory, or from the snapshot store when this
// process never saw it.
func (c *Client) Show(ctx context.Context, messageID string) (*message.Aggregate, error) {
	if c.store != nil {
		if agg, ok := c.store.Get(messageID); ok {
			return &agg, nil
		}
	}
	return c.snapshots.GetMessage(ctx, messageID)
}

func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.sender != nil {
		errs = append(errs, c.sender.Close())
	}
	if c.snapshots != nil {
		errs = append(errs, c.snapshots.Close())
	}
	if c.lock != nil {
		errs = append(errs, c.lock.Release())
	}
	return errors.Join(errs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
