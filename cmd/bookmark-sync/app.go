package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/channel"
	"github.com/alexjbarnes/bookmark-sync/internal/config"
	"github.com/alexjbarnes/bookmark-sync/internal/folderpath"
	"github.com/alexjbarnes/bookmark-sync/internal/logging"
	"github.com/alexjbarnes/bookmark-sync/internal/state"
	"github.com/alexjbarnes/bookmark-sync/internal/store"
	"github.com/alexjbarnes/bookmark-sync/internal/syncer"
)

// app holds everything a command needs, built from the environment.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	client *api.Client

	closers []io.Closer
}

// newApp loads config and opens the log and the state database. Logs go
// to logOut when set and no LOG_FILE is configured, stdout otherwise.
func newApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a := &app{cfg: cfg}

	switch {
	case cfg.LogFile != "":
		logger, closer := logging.NewFileLogger(cfg.Environment, cfg.LogFile)
		a.logger = logger
		a.closers = append(a.closers, closer)
	case logOut != nil:
		a.logger = logging.NewLoggerTo(cfg.Environment, logOut)
	default:
		a.logger = logging.NewLogger(cfg.Environment)
	}

	statePath := cfg.StatePath
	if statePath == "" {
		statePath, err = config.DefaultStatePath()
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.state, err = state.Load(statePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a.closers = append(a.closers, a.state)

	a.client = api.NewClient(nil, a.state, cfg.ServerURL)

	return a, nil
}

// seedToken stores API_TOKEN when it differs from the stored token.
func (a *app) seedToken() error {
	if a.cfg.APIToken == "" || a.cfg.APIToken == a.state.Token() {
		return nil
	}

	if err := a.state.SetCredentials(state.Credentials{Token: a.cfg.APIToken, ServerURL: a.cfg.ServerURL}); err != nil {
		return err
	}

	a.logger.Info("seeded API token from environment")

	return nil
}

// Close releases the state database and the log file, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

// openStore opens the configured bookmark host. The second result is
// non-nil for the Chromium store, which needs its file watcher run.
func (a *app) openStore() (store.Store, *store.Chromium, error) {
	if a.cfg.StoreKind == config.StoreMemory {
		return store.NewMemory(), nil, nil
	}

	c, err := store.OpenChromium(a.cfg.ChromiumBookmarksPath, a.logger.With(slog.String("component", "chromium")))
	if err != nil {
		return nil, nil, fmt.Errorf("opening bookmarks: %w", err)
	}

	return c, c, nil
}

// engine is the wired sync engine over one store.
type engine struct {
	store      store.Store
	chromium   *store.Chromium
	channel    *channel.Channel
	reconciler *syncer.Reconciler
	controller *syncer.Controller
}

func (a *app) newEngine() (*engine, error) {
	s, chromium, err := a.openStore()
	if err != nil {
		return nil, err
	}

	cfg := a.cfg
	paths := folderpath.New(s, cfg.SyncRootTitle)
	applied := syncer.NewAppliedSet()

	ch := channel.New(channel.Options{
		ServerURL:     cfg.ServerURL,
		Path:          cfg.ChannelPath,
		Subscriptions: cfg.ChannelSubscriptions,
		BaseDelay:     cfg.ReconnectBaseDelay,
		MaxAttempts:   cfg.ReconnectMaxAttempts,
		Heartbeat:     cfg.HeartbeatInterval,
	}, a.state, a.logger.With(slog.String("component", "channel")))

	syncLogger := a.logger.With(slog.String("component", "sync"))
	reconciler := syncer.NewReconciler(s, a.client, paths, applied, a.state, cfg.SyncTags, syncLogger)
	classifier := syncer.NewClassifier(s, paths, applied, syncLogger)

	controller := syncer.NewController(syncer.Options{
		SettleDelay:      cfg.SettleDelay,
		FullSyncInterval: cfg.FullSyncInterval,
	}, s, a.client, a.state, ch, reconciler, classifier, syncLogger)

	return &engine{
		store:      s,
		chromium:   chromium,
		channel:    ch,
		reconciler: reconciler,
		controller: controller,
	}, nil
}
