package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/victornm/fireprep/internal/config"
	"github.com/victornm/fireprep/internal/engine"
	"github.com/victornm/fireprep/internal/localstore"
	"github.com/victornm/fireprep/internal/remote"
	"github.com/victornm/fireprep/internal/syncer"
)

type Config struct {
	UserID string

	Store struct {
		// Path defaults to localstore.DefaultPath.
		Path string
	}

	Remote struct {
		BaseURL string
		Timeout time.Duration
	}

	Sync struct {
		Backoff    syncer.Exponential
		StallAfter int
		Timeout    time.Duration
		// ProbeInterval is how often watch pings the backend.
		ProbeInterval time.Duration
	}
}

func defaultConfig() Config {
	var c Config
	c.Remote.BaseURL = "http://localhost:8080"
	c.Remote.Timeout = 10 * time.Second
	c.Sync.Backoff = syncer.DefaultBackoff()
	c.Sync.StallAfter = 10
	c.Sync.Timeout = time.Minute
	c.Sync.ProbeInterval = 15 * time.Second
	return c
}

type app struct {
	configPath string
	verbose    bool
	c          Config
}

func newRootCmd() *cobra.Command {
	a := &app{c: defaultConfig()}

	root := &cobra.Command{
		Use:          "fireprep",
		Short:        "Inspect and sync the local fireprep session queue",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl := slog.LevelWarn
			if a.verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))

			return a.loadConfig()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("CONFIG_PATH"), "config file; FIREPREP_* environment variables are used when empty")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(
		newStatusCmd(a),
		newSyncCmd(a),
		newRetryCmd(a),
		newDismissCmd(a),
		newSessionsCmd(a),
		newStandingCmd(a),
		newWatchCmd(a),
	)

	return root
}

func (a *app) loadConfig() error {
	if a.configPath != "" {
		if err := config.Load(a.configPath, &a.c); err != nil {
			return err
		}
	} else if err := config.LoadEnv("FIREPREP", &a.c); err != nil {
		return err
	}

	if a.c.UserID == "" {
		return fmt.Errorf("user id is not configured")
	}
	return nil
}

// withEngine opens the local store and an engine over it for the duration of fn.
func (a *app) withEngine(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	path := a.c.Store.Path
	if path == "" {
		p, err := localstore.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	db, err := localstore.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer db.Close()

	client := remote.NewClient(remote.ClientConfig{
		BaseURL: a.c.Remote.BaseURL,
		Timeout: a.c.Remote.Timeout,
	})

	e, err := engine.New(ctx, engine.Config{
		UserID:        a.c.UserID,
		Backend:       client,
		Store:         db,
		Backoff:       a.c.Sync.Backoff,
		StallAfter:    a.c.Sync.StallAfter,
		Pinger:        client,
		ProbeInterval: a.c.Sync.ProbeInterval,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	return fn(ctx, e)
}
