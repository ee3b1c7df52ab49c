package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/chirper/pkg/api"
	"github.com/rubiojr/chirper/pkg/auth"
	"github.com/rubiojr/chirper/pkg/config"
	"github.com/rubiojr/chirper/pkg/log"
	"github.com/rubiojr/chirper/pkg/realtime"
	"github.com/rubiojr/chirper/pkg/storage"
	"github.com/urfave/cli/v3"
)

var serveLogger = log.ForService("serve")

// ServeCommand creates the serve command
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the API and realtime notification server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Address to listen on (overrides listen_addr)",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, c.String("config"), c.String("listen"))
		},
	}
}

func serve(ctx context.Context, configPath, listenAddr string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set, run 'chirper init' first")
	}

	store, err := storage.Open(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			serveLogger.Warnf("failed to close storage: %v", err)
		}
	}()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}

	// Settings that follow config reloads read through current.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	rt := realtime.NewServer(realtime.Options{
		Verifier:         issuer,
		HandshakeTimeout: cfg.Auth.HandshakeTimeout.Duration,
		Transports:       cfg.Realtime.Transports,
		SessionBuffer:    cfg.Realtime.SessionBuffer,
		PollTimeout:      cfg.Realtime.PollTimeout.Duration,
		PollIdleTimeout:  cfg.Realtime.PollIdleTimeout.Duration,
		PingInterval:     cfg.Realtime.PingInterval.Duration,
		AllowOrigin:      cfg.OriginAllowed,
	})
	rtCtx, rtCancel := context.WithCancel(ctx)
	defer rtCancel()
	rt.Start(rtCtx)

	var github *auth.GitHubProvider
	if gh := cfg.OAuth.GitHub; gh != nil && gh.ClientID != "" {
		github = auth.NewGitHubProvider(gh.ClientID, gh.ClientSecret, gh.RedirectURL)
	}

	apiServer := api.NewServer(api.Options{
		Store:    store,
		Issuer:   issuer,
		Notifier: rt.Dispatcher(),
		Presence: rt.Registry(),
		GitHub:   github,
		IsAdmin:  func(u string) bool { return current.Load().IsAdmin(u) },
	})

	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	rt.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.CorsMiddleware(func(o string) bool { return current.Load().OriginAllowed(o) }, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serveLogger.Infof("listening on http://%s", cfg.ListenAddr)
		serveLogger.Infof("realtime transports: %v", rt.Transports())
		if github != nil {
			serveLogger.Infof("GitHub sign-in enabled")
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	reload := func() {
		newCfg, err := config.LoadConfig(configPath)
		if err != nil {
			serveLogger.Errorf("failed to reload configuration: %v", err)
			return
		}
		current.Store(newCfg)
		rt.SetAllowOrigin(newCfg.OriginAllowed)
		serveLogger.Infof("configuration reloaded, allowed origins: %v", newCfg.AllowedOrigins)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var watchEvents <-chan fsnotify.Event
	var watchErrors <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		serveLogger.Warnf("failed to create config file watcher: %v", err)
	} else {
		defer func() {
			if err := watcher.Close(); err != nil {
				serveLogger.Warnf("failed to close config file watcher: %v", err)
			}
		}()
		if err := watcher.Add(configPath); err != nil {
			serveLogger.Warnf("failed to watch config file %s: %v", configPath, err)
		} else {
			serveLogger.Infof("watching config file for changes: %s", configPath)
			watchEvents, watchErrors = watcher.Events, watcher.Errors
		}
	}

	for {
		select {
		case err := <-serverErr:
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
			return shutdown(server, rt)
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				serveLogger.Infof("received SIGHUP, reloading configuration")
				reload()
				continue
			}
			return shutdown(server, rt)
		case event, ok := <-watchEvents:
			if !ok {
				watchEvents = nil
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			serveLogger.Debugf("config file changed: %s (%s)", event.Name, event.Op)

			// Editors often replace the file; re-add it once it is back.
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					serveLogger.Warnf("config file was removed, keeping the current configuration")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					serveLogger.Warnf("failed to re-add config file to watcher: %v", err)
				}
			} else {
				time.Sleep(100 * time.Millisecond)
			}
			reload()
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			serveLogger.Warnf("config file watcher error: %v", err)
		}
	}
}

// shutdown drops realtime sessions with a server disconnect first so
// clients know to come back, then stops accepting requests.
func shutdown(server *http.Server, rt *realtime.Server) error {
	serveLogger.Infof("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rt.Shutdown(ctx); err != nil {
		serveLogger.Warnf("realtime shutdown: %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
