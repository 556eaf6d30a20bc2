package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trymwestin/owletd/internal/config"
	"github.com/trymwestin/owletd/internal/core/api"
	"github.com/trymwestin/owletd/internal/core/sock"
	"github.com/trymwestin/owletd/internal/core/state"
	"github.com/trymwestin/owletd/internal/fleet"
	"github.com/trymwestin/owletd/internal/httpapi"
	"github.com/trymwestin/owletd/internal/mqtt"
	"github.com/trymwestin/owletd/internal/poller"
	"github.com/trymwestin/owletd/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "owletd:", err)
		os.Exit(1)
	}

	log := newLogger(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Error("owletd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.NewStore(cfg.Session.Path, log)
	prior, err := sess.Load()
	if err != nil {
		log.Warn("could not restore session, falling back to credentials", "error", err)
	}

	client, err := api.NewClient(api.Region(cfg.Owlet.Region), cfg.Owlet.Username, cfg.Owlet.Password, prior, nil, log)
	if err != nil {
		return err
	}

	tokens, err := client.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("initial authentication: %w", err)
	}
	persist(sess, tokens, log)

	devices, tokens, err := client.Devices(ctx, api.Version2, api.Version3)
	if err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}
	persist(sess, tokens, log)

	bus := state.NewEventBus(log)
	store := state.NewStore(bus, log)

	socks := make([]*sock.Sock, 0, len(devices))
	for _, dev := range devices {
		log.Info("discovered sock", "dsn", dev.DSN, "name", dev.Name, "version", int(dev.Version))
		store.Register(dev)
		socks = append(socks, sock.New(client, dev, log))
	}
	flt := fleet.New(socks)

	pol := poller.New(flt, store, bus, sess, time.Duration(cfg.Owlet.PollInterval)*time.Second, log)
	pol.Start(ctx)
	defer pol.Stop()

	var pub mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub = mqtt.NewHAPublisher(mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, flt, store, bus, log)
	} else {
		pub = mqtt.NewStubPublisher(log)
	}
	if err := pub.Start(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer pub.Stop(context.Background())

	apiSrv := httpapi.NewServer(store, flt, client.Region(), cfg.HTTP.CORSAll, log)
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: apiSrv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return nil
}

// persist writes a changed token snapshot; persistence failures are logged,
// not fatal, since the session itself is still valid.
func persist(sess *session.Store, tokens *api.Tokens, log *slog.Logger) {
	if tokens == nil {
		return
	}
	if err := sess.Save(tokens); err != nil {
		log.Error("failed to persist tokens", "error", err)
	}
}
