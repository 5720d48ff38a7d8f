package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentdispatch/admp-hub/internal/agent"
	"github.com/agentdispatch/admp-hub/internal/auth"
	"github.com/agentdispatch/admp-hub/internal/config"
	"github.com/agentdispatch/admp-hub/internal/envelope"
	"github.com/agentdispatch/admp-hub/internal/events"
	"github.com/agentdispatch/admp-hub/internal/group"
	"github.com/agentdispatch/admp-hub/internal/inbox"
	"github.com/agentdispatch/admp-hub/internal/logging"
	"github.com/agentdispatch/admp-hub/internal/metrics"
	"github.com/agentdispatch/admp-hub/internal/notify"
	"github.com/agentdispatch/admp-hub/internal/roundtable"
	"github.com/agentdispatch/admp-hub/internal/store"
	"github.com/agentdispatch/admp-hub/internal/sweeper"
	"github.com/agentdispatch/admp-hub/internal/web"
	"github.com/agentdispatch/admp-hub/internal/webhook"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.Env != "production")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("failed to open store", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	bus := events.New()

	agents := agent.NewService(agent.Options{
		Store:             st,
		Log:               log.Component("agent"),
		Bus:               bus,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		KeyGrace:          cfg.KeyGrace,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	dispatcher := webhook.NewDispatcher(webhook.Options{
		Store:       st,
		Log:         log.Component("webhook"),
		Bus:         bus,
		Timeout:     cfg.WebhookTimeout,
		MaxAttempts: cfg.WebhookMaxAttempts,
		BackoffBase: cfg.WebhookBackoffBase,
		Workers:     cfg.WebhookWorkers,
		QueueSize:   cfg.WebhookQueueSize,
	})

	engine := inbox.NewEngine(inbox.Options{
		Store:  st,
		Agents: agents,
		Pusher: dispatcher,
		Bus:    bus,
		Log:    log.Component("inbox"),
		Limits: envelope.Limits{
			MaxBodyBytes:  cfg.MaxMessageSizeKB * 1024,
			DefaultTTLSec: int64(cfg.MessageTTL.Seconds()),
		},
		MaxPerAgent: cfg.MaxMessagesPerAgent,
	})

	groups := group.NewService(group.Options{
		Store:      st,
		Agents:     agents,
		Delivery:   engine,
		Bus:        bus,
		Log:        log.Component("group"),
		MaxMembers: cfg.MaxGroupMembers,
	})

	tables := roundtable.NewService(roundtable.Options{
		Store:    st,
		Agents:   agents,
		Groups:   groups,
		Delivery: engine,
		Bus:      bus,
		Log:      log.Component("roundtable"),
	})

	authSvc := auth.NewService(auth.Options{
		Store:     st,
		Log:       log.Component("auth"),
		MasterKey: cfg.MasterAPIKey,
		Required:  cfg.APIKeyRequired,
	})

	sweep, err := sweeper.New(sweeper.Options{
		Store:     st,
		Tables:    tables,
		Agents:    agents,
		Limiters:  authSvc,
		Bus:       bus,
		Log:       log.Component("sweeper"),
		Interval:  cfg.CleanupInterval,
		Schedule:  cfg.SweepSchedule,
		Retention: cfg.MessageRetention,
		Textfile:  cfg.MetricsTextfile,
	})
	if err != nil {
		log.Error("failed to build sweeper", "error", err)
		os.Exit(1)
	}

	// Operator notification chain: structured log always, MQTT and ops
	// webhook when configured.
	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Component("notify"))}
	if cfg.MQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.MQTTBroker, cfg.MQTTTopic, "admp-hub", cfg.MQTTUsername, cfg.MQTTPassword, 0))
		log.Info("mqtt notifications enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}
	if cfg.OpsWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.OpsWebhookURL, cfg.OpsWebhookHeaders))
		log.Info("ops webhook notifications enabled", "url", cfg.OpsWebhookURL)
	}
	notifier := notify.NewMulti(log.Component("notify"), notifiers...)

	srv := web.NewServer(web.Dependencies{
		Agents:     agents,
		Inbox:      engine,
		Groups:     groups,
		Tables:     tables,
		Auth:       authSvc,
		Stats:      st,
		EventBus:   bus,
		Log:        log.Component("web"),
		CORSOrigin: cfg.CORSOrigin,
	})

	log.Info("admp-hub starting", "version", version, "port", cfg.Port, "backend", cfg.StorageBackend, "env", cfg.Env)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		metrics.Observe(gctx, bus)
		return nil
	})
	g.Go(func() error {
		notify.Watch(gctx, bus, notifier)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error("admp-hub exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("admp-hub stopped")
}

// openStore builds the configured backend and returns its close func.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StorageBackend {
	case config.BackendBolt:
		db, err := store.OpenBolt(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { _ = db.Close() }, nil
	case config.BackendRemote:
		rs, err := store.NewRemote(store.RemoteConfig{
			BaseURL: cfg.RemoteBaseURL,
			AppID:   cfg.RemoteAppID,
			APIKey:  cfg.RemoteAPIKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}
