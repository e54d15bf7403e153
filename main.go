package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/karthikraju391/go-nats-dm-relay/auth"
	"github.com/karthikraju391/go-nats-dm-relay/chat"
	"github.com/karthikraju391/go-nats-dm-relay/config"
	"github.com/karthikraju391/go-nats-dm-relay/delivery"
	"github.com/karthikraju391/go-nats-dm-relay/handlers"
	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/maintenance"
	"github.com/karthikraju391/go-nats-dm-relay/models"
	"github.com/karthikraju391/go-nats-dm-relay/nats_service"
	"github.com/karthikraju391/go-nats-dm-relay/presence"
	"github.com/karthikraju391/go-nats-dm-relay/store"
	"github.com/karthikraju391/go-nats-dm-relay/store/mongostore"
)

func main() {
	flags := pflag.NewFlagSet("dm-relay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "config.yaml", "path to the YAML config file")
	seedUser := flags.String("seed-user", "", "create a user given as name:email, print a session token and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// --- Load Configuration ---
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Logging.Level)

	// --- Open Store ---
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	st, tasks, err := openStore(startCtx, cfg.Store)
	cancelStart()
	if err != nil {
		fatal("store_open_failed", err)
	}
	defer st.Close()

	resolver := auth.NewResolver(cfg.Auth.JWTSecret, st)

	if *seedUser != "" {
		if err := seed(st, resolver, *seedUser, cfg.Auth.TokenTTL.Duration()); err != nil {
			fatal("seed_user_failed", err)
		}
		return
	}

	// --- Initialize Delivery (NATS when configured) ---
	hub := delivery.NewHub()
	tracker := presence.NewTracker(hub)
	var out delivery.Channel = hub
	var archive handlers.Archiver
	if cfg.NatsEnabled() {
		natsSvc, err := nats_service.NewNatsService(cfg.Nats)
		if err != nil {
			fatal("nats_init_failed", err)
		}
		defer natsSvc.Close()

		bus := delivery.NewNatsBus(hub, natsSvc, cfg.Nats.SubjectPrefix)
		if err := bus.Start(); err != nil {
			fatal("nats_bus_start_failed", err)
		}
		defer bus.Close()

		node := uuid.NewString()
		if err := tracker.Attach(natsSvc, cfg.Nats.PresenceSubject(), node, cfg.Nats.PresenceInterval.Duration()); err != nil {
			fatal("presence_attach_failed", err)
		}
		out = bus
		archive = natsSvc
		logger.Info("nats_service_initialized", "url", cfg.Nats.URL)
	}

	// --- Wire Services ---
	conversations := chat.NewConversations(st)
	router := handlers.NewRouter(handlers.Deps{
		Resolver:      resolver,
		Users:         st,
		Presence:      tracker,
		Conversations: conversations,
		Messages:      chat.NewMessages(st, cfg.Session.MaxTextLength),
		Aggregator:    chat.NewAggregator(conversations, st),
		Out:           out,
		Archive:       archive,
		Config:        cfg.Session,
	})

	tasks = append(tasks, maintenance.Task{Name: "stats", Run: func(context.Context) error {
		logger.Info("relay_stats", "connections", hub.Connections(), "online_users", len(tracker.Online()))
		return nil
	}})
	stopMaintenance, err := maintenance.Start(context.Background(), cfg.Maintenance, tasks...)
	if err != nil {
		fatal("maintenance_start_failed", err)
	}
	defer stopMaintenance()

	// --- Initialize Fiber App ---
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(fiberlogger.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// --- Setup WebSocket Route ---
	app.Use("/ws", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !originAllowed(cfg.Server.AllowedOrigins, c.Get(fiber.HeaderOrigin)) {
			return fiber.ErrForbidden
		}
		c.Locals("token", handlers.TokenFromRequest(c.Query("token"), c.Get(fiber.HeaderAuthorization)))
		return c.Next()
	})
	app.Get("/ws", websocket.New(func(c *websocket.Conn) {
		handlers.HandleWebSocket(c, router, cfg.Websocket)
	}, websocket.Config{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}))

	// --- Start Server ---
	go func() {
		logger.Info("server_starting", "addr", cfg.Server.Address, "store", cfg.Store.Driver, "nats", cfg.NatsEnabled())
		if err := app.Listen(cfg.Server.Address); err != nil {
			fatal("server_failed", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server_shutting_down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("fiber_shutdown_failed", "error", err)
	}
	// websocket handlers are hijacked and outlive the fiber shutdown
	router.Shutdown()
	tracker.Detach()
	logger.Info("server_stopped")
}

func fatal(event string, err error) {
	logger.Error(event, "error", err)
	os.Exit(1)
}

// openStore opens the configured store and returns the maintenance tasks
// that belong to it.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, []maintenance.Task, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		s, err := store.OpenPebble(cfg.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("pebble_store_opened", "path", cfg.Path)
		tasks := []maintenance.Task{{Name: "pebble_flush", Run: func(context.Context) error {
			if err := s.Flush(); err != nil {
				return err
			}
			logger.Info("pebble_flushed", "disk_usage", humanize.IBytes(s.DiskUsage()))
			return nil
		}}}
		return s, tasks, nil
	}
}

// seed creates a user from "name:email" and prints a session token for it.
func seed(st store.Store, resolver *auth.Resolver, arg string, ttl time.Duration) error {
	name, email, ok := strings.Cut(arg, ":")
	name, email = strings.TrimSpace(name), strings.TrimSpace(email)
	if !ok || name == "" || email == "" {
		return fmt.Errorf("seed user must be name:email, got %q", arg)
	}
	u := &models.User{ID: uuid.NewString(), Name: name, Email: email}
	if err := st.CreateUser(context.Background(), u); err != nil {
		return err
	}
	token, err := resolver.Issue(u.ID, ttl)
	if err != nil {
		return err
	}
	logger.Info("user_seeded", "user", u.ID, "name", name)
	fmt.Printf("user_id=%s\ntoken=%s\n", u.ID, token)
	return nil
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
