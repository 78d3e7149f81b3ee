// The phased daemon owns one traffic controller: it arbitrates phase
// requests arriving over the bus, drives the relay outputs, and answers
// admin commands. Designed to run under systemd with watchdog enabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bikeiot/phased/gpio"
	"github.com/bikeiot/phased/server"
	"github.com/bikeiot/phased/transport"
)

func main() {
	configPath := flag.String("config", "/etc/phased/config.yaml", "path to the yaml config file")
	controllerID := flag.String("id", "", "controller id (overrides config)")
	brokerURL := flag.String("broker", "", "mqtt broker url (overrides config)")
	dryRun := flag.Bool("dry-run", false, "record output writes instead of driving gpio")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *controllerID != "" {
		cfg.ControllerID = *controllerID
	}
	if *brokerURL != "" {
		cfg.BrokerURL = *brokerURL
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var out server.OutputWriter = gpio.NewSysfs()
	if *dryRun {
		slog.Info("dry run: gpio writes are recorded, not applied")
		out = gpio.NewRecorder()
	}

	relay := server.NewRelay(cfg.PhaseMap, out)
	tracker := server.NewTracker()
	executor := server.NewExecutor(cfg.ControllerID, server.ExecRunner{}, cfg.AdminArgv())
	srv := server.New(cfg, relay, tracker, executor, server.SystemdReporter{})

	mq := transport.NewMQTT(cfg.BrokerURL, cfg.ControllerID)
	ws := transport.NewWS(cfg.Topic(), cfg.UserTopic)
	srv.RegisterTransport(mq)
	srv.RegisterTransport(ws)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", srv.HandleHealthz)
	router.Get("/status", srv.HandleStatus)
	router.Get("/ws", ws.HandleUpgrade)

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		slog.Info("status endpoint listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("status endpoint failed", "error", err)
		}
	}()
	defer httpSrv.Close()

	if port, err := httpPort(cfg.HTTPAddr); err == nil {
		if announcer, err := server.Announce(cfg, port); err != nil {
			slog.Warn("mdns announce failed", "error", err)
		} else {
			defer announcer.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		slog.Error("controller exited", "error", err)
		os.Exit(1)
	}
}

func httpPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse http addr %q: %w", addr, err)
	}
	return strconv.Atoi(portStr)
}
