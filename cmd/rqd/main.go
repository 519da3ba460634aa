// Command rqd is the broker daemon: it parses the CLI surface, starts
// the TCP listener and admin HTTP surface, and runs until SIGINT
// triggers a graceful shutdown (spec.md §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayqueue/rqd/internal/admin"
	"github.com/relayqueue/rqd/internal/broker"
	"github.com/relayqueue/rqd/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level := slog.LevelWarn
	switch {
	case cfg.Verbosity >= 2:
		level = slog.LevelDebug
	case cfg.Verbosity == 1:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if cfg.PidFile != "" {
		if err := writePidFile(cfg.PidFile); err != nil {
			logger.Error("failed to write pid file", "path", cfg.PidFile, "error", err)
			return 1
		}
		defer os.Remove(cfg.PidFile)
	}

	b := broker.New(logger)
	b.Configure(broker.Config{
		MaxConns:     cfg.MaxConns,
		PingInterval: 30 * time.Second,
		IdleLimit:    3,
		ShutdownWait: 5 * time.Second,
		TimeoutSweep: time.Second,
	})
	for _, peer := range cfg.Peers {
		b.AddPeer(peer)
	}

	addrs := cfg.Listen
	if len(addrs) == 0 {
		addrs = []string{""}
	}
	listeners := make([]net.Listener, 0, len(addrs))
	for _, iface := range addrs {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", iface, cfg.Port))
		if err != nil {
			logger.Error("failed to listen", "interface", iface, "port", cfg.Port, "error", err)
			return 1
		}
		listeners = append(listeners, ln)
	}

	serveErrs := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln net.Listener) { serveErrs <- b.Serve(ln) }(ln)
	}

	httpSrv := startAdminServer(b, logger)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	logger.Info("rqd started", "port", cfg.Port, "maxconns", cfg.MaxConns, "peers", cfg.Peers)

	for {
		select {
		case sig := <-stop:
			logger.Info("shutdown signal received", "signal", sig.String())
			b.Stop()
			shutdownAdminServer(httpSrv, logger)
			logger.Info("shutdown complete")
			return 0
		case <-hup:
			logger.Info("reload signal received, resetting queue lookup order")
			b.ResetQueueOrder()
		case err := <-serveErrs:
			if err != nil {
				logger.Error("listener stopped unexpectedly", "error", err)
				return 1
			}
		}
	}
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

func startAdminServer(b *broker.Broker, logger *slog.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	admin.RegisterRoutes(engine, b, logger)

	srv := &http.Server{Addr: ":8080", Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
		}
	}()
	return srv
}

func shutdownAdminServer(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("admin server shutdown error", "error", err)
	}
}
