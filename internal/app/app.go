package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/api"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/config"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/db"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/discovery"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/history"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/ratelimit"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/retention"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/room"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/ws"
)

const (
	restRequestsPerSecond = 20
	restBurst             = 40
	shutdownTimeout       = 10 * time.Second
)

// App holds every long-lived component of the server
type App struct {
	Config     *config.Config
	Log        *logrus.Logger
	DB         *db.Database
	Registry   *room.Registry
	Hub        *ws.Hub
	Recorder   *history.Recorder
	Retention  *retention.Service
	Limiters   *ratelimit.ClientLimiters
	Router     *gin.Engine
	HttpServer *http.Server

	advertiser *discovery.Advertiser
	listener   net.Listener
}

func NewLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	return log
}

// New wires the components without starting any of them
func New(cfg *config.Config, log *logrus.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}
	log.WithFields(logrus.Fields{
		"env":   cfg.AppEnv,
		"level": log.GetLevel().String(),
	}).Info("Configuration loaded")

	database, err := db.New(cfg.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("init history db: %w", err)
	}
	if n, err := database.CloseAbandonedSessions(time.Now()); err != nil {
		log.WithError(err).Warn("Failed to close abandoned room sessions")
	} else if n > 0 {
		log.WithField("sessions", n).Info("Closed room sessions left open by a previous run")
	}
	log.WithField("dsn", cfg.HistoryDBPath).Info("History database initialized")

	recorder := history.NewRecorder(database, log, 0)
	registry := room.NewRegistry(room.WithObserver(recorder))

	hubConfig := ws.DefaultConfig()
	hubConfig.MessagesPerSecond = cfg.WSMessagesPerSecond
	hubConfig.MessageBurst = cfg.WSMessageBurst
	hub := ws.NewHub(registry, hubConfig, log)

	pruner := retention.New(database, retention.Config{
		Interval:  cfg.HistoryPruneInterval,
		Retention: cfg.HistoryRetention,
	}, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	limiters := ratelimit.NewClientLimiters(restRequestsPerSecond, restBurst)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.LoggerMiddleware(log.WithField("component", "http")))
	router.Use(api.CORSMiddleware(cfg.CORSAllowedOrigin))
	router.Use(api.RateLimitMiddleware(limiters))
	api.New(hub, database, cfg.PublicURL, log).Register(router)

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        database,
		Registry:  registry,
		Hub:       hub,
		Recorder:  recorder,
		Retention: pruner,
		Limiters:  limiters,
		Router:    router,
		HttpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start binds the listen port and runs the background services
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.HttpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.HttpServer.Addr, err)
	}
	a.listener = ln

	a.Recorder.Start()
	a.Retention.Start()

	if a.Config.MDNSEnabled {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(port, "")
		if err != nil {
			a.Log.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			a.advertiser = adv
			a.Log.WithField("service", discovery.ServiceType).Info("Advertising on the local network")
		}
	}

	go func() {
		a.Log.WithFields(logrus.Fields{
			"addr":       ln.Addr().String(),
			"public_url": a.Config.PublicURL,
		}).Info("HTTP server listening")
		if err := a.HttpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.WithError(err).Error("HTTP server failed")
		}
	}()
	return nil
}

// Addr of the bound listener; empty before Start
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Port actually bound, useful when configured as 0
func (a *App) Port() int {
	if a.listener == nil {
		p, _ := strconv.Atoi(a.Config.Port)
		return p
	}
	return a.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops accepting connections, disconnects every session, then
// flushes history and closes the database.
func (a *App) Shutdown() {
	a.Log.Info("Shutting down...")

	if a.advertiser != nil {
		if err := a.advertiser.Shutdown(); err != nil {
			a.Log.WithError(err).Warn("Error stopping mDNS advertisement")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.WithError(err).Error("Error shutting down HTTP server")
	}

	a.Hub.CloseAll()
	waitFor(ctx, func() bool { return a.Hub.GetClientCount() == 0 && a.Registry.Len() == 0 })

	a.Retention.Stop()
	a.Recorder.Stop()
	a.Limiters.Stop()

	if err := a.DB.Close(); err != nil {
		a.Log.WithError(err).Error("Error closing history database")
	}
	a.Log.Info("Shutdown complete")
}

func waitFor(ctx context.Context, cond func() bool) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
