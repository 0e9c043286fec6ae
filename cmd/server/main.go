package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/app"
	"github.com/Nagur-Meera/collaborative-drawing-canvas/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := app.NewLogger(cfg)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	if err := application.Start(); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	log.Info("Endpoints:")
	log.Info("  - WebSocket: /ws?room={roomId}")
	log.Info("  - Health:    GET /health")
	log.Info("  - Stats:     GET /api/stats")
	log.Info("  - Rooms:     GET/POST /api/rooms")
	log.Info("  - Room:      GET /api/rooms/{id}")
	log.Info("  - Invite QR: GET /api/rooms/{id}/qr")
	log.Info("  - History:   GET /api/history")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutdown signal received")

	application.Shutdown()
}
