// Command mailcam-sidecar listens for carrier events over MQTT and keeps a
// persisted record of which carriers are present now and which were seen
// today.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mailcam/internal/bus"
	"mailcam/internal/config"
	"mailcam/internal/logging"
	"mailcam/internal/reconciler"
)

const resetCheckInterval = time.Minute

func main() {
	s, err := config.SidecarFromEnv()
	if err != nil {
		logrus.Fatalf("Invalid environment: %v", err)
	}

	logger := logging.New(s.LogLevel, "")
	logger.WithFields(logrus.Fields{
		"host":       s.Host,
		"topic":      s.Topic,
		"state_file": s.StateFile,
		"reset_hour": s.ResetHour,
	}).Info("Sidecar starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := reconciler.New(s.StateFile, s.ResetHour, logger)
	r.Load()
	if _, err := r.CheckReset(); err != nil {
		logger.WithError(err).Error("Failed to write state")
	}
	if err := r.Save(); err != nil {
		logger.WithError(err).Error("Failed to write state")
	}

	client, err := bus.Connect(ctx, bus.Options{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to connect to MQTT: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(s.Topic, func(_ string, payload []byte) {
		r.Handle(payload)
	}); err != nil {
		logger.WithError(err).Warn("Subscribe failed, will retry on reconnect")
	}

	ticker := time.NewTicker(resetCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return
		case <-ticker.C:
			if _, err := r.CheckReset(); err != nil {
				logger.WithError(err).Error("Failed to write state")
			}
		}
	}
}
