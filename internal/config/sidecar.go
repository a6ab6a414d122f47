package config

import (
	"fmt"
	"os"
	"strconv"
)

// Sidecar configures the state reconciler daemon.
type Sidecar struct {
	Host      string
	Port      int
	User      string
	Password  string
	Topic     string
	StateFile string
	ResetHour int
	LogLevel  string
}

// SidecarFromEnv reads the MAILCAM_* environment variables.
func SidecarFromEnv() (Sidecar, error) {
	s := Sidecar{
		Host:      getenv("MAILCAM_MQTT_HOST", "localhost"),
		User:      os.Getenv("MAILCAM_MQTT_USER"),
		Password:  os.Getenv("MAILCAM_MQTT_PASS"),
		Topic:     getenv("MAILCAM_MQTT_TOPIC", "home/mailcam/delivery"),
		StateFile: getenv("MAILCAM_STATE_FILE", "/var/tmp/mailcam_delivery_state.json"),
		LogLevel:  getenv("MAILCAM_LOG_LEVEL", "info"),
	}

	var err error
	if s.Port, err = strconv.Atoi(getenv("MAILCAM_MQTT_PORT", "1883")); err != nil {
		return Sidecar{}, fmt.Errorf("MAILCAM_MQTT_PORT: %w", err)
	}
	if s.ResetHour, err = strconv.Atoi(getenv("MAILCAM_RESET_HOUR", "3")); err != nil {
		return Sidecar{}, fmt.Errorf("MAILCAM_RESET_HOUR: %w", err)
	}
	if s.ResetHour < 0 || s.ResetHour > 23 {
		return Sidecar{}, invalid("MAILCAM_RESET_HOUR must be in [0,23], got %d", s.ResetHour)
	}
	return s, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
