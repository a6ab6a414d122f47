package config

import (
	"errors"
	"fmt"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Validate checks cfg and fills derived defaults.
func Validate(cfg *Config) error {
	if cfg.Model.Path == "" {
		return invalid("model.path is required")
	}
	if len(cfg.Model.Carriers()) == 0 {
		return invalid("model.allow_labels must name at least one carrier")
	}
	if cfg.Model.ImgSize <= 0 {
		return invalid("model.imgsz must be > 0")
	}
	if cfg.Model.ConfMin < 0 || cfg.Model.ConfMin > 1 {
		return invalid("model.conf_min must be in [0,1], got %v", cfg.Model.ConfMin)
	}
	if cfg.Model.IoU <= 0 || cfg.Model.IoU > 1 {
		return invalid("model.iou must be in (0,1], got %v", cfg.Model.IoU)
	}
	if cfg.Model.AreaMinFrac < 0 || cfg.Model.AreaMinFrac >= 1 {
		return invalid("model.area_min_frac must be in [0,1), got %v", cfg.Model.AreaMinFrac)
	}
	for _, d := range cfg.Model.OutputShape {
		if d <= 0 {
			return invalid("model.output_shape dimensions must be > 0")
		}
	}

	if cfg.Cascade.Enabled {
		c := cfg.Cascade
		if c.ImgSizeDet <= 0 {
			return invalid("cascade.imgsz_det must be > 0")
		}
		if c.ConfDet < 0 || c.ConfDet > 1 || c.ConfBrand < 0 || c.ConfBrand > 1 {
			return invalid("cascade confidences must be in [0,1]")
		}
		if c.MaxCrops < 0 {
			return invalid("cascade.max_crops must be >= 0")
		}
	}

	if cfg.MQTT.Host == "" {
		return invalid("mqtt.host is required")
	}
	if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
		return invalid("mqtt.port out of range: %d", cfg.MQTT.Port)
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "mailcam"
	}
	if cfg.MQTT.StateTopic == "" {
		cfg.MQTT.StateTopic = cfg.MQTT.BaseTopic + "/state"
	}
	if cfg.MQTT.DetailTopic == "" {
		cfg.MQTT.DetailTopic = cfg.MQTT.BaseTopic + "/details"
	}

	switch cfg.Source.Kind {
	case "image", "rtsp":
	default:
		return invalid("source.kind must be image or rtsp, got %q", cfg.Source.Kind)
	}
	if cfg.Source.URL == "" {
		return invalid("source.url is required")
	}
	if cfg.Source.PollSec <= 0 {
		return invalid("source.poll_sec must be > 0")
	}
	if cfg.Source.TimeoutSec <= 0 {
		return invalid("source.timeout_sec must be > 0")
	}

	if cfg.Tracker.ResetHour < 0 || cfg.Tracker.ResetHour > 23 {
		return invalid("tracker.reset_hour must be in [0,23], got %d", cfg.Tracker.ResetHour)
	}
	return nil
}
