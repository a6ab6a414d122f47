// Command mailcam watches a camera for delivery vehicles and carrier logos
// and publishes per-day carrier sightings over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"mailcam/internal/bus"
	"mailcam/internal/cascade"
	"mailcam/internal/config"
	"mailcam/internal/logging"
	"mailcam/internal/mailcam"
	"mailcam/internal/metrics"
	"mailcam/internal/onnx"
	"mailcam/internal/source"
	"mailcam/internal/status"
	"mailcam/internal/tracker"
	"mailcam/internal/vision"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "mailcam.yml", "path to the YAML config")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.File)
	logger.WithFields(logrus.Fields{
		"config":  *configPath,
		"model":   cfg.Model.Path,
		"source":  cfg.Source.Kind + " @ " + cfg.Source.URL,
		"poll":    cfg.Source.PollInterval(),
		"cascade": cfg.Cascade.Enabled,
	}).Info("Config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := onnx.Init(cfg.Model.SharedLibrary); err != nil {
		logger.Fatalf("Failed to initialize ONNXRuntime environment: %v", err)
	}
	defer onnx.Shutdown()

	loader := onnx.NewLoader(logger)
	defer loader.Close()

	pipe, err := buildPipeline(cfg, loader, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize model: %v", err)
	}

	m := metrics.New()
	client, err := bus.Connect(ctx, bus.Options{
		Host:     cfg.MQTT.Host,
		Port:     cfg.MQTT.Port,
		User:     cfg.MQTT.User,
		Password: cfg.MQTT.Password,
		ClientID: cfg.MQTT.ClientID,
	}, logger, bus.WithErrorHook(m.PublishFailed))
	if err != nil {
		logger.Fatalf("Failed to connect to MQTT: %v", err)
	}
	defer client.Close()

	topics := bus.Topics{Base: cfg.MQTT.BaseTopic, State: cfg.MQTT.StateTopic, Details: cfg.MQTT.DetailTopic}
	carriers := cfg.Model.Carriers()
	if cfg.MQTT.Discovery {
		if err := bus.Announce(client, carriers, topics, version); err != nil {
			logger.WithError(err).Warn("Failed to publish discovery")
		} else {
			logger.Info("Published Home Assistant discovery configuration")
		}
	}

	src, err := source.New(cfg.Source.Kind, cfg.Source.URL, cfg.Source.Timeout(), logger)
	if err != nil {
		logger.Fatalf("Failed to open source: %v", err)
	}
	defer src.Close()

	tr := tracker.New(carriers, cfg.Tracker.ResetHour, tracker.WithLogger(logger))
	logger.WithFields(logrus.Fields{
		"carriers":   carriers,
		"reset_hour": cfg.Tracker.ResetHour,
	}).Info("Daily tracker initialized")

	runner := mailcam.NewRunner(mailcam.Config{
		Interval:    cfg.Source.PollInterval(),
		ConfMin:     cfg.Model.ConfMin,
		AreaMinFrac: cfg.Model.AreaMinFrac,
		AllowLabels: carriers,
		Topics:      topics,
	}, src, pipe, tr, client, logger, mailcam.WithMetrics(m))

	if cfg.Status.Listen != "" {
		srv := status.New(runner, tr, pipe, m.Handler(), logger)
		go func() {
			if err := srv.Listen(cfg.Status.Listen); err != nil {
				logger.WithError(err).Error("Status server failed")
			}
		}()
		defer srv.Shutdown()
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Detection loop exited")
	}
	logger.Info("Shutting down")
}

// buildPipeline opens the brand model and, when enabled, wires the
// proposal cascade around it.
func buildPipeline(cfg *config.Config, loader *onnx.Loader, log logrus.FieldLogger) (mailcam.Pipeline, error) {
	var labels vision.Labels
	if cfg.Model.Labels != "" {
		l, err := vision.LoadLabels(cfg.Model.Labels)
		if err != nil {
			return nil, err
		}
		labels = l
	}

	allow := vision.NewLabelSet(cfg.Model.Carriers()...)

	sess, err := loader.Get(cfg.Model.Path, cfg.Model.ImgSize, cfg.Model.OutputShape)
	if err != nil {
		return nil, err
	}

	if !cfg.Cascade.Enabled {
		return mailcam.SingleStage{
			Detector: vision.NewDetector(sess, labels),
			Params: vision.Params{
				Allow:       allow,
				ConfMin:     cfg.Model.ConfMin,
				IoU:         cfg.Model.IoU,
				AreaMinFrac: cfg.Model.AreaMinFrac,
			},
		}, nil
	}

	detLabels := vision.COCOLabels
	if cfg.Cascade.DetectorLabels != "" {
		if detLabels, err = vision.LoadLabels(cfg.Cascade.DetectorLabels); err != nil {
			return nil, err
		}
	}

	var sources []cascade.Source
	for _, path := range cfg.Cascade.DetectorPaths {
		sources = append(sources, cascade.Source{
			ID: filepath.Base(path),
			Open: func() (*vision.Detector, error) {
				s, err := loader.Get(path, cfg.Cascade.ImgSizeDet, nil)
				if err != nil {
					return nil, err
				}
				return vision.NewDetector(s, detLabels), nil
			},
		})
	}

	c, err := cascade.New(cascade.Config{
		ConfDet:     cfg.Cascade.ConfDet,
		ConfBrand:   cfg.Cascade.ConfBrand,
		IoU:         cfg.Cascade.IoU,
		AreaMinFrac: cfg.Cascade.AreaMinFrac,
		MaxCrops:    cfg.Cascade.MaxCrops,
		Allow:       allow,
	}, vision.NewDetector(sess, labels), sources, log)
	if err != nil {
		return nil, err
	}
	return mailcam.Cascaded{Cascade: c}, nil
}
