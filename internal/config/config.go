// Package config loads the detector's YAML configuration and the sidecar's
// environment configuration.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete detector configuration.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Cascade CascadeConfig `yaml:"cascade"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Source  SourceConfig  `yaml:"source"`
	Tracker TrackerConfig `yaml:"tracker"`
	Status  StatusConfig  `yaml:"status"`
	Log     LogConfig     `yaml:"log"`
}

// ModelConfig describes the brand detector.
type ModelConfig struct {
	Path          string   `yaml:"path"`
	Labels        string   `yaml:"labels"` // one class name per line
	ImgSize       int      `yaml:"imgsz"`
	ConfMin       float64  `yaml:"conf_min"`
	IoU           float64  `yaml:"iou"`
	AreaMinFrac   float64  `yaml:"area_min_frac"`
	AllowLabels   []string `yaml:"allow_labels"`
	SharedLibrary string   `yaml:"shared_library"` // onnxruntime library, auto-detected when empty
	OutputShape   []int64  `yaml:"output_shape"`   // overrides a dynamic output shape
}

// Carriers returns the lower-cased, sorted, de-duplicated allow list.
func (m ModelConfig) Carriers() []string {
	seen := map[string]bool{}
	var out []string
	for _, l := range m.AllowLabels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// CascadeConfig enables the proposal-then-classify mode.
type CascadeConfig struct {
	Enabled        bool     `yaml:"enabled"`
	DetectorPaths  []string `yaml:"detector_paths"` // general detectors, tried in order
	DetectorLabels string   `yaml:"detector_labels"`
	ImgSizeDet     int      `yaml:"imgsz_det"`
	ConfDet        float64  `yaml:"conf_det"`
	ConfBrand      float64  `yaml:"conf_brand"`
	IoU            float64  `yaml:"iou"`
	AreaMinFrac    float64  `yaml:"area_min_frac"`
	MaxCrops       int      `yaml:"max_crops"`
}

// MQTTConfig describes the broker and topics.
type MQTTConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	BaseTopic   string `yaml:"base_topic"`
	StateTopic  string `yaml:"state_topic"`
	DetailTopic string `yaml:"detail_topic"`
	Discovery   bool   `yaml:"discovery"`
}

// SourceConfig describes where frames come from.
type SourceConfig struct {
	Kind       string  `yaml:"kind"` // image or rtsp
	URL        string  `yaml:"url"`
	PollSec    float64 `yaml:"poll_sec"`
	TimeoutSec float64 `yaml:"timeout_sec"`
}

// PollInterval returns poll_sec as a duration.
func (s SourceConfig) PollInterval() time.Duration {
	return time.Duration(s.PollSec * float64(time.Second))
}

// Timeout returns timeout_sec as a duration.
func (s SourceConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec * float64(time.Second))
}

// TrackerConfig controls the daily carrier tracker.
type TrackerConfig struct {
	ResetHour int `yaml:"reset_hour"`
}

// StatusConfig controls the local HTTP status server.
type StatusConfig struct {
	Listen string `yaml:"listen"` // empty disables the server
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used for every key the file omits.
func Default() Config {
	return Config{
		Model: ModelConfig{
			ImgSize:     640,
			ConfMin:     0.30,
			IoU:         0.45,
			AreaMinFrac: 0.0005,
		},
		Cascade: CascadeConfig{
			ImgSizeDet:  1280,
			ConfDet:     0.18,
			ConfBrand:   0.08,
			IoU:         0.50,
			AreaMinFrac: 0.0003,
			MaxCrops:    16,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			BaseTopic:   "mailcam",
			StateTopic:  "mailcam/state",
			DetailTopic: "mailcam/details",
			Discovery:   true,
		},
		Source: SourceConfig{
			Kind:       "image",
			PollSec:    2.5,
			TimeoutSec: 5,
		},
		Tracker: TrackerConfig{ResetHour: 3},
		Status:  StatusConfig{Listen: ":8099"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads path, applies defaults and environment overrides, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("MAILCAM_POLL"); ok && v != "" {
		poll, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MAILCAM_POLL: %w", err)
		}
		cfg.Source.PollSec = poll
	}
	return nil
}
