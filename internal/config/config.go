// Package config handles listener configuration
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/animalrunner/listener/internal/errors"
)

type Config struct {
	HTTPAddr         string
	InferenceAddr    string
	InferenceTimeout time.Duration
	ModelPath        string
	LabelsPath       string

	// Datagram sink
	SinkHost string
	SinkPort int

	// Capture
	SampleRate           int
	CaptureSampleRate    int // 0 means capture at SampleRate
	WindowSamples        int // model input length L
	BlockDuration        time.Duration
	ExcludedAudioDevices []string

	// Classification
	ConfidenceThreshold float64
	BackgroundLabel     string
	ProcessInterval     time.Duration
	DetectionCooldown   time.Duration

	// Majority voting
	ObservationWindow     time.Duration
	MajorityThreshold     float64
	MajorityCheckInterval time.Duration
	MajorityCooldown      time.Duration

	JournalDir    string
	BridgeEnabled bool
	LogLevel      string
	LogFormat     string
}

// Load reads configuration from the environment, falling back to the YAML
// file named by CONFIG_FILE (flat KEY: value pairs), then to defaults.
func Load() (*Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	sampleRate := src.getInt("SAMPLE_RATE", 16000)
	cfg := &Config{
		HTTPAddr:              src.get("HTTP_ADDR", ":8005"),
		InferenceAddr:         src.get("INFERENCE_ADDR", "localhost:50051"),
		InferenceTimeout:      src.getSeconds("INFERENCE_TIMEOUT", 2.0),
		ModelPath:             src.get("MODEL_PATH", "../soundclassifier_with_metadata.tflite"),
		LabelsPath:            src.get("LABELS_PATH", "../labels.txt"),
		SinkHost:              src.get("UDP_IP", "127.0.0.1"),
		SinkPort:              src.getInt("UDP_PORT", 5005),
		SampleRate:            sampleRate,
		CaptureSampleRate:     src.getInt("CAPTURE_SAMPLE_RATE", 0),
		WindowSamples:         src.getInt("EXPECTED_INPUT_SIZE", 44032),
		BlockDuration:         src.getSeconds("BLOCK_DURATION", 0.1),
		ExcludedAudioDevices:  src.getList("EXCLUDED_AUDIO_DEVICES", []string{"iphone", "teams"}),
		ConfidenceThreshold:   src.getFloat("CONFIDENCE_THRESHOLD", 0.8),
		BackgroundLabel:       src.get("BACKGROUND_LABEL", "Background Noise"),
		ProcessInterval:       src.getSeconds("PROCESS_INTERVAL", 0.5),
		DetectionCooldown:     src.getSeconds("DETECTION_COOLDOWN", 0.5),
		ObservationWindow:     src.getSeconds("OBSERVATION_WINDOW_DURATION", 5.0),
		MajorityThreshold:     src.getFloat("MAJORITY_THRESHOLD", 0.6),
		MajorityCheckInterval: src.getSeconds("MAJORITY_CHECK_INTERVAL", 5.0),
		MajorityCooldown:      src.getSeconds("MAJORITY_COOLDOWN", 2.0),
		JournalDir:            src.get("JOURNAL_DIR", ""),
		BridgeEnabled:         src.getBool("BRIDGE_ENABLED", true),
		LogLevel:              src.get("LOG_LEVEL", "info"),
		LogFormat:             src.get("LOG_FORMAT", "text"),
	}
	if cfg.CaptureSampleRate == 0 {
		cfg.CaptureSampleRate = cfg.SampleRate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "SAMPLE_RATE must be positive, got %d", c.SampleRate)
	case c.CaptureSampleRate <= 0:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "CAPTURE_SAMPLE_RATE must be positive, got %d", c.CaptureSampleRate)
	case c.WindowSamples <= 0:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "EXPECTED_INPUT_SIZE must be positive, got %d", c.WindowSamples)
	case c.SinkPort <= 0 || c.SinkPort > 65535:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "UDP_PORT out of range: %d", c.SinkPort)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "CONFIDENCE_THRESHOLD must be in [0,1], got %g", c.ConfidenceThreshold)
	case c.MajorityThreshold <= 0 || c.MajorityThreshold > 1:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "MAJORITY_THRESHOLD must be in (0,1], got %g", c.MajorityThreshold)
	case c.BlockDuration <= 0:
		return apperrors.New(apperrors.CodeConfigInvalid, "BLOCK_DURATION must be positive")
	case c.ObservationWindow <= 0:
		return apperrors.New(apperrors.CodeConfigInvalid, "OBSERVATION_WINDOW_DURATION must be positive")
	case c.MajorityCheckInterval <= 0:
		return apperrors.New(apperrors.CodeConfigInvalid, "MAJORITY_CHECK_INTERVAL must be positive")
	case c.BufferCapacity() < c.WindowSamples:
		return apperrors.Newf(apperrors.CodeConfigInvalid,
			"buffer capacity %d cannot hold a %d-sample window", c.BufferCapacity(), c.WindowSamples)
	}
	return nil
}

// SinkAddr returns host:port of the datagram sink.
func (c *Config) SinkAddr() string {
	return fmt.Sprintf("%s:%d", c.SinkHost, c.SinkPort)
}

// BufferCapacity is the ring buffer size: window duration times sample rate,
// which is the model input length.
func (c *Config) BufferCapacity() int {
	duration := float64(c.WindowSamples) / float64(c.SampleRate)
	return int(math.Round(float64(c.SampleRate) * duration))
}

// source resolves a key from the environment, then from file values.
type source struct {
	file map[string]string
}

func newSource(path string) (*source, error) {
	s := &source{file: map[string]string{}}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "read config file %s", path)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "parse config file %s", path)
	}
	for k, v := range raw {
		switch tv := v.(type) {
		case []any:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, fmt.Sprint(p))
			}
			s.file[strings.ToUpper(k)] = strings.Join(parts, ",")
		case nil:
		default:
			s.file[strings.ToUpper(k)] = fmt.Sprint(tv)
		}
	}
	return s, nil
}

func (s *source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s *source) get(key, def string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return def
}

func (s *source) getInt(key string, def int) int {
	if v := s.lookup(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (s *source) getFloat(key string, def float64) float64 {
	if v := s.lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (s *source) getBool(key string, def bool) bool {
	if v := s.lookup(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

// getSeconds reads a float number of seconds.
func (s *source) getSeconds(key string, def float64) time.Duration {
	return time.Duration(s.getFloat(key, def) * float64(time.Second))
}

func (s *source) getList(key string, def []string) []string {
	if v := s.lookup(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
