// Package config defines the application configuration: defaults, an
// optional JSON config file, and OPCSIM_* environment overrides, in
// that order of precedence (environment wins).
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
)

// Duration is a time.Duration that unmarshals from either a duration
// string ("1.5s") or a bare number of seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProtocolConfig configures the variable server.
type ProtocolConfig struct {
	Endpoint     string `json:"endpoint"`
	Path         string `json:"path"`
	NamespaceURI string `json:"namespace_uri"`
	MachineName  string `json:"machine_name"`
}

// PlaybackConfig configures row timing.
type PlaybackConfig struct {
	RowInterval Duration `json:"row_interval"`
	CycleDelay  Duration `json:"cycle_delay"`
}

// DatasetsConfig configures the dataset store.
type DatasetsConfig struct {
	Dir        string `json:"dir"`
	Default    string `json:"default,omitempty"`
	TimeColumn string `json:"time_column"`
}

// WebConfig configures the control surface.
type WebConfig struct {
	Addr string `json:"addr"`
}

// NATSConfig configures the optional row mirror. An empty URL disables
// it.
type NATSConfig struct {
	URL           string `json:"url,omitempty"`
	SubjectPrefix string `json:"subject_prefix"`
}

// Config is the complete application configuration.
type Config struct {
	Protocol ProtocolConfig `json:"protocol"`
	Playback PlaybackConfig `json:"playback"`
	Datasets DatasetsConfig `json:"datasets"`
	Web      WebConfig      `json:"web"`
	NATS     NATSConfig     `json:"nats"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			Endpoint:     "0.0.0.0:4840",
			Path:         "/vars",
			NamespaceURI: "http://brandstrom.dev/opcsim",
			MachineName:  "Simulator",
		},
		Playback: PlaybackConfig{
			RowInterval: Duration(time.Second),
			CycleDelay:  Duration(5 * time.Second),
		},
		Datasets: DatasetsConfig{
			Dir:        "data",
			TimeColumn: "siteTime",
		},
		Web: WebConfig{
			Addr: "0.0.0.0:8080",
		},
		NATS: NATSConfig{
			SubjectPrefix: "opcsim.rows",
		},
	}
}

// Load builds the effective configuration: defaults, then the optional
// JSON file at path, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file "+path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Protocol.Endpoint = getEnv("OPCSIM_ENDPOINT", c.Protocol.Endpoint)
	c.Protocol.Path = getEnv("OPCSIM_PROTOCOL_PATH", c.Protocol.Path)
	c.Protocol.NamespaceURI = getEnv("OPCSIM_NAMESPACE_URI", c.Protocol.NamespaceURI)
	c.Protocol.MachineName = getEnv("OPCSIM_MACHINE_NAME", c.Protocol.MachineName)

	c.Playback.RowInterval = Duration(getEnvDuration("OPCSIM_ROW_INTERVAL", c.Playback.RowInterval.Std()))
	c.Playback.CycleDelay = Duration(getEnvDuration("OPCSIM_CYCLE_DELAY", c.Playback.CycleDelay.Std()))

	c.Datasets.Dir = getEnv("OPCSIM_DATA_DIR", c.Datasets.Dir)
	c.Datasets.Default = getEnv("OPCSIM_DEFAULT_DATASET", c.Datasets.Default)
	c.Datasets.TimeColumn = getEnv("OPCSIM_TIME_COLUMN", c.Datasets.TimeColumn)

	c.Web.Addr = getEnv("OPCSIM_WEB_ADDR", c.Web.Addr)

	c.NATS.URL = getEnv("OPCSIM_NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("OPCSIM_NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)
}

// Validate checks the configuration for values that would prevent a
// clean start.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Protocol.Endpoint); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("protocol endpoint %q", c.Protocol.Endpoint))
	}
	if c.Protocol.Path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "protocol path cannot be empty")
	}
	if c.Protocol.MachineName == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", "machine name cannot be empty")
	}
	if c.Playback.RowInterval.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("row interval %s must be positive", c.Playback.RowInterval.Std()))
	}
	if c.Playback.CycleDelay.Std() < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("cycle delay %s must not be negative", c.Playback.CycleDelay.Std()))
	}
	if c.Datasets.Dir == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "dataset directory")
	}
	if c.Datasets.TimeColumn == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "time column")
	}
	if _, _, err := net.SplitHostPort(c.Web.Addr); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("web address %q", c.Web.Addr))
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "NATS subject prefix")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if seconds, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	return defaultValue
}
