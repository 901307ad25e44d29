// Package config loads and validates tide.yml, the registry's single
// configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so tide.yml can use values like "10m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TideConfig represents the top-level tide.yml configuration.
type TideConfig struct {
	Version   string          `yaml:"version"`
	Listen    string          `yaml:"listen,omitempty"`    // HTTP listen address, default ":8420"
	Namespace string          `yaml:"namespace,omitempty"` // Redis key namespace, default "default"
	Redis     RedisConfig     `yaml:"redis,omitempty"`
	Blobs     BlobConfig      `yaml:"blobs"`
	Registry  RegistryConfig  `yaml:"registry,omitempty"`
	Retention RetentionConfig `yaml:"retention,omitempty"`
}

// RedisConfig specifies the catalog's Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"` // default "localhost:6379"
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// BlobConfig specifies tarball storage and signed-URL issuance.
type BlobConfig struct {
	Dir           string `yaml:"dir"`            // Required: blob store root directory
	BaseURL       string `yaml:"base_url"`       // Required: public prefix of signed URLs
	SigningSecret string `yaml:"signing_secret"` // Required: HMAC key for signed URLs
}

// RegistryConfig specifies publish-time policy.
type RegistryConfig struct {
	ReservedNames []string `yaml:"reserved_names,omitempty"`
}

// RetentionConfig specifies sweeper timing. Zero values take the
// defaults applied by Validate.
type RetentionConfig struct {
	Interval        Duration `yaml:"interval,omitempty"`         // default 5m
	PublishingGrace Duration `yaml:"publishing_grace,omitempty"` // default 10m
	FailedRetention Duration `yaml:"failed_retention,omitempty"` // default 1h
}

// Validate performs strict validation on the configuration and applies
// defaults for optional fields.
func (c *TideConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Listen == "" {
		c.Listen = ":8420"
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	// Required: blob storage
	if c.Blobs.Dir == "" {
		return fmt.Errorf("blobs.dir is required")
	}
	if c.Blobs.BaseURL == "" {
		return fmt.Errorf("blobs.base_url is required")
	}
	if c.Blobs.SigningSecret == "" {
		return fmt.Errorf("blobs.signing_secret is required")
	}

	if c.Retention.Interval == 0 {
		c.Retention.Interval = Duration(5 * time.Minute)
	}
	if c.Retention.PublishingGrace == 0 {
		c.Retention.PublishingGrace = Duration(10 * time.Minute)
	}
	if c.Retention.FailedRetention == 0 {
		c.Retention.FailedRetention = Duration(time.Hour)
	}
	if c.Retention.Interval < 0 || c.Retention.PublishingGrace < 0 || c.Retention.FailedRetention < 0 {
		return fmt.Errorf("retention windows must be positive")
	}

	return nil
}

// Load reads and validates tide.yml from the specified path.
func Load(path string) (*TideConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config TideConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
