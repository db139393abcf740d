// Package config loads the userserver YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes either a Go duration string ("30s", "1m30s") or an
// integer second count from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		// an integer scalar also decodes into a string
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			*d = Duration(time.Duration(secs) * time.Second)
			return nil
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("config: invalid duration at line %d", node.Line)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full userserver configuration.
type Config struct {
	// Listen holds one or more space-separated listen specifiers
	// (host:port, [ipv6]:port, :port, unix:/path[:perm]).
	Listen string `yaml:"listen"`

	// Workers is the provider worker-goroutine count. 0 = 1.
	Workers int `yaml:"workers"`

	// Dispatchers is the number of fd-backed pollers. 0 = 1.
	Dispatchers int `yaml:"dispatchers"`

	// ReadTimeout bounds how long a kept-alive connection may sit idle
	// between requests.
	ReadTimeout Duration `yaml:"read_timeout"`

	Logging LoggingConfig `yaml:"logging"`
	Static  StaticConfig  `yaml:"static"`
	Echo    EchoConfig    `yaml:"echo"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// StaticConfig configures the static-file handler. An empty Root
// disables it.
type StaticConfig struct {
	Root      string `yaml:"root"`
	IndexFile string `yaml:"index_file"`
}

// EchoConfig enables the WebSocket echo endpoint, mostly useful for
// smoke-testing a deployment.
type EchoConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/echo"
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:      ":8787",
		Workers:     4,
		Dispatchers: 1,
		ReadTimeout: Duration(5 * time.Second),
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Echo:        EchoConfig{Path: "/echo"},
	}
}

// Load reads and validates the YAML file at path, applying defaults for
// omitted fields.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen must not be empty")
	}
	if c.Workers < 0 || c.Dispatchers < 0 {
		return fmt.Errorf("config: workers and dispatchers must be non-negative")
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.Dispatchers == 0 {
		c.Dispatchers = 1
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("config: read_timeout must be non-negative")
	}
	if c.Echo.Path == "" {
		c.Echo.Path = "/echo"
	}
	return nil
}
