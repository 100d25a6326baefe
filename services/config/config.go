// Package config loads the ads7830 daemon configuration. JSON, YAML and
// TOML files are accepted; numbers may be written as strings, as the
// original JSON format does ("interval": "100", "address": "4b").
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ads7830-go/bus"
	"ads7830-go/x/mathx"
	"ads7830-go/x/strx"
	"ads7830-go/x/timex"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddress   = 0x4b
	DefaultBackend   = "dev"
	DefaultInfo      = "/HW/ADS7830/INFO"
	DefaultTimeoutMs = 2000

	NumChannels = 8
)

// Config is the file schema.
type Config struct {
	Device    string          `json:"device" yaml:"device" toml:"device" validate:"required"`
	Address   Hex             `json:"address" yaml:"address" toml:"address" validate:"lte=127"`
	Exclusive Bool            `json:"exclusive" yaml:"exclusive" toml:"exclusive"`
	Backend   string          `json:"backend" yaml:"backend" toml:"backend" validate:"oneof=dev periph"`
	Info      string          `json:"info" yaml:"info" toml:"info" validate:"startswith=/"`
	Channels  []Channel       `json:"channels" yaml:"channels" toml:"channels" validate:"-"`
	HTTP      HTTPConfig      `json:"http" yaml:"http" toml:"http"`
	Heartbeat HeartbeatConfig `json:"heartbeat" yaml:"heartbeat" toml:"heartbeat"`
	Store     StoreConfig     `json:"store" yaml:"store" toml:"store"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging" toml:"logging"`
}

// Channel maps one ADC input to a variable. The original daemon reads the
// "channel" key while its documentation shows "line"; both are accepted and
// "channel" wins.
type Channel struct {
	Channel  *Num   `json:"channel,omitempty" yaml:"channel,omitempty" toml:"channel,omitempty"`
	Line     *Num   `json:"line,omitempty" yaml:"line,omitempty" toml:"line,omitempty"`
	Var      string `json:"var" yaml:"var" toml:"var" validate:"required,startswith=/"`
	Mode     string `json:"mode,omitempty" yaml:"mode,omitempty" toml:"mode,omitempty"`
	Interval Num    `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty" validate:"gte=0"`
}

type HTTPConfig struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
}

type HeartbeatConfig struct {
	Interval Num `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty" validate:"gte=0"` // seconds
}

type StoreConfig struct {
	TimeoutMs Num `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms,omitempty" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" toml:"format,omitempty" validate:"omitempty,oneof=text json"`
}

var (
	ErrNoIndex    = errors.New("config: channel has no index")
	ErrBadChannel = errors.New("config: invalid channel")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates path. The decoder is chosen by extension;
// anything that is not YAML or TOML is read as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Decode(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses data in the format named by ext (".json", ".yaml", ".yml",
// ".toml"), applies defaults and validates the top-level fields.
func Decode(data []byte, ext string) (*Config, error) {
	var cfg Config
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		err = dec.Decode(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Address == 0 {
		c.Address = DefaultAddress
	}
	c.Backend = strx.Coalesce(c.Backend, DefaultBackend)
	c.Info = strx.Coalesce(c.Info, DefaultInfo)
	if c.Store.TimeoutMs == 0 {
		c.Store.TimeoutMs = DefaultTimeoutMs
	}
	c.Logging.Level = strx.Coalesce(c.Logging.Level, "info")
	c.Logging.Format = strx.Coalesce(c.Logging.Format, "text")
}

// Validate checks the top-level fields. Channels are checked one by one
// with Channel.Validate so that a bad entry only drops that channel.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// Index returns the channel number.
func (ch Channel) Index() (int, error) {
	switch {
	case ch.Channel != nil:
		return int(*ch.Channel), nil
	case ch.Line != nil:
		return int(*ch.Line), nil
	default:
		return -1, ErrNoIndex
	}
}

// Validate checks one channel entry.
func (ch Channel) Validate() error {
	idx, err := ch.Index()
	if err != nil {
		return err
	}
	if !mathx.Between(idx, 0, NumChannels-1) {
		return fmt.Errorf("%w: index %d out of range", ErrBadChannel, idx)
	}
	if err := validate.Struct(ch); err != nil {
		return fmt.Errorf("%w: %v", ErrBadChannel, err)
	}
	return nil
}

// IntervalDuration returns the sampling period; zero means on-demand.
func (ch Channel) IntervalDuration() time.Duration {
	return timex.Millis(int64(ch.Interval))
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.Interval) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return timex.Millis(int64(c.Store.TimeoutMs))
}

// Encode writes the configuration as YAML.
func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// Prefix roots the retained configuration topics.
const Prefix = "config"

// Publish makes the resolved configuration visible on the bus, one
// retained message per top-level key under config/<key>.
func (c *Config) Publish(conn *bus.Connection) {
	sections := map[string]any{
		"device":    c.Device,
		"address":   uint16(c.Address),
		"exclusive": bool(c.Exclusive),
		"backend":   c.Backend,
		"info":      c.Info,
		"channels":  c.Channels,
		"http":      c.HTTP,
		"heartbeat": c.Heartbeat,
		"store":     c.Store,
		"logging":   c.Logging,
	}
	for k, v := range sections {
		conn.Publish(conn.NewMessage(bus.T(Prefix, k), v, true))
	}
}
