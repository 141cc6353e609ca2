// Package config loads the relay configuration from a YAML file
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/dratasich/flightrelay/ingest"
	"github.com/dratasich/flightrelay/sink"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is loaded once at startup and passed to every component
type Config struct {
	Command   Command   `yaml:"command"`
	Telemetry Telemetry `yaml:"telemetry"`
	MQTT      MQTT      `yaml:"mqtt"`
	Log       Log       `yaml:"log"`
}

// Command direction: command store -> vehicle
type Command struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	StorePath    string        `yaml:"store_path"`
	Debounce     time.Duration `yaml:"debounce"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	Notifier     string        `yaml:"notifier"` // fsnotify | poll
	PollInterval time.Duration `yaml:"poll_interval"`
	HistoryLimit int           `yaml:"history_limit"`
}

// Telemetry direction: vehicle -> sink
type Telemetry struct {
	Listen      string        `yaml:"listen"`
	Port        int           `yaml:"port"`
	SinkPath    string        `yaml:"sink_path"`
	Mode        string        `yaml:"mode"` // json | ndjson | csv | sqlite
	ReadTimeout time.Duration `yaml:"read_timeout"`
	HelloAddr   string        `yaml:"hello_addr"`
	MaxDatagram int           `yaml:"max_datagram"`
}

// MQTT configuration for ThingsBoard; an empty ServerURL disables it
type MQTT struct {
	ServerURL string `yaml:"server_url"` // MQTT server URL
	// set username = tb access token (and leave password empty)
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	KeepAlive uint16 `yaml:"keep_alive"` // seconds between keepalive packets
	ClientID  string `yaml:"client_id"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Load reads and validates the file at path
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults. Validation is left to the caller
// since each subcommand needs a different part.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	out := c
	if out.Command.StorePath == "" {
		out.Command.StorePath = "commands.txt"
	}
	if out.Command.Debounce == 0 {
		out.Command.Debounce = 100 * time.Millisecond
	}
	if out.Command.AckTimeout == 0 {
		out.Command.AckTimeout = time.Second
	}
	if out.Command.Notifier == "" {
		out.Command.Notifier = "fsnotify"
	}
	if out.Command.PollInterval == 0 {
		out.Command.PollInterval = 50 * time.Millisecond
	}
	if out.Command.HistoryLimit == 0 {
		out.Command.HistoryLimit = 100
	}
	if out.Telemetry.Listen == "" {
		out.Telemetry.Listen = "0.0.0.0"
	}
	if out.Telemetry.SinkPath == "" {
		out.Telemetry.SinkPath = "measurements.txt"
	}
	if out.Telemetry.Mode == "" {
		out.Telemetry.Mode = string(sink.ModeJSON)
	}
	if out.Telemetry.MaxDatagram == 0 {
		out.Telemetry.MaxDatagram = 4096
	}
	if out.MQTT.KeepAlive == 0 {
		out.MQTT.KeepAlive = 60
	}
	if out.Log.Level == "" {
		out.Log.Level = "info"
	}
	if out.Log.Format == "" {
		out.Log.Format = "console"
	}
	return out
}

// ValidateCommand checks what the dispatcher needs
func (c Config) ValidateCommand() error {
	var errs []error
	if c.Command.Host == "" {
		errs = append(errs, errors.New("command.host is required"))
	}
	if c.Command.Port <= 0 || c.Command.Port > 65535 {
		errs = append(errs, fmt.Errorf("command.port %d is out of range", c.Command.Port))
	}
	switch c.Command.Notifier {
	case "fsnotify", "poll":
	default:
		errs = append(errs, fmt.Errorf("command.notifier %q is unknown (want fsnotify or poll)", c.Command.Notifier))
	}
	if c.Command.Debounce < 0 || c.Command.AckTimeout < 0 || c.Command.PollInterval < 0 {
		errs = append(errs, errors.New("command durations must not be negative"))
	}
	return errors.Join(append(errs, c.validateLog())...)
}

// ValidateTelemetry checks what the ingestor needs
func (c Config) ValidateTelemetry() error {
	var errs []error
	if c.Telemetry.Port <= 0 || c.Telemetry.Port > 65535 {
		errs = append(errs, fmt.Errorf("telemetry.port %d is out of range", c.Telemetry.Port))
	}
	if _, err := sink.ParseMode(c.Telemetry.Mode); err != nil {
		errs = append(errs, fmt.Errorf("telemetry.mode: %w", err))
	}
	switch rt := c.Telemetry.ReadTimeout; {
	case rt < 0:
		errs = append(errs, errors.New("telemetry.read_timeout must not be negative"))
	case rt > 0 && rt < ingest.MinReadTimeout:
		errs = append(errs, fmt.Errorf("telemetry.read_timeout %s is below %s (use 0 to block)", rt, ingest.MinReadTimeout))
	}
	if c.Telemetry.HelloAddr != "" {
		if _, _, err := net.SplitHostPort(c.Telemetry.HelloAddr); err != nil {
			errs = append(errs, fmt.Errorf("telemetry.hello_addr: %w", err))
		}
	}
	return errors.Join(append(errs, c.validateLog())...)
}

func (c Config) validateLog() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
		return nil
	default:
		return fmt.Errorf("log.format %q is unknown (want console or json)", c.Log.Format)
	}
}

// ListenAddr is the telemetry bind address
func (t Telemetry) ListenAddr() string {
	return net.JoinHostPort(t.Listen, strconv.Itoa(t.Port))
}
