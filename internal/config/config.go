package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/utils"
	"gopkg.in/yaml.v3"
)

const (
	TransportLongPolling = "long-polling"
	TransportWebSocket   = "websocket"

	StoreMemory = "memory"
	StoreMongo  = "mongo"
	StoreRedis  = "redis"
)

var (
	ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Duration reads either a number of milliseconds or a duration string such
// as "30s" or "2d".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) Decode(value string) error {
	parsed, err := utils.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	case string:
		return d.Decode(v)
	default:
		return fmt.Errorf("%w: duration must be a number or a string", ErrInvalidConfig)
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.Decode(node.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// BayeuxConfig holds the engine options. Unset durations fall back to the
// engine defaults.
type BayeuxConfig struct {
	Timeout                Duration `json:"timeout" yaml:"timeout" env:"BAYEUX_TIMEOUT"`
	Interval               Duration `json:"interval" yaml:"interval" env:"BAYEUX_INTERVAL"`
	MaxInterval            Duration `json:"maxInterval" yaml:"maxInterval" env:"BAYEUX_MAX_INTERVAL"`
	MaxLazyTimeout         Duration `json:"maxLazyTimeout" yaml:"maxLazyTimeout" env:"BAYEUX_MAX_LAZY_TIMEOUT"`
	MetaConnectDeliverOnly bool     `json:"metaConnectDeliverOnly" yaml:"metaConnectDeliverOnly" env:"BAYEUX_META_CONNECT_DELIVER_ONLY"`
	MaxQueue               int      `json:"maxQueue" yaml:"maxQueue" env:"BAYEUX_MAX_QUEUE"`
	MaxServerInterval      Duration `json:"maxServerInterval" yaml:"maxServerInterval" env:"BAYEUX_MAX_SERVER_INTERVAL"`
	TickIntervalMs         int      `json:"tickIntervalMs" yaml:"tickIntervalMs" env:"BAYEUX_TICK_INTERVAL_MS"`
	SweepIntervalMs        int      `json:"sweepIntervalMs" yaml:"sweepIntervalMs" env:"BAYEUX_SWEEP_INTERVAL_MS"`
}

// Options converts the configuration into engine options.
func (b BayeuxConfig) Options() bayeux.Options {
	return bayeux.Options{
		Timeout:                b.Timeout.Duration(),
		Interval:               b.Interval.Duration(),
		MaxInterval:            b.MaxInterval.Duration(),
		MaxLazyTimeout:         b.MaxLazyTimeout.Duration(),
		MetaConnectDeliverOnly: b.MetaConnectDeliverOnly,
		MaxQueue:               b.MaxQueue,
		MaxServerInterval:      b.MaxServerInterval.Duration(),
		TickInterval:           time.Duration(b.TickIntervalMs) * time.Millisecond,
		SweepInterval:          time.Duration(b.SweepIntervalMs) * time.Millisecond,
	}
}

type MongoConfig struct {
	Host               string `json:"host" yaml:"host" env:"BAYEUX_MONGO_HOST"`
	Port               uint64 `json:"port" yaml:"port" env:"BAYEUX_MONGO_PORT"`
	Username           string `json:"username" yaml:"username" env:"BAYEUX_MONGO_USERNAME"`
	Password           string `json:"password" yaml:"password" env:"BAYEUX_MONGO_PASSWORD"`
	Database           string `json:"database" yaml:"database" env:"BAYEUX_MONGO_DATABASE"`
	UseTLS             bool   `json:"use_tls" yaml:"use_tls" env:"BAYEUX_MONGO_USE_TLS"`
	ConnectTimeout     string `json:"connect_timeout" yaml:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout" yaml:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout" yaml:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout" yaml:"operation_timeout"`
	Heartbeat          string `json:"heartbeat" yaml:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size" yaml:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size" yaml:"max_pool_size"`
}

type RedisConfig struct {
	Addr      string   `json:"addr" yaml:"addr" env:"BAYEUX_REDIS_ADDR"`
	Password  string   `json:"password" yaml:"password" env:"BAYEUX_REDIS_PASSWORD"`
	DB        int      `json:"db" yaml:"db" env:"BAYEUX_REDIS_DB"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	TTL       Duration `json:"ttl" yaml:"ttl" env:"BAYEUX_REDIS_TTL"`
}

// StoreConfig selects where session records are kept.
type StoreConfig struct {
	Kind  string      `json:"kind" yaml:"kind" env:"BAYEUX_STORE"`
	Mongo MongoConfig `json:"mongo" yaml:"mongo"`
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

type Config struct {
	AppName           string       `json:"app_name" yaml:"app_name" env:"BAYEUX_APP_NAME"`
	Listen            string       `json:"listen" yaml:"listen" env:"BAYEUX_LISTEN"`
	Path              string       `json:"path" yaml:"path" env:"BAYEUX_PATH"`
	LogLevel          string       `json:"logLevel" yaml:"logLevel" env:"BAYEUX_LOG_LEVEL"`
	LogDir            string       `json:"logDir" yaml:"logDir" env:"BAYEUX_LOG_DIR"`
	AllowedTransports []string     `json:"allowedTransports" yaml:"allowedTransports" env:"BAYEUX_ALLOWED_TRANSPORTS"`
	Bayeux            BayeuxConfig `json:"bayeux" yaml:"bayeux"`
	Store             StoreConfig  `json:"store" yaml:"store"`
}

func Default() *Config {
	return &Config{
		AppName:           "bayeux-server",
		Listen:            ":8080",
		Path:              "/cometd",
		LogLevel:          "info",
		LogDir:            "logs",
		AllowedTransports: []string{TransportWebSocket, TransportLongPolling},
		Bayeux: BayeuxConfig{
			Timeout:         Duration(30 * time.Second),
			MaxInterval:     Duration(10 * time.Second),
			MaxLazyTimeout:  Duration(5 * time.Second),
			MaxQueue:        -1,
			TickIntervalMs:  97,
			SweepIntervalMs: 997,
		},
		Store: StoreConfig{
			Kind: StoreMemory,
			Mongo: MongoConfig{
				Host:               "localhost",
				Port:               27017,
				Database:           "bayeux",
				ConnectTimeout:     "10s",
				SocketTimeout:      "30s",
				ConnectIdleTimeout: "5m",
				OperationTimeout:   "5s",
				Heartbeat:          "10s",
				MinPoolSize:        1,
				MaxPoolSize:        20,
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "bayeux:session:",
				TTL:       Duration(24 * time.Hour),
			},
		},
	}
}

// ReadConfig loads path (JSON, or YAML for .yaml/.yml), then applies the
// BAYEUX_* environment overrides and validates the result. A missing file is
// created with the defaults and ErrConfigCreated is returned.
func ReadConfig(path string) (*Config, error) {
	config := Default()
	bytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error occured while reading %s: %w", path, err)
		}
		if err := writeDefault(path, config); err != nil {
			return nil, err
		}
		return config, ErrConfigCreated
	}

	if isYAML(path) {
		err = yaml.Unmarshal(bytes, config)
	} else {
		err = json.Unmarshal(bytes, config)
	}
	if err != nil {
		return nil, fmt.Errorf("the configuration file does not contain valid content: %w", err)
	}

	if err := envdecode.Decode(config); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("error occured while reading environment overrides: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func writeDefault(path string, config *Config) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "\t")
	}
	if err != nil {
		return fmt.Errorf("error occured while encoding default configuration: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error occured while creating %s: %w", path, err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks the values the server cannot start without.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidConfig, c.Path)
	}
	if len(c.AllowedTransports) == 0 {
		return fmt.Errorf("%w: allowedTransports is empty", ErrInvalidConfig)
	}
	for _, name := range c.AllowedTransports {
		if name != TransportLongPolling && name != TransportWebSocket {
			return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, name)
		}
	}
	if !slices.Contains([]string{StoreMemory, StoreMongo, StoreRedis}, c.Store.Kind) {
		return fmt.Errorf("%w: unknown store kind %q", ErrInvalidConfig, c.Store.Kind)
	}
	if c.Bayeux.TickIntervalMs < 0 || c.Bayeux.SweepIntervalMs < 0 {
		return fmt.Errorf("%w: negative sweeper interval", ErrInvalidConfig)
	}
	return nil
}
