package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidTickRate    = errors.New("tick rate must be positive")
	ErrInvalidPrivateKey  = errors.New("private key must be 32 bytes, base64 encoded")
	ErrInvalidTransport   = errors.New("unknown transport kind")
	ErrInvalidDelay       = errors.New("interpolation delay needs a duration or a ratio")
	ErrInvalidSyncMode    = errors.New("unknown sync mode")
	ErrInvalidConditioner = errors.New("conditioner loss must be within [0, 1]")
	ErrInvalidFragments   = errors.New("max fragments must be within [1, 65535]")
)

// Config is the whole engine configuration. Every section has a usable default.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Server        ServerConfig        `yaml:"server"`
	Client        ClientConfig        `yaml:"client"`
	Transport     TransportConfig     `yaml:"transport"`
	Netcode       NetcodeConfig       `yaml:"netcode"`
	Channels      ChannelConfig       `yaml:"channels"`
	Replication   ReplicationConfig   `yaml:"replication"`
	Prediction    PredictionConfig    `yaml:"prediction"`
	Interpolation InterpolationConfig `yaml:"interpolation"`
	Metrics       MetricsConfig       `yaml:"metrics"`

	// Components overrides the registered sync mode of a component by name.
	Components map[string]string `yaml:"components"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Encoding    string `yaml:"encoding"`
	Development bool   `yaml:"development"`
}

type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	TokenAddr     string `yaml:"token_addr"`
	MaxClients    int    `yaml:"max_clients"`
	TickRate      int    `yaml:"tick_rate"`
	InboundBuffer int    `yaml:"inbound_buffer"`
}

type ClientConfig struct {
	ServerAddr    string        `yaml:"server_addr"`
	TokenURL      string        `yaml:"token_url"`
	ClientID      uint64        `yaml:"client_id"`
	InboundBuffer int           `yaml:"inbound_buffer"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

type TransportKind string

const (
	TransportMemory    TransportKind = "memory"
	TransportUDP       TransportKind = "udp"
	TransportQUIC      TransportKind = "quic"
	TransportWebSocket TransportKind = "websocket"
)

type TransportConfig struct {
	Kind        TransportKind     `yaml:"kind"`
	MTU         int               `yaml:"mtu"`
	Conditioner ConditionerConfig `yaml:"conditioner"`
}

// ConditionerConfig simulates a lossy link on incoming packets.
type ConditionerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Latency time.Duration `yaml:"latency"`
	Jitter  time.Duration `yaml:"jitter"`
	Loss    float64       `yaml:"loss"`
}

type NetcodeConfig struct {
	ProtocolID        uint64        `yaml:"protocol_id"`
	PrivateKey        string        `yaml:"private_key"`
	TokenExpiry       time.Duration `yaml:"token_expiry"`
	Timeout           time.Duration `yaml:"timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	RequestInterval   time.Duration `yaml:"request_interval"`
	RequestRate       float64       `yaml:"request_rate"`
	RequestBurst      int           `yaml:"request_burst"`
	// UsedTokenCapacity caps how many spent connect tokens are remembered.
	UsedTokenCapacity int           `yaml:"used_token_capacity"`
}

type ChannelConfig struct {
	ResendBase      time.Duration `yaml:"resend_base"`
	ResendMax       time.Duration `yaml:"resend_max"`
	ResendFactor    float64       `yaml:"resend_factor"`
	MaxUnacked      int           `yaml:"max_unacked"`
	MaxFragmentSize int           `yaml:"max_fragment_size"`
	// MaxFragments bounds the fragments of one reliable message; the count travels as a uint16.
	MaxFragments    int           `yaml:"max_fragments"`
}

type ReplicationConfig struct {
	PendingUpdateLimit   int `yaml:"pending_update_limit"`
	CompressionThreshold int `yaml:"compression_threshold"`
}

type PredictionConfig struct {
	InputBuffer     int `yaml:"input_buffer"`
	InputRedundancy int `yaml:"input_redundancy"`
	HistoryLength   int `yaml:"history_length"`
}

type InterpolationConfig struct {
	Delay         time.Duration `yaml:"delay"`
	DelayRatio    float64       `yaml:"delay_ratio"`
	MinDelay      time.Duration `yaml:"min_delay"`
	HistoryLength int           `yaml:"history_length"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
		Server: ServerConfig{
			ListenAddr:    "127.0.0.1:5000",
			TokenAddr:     "127.0.0.1:5080",
			MaxClients:    64,
			TickRate:      64,
			InboundBuffer: 4096,
		},
		Client: ClientConfig{
			ServerAddr:    "127.0.0.1:5000",
			TokenURL:      "http://127.0.0.1:5080/token",
			InboundBuffer: 1024,
			PingInterval:  100 * time.Millisecond,
		},
		Transport: TransportConfig{
			Kind: TransportUDP,
			MTU:  1200,
		},
		Netcode: NetcodeConfig{
			ProtocolID:        0,
			PrivateKey:        base64.StdEncoding.EncodeToString(make([]byte, 32)),
			TokenExpiry:       30 * time.Second,
			Timeout:           5 * time.Second,
			KeepAliveInterval: 100 * time.Millisecond,
			RequestInterval:   100 * time.Millisecond,
			RequestRate:       10,
			RequestBurst:      20,
			UsedTokenCapacity: 64 * 1024,
		},
		Channels: ChannelConfig{
			ResendBase:      100 * time.Millisecond,
			ResendMax:       2 * time.Second,
			ResendFactor:    2,
			MaxUnacked:      1024,
			MaxFragmentSize: 1000,
			MaxFragments:    1024,
		},
		Replication: ReplicationConfig{
			PendingUpdateLimit:   64,
			CompressionThreshold: 512,
		},
		Prediction: PredictionConfig{
			InputBuffer:     128,
			InputRedundancy: 8,
			HistoryLength:   128,
		},
		Interpolation: InterpolationConfig{
			DelayRatio:    2,
			MinDelay:      50 * time.Millisecond,
			HistoryLength: 32,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9090",
		},
		Components: map[string]string{},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r on top of the defaults and validates the result.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Server.TickRate <= 0 {
		return ErrInvalidTickRate
	}
	switch c.Transport.Kind {
	case TransportMemory, TransportUDP, TransportQUIC, TransportWebSocket:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport.Kind)
	}
	if _, err := c.Netcode.Key(); err != nil {
		return err
	}
	if c.Interpolation.Delay <= 0 && c.Interpolation.DelayRatio <= 0 {
		return ErrInvalidDelay
	}
	if l := c.Transport.Conditioner.Loss; l < 0 || l > 1 {
		return ErrInvalidConditioner
	}
	if f := c.Channels.MaxFragments; f <= 0 || f > math.MaxUint16 {
		return fmt.Errorf("%w: %d", ErrInvalidFragments, f)
	}
	for name, mode := range c.Components {
		switch strings.ToLower(mode) {
		case "full", "simple", "once", "none":
		default:
			return fmt.Errorf("%w: %s=%q", ErrInvalidSyncMode, name, mode)
		}
	}
	return nil
}

// TickDuration is the fixed simulation step.
func (c *Config) TickDuration() time.Duration {
	return time.Second / time.Duration(c.Server.TickRate)
}

// Key decodes the shared token key.
func (n NetcodeConfig) Key() ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(n.PrivateKey)
	if err != nil || len(raw) != len(key) {
		return key, ErrInvalidPrivateKey
	}
	copy(key[:], raw)
	return key, nil
}
