package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"esplink/internal/protocol"
	"esplink/internal/transport"
)

// TransportType identifies which transport backend connects to the board.
type TransportType string

const (
	TransportSerial TransportType = "serial"
	TransportTCP    TransportType = "tcp"

	DefaultSerialBaud = 115200
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// ConnectionConfig contains transport-specific connection parameters.
type ConnectionConfig struct {
	Transport  TransportType `json:"transport"`
	SerialPort string        `json:"serial_port"`
	SerialBaud int           `json:"serial_baud"`
	Host       string        `json:"host"`
	TCPPort    int           `json:"tcp_port"`
}

// ProtocolConfig overrides the session timing. Values are milliseconds so the
// config file stays free of Go duration syntax.
type ProtocolConfig struct {
	ClientName        string `json:"client_name"`
	ConnectTimeoutMS  int    `json:"connect_timeout_ms"`
	SettleDelayMS     int    `json:"settle_delay_ms"`
	HeartbeatPeriodMS int    `json:"heartbeat_period_ms"`
	PongTimeoutMS     int    `json:"pong_timeout_ms"`
}

// AppConfig is the root persisted tool configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Protocol   ProtocolConfig   `json:"protocol"`
	Logging    LoggingConfig    `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Transport:  TransportSerial,
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
			Host:       "",
			TCPPort:    transport.DefaultTCPPort,
		},
		Protocol: ProtocolConfig{
			ClientName:        protocol.DefaultClientName,
			ConnectTimeoutMS:  durationMS(protocol.DefaultConnectTimeout),
			SettleDelayMS:     durationMS(protocol.DefaultSettleDelay),
			HeartbeatPeriodMS: durationMS(protocol.DefaultHeartbeatPeriod),
			PongTimeoutMS:     durationMS(protocol.DefaultPongTimeout),
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the CLI and points to the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Transport == "" {
		c.Connection.Transport = TransportSerial
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Connection.TCPPort <= 0 {
		c.Connection.TCPPort = transport.DefaultTCPPort
	}
	if strings.TrimSpace(c.Protocol.ClientName) == "" {
		c.Protocol.ClientName = protocol.DefaultClientName
	}
	if c.Protocol.ConnectTimeoutMS <= 0 {
		c.Protocol.ConnectTimeoutMS = durationMS(protocol.DefaultConnectTimeout)
	}
	if c.Protocol.SettleDelayMS <= 0 {
		c.Protocol.SettleDelayMS = durationMS(protocol.DefaultSettleDelay)
	}
	if c.Protocol.HeartbeatPeriodMS <= 0 {
		c.Protocol.HeartbeatPeriodMS = durationMS(protocol.DefaultHeartbeatPeriod)
	}
	if c.Protocol.PongTimeoutMS <= 0 {
		c.Protocol.PongTimeoutMS = durationMS(protocol.DefaultPongTimeout)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	switch c.Connection.Transport {
	case TransportSerial:
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case TransportTCP:
		if strings.TrimSpace(c.Connection.Host) == "" {
			return errors.New("tcp host is required")
		}
		if c.Connection.TCPPort <= 0 || c.Connection.TCPPort > 65535 {
			return errors.New("tcp port must be in 1..65535")
		}
	default:
		return fmt.Errorf("unknown transport: %s", c.Connection.Transport)
	}

	return nil
}

// Options converts the persisted protocol overrides into session options.
func (p ProtocolConfig) Options() protocol.Options {
	return protocol.Options{
		ClientName:      p.ClientName,
		ConnectTimeout:  msDuration(p.ConnectTimeoutMS),
		SettleDelay:     msDuration(p.SettleDelayMS),
		HeartbeatPeriod: msDuration(p.HeartbeatPeriodMS),
		PongTimeout:     msDuration(p.PongTimeoutMS),
	}
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}

func durationMS(d time.Duration) int {
	return int(d / time.Millisecond)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
