package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timzifer/steerlink/internal/rules"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig controls the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// StreamConfig configures the worker of one stream.
type StreamConfig struct {
	Disabled bool               `yaml:"disabled,omitempty"`
	Alerts   []rules.Definition `yaml:"alerts,omitempty"`
}

// WorkersConfig configures the consumer workers.
type WorkersConfig struct {
	SliceTimeout  Duration     `yaml:"slice_timeout,omitempty"`
	Window        Duration     `yaml:"window,omitempty"`
	SteeringAngle StreamConfig `yaml:"steering_angle,omitempty"`
	Velocity      StreamConfig `yaml:"velocity,omitempty"`
	TorqueOffset  StreamConfig `yaml:"steering_torque_offset,omitempty"`
}

// UIConfig configures the UI bridge.
type UIConfig struct {
	Buffer int `yaml:"buffer,omitempty"`
}

// JournalConfig configures the JSON lines journal.
type JournalConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Dir          string   `yaml:"dir"`
	Buffer       int      `yaml:"buffer,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`
}

// TLSConfig configures broker TLS.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// UplinkConfig configures the MQTT uplink.
type UplinkConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Broker         string     `yaml:"broker"`
	ClientID       string     `yaml:"client_id,omitempty"`
	Username       string     `yaml:"username,omitempty"`
	Password       string     `yaml:"password,omitempty"`
	TopicPrefix    string     `yaml:"topic_prefix,omitempty"`
	QoS            uint8      `yaml:"qos,omitempty"`
	Retain         bool       `yaml:"retain,omitempty"`
	KeepAlive      Duration   `yaml:"keep_alive,omitempty"`
	ConnectTimeout Duration   `yaml:"connect_timeout,omitempty"`
	TLS            *TLSConfig `yaml:"tls,omitempty"`
}

// CANAngleConfig binds the steering angle signals.
type CANAngleConfig struct {
	Message    string `yaml:"message,omitempty"`
	FrameID    string `yaml:"frame_id,omitempty"`
	Signal     string `yaml:"signal"`
	RateSignal string `yaml:"rate_signal,omitempty"`
}

// CANWheelsConfig binds the four wheel speed signals of one message.
type CANWheelsConfig struct {
	Message    string `yaml:"message,omitempty"`
	FrameID    string `yaml:"frame_id,omitempty"`
	FrontLeft  string `yaml:"front_left"`
	FrontRight string `yaml:"front_right"`
	RearLeft   string `yaml:"rear_left"`
	RearRight  string `yaml:"rear_right"`
}

// CANConfig configures the CAN gateway feed.
type CANConfig struct {
	Enabled        bool             `yaml:"enabled"`
	Protocol       string           `yaml:"protocol,omitempty"`
	Address        string           `yaml:"address"`
	DBC            string           `yaml:"dbc"`
	ReadTimeout    Duration         `yaml:"read_timeout,omitempty"`
	DialTimeout    Duration         `yaml:"dial_timeout,omitempty"`
	ReconnectDelay Duration         `yaml:"reconnect_delay,omitempty"`
	BufferSize     int              `yaml:"buffer_size,omitempty"`
	Angle          *CANAngleConfig  `yaml:"angle,omitempty"`
	Wheels         *CANWheelsConfig `yaml:"wheels,omitempty"`
}

// SimulationConfig configures the synthetic producer.
type SimulationConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Interval       Duration `yaml:"interval,omitempty"`
	Seed           *int64   `yaml:"seed,omitempty"`
	Noise          float64  `yaml:"noise,omitempty"`
	AngleAmplitude float64  `yaml:"angle_amplitude,omitempty"`
	AnglePeriod    Duration `yaml:"angle_period,omitempty"`
	MaxSpeed       float64  `yaml:"max_speed,omitempty"`
	RampDuration   Duration `yaml:"ramp_duration,omitempty"`
	TorqueGain     float64  `yaml:"torque_gain,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Workers    WorkersConfig    `yaml:"workers"`
	UI         UIConfig         `yaml:"ui"`
	Journal    JournalConfig    `yaml:"journal"`
	Uplink     UplinkConfig     `yaml:"uplink"`
	CAN        CANConfig        `yaml:"can"`
	Simulation SimulationConfig `yaml:"simulation"`

	// Dir is the directory of the loaded file; relative paths resolve against it.
	Dir string `yaml:"-"`
}

// Load reads, validates and decodes the configuration file from disk.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(abs, raw)
	if err != nil {
		return nil, err
	}
	cfg.Dir = filepath.Dir(abs)
	return cfg, nil
}

// Parse validates raw YAML against the schema and decodes it.
func Parse(name string, raw []byte) (*Config, error) {
	if err := Validate(name, raw); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", name, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("config %s: %w", name, err)
	}
	return &cfg, nil
}

func (c *Config) check() error {
	if c.Journal.Enabled && strings.TrimSpace(c.Journal.Dir) == "" {
		return errors.New("journal.dir is required when the journal is enabled")
	}
	if c.Uplink.Enabled && strings.TrimSpace(c.Uplink.Broker) == "" {
		return errors.New("uplink.broker is required when the uplink is enabled")
	}
	if c.CAN.Enabled {
		if strings.TrimSpace(c.CAN.Address) == "" || strings.TrimSpace(c.CAN.DBC) == "" {
			return errors.New("can.address and can.dbc are required when the CAN feed is enabled")
		}
		if c.CAN.Angle == nil && c.CAN.Wheels == nil {
			return errors.New("can feed requires an angle or wheels binding")
		}
	}
	return nil
}

// SliceTimeout returns the worker wait slice.
func (c *Config) SliceTimeout() time.Duration {
	if c == nil || c.Workers.SliceTimeout.Duration <= 0 {
		return 50 * time.Millisecond
	}
	return c.Workers.SliceTimeout.Duration
}

// MetricsListen returns the address for the metrics endpoint.
func (c *Config) MetricsListen() string {
	if c == nil || strings.TrimSpace(c.Telemetry.Listen) == "" {
		return ":9273"
	}
	return c.Telemetry.Listen
}

// ResolvePath resolves target relative to the configuration directory.
func (c *Config) ResolvePath(target string) string {
	if target == "" || filepath.IsAbs(target) || c == nil || c.Dir == "" {
		return target
	}
	return filepath.Join(c.Dir, target)
}
