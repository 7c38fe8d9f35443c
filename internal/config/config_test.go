package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const fullConfig = `logging:
  level: debug
  format: text
telemetry:
  enabled: true
  listen: "127.0.0.1:9999"
workers:
  slice_timeout: 20ms
  steering_torque_offset:
    alerts:
      - id: torque_limit
        when: abs(torque) > 100
        message: torque offset above limit
ui:
  buffer: 16
journal:
  enabled: true
  dir: logs
  poll_interval: 5ms
uplink:
  enabled: true
  broker: tcp://localhost:1883
  topic_prefix: car/1
  qos: 1
can:
  enabled: true
  protocol: udp
  address: 192.168.0.10:20000
  dbc: steering.dbc
  read_timeout: 25ms
  angle:
    message: Steering
    signal: Angle
  wheels:
    frame_id: "0x200"
    front_left: FL
    front_right: FR
    rear_left: RL
    rear_right: RR
simulation:
  enabled: false
  seed: 42
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, fullConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 20*time.Millisecond, cfg.SliceTimeout())
	require.Equal(t, "127.0.0.1:9999", cfg.MetricsListen())
	require.Len(t, cfg.Workers.TorqueOffset.Alerts, 1)
	require.Equal(t, "abs(torque) > 100", cfg.Workers.TorqueOffset.Alerts[0].Expression)
	require.Equal(t, 16, cfg.UI.Buffer)
	require.Equal(t, 5*time.Millisecond, cfg.Journal.PollInterval.Duration)
	require.Equal(t, uint8(1), cfg.Uplink.QoS)
	require.Equal(t, 25*time.Millisecond, cfg.CAN.ReadTimeout.Duration)
	require.Equal(t, "RR", cfg.CAN.Wheels.RearRight)
	require.NotNil(t, cfg.Simulation.Seed)
	require.Equal(t, int64(42), *cfg.Simulation.Seed)

	require.Equal(t, filepath.Dir(path), cfg.Dir)
	require.Equal(t, filepath.Join(cfg.Dir, "steering.dbc"), cfg.ResolvePath(cfg.CAN.DBC))
	require.Equal(t, "/abs/steering.dbc", cfg.ResolvePath("/abs/steering.dbc"))
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse("empty.yaml", []byte("logging:\n  level: info\n"))
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, cfg.SliceTimeout())
	require.Equal(t, ":9273", cfg.MetricsListen())

	var nilCfg *Config
	require.Equal(t, 50*time.Millisecond, nilCfg.SliceTimeout())
}

func TestSchemaRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown field":   "workers:\n  slice: 10ms\n",
		"bad duration":    "workers:\n  slice_timeout: soon\n",
		"bad qos":         "uplink:\n  qos: 3\n",
		"bad level":       "logging:\n  level: loud\n",
		"bad protocol":    "can:\n  protocol: serial\n",
		"rule without id": "workers:\n  velocity:\n    alerts:\n      - when: speed > 1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(name, []byte(content))
			require.Error(t, err)
		})
	}
}

func TestCrossFieldChecks(t *testing.T) {
	_, err := Parse("journal", []byte("journal:\n  enabled: true\n"))
	require.ErrorContains(t, err, "journal.dir")
	_, err = Parse("uplink", []byte("uplink:\n  enabled: true\n"))
	require.ErrorContains(t, err, "uplink.broker")
	_, err = Parse("can", []byte("can:\n  enabled: true\n  address: x:1\n  dbc: a.dbc\n"))
	require.ErrorContains(t, err, "binding")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
