package pipeline

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/steerlink/internal/config"
	"github.com/timzifer/steerlink/internal/rules"
	"github.com/timzifer/steerlink/steering"
	"github.com/timzifer/steerlink/telemetry"
	"github.com/timzifer/steerlink/uibridge"
)

type recordingUI struct {
	mu       sync.Mutex
	angles   []int16
	velocity []string
	torque   []string
}

func (r *recordingUI) sinks() UISinks {
	return UISinks{
		Angle: steering.AngleSinkFunc(func(v int16) {
			r.mu.Lock()
			r.angles = append(r.angles, v)
			r.mu.Unlock()
		}),
		Velocity: steering.TextSinkFunc(func(v string) {
			r.mu.Lock()
			r.velocity = append(r.velocity, v)
			r.mu.Unlock()
		}),
		Torque: steering.TextSinkFunc(func(v string) {
			r.mu.Lock()
			r.torque = append(r.torque, v)
			r.mu.Unlock()
		}),
	}
}

func (r *recordingUI) counts() (int, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.angles), len(r.velocity), len(r.torque)
}

func simulationConfig() *config.Config {
	seed := int64(3)
	cfg := &config.Config{}
	cfg.Workers.SliceTimeout = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Simulation = config.SimulationConfig{
		Enabled:  true,
		Interval: config.Duration{Duration: 5 * time.Millisecond},
		Seed:     &seed,
	}
	return cfg
}

func runPipeline(t *testing.T, p *Pipeline) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return cancel, done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	_, err := New(&config.Config{}, WithUISink(UISinks{}))
	require.Error(t, err)
	_, err = New(&config.Config{}, WithHistories(Histories{}))
	require.Error(t, err)
}

func TestSimulationDrivesAllWorkers(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	ui := &recordingUI{}
	p, err := New(simulationConfig(), WithUISink(ui.sinks()), WithTelemetry(collector))
	require.NoError(t, err)
	defer p.Close()
	require.Nil(t, p.UI())
	require.Len(t, p.Status(), 3)

	cancel, done := runPipeline(t, p)
	require.Eventually(t, func() bool {
		a, v, tq := ui.counts()
		return a > 2 && v > 2 && tq > 2
	}, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	cancel()
	waitStopped(t, done)
	require.Less(t, time.Since(start), time.Second)

	for _, status := range p.Status() {
		require.Positive(t, status.Processed, status.Name)
		require.False(t, status.LastSeen.IsZero(), status.Name)
	}
}

func TestStopJoinsWorkers(t *testing.T) {
	p, err := New(&config.Config{})
	require.NoError(t, err)
	defer p.Close()

	_, done := runPipeline(t, p)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.running
	}, time.Second, 5*time.Millisecond)

	p.Stop()
	waitStopped(t, done)
}

func TestRunTwiceFails(t *testing.T) {
	p, err := New(&config.Config{})
	require.NoError(t, err)
	defer p.Close()

	cancel, done := runPipeline(t, p)
	defer func() {
		cancel()
		waitStopped(t, done)
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.running
	}, time.Second, 5*time.Millisecond)
	require.Error(t, p.Run(context.Background()))
}

func TestDefaultBridgeReceivesValues(t *testing.T) {
	histories := NewHistories()
	cfg := &config.Config{}
	cfg.Workers.SliceTimeout = config.Duration{Duration: 10 * time.Millisecond}
	cfg.Workers.Velocity.Disabled = true
	cfg.Workers.TorqueOffset.Disabled = true

	p, err := New(cfg, WithHistories(histories))
	require.NoError(t, err)
	require.Len(t, p.Status(), 1)
	require.Same(t, histories.Angle, p.Histories().Angle)

	cancel, done := runPipeline(t, p)
	require.NoError(t, histories.Angle.Update(time.Now(), steering.SteeringAngle{DeciDegrees: 77}))

	select {
	case update := <-p.UI().Updates():
		require.Equal(t, uibridge.KindSteeringAngle, update.Kind)
		require.Equal(t, int16(77), update.Angle)
	case <-time.After(2 * time.Second):
		t.Fatal("no ui update")
	}

	cancel()
	waitStopped(t, done)
	require.NoError(t, p.Close())
	_, ok := <-p.UI().Updates()
	require.False(t, ok)
}

func TestJournalRecordsStreams(t *testing.T) {
	cfg := simulationConfig()
	cfg.Dir = t.TempDir()
	cfg.Journal = config.JournalConfig{Enabled: true, Dir: "journal", PollInterval: config.Duration{Duration: time.Millisecond}}

	ui := &recordingUI{}
	p, err := New(cfg, WithUISink(ui.sinks()))
	require.NoError(t, err)
	require.Len(t, p.Status(), 5)

	cancel, done := runPipeline(t, p)
	require.Eventually(t, func() bool {
		a, _, tq := ui.counts()
		return a > 2 && tq > 2
	}, 3*time.Second, 10*time.Millisecond)
	cancel()
	waitStopped(t, done)
	require.NoError(t, p.Close())

	sessions, err := os.ReadDir(filepath.Join(cfg.Dir, "journal"))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	for _, root := range []string{steering.SteeringAnglesLogRoot, steering.SteeringCommandsLogRoot} {
		file, err := os.Open(filepath.Join(cfg.Dir, "journal", sessions[0].Name(), root+".jsonl"))
		require.NoError(t, err)
		scanner := bufio.NewScanner(file)
		require.True(t, scanner.Scan(), root)
		require.Contains(t, scanner.Text(), root)
		file.Close()
	}
}

func TestInvalidAlertRuleFails(t *testing.T) {
	cfg := &config.Config{}
	cfg.Workers.Velocity.Alerts = []rules.Definition{{ID: "broken", Expression: "speed >"}}
	_, err := New(cfg)
	require.ErrorContains(t, err, steering.StreamVelocity)
}

func TestUplinkConnectFailureCleansUp(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dir = t.TempDir()
	cfg.Journal = config.JournalConfig{Enabled: true, Dir: "journal"}
	cfg.Uplink = config.UplinkConfig{Enabled: true, Broker: "tcp://127.0.0.1:1", ConnectTimeout: config.Duration{Duration: 200 * time.Millisecond}}
	_, err := New(cfg)
	require.Error(t, err)
}
