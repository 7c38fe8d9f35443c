package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/steerlink/internal/config"
	"github.com/timzifer/steerlink/internal/reload"
	"github.com/timzifer/steerlink/pipeline"
	"github.com/timzifer/steerlink/telemetry"
)

const simulationConfig = `workers:
  slice_timeout: 10ms
simulation:
  enabled: true
  interval: %s
  seed: 1
`

type generation struct {
	next *config.Config
	err  error
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func startGeneration(ctx context.Context, cfg *config.Config, histories pipeline.Histories, watcher *reload.Watcher, path string) <-chan generation {
	done := make(chan generation, 1)
	go func() {
		next, err := runOnce(ctx, cfg, histories, watcher, path, zerolog.Nop(), telemetry.Noop())
		done <- generation{next: next, err: err}
	}()
	return done
}

func TestRunOnceReloadKeepsHistories(t *testing.T) {
	interval := watchInterval
	watchInterval = 10 * time.Millisecond
	t.Cleanup(func() { watchInterval = interval })

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, fmt.Sprintf(simulationConfig, "5ms"))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	histories := pipeline.NewHistories()
	watcher := reload.NewWatcher(reload.SourceFiles(path, cfg)...)
	done := startGeneration(ctx, cfg, histories, watcher, path)

	require.Eventually(t, func() bool { return histories.Angle.Writes() > 0 }, 2*time.Second, 5*time.Millisecond)

	// an invalid edit is reported and the running generation keeps producing
	writeConfig(t, path, "simulation: [broken\n")
	time.Sleep(5 * watchInterval)
	select {
	case g := <-done:
		t.Fatalf("generation ended on invalid config: %v", g.err)
	default:
	}
	before := histories.Angle.Writes()
	require.Eventually(t, func() bool { return histories.Angle.Writes() > before }, 2*time.Second, 5*time.Millisecond)

	writeConfig(t, path, fmt.Sprintf(simulationConfig, "7ms"))
	var g generation
	select {
	case g = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("valid edit did not trigger a rebuild")
	}
	require.NoError(t, g.err)
	require.NotNil(t, g.next)
	require.Equal(t, 7*time.Millisecond, g.next.Simulation.Interval.Duration)

	last, ok := histories.Angle.Latest()
	require.True(t, ok)
	writes := histories.Angle.Writes()

	watcher.Update(reload.SourceFiles(path, g.next)...)
	done = startGeneration(ctx, g.next, histories, watcher, path)
	require.Eventually(t, func() bool {
		latest, ok := histories.Angle.Latest()
		return ok && latest.Timestamp.After(last.Timestamp)
	}, 2*time.Second, 5*time.Millisecond)
	require.Greater(t, histories.Angle.Writes(), writes)

	cancel()
	select {
	case g = <-done:
		require.NoError(t, g.err)
		require.Nil(t, g.next)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop")
	}
}

func TestRunOnceWithoutWatcherStopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, fmt.Sprintf(simulationConfig, "5ms"))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	histories := pipeline.NewHistories()
	done := startGeneration(ctx, cfg, histories, nil, path)
	require.Eventually(t, func() bool { return histories.Torque.Writes() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case g := <-done:
		require.NoError(t, g.err)
		require.Nil(t, g.next)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop")
	}
}
