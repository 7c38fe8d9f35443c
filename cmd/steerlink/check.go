package main

import (
	"fmt"
	"io"

	"github.com/timzifer/steerlink/internal/config"
	"github.com/timzifer/steerlink/internal/rules"
	"github.com/timzifer/steerlink/steering"
)

func checkConfig(w io.Writer, cfg *config.Config) int {
	streams := []struct {
		name string
		cfg  config.StreamConfig
	}{
		{steering.StreamSteeringAngle, cfg.Workers.SteeringAngle},
		{steering.StreamVelocity, cfg.Workers.Velocity},
		{steering.StreamTorqueOffset, cfg.Workers.TorqueOffset},
	}

	fmt.Fprintf(w, "Slice timeout: %s\n", cfg.SliceTimeout())
	exitCode := 0
	for _, stream := range streams {
		state := "enabled"
		if stream.cfg.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "Stream %q (%s)\n", stream.name, state)
		for _, def := range stream.cfg.Alerts {
			if _, err := rules.Compile(def); err != nil {
				exitCode = 1
				fmt.Fprintf(w, "  - %s: %v\n", def.ID, err)
				continue
			}
			fmt.Fprintf(w, "  - %s: OK\n", def.ID)
		}
	}

	fmt.Fprintf(w, "Journal: %t, uplink: %t, can: %t, simulation: %t\n",
		cfg.Journal.Enabled, cfg.Uplink.Enabled, cfg.CAN.Enabled, cfg.Simulation.Enabled)
	if exitCode == 0 {
		fmt.Fprintln(w, "Configuration check completed successfully.")
	} else {
		fmt.Fprintln(w, "Configuration check completed with errors.")
	}
	return exitCode
}
