// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/api"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/control"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/loop"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/profile"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/thermal"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the thermal control daemon",
	Long: `Run the full control daemon: connect to the accessory, sample host
thermals on an adaptive cadence and keep the fan speed matched to the
load. Exposes the local status/command API unless disabled in config.

The last paired accessory and applied speed are persisted, so a restart
reconnects directly and resumes where it left off.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	store, err := profile.NewStore(cfg.Profile.Path, log)
	if err != nil {
		return err
	}
	prof, err := store.Load()
	if err != nil {
		return err
	}

	// A configured address beats the persisted one; both enable the
	// direct-connect fast path.
	address := cfg.Device.Address
	if address == "" && prof.Address != "" && (cfg.Device.Family == "" || cfg.Device.Family == prof.Family) {
		address = prof.Address
		log.Info().Str("address", address).Str("family", prof.Family).Msg("resuming persisted pairing")
	}

	transport, err := buildTransport(cfg, log)
	if err != nil {
		return err
	}
	opts, err := machineOptions(cfg, address)
	if err != nil {
		return err
	}

	machine := conn.NewMachine(transport, opts, log)

	thresholds := thermal.Thresholds{
		SafeC:     cfg.Thermal.SafeC,
		WarmC:     cfg.Thermal.WarmC,
		HotC:      cfg.Thermal.HotC,
		CriticalC: cfg.Thermal.CriticalC,
	}
	sampler := thermal.NewSampler(thresholds, cfg.Thermal.SensorReadTimeout, log)

	tuning := control.Tuning{
		StepPercent:      cfg.Controller.StepPercent,
		MinChangePercent: cfg.Controller.MinChangePercent,
		StepDwell:        cfg.Controller.StepDwell,
		IncreaseDelay:    cfg.Controller.IncreaseDelay,
		EmergencyTempC:   cfg.Thermal.CriticalC,
	}
	ctl := loop.New(sampler, tuning, machine, store, prof, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	machine.Start()
	defer machine.Stop()

	// Persist the identity whenever a session comes up, so the next run
	// skips scanning.
	go func() {
		for st := range machine.Subscribe() {
			if st.State == conn.StateReady {
				ctl.NoteIdentity(st.Identity.Family, st.Identity.Address, st.Identity.Label)
			}
		}
	}()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(machine, ctl, log)
		go func() {
			if err := server.Listen(cfg.API.Addr); err != nil {
				log.Error().Err(err).Msg("api server stopped")
			}
		}()
	}

	log.Info().Str("transport", cfg.Transport.Kind).Msg("daemon started")
	err = ctl.Run(ctx)

	// Ordered shutdown: control loop is already stopped, then the API,
	// then the connection machine via the deferred Stop.
	if server != nil {
		_ = server.Shutdown()
	}
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("daemon stopped")
		return nil
	}
	return err
}
