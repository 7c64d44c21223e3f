// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Hitomatito

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/config"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/internal/profile"
)

// openSession brings up a connection machine for a one-shot command and
// blocks until a session is ready. The returned closer stops the
// machine; callers must invoke it.
func openSession(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*conn.Machine, func(), error) {
	store, err := profile.NewStore(cfg.Profile.Path, log)
	if err != nil {
		return nil, nil, err
	}
	prof, err := store.Load()
	if err != nil {
		return nil, nil, err
	}

	address := cfg.Device.Address
	if address == "" && prof.Address != "" && (cfg.Device.Family == "" || cfg.Device.Family == prof.Family) {
		address = prof.Address
	}

	transport, err := buildTransport(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	opts, err := machineOptions(cfg, address)
	if err != nil {
		return nil, nil, err
	}

	machine := conn.NewMachine(transport, opts, log)
	sub := machine.Subscribe()
	machine.Start()
	closer := func() { machine.Stop() }

	// One scan plus one connect attempt, with slack for discovery.
	deadline := cfg.Connectivity.ScanTimeout + cfg.Connectivity.ConnectTimeout + 10*time.Second
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		select {
		case st, ok := <-sub:
			if !ok {
				closer()
				return nil, nil, fmt.Errorf("connection stopped before a session was ready")
			}
			switch st.State {
			case conn.StateReady:
				return machine, closer, nil
			case conn.StateFailed:
				closer()
				return nil, nil, fmt.Errorf("connection failed: %s", st.Reason)
			}
		case <-waitCtx.Done():
			closer()
			return nil, nil, fmt.Errorf("no session within %s", deadline)
		}
	}
}
