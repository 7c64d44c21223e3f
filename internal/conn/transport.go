// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package conn

import (
	"context"
	"errors"

	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// ErrPermissionDenied is returned by a transport when the platform
// refuses to scan or connect. The machine surfaces it as a terminal
// status; recovery needs the external permission collaborator.
var ErrPermissionDenied = errors.New("conn: transport permission denied")

// ErrNotReady is returned for write requests while no session is open.
// Callers drop the command and act on fresher data next tick.
var ErrNotReady = errors.New("conn: no session ready")

// ScanFilter tells a transport which advertisements to accept.
// Validate runs on the transport's scan context; it must only call pure
// code and the machine's own thread-safe logging.
type ScanFilter struct {
	Validate func(localName string, serviceUUIDs []string) (cooler.DeviceIdentity, bool)
}

// ScanHit is one validated scan result.
type ScanHit struct {
	Identity cooler.DeviceIdentity
	RSSI     int16
}

// Capabilities reports which command channels a session resolved.
// Speed is mandatory for a usable session; the rest degrade gracefully.
type Capabilities struct {
	Speed  bool
	Light  bool
	Mode   bool
	Notify bool
}

// Transport reaches accessories over one medium (BLE, or a framed
// serial/WebSocket bridge on a desk rig). Scan and Connect block until
// done or until the context is cancelled; the machine runs them on
// session-tagged goroutines.
type Transport interface {
	Scan(ctx context.Context, filter ScanFilter) (ScanHit, error)
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is one established transport session. It is owned exclusively by
// the connection machine; other components only ever see the "can I
// write now" capability, never the handle.
type Link interface {
	// DiscoverChannels resolves the accessory's command channels.
	DiscoverChannels(ctx context.Context) (Capabilities, error)

	// Write sends a payload to one command channel. A failure here is
	// classified by the machine, not by the transport.
	Write(ch cooler.Channel, payload []byte) error

	// Notifications delivers accessory pushes. The channel closes when
	// the link dies.
	Notifications() <-chan cooler.Notification

	// Disconnected delivers at most one disconnect reason when the
	// transport-level link drops, then closes. A local Close closes it
	// without a reason, so watchers always unblock.
	Disconnected() <-chan DisconnectReason

	// Close tears the link down. Safe to call more than once.
	Close() error
}
