// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.bug.st/serial"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
)

// SerialTransport reaches a rig over a serial port.
type SerialTransport struct {
	port  string
	baud  int
	label string
	log   zerolog.Logger
}

// NewSerialTransport configures a serial rig transport. The label is
// the rig's claimed device name; it goes through the same advertisement
// validation as a real scan hit.
func NewSerialTransport(port string, baud int, label string, log zerolog.Logger) *SerialTransport {
	return &SerialTransport{
		port:  port,
		baud:  baud,
		label: label,
		log:   log.With().Str("component", "bridge-serial").Logger(),
	}
}

// Scan validates the rig's fixed identity. There is no radio search; a
// serial rig is "found" iff its label passes device validation.
func (t *SerialTransport) Scan(ctx context.Context, filter conn.ScanFilter) (conn.ScanHit, error) {
	if err := ctx.Err(); err != nil {
		return conn.ScanHit{}, err
	}
	return synthesizeHit(filter, t.label, t.port)
}

// Connect opens the port and starts a framed session.
func (t *SerialTransport) Connect(ctx context.Context, address string) (conn.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := serial.Open(address, &serial.Mode{BaudRate: t.baud})
	if err != nil {
		return nil, fmt.Errorf("bridge: open %s: %w", address, err)
	}
	return newLink(newByteStream(port), t.log), nil
}
