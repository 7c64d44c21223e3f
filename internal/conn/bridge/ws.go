// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package bridge

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
)

// WSTransport reaches a rig (typically a simulator) over a WebSocket.
type WSTransport struct {
	url   string
	label string
	log   zerolog.Logger
}

// NewWSTransport configures a WebSocket rig transport.
func NewWSTransport(url, label string, log zerolog.Logger) *WSTransport {
	return &WSTransport{
		url:   url,
		label: label,
		log:   log.With().Str("component", "bridge-ws").Logger(),
	}
}

// Scan validates the rig's fixed identity against the device table.
func (t *WSTransport) Scan(ctx context.Context, filter conn.ScanFilter) (conn.ScanHit, error) {
	if err := ctx.Err(); err != nil {
		return conn.ScanHit{}, err
	}
	return synthesizeHit(filter, t.label, t.url)
}

// Connect dials the rig and starts a framed session. Each bridge frame
// travels as one binary WebSocket message.
func (t *WSTransport) Connect(ctx context.Context, address string) (conn.Link, error) {
	wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", address, err)
	}
	return newLink(&wsStream{conn: wsConn}, t.log), nil
}

// wsStream maps bridge frames onto binary WebSocket messages, keeping
// the same [kind][len][payload] layout inside each message.
type wsStream struct {
	conn *websocket.Conn
}

func (s *wsStream) ReadFrame() (byte, []byte, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) < 2 || int(data[1]) != len(data)-2 {
			return 0, nil, fmt.Errorf("bridge: malformed ws frame of %d bytes", len(data))
		}
		return data[0], data[2:], nil
	}
}

func (s *wsStream) WriteFrame(kind byte, payload []byte) error {
	if len(payload) > 0xFF {
		return fmt.Errorf("bridge: payload of %d bytes does not fit a frame", len(payload))
	}
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, kind, byte(len(payload)))
	buf = append(buf, payload...)
	return s.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *wsStream) Close() error { return s.conn.Close() }
