// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package bridge implements transports for desk rigs that proxy an
// accessory (or simulate one) over a framed serial or WebSocket stream.
// The frame protocol mirrors the accessory's GATT channels so the
// connection machine drives a rig exactly like a real dock.
package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// Frame kinds on the bridge wire. Host to rig: hello and the three
// command channels. Rig to host: caps, notify, and bye.
const (
	frameHello  = 0xF0 // host requests the capability mask
	frameCaps   = 0xF1 // rig answers with a 1-byte mask
	frameSpeed  = 0x01
	frameLight  = 0x02
	frameMode   = 0x03
	frameNotify = 0xA0 // payload is a raw accessory notification
	frameBye    = 0xFD // payload is a 1-byte disconnect code
)

// Capability mask bits carried in a frameCaps payload.
const (
	capSpeed  = 1 << 0
	capLight  = 1 << 1
	capMode   = 1 << 2
	capNotify = 1 << 3
)

// streamClosedCode classifies an unannounced stream failure. It is a
// transient fault to the machine, like any other unexplained drop.
const streamClosedCode = 133

// stream is one framed duplex connection to a rig. Implementations
// frame over a raw byte stream (serial) or map frames onto messages
// (WebSocket). ReadFrame blocks; Close must unblock it.
type stream interface {
	ReadFrame() (kind byte, payload []byte, err error)
	WriteFrame(kind byte, payload []byte) error
	Close() error
}

// byteStream frames over an io.ReadWriteCloser as [kind][len][payload].
type byteStream struct {
	rw io.ReadWriteCloser
}

func newByteStream(rw io.ReadWriteCloser) *byteStream {
	return &byteStream{rw: rw}
}

func (s *byteStream) ReadFrame() (byte, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(s.rw, header[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, header[1])
	if _, err := io.ReadFull(s.rw, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

func (s *byteStream) WriteFrame(kind byte, payload []byte) error {
	if len(payload) > 0xFF {
		return fmt.Errorf("bridge: payload of %d bytes does not fit a frame", len(payload))
	}
	buf := make([]byte, 0, 2+len(payload))
	buf = append(buf, kind, byte(len(payload)))
	buf = append(buf, payload...)
	_, err := s.rw.Write(buf)
	return err
}

func (s *byteStream) Close() error { return s.rw.Close() }

// link is one established rig session over any stream.
type link struct {
	stream stream
	log    zerolog.Logger

	caps    chan conn.Capabilities
	notifs  chan cooler.Notification
	drops   chan conn.DisconnectReason

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func newLink(s stream, log zerolog.Logger) *link {
	l := &link{
		stream: s,
		log:    log,
		caps:   make(chan conn.Capabilities, 1),
		notifs: make(chan cooler.Notification, 16),
		drops:  make(chan conn.DisconnectReason, 1),
	}
	go l.readLoop()
	return l
}

// readLoop owns the stream's read side and routes rig frames.
func (l *link) readLoop() {
	for {
		kind, payload, err := l.stream.ReadFrame()
		if err != nil {
			l.dropped(conn.DisconnectReason{
				Code: streamClosedCode,
				Err:  fmt.Errorf("bridge stream: %w", err),
			})
			return
		}
		switch kind {
		case frameCaps:
			if len(payload) != 1 {
				l.log.Debug().Int("len", len(payload)).Msg("dropping malformed caps frame")
				continue
			}
			mask := payload[0]
			select {
			case l.caps <- conn.Capabilities{
				Speed:  mask&capSpeed != 0,
				Light:  mask&capLight != 0,
				Mode:   mask&capMode != 0,
				Notify: mask&capNotify != 0,
			}:
			default:
			}
		case frameNotify:
			n, err := cooler.ParseNotification(payload)
			if err != nil {
				l.log.Debug().Err(err).Msg("dropping unparseable notification")
				continue
			}
			l.pushNotification(n)
		case frameBye:
			var code int
			if len(payload) == 1 {
				code = int(payload[0])
			}
			reason := conn.DisconnectReason{Code: code}
			if code != 0 {
				// Code 0 is an intentional close and must classify as one.
				reason.Err = fmt.Errorf("bridge: rig announced disconnect code %d", code)
			}
			l.dropped(reason)
			return
		default:
			l.log.Debug().Uint8("kind", kind).Msg("dropping unknown frame")
		}
	}
}

// pushNotification delivers a parsed notify frame unless the link has
// already been closed under it.
func (l *link) pushNotification(n cooler.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.notifs <- n:
	default:
	}
}

// DiscoverChannels performs the hello/caps handshake.
func (l *link) DiscoverChannels(ctx context.Context) (conn.Capabilities, error) {
	if err := l.writeFrame(frameHello, nil); err != nil {
		return conn.Capabilities{}, fmt.Errorf("bridge hello: %w", err)
	}
	select {
	case caps := <-l.caps:
		return caps, nil
	case reason, ok := <-l.drops:
		// No disconnect watcher exists before the session is ready, so
		// the reason is consumed here rather than re-queued.
		if ok && reason.Err != nil {
			return conn.Capabilities{}, fmt.Errorf("bridge: stream dropped during handshake: %w", reason.Err)
		}
		return conn.Capabilities{}, fmt.Errorf("bridge: stream closed during handshake")
	case <-ctx.Done():
		return conn.Capabilities{}, ctx.Err()
	}
}

// Write sends a payload to one command channel.
func (l *link) Write(ch cooler.Channel, payload []byte) error {
	var kind byte
	switch ch {
	case cooler.ChannelSpeed:
		kind = frameSpeed
	case cooler.ChannelLight:
		kind = frameLight
	case cooler.ChannelMode:
		kind = frameMode
	default:
		return fmt.Errorf("bridge: channel %s is not writable", ch)
	}
	if err := l.writeFrame(kind, payload); err != nil {
		return fmt.Errorf("bridge write %s: %w", ch, err)
	}
	return nil
}

func (l *link) writeFrame(kind byte, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.stream.WriteFrame(kind, payload)
}

func (l *link) Notifications() <-chan cooler.Notification { return l.notifs }
func (l *link) Disconnected() <-chan conn.DisconnectReason {
	return l.drops
}

// dropped delivers a rig or stream disconnect, once. The drops channel
// is closed after the reason so watchers can range over it.
func (l *link) dropped(reason conn.DisconnectReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.drops <- reason
	close(l.drops)
	close(l.notifs)
	_ = l.stream.Close()
}

// Close tears the session down locally and closes both channel handles,
// so a watcher blocked on Disconnected sees end-of-stream instead of
// hanging. Safe to call more than once.
func (l *link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.notifs)
	close(l.drops)
	l.mu.Unlock()
	return l.stream.Close()
}

// synthesizeHit runs the machine's validation against a rig's fixed
// identity. A rig does not advertise; it carries the command service by
// construction, so validation hinges on the configured label.
func synthesizeHit(filter conn.ScanFilter, label, address string) (conn.ScanHit, error) {
	identity, ok := filter.Validate(label, []string{cooler.CommandServiceUUID})
	if !ok {
		return conn.ScanHit{}, fmt.Errorf("bridge: rig label %q rejected by device validation", label)
	}
	identity.Address = address
	return conn.ScanHit{Identity: identity}, nil
}
