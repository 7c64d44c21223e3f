// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package ble adapts a Bluetooth LE adapter to the connection machine's
// transport interface.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// Transport drives the platform BLE adapter. One Transport serves the
// whole process; links are created per session by the machine.
type Transport struct {
	adapter *bluetooth.Adapter
	log     zerolog.Logger

	mu      sync.Mutex
	enabled bool
	active  *link // receives adapter-level disconnect callbacks
}

// NewTransport wraps the default platform adapter.
func NewTransport(log zerolog.Logger) *Transport {
	return &Transport{
		adapter: bluetooth.DefaultAdapter,
		log:     log.With().Str("component", "ble").Logger(),
	}
}

// enable powers the adapter on once and installs the connect handler.
// A refusal here is a platform/capability denial, not a link fault.
func (t *Transport) enable() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		return nil
	}
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", conn.ErrPermissionDenied, err)
	}
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		t.mu.Lock()
		active := t.active
		t.mu.Unlock()
		if active != nil {
			active.dropped(conn.DisconnectReason{
				// The platform stack does not surface HCI status codes;
				// treat adapter-reported drops as transient faults.
				Code: 133,
				Err:  fmt.Errorf("ble: adapter reported disconnect"),
			})
		}
	})
	t.enabled = true
	return nil
}

// Scan searches advertisements until the filter validates one or the
// context ends.
func (t *Transport) Scan(ctx context.Context, filter conn.ScanFilter) (conn.ScanHit, error) {
	if err := t.enable(); err != nil {
		return conn.ScanHit{}, err
	}

	hits := make(chan conn.ScanHit, 1)
	errs := make(chan error, 1)

	go func() {
		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			var advertised []string
			if uuid, parseErr := bluetooth.ParseUUID(cooler.CommandServiceUUID); parseErr == nil {
				if result.AdvertisementPayload.HasServiceUUID(uuid) {
					advertised = []string{cooler.CommandServiceUUID}
				}
			}

			identity, ok := filter.Validate(result.LocalName(), advertised)
			if !ok {
				return
			}
			identity.Address = result.Address.String()
			adapter.StopScan()
			select {
			case hits <- conn.ScanHit{Identity: identity, RSSI: result.RSSI}:
			default:
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	select {
	case hit := <-hits:
		return hit, nil
	case err := <-errs:
		return conn.ScanHit{}, fmt.Errorf("ble scan: %w", err)
	case <-ctx.Done():
		t.adapter.StopScan()
		return conn.ScanHit{}, ctx.Err()
	}
}

// Connect establishes a session with a known address.
func (t *Transport) Connect(ctx context.Context, address string) (conn.Link, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(address))
	if err != nil {
		return nil, fmt.Errorf("ble: bad address %q: %w", address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	type result struct {
		device bluetooth.Device
		err    error
	}
	results := make(chan result, 1)
	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
		results <- result{device: device, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("ble connect: %w", r.err)
		}
		l := newLink(r.device, t.log)
		t.mu.Lock()
		t.active = l
		t.mu.Unlock()
		return l, nil
	case <-ctx.Done():
		// The eventual completion is orphaned; if it succeeds the
		// device is dropped right away.
		go func() {
			if r := <-results; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

// link is one connected BLE session.
type link struct {
	device bluetooth.Device
	log    zerolog.Logger

	speedChar  bluetooth.DeviceCharacteristic
	lightChar  bluetooth.DeviceCharacteristic
	modeChar   bluetooth.DeviceCharacteristic
	notifyChar bluetooth.DeviceCharacteristic
	caps       conn.Capabilities

	notifs chan cooler.Notification
	drops  chan conn.DisconnectReason

	mu     sync.Mutex
	closed bool
}

func newLink(device bluetooth.Device, log zerolog.Logger) *link {
	return &link{
		device: device,
		log:    log,
		notifs: make(chan cooler.Notification, 16),
		drops:  make(chan conn.DisconnectReason, 1),
	}
}

// DiscoverChannels resolves the command service and its characteristics.
// Only the speed channel is required; the rest degrade capability.
func (l *link) DiscoverChannels(ctx context.Context) (conn.Capabilities, error) {
	serviceUUID, _ := bluetooth.ParseUUID(cooler.CommandServiceUUID)

	type result struct {
		caps conn.Capabilities
		err  error
	}
	results := make(chan result, 1)
	go func() {
		services, err := l.device.DiscoverServices([]bluetooth.UUID{serviceUUID})
		if err != nil {
			results <- result{err: fmt.Errorf("discover services: %w", err)}
			return
		}
		if len(services) == 0 {
			// No command service at all: report empty capabilities and
			// let the machine classify the missing speed channel.
			results <- result{}
			return
		}

		chars, err := services[0].DiscoverCharacteristics(nil)
		if err != nil {
			results <- result{err: fmt.Errorf("discover characteristics: %w", err)}
			return
		}

		var caps conn.Capabilities
		for _, c := range chars {
			switch strings.ToLower(c.UUID().String()) {
			case cooler.SpeedCharUUID:
				l.speedChar, caps.Speed = c, true
			case cooler.LightCharUUID:
				l.lightChar, caps.Light = c, true
			case cooler.ModeCharUUID:
				l.modeChar, caps.Mode = c, true
			case cooler.NotifyCharUUID:
				l.notifyChar, caps.Notify = c, true
			}
		}
		results <- result{caps: caps}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return conn.Capabilities{}, r.err
		}
		l.caps = r.caps
		if r.caps.Notify {
			l.subscribeNotifications()
		}
		return r.caps, nil
	case <-ctx.Done():
		return conn.Capabilities{}, ctx.Err()
	}
}

func (l *link) subscribeNotifications() {
	err := l.notifyChar.EnableNotifications(func(buf []byte) {
		n, err := cooler.ParseNotification(buf)
		if err != nil {
			l.log.Debug().Err(err).Msg("dropping unparseable notification")
			return
		}
		// The stack may deliver a late callback while the link closes
		// under it.
		l.mu.Lock()
		if !l.closed {
			select {
			case l.notifs <- n:
			default:
			}
		}
		l.mu.Unlock()
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("notification subscribe failed")
	}
}

// Write sends a payload to one command channel.
func (l *link) Write(ch cooler.Channel, payload []byte) error {
	var char bluetooth.DeviceCharacteristic
	switch ch {
	case cooler.ChannelSpeed:
		char = l.speedChar
	case cooler.ChannelLight:
		char = l.lightChar
	case cooler.ChannelMode:
		char = l.modeChar
	default:
		return fmt.Errorf("ble: channel %s is not writable", ch)
	}
	if _, err := char.WriteWithoutResponse(payload); err != nil {
		return fmt.Errorf("ble write %s: %w", ch, err)
	}
	return nil
}

func (l *link) Notifications() <-chan cooler.Notification { return l.notifs }
func (l *link) Disconnected() <-chan conn.DisconnectReason {
	return l.drops
}

// dropped delivers the adapter's disconnect callback, once. The drops
// channel is closed after the reason so watchers can range over it.
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
	return l.device.Disconnect()
}
