// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/internal/conn"
	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

func pipeLink(t *testing.T) (*link, *byteStream) {
	t.Helper()
	host, rig := net.Pipe()
	l := newLink(newByteStream(host), zerolog.Nop())
	t.Cleanup(func() { _ = l.Close() })
	return l, newByteStream(rig)
}

func TestByteStream_FrameRoundtrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	sa, sb := newByteStream(a), newByteStream(b)

	go func() {
		_ = sa.WriteFrame(frameLight, []byte{0x03, 0xFF, 0x00, 0x80})
	}()

	kind, payload, err := sb.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != frameLight {
		t.Errorf("kind = 0x%02X, want 0x%02X", kind, frameLight)
	}
	if len(payload) != 4 || payload[0] != 0x03 || payload[3] != 0x80 {
		t.Errorf("payload = %v, want [3 255 0 128]", payload)
	}
}

func TestLink_HandshakeAndWrite(t *testing.T) {
	l, rig := pipeLink(t)

	// Rig side: answer hello with a caps mask, then expect a speed frame.
	type received struct {
		kind    byte
		payload []byte
	}
	got := make(chan received, 1)
	go func() {
		kind, _, err := rig.ReadFrame()
		if err != nil || kind != frameHello {
			return
		}
		_ = rig.WriteFrame(frameCaps, []byte{capSpeed | capMode | capNotify})
		kind, payload, err := rig.ReadFrame()
		if err != nil {
			return
		}
		got <- received{kind: kind, payload: payload}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	caps, err := l.DiscoverChannels(ctx)
	if err != nil {
		t.Fatalf("DiscoverChannels: %v", err)
	}
	if !caps.Speed || caps.Light || !caps.Mode || !caps.Notify {
		t.Errorf("caps = %+v, want speed+mode+notify without light", caps)
	}

	if err := l.Write(cooler.ChannelSpeed, []byte{cooler.EncodeSpeed(50)}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case r := <-got:
		if r.kind != frameSpeed {
			t.Errorf("rig saw kind 0x%02X, want 0x%02X", r.kind, frameSpeed)
		}
		if len(r.payload) != 1 || r.payload[0] != cooler.EncodeSpeed(50) {
			t.Errorf("rig saw payload %v, want [%d]", r.payload, cooler.EncodeSpeed(50))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rig never received the speed frame")
	}
}

func TestLink_RoutesNotifications(t *testing.T) {
	l, rig := pipeLink(t)

	go func() {
		_ = rig.WriteFrame(frameNotify, []byte{0xA1, 43, 5})
	}()

	select {
	case n := <-l.Notifications():
		if n.Kind != cooler.NotifyTemperature {
			t.Errorf("kind = %v, want temperature", n.Kind)
		}
		if n.TempC != 43.5 {
			t.Errorf("TempC = %v, want 43.5", n.TempC)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never delivered")
	}
}

func TestLink_ByeCarriesDisconnectCode(t *testing.T) {
	l, rig := pipeLink(t)

	go func() {
		_ = rig.WriteFrame(frameBye, []byte{8})
	}()

	select {
	case reason := <-l.Disconnected():
		if reason.Code != 8 {
			t.Errorf("code = %d, want 8", reason.Code)
		}
		if conn.Classify(reason) != conn.DisconnectOutOfRange {
			t.Errorf("classified %v, want out-of-range", conn.Classify(reason))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never delivered")
	}

	// The notification channel closes with the link.
	select {
	case _, ok := <-l.Notifications():
		if ok {
			t.Error("unexpected notification after bye")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification channel not closed after bye")
	}
}

func TestLink_CloseReleasesDisconnectWatcher(t *testing.T) {
	host, rigConn := net.Pipe()
	defer rigConn.Close()
	l := newLink(newByteStream(host), zerolog.Nop())

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A local close ends the channel without a reason; anyone ranging
	// over it must unblock.
	select {
	case _, ok := <-l.Disconnected():
		if ok {
			t.Error("local close delivered a disconnect reason, want plain close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected not closed after local Close")
	}

	// Close stays idempotent after the channels are gone.
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLink_ByeClosesDisconnectedAfterReason(t *testing.T) {
	l, rig := pipeLink(t)

	go func() {
		_ = rig.WriteFrame(frameBye, []byte{62})
	}()

	select {
	case reason, ok := <-l.Disconnected():
		if !ok || reason.Code != 62 {
			t.Fatalf("reason = %+v ok=%v, want code 62 delivered", reason, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never delivered")
	}

	select {
	case _, ok := <-l.Disconnected():
		if ok {
			t.Error("second receive delivered a reason, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected not closed after the reason")
	}
}

func TestLink_StreamErrorIsTransientDrop(t *testing.T) {
	host, rigConn := net.Pipe()
	l := newLink(newByteStream(host), zerolog.Nop())
	defer l.Close()

	_ = rigConn.Close()

	select {
	case reason := <-l.Disconnected():
		if conn.Classify(reason) != conn.DisconnectTransient {
			t.Errorf("classified %v, want transient", conn.Classify(reason))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never delivered")
	}
}

func TestSynthesizeHit(t *testing.T) {
	anyKnown := conn.ScanFilter{
		Validate: func(name string, uuids []string) (cooler.DeviceIdentity, bool) {
			f, ok := cooler.MatchAnyFamily(name, uuids)
			if !ok {
				return cooler.DeviceIdentity{}, false
			}
			return cooler.DeviceIdentity{Family: f.Tag, Label: name}, true
		},
	}

	hit, err := synthesizeHit(anyKnown, "RedMagic 5 Pro Rig", "/dev/ttyUSB0")
	if err != nil {
		t.Fatalf("synthesizeHit: %v", err)
	}
	if hit.Identity.Family != "rm5pro" {
		t.Errorf("family = %q, want rm5pro", hit.Identity.Family)
	}
	if hit.Identity.Address != "/dev/ttyUSB0" {
		t.Errorf("address = %q, want the port path", hit.Identity.Address)
	}

	// A name-only filter rejects a label without vendor markers even
	// though the rig carries the command service by construction.
	rm5, _ := cooler.FamilyByTag("rm5pro")
	nameOnly := conn.ScanFilter{
		Validate: func(name string, _ []string) (cooler.DeviceIdentity, bool) {
			if !cooler.MatchAdvertisement(name, nil, rm5) {
				return cooler.DeviceIdentity{}, false
			}
			return cooler.DeviceIdentity{Family: rm5.Tag, Label: name}, true
		},
	}
	if _, err := synthesizeHit(nameOnly, "Desk Rig", "/dev/ttyUSB0"); err == nil {
		t.Error("unlabeled rig should be rejected by a name-only filter")
	}
}
