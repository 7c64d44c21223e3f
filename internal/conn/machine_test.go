// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package conn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

//////////////////////////////////////////////////////////////
// Fake transport
//////////////////////////////////////////////////////////////

type fakeLink struct {
	mu       sync.Mutex
	caps     Capabilities
	writes   []writeRecord
	writeErr error // returned once, then cleared

	notifs chan cooler.Notification
	drops  chan DisconnectReason
	closed bool
}

type writeRecord struct {
	ch      cooler.Channel
	payload []byte
}

func newFakeLink(caps Capabilities) *fakeLink {
	return &fakeLink{
		caps:   caps,
		notifs: make(chan cooler.Notification, 4),
		drops:  make(chan DisconnectReason, 1),
	}
}

func (l *fakeLink) DiscoverChannels(ctx context.Context) (Capabilities, error) {
	return l.caps, nil
}

func (l *fakeLink) Write(ch cooler.Channel, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		err := l.writeErr
		l.writeErr = nil
		return err
	}
	l.writes = append(l.writes, writeRecord{ch: ch, payload: append([]byte(nil), payload...)})
	return nil
}

func (l *fakeLink) failNextWrite(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

func (l *fakeLink) writeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.writes)
}

func (l *fakeLink) Notifications() <-chan cooler.Notification { return l.notifs }
func (l *fakeLink) Disconnected() <-chan DisconnectReason     { return l.drops }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.drops)
		close(l.notifs)
	}
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeTransport struct {
	mu sync.Mutex

	scanHit  ScanHit
	scanErr  error
	scanHold bool // block scans until the context dies

	links       []*fakeLink // one per connect, in order
	connectErrs []error     // consumed before links
	connects    []time.Time
}

func (tr *fakeTransport) Scan(ctx context.Context, filter ScanFilter) (ScanHit, error) {
	tr.mu.Lock()
	hold, hit, err := tr.scanHold, tr.scanHit, tr.scanErr
	tr.mu.Unlock()

	if hold {
		<-ctx.Done()
		return ScanHit{}, ctx.Err()
	}
	if err != nil {
		return ScanHit{}, err
	}
	// Run the machine's validation predicate the way a real transport
	// does for each advertisement.
	if id, ok := filter.Validate(hit.Identity.Label, []string{cooler.CommandServiceUUID}); ok {
		id.Address = hit.Identity.Address
		return ScanHit{Identity: id, RSSI: hit.RSSI}, nil
	}
	<-ctx.Done()
	return ScanHit{}, ctx.Err()
}

func (tr *fakeTransport) Connect(ctx context.Context, address string) (Link, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.connects = append(tr.connects, time.Now())
	if len(tr.connectErrs) > 0 {
		err := tr.connectErrs[0]
		tr.connectErrs = tr.connectErrs[1:]
		return nil, err
	}
	if len(tr.links) == 0 {
		return nil, errors.New("no link scripted")
	}
	l := tr.links[0]
	tr.links = tr.links[1:]
	return l, nil
}

func (tr *fakeTransport) connectCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.connects)
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func testOptions() Options {
	return Options{
		ScanTimeout:       200 * time.Millisecond,
		ConnectTimeout:    200 * time.Millisecond,
		BackoffFloor:      5 * time.Millisecond,
		BackoffCeiling:    40 * time.Millisecond,
		OutOfRangeWait:    80 * time.Millisecond,
		MaxAttempts:       5,
		DailyTransientCap: 10,
		WriteRate:         1000,
		WriteBurst:        10,
	}
}

func scanHitFor(name, addr string) ScanHit {
	return ScanHit{Identity: cooler.DeviceIdentity{Label: name, Address: addr}, RSSI: -40}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allCaps() Capabilities {
	return Capabilities{Speed: true, Light: true, Mode: true, Notify: true}
}

//////////////////////////////////////////////////////////////
// Tests
//////////////////////////////////////////////////////////////

func TestMachine_ScanConnectDiscoverReady(t *testing.T) {
	link := newFakeLink(allCaps())
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB:CC:DD:EE:FF"), links: []*fakeLink{link}}

	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "ready", m.Ready)

	st := m.Status()
	if st.Identity.Family != "rm5pro" {
		t.Errorf("resolved family = %q, want rm5pro", st.Identity.Family)
	}
	if st.Attempt != 0 {
		t.Errorf("attempt count after success = %d, want 0", st.Attempt)
	}
	if st.Session == "" {
		t.Error("ready status should carry a session ID")
	}

	// The machine requests manual-mode handover on its own.
	waitFor(t, "handover write", func() bool { return link.writeCount() == 1 })

	if err := m.WriteSpeed(120); err != nil {
		t.Fatalf("WriteSpeed failed: %v", err)
	}
	waitFor(t, "speed write", func() bool { return link.writeCount() == 2 })
}

func TestMachine_WriteWhileNotReady(t *testing.T) {
	tr := &fakeTransport{scanHold: true}
	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	if err := m.WriteSpeed(100); !errors.Is(err, ErrNotReady) {
		t.Errorf("write before ready = %v, want ErrNotReady", err)
	}
}

func TestMachine_TransientWriteFailureReconnects(t *testing.T) {
	link1 := newFakeLink(Capabilities{Speed: true})
	link2 := newFakeLink(Capabilities{Speed: true})
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"), links: []*fakeLink{link1, link2}}

	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "first session", m.Ready)

	link1.failNextWrite(errors.New("att write failed: link dead"))
	if err := m.WriteSpeed(90); err == nil {
		t.Fatal("write should surface the transport error")
	}

	// The dead session is torn down and replaced via the known address;
	// a second session comes up without rescanning.
	waitFor(t, "reconnect", func() bool {
		return m.Ready() && tr.connectCount() == 2
	})
	if !link1.isClosed() {
		t.Error("failed link was not closed")
	}
	if st := m.Status(); st.Attempt != 0 {
		t.Errorf("attempt count after recovery = %d, want 0", st.Attempt)
	}
}

func TestMachine_ConnectFailuresExhaustAttempts(t *testing.T) {
	tr := &fakeTransport{
		scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"),
		connectErrs: []error{
			errors.New("refused"), errors.New("refused"), errors.New("refused"),
			errors.New("refused"), errors.New("refused"),
		},
	}

	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "terminal failure", func() bool { return m.Status().State == StateFailed })
	if got := m.Status().Reason; got != FailRetriesExhausted {
		t.Errorf("fail reason = %s, want retries-exhausted", got)
	}
}

func TestMachine_ChannelMissingIsFatal(t *testing.T) {
	link := newFakeLink(Capabilities{Light: true}) // no speed channel
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"), links: []*fakeLink{link}}

	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "terminal failure", func() bool { return m.Status().State == StateFailed })
	if got := m.Status().Reason; got != FailChannelMissing {
		t.Errorf("fail reason = %s, want channel-missing", got)
	}
	if !link.isClosed() {
		t.Error("session with missing channel was not closed")
	}
	// No reconnect is attempted for a firmware mismatch.
	time.Sleep(50 * time.Millisecond)
	if tr.connectCount() != 1 {
		t.Errorf("connect attempts = %d, want 1", tr.connectCount())
	}
}

func TestMachine_PermissionDeniedIsTerminal(t *testing.T) {
	tr := &fakeTransport{scanErr: ErrPermissionDenied}
	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "terminal failure", func() bool { return m.Status().State == StateFailed })
	if got := m.Status().Reason; got != FailPermissionDenied {
		t.Errorf("fail reason = %s, want permission-denied", got)
	}
}

func TestMachine_OutOfRangeUsesLongFixedPause(t *testing.T) {
	link1 := newFakeLink(Capabilities{Speed: true})
	link2 := newFakeLink(Capabilities{Speed: true})
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"), links: []*fakeLink{link1, link2}}

	opts := testOptions()
	m := NewMachine(tr, opts, zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "first session", m.Ready)

	dropped := time.Now()
	link1.drops <- DisconnectReason{Code: 8} // supervision timeout: walked away

	waitFor(t, "reconnect", func() bool { return tr.connectCount() == 2 })
	elapsed := time.Since(dropped)
	if elapsed < opts.OutOfRangeWait {
		t.Errorf("reconnect after %s, want no sooner than the %s out-of-range pause", elapsed, opts.OutOfRangeWait)
	}
}

func TestMachine_DailyCapTripsTerminalFailure(t *testing.T) {
	links := []*fakeLink{
		newFakeLink(Capabilities{Speed: true}),
		newFakeLink(Capabilities{Speed: true}),
		newFakeLink(Capabilities{Speed: true}),
	}
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"), links: links}

	opts := testOptions()
	opts.DailyTransientCap = 2
	m := NewMachine(tr, opts, zerolog.Nop())
	m.Start()
	defer m.Stop()

	for i := 0; i < 2; i++ {
		waitFor(t, "session up", m.Ready)
		links[i].drops <- DisconnectReason{Code: 133, Err: errors.New("gatt error")}
		waitFor(t, "session down", func() bool { return !m.Ready() })
	}

	waitFor(t, "session up", m.Ready)
	links[2].drops <- DisconnectReason{Code: 133, Err: errors.New("gatt error")}

	waitFor(t, "daily cap failure", func() bool { return m.Status().State == StateFailed })
	if got := m.Status().Reason; got != FailDailyCapExceeded {
		t.Errorf("fail reason = %s, want daily-cap-exceeded", got)
	}
}

func TestMachine_StopDuringScanAppliesNothingAfter(t *testing.T) {
	tr := &fakeTransport{scanHold: true}
	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()

	waitFor(t, "scanning", func() bool { return m.Status().State == StateScanning })
	m.Stop()

	// Stop has returned: the machine reports stopped and no late scan
	// completion may change that.
	if got := m.Status().State; got != StateIdle {
		t.Fatalf("state after stop = %s, want idle", got)
	}
	time.Sleep(50 * time.Millisecond)
	if got := m.Status().State; got != StateIdle {
		t.Errorf("late callback applied after stop: state = %s", got)
	}
}

func TestMachine_StopClosesSubscribers(t *testing.T) {
	tr := &fakeTransport{scanHold: true}
	m := NewMachine(tr, testOptions(), zerolog.Nop())
	sub := m.Subscribe()
	m.Start()

	waitFor(t, "scanning", func() bool { return m.Status().State == StateScanning })
	m.Stop()

	// Drain buffered snapshots; the channel must end, not block a
	// consumer forever.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				// Late subscribers get an already-closed channel.
				if _, open := <-m.Subscribe(); open {
					t.Error("subscription after Stop delivered a status")
				}
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed by Stop")
		}
	}
}

func TestMachine_NotificationsForwarded(t *testing.T) {
	link := newFakeLink(allCaps())
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"), links: []*fakeLink{link}}

	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "ready", m.Ready)

	link.notifs <- cooler.Notification{Kind: cooler.NotifyTemperature, TempC: 43.5}
	select {
	case n := <-m.Notifications():
		if n.TempC != 43.5 {
			t.Errorf("forwarded temp = %.1f, want 43.5", n.TempC)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}
}

func TestMachine_LightWriteNeedsCapability(t *testing.T) {
	link := newFakeLink(Capabilities{Speed: true}) // light channel absent
	tr := &fakeTransport{scanHit: scanHitFor("RedMagic 5 Pro", "AA:BB"), links: []*fakeLink{link}}

	m := NewMachine(tr, testOptions(), zerolog.Nop())
	m.Start()
	defer m.Stop()

	waitFor(t, "ready", m.Ready)

	if err := m.WriteLight([4]byte{1, 2, 3, 4}); !errors.Is(err, ErrChannelUnavailable) {
		t.Errorf("light write without capability = %v, want ErrChannelUnavailable", err)
	}
	// The session survives: capability degradation is not an error.
	if !m.Ready() {
		t.Error("session dropped by an unavailable-channel write")
	}
}
