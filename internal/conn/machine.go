// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"
)

// ErrThrottled is returned when a write is dropped by the rate limiter.
// The next tick acts on fresher data, so dropped writes are not queued.
var ErrThrottled = errors.New("conn: write rate exceeded")

// ErrChannelUnavailable is returned for writes to a channel the session
// did not resolve.
var ErrChannelUnavailable = errors.New("conn: channel not resolved on this session")

// Options configure the connection machine.
type Options struct {
	// Family restricts scanning to one known generation; a zero Tag
	// accepts any family in the table.
	Family cooler.Family
	// Address enables the direct-connect fast path for return visits.
	Address string

	ScanTimeout    time.Duration
	ConnectTimeout time.Duration

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	OutOfRangeWait time.Duration
	MaxAttempts    int

	DailyTransientCap int

	WriteRate  float64
	WriteBurst int
}

type eventKind uint8

const (
	evScanDone eventKind = iota
	evConnectDone
	evDiscoverDone
	evLinkDown
	evNotify
	evBackoffFired
)

// event is one tagged message into the machine loop. gen binds it to the
// session attempt that produced it.
type event struct {
	gen  uint64
	kind eventKind

	hit    ScanHit
	link   Link
	caps   Capabilities
	err    error
	reason DisconnectReason
	notif  cooler.Notification
}

type writeReq struct {
	ch      cooler.Channel
	payload []byte
	reply   chan error
}

// Machine drives the connection lifecycle. One goroutine owns every
// mutable field below the "loop-owned" marker; the public API only
// exchanges messages with it or reads the published status snapshot.
type Machine struct {
	opts      Options
	transport Transport
	log       zerolog.Logger
	limiter   *rate.Limiter

	events chan event
	reqs   chan writeReq
	quit   chan struct{}
	done   chan struct{}

	// loop-owned state
	state        State
	reason       FailReason
	gen          uint64
	sessionID    string
	identity     cooler.DeviceIdentity
	link         Link
	caps         Capabilities
	policy       *reconnectPolicy
	daily        *dailyCounter
	cancelOp     context.CancelFunc
	backoffTimer *time.Timer
	scanDedup    *ttlSet

	mu     sync.RWMutex
	status Status
	subs   []chan Status

	notifs chan cooler.Notification
}

// NewMachine builds a machine over the given transport. Start begins the
// lifecycle; nothing happens before that.
func NewMachine(transport Transport, opts Options, log zerolog.Logger) *Machine {
	return &Machine{
		opts:      opts,
		transport: transport,
		log:       log.With().Str("component", "conn").Logger(),
		limiter:   rate.NewLimiter(rate.Limit(opts.WriteRate), opts.WriteBurst),
		events:    make(chan event, 16),
		reqs:      make(chan writeReq),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		policy:    newReconnectPolicy(opts.BackoffFloor, opts.BackoffCeiling, opts.MaxAttempts),
		daily:     newDailyCounter(opts.DailyTransientCap),
		scanDedup: newTTLSet(5*time.Minute, 128),
		notifs:    make(chan cooler.Notification, 16),
	}
}

// Start launches the machine loop and the first session attempt.
func (m *Machine) Start() {
	go m.run()
}

// Stop tears the machine down in order: pending timers, in-flight
// scan/connect, the transport link, then the channel handles. It blocks
// until the loop has exited, after which no callback can be applied.
func (m *Machine) Stop() {
	close(m.quit)
	<-m.done
}

// Status returns the latest published snapshot.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Ready reports whether a session is open for writes.
func (m *Machine) Ready() bool {
	return m.Status().State == StateReady
}

// Subscribe returns a channel of status snapshots, closed when the
// machine stops. Slow consumers miss intermediate updates rather than
// blocking the machine.
func (m *Machine) Subscribe() <-chan Status {
	ch := make(chan Status, 8)
	select {
	case <-m.done:
		close(ch)
		return ch
	default:
	}
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Notifications delivers accessory pushes (live temperature, speed
// echoes) from the current session.
func (m *Machine) Notifications() <-chan cooler.Notification {
	return m.notifs
}

// WriteSpeed sends a raw speed byte to the accessory.
func (m *Machine) WriteSpeed(raw byte) error {
	return m.write(cooler.ChannelSpeed, []byte{raw})
}

// WriteLight sends a light payload to the accessory.
func (m *Machine) WriteLight(p [4]byte) error {
	return m.write(cooler.ChannelLight, p[:])
}

// WriteMode sends a mode byte to the accessory.
func (m *Machine) WriteMode(b byte) error {
	return m.write(cooler.ChannelMode, []byte{b})
}

func (m *Machine) write(ch cooler.Channel, payload []byte) error {
	req := writeReq{ch: ch, payload: payload, reply: make(chan error, 1)}
	select {
	case m.reqs <- req:
		return <-req.reply
	case <-m.done:
		return ErrNotReady
	}
}

//////////////////////////////////////////////////////////////
// Machine loop
//////////////////////////////////////////////////////////////

func (m *Machine) run() {
	defer close(m.done)

	if m.opts.Address != "" {
		m.identity.Address = m.opts.Address
		m.identity.Family = m.opts.Family.Tag
		m.enterConnecting()
	} else {
		m.enterScanning()
	}

	for {
		select {
		case <-m.quit:
			m.teardown()
			return
		case ev := <-m.events:
			if ev.gen != m.gen {
				m.log.Debug().Uint64("event_gen", ev.gen).Uint64("gen", m.gen).Msg("discarding stale session event")
				continue
			}
			m.handle(ev)
		case req := <-m.reqs:
			req.reply <- m.handleWrite(req)
		}
	}
}

func (m *Machine) handle(ev event) {
	switch ev.kind {
	case evScanDone:
		m.handleScanDone(ev)
	case evConnectDone:
		m.handleConnectDone(ev)
	case evDiscoverDone:
		m.handleDiscoverDone(ev)
	case evLinkDown:
		m.handleLinkDown(ev.reason)
	case evNotify:
		select {
		case m.notifs <- ev.notif:
		default:
		}
	case evBackoffFired:
		if m.identity.Address != "" {
			m.enterConnecting()
		} else {
			m.enterScanning()
		}
	}
}

func (m *Machine) enterScanning() {
	m.gen++
	m.setState(StateScanning, FailNone)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ScanTimeout)
	m.cancelOp = cancel

	filter := ScanFilter{Validate: m.validateAdvertisement}
	gen := m.gen
	go func() {
		hit, err := m.transport.Scan(ctx, filter)
		m.post(event{gen: gen, kind: evScanDone, hit: hit, err: err})
	}()
}

func (m *Machine) handleScanDone(ev event) {
	m.clearOp()

	switch {
	case ev.err == nil:
		m.identity = ev.hit.Identity
		m.log.Info().
			Str("address", m.identity.Address).
			Str("family", m.identity.Family).
			Str("name", m.identity.Label).
			Int16("rssi", ev.hit.RSSI).
			Msg("accessory found")
		m.enterConnecting()

	case errors.Is(ev.err, ErrPermissionDenied):
		m.fail(FailPermissionDenied)

	default:
		m.log.Warn().Err(ev.err).Int("attempt", m.policy.attemptCount+1).Msg("scan ended without a match")
		m.enterBackoff(m.opts.BackoffFloor, true, FailNotFound)
	}
}

func (m *Machine) enterConnecting() {
	m.gen++
	m.sessionID = uuid.NewString()
	m.setState(StateConnecting, FailNone)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelOp = cancel

	gen := m.gen
	addr := m.identity.Address
	go func() {
		link, err := m.transport.Connect(ctx, addr)
		m.post(event{gen: gen, kind: evConnectDone, link: link, err: err})
	}()
}

func (m *Machine) handleConnectDone(ev event) {
	m.clearOp()

	if ev.err != nil {
		if errors.Is(ev.err, ErrPermissionDenied) {
			m.fail(FailPermissionDenied)
			return
		}
		m.log.Warn().Err(ev.err).Str("address", m.identity.Address).Msg("connect failed")
		m.enterBackoff(m.policy.next(), false, FailRetriesExhausted)
		return
	}

	m.link = ev.link
	m.setState(StateDiscovering, FailNone)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancelOp = cancel

	gen := m.gen
	link := ev.link
	go func() {
		caps, err := link.DiscoverChannels(ctx)
		m.post(event{gen: gen, kind: evDiscoverDone, caps: caps, err: err})
	}()
}

func (m *Machine) handleDiscoverDone(ev event) {
	m.clearOp()

	if ev.err != nil {
		m.log.Warn().Err(ev.err).Msg("channel discovery failed")
		m.closeSession()
		m.enterBackoff(m.policy.next(), false, FailRetriesExhausted)
		return
	}
	if !ev.caps.Speed {
		// Wrong accessory or firmware mismatch. Not worth retrying at
		// this layer; a new user-initiated selection is required.
		m.log.Error().Msg("speed channel missing after discovery")
		m.fail(FailChannelMissing)
		return
	}

	m.caps = ev.caps
	m.enterReady()
}

func (m *Machine) enterReady() {
	m.policy.reset()

	gen := m.gen
	link := m.link
	go func() {
		for reason := range link.Disconnected() {
			m.post(event{gen: gen, kind: evLinkDown, reason: reason})
			return
		}
		// Channel closed without a reason: local close.
		m.post(event{gen: gen, kind: evLinkDown, reason: DisconnectReason{}})
	}()
	go func() {
		for n := range link.Notifications() {
			m.post(event{gen: gen, kind: evNotify, notif: n})
		}
	}()

	// Ask the accessory to hand fan control over to us.
	if m.caps.Mode {
		if err := m.link.Write(cooler.ChannelMode, []byte{cooler.ModeManualHandover}); err != nil {
			m.log.Warn().Err(err).Msg("manual-mode handover write failed")
			m.onTransientDrop(DisconnectReason{Err: err})
			return
		}
	}

	m.log.Info().
		Str("session", m.sessionID).
		Str("address", m.identity.Address).
		Bool("light", m.caps.Light).
		Bool("mode", m.caps.Mode).
		Bool("notify", m.caps.Notify).
		Msg("session ready")
	m.setState(StateReady, FailNone)
}

func (m *Machine) handleWrite(req writeReq) error {
	if m.state != StateReady {
		return ErrNotReady
	}
	switch req.ch {
	case cooler.ChannelLight:
		if !m.caps.Light {
			return ErrChannelUnavailable
		}
	case cooler.ChannelMode:
		if !m.caps.Mode {
			return ErrChannelUnavailable
		}
	}
	if !m.limiter.Allow() {
		return ErrThrottled
	}

	if err := m.link.Write(req.ch, req.payload); err != nil {
		m.log.Warn().Err(err).Str("channel", req.ch.String()).Msg("write failed, dropping session")
		m.onTransientDrop(DisconnectReason{Err: err})
		return err
	}
	return nil
}

func (m *Machine) handleLinkDown(reason DisconnectReason) {
	m.log.Info().Int("code", reason.Code).Err(reason.Err).Msg("link down")
	m.closeSession()
	m.setState(StateDisconnected, FailNone)

	switch Classify(reason) {
	case DisconnectIntentional:
		m.setState(StateIdle, FailNone)
	case DisconnectOutOfRange:
		// Distance does not improve with exponential waiting; retry on a
		// long fixed pause and keep retrying.
		m.enterBackoff(m.opts.OutOfRangeWait, false, FailNone)
	default:
		m.onTransientDrop(reason)
	}
}

// onTransientDrop handles a mid-session transport loss: the session is
// torn down and the retry is counted against both the per-outage
// attempts and the daily transient cap.
func (m *Machine) onTransientDrop(reason DisconnectReason) {
	m.closeSession()
	m.setState(StateDisconnected, FailNone)

	if !m.daily.bump(time.Now()) {
		m.log.Error().Int("cap", m.opts.DailyTransientCap).Msg("daily transient reconnect cap exceeded")
		m.fail(FailDailyCapExceeded)
		return
	}
	m.enterBackoff(m.policy.next(), false, FailRetriesExhausted)
}

// enterBackoff schedules the next attempt. count adds one to the outage
// attempt counter (paths that already consumed policy.next pass false).
// exhaustReason is the terminal status when attempts run out; FailNone
// exempts the wait from the attempt cap (out-of-range waits retry
// indefinitely).
func (m *Machine) enterBackoff(delay time.Duration, count bool, exhaustReason FailReason) {
	if count {
		m.policy.attemptCount++
	}
	if exhaustReason != FailNone && m.policy.exhausted() {
		m.fail(exhaustReason)
		return
	}

	m.setState(StateBackingOff, FailNone)
	m.log.Info().Dur("delay", delay).Int("attempt", m.policy.attemptCount).Msg("reconnect scheduled")

	gen := m.gen
	m.backoffTimer = time.AfterFunc(delay, func() {
		m.post(event{gen: gen, kind: evBackoffFired})
	})
}

func (m *Machine) validateAdvertisement(localName string, serviceUUIDs []string) (cooler.DeviceIdentity, bool) {
	var (
		family cooler.Family
		ok     bool
	)
	if m.opts.Family.Tag != "" {
		family, ok = m.opts.Family, cooler.MatchAdvertisement(localName, serviceUUIDs, m.opts.Family)
	} else {
		family, ok = cooler.MatchAnyFamily(localName, serviceUUIDs)
	}
	if !ok {
		if localName != "" && !m.scanDedup.seen(localName, time.Now()) {
			m.log.Debug().Str("name", localName).Msg("ignoring non-matching advertisement")
		}
		return cooler.DeviceIdentity{}, false
	}
	return cooler.DeviceIdentity{Family: family.Tag, Label: localName}, true
}

func (m *Machine) fail(reason FailReason) {
	m.closeSession()
	m.setState(StateFailed, reason)
}

// closeSession releases the link and bumps the generation so that any
// event still in flight for the old session is discarded.
func (m *Machine) closeSession() {
	m.gen++
	if m.link != nil {
		_ = m.link.Close()
		m.link = nil
	}
	m.caps = Capabilities{}
	m.sessionID = ""
}

func (m *Machine) clearOp() {
	if m.cancelOp != nil {
		m.cancelOp()
		m.cancelOp = nil
	}
}

// teardown runs on Stop, strictly ordered: pending backoff timer first,
// then any in-flight scan/connect, then the transport link and channel
// handles. Subscriber channels close last, after the final Idle
// snapshot has been published.
func (m *Machine) teardown() {
	if m.backoffTimer != nil {
		m.backoffTimer.Stop()
		m.backoffTimer = nil
	}
	m.clearOp()
	m.closeSession()
	m.setState(StateIdle, FailNone)

	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

func (m *Machine) setState(s State, reason FailReason) {
	m.state = s
	m.reason = reason

	st := Status{
		State:    s,
		Reason:   reason,
		Identity: m.identity,
		Attempt:  m.policy.attemptCount,
		Session:  m.sessionID,
	}

	m.mu.Lock()
	m.status = st
	subs := m.subs
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}
