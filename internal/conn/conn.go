// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

// Package conn owns the accessory connection lifecycle: discovery,
// session establishment, channel resolution, write plumbing, disconnect
// classification and backoff reconnection.
//
// All state lives behind a single goroutine (the machine loop).
// Transport completions, link drops, timer firings and caller requests
// arrive as tagged events on one channel; every event carries the
// session generation it belongs to, and events from superseded sessions
// are discarded before they can touch anything.
package conn

import "github.com/Hitomatito/RedmagicCooler-sub000/pkg/cooler"

// State is the machine's lifecycle position.
type State uint8

// Lifecycle states.
const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateDiscovering
	StateReady
	StateDisconnected
	StateBackingOff
	StateFailed
)

// String returns the state name used in logs and the status API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateBackingOff:
		return "backing-off"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason says why the machine reached StateFailed.
type FailReason uint8

// Terminal failure reasons.
const (
	FailNone FailReason = iota
	FailNotFound
	FailChannelMissing
	FailPermissionDenied
	FailRetriesExhausted
	FailDailyCapExceeded
)

// String returns the reason name used in logs and the status API.
func (r FailReason) String() string {
	switch r {
	case FailNone:
		return ""
	case FailNotFound:
		return "not-found"
	case FailChannelMissing:
		return "channel-missing"
	case FailPermissionDenied:
		return "permission-denied"
	case FailRetriesExhausted:
		return "retries-exhausted"
	case FailDailyCapExceeded:
		return "daily-cap-exceeded"
	default:
		return "unknown"
	}
}

// Status is the notification-only side channel consumed by the
// presentation layer. It is a value snapshot, never a live reference.
type Status struct {
	State    State
	Reason   FailReason
	Identity cooler.DeviceIdentity
	Attempt  int
	Session  string // session correlation ID, empty outside a session
}

// DisconnectClass buckets a disconnect for retry policy.
type DisconnectClass uint8

// Disconnect classes.
const (
	// DisconnectIntentional is an explicit close requested by this
	// system; never retried.
	DisconnectIntentional DisconnectClass = iota
	// DisconnectOutOfRange covers transport status codes that mean the
	// accessory left radio range; retried on a long fixed pause since
	// waiting longer does not help the way it would for a software
	// fault.
	DisconnectOutOfRange
	// DisconnectTransient is everything else; retried with exponential
	// backoff.
	DisconnectTransient
)

// DisconnectReason carries the transport-level detail of a link drop.
type DisconnectReason struct {
	Code int
	Err  error
}

// outOfRangeCodes are the transport status codes observed when the
// accessory walks out of range: connection supervision timeout and
// failure to establish.
var outOfRangeCodes = map[int]bool{8: true, 62: true}

// Classify buckets a disconnect reason. Code 0 marks an intentional
// local close.
func Classify(r DisconnectReason) DisconnectClass {
	switch {
	case r.Code == 0 && r.Err == nil:
		return DisconnectIntentional
	case outOfRangeCodes[r.Code]:
		return DisconnectOutOfRange
	default:
		return DisconnectTransient
	}
}
