// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Hitomatito

package cooler

import "strings"

// DeviceIdentity is the stable identity of one accessory: its transport
// address, the family/generation it belongs to, and a human label.
// Identities are immutable once a session is established so the target
// cannot drift mid-session.
type DeviceIdentity struct {
	Address string // transport (MAC) address, empty until first seen
	Family  string // family tag from the known-family table
	Label   string // advertised local name
}

// Family describes one known accessory generation: how it advertises and
// which name fragments identify it.
type Family struct {
	Tag string

	// Generation-specific substrings looked for in the advertised name.
	NameHints []string

	// Advertised service UUIDs that positively identify the family.
	ServiceUUIDs []string
}

// vendorMarkers are tokens that must appear in an advertised name before
// any generation hint is trusted. This blocks superficial matches from
// unrelated devices whose names happen to contain a generation fragment.
var vendorMarkers = []string{"redmagic", "red magic", "nubia"}

// KnownFamilies is the table of supported accessory generations.
var KnownFamilies = []Family{
	{
		Tag:          "rm4pro",
		NameHints:    []string{"4 pro", "4pro"},
		ServiceUUIDs: []string{CommandServiceUUID},
	},
	{
		Tag:          "rm5pro",
		NameHints:    []string{"5 pro", "5pro"},
		ServiceUUIDs: []string{CommandServiceUUID},
	},
	{
		Tag:          "rm6pro",
		NameHints:    []string{"6 pro", "6pro"},
		ServiceUUIDs: []string{CommandServiceUUID},
	},
}

// FamilyByTag looks up a family in the known-family table.
func FamilyByTag(tag string) (Family, bool) {
	for _, f := range KnownFamilies {
		if f.Tag == tag {
			return f, true
		}
	}
	return Family{}, false
}

// MatchAdvertisement decides whether a scan result belongs to the given
// family. A hit on an advertised service UUID is authoritative. The name
// pattern is a fallback for accessories that do not advertise the
// command service: the name must carry a vendor marker token before a
// generation hint is accepted, and the hint must be this family's.
func MatchAdvertisement(localName string, serviceUUIDs []string, f Family) bool {
	for _, adv := range serviceUUIDs {
		for _, want := range f.ServiceUUIDs {
			if strings.EqualFold(adv, want) {
				return true
			}
		}
	}

	name := strings.ToLower(localName)
	if !hasVendorMarker(name) {
		return false
	}
	for _, hint := range f.NameHints {
		if strings.Contains(name, hint) {
			return true
		}
	}
	return false
}

// MatchAnyFamily runs the validation predicate against the whole table
// and returns the matching family. Used when the caller accepts any
// known generation rather than a specific target. Name hints are checked
// first because the command service UUID is shared across generations
// and cannot pin one down on its own.
func MatchAnyFamily(localName string, serviceUUIDs []string) (Family, bool) {
	for _, f := range KnownFamilies {
		if MatchAdvertisement(localName, nil, f) {
			return f, true
		}
	}
	for _, f := range KnownFamilies {
		if MatchAdvertisement(localName, serviceUUIDs, f) {
			return f, true
		}
	}
	return Family{}, false
}

func hasVendorMarker(lowerName string) bool {
	for _, m := range vendorMarkers {
		if strings.Contains(lowerName, m) {
			return true
		}
	}
	return false
}
