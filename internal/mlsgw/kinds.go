// Package mlsgw implements the MLS-over-Nostr gateway extension: an
// event-kind dispatcher, keypackage lifecycle manager, roster/policy log,
// rotation coordinator, message archive, and REQ interceptor that sit
// between a Nostr relay framework and MLS clients.
//
// Key abstractions:
//   - Pipeline: kind-dispatched validator/router, the single entry point
//     events are handed to by the host relay.
//   - Storage: capability-set interface the rest of the core consumes.
//   - KeyPackageManager: last-remaining invariant + delayed-deletion timer.
//   - RosterLog: per-group sequenced, idempotent membership log.
//   - RotationCoordinator: NIP-KR two-phase secret rotation.
package mlsgw

import "fiatjaf.com/nostr"

// Event kind constants.
const (
	KindKeyPackage        = 443   // MLS KeyPackage advertisement
	KindWelcome           = 444   // MLS Welcome, must be wrapped in 1059
	KindGroupMessage      = 445   // MLS application message
	KindNoiseDM           = 446   // Noise-protocol direct message, opaque content
	KindKeyPackageRequest = 447   // deprecated: superseded by REQ interception
	KindRosterPolicy      = 450   // roster/policy log entry
	KindGiftWrap          = 1059  // NIP-59 giftwrap envelope
	KindKeyPackageRelays  = 10051 // per-owner keypackage relay list
	KindServiceRequest    = 40910 // NIP-SERVICE request payload
	KindServiceAck        = 40911 // NIP-SERVICE acknowledgement
	KindServiceNotify     = 40912 // NIP-SERVICE observational notification
)

// MLSProtocolVersion is the only accepted value of the mls_protocol_version tag.
const MLSProtocolVersion = "1.0"

// RosterOp enumerates the operations a roster/policy entry may carry.
type RosterOp string

const (
	RosterOpBootstrap RosterOp = "bootstrap"
	RosterOpAdd       RosterOp = "add"
	RosterOpRemove    RosterOp = "remove"
	RosterOpPromote   RosterOp = "promote"
	RosterOpDemote    RosterOp = "demote"
	RosterOpReplace   RosterOp = "replace"
)

// firstTagValue returns the first value of the named tag, or "" if absent.
func firstTagValue(tags nostr.Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// allTagValues returns every value (t[1]) of tags named name, in order.
func allTagValues(tags nostr.Tags, name string) []string {
	var out []string
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			out = append(out, t[1])
		}
	}
	return out
}

// hasTag reports whether any tag with the given name exists.
func hasTag(tags nostr.Tags, name string) bool {
	for _, t := range tags {
		if len(t) >= 1 && t[0] == name {
			return true
		}
	}
	return false
}

// dedupeStrings returns s with duplicate values removed, preserving order.
func dedupeStrings(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// unionStrings returns the set union of a and b, order not significant.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// subtractStrings returns the elements of a not present in b.
func subtractStrings(a, b []string) []string {
	remove := make(map[string]struct{}, len(b))
	for _, v := range b {
		remove[v] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, v := range a {
		if _, ok := remove[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// containsString reports whether s contains v.
func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
