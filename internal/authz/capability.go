package authz

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Capability is a single named boolean permission held per (user, organization).
type Capability uint16

// The full capability catalog. Order is fixed; the bit positions are part of the
// stored representation and must never be reshuffled.
const (
	CapRead Capability = 1 << iota
	CapWrite
	CapDelete
	CapManageUsers
	CapManageSettings
	CapViewFinancials
	CapExport
	CapImport
	CapTriggerSync
	CapManageEndpoints
	CapBypassReview
	CapManageAI
	CapViewAllOrgs
	CapBulkOps

	capSentinel
)

// AllCapabilities is the mask of every defined capability bit.
const AllCapabilities = CapabilitySet(capSentinel - 1)

// HighRiskCapabilities are the grants the anomaly engine treats as
// escalation-sensitive.
const HighRiskCapabilities = CapabilitySet(CapManageUsers | CapManageSettings | CapDelete | CapViewAllOrgs)

var capabilityNames = map[Capability]string{
	CapRead:            "read",
	CapWrite:           "write",
	CapDelete:          "delete",
	CapManageUsers:     "manage_users",
	CapManageSettings:  "manage_settings",
	CapViewFinancials:  "view_financials",
	CapExport:          "export",
	CapImport:          "import",
	CapTriggerSync:     "trigger_sync",
	CapManageEndpoints: "manage_endpoints",
	CapBypassReview:    "bypass_review",
	CapManageAI:        "manage_ai",
	CapViewAllOrgs:     "view_all_orgs",
	CapBulkOps:         "bulk_ops",
}

// CapabilityGroups organise the catalog for admin UIs; membership checks never
// consult groups, only individual bits.
var CapabilityGroups = map[string]CapabilitySet{
	"data_scope": CapabilitySet(CapRead | CapViewAllOrgs),
	"data_ops":   CapabilitySet(CapWrite | CapDelete | CapExport | CapImport | CapBulkOps),
	"financial":  CapabilitySet(CapViewFinancials),
	"process":    CapabilitySet(CapTriggerSync | CapBypassReview | CapManageAI),
	"admin":      CapabilitySet(CapManageUsers | CapManageSettings | CapManageEndpoints),
}

// String returns the wire name of the capability, e.g. "manage_users".
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("capability(%d)", uint16(c))
}

// ParseCapability resolves a wire name back to its bit.
func ParseCapability(name string) (Capability, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	for cap, n := range capabilityNames {
		if n == name {
			return cap, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown capability %q", ErrInvalidInput, name)
}

// CapabilitySet is a fixed-size bitset over the capability catalog. The zero
// value grants nothing.
type CapabilitySet uint16

// NewCapabilitySet combines individual capabilities into a set.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// ParseCapabilitySet builds a set from wire names, rejecting unknown names.
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	var s CapabilitySet
	for _, n := range names {
		c, err := ParseCapability(n)
		if err != nil {
			return 0, err
		}
		s |= CapabilitySet(c)
	}
	return s, nil
}

// Has reports whether the set contains the capability. There is no implicit OR:
// holding every other bit never satisfies a check for a missing one.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

// With returns a copy of the set with the capabilities added.
func (s CapabilitySet) With(caps ...Capability) CapabilitySet {
	return s | NewCapabilitySet(caps...)
}

// Without returns a copy of the set with the capabilities removed.
func (s CapabilitySet) Without(caps ...Capability) CapabilitySet {
	return s &^ NewCapabilitySet(caps...)
}

// Intersect keeps only bits present in both sets.
func (s CapabilitySet) Intersect(other CapabilitySet) CapabilitySet {
	return s & other
}

// Diff returns the capabilities present in s but not in old, and vice versa.
// Used to record grant/revoke deltas in the audit log.
func (s CapabilitySet) Diff(old CapabilitySet) (added, removed CapabilitySet) {
	return s &^ old, old &^ s
}

// IsEmpty reports whether no capability is granted.
func (s CapabilitySet) IsEmpty() bool { return s == 0 }

// Count returns the number of granted capabilities.
func (s CapabilitySet) Count() int {
	n := 0
	for c := CapRead; c < capSentinel; c <<= 1 {
		if s.Has(c) {
			n++
		}
	}
	return n
}

// Names lists the granted capabilities in catalog order.
func (s CapabilitySet) Names() []string {
	var names []string
	for c := CapRead; c < capSentinel; c <<= 1 {
		if s.Has(c) {
			names = append(names, c.String())
		}
	}
	return names
}

// Capabilities lists the granted bits in catalog order.
func (s CapabilitySet) Capabilities() []Capability {
	var caps []Capability
	for c := CapRead; c < capSentinel; c <<= 1 {
		if s.Has(c) {
			caps = append(caps, c)
		}
	}
	return caps
}

// String renders the set as a comma-separated list of names.
func (s CapabilitySet) String() string {
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as an array of capability names so API payloads
// stay readable while storage keeps the compact mask.
func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON accepts an array of capability names.
func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := ParseCapabilitySet(names)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
