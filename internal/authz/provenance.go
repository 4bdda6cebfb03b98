package authz

import (
	"encoding/json"
	"fmt"
	"strings"
)

type provenanceKind uint8

const (
	provenanceLocal provenanceKind = iota
	provenanceSynced
)

// Provenance records whether an entity was created locally or mirrors a record
// in an external directory. Externally synced entities must never be hard
// deleted; callers unlink them instead so historical audit references survive.
type Provenance struct {
	kind     provenanceKind
	sourceID string
}

// Local marks a locally created entity.
func Local() Provenance { return Provenance{kind: provenanceLocal} }

// ExternallySynced marks an entity mirrored from an external system under the
// given source identifier.
func ExternallySynced(sourceID string) Provenance {
	return Provenance{kind: provenanceSynced, sourceID: strings.TrimSpace(sourceID)}
}

// IsExternal reports the external source id when the entity is synced.
func (p Provenance) IsExternal() (string, bool) {
	if p.kind == provenanceSynced {
		return p.sourceID, true
	}
	return "", false
}

// IsLocal reports whether the entity was created locally.
func (p Provenance) IsLocal() bool { return p.kind == provenanceLocal }

// Deletable reports whether destructive deletion is allowed. Synced entities
// are only ever unlinked.
func (p Provenance) Deletable() bool { return p.kind == provenanceLocal }

func (p Provenance) String() string {
	if p.kind == provenanceSynced {
		return "external:" + p.sourceID
	}
	return "local"
}

// ParseProvenance decodes the storage representation produced by String.
func ParseProvenance(raw string) (Provenance, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "local" {
		return Local(), nil
	}
	if src, ok := strings.CutPrefix(raw, "external:"); ok && src != "" {
		return ExternallySynced(src), nil
	}
	return Provenance{}, fmt.Errorf("%w: malformed provenance %q", ErrInvalidInput, raw)
}

// MarshalJSON encodes provenance in its storage form.
func (p Provenance) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes provenance from its storage form.
func (p *Provenance) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseProvenance(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
