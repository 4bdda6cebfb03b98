// Package ids generates lexicographically sortable identifiers for users,
// organizations, audit entries and alerts.
package ids

import (
	"github.com/oklog/ulid/v2"
)

// New returns a ULID. The shared monotonic entropy source keeps ids generated
// within the same millisecond ordered, which audit pagination relies on.
func New() string {
	return ulid.Make().String()
}
