// Package audit maintains the append-only record of authorization decisions
// and capability mutations. Entries are immutable once written; the anomaly
// engine and external forensic tooling both consume them through Search.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"stocktrail.org/internal/obs"
)

// Outcome classifies an authorization decision entry.
type Outcome string

const (
	OutcomeAllow Outcome = "allow"
	OutcomeDeny  Outcome = "deny"
	// OutcomeChange marks capability/state mutations rather than decisions.
	OutcomeChange Outcome = "change"
)

// Entry is one immutable audit record. OccurredAt and Seq are assigned by the
// store at write time so entries for a (user, organization) pair are
// observable in write order.
type Entry struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	OccurredAt   time.Time       `json:"occurred_at"`
	ActorID      string          `json:"actor_id"`
	OrgID        string          `json:"org_id,omitempty"` // empty for global actions
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	IP           string          `json:"ip,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
}

// Filter narrows Search results. Zero fields match everything.
type Filter struct {
	ActorID      string
	OrgID        string
	Action       string // exact match, or prefix when ending in "."
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	From         time.Time
	To           time.Time
	Limit        int
}

// Store is the append-only persistence contract. Append must assign Seq and
// OccurredAt server-side; Search returns entries in ascending write order.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	Search(ctx context.Context, f Filter) ([]*Entry, error)
}

// Recorder writes entries to the store and mirrors each one to the structured
// log so forensic tooling can tail decisions without a database round-trip.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder builds a Recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the time source; tests only.
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record persists the entry, filling request metadata from the context.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e == nil || strings.TrimSpace(e.Action) == "" {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}
	if meta, ok := ClientMetaFromContext(ctx); ok {
		if e.IP == "" {
			e.IP = meta.IP
		}
		if e.UserAgent == "" {
			e.UserAgent = meta.UserAgent
		}
	}
	if err := r.store.Append(ctx, e); err != nil {
		return err
	}
	r.mirror(e)
	return nil
}

// Search proxies to the store.
func (r *Recorder) Search(ctx context.Context, f Filter) ([]*Entry, error) {
	return r.store.Search(ctx, f)
}

func (r *Recorder) mirror(e *Entry) {
	line := map[string]any{
		"ts":      e.OccurredAt.Format(time.RFC3339Nano),
		"type":    "audit",
		"action":  e.Action,
		"outcome": string(e.Outcome),
		"actor":   e.ActorID,
	}
	if e.OrgID != "" {
		line["org_id"] = e.OrgID
	}
	if e.Reason != "" {
		line["reason"] = e.Reason
	}
	if e.RequestID != "" {
		line["request_id"] = e.RequestID
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
