// Package progression implements the level/program-group progression engine:
// a registry canonicalizing program references, per-group quota tracking, a
// generic dependency graph used at both the level and the group tier, and the
// controller that routes acquisition events and drives level state.
//
// The package performs no I/O and polls no clocks. All time-based transitions
// happen inside Tick, which the caller drives at whatever cadence it needs.
// An Engine is not safe for uncoordinated concurrent calls; callers serialize
// events through a single queue (internal/session does this per session).
package progression

import (
	"errors"
	"fmt"

	"github.com/terra-clan/mainframe-engine/internal/models"
)

// ErrMalformedRef is returned when a program reference has an empty command
// or class. It only ever surfaces during content load.
var ErrMalformedRef = errors.New("malformed program reference")

// Handle is a canonical identifier for an interned program reference,
// stable for the lifetime of its Registry.
type Handle int

// Registry interns program references so the rest of the engine can compare
// and key on small ints instead of string pairs.
type Registry struct {
	handles map[models.Ref]Handle
	refs    []models.Ref
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[models.Ref]Handle)}
}

// Intern returns the canonical handle for ref, assigning one if the ref has
// not been seen before
func (r *Registry) Intern(ref models.Ref) (Handle, error) {
	if ref.Command == "" || ref.Class == "" {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRef, ref)
	}

	if h, ok := r.handles[ref]; ok {
		return h, nil
	}

	h := Handle(len(r.refs))
	r.handles[ref] = h
	r.refs = append(r.refs, ref)
	return h, nil
}

// Lookup returns the handle for a previously interned ref
func (r *Registry) Lookup(ref models.Ref) (Handle, bool) {
	h, ok := r.handles[ref]
	return h, ok
}

// Ref returns the reference behind a handle
func (r *Registry) Ref(h Handle) models.Ref {
	return r.refs[h]
}

// Len returns the number of distinct interned references
func (r *Registry) Len() int {
	return len(r.refs)
}
