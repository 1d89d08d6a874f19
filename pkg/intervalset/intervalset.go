// Package intervalset implements a sorted, non-overlapping interval
// vector over application addresses, with per-interval client payload,
// merge/split callbacks, and an optional reader/writer lock.
//
// This is the generic engine described as "Component A" of the
// executable-memory consistency engine: every other vector in the
// engine (the executable-areas catalog, per-thread/shared views, the
// auxiliary vectors) is an instance of Vector configured with
// different Policy bits and Callbacks.
package intervalset

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/mohae/deepcopy"

	"github.com/vmengine/codecache/pkg/hostarch"
)

// VMFlags is a generic bitset stored per-area. Its bit meanings are
// assigned by the vector's owner (pkg/vmarea defines the executable-areas
// meaning); intervalset itself only compares and merges them.
type VMFlags uint32

// FragFlags is a second, independently-compared bitset per area.
type FragFlags uint32

// Has reports whether f contains every bit in other.
func (f VMFlags) Has(other VMFlags) bool { return f&other == other }

// Has reports whether f contains every bit in other.
func (f FragFlags) Has(other FragFlags) bool { return f&other == other }

// Policy selects the behavior of a Vector, chosen once at construction
//.
type Policy uint8

const (
	// Shared protects the vector with a reader/writer lock. Without it the
	// vector assumes single-owner access.
	Shared Policy = 1 << iota
	// NeverMerge disables all merging on insert.
	NeverMerge
	// NeverMergeAdjacent disables merging of bit-identical adjacent areas
	// but still permits the type-compatible-overlap merge path.
	NeverMergeAdjacent
	// NeverOverlap asserts on overlap instead of resolving it.
	NeverOverlap
	// FragmentList marks a vector whose payload is a fragment-index head;
	// see pkg/vmarea/fragindex.go for the callbacks that splice lists on
	// merge and re-anchor them on split.
	FragmentList
	// NoLock means the vector is logically Shared but the caller already
	// serializes access externally, so no lock is taken.
	NoLock
)

func (p Policy) has(bit Policy) bool { return p&bit != 0 }

// Callbacks are invoked by Vector during mutation. All are optional; nil
// callbacks fall back to the defaults documented on each field.
type Callbacks[P any] struct {
	// FreePayload releases a payload when its owning area is destroyed.
	FreePayload func(p P)

	// SplitPayload is invoked when an area is split at splitAt. It must
	// return an independent payload for the new right-hand piece; the
	// original payload (returned unmodified) remains with the left piece.
	//
	// If nil, payloads are split with deepcopy.Copy, which is correct for
	// plain-data payloads but not for payloads that own external resources
	// (e.g. a fragment-list head) — those vectors must always supply this
	// callback.
	SplitPayload func(p P, splitAt hostarch.Addr) P

	// ShouldMergePayload gates merging beyond flag compatibility. If nil,
	// merging proceeds whenever flags are compatible.
	ShouldMergePayload func(a, b P) bool

	// MergePayload combines the payloads of two adjacent or overlapping
	// areas being merged into one, returning the payload of the combined
	// area. If nil, the left-hand (lower address) payload is kept and the
	// right-hand payload is passed to FreePayload.
	MergePayload func(a, b P) P

	// Reconcile implements a domain-specific "tolerated flag drift"
	// erosion rule: given the incoming flags and the existing
	// overlapping area, it may clear bits on the existing area and
	// returns the (possibly adjusted) flags to compare for type
	// compatibility. If nil, old.VM/old.Frag are used unchanged — i.e. no
	// erosion, appropriate for vectors with no such flag semantics.
	Reconcile func(newVM VMFlags, newFrag FragFlags, old *Area[P]) (VMFlags, FragFlags)

	// Validate implements a domain-specific hard-forbidden-combination
	// check. A non-nil error is a fatal engine invariant violation and
	// Add panics. If nil, no combination is ever forbidden.
	Validate func(newVM VMFlags, newFrag FragFlags, oldVM VMFlags, oldFrag FragFlags) error
}

func defaultSplit[P any](p P, _ hostarch.Addr) P {
	if c, ok := any(p).(interface{ CloneForSplit() P }); ok {
		return c.CloneForSplit()
	}
	return deepcopy.Copy(p).(P)
}

// Area is one element of a Vector: a half-open range with flags and a
// client payload.
type Area[P any] struct {
	Start, End hostarch.Addr
	VM         VMFlags
	Frag       FragFlags
	Payload    P
}

// Range returns the area's bounds as a hostarch.AddrRange.
func (a Area[P]) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.Start, End: a.End}
}

func less[P any](a, b *Area[P]) bool { return a.Start < b.Start }

// Vector is a sorted, non-overlapping set of Area[P], backed by a
// google/btree ordered tree keyed on Area.Start.
type Vector[P any] struct {
	name     string
	policy   Policy
	callback Callbacks[P]

	mu   sync.RWMutex
	tree *btree.BTreeG[*Area[P]]
	len  int
}

// New constructs an empty Vector. name is used only for diagnostics
// (Print, error messages).
func New[P any](name string, policy Policy, cb Callbacks[P]) *Vector[P] {
	return &Vector[P]{
		name:     name,
		policy:   policy,
		callback: cb,
		tree:     btree.NewG[*Area[P]](16, less[P]),
	}
}

// SetCallbacks replaces the vector's callbacks. Corresponds to the
// downward client API's vmvector_set_callbacks.
func (v *Vector[P]) SetCallbacks(cb Callbacks[P]) {
	v.lockWrite()
	defer v.unlockWrite()
	v.callback = cb
}

func (v *Vector[P]) lockWrite() {
	if v.policy.has(Shared) && !v.policy.has(NoLock) {
		v.mu.Lock()
	}
}
func (v *Vector[P]) unlockWrite() {
	if v.policy.has(Shared) && !v.policy.has(NoLock) {
		v.mu.Unlock()
	}
}
func (v *Vector[P]) lockRead() {
	if v.policy.has(Shared) && !v.policy.has(NoLock) {
		v.mu.RLock()
	}
}
func (v *Vector[P]) unlockRead() {
	if v.policy.has(Shared) && !v.policy.has(NoLock) {
		v.mu.RUnlock()
	}
}

// Len returns the number of areas currently in the vector.
func (v *Vector[P]) Len() int {
	v.lockRead()
	defer v.unlockRead()
	return v.len
}

func (v *Vector[P]) free(a *Area[P]) {
	if v.callback.FreePayload != nil {
		v.callback.FreePayload(a.Payload)
	}
}

func (v *Vector[P]) split(a *Area[P], at hostarch.Addr) P {
	if v.callback.SplitPayload != nil {
		return v.callback.SplitPayload(a.Payload, at)
	}
	return defaultSplit(a.Payload, at)
}

func (v *Vector[P]) shouldMerge(a, b *Area[P]) bool {
	if a.VM != b.VM || a.Frag != b.Frag {
		return false
	}
	if v.callback.ShouldMergePayload != nil {
		return v.callback.ShouldMergePayload(a.Payload, b.Payload)
	}
	return true
}

func (v *Vector[P]) merge(a, b *Area[P]) P {
	if v.callback.MergePayload != nil {
		return v.callback.MergePayload(a.Payload, b.Payload)
	}
	v.free(b)
	return a.Payload
}

func (v *Vector[P]) insertItem(a *Area[P]) {
	v.tree.ReplaceOrInsert(a)
	v.len++
}

func (v *Vector[P]) deleteItem(a *Area[P]) {
	v.tree.Delete(a)
	v.len--
}

// firstOverlapping returns the first (lowest-Start) area overlapping
// [s, e), or nil.
func (v *Vector[P]) firstOverlapping(s, e hostarch.Addr) *Area[P] {
	var found *Area[P]
	pivot := &Area[P]{Start: s}
	v.tree.DescendLessOrEqual(pivot, func(it *Area[P]) bool {
		if it.End > s {
			found = it
		}
		return false
	})
	if found != nil {
		return found
	}
	v.tree.AscendGreaterOrEqual(pivot, func(it *Area[P]) bool {
		if it.Start < e {
			found = it
		}
		return false
	})
	return found
}

// Lookup performs a point query.
func (v *Vector[P]) Lookup(addr hostarch.Addr) (Area[P], bool) {
	v.lockRead()
	defer v.unlockRead()
	a := v.firstOverlapping(addr, addr+1)
	if a == nil {
		return Area[P]{}, false
	}
	return *a, true
}

// LookupPayload is a convenience wrapper returning just the payload.
// Corresponds to vmvector_lookup_data.
func (v *Vector[P]) LookupPayload(addr hostarch.Addr) (P, bool) {
	a, ok := v.Lookup(addr)
	return a.Payload, ok
}

// Overlap reports whether any area intersects [s, e).
func (v *Vector[P]) Overlap(s, e hostarch.Addr) bool {
	v.lockRead()
	defer v.unlockRead()
	return v.firstOverlapping(s, e) != nil
}

// LookupPrevNext returns the areas immediately below and at-or-above addr.
func (v *Vector[P]) LookupPrevNext(addr hostarch.Addr) (prev, next *Area[P]) {
	v.lockRead()
	defer v.unlockRead()
	pivot := &Area[P]{Start: addr}
	v.tree.DescendLessOrEqual(pivot, func(it *Area[P]) bool {
		if it.Start < addr {
			cp := *it
			prev = &cp
		} else {
			cp := *it
			next = &cp
		}
		return false
	})
	if next == nil {
		v.tree.AscendGreaterOrEqual(pivot, func(it *Area[P]) bool {
			cp := *it
			next = &cp
			return false
		})
	}
	return prev, next
}

// ModifyPayload replaces the payload of an exact-bounds area, returning
// false if no area has exactly [s, e).
func (v *Vector[P]) ModifyPayload(s, e hostarch.Addr, payload P) bool {
	v.lockWrite()
	defer v.unlockWrite()
	existing, ok := v.tree.Get(&Area[P]{Start: s})
	if !ok || existing.End != e {
		return false
	}
	existing.Payload = payload
	return true
}

// ModifyFlags replaces the VM/Frag flags of an exact-bounds area,
// returning false if no area has exactly [s, e).
func (v *Vector[P]) ModifyFlags(s, e hostarch.Addr, vm VMFlags, frag FragFlags) bool {
	v.lockWrite()
	defer v.unlockWrite()
	existing, ok := v.tree.Get(&Area[P]{Start: s})
	if !ok || existing.End != e {
		return false
	}
	existing.VM = vm
	existing.Frag = frag
	return true
}

func (v *Vector[P]) String() string {
	return fmt.Sprintf("intervalset.Vector[%s](%d areas)", v.name, v.Len())
}
