package intervalset

import (
	"fmt"

	"github.com/vmengine/codecache/pkg/hostarch"
)

// Add inserts [s, e) with the given flags and payload, performing
// overlap resolution in four stages:
//
//  1. tolerated flag drift (erosion) from new to old, via Callbacks.Reconcile;
//  2. hard-forbidden combinations are fatal, via Callbacks.Validate;
//  3. type-compatible overlaps extend and absorb (merge);
//  4. type-mismatched overlaps leave the old area untouched and clip the
//     incoming range instead.
func (v *Vector[P]) Add(s, e hostarch.Addr, vm VMFlags, frag FragFlags, payload P) {
	if s >= e {
		panic(fmt.Sprintf("intervalset[%s]: Add requires start < end, got [%#x, %#x)", v.name, s, e))
	}
	v.lockWrite()
	defer v.unlockWrite()
	v.addLocked(s, e, vm, frag, payload)
}

func (v *Vector[P]) addLocked(s, e hostarch.Addr, vm VMFlags, frag FragFlags, payload P) {
	for s < e {
		a := v.firstOverlapping(s, e)
		if a == nil {
			if !v.policy.has(NeverMerge) && !v.policy.has(NeverMergeAdjacent) && v.mergeAdjacent(s, e, vm, frag, payload) {
				return
			}
			v.insertItem(&Area[P]{Start: s, End: e, VM: vm, Frag: frag, Payload: payload})
			return
		}

		oldVM, oldFrag := a.VM, a.Frag
		if v.callback.Reconcile != nil {
			oldVM, oldFrag = v.callback.Reconcile(vm, frag, a)
			a.VM, a.Frag = oldVM, oldFrag
		}
		if v.callback.Validate != nil {
			if err := v.callback.Validate(vm, frag, oldVM, oldFrag); err != nil {
				panic(fmt.Sprintf("intervalset[%s]: invariant violated at %s: %v", v.name, a.Range(), err))
			}
		}
		if v.policy.has(NeverOverlap) {
			panic(fmt.Sprintf("intervalset[%s]: overlap not permitted: incoming [%#x,%#x) vs existing %s", v.name, s, e, a.Range()))
		}

		typeCompatible := !v.policy.has(NeverMerge) && oldVM == vm && oldFrag == frag
		if typeCompatible && (v.callback.ShouldMergePayload == nil || v.callback.ShouldMergePayload(payload, a.Payload)) {
			v.deleteItem(a)
			merged := &Area[P]{VM: vm, Frag: frag}
			merged.Start, merged.End = a.Start, a.End
			if s < merged.Start {
				merged.Start = s
			}
			if e > merged.End {
				merged.End = e
			}
			left, right := payload, a.Payload
			if a.Start < s {
				left, right = a.Payload, payload
			}
			if v.callback.MergePayload != nil {
				merged.Payload = v.callback.MergePayload(left, right)
			} else {
				v.free(&Area[P]{Payload: right})
				merged.Payload = left
			}
			v.insertItem(merged)
			v.absorbOverlapping(merged)
			return
		}

		// Type-mismatch overlap: the old area's properties win. Clip the
		// incoming range instead of touching the old area.
		if s < a.Start {
			v.addLocked(s, a.Start, vm, frag, v.split(&Area[P]{Payload: payload}, a.Start))
		}
		if e > a.End {
			s = a.End
			continue
		}
		return // incoming range lies entirely inside a: discarded.
	}
}

// adjacentLeft returns the area whose End exactly equals addr, or nil.
func (v *Vector[P]) adjacentLeft(addr hostarch.Addr) *Area[P] {
	var found *Area[P]
	v.tree.DescendLessOrEqual(&Area[P]{Start: addr}, func(it *Area[P]) bool {
		if it.End == addr {
			found = it
		}
		return false
	})
	return found
}

// adjacentRight returns the area whose Start exactly equals addr, or nil.
func (v *Vector[P]) adjacentRight(addr hostarch.Addr) *Area[P] {
	it, ok := v.tree.Get(&Area[P]{Start: addr})
	if !ok {
		return nil
	}
	return it
}

func (v *Vector[P]) mergeable(a *Area[P], vm VMFlags, frag FragFlags, payload P) bool {
	if a.VM != vm || a.Frag != frag {
		return false
	}
	if v.callback.ShouldMergePayload != nil {
		return v.callback.ShouldMergePayload(payload, a.Payload)
	}
	return true
}

// mergeAdjacent absorbs bit-identical areas that exactly touch [s, e) on
// either side into the incoming area, covering the half of the
// merging invariant ("V[i].end < V[i+1].start OR flags differ")
// that a pure overlap test can't see: [s, e) itself never overlaps a
// neighbor it merely touches. Reports whether it inserted the merged
// area (false leaves the vector untouched for the caller to insert
// [s, e) on its own).
func (v *Vector[P]) mergeAdjacent(s, e hostarch.Addr, vm VMFlags, frag FragFlags, payload P) bool {
	left := v.adjacentLeft(s)
	if left != nil && !v.mergeable(left, vm, frag, payload) {
		left = nil
	}
	right := v.adjacentRight(e)
	if right != nil && !v.mergeable(right, vm, frag, payload) {
		right = nil
	}
	if left == nil && right == nil {
		return false
	}

	merged := &Area[P]{Start: s, End: e, VM: vm, Frag: frag, Payload: payload}
	if left != nil {
		v.deleteItem(left)
		merged.Start = left.Start
		if v.callback.MergePayload != nil {
			merged.Payload = v.callback.MergePayload(left.Payload, merged.Payload)
		} else {
			v.free(&Area[P]{Payload: merged.Payload})
			merged.Payload = left.Payload
		}
	}
	if right != nil {
		v.deleteItem(right)
		merged.End = right.End
		if v.callback.MergePayload != nil {
			merged.Payload = v.callback.MergePayload(merged.Payload, right.Payload)
		} else {
			v.free(right)
		}
	}
	v.insertItem(merged)
	return true
}

// absorbOverlapping extends merged to cover every area that now overlaps
// it, invoking MergePayload pairwise and deleting the absorbed areas.
func (v *Vector[P]) absorbOverlapping(merged *Area[P]) {
	for {
		cand := v.nextOverlappingAfter(merged.Start, merged.End)
		if cand == nil {
			return
		}
		if cand.Start < merged.Start {
			merged.Start = cand.Start
		}
		if cand.End > merged.End {
			merged.End = cand.End
		}
		v.deleteItem(cand)
		if v.callback.MergePayload != nil {
			merged.Payload = v.callback.MergePayload(merged.Payload, cand.Payload)
		} else {
			v.free(cand)
		}
	}
}

// nextOverlappingAfter returns the lowest-Start area with Start > after
// and Start < end, i.e. an area overlapping (after, end) other than one
// already anchored at exactly `after`.
func (v *Vector[P]) nextOverlappingAfter(after, end hostarch.Addr) *Area[P] {
	var found *Area[P]
	v.tree.AscendGreaterOrEqual(&Area[P]{Start: after + 1}, func(it *Area[P]) bool {
		if it.Start < end {
			found = it
		}
		return false
	})
	return found
}

// Remove clears [s, e), splitting areas as necessary. If restoreProtection is non-nil, it is invoked for every
// deleted or clipped area, so that a caller-supplied collaborator (e.g.
// the page-protection layer) can restore writability where appropriate.
func (v *Vector[P]) Remove(s, e hostarch.Addr, restoreProtection func(a Area[P])) {
	if s >= e {
		return
	}
	v.lockWrite()
	defer v.unlockWrite()
	for {
		a := v.firstOverlapping(s, e)
		if a == nil {
			return
		}
		switch {
		case s <= a.Start && a.End <= e:
			// Entirely inside removal.
			v.deleteItem(a)
			if restoreProtection != nil {
				restoreProtection(*a)
			}
			v.free(a)

		case s > a.Start && e < a.End:
			// Removal falls strictly inside a: split into two.
			tailPayload := v.split(a, e)
			tail := &Area[P]{Start: e, End: a.End, VM: a.VM, Frag: a.Frag, Payload: tailPayload}
			a.End = s
			v.insertItem(tail)
			if restoreProtection != nil {
				restoreProtection(Area[P]{Start: s, End: e, VM: a.VM, Frag: a.Frag})
			}
			return

		case s <= a.Start && a.Start < e:
			// Removal clips the left of an area.
			if restoreProtection != nil {
				restoreProtection(Area[P]{Start: a.Start, End: e, VM: a.VM, Frag: a.Frag})
			}
			a.Start = e

		default: // a.Start < s && s < a.End && a.End <= e
			// Removal clips the right of an area.
			if restoreProtection != nil {
				restoreProtection(Area[P]{Start: s, End: a.End, VM: a.VM, Frag: a.Frag})
			}
			a.End = s
		}
	}
}

// Iterator is a read-locked cursor over a Vector's areas in ascending
// order. Mutating the vector while an Iterator is live deadlocks (or, for
// NoLock vectors, races) — the same contract as the BSD client API's
// vmvector_iterator_* family, which holds the read lock for its lifetime.
type Iterator[P any] struct {
	v     *Vector[P]
	items []*Area[P]
	pos   int
	done  bool
}

// Iterate begins a read-locked traversal of the whole vector.
func (v *Vector[P]) Iterate() *Iterator[P] {
	v.lockRead()
	items := make([]*Area[P], 0, v.len)
	v.tree.Ascend(func(it *Area[P]) bool {
		items = append(items, it)
		return true
	})
	return &Iterator[P]{v: v, items: items}
}

// HasNext reports whether Next would return another area.
func (it *Iterator[P]) HasNext() bool {
	return !it.done && it.pos < len(it.items)
}

// Peek returns the next area without advancing the cursor.
func (it *Iterator[P]) Peek() (Area[P], bool) {
	if !it.HasNext() {
		return Area[P]{}, false
	}
	return *it.items[it.pos], true
}

// Next returns the next (start, end, payload) triple and advances.
func (it *Iterator[P]) Next() (Area[P], bool) {
	a, ok := it.Peek()
	if ok {
		it.pos++
	}
	return a, ok
}

// Stop releases the read lock taken by Iterate. It is safe to call Stop
// more than once.
func (it *Iterator[P]) Stop() {
	if it.done {
		return
	}
	it.done = true
	it.v.unlockRead()
}

// Print writes a human-readable dump of the vector's areas, matching the
// debug-introspection role of vmvector_print in the downward client API.
func (v *Vector[P]) Print(w interface{ WriteString(string) (int, error) }) {
	it := v.Iterate()
	defer it.Stop()
	w.WriteString(fmt.Sprintf("%s:\n", v.name))
	for a, ok := it.Next(); ok; a, ok = it.Next() {
		w.WriteString(fmt.Sprintf("  %s vm=%#x frag=%#x\n", a.Range(), uint32(a.VM), uint32(a.Frag)))
	}
}
