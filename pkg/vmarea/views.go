package vmarea

import (
	"sync"

	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/intervalset"
)

// ViewPayload is the payload carried by areas in a View's vector: the
// head of the fragment-index list anchored at this area.
type ViewPayload struct {
	FragHead NodeID
}

// View is a per-thread or shared projection of the executable-areas
// catalog, caching which areas this context has built code from. The
// shared view and every per-thread view share one Arena, since blocks
// and nodes are owned by the engine as a whole, not by any single view.
type View struct {
	name   string
	shared bool
	arena  *Arena
	vec    *intervalset.Vector[ViewPayload]

	// cacheMu guards lastArea/lastDecodePage, which must be invalidated
	// together with any mutation that could make them stale.
	cacheMu         sync.Mutex
	lastArea        *intervalset.Area[ViewPayload]
	lastDecodePage  hostarch.Addr
	lastDecodeValid bool
}

// NewView constructs a View. shared selects the reader/writer-locked
// vector policy used by the process-wide shared view; per-thread views
// are single-owner and need no lock.
func NewView(name string, shared bool, arena *Arena) *View {
	policy := intervalset.FragmentList
	if shared {
		policy |= intervalset.Shared
	}
	cb := intervalset.Callbacks[ViewPayload]{
		FreePayload: func(p ViewPayload) {
			arena.Walk(p.FragHead, func(id NodeID, _ node) {})
		},
		SplitPayload: func(p ViewPayload, at hostarch.Addr) ViewPayload {
			// The new (right-hand) piece starts with an empty fragment
			// list: every node stays on the left piece's list, including
			// any whose address falls in the right piece, which the
			// invariant checker then reports. In practice views are
			// never split except alongside a
			// matching catalog split, which already narrowed the range
			// before fragments were added to it.
			return ViewPayload{FragHead: NilNode}
		},
		MergePayload: func(a, b ViewPayload) ViewPayload {
			// Splice b's fragment chain onto the tail of a's.
			if b.FragHead == NilNode {
				return a
			}
			if a.FragHead == NilNode {
				return b
			}
			arena.Walk(b.FragHead, func(id NodeID, _ node) {
				arena.Append(&a.FragHead, id)
			})
			return a
		},
	}
	return &View{
		name:  name,
		shared: shared,
		arena: arena,
		vec:   intervalset.New[ViewPayload](name, policy, cb),
	}
}

func (v *View) invalidateCaches() {
	v.cacheMu.Lock()
	v.lastArea = nil
	v.lastDecodeValid = false
	v.cacheMu.Unlock()
}

// Lookup returns the view's area covering addr, consulting the
// last_area shortcut first.
func (v *View) Lookup(addr hostarch.Addr) (intervalset.Area[ViewPayload], bool) {
	v.cacheMu.Lock()
	if v.lastArea != nil && v.lastArea.Range().Contains(addr) {
		a := *v.lastArea
		v.cacheMu.Unlock()
		return a, true
	}
	v.cacheMu.Unlock()

	a, ok := v.vec.Lookup(addr)
	if ok {
		v.cacheMu.Lock()
		v.lastArea = &a
		v.cacheMu.Unlock()
	}
	return a, ok
}

// EnsureArea copies [start, end) with the given flags into the view if
// no area already covers it, either the calling thread's own view or
// the shared view for a potentially-shared block. It returns the
// (possibly pre-existing) view area.
func (v *View) EnsureArea(start, end hostarch.Addr, vm intervalset.VMFlags, frag intervalset.FragFlags) intervalset.Area[ViewPayload] {
	if a, ok := v.vec.Lookup(start); ok && a.Start <= start && end <= a.End {
		return a
	}
	v.vec.Add(start, end, vm, frag, ViewPayload{FragHead: NilNode})
	v.invalidateCaches()
	a, _ := v.vec.Lookup(start)
	return a
}

// AddFragment anchors a newly built block's head record (tag inside
// [start,end)) onto this view's area, creating the area copy first if
// necessary: a block's head record always lives on the list of the
// area containing its tag.
func (v *View) AddFragment(start, end hostarch.Addr, vm intervalset.VMFlags, frag intervalset.FragFlags, block BlockHandle, tag hostarch.Addr) NodeID {
	v.EnsureArea(start, end, vm, frag)
	id := v.arena.NewHead(block, tag)
	v.anchor(tag, id)
	return id
}

// AddExtra registers an "also" record for a block that spans into
// another area at addr, which must already have been ensured present.
func (v *View) AddExtra(head NodeID, start, end hostarch.Addr, vm intervalset.VMFlags, frag intervalset.FragFlags, block BlockHandle, addr hostarch.Addr) NodeID {
	v.EnsureArea(start, end, vm, frag)
	extra := v.arena.NewExtra(block, addr, false)
	v.arena.ChainAlso(head, extra)
	v.anchor(addr, extra)
	return extra
}

func (v *View) anchor(addr hostarch.Addr, id NodeID) {
	a, ok := v.vec.Lookup(addr)
	if !ok {
		panic("vmarea: anchor address not covered by any view area")
	}
	p := a.Payload
	v.arena.Append(&p.FragHead, id)
	v.vec.ModifyPayload(a.Start, a.End, p)
	v.invalidateCaches()
}

// RemoveFragment disconnects id from the area list containing addr.
func (v *View) RemoveFragment(addr hostarch.Addr, id NodeID) {
	a, ok := v.vec.Lookup(addr)
	if !ok {
		return
	}
	p := a.Payload
	v.arena.Remove(&p.FragHead, id)
	v.vec.ModifyPayload(a.Start, a.End, p)
	v.invalidateCaches()
	v.arena.Free(id)
}

// Vector exposes the underlying interval vector for callers (the flush
// engine, invariant checks) that need to walk all areas.
func (v *View) Vector() *intervalset.Vector[ViewPayload] { return v.vec }

// AreasOverlapping returns every area in this view intersecting
// [start, end), in ascending order.
func (v *View) AreasOverlapping(start, end hostarch.Addr) []intervalset.Area[ViewPayload] {
	it := v.vec.Iterate()
	defer it.Stop()
	var out []intervalset.Area[ViewPayload]
	for it.HasNext() {
		a, ok := it.Next()
		if !ok {
			break
		}
		if a.Start >= end {
			break
		}
		if a.End <= start {
			continue
		}
		out = append(out, a)
	}
	return out
}
