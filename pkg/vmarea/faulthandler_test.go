package vmarea

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vmengine/codecache/pkg/coarseunit"
	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/policyconfig"
)

// mapTestPage mmaps a single anonymous RWX page so HandleWriteFault's
// real mprotect calls land on genuinely mapped memory instead of an
// arbitrary fake address.
func mapTestPage(t *testing.T) hostarch.AddrRange {
	t.Helper()
	b, err := unix.Mmap(-1, 0, hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap test page: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(b) })
	start := hostarch.Addr(uintptr(unsafe.Pointer(&b[0])))
	return hostarch.AddrRange{Start: start, End: start + hostarch.PageSize}
}

func newTestFaultHandler(t *testing.T) (*FaultHandler, *Catalog, *Aux, *Arena, *FlushEngine, *View) {
	t.Helper()
	catalog := NewCatalog(testLog(), 1, 4)
	aux := NewAux()
	arena := NewArena()
	flush := NewFlushEngine(testLog(), arena, 8, 0)
	view := NewView("thread", false, arena)
	gate := NewPolicyGate(policyconfig.Default(), testLog(), aux, hostarch.AddrRange{}, nil, nil)
	resolve := func(ThreadID, bool) *View { return view }
	h := NewFaultHandler(testLog(), catalog, aux, arena, flush, gate, resolve, func(BlockHandle) {})
	return h, catalog, aux, arena, flush, view
}

// TestHandleWriteFaultCaseBNoBlockBuilt covers scenario S2: a write
// lands on an RO code page nothing was ever built from. Only the
// written pages are dropped from the catalog and the rest of the
// original area is left alone.
func TestHandleWriteFaultCaseBNoBlockBuilt(t *testing.T) {
	h, catalog, _, _, _, _ := newTestFaultHandler(t)
	pg := mapTestPage(t)
	catalog.AddNewRegion(pg.Start, pg.End, false, false, false)

	outcome, err := h.HandleWriteFault(1, pg.Start+16)
	if err != nil {
		t.Fatalf("HandleWriteFault: %v", err)
	}
	if outcome.Sandboxed {
		t.Errorf("Sandboxed = true, want false for case B (no block built)")
	}
	if _, ok := catalog.Lookup(pg.Start + 16); ok {
		t.Errorf("catalog area still present after case B write fault")
	}
}

// TestHandleWriteFaultCaseASelfModifyingConvertsToSandbox covers scenario S1: a
// block was actually built from the written page, so the write fault
// converts the area to a self-modifying sandbox instead of discarding it.
func TestHandleWriteFaultCaseASelfModifyingConvertsToSandbox(t *testing.T) {
	h, catalog, _, _, _, view := newTestFaultHandler(t)
	pg := mapTestPage(t)
	catalog.AddNewRegion(pg.Start, pg.End, false, false, false)

	// A block was built covering the write target, so the view has a
	// live fragment on that page.
	view.AddFragment(pg.Start, pg.End, 0, 0, BlockHandle(1), pg.Start+8)

	outcome, err := h.HandleWriteFault(1, pg.Start+8)
	if err != nil {
		t.Fatalf("HandleWriteFault: %v", err)
	}
	if !outcome.Sandboxed {
		t.Errorf("Sandboxed = false, want true for case A (block built from written page)")
	}

	a, ok := catalog.Lookup(pg.Start + 8)
	if !ok {
		t.Fatalf("catalog area missing after case A write fault")
	}
	if a.Payload.Class != ClassSandboxed {
		t.Errorf("Class = %v, want ClassSandboxed", a.Payload.Class)
	}
	if a.VM&Writable == 0 {
		t.Errorf("Writable not set after conversion to sandbox")
	}
}

// TestHandleWriteFaultAlreadySandboxedRestoresWritable covers the
// already-sandboxed fast path: a second write to an already-sandboxed
// area just restores writability, no flush.
func TestHandleWriteFaultAlreadySandboxedRestoresWritable(t *testing.T) {
	h, catalog, _, _, _, _ := newTestFaultHandler(t)
	pg := mapTestPage(t)
	catalog.AddNewRegion(pg.Start, pg.End, true, true, false) // ClassSandboxed, Writable already
	// Simulate protection having been dropped back to RO externally
	// (e.g. RecordWrite demoted it, then the OS revoked writability).
	catalog.Vector().ModifyFlags(pg.Start, pg.End, 0, SelfmodSandboxed)

	outcome, err := h.HandleWriteFault(1, pg.Start+8)
	if err != nil {
		t.Fatalf("HandleWriteFault: %v", err)
	}
	if !outcome.Sandboxed || !outcome.AlreadyWritable {
		t.Errorf("outcome = %+v, want Sandboxed=true AlreadyWritable=true", outcome)
	}
	a, _ := catalog.Lookup(pg.Start + 8)
	if a.VM&Writable == 0 {
		t.Errorf("Writable not restored on an already-sandboxed area")
	}
}

func TestHandleWriteFaultNoCatalogEntry(t *testing.T) {
	h, _, _, _, _, _ := newTestFaultHandler(t)
	outcome, err := h.HandleWriteFault(1, 0x1234)
	if err != nil {
		t.Fatalf("HandleWriteFault: %v", err)
	}
	if !outcome.AlreadyWritable {
		t.Errorf("outcome = %+v, want AlreadyWritable=true for an untracked address", outcome)
	}
}

// TestHandleProtectionChangeWritableOverExecutableFlushesAndRemoves
// covers the ToWritableFromExecutable transition: any blocks built from
// the region are flushed and the catalog entry is dropped.
func TestHandleProtectionChangeWritableOverExecutableFlushesAndRemoves(t *testing.T) {
	h, catalog, _, _, _, view := newTestFaultHandler(t)
	ar := hostarch.AddrRange{Start: 0x1000, End: 0x2000}
	catalog.AddNewRegion(ar.Start, ar.End, false, false, false)
	view.AddFragment(ar.Start, ar.End, 0, 0, BlockHandle(1), ar.Start+8)

	var unlinked []BlockHandle
	h.unlink = func(b BlockHandle) { unlinked = append(unlinked, b) }

	err := h.HandleProtectionChange(ProtectionChangeRequest{
		Kind:        ToWritableFromExecutable,
		Range:       ar,
		NowWritable: true,
	})
	if err != nil {
		t.Fatalf("HandleProtectionChange: %v", err)
	}
	if len(unlinked) != 1 || unlinked[0] != BlockHandle(1) {
		t.Errorf("unlinked = %v, want [1]", unlinked)
	}
	if _, ok := catalog.Lookup(ar.Start + 8); ok {
		t.Errorf("catalog area still present after ToWritableFromExecutable")
	}
}

// TestHandleProtectionChangeExecutableOverDataAdmitsViaGate covers the
// ToExecutableFromData transition for a non-writable target: the
// region is admitted through the policy gate and lands in the catalog.
func TestHandleProtectionChangeExecutableOverDataAdmitsViaGate(t *testing.T) {
	h, catalog, _, _, _, _ := newTestFaultHandler(t)
	ar := hostarch.AddrRange{Start: 0x9000, End: 0xA000}

	err := h.HandleProtectionChange(ProtectionChangeRequest{
		Kind:          ToExecutableFromData,
		Range:         ar,
		NowExecutable: true,
	})
	if err != nil {
		t.Fatalf("HandleProtectionChange: %v", err)
	}
	if _, ok := catalog.Lookup(ar.Start + 8); !ok {
		t.Errorf("region not admitted into the catalog by ToExecutableFromData")
	}
}

// TestHandleProtectionChangeExecutableOverDataWritableDefers covers the
// writable variant: the region is recorded as future-executable rather
// than admitted directly.
func TestHandleProtectionChangeExecutableOverDataWritableDefers(t *testing.T) {
	h, catalog, aux, _, _, _ := newTestFaultHandler(t)
	ar := hostarch.AddrRange{Start: 0x9000, End: 0xA000}

	err := h.HandleProtectionChange(ProtectionChangeRequest{
		Kind:          ToExecutableFromData,
		Range:         ar,
		NowWritable:   true,
		NowExecutable: true,
	})
	if err != nil {
		t.Fatalf("HandleProtectionChange: %v", err)
	}
	if _, ok := catalog.Lookup(ar.Start + 8); ok {
		t.Errorf("writable region ended up directly in the catalog")
	}
	if _, ok := aux.FutureExecutable.Lookup(ar.Start + 8); !ok {
		t.Errorf("writable region was not recorded as future-executable")
	}
}

func TestHandleProtectionChangeToNonExecutableRemoves(t *testing.T) {
	h, catalog, aux, _, _, _ := newTestFaultHandler(t)
	ar := hostarch.AddrRange{Start: 0x1000, End: 0x2000}
	catalog.AddNewRegion(ar.Start, ar.End, false, false, false)
	aux.FutureExecutable.Add(ar.Start, ar.End, 0, 0, FutureExec{})

	if err := h.HandleProtectionChange(ProtectionChangeRequest{Kind: ToNonExecutable, Range: ar}); err != nil {
		t.Fatalf("HandleProtectionChange: %v", err)
	}
	if _, ok := catalog.Lookup(ar.Start + 8); ok {
		t.Errorf("catalog area still present after ToNonExecutable")
	}
	if _, ok := aux.FutureExecutable.Lookup(ar.Start + 8); ok {
		t.Errorf("future-executable entry still present after ToNonExecutable")
	}
}

// TestHandleProtectionChangeCoarseUnitStashesOnIATMatch covers scenario
// S5's write side: a write over a persisted coarse unit whose range
// exactly matches a registered IAT range is a loader rebind candidate,
// not genuine self-modification. The live page is stashed for later
// comparison (via pageprotectReadLive's real memory read) rather than
// flushed and discarded, so the catalog area and its blocks survive.
func TestHandleProtectionChangeCoarseUnitStashesOnIATMatch(t *testing.T) {
	h, catalog, aux, _, _, view := newTestFaultHandler(t)
	ar := mapTestPage(t)
	catalog.AddNewRegion(ar.Start, ar.End, false, false, false)
	view.AddFragment(ar.Start, ar.End, 0, 0, BlockHandle(1), ar.Start+8)

	unit := coarseunit.NewPersisted(ar, "")
	unit.StashAndInvalidate([]byte("stale"))
	a, _ := catalog.Lookup(ar.Start)
	a.Payload.Coarse = unit
	catalog.Vector().ModifyPayload(a.Start, a.End, a.Payload)

	aux.IAT.Add(ar.Start, ar.End, 0, 0, IATInfo{Module: "test.dll"})

	var unlinked []BlockHandle
	h.unlink = func(b BlockHandle) { unlinked = append(unlinked, b) }

	err := h.HandleProtectionChange(ProtectionChangeRequest{
		Kind:        ToWritableFromExecutable,
		Range:       ar,
		NowWritable: true,
	})
	if err != nil {
		t.Fatalf("HandleProtectionChange: %v", err)
	}
	if !unit.Invalid() {
		t.Errorf("unit no longer marked invalid after an IAT-matching stash")
	}
	if len(unlinked) != 0 {
		t.Errorf("unlinked = %v, want none: an IAT match must not flush", unlinked)
	}
	if _, ok := catalog.Lookup(ar.Start + 8); !ok {
		t.Errorf("catalog area removed after an IAT-matching stash, want it left alone")
	}
}

// TestHandleProtectionChangeCoarseUnitResetsOnWritableTransition covers
// the non-IAT-match side of scenario S5: a write over a persisted
// coarse unit whose range does not correspond to a registered IAT
// range falls back to the ordinary strip-and-free path, flushing the
// area like any other writable transition.
func TestHandleProtectionChangeCoarseUnitResetsOnWritableTransition(t *testing.T) {
	h, catalog, _, _, _, view := newTestFaultHandler(t)
	ar := hostarch.AddrRange{Start: 0x1000, End: 0x2000}
	catalog.AddNewRegion(ar.Start, ar.End, false, false, false)
	view.AddFragment(ar.Start, ar.End, 0, 0, BlockHandle(1), ar.Start+8)

	unit := coarseunit.NewPersisted(ar, "")
	unit.StashAndInvalidate([]byte("stale"))
	a, _ := catalog.Lookup(ar.Start)
	a.Payload.Coarse = unit
	catalog.Vector().ModifyPayload(a.Start, a.End, a.Payload)

	// No IAT entry registered for ar, so stripCoarseIfIATRace falls
	// back to the strip-and-free path without attempting a live read.

	var unlinked []BlockHandle
	h.unlink = func(b BlockHandle) { unlinked = append(unlinked, b) }

	err := h.HandleProtectionChange(ProtectionChangeRequest{
		Kind:        ToWritableFromExecutable,
		Range:       ar,
		NowWritable: true,
	})
	if err != nil {
		t.Fatalf("HandleProtectionChange: %v", err)
	}
	if unit.Invalid() {
		t.Errorf("unit still marked invalid after the strip-on-write fallback")
	}
	if len(unlinked) != 1 || unlinked[0] != BlockHandle(1) {
		t.Errorf("unlinked = %v, want [1]", unlinked)
	}
	if _, ok := catalog.Lookup(ar.Start + 8); ok {
		t.Errorf("catalog area still present after the coarse unit reset and flush")
	}
}

func TestResolveRseqAbortRedirectsInsideRegion(t *testing.T) {
	h, _, _, _, _, _ := newTestFaultHandler(t)
	h.RegisterRseqRegion(RseqRegion{
		AddrRange: hostarch.AddrRange{Start: 0x1000, End: 0x1100},
		AbortPC:   0x1050,
	})

	if got := h.ResolveRseqAbort(0x1080); got != 0x1050 {
		t.Errorf("ResolveRseqAbort(in-region) = %#x, want 0x1050", got)
	}
	if got := h.ResolveRseqAbort(0x2000); got != 0x2000 {
		t.Errorf("ResolveRseqAbort(outside) = %#x, want unchanged 0x2000", got)
	}
}
