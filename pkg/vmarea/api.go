package vmarea

import (
	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/intervalset"
)

// VMAreaListEntry is one area membership record accumulated while a
// block is being built: the catalog area it was built from and the
// exact address inside it that the translator actually touched (the
// block's tag for the first entry, the crossing address for every
// subsequent one).
type VMAreaListEntry struct {
	Area intervalset.Area[CatalogPayload]
	Addr hostarch.Addr
}

// VMAreaList is the upward API's vmlist accumulator (§6): it collects
// every area a block-in-progress has read from, in the order
// CheckThreadVMArea/VMAreaAddToList encountered them. The first entry
// is always the block's tag and becomes its head record; the rest
// become extra records once VMAreaAddFragment commits the block.
type VMAreaList struct {
	Entries []VMAreaListEntry
}

// Contains reports whether addr already falls inside an area already
// on the list, so a caller extending translation across a direct
// branch doesn't re-run CheckThreadVMArea for addresses already seen.
func (l *VMAreaList) Contains(addr hostarch.Addr) bool {
	for _, e := range l.Entries {
		if e.Area.Range().Contains(addr) {
			return true
		}
	}
	return false
}

// CheckResult is the result of CheckThreadVMArea.
type CheckResult struct {
	// OK reports whether translation may proceed. False means either
	// the policy gate refused admission (a violation was raised and its
	// Action is not ActionContinue) or pc fell past the end of any
	// mapping the app actually has, in which case Action is
	// ActionForgeException.
	OK bool
	// StopPC is the address at which translation must stop: a block may
	// not silently cross a consistency-class boundary, so it is always
	// the end of the containing area.
	StopPC hostarch.Addr
	Flags  intervalset.VMFlags
	Frag   intervalset.FragFlags
	// Violation and Action are only meaningful when OK is false.
	Violation ViolationKind
	Action    Action
}

func pageRange(addr hostarch.Addr) hostarch.AddrRange {
	start := addr.PageRoundDown()
	return hostarch.AddrRange{Start: start, End: start + hostarch.PageSize}
}

// CheckThreadVMArea is called before building each basic block (and
// again whenever translation is about to cross into a new area): it
// admits a never-before-seen region through the policy gate on first
// sight, accumulates area membership onto list, and reports the
// address at which the caller must stop extending this block.
func (e *Engine) CheckThreadVMArea(thread ThreadID, pc hostarch.Addr, list *VMAreaList, isXfer bool) CheckResult {
	if list.Contains(pc) {
		a, _ := e.Catalog.Lookup(pc)
		return CheckResult{OK: true, StopPC: a.End, Flags: a.VM, Frag: a.Frag}
	}

	area, ok := e.Catalog.Lookup(pc)
	if !ok {
		if isXfer && !e.Aux.Mapped.Overlap(pc, pc+1) {
			// Translation was extending across an area boundary
			// mid-block (the "crossing into a new area" call) and ran
			// off the end of every mapping the app actually has: there
			// is no code here for the gate to have an opinion on.
			return CheckResult{OK: false, Violation: ViolationUnreadableCode, Action: ActionForgeException}
		}
		admitted := e.Gate.Admit(AdmitRequest{Addr: pc, Readable: true, Executable: true, Thread: thread})
		if !admitted.Admit {
			return CheckResult{OK: false, Violation: admitted.Violation, Action: admitted.Action}
		}
		pr := pageRange(pc)
		e.Catalog.AddNewRegion(pr.Start, pr.End, false, false, false)
		if admitted.Frag != 0 {
			e.Catalog.Vector().ModifyFlags(pr.Start, pr.End, 0, admitted.Frag)
		}
		area, ok = e.Catalog.Lookup(pc)
		if !ok {
			return CheckResult{OK: false}
		}
	}

	if area.VM&AddToSharedOnFirstQuery != 0 {
		e.sharedView.EnsureArea(area.Start, area.End, area.VM, area.Frag)
	}
	e.Catalog.MarkExecuted(pc)

	list.Entries = append(list.Entries, VMAreaListEntry{Area: area, Addr: pc})
	return CheckResult{OK: true, StopPC: area.End, Flags: area.VM, Frag: area.Frag}
}

// VMAreaAddToList copies tag's area membership onto list when building
// a trace atop an already-built base block, without re-running
// admission: the base block was already admitted once.
func (e *Engine) VMAreaAddToList(thread ThreadID, tag hostarch.Addr, list *VMAreaList, baseBlock BlockHandle) bool {
	if list.Contains(tag) {
		return true
	}
	area, ok := e.Catalog.Lookup(tag)
	if !ok {
		return false
	}
	list.Entries = append(list.Entries, VMAreaListEntry{Area: area, Addr: tag})
	return true
}

// VMAreaAddFragment commits a built block: list's first entry becomes
// the block's head record (anchored at its tag's area); every further
// entry becomes an "also" extra record anchored at the area it spans
// into. shared selects whether the block's nodes live in the
// process-wide shared view or the calling thread's private view.
func (e *Engine) VMAreaAddFragment(thread ThreadID, block BlockHandle, shared bool, list *VMAreaList) {
	if len(list.Entries) == 0 {
		return
	}
	view := e.resolveView(thread, shared)
	head := list.Entries[0]
	headID := view.AddFragment(head.Area.Start, head.Area.End, head.Area.VM, head.Area.Frag, block, head.Addr)
	for _, ent := range list.Entries[1:] {
		view.AddExtra(headID, ent.Area.Start, ent.Area.End, ent.Area.VM, ent.Area.Frag, block, ent.Addr)
	}

	e.blocksMu.Lock()
	e.blocks[block] = &blockRecord{view: view, headAddr: head.Addr, headID: headID}
	e.blocksMu.Unlock()
}

// VMAreaRemoveFragment withdraws a block's fragment-index membership:
// every extra record reachable from its still-live head record, then
// the head record itself. It does not invoke a BlockUnlinker — callers
// that also need the block detached from the translator's dispatch
// tables (an actual flush) go through FlushEngine instead; this is the
// narrower "failed build, block retirement" path (§6).
func (e *Engine) VMAreaRemoveFragment(block BlockHandle) {
	e.blocksMu.Lock()
	rec, ok := e.blocks[block]
	if ok {
		delete(e.blocks, block)
	}
	e.blocksMu.Unlock()
	if !ok {
		return
	}

	type extra struct {
		addr hostarch.Addr
		id   NodeID
	}
	var extras []extra
	e.Arena.Also(rec.headID, func(id NodeID) {
		n := e.Arena.Get(id)
		extras = append(extras, extra{addr: n.addr, id: id})
	})
	for _, ex := range extras {
		rec.view.RemoveFragment(ex.addr, ex.id)
	}
	rec.view.RemoveFragment(rec.headAddr, rec.headID)
}

// VMAreaUnlinkIncoming retires a private block built speculatively and
// never linked into the translator's dispatch tables: it tears down
// the same fragment-index membership as VMAreaRemoveFragment, the
// cache-storage side having never been linked in the first place.
func (e *Engine) VMAreaUnlinkIncoming(block BlockHandle) {
	e.VMAreaRemoveFragment(block)
}

// HandleModifiedCode is the fault-handler upward API: a writer at
// writerAppPC just wrote to targetAddr while block (if known) was
// executing. It returns the app address execution should resume at.
func (e *Engine) HandleModifiedCode(thread ThreadID, writerAppPC, targetAddr hostarch.Addr, block BlockHandle) (hostarch.Addr, error) {
	if _, err := e.Faults.HandleWriteFault(thread, targetAddr); err != nil {
		return 0, err
	}
	return e.Faults.ResolveRseqAbort(writerAppPC), nil
}

// Decision is the module/loader observer's reply to a protection-change
// interception (§6).
type Decision uint8

const (
	ApplyChange Decision = iota
	FailSyscall
	PretendSuccess
	ApplyToSubsetOnly
)

// AppMemoryAllocation registers a freshly mapped region. It returns
// whether the region was admitted to the executable-areas catalog
// immediately (false for a writable region, which is instead recorded
// as future-executable pending its first real execution attempt).
func (e *Engine) AppMemoryAllocation(ar hostarch.AddrRange, writable, executable, isImage bool) bool {
	e.Aux.Mapped.Add(ar.Start, ar.End, 0, 0, struct{}{})
	if !executable {
		return false
	}
	admitted := e.Gate.Admit(AdmitRequest{Addr: ar.Start, Readable: true, Writable: writable, Executable: true})
	if !admitted.Admit {
		return false
	}
	if writable {
		e.Gate.AddFutureExecutable(ar, false)
		return false
	}
	e.Catalog.AddNewRegion(ar.Start, ar.End, false, false, false)
	return true
}

// AppMemoryProtectionChange is invoked before an intercepted
// mprotect-equivalent syscall is dispatched to the OS: it keeps the
// catalog in sync and reports what the caller should actually ask the
// OS to do.
func (e *Engine) AppMemoryProtectionChange(req ProtectionChangeRequest) (Decision, error) {
	if req.NowWritable && e.Aux.PretendWritable.Overlap(req.Range.Start, req.Range.End) {
		return PretendSuccess, nil
	}
	if err := e.Faults.HandleProtectionChange(req); err != nil {
		return FailSyscall, err
	}
	return ApplyChange, nil
}

// AppMemoryDeallocation removes an unmapped region from the catalog
// and from the future-executable, IAT and mapped auxiliary vectors.
// The other auxiliary vectors are left unchanged.
func (e *Engine) AppMemoryDeallocation(ar hostarch.AddrRange, ownSynch bool) {
	e.Catalog.Remove(ar.Start, ar.End, nil)
	e.Aux.FutureExecutable.Remove(ar.Start, ar.End, nil)
	e.Aux.IAT.Remove(ar.Start, ar.End, nil)
	e.Aux.Mapped.Remove(ar.Start, ar.End, nil)
}

// AppMemoryFlush implements an explicit app-issued icache-flush
// syscall: the range is recorded as app-flushed and every block built
// from it (shared or private) is unlinked immediately.
func (e *Engine) AppMemoryFlush(thread ThreadID, ar hostarch.AddrRange) {
	e.Aux.AppFlushed.Add(ar.Start, ar.End, 0, 0, struct{}{})
	e.Flush.PrivateFlush(e.resolveView(thread, true), ar.Start, ar.End, e.unlink)
	e.Flush.PrivateFlush(e.resolveView(thread, false), ar.Start, ar.End, e.unlink)
}

// MarkUnloadStart records [start,start+size) as the module currently
// being unmapped, the single-slot record guarded by the engine's
// lastDeallocMu.
func (e *Engine) MarkUnloadStart(base hostarch.Addr, size int64) {
	e.lastDeallocMu.Lock()
	e.lastDealloc = hostarch.AddrRange{Start: base, End: base + hostarch.Addr(size)}
	e.lastDeallocMu.Unlock()
}

// MarkUnloadEnd clears the most-recently-unmapped-module record once
// base's unload has fully completed.
func (e *Engine) MarkUnloadEnd(base hostarch.Addr) {
	e.lastDeallocMu.Lock()
	if e.lastDealloc.Start == base {
		e.lastDealloc = hostarch.AddrRange{}
	}
	e.lastDeallocMu.Unlock()
}

// LastUnloaded returns the most recently started module unload, if any
// is still in progress.
func (e *Engine) LastUnloaded() (hostarch.AddrRange, bool) {
	e.lastDeallocMu.Lock()
	defer e.lastDeallocMu.Unlock()
	return e.lastDealloc, e.lastDealloc.Length() > 0
}
