package vmarea

import (
	"github.com/sirupsen/logrus"

	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/intervalset"
	"github.com/vmengine/codecache/pkg/pageprotect"
)

// ViewForThread resolves which view a fault on behalf of a given
// thread should flush: the thread's private view for a non-shared
// catalog area, or the shared view for a shared one.
type ViewForThread func(ThreadID, bool /* shared */) *View

// RseqRegion is one registered restartable-sequence: a write fault
// whose resume address falls in [Start, End) must instead resume at
// AbortPC, mirroring drx's scatter/gather restart-point rewriting.
type RseqRegion struct {
	hostarch.AddrRange
	AbortPC hostarch.Addr
}

// FaultHandler is component E: the write-fault and protection-change
// handler sitting between the OS's raw SIGSEGV/STATUS_ACCESS_VIOLATION
// delivery and the catalog/view/flush machinery.
type FaultHandler struct {
	log     *logrus.Entry
	catalog *Catalog
	aux     *Aux
	arena   *Arena
	flush   *FlushEngine
	gate    *PolicyGate
	view    ViewForThread
	unlink  BlockUnlinker

	rseqMu  chan struct{} // 1-buffered channel used as a mutex; created by NewFaultHandler
	rseq    []RseqRegion
}

// NewFaultHandler wires a FaultHandler to its collaborators. view
// resolves which View to flush blocks out of for a given thread and
// shared-ness; unlink detaches a block from the translator's own
// dispatch tables.
func NewFaultHandler(log *logrus.Entry, catalog *Catalog, aux *Aux, arena *Arena, flush *FlushEngine, gate *PolicyGate, view ViewForThread, unlink BlockUnlinker) *FaultHandler {
	return &FaultHandler{
		log:     log,
		catalog: catalog,
		aux:     aux,
		arena:   arena,
		flush:   flush,
		gate:    gate,
		view:    view,
		unlink:  unlink,
		rseqMu:  make(chan struct{}, 1),
	}
}

// RegisterRseqRegion records a restartable sequence so ResolveRseqAbort
// can redirect a write fault's resume address.
func (h *FaultHandler) RegisterRseqRegion(r RseqRegion) {
	h.rseqMu <- struct{}{}
	h.rseq = append(h.rseq, r)
	<-h.rseqMu
}

// ResolveRseqAbort returns the address a write fault's resume PC
// should actually resume at: pc unchanged unless it falls inside a
// registered sequence's body, in which case its paired AbortPC.
func (h *FaultHandler) ResolveRseqAbort(pc hostarch.Addr) hostarch.Addr {
	h.rseqMu <- struct{}{}
	defer func() { <-h.rseqMu }()
	for _, r := range h.rseq {
		if r.Contains(pc) {
			return r.AbortPC
		}
	}
	return pc
}

// WriteFaultOutcome reports what a write fault resolved to, driving
// the caller's decision of whether to retry the faulting instruction.
type WriteFaultOutcome struct {
	// Sandboxed is true if the written area was (or already was)
	// converted to a self-modifying sandbox, meaning the write should
	// simply be retried with no further engine action.
	Sandboxed bool
	// AlreadyWritable is true if no catalog area covers the target, if
	// the race-reconciliation path found the target already writable by
	// the time this fault was handled, or if the target was an
	// already-sandboxed area whose writability this handler restored
	// without a flush.
	AlreadyWritable bool
	// Demoted reports whether RecordWrite's ro2sandbox threshold fired
	// on this write, in case the caller wants to log it.
	Demoted bool
}

// HandleWriteFault is the write-fault algorithm: a write landed inside
// writeTarget, a page the catalog has marked executable and read-only
// (or made-read-only). thread identifies the faulting observer for
// view selection and written-area bookkeeping is process-wide.
func (h *FaultHandler) HandleWriteFault(thread ThreadID, writeTarget hostarch.Addr) (WriteFaultOutcome, error) {
	area, ok := h.catalog.Lookup(writeTarget)
	if !ok {
		// The OS already let the write through (no catalog entry covers
		// it); nothing for the engine to reconcile.
		return WriteFaultOutcome{AlreadyWritable: true}, nil
	}

	if area.VM&Writable != 0 {
		// Race: another thread's fault handler already restored
		// writability (or RecordWrite already promoted this area to
		// sandboxed) between the trap and this handler running.
		return WriteFaultOutcome{AlreadyWritable: true, Sandboxed: area.Frag&SelfmodSandboxed != 0}, nil
	}

	if area.Payload.Class == ClassSandboxed || area.Frag&SelfmodSandboxed != 0 {
		// Already sandboxed: just restore writability, no flush needed.
		if err := pageprotect.MakeWritable(hostarch.AddrRange{Start: area.Start, End: area.End}, true); err != nil {
			return WriteFaultOutcome{}, err
		}
		h.catalog.Vector().ModifyFlags(area.Start, area.End, area.VM|Writable, area.Frag)
		return WriteFaultOutcome{AlreadyWritable: true, Sandboxed: true}, nil
	}

	writePage := writeTarget.PageRoundDown()
	writePageEnd := writePage + hostarch.PageSize

	shared := area.Payload.Coarse == nil || area.Frag&CoarseGrain == 0
	view := h.view(thread, !shared)
	pageFrags := view.AreasOverlapping(writePage, writePageEnd)

	overlap := false
	for _, a := range pageFrags {
		if h.arena.Len(a.Payload.FragHead) > 0 {
			overlap = true
			break
		}
	}

	count := h.aux.RecordWrite(writeTarget)
	demoted := h.catalog.RecordWrite(writeTarget, count)

	if overlap || demoted {
		outcome, err := h.convertToSandbox(thread, view, area, writePage, writePageEnd)
		if err == nil {
			outcome.Demoted = demoted
		}
		return outcome, err
	}
	return h.removeTargetPages(thread, view, area, writePage, writePageEnd, demoted)
}

// convertToSandbox is write-fault Case A: code was actually built from
// the faulting page, so the whole written-page span is flushed and the
// overlapping catalog area (possibly split down to just the written
// pages) is reclassified ClassSandboxed and left writable going
// forward.
func (h *FaultHandler) convertToSandbox(thread ThreadID, view *View, area intervalset.Area[CatalogPayload], pageStart, pageEnd hostarch.Addr) (WriteFaultOutcome, error) {
	h.flush.PrivateFlush(view, pageStart, pageEnd, h.unlink)

	if area.Payload.Coarse != nil {
		stripCoarseIfIATRace(h, area, pageStart, pageEnd)
	}

	// Split the catalog area so only the written span becomes sandboxed;
	// the rest of the original area keeps its prior class.
	h.catalog.Remove(pageStart, pageEnd, nil)
	h.catalog.AddNewRegion(pageStart, pageEnd, true /* writable */, true /* knownSelfWriting */, false)

	if err := pageprotect.MakeWritable(hostarch.AddrRange{Start: pageStart, End: pageEnd}, true); err != nil {
		return WriteFaultOutcome{}, err
	}
	return WriteFaultOutcome{Sandboxed: true}, nil
}

// removeTargetPages is write-fault Case B: no block was actually built
// from the written page (an ordinary, conservatively-protected RO
// region), so only the target's pages are dropped from the catalog and
// flushed; the rest of the original area stays read-only and
// executable.
func (h *FaultHandler) removeTargetPages(thread ThreadID, view *View, area intervalset.Area[CatalogPayload], pageStart, pageEnd hostarch.Addr, demoted bool) (WriteFaultOutcome, error) {
	h.flush.PrivateFlush(view, pageStart, pageEnd, h.unlink)
	h.catalog.Remove(pageStart, pageEnd, nil)

	if err := pageprotect.MakeWritable(hostarch.AddrRange{Start: pageStart, End: pageEnd}, false); err != nil {
		return WriteFaultOutcome{}, err
	}
	return WriteFaultOutcome{Demoted: demoted}, nil
}

// stripCoarseIfIATRace handles the narrow overlap between a coarse
// persisted unit and a write landing inside it: rather than flushing
// and discarding, a write exactly matching a registered IAT range is
// stashed for later comparison instead, since IAT patching is routine
// loader behavior rather than genuine self-modification.
func stripCoarseIfIATRace(h *FaultHandler, area intervalset.Area[CatalogPayload], pageStart, pageEnd hostarch.Addr) {
	iat, ok := h.aux.IAT.Lookup(pageStart)
	if !ok || iat.Start != pageStart || iat.End != pageEnd {
		coarseunitStripOnWrite(area)
		return
	}
	current, err := pageprotectReadLive(hostarch.AddrRange{Start: pageStart, End: pageEnd})
	if err != nil {
		coarseunitStripOnWrite(area)
		return
	}
	area.Payload.Coarse.StashAndInvalidate(current)
}

func coarseunitStripOnWrite(area intervalset.Area[CatalogPayload]) {
	if area.Payload.Coarse != nil {
		area.Payload.Coarse.ResetAndFree()
	}
}

func pageprotectReadLive(r hostarch.AddrRange) ([]byte, error) {
	return pageprotect.ReadLive(r), nil
}

// ProtectionChangeKind classifies the transition HandleProtectionChange
// was invoked for.
type ProtectionChangeKind uint8

const (
	// ToWritableFromExecutable: an executable (possibly catalogued)
	// region just became writable.
	ToWritableFromExecutable ProtectionChangeKind = iota
	// ToNonWritableFromExecutableWritable: a writable+executable region
	// just lost writability.
	ToNonWritableFromExecutableWritable
	// ToExecutableFromData: a non-executable region just became
	// executable.
	ToExecutableFromData
	// ToNonExecutable: an executable region just lost executability.
	ToNonExecutable
)

// ProtectionChangeRequest bundles one mprotect-equivalent transition's
// inputs.
type ProtectionChangeRequest struct {
	Kind       ProtectionChangeKind
	Range      hostarch.AddrRange
	NowWritable, NowExecutable bool
	IsStack    bool
	Thread     ThreadID
	ReadBytes  func(n int) []byte
}

// HandleProtectionChange is the protection-change algorithm: it keeps
// the catalog in sync whenever the app (or the OS on its behalf)
// changes a region's protection bits outside of a write fault.
func (h *FaultHandler) HandleProtectionChange(req ProtectionChangeRequest) error {
	switch req.Kind {
	case ToWritableFromExecutable:
		return h.onWritableOverExecutable(req)
	case ToNonWritableFromExecutableWritable:
		// No consistency action: the region was already tracked as
		// writable+executable (a sandbox or a delayed-RO area). The
		// catalog entry keeps its flags; the new read-only status is not
		// recorded anywhere.
		return nil
	case ToExecutableFromData:
		return h.onExecutableOverData(req)
	case ToNonExecutable:
		h.catalog.Remove(req.Range.Start, req.Range.End, nil)
		h.aux.FutureExecutable.Remove(req.Range.Start, req.Range.End, nil)
		return nil
	default:
		return nil
	}
}

func (h *FaultHandler) onWritableOverExecutable(req ProtectionChangeRequest) error {
	area, ok := h.catalog.Lookup(req.Range.Start)
	if !ok {
		return nil
	}
	if area.Payload.Coarse != nil {
		stripCoarseIfIATRace(h, area, req.Range.Start, req.Range.End)
		if area.Payload.Coarse.Invalid() {
			// Stashed for a rebind comparison rather than flushed: leave
			// the catalog entry and blocks alone.
			return nil
		}
	}
	shared := area.Payload.Coarse == nil || area.Frag&CoarseGrain == 0
	view := h.view(req.Thread, !shared)
	h.flush.PrivateFlush(view, req.Range.Start, req.Range.End, h.unlink)
	h.catalog.Remove(req.Range.Start, req.Range.End, nil)
	return nil
}

func (h *FaultHandler) onExecutableOverData(req ProtectionChangeRequest) error {
	result := h.gate.Admit(AdmitRequest{
		Addr:       req.Range.Start,
		Readable:   true,
		Writable:   req.NowWritable,
		Executable: req.NowExecutable,
		IsStack:    req.IsStack,
		Thread:     req.Thread,
		ReadBytes:  req.ReadBytes,
	})
	if !result.Admit {
		return ErrNoPolicyMatch
	}
	if req.NowWritable {
		h.gate.AddFutureExecutable(req.Range, false)
		return nil
	}
	h.catalog.AddNewRegion(req.Range.Start, req.Range.End, false, false, false)
	if result.Frag&SelfmodSandboxed != 0 {
		h.catalog.Vector().ModifyFlags(req.Range.Start, req.Range.End, Writable, result.Frag)
	}
	return nil
}
