package vmarea

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vmengine/codecache/pkg/coarseunit"
	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/intervalset"
)

// Class is the executable-areas consistency classification.
type Class uint8

const (
	// ClassROCode is "originally RO code" — the app itself keeps it
	// read-only; no consistency action is needed.
	ClassROCode Class = iota
	// ClassMadeRO is "originally RW code, made RO by the engine" once a
	// block is built from it.
	ClassMadeRO
	// ClassSandboxed is "selfmodifying sandbox": left writable, emitted
	// blocks self-check for writes to their own source.
	ClassSandboxed
)

func (c Class) String() string {
	switch c {
	case ClassROCode:
		return "ROCode"
	case ClassMadeRO:
		return "MadeRO"
	case ClassSandboxed:
		return "Sandboxed"
	default:
		return "unknown"
	}
}

// CatalogPayload is the payload of an executable-areas catalog area
//.
type CatalogPayload struct {
	Class  Class
	Coarse *coarseunit.Handle // non-nil iff the area carries CoarseGrain.
}

// Catalog is the executable-areas catalog (component B): the
// authoritative map of address to (consistency class, flags, coarse
// unit ref). It is process-wide and therefore Shared.
type Catalog struct {
	log *logrus.Entry
	vec *intervalset.Vector[CatalogPayload]

	mu       sync.Mutex // serializes Class-transition bookkeeping alongside vec's own lock.
	ro2sandT uint32
	sandb2roT uint32
}

// NewCatalog constructs an empty catalog. ro2sandboxThreshold and
// sandbox2roThreshold are the write/selfmod-exec thresholds governing
// the Type 2 <-> Type 3 transitions.
func NewCatalog(log *logrus.Entry, ro2sandboxThreshold, sandbox2roThreshold uint32) *Catalog {
	c := &Catalog{log: log, ro2sandT: ro2sandboxThreshold, sandb2roT: sandbox2roThreshold}
	cb := intervalset.Callbacks[CatalogPayload]{
		Reconcile: func(newVM intervalset.VMFlags, _ intervalset.FragFlags, old *intervalset.Area[CatalogPayload]) (intervalset.VMFlags, intervalset.FragFlags) {
			// Tolerated erosion: MovedFromFuture/OnceOnly only survive on
			// the existing area if the incoming area still carries them.
			if newVM&MovedFromFuture == 0 {
				old.VM &^= MovedFromFuture
			}
			if newVM&OnceOnly == 0 {
				old.VM &^= OnceOnly
			}
			return old.VM, old.Frag
		},
		Validate: func(newVM intervalset.VMFlags, newFrag intervalset.FragFlags, oldVM intervalset.VMFlags, oldFrag intervalset.FragFlags) error {
			return validateOverlap(newVM, newFrag, oldVM, oldFrag)
		},
		MergePayload: func(a, b CatalogPayload) CatalogPayload {
			if b.Coarse != nil {
				coarseunit.StripCoarseOnSplit(b.Coarse)
			}
			return a
		},
		SplitPayload: func(p CatalogPayload, _ hostarch.Addr) CatalogPayload {
			tail := p
			if tail.Coarse != nil {
				// The tail of a split loses CoarseGrain; its unit is freed.
				coarseunit.StripCoarseOnSplit(tail.Coarse)
				tail.Coarse = nil
			}
			return tail
		},
	}
	c.vec = intervalset.New[CatalogPayload]("executable-areas", intervalset.Shared, cb)
	return c
}

func validateOverlap(newVM intervalset.VMFlags, newFrag intervalset.FragFlags, oldVM intervalset.VMFlags, oldFrag intervalset.FragFlags) error {
	if newVM&UnmodifiedImage != 0 && oldVM&UnmodifiedImage == 0 {
		return errUnmodifiedImageMismatch
	}
	if newVM&Writable != 0 && oldVM&Writable == 0 {
		return errWritableEscalation
	}
	if newFrag&CoarseGrain != 0 && oldFrag&CoarseGrain == 0 {
		return errCoarseMergeMismatch
	}
	if newFrag&CoarseGrain == 0 && oldFrag&CoarseGrain != 0 {
		return errCoarseMergeMismatch
	}
	if oldFrag&SelfmodSandboxed != 0 && newFrag&SelfmodSandboxed == 0 {
		return errSandboxDemotionViaMerge
	}
	return nil
}

// AddNewRegion adds a freshly observed region to the catalog:
// non-writable becomes Type 1, writable+DelayReadOnly stays writable
// pending lazy promotion, and writable content already known to
// self-write becomes Type 3 directly.
func (c *Catalog) AddNewRegion(start, end hostarch.Addr, writable, knownSelfWriting, delayReadOnly bool) {
	vm := intervalset.VMFlags(0)
	frag := intervalset.FragFlags(0)
	class := ClassROCode
	switch {
	case writable && knownSelfWriting:
		vm |= Writable
		frag |= SelfmodSandboxed
		class = ClassSandboxed
	case writable && delayReadOnly:
		vm |= Writable | DelayReadOnly
		class = ClassMadeRO // promoted lazily on first build; see PromoteOnFirstBuild.
	case writable:
		vm |= Writable
		class = ClassMadeRO
	}
	c.vec.Add(start, end, vm, frag, CatalogPayload{Class: class})
}

// PromoteOnFirstBuild lowers protection to RO on the first block built
// from a DelayReadOnly region. The caller (the translator-facing API) is responsible for
// actually invoking the page-protection collaborator; this only updates
// bookkeeping flags.
func (c *Catalog) PromoteOnFirstBuild(addr hostarch.Addr) (start, end hostarch.Addr, ok bool) {
	a, found := c.vec.Lookup(addr)
	if !found || a.VM&DelayReadOnly == 0 {
		return 0, 0, false
	}
	a.VM &^= DelayReadOnly
	a.VM |= MadeReadOnly
	a.VM &^= Writable
	c.vec.ModifyFlags(a.Start, a.End, a.VM, a.Frag)
	return a.Start, a.End, true
}

// Lookup is the catalog's point query.
func (c *Catalog) Lookup(addr hostarch.Addr) (intervalset.Area[CatalogPayload], bool) {
	return c.vec.Lookup(addr)
}

// Remove removes [start,end) from the catalog (e.g. on unmap or on the
// "ordinary code" branch of the write-fault handler).
func (c *Catalog) Remove(start, end hostarch.Addr, restoreProtection func(intervalset.Area[CatalogPayload])) {
	c.vec.Remove(start, end, restoreProtection)
}

// MarkExecuted sets ExecutedFrom the first time any block is built from
// addr's area.
func (c *Catalog) MarkExecuted(addr hostarch.Addr) {
	a, ok := c.vec.Lookup(addr)
	if !ok || a.VM&ExecutedFrom != 0 {
		return
	}
	a.VM |= ExecutedFrom
	c.vec.ModifyFlags(a.Start, a.End, a.VM, a.Frag)
}

// RecordWrite increments the written-area bookkeeping driving the
// RO-to-sandbox threshold, demoting a Type 2 area to
// Type 3 once ro2sandboxThreshold is crossed. The actual counters live
// in the separate written-areas vector (component H); Catalog only
// decides the class transition once told the new count.
func (c *Catalog) RecordWrite(addr hostarch.Addr, newWrittenCount uint32) (demoted bool) {
	if newWrittenCount <= c.ro2sandT {
		return false
	}
	a, ok := c.vec.Lookup(addr)
	if !ok || a.Payload.Class != ClassMadeRO {
		return false
	}
	a.Payload.Class = ClassSandboxed
	a.Frag |= SelfmodSandboxed
	a.VM |= Writable
	c.vec.ModifyPayload(a.Start, a.End, a.Payload)
	c.vec.ModifyFlags(a.Start, a.End, a.VM, a.Frag)
	c.log.WithField("addr", addr).Info("ro2sandbox threshold crossed, demoting to sandboxed")
	return true
}

// RecordSelfmodExec implements the sandbox2ro threshold transition:
// once a sandboxed area's selfmod-exec counter crosses the limit, it is
// flushed and re-protected back to Type 2. The flush itself
// is the caller's responsibility (it needs the flush engine); this only
// flips bookkeeping once told to.
func (c *Catalog) RecordSelfmodExec(addr hostarch.Addr, newSelfmodExecs uint32) (shouldReprotect bool) {
	if newSelfmodExecs <= c.sandb2roT {
		return false
	}
	a, ok := c.vec.Lookup(addr)
	if !ok || a.Payload.Class != ClassSandboxed {
		return false
	}
	a.Payload.Class = ClassMadeRO
	a.Frag &^= SelfmodSandboxed
	a.VM |= MadeReadOnly
	c.vec.ModifyPayload(a.Start, a.End, a.Payload)
	c.vec.ModifyFlags(a.Start, a.End, a.VM, a.Frag)
	return true
}

// Vector exposes the underlying interval vector for iteration and the
// flush engine's reverse lookups.
func (c *Catalog) Vector() *intervalset.Vector[CatalogPayload] { return c.vec }
