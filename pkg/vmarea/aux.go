package vmarea

import (
	"sync"

	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/intervalset"
)

// Counters is the written-areas payload: one record per page-aligned
// interval, never merged so each page keeps independent counters.
type Counters struct {
	WrittenCount  uint32
	SelfmodExecs uint32
}

// IATInfo is the payload of the IAT auxiliary vector: the exact
// import-table bounds of one loaded module.
type IATInfo struct {
	Module string
}

// FutureExec is the payload of the future-executable auxiliary vector:
// a remembered region pre-approved for admission on first actual
// execution, optionally removed after one use.
type FutureExec struct {
	OnceOnly bool
}

// Aux bundles every auxiliary vector plus the extra thread-stack
// tracking used by the policy gate's stack-exec rule.
type Aux struct {
	// PretendWritable addresses the app believes it mprotect'd writable,
	// but protection is left unchanged and writes into them are nopped.
	PretendWritable *intervalset.Vector[struct{}]
	// EmulateWrite ranges are single-stepped and emulated rather than
	// executed directly on a write.
	EmulateWrite *intervalset.Vector[struct{}]
	// PatchProof modules must have every write-to-code attempt blocked.
	PatchProof *intervalset.Vector[struct{}]
	// IAT holds the exact import-table bounds per loaded module.
	IAT *intervalset.Vector[IATInfo]
	// WrittenAreas is never merged: one record per page that has been
	// written to.
	WrittenAreas *intervalset.Vector[Counters]
	// FutureExecutable remembers regions pre-approved on next execution.
	FutureExecutable *intervalset.Vector[FutureExec]
	// AppFlushed holds addresses the app itself asked the hardware to
	// treat as new code (an explicit icache-flush syscall).
	AppFlushed *intervalset.Vector[struct{}]
	// ThreadStacks is the supplemented registered-stacks vector backing
	// policy-gate rule 8 ("address lies on an observed thread stack").
	ThreadStacks *intervalset.Vector[struct{}]
	// Mapped records every range the app currently has mapped in from
	// the OS, independent of catalog membership or policy admission:
	// the one source of truth CheckThreadVMArea consults to tell a
	// genuinely unmapped decode target from one merely not yet admitted.
	Mapped *intervalset.Vector[struct{}]

	// TamperResistant is a single pair, not a vector: the
	// OS-loaded system library whose modification is always suspicious.
	tamperMu        sync.RWMutex
	tamperResistant hostarch.AddrRange
	tamperSet       bool
}

// NewAux constructs all auxiliary vectors.
func NewAux() *Aux {
	return &Aux{
		PretendWritable:  intervalset.New[struct{}]("pretend-writable", intervalset.Shared, intervalset.Callbacks[struct{}]{}),
		EmulateWrite:     intervalset.New[struct{}]("emulate-write", intervalset.Shared, intervalset.Callbacks[struct{}]{}),
		PatchProof:       intervalset.New[struct{}]("patch-proof", intervalset.Shared, intervalset.Callbacks[struct{}]{}),
		IAT:              intervalset.New[IATInfo]("iat", intervalset.Shared|intervalset.NeverMerge, intervalset.Callbacks[IATInfo]{}),
		WrittenAreas:     intervalset.New[Counters]("written-areas", intervalset.Shared|intervalset.NeverMerge, intervalset.Callbacks[Counters]{}),
		FutureExecutable: intervalset.New[FutureExec]("future-executable", intervalset.Shared, intervalset.Callbacks[FutureExec]{}),
		AppFlushed:       intervalset.New[struct{}]("app-flushed", intervalset.Shared, intervalset.Callbacks[struct{}]{}),
		ThreadStacks:     intervalset.New[struct{}]("thread-stacks", intervalset.Shared, intervalset.Callbacks[struct{}]{}),
		Mapped:           intervalset.New[struct{}]("mapped", intervalset.Shared, intervalset.Callbacks[struct{}]{}),
	}
}

// SetTamperResistant records the single tamper-resistant range.
func (a *Aux) SetTamperResistant(ar hostarch.AddrRange) {
	a.tamperMu.Lock()
	defer a.tamperMu.Unlock()
	a.tamperResistant = ar
	a.tamperSet = true
}

// IsTamperResistant reports whether addr falls inside the
// tamper-resistant range.
func (a *Aux) IsTamperResistant(addr hostarch.Addr) bool {
	a.tamperMu.RLock()
	defer a.tamperMu.RUnlock()
	return a.tamperSet && a.tamperResistant.Contains(addr)
}

// RecordWrite increments the written-area counter for the page
// containing addr, creating the record if absent.
func (a *Aux) RecordWrite(addr hostarch.Addr) uint32 {
	page := addr.PageRoundDown()
	end := page + hostarch.PageSize
	c, ok := a.WrittenAreas.Lookup(page)
	if !ok {
		c = intervalset.Area[Counters]{Start: page, End: end, Payload: Counters{WrittenCount: 1}}
		a.WrittenAreas.Add(page, end, 0, 0, c.Payload)
		return 1
	}
	c.Payload.WrittenCount++
	a.WrittenAreas.ModifyPayload(c.Start, c.End, c.Payload)
	return c.Payload.WrittenCount
}

// RecordSelfmodExec increments the selfmod-exec counter for the page
// containing addr.
func (a *Aux) RecordSelfmodExec(addr hostarch.Addr) uint32 {
	page := addr.PageRoundDown()
	end := page + hostarch.PageSize
	c, ok := a.WrittenAreas.Lookup(page)
	if !ok {
		a.WrittenAreas.Add(page, end, 0, 0, Counters{SelfmodExecs: 1})
		return 1
	}
	c.Payload.SelfmodExecs++
	a.WrittenAreas.ModifyPayload(c.Start, c.End, c.Payload)
	return c.Payload.SelfmodExecs
}

// RegisterThreadStack and UnregisterThreadStack maintain the
// supplemented thread-stack tracking vector.
func (a *Aux) RegisterThreadStack(ar hostarch.AddrRange) {
	a.ThreadStacks.Add(ar.Start, ar.End, 0, 0, struct{}{})
}

func (a *Aux) UnregisterThreadStack(ar hostarch.AddrRange) {
	a.ThreadStacks.Remove(ar.Start, ar.End, nil)
}

// IsThreadStack reports whether addr lies on any registered stack.
func (a *Aux) IsThreadStack(addr hostarch.Addr) bool {
	return a.ThreadStacks.Overlap(addr, addr+1)
}
