// Package vmarea implements the executable-memory consistency engine:
// the executable-areas catalog, per-thread/shared views, the fragment
// index, the write-fault handler, the flush engine, the code-origin
// policy gate, and the auxiliary vectors. Every vector in this package
// is an instance of pkg/intervalset.Vector.
package vmarea

import "github.com/vmengine/codecache/pkg/intervalset"

// VM flags, stored in intervalset.Area.VM.
const (
	Writable intervalset.VMFlags = 1 << iota
	UnmodifiedImage
	OnDeleteQueue
	MovedFromFuture
	HostHeap
	OnceOnly
	MadeReadOnly
	DelayReadOnly
	PatternReverify
	DriverAddress
	PersistedCache
	ExecutedFrom
	AddToSharedOnFirstQuery
	JitManaged
)

// Fragment flags, stored in intervalset.Area.Frag.
const (
	SelfmodSandboxed intervalset.FragFlags = 1 << iota
	CoarseGrain
	Dyngen
)

// Translation-accrued flags returned to the translator via
// check_thread_vm_area's &flags out-parameter.
const (
	StartsRseqRegion intervalset.VMFlags = 1 << (iota + 20)
	HasRseqEndpoint
)
