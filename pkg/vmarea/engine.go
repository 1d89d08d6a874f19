package vmarea

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/policyconfig"
)

// Engine is the process-wide handle bundling every component: the
// catalog, the shared view, one view per observed thread, the shared
// fragment-node arena, the auxiliary vectors, the flush engine, the
// policy gate, and the lock-rank/host-heap locks. Nothing here is a
// package-level global; callers construct one Engine per translated
// process.
type Engine struct {
	log *logrus.Entry
	cfg *policyconfig.Config

	Catalog *Catalog
	Aux     *Aux
	Arena   *Arena
	Flush   *FlushEngine
	Gate    *PolicyGate
	Faults  *FaultHandler

	Locks    *CrossVectorLocks
	HostHeap *HostHeapLock

	sharedView *View
	unlink     BlockUnlinker

	threadsMu sync.Mutex
	threads   map[ThreadID]*threadState

	blocksMu sync.Mutex
	blocks   map[BlockHandle]*blockRecord

	lastDeallocMu sync.Mutex
	lastDealloc   hostarch.AddrRange
}

// blockRecord is the engine's own bookkeeping for VMAreaRemoveFragment:
// which view a built block's nodes live in, and the head node's tag
// address, from which the live "also" chain reaches every extra node
// without the engine having to store a second copy of it.
type blockRecord struct {
	view     *View
	headAddr hostarch.Addr
	headID   NodeID
}

type threadState struct {
	view *View
	rank *RankTracker
}

// Options bundles Engine's construction-time dependencies that a
// process-wide deployment must supply, since the engine core never
// talks to the OS or the translator's block cache directly.
type Options struct {
	Log         *logrus.Entry
	Config      *policyconfig.Config
	VsyscallPage hostarch.AddrRange
	Modules     []ModuleInfo
	Trampolines []TrampolinePattern
	Unlink      BlockUnlinker
}

// NewEngine constructs a fully wired Engine.
func NewEngine(opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = policyconfig.Default()
	}
	trampolines := opts.Trampolines
	if trampolines == nil {
		trampolines = DefaultTrampolinePatterns()
	}

	arena := NewArena()
	aux := NewAux()
	catalog := NewCatalog(log, cfg.RO2SandboxThreshold, cfg.Sandbox2ROThreshold)
	flush := NewFlushEngine(log, arena, cfg.LazyDeletionMaxPending, cfg.ResetEveryNthPending)
	gate := NewPolicyGate(cfg, log, aux, opts.VsyscallPage, opts.Modules, trampolines)

	e := &Engine{
		log:        log,
		cfg:        cfg,
		Catalog:    catalog,
		Aux:        aux,
		Arena:      arena,
		Flush:      flush,
		Gate:       gate,
		Locks:      &CrossVectorLocks{},
		HostHeap:   &HostHeapLock{},
		sharedView: NewView("shared", true, arena),
		threads:    make(map[ThreadID]*threadState),
		blocks:     make(map[BlockHandle]*blockRecord),
	}
	unlink := opts.Unlink
	if unlink == nil {
		unlink = func(BlockHandle) {}
	}
	e.unlink = unlink
	e.Faults = NewFaultHandler(log, catalog, aux, arena, flush, gate, e.resolveView, unlink)
	return e
}

// RegisterThread allocates the per-thread view and lock-rank tracker
// for a newly observed thread.
func (e *Engine) RegisterThread(id ThreadID) {
	e.threadsMu.Lock()
	defer e.threadsMu.Unlock()
	if _, ok := e.threads[id]; ok {
		return
	}
	e.threads[id] = &threadState{
		view: NewView("thread", false, e.Arena),
		rank: &RankTracker{},
	}
	e.Flush.RegisterThread(id)
}

// UnregisterThread drops a thread's per-thread view once it exits. Any
// areas still present in that view are treated as an implicit private
// flush with a no-op unlink, since the translator has already torn
// down that thread's dispatch context.
func (e *Engine) UnregisterThread(id ThreadID) {
	e.threadsMu.Lock()
	ts, ok := e.threads[id]
	delete(e.threads, id)
	e.threadsMu.Unlock()
	if !ok {
		return
	}
	e.Flush.UnregisterThread(id)
	e.Flush.PrivateFlush(ts.view, 0, ^hostarch.Addr(0), func(BlockHandle) {})
}

// SharedView returns the process-wide shared view.
func (e *Engine) SharedView() *View { return e.sharedView }

// ThreadView returns the per-thread view for id, registering it first
// if necessary.
func (e *Engine) ThreadView(id ThreadID) *View {
	e.threadsMu.Lock()
	ts, ok := e.threads[id]
	e.threadsMu.Unlock()
	if !ok {
		e.RegisterThread(id)
		e.threadsMu.Lock()
		ts = e.threads[id]
		e.threadsMu.Unlock()
	}
	return ts.view
}

// RankTrackerFor returns the lock-rank tracker belonging to id,
// registering it first if necessary.
func (e *Engine) RankTrackerFor(id ThreadID) *RankTracker {
	e.threadsMu.Lock()
	ts, ok := e.threads[id]
	e.threadsMu.Unlock()
	if !ok {
		e.RegisterThread(id)
		e.threadsMu.Lock()
		ts = e.threads[id]
		e.threadsMu.Unlock()
	}
	return ts.rank
}

func (e *Engine) resolveView(id ThreadID, shared bool) *View {
	if shared {
		return e.sharedView
	}
	return e.ThreadView(id)
}
