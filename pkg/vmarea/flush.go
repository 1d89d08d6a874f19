package vmarea

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vmengine/codecache/pkg/hostarch"
)

// ThreadID identifies one observed application thread to the flush
// engine's per-thread watermark bookkeeping.
type ThreadID uint64

// BlockUnlinker detaches a block from the translator's own dispatch
// tables; the engine never frees block storage itself, only fragment
// index nodes.
type BlockUnlinker func(BlockHandle)

// PendingEntry is one shared-flush phase-1 result: a fragment chain
// waiting for every observed thread to acknowledge it has passed a
// safe point since the chain was unlinked.
type PendingEntry struct {
	head      NodeID
	refCount  int32
	timestamp uint64
}

// LazyEntry is a single block queued for lazy deletion outside any
// region flush.
type LazyEntry struct {
	head      NodeID
	timestamp uint64
}

// FlushEngine owns the pending-deletion and lazy-deletion lists and the
// monotonic flushtime_global counter shared across every flush variant.
type FlushEngine struct {
	log   *logrus.Entry
	arena *Arena
	locks *CrossVectorLocks

	flushtimeGlobal uint64 // read/written only while holding locks.SharedCacheFlush

	pending []*PendingEntry // ascending timestamp order
	lazy    []*LazyEntry
	lazyMax uint32
	resetEveryNth uint32
	pendingSinceReset uint32

	threadsMu sync.Mutex
	threads   map[ThreadID]*uint64 // last_seen_flushtime per thread

	promoting int32 // CAS guard: only one thread may promote the lazy list at a time
}

// NewFlushEngine constructs a flush engine sharing arena with the
// views it flushes.
func NewFlushEngine(log *logrus.Entry, arena *Arena, lazyMax, resetEveryNth uint32) *FlushEngine {
	return &FlushEngine{
		log:           log,
		arena:         arena,
		locks:         &CrossVectorLocks{},
		lazyMax:       lazyMax,
		resetEveryNth: resetEveryNth,
		threads:       make(map[ThreadID]*uint64),
	}
}

// RegisterThread adds id to the set of threads a shared flush must wait
// on before freeing a pending entry.
func (f *FlushEngine) RegisterThread(id ThreadID) {
	f.threadsMu.Lock()
	defer f.threadsMu.Unlock()
	var watermark uint64
	f.threads[id] = &watermark
}

// UnregisterThread drops id and acknowledges on its behalf every
// pending entry timestamped after its last watermark; an entry whose
// ref count thereby reaches zero is freed on the next CheckIn sweep.
func (f *FlushEngine) UnregisterThread(id ThreadID) {
	f.threadsMu.Lock()
	w, ok := f.threads[id]
	delete(f.threads, id)
	f.threadsMu.Unlock()
	if !ok {
		return
	}
	old := atomic.LoadUint64(w)
	f.locks.SharedDelete.Lock()
	defer f.locks.SharedDelete.Unlock()
	for _, e := range f.pending {
		if old < e.timestamp {
			atomic.AddInt32(&e.refCount, -1)
		}
	}
}

func (f *FlushEngine) threadCount() int {
	f.threadsMu.Lock()
	defer f.threadsMu.Unlock()
	return len(f.threads)
}

// PrivateFlush implements a single-thread, single-view flush: mark
// affected areas OnDeleteQueue, unlink every block on their fragment
// lists, free those lists' fragment-index nodes, then detach the areas
// from the view. Block storage is never freed here (see BlockUnlinker);
// unlike the shared and lazy paths, the nodes are released at once,
// without waiting for any thread's acknowledgement.
func (f *FlushEngine) PrivateFlush(view *View, start, end hostarch.Addr, unlink BlockUnlinker) {
	areas := view.AreasOverlapping(start, end)
	for _, a := range areas {
		view.Vector().ModifyFlags(a.Start, a.End, a.VM|OnDeleteQueue, a.Frag)
		f.arena.Walk(a.Payload.FragHead, func(id NodeID, n node) {
			unlink(n.block)
		})
		f.freeChain(a.Payload.FragHead)
		view.Vector().Remove(a.Start, a.End, nil)
	}
}

// SharedFlushStart is shared-flush phase 1: under the shared view's
// write lock, unlink affected areas as in PrivateFlush but move their
// fragment chains onto a pending-deletion entry instead of freeing
// immediately. threadsToAck is normally the current thread count.
func (f *FlushEngine) SharedFlushStart(view *View, start, end hostarch.Addr, unlink BlockUnlinker, threadsToAck int32) *PendingEntry {
	areas := view.AreasOverlapping(start, end)

	f.locks.SharedCacheFlush.Lock()
	f.flushtimeGlobal++
	ts := f.flushtimeGlobal
	f.locks.SharedCacheFlush.Unlock()

	var chainHead NodeID = NilNode
	for _, a := range areas {
		view.Vector().ModifyFlags(a.Start, a.End, a.VM|OnDeleteQueue, a.Frag)
		f.arena.Walk(a.Payload.FragHead, func(id NodeID, n node) {
			unlink(n.block)
			f.arena.Append(&chainHead, id)
		})
		view.Vector().Remove(a.Start, a.End, nil)
	}

	entry := &PendingEntry{head: chainHead, refCount: threadsToAck, timestamp: ts}
	f.locks.SharedDelete.Lock()
	f.pending = append(f.pending, entry)
	f.locks.SharedDelete.Unlock()
	return entry
}

// CheckIn is shared-flush phase 2, called by a single observed thread
// at a safe point between cache exits: it advances the thread's
// watermark to now and acknowledges every pending entry whose timestamp
// lies above its previous watermark and at or below now, freeing any
// entry whose ref count reaches zero.
func (f *FlushEngine) CheckIn(id ThreadID, now uint64) {
	f.threadsMu.Lock()
	w, ok := f.threads[id]
	f.threadsMu.Unlock()
	if !ok {
		return
	}
	old := atomic.SwapUint64(w, now)

	f.locks.SharedDelete.Lock()
	defer f.locks.SharedDelete.Unlock()
	kept := f.pending[:0]
	freeable := true // entries are freed strictly in timestamp order: the fcache
	// allocator this chain feeds relies on lowest-timestamp-first reclamation,
	// so a not-yet-acked entry blocks freeing of every later (higher-timestamp)
	// entry even if its own ref count has already reached zero.
	for _, e := range f.pending {
		if old < e.timestamp && e.timestamp <= now {
			atomic.AddInt32(&e.refCount, -1)
		}
		if freeable && atomic.LoadInt32(&e.refCount) <= 0 {
			f.freeChain(e.head)
			continue
		}
		freeable = false
		kept = append(kept, e)
	}
	f.pending = kept
}

func (f *FlushEngine) freeChain(head NodeID) {
	f.arena.Walk(head, func(id NodeID, n node) {
		f.arena.Free(id)
	})
}

// LazyFree queues a single shared block for deletion outside a region
// flush. If the lazy list grows past lazyMax, one caller wins the
// single-producer race and promotes the whole list into a pending
// entry with a ref count equal to the current thread count.
func (f *FlushEngine) LazyFree(block BlockHandle, tag hostarch.Addr) {
	f.locks.SharedCacheFlush.Lock()
	ts := f.flushtimeGlobal + 1
	f.locks.SharedCacheFlush.Unlock()

	id := f.arena.NewHead(block, tag)
	f.locks.LazyDelete.Lock()
	f.lazy = append(f.lazy, &LazyEntry{head: id, timestamp: ts})
	count := len(f.lazy)
	f.locks.LazyDelete.Unlock()

	if uint32(count) > f.lazyMax {
		f.maybePromoteLazy()
	}
}

func (f *FlushEngine) maybePromoteLazy() {
	if !atomic.CompareAndSwapInt32(&f.promoting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&f.promoting, 0)

	f.locks.LazyDelete.Lock()
	if len(f.lazy) == 0 {
		f.locks.LazyDelete.Unlock()
		return
	}
	var chainHead NodeID = NilNode
	for _, e := range f.lazy {
		f.arena.Append(&chainHead, e.head)
	}
	f.lazy = nil
	f.locks.LazyDelete.Unlock()

	f.locks.SharedCacheFlush.Lock()
	f.flushtimeGlobal++
	ts := f.flushtimeGlobal
	f.locks.SharedCacheFlush.Unlock()

	entry := &PendingEntry{head: chainHead, refCount: int32(f.threadCount()), timestamp: ts}
	f.locks.SharedDelete.Lock()
	f.pending = append(f.pending, entry)
	f.pendingSinceReset++
	if f.resetEveryNth != 0 && f.pendingSinceReset >= f.resetEveryNth {
		f.log.Debug("pending-deletion list promotion threshold reached")
		f.pendingSinceReset = 0
	}
	f.locks.SharedDelete.Unlock()
}

// SafePointFunc reaches a safe point for one observed thread, used by
// AllSynchedFlush to quiesce every thread before an immediate flush.
type SafePointFunc func(context.Context) error

// AllSynchedFlush quiesces every thread via reachSafePoint, then deletes
// every block on [start, end) across view in one pass with no ref
// counting. Used for module unload and coarse-unit reset.
func (f *FlushEngine) AllSynchedFlush(ctx context.Context, view *View, start, end hostarch.Addr, unlink BlockUnlinker, reachSafePoint []SafePointFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range reachSafePoint {
		sp := sp
		g.Go(func() error { return sp(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	areas := view.AreasOverlapping(start, end)
	for _, a := range areas {
		f.arena.Walk(a.Payload.FragHead, func(id NodeID, n node) {
			unlink(n.block)
		})
		f.freeChain(a.Payload.FragHead)
		view.Vector().Remove(a.Start, a.End, nil)
	}
	return nil
}
