// Package coarseunit models the coarse-grain unit handle: a bulk
// container of translated code for one area, at most two chained per
// area (a
// possibly-frozen/persisted primary and a non-frozen secondary), plus
// the rebind protocol around a persisted unit's on-disk file.
//
// The engine never looks inside a unit's interior — it only allocates,
// chains, invalidates, and frees handles through the operations here,
// which in a full system would delegate to the translator's own coarse
// storage. The on-disk byte format is owned by that external
// collaborator and is not modeled here.
package coarseunit

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/vmengine/codecache/pkg/hostarch"
)

// Handle is one coarse-grain unit: a primary, optionally chained to a
// secondary that holds newly built blocks once the primary is frozen.
type Handle struct {
	mu sync.Mutex

	bounds hostarch.AddrRange // the [base, end) sub-interval of the owning area this unit covers.

	frozen    bool
	persisted bool
	invalid   bool // CODE_INVALID: bytes on disk may no longer match source.

	persistPath  string
	stashedBytes []byte // IAT bytes stashed while the page was writable.
	lock         *flock.Flock

	secondary *Handle
}

// New allocates a fresh, non-persisted, non-frozen unit covering bounds.
func New(bounds hostarch.AddrRange) *Handle {
	return &Handle{bounds: bounds}
}

// NewPersisted allocates a frozen unit backed by a file previously
// memory-mapped from disk. path locks the backing file
// during rebind windows.
func NewPersisted(bounds hostarch.AddrRange, path string) *Handle {
	return &Handle{
		bounds:      bounds,
		frozen:      true,
		persisted:   true,
		persistPath: path,
		lock:        flock.New(path + ".lock"),
	}
}

// Bounds returns the [base, end) range this unit covers within its
// owning area.
func (h *Handle) Bounds() hostarch.AddrRange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bounds
}

// EnsureSecondary attaches a non-frozen secondary to receive newly
// built blocks if the primary is frozen and no secondary exists yet
//.
func (h *Handle) EnsureSecondary(bounds hostarch.AddrRange) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.frozen {
		return h
	}
	if h.secondary == nil {
		h.secondary = New(bounds)
	}
	return h.secondary
}

// Invalid reports whether this unit is marked CODE_INVALID.
func (h *Handle) Invalid() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.invalid
}

// StashAndInvalidate is invoked when a page covered by a persisted
// unit becomes writable: the current on-disk-backing bytes are stashed
// and the unit is marked CODE_INVALID until the corresponding
// page-goes-read-executable event resolves the race.
func (h *Handle) StashAndInvalidate(currentBytes []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.persisted {
		return
	}
	h.stashedBytes = append([]byte(nil), currentBytes...)
	h.invalid = true
}

// Rebind is the corresponding page-goes-read-executable event: if
// currentBytes matches what was stashed, CODE_INVALID is cleared and
// the unit survives; otherwise the unit must be dropped by the caller
// (ResetAndFree) and replaced with a fresh, non-persisted unit.
//
// This performs a strict bounds-equality check against the stored unit
// range and deliberately does not tolerate a rebased delta, leaving
// that looser matching unimplemented rather than guessed at.
func (h *Handle) Rebind(bounds hostarch.AddrRange, currentBytes []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bounds != h.bounds {
		return false
	}
	if !bytes.Equal(h.stashedBytes, currentBytes) {
		return false
	}
	h.invalid = false
	h.stashedBytes = nil
	return true
}

// ResetAndFree drops a unit that failed to rebind. It only releases
// this unit's reference; it never attempts to partially invalidate an
// internal hashtable, since that structure is owned by the coarse-unit
// collaborator, not this core.
func (h *Handle) ResetAndFree() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalid = false
	h.persisted = false
	h.frozen = false
	h.stashedBytes = nil
	if h.lock != nil {
		h.lock.Unlock()
	}
}

// StripCoarseOnSplit handles a catalog split that divides a coarse
// area: the tail loses its
// CoarseGrain bit and its unit reference is freed; the unit's interior
// is left untouched for the collaborator to reconcile.
func StripCoarseOnSplit(tail *Handle) {
	if tail == nil {
		return
	}
	tail.ResetAndFree()
}

// WithFileLock runs fn while holding the advisory lock on the
// persisted unit's backing file, serializing the stash/compare/rebind
// window against any external writer of the same file.
func (h *Handle) WithFileLock(fn func() error) error {
	if h.lock == nil {
		return fn()
	}
	if err := h.lock.Lock(); err != nil {
		return fmt.Errorf("coarseunit: locking %s: %w", h.persistPath, err)
	}
	defer h.lock.Unlock()
	return fn()
}

// ReadPersistedBytes reads the unit's current on-disk bytes for a
// rebind comparison.
func (h *Handle) ReadPersistedBytes() ([]byte, error) {
	h.mu.Lock()
	path := h.persistPath
	h.mu.Unlock()
	if path == "" {
		return nil, fmt.Errorf("coarseunit: not persisted")
	}
	return os.ReadFile(path)
}
