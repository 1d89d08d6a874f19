// Package pageprotect is the page-protection external collaborator:
// thin wrappers around the mmap/mprotect/msync syscalls the engine
// asks for when it decides a region should change protection. The
// write-fault handler in pkg/vmarea calls MakeWritable and ReadLive
// directly; this package is the reference implementation for a process
// mapping its own memory.
package pageprotect

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vmengine/codecache/pkg/hostarch"
)

// Prot mirrors the PROT_* bits consulted throughout the engine.
type Prot uint32

const (
	ProtNone  Prot = 0
	ProtRead  Prot = Prot(unix.PROT_READ)
	ProtWrite Prot = Prot(unix.PROT_WRITE)
	ProtExec  Prot = Prot(unix.PROT_EXEC)
)

// Mprotect changes protection on [r.Start, r.End), which must already
// be page-aligned.
func Mprotect(r hostarch.AddrRange, prot Prot) error {
	if !r.PageAligned() {
		return fmt.Errorf("pageprotect: range %s is not page-aligned", r)
	}
	b := addrRangeBytes(r)
	if err := unix.Mprotect(b, int(prot)); err != nil {
		return fmt.Errorf("pageprotect: mprotect %s: %w", r, err)
	}
	return nil
}

// MakeReadOnly is the common case of the protection-change handler's
// "made RO" transition: drop Write, keep Read|Exec.
func MakeReadOnly(r hostarch.AddrRange) error {
	return Mprotect(r, ProtRead|ProtExec)
}

// MakeWritable restores Write alongside whatever else was present,
// used when a sandboxed area needs its writability back.
func MakeWritable(r hostarch.AddrRange, alsoExec bool) error {
	prot := ProtRead | ProtWrite
	if alsoExec {
		prot |= ProtExec
	}
	return Mprotect(r, prot)
}

// Msync flushes dirty pages in [r.Start, r.End) to their backing file,
// used before a persisted coarse unit is trusted to reflect memory.
func Msync(r hostarch.AddrRange, sync bool) error {
	b := addrRangeBytes(r)
	flags := unix.MS_ASYNC
	if sync {
		flags = unix.MS_SYNC
	}
	if err := unix.Msync(b, flags); err != nil {
		return fmt.Errorf("pageprotect: msync %s: %w", r, err)
	}
	return nil
}

// MapFile maps path read-only for a persisted coarse unit to compare
// its bytes against the live mapping during a rebind.
func MapFile(path string, length int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("pageprotect: opening %s: %w", path, err)
	}
	defer unix.Close(fd)
	b, err := unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pageprotect: mmap %s: %w", path, err)
	}
	return b, nil
}

// Unmap releases a mapping previously returned by MapFile.
func Unmap(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("pageprotect: munmap: %w", err)
	}
	return nil
}

func addrRangeBytes(r hostarch.AddrRange) []byte {
	return unsafeBytes(uintptr(r.Start), int(r.Length()))
}

// ReadLive copies the current bytes of [r.Start, r.End) out of this
// process's own address space by a direct memory read, so the range
// must be mapped and readable; this is the primitive an IAT
// stash-and-compare needs to snapshot a page before the OS revokes its
// writability. The result is
// a copy rather than addrRangeBytes's live view, since the caller
// holds onto it past the point where the mapping's protection (or
// presence) may change again.
func ReadLive(r hostarch.AddrRange) []byte {
	b := addrRangeBytes(r)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
