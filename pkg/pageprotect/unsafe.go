package pageprotect

import "unsafe"

// unsafeBytes views a raw address range as a []byte without copying,
// since unix.Mprotect/Msync take a []byte backed by the mapping itself
// rather than a syscall address+length pair.
func unsafeBytes(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
