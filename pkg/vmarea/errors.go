package vmarea

import "errors"

// Engine invariant violations. These are fatal in debug builds:
// Catalog's Validate callback turns them into a panic rather than
// returning them to the caller, since they indicate an engine bug
// rather than app action.
var (
	errUnmodifiedImageMismatch = errors.New("new area claims UnmodifiedImage but existing area does not")
	errWritableEscalation      = errors.New("new area is more writable than the existing area it overlaps")
	errCoarseMergeMismatch     = errors.New("cannot merge a CoarseGrain area with a non-CoarseGrain area")
	errSandboxDemotionViaMerge = errors.New("cannot make an already-sandboxed region non-sandboxed via merge")
)

// Policy-gate sentinel errors.
var (
	ErrStackExec     = errors.New("execution from an unapproved thread-stack region")
	ErrHeapExec      = errors.New("execution from an unapproved heap region")
	ErrNoPolicyMatch = errors.New("no policy-gate rule admitted this region")
)
