package vmarea

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vmengine/codecache/pkg/hostarch"
	"github.com/vmengine/codecache/pkg/intervalset"
	"github.com/vmengine/codecache/pkg/policyconfig"
)

// ViolationKind is one of the named policy-violation categories. The
// engine raises the three below; only StackExec and HeapExec have
// dedicated sentinel errors in errors.go. The other categories of a
// richer indirect-control-flow checker are not implemented here.
type ViolationKind uint8

const (
	ViolationNone ViolationKind = iota
	ViolationStackExec
	ViolationHeapExec
	// ViolationUnreadableCode marks a decode that ran past the end of
	// the app's own mapping: not a stack/heap admission decision, since
	// there is no code there to admit.
	ViolationUnreadableCode
)

func (k ViolationKind) String() string {
	switch k {
	case ViolationStackExec:
		return "StackExec"
	case ViolationHeapExec:
		return "HeapExec"
	case ViolationUnreadableCode:
		return "UnreadableCode"
	default:
		return "none"
	}
}

// Action is what the caller should do in response to a violation.
type Action uint8

const (
	ActionAdmit Action = iota
	ActionContinue
	ActionTerminateThread
	ActionTerminateProcess
	ActionForgeException
)

// ModuleInfo describes one loaded module's bounds and filter-list
// membership, consulted by branches 3, 5, and 6 of the admission rule.
type ModuleInfo struct {
	Name               string
	TextStart, TextEnd hostarch.Addr
	Sections           []hostarch.AddrRange
	ExemptText         bool
	DLL2Heap           bool
	DLL2Stack          bool
}

func (m *ModuleInfo) containsText(addr hostarch.Addr) bool {
	return addr >= m.TextStart && addr < m.TextEnd
}

func (m *ModuleInfo) containsAny(addr hostarch.Addr) bool {
	for _, s := range m.Sections {
		if s.Contains(addr) {
			return true
		}
	}
	return m.containsText(addr)
}

// TrampolinePattern is one entry of the data-driven template table for
// branch 7: short byte templates (load-immediate + direct jump, PIC
// push-own-addr + direct jump, off-stack return, and similar) that
// Match checks against the bytes starting at the candidate address,
// returning the matched length or 0.
type TrampolinePattern struct {
	Name  string
	Match func(b []byte) int
}

// DefaultTrampolinePatterns returns a small starter table; a real
// deployment would register many more, keyed by platform.
func DefaultTrampolinePatterns() []TrampolinePattern {
	return []TrampolinePattern{
		{Name: "load-imm-jmp", Match: matchLoadImmJmp},
		{Name: "push-own-addr-jmp", Match: matchPushOwnAddrJmp},
	}
}

// matchLoadImmJmp recognizes a short mov-immediate-then-jmp idiom used
// by hot-patch trampolines: 0xB8 <imm32> 0xE9 <rel32>.
func matchLoadImmJmp(b []byte) int {
	if len(b) < 10 {
		return 0
	}
	if b[0] == 0xB8 && b[5] == 0xE9 {
		return 10
	}
	return 0
}

// matchPushOwnAddrJmp recognizes a position-independent-code idiom:
// call $+5 (0xE8 0x00 0x00 0x00 0x00) immediately followed by a pop.
func matchPushOwnAddrJmp(b []byte) int {
	if len(b) < 6 {
		return 0
	}
	if b[0] == 0xE8 && b[1] == 0 && b[2] == 0 && b[3] == 0 && b[4] == 0 && b[5]&0xF8 == 0x58 {
		return 6
	}
	return 0
}

type exemptionKey struct {
	kind   ViolationKind
	region hostarch.AddrRange
	thread ThreadID // 0 means process-wide
}

// PolicyGate is the code-origin admission engine run before a
// never-before-seen source region is allowed into the catalog.
type PolicyGate struct {
	cfg         *policyconfig.Config
	log         *logrus.Entry
	aux         *Aux
	vsyscall    hostarch.AddrRange
	modules     []ModuleInfo
	trampolines []TrampolinePattern

	mu             sync.Mutex
	violationCount uint32
	exemptions     map[exemptionKey]struct{}
}

// NewPolicyGate constructs a gate. vsyscall may be the zero range if
// the platform has none.
func NewPolicyGate(cfg *policyconfig.Config, log *logrus.Entry, aux *Aux, vsyscall hostarch.AddrRange, modules []ModuleInfo, trampolines []TrampolinePattern) *PolicyGate {
	return &PolicyGate{
		cfg:         cfg,
		log:         log,
		aux:         aux,
		vsyscall:    vsyscall,
		modules:     modules,
		trampolines: trampolines,
		exemptions:  make(map[exemptionKey]struct{}),
	}
}

func (g *PolicyGate) findModule(addr hostarch.Addr) *ModuleInfo {
	for i := range g.modules {
		if g.modules[i].containsAny(addr) {
			return &g.modules[i]
		}
	}
	return nil
}

// AdmitRequest bundles the inputs to one admission decision.
type AdmitRequest struct {
	Addr       hostarch.Addr
	Readable   bool
	Writable   bool
	Executable bool
	IsStack    bool // caller already consulted Aux.IsThreadStack
	Thread     ThreadID
	ReadBytes  func(n int) []byte // reads n bytes starting at Addr, for the trampoline matcher
}

// AdmitResult is the outcome of one admission decision.
type AdmitResult struct {
	Admit      bool
	Frag       intervalset.FragFlags
	// VM holds VM flags the decision attaches to the admitted region
	// (PatternReverify for a trampoline match).
	VM         intervalset.VMFlags
	MatchedLen int
	Reason     string
	Violation  ViolationKind
	Action     Action
}

// Admit runs the nine-branch admission rule, first match wins.
func (g *PolicyGate) Admit(req AdmitRequest) AdmitResult {
	// 1. explicit future-executable entry.
	if fe, ok := g.aux.FutureExecutable.Lookup(req.Addr); ok {
		if fe.Payload.OnceOnly {
			g.aux.FutureExecutable.Remove(fe.Start, fe.End, nil)
		}
		return AdmitResult{Admit: true, Reason: "future-executable entry"}
	}

	// 2. vsyscall page.
	if g.vsyscall.Length() > 0 && g.vsyscall.Contains(req.Addr) {
		return AdmitResult{Admit: true, Reason: "vsyscall page"}
	}

	mod := g.findModule(req.Addr)

	// 3. executable_if_text.
	if g.cfg.ExecutableIfText && mod != nil && mod.containsText(req.Addr) {
		return AdmitResult{Admit: true, Reason: "module .text"}
	}

	// 4. executable_if_rx.
	if g.cfg.ExecutableIfRX && req.Readable && req.Executable && !req.Writable {
		return AdmitResult{Admit: true, Reason: "R|X without W"}
	}

	// 5. executable_if_image.
	if g.cfg.ExecutableIfImage && mod != nil {
		return AdmitResult{Admit: true, Reason: "inside a loaded module"}
	}

	// 6. per-module exemption lists.
	if mod != nil && (mod.ExemptText || mod.DLL2Heap || mod.DLL2Stack) {
		return AdmitResult{Admit: true, Reason: "module exemption list"}
	}

	// 7. trampoline-pattern matcher.
	if req.ReadBytes != nil {
		for _, tp := range g.trampolines {
			b := req.ReadBytes(16)
			if n := tp.Match(b); n > 0 {
				return AdmitResult{
					Admit:      true,
					Frag:       SelfmodSandboxed,
					VM:         PatternReverify,
					MatchedLen: n,
					Reason:     "trampoline pattern " + tp.Name,
				}
			}
		}
	}

	// 8. stack-executable policy.
	if req.IsStack {
		if g.cfg.ExecutableStack {
			return AdmitResult{Admit: true, Reason: "executable_stack"}
		}
		return g.violate(ViolationStackExec, req)
	}

	// 9. heap-executable policy (the catch-all).
	if g.cfg.ExecutableHeap {
		return AdmitResult{Admit: true, Reason: "executable_heap"}
	}
	return g.violate(ViolationHeapExec, req)
}

func (g *PolicyGate) regionFor(req AdmitRequest) hostarch.AddrRange {
	page := req.Addr.PageRoundDown()
	return hostarch.AddrRange{Start: page, End: page + hostarch.PageSize}
}

// violate raises kind, honoring the per-thread exemption cache and the
// detect-mode bounded counter before deciding an Action.
func (g *PolicyGate) violate(kind ViolationKind, req AdmitRequest) AdmitResult {
	region := g.regionFor(req)
	key := exemptionKey{kind: kind, region: region}
	// Stack-exec exemptions are scoped per observing thread, since two
	// threads' stacks legitimately overlap after one exits and reuses
	// the other's former range.
	if kind == ViolationStackExec {
		key.thread = req.Thread
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exempt := g.exemptions[key]; exempt {
		return AdmitResult{Admit: true, Violation: kind, Action: ActionContinue, Reason: "exempted region"}
	}

	g.violationCount++
	action := ActionTerminateThread
	if g.violationCount <= g.cfg.DetectModeMax {
		action = ActionContinue
		g.exemptions[key] = struct{}{}
		g.log.WithFields(logrus.Fields{"kind": kind, "addr": req.Addr}).Warn("policy violation in detect mode, continuing")
	} else {
		g.log.WithFields(logrus.Fields{"kind": kind, "addr": req.Addr}).Error("policy violation, terminating")
	}

	return AdmitResult{Admit: action == ActionContinue, Violation: kind, Action: action, Reason: kind.String()}
}

// AddFutureExecutable records ar as pre-approved on its next
// actual execution, per the protection-change handler's "going
// executable over data, writable" branch.
func (g *PolicyGate) AddFutureExecutable(ar hostarch.AddrRange, onceOnly bool) {
	g.aux.FutureExecutable.Add(ar.Start, ar.End, 0, 0, FutureExec{OnceOnly: onceOnly})
}
