// Package policyconfig loads the flat engine configuration consulted
// by the code-origin policy gate and the flush engine's tuning knobs.
// The full option surface a real deployment carries runs to roughly
// two hundred entries; this struct holds the subset the engine core
// actually reads, leaving everything else (UI strings, telemetry
// toggles, unrelated subsystem flags) to the owning application.
package policyconfig

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ModifyPolicy is one of Off/Nop/Fail/Halt/Allow, controlling how a
// write to a protected loader data structure is handled.
type ModifyPolicy string

const (
	Off    ModifyPolicy = "off"
	Nop    ModifyPolicy = "nop"
	Fail   ModifyPolicy = "fail"
	Halt   ModifyPolicy = "halt"
	Allow  ModifyPolicy = "allow"
)

// Config is the flat policy/engine configuration struct.
type Config struct {
	ExecutableStack       bool `toml:"executable_stack"`
	ExecutableHeap        bool `toml:"executable_heap"`
	ExecutableIfX         bool `toml:"executable_if_x"`
	ExecutableIfRX        bool `toml:"executable_if_rx"`
	ExecutableIfText      bool `toml:"executable_if_text"`
	ExecutableIfImage     bool `toml:"executable_if_image"`
	ExecutableIfHook      bool `toml:"executable_if_hook"`
	ExecutableIfAlloc     bool `toml:"executable_if_alloc"`
	ExecutableIfTrampoline bool `toml:"executable_if_trampoline"`
	ExecutableIfDriver    bool `toml:"executable_if_driver"`

	RO2SandboxThreshold        uint32 `toml:"ro2sandbox"`
	Sandbox2ROThreshold        uint32 `toml:"sandbox2ro"`
	ReportMax                  uint32 `toml:"report_max"`
	DetectModeMax              uint32 `toml:"detect_mode_max"`
	KillThreadMax              uint32 `toml:"kill_thread_max"`
	ThrowExceptionMax          uint32 `toml:"throw_exception_max"`
	ThrowExceptionMaxPerThread uint32 `toml:"throw_exception_max_per_thread"`
	ResetEveryNthPending       uint32 `toml:"reset_every_nth_pending"`
	LazyDeletionMaxPending     uint32 `toml:"lazy_deletion_max_pending"`
	VMAreaInitialSize          uint32 `toml:"vmarea_initial_size"`
	VMAreaIncrementSize        uint32 `toml:"vmarea_increment_size"`

	ExemptText  []string `toml:"exempt_text"`
	DLL2Heap    []string `toml:"dll2heap"`
	DLL2Stack   []string `toml:"dll2stack"`

	HandleDRModify    ModifyPolicy `toml:"handle_dr_modify"`
	HandleNtdllModify ModifyPolicy `toml:"handle_ntdll_modify"`
}

// Default returns the conservative defaults a fresh engine starts with
// when no configuration file is present: both stack and heap execution
// are denied, detect-mode thresholds are small, and trampoline/image
// admission is enabled since those are needed for ordinary loader
// behavior to work at all.
func Default() *Config {
	return &Config{
		ExecutableIfText:       true,
		ExecutableIfRX:         true,
		ExecutableIfImage:      true,
		ExecutableIfTrampoline: true,
		RO2SandboxThreshold:    1,
		Sandbox2ROThreshold:    8,
		ReportMax:              64,
		DetectModeMax:          16,
		ResetEveryNthPending:   32,
		LazyDeletionMaxPending: 64,
		VMAreaInitialSize:      32,
		VMAreaIncrementSize:    32,
		HandleDRModify:         Nop,
		HandleNtdllModify:      Nop,
	}
}

// Load reads path and decodes it over the defaults. A missing file is
// not an error: it just returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("policyconfig: reading %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("policyconfig: parsing %s: %w", path, err)
	}
	return cfg, nil
}
