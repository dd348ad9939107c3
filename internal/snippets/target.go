// Package snippets turns a lowered snippet IR into machine code for a target
// and manages the runtime tables the generated code depends on.
package snippets

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/tinyrange/snippets/internal/asm"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// Arch names an instruction set a TargetMachine generates code for.
type Arch string

const (
	ArchInvalid Arch = "invalid"
	ArchAArch64 Arch = "aarch64"
)

// HostArch returns the Arch of the running process, or ArchInvalid.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "arm64":
		return ArchAArch64
	}
	return ArchInvalid
}

// ParseArch accepts the Go and the LLVM spelling of an architecture.
func ParseArch(name string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "arm64", "aarch64":
		return ArchAArch64, nil
	case "", "host":
		if arch := HostArch(); arch != ArchInvalid {
			return arch, nil
		}
		return ArchInvalid, fmt.Errorf("snippets: no target for host architecture %s", runtime.GOARCH)
	}
	return ArchInvalid, fmt.Errorf("snippets: unknown architecture %q", name)
}

// TargetMachine is the per-ISA half of code generation. An instance
// accumulates the code of one kernel at a time and owns one
// RuntimeConfigurator, so concurrent compilations need separate instances.
type TargetMachine interface {
	Arch() Arch
	// IsSupported reports whether the host can run the generated code.
	IsSupported() bool
	// Get returns the emitter factory for an operation type.
	Get(t op.Type) (lowered.EmitterFactory, bool)
	// Snippet finalizes and returns the code and data emitted so far.
	Snippet() (asm.Program, error)
	RuntimeConfigurator() *RuntimeConfigurator
	// Registers describes the register file handed to allocation.
	Registers() lowered.RegisterFile
	// SpecificRegType classifies target-specific outputs. ok is false when
	// the shared policy should decide.
	SpecificRegType(out op.Output) (lowered.RegType, bool)
}

// TargetConstructor creates a fresh TargetMachine.
type TargetConstructor func() TargetMachine

var (
	targetsMu sync.RWMutex
	targets   = make(map[Arch]TargetConstructor)
)

// RegisterTarget wires a target package into NewTarget. It panics when the
// same architecture is registered twice so mistakes are caught during init.
func RegisterTarget(arch Arch, ctor TargetConstructor) {
	if arch == ArchInvalid || arch == "" {
		panic("snippets: cannot register target for invalid architecture")
	}
	if ctor == nil {
		panic("snippets: target constructor must be non-nil")
	}

	targetsMu.Lock()
	defer targetsMu.Unlock()

	if _, exists := targets[arch]; exists {
		panic(fmt.Sprintf("snippets: target for %s already registered", arch))
	}
	targets[arch] = ctor
}

// NewTarget constructs the TargetMachine registered for arch.
func NewTarget(arch Arch) (TargetMachine, error) {
	targetsMu.RLock()
	ctor, ok := targets[arch]
	targetsMu.RUnlock()

	if !ok {
		if arch == ArchInvalid || arch == "" {
			return nil, fmt.Errorf("snippets: architecture must be specified")
		}
		return nil, fmt.Errorf("snippets: no target registered for %q", arch)
	}
	return ctor(), nil
}

// Targets lists the registered architectures.
func Targets() []Arch {
	targetsMu.RLock()
	defer targetsMu.RUnlock()
	out := make([]Arch, 0, len(targets))
	for arch := range targets {
		out = append(out, arch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
