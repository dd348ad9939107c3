package aarch64

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/snippets/internal/snippets"
)

// Executable is a lowering result mapped into executable memory.
type Executable struct {
	res   *snippets.LoweringResult
	entry uintptr

	mu  sync.Mutex
	mem []byte
}

// Load maps the program of res. res must stay open while the executable is
// in use.
func Load(res *snippets.LoweringResult) (*Executable, error) {
	prog := res.Program
	size := prog.Len()
	if size == 0 {
		return nil, fmt.Errorf("aarch64: empty program")
	}
	pageSize := unix.Getpagesize()
	allocSize := (size + pageSize - 1) / pageSize * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("aarch64: mmap kernel: %w", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	copy(mem, prog.RelocatedCopy(base))

	// Mapping the pages executable makes the kernel synchronize the
	// instruction cache with the bytes written above.
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("aarch64: mprotect kernel: %w", err)
	}
	return &Executable{res: res, entry: base, mem: mem}, nil
}

func (x *Executable) Entry() uintptr { return x.entry }

// Call runs the kernel once. callArgs holds the parameter, result and
// scratchpad addresses; runtimeArgs is the block from
// RuntimeConfig.RuntimeArgsBytes and must be nil for static kernels. The
// memory behind every address must stay alive until Call returns.
func (x *Executable) Call(callArgs []uintptr, runtimeArgs []byte) error {
	x.mu.Lock()
	closed := x.mem == nil
	x.mu.Unlock()
	if closed {
		return fmt.Errorf("aarch64: call on a closed executable")
	}
	if len(callArgs) == 0 {
		return fmt.Errorf("aarch64: empty call-args block")
	}
	args := []uintptr{uintptr(unsafe.Pointer(&callArgs[0]))}
	if x.res.Dynamic {
		if len(runtimeArgs) != x.res.RuntimeArgsSize || len(runtimeArgs) == 0 {
			return fmt.Errorf("aarch64: runtime-args block is %d bytes, kernel reads %d", len(runtimeArgs), x.res.RuntimeArgsSize)
		}
		args = append(args, uintptr(unsafe.Pointer(&runtimeArgs[0])))
	} else if runtimeArgs != nil {
		return fmt.Errorf("aarch64: static kernel takes no runtime arguments")
	}
	purego.SyscallN(x.entry, args...)
	runtime.KeepAlive(callArgs)
	runtime.KeepAlive(runtimeArgs)
	return nil
}

// Close unmaps the code. It does not close the lowering result.
func (x *Executable) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.mem == nil {
		return nil
	}
	err := unix.Munmap(x.mem)
	x.mem = nil
	return err
}
