//go:build !(linux && arm64)

package aarch64

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/snippets/internal/snippets"
)

// Executable is only available on linux/arm64.
type Executable struct{}

func Load(*snippets.LoweringResult) (*Executable, error) {
	return nil, fmt.Errorf("aarch64: native execution is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (x *Executable) Entry() uintptr { return 0 }

func (x *Executable) Call([]uintptr, []byte) error {
	return fmt.Errorf("aarch64: native execution is not supported on %s/%s", runtime.GOOS, runtime.GOARCH)
}

func (x *Executable) Close() error { return nil }
