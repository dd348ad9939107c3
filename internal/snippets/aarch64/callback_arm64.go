//go:build (darwin || linux) && arm64

package aarch64

import (
	"sync"

	"github.com/ebitengine/purego"
)

var (
	entryOnce sync.Once
	entryAddr uintptr
)

// gemmEntryAddr returns a C-callable pointer to gemmEntry. purego never
// frees callbacks, so every Brgemm shares one and dispatches on its handle.
func gemmEntryAddr() uintptr {
	entryOnce.Do(func() {
		entryAddr = purego.NewCallback(gemmEntry)
	})
	return entryAddr
}
