package snippets

import (
	"errors"
	"io"

	"github.com/google/uuid"

	"github.com/tinyrange/snippets/internal/asm"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
)

// LoweringResult is everything the runtime needs to call a compiled kernel.
// The caller owns it for as long as the kernel is installed.
type LoweringResult struct {
	ID      uuid.UUID
	Program asm.Program
	// RetainedEmitters own artifacts the code refers to, in IR order.
	RetainedEmitters []lowered.Emitter
	Table            *KernelExecutorTable
	Dynamic          bool
	RuntimeArgsSize  int
}

// Close releases the retained emitters. The program must not be called
// afterwards.
func (r *LoweringResult) Close() error {
	err := closeEmitters(r.RetainedEmitters)
	r.RetainedEmitters = nil
	return err
}

func closeEmitters(ems []lowered.Emitter) error {
	var errs []error
	for _, em := range ems {
		if c, ok := em.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
