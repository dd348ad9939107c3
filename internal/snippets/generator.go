package snippets

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// Generator compiles LinearIRs for one TargetMachine. It is not safe for
// concurrent use; compile distinct kernels on distinct generators.
type Generator struct {
	target TargetMachine
	logger *slog.Logger
}

type Option func(*Generator)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func NewGenerator(target TargetMachine, opts ...Option) *Generator {
	g := &Generator{target: target, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Target() TargetMachine { return g.target }

// OpOutRegType returns the register class of an operation output. The
// target is asked first; the shared policy decides otherwise.
func (g *Generator) OpOutRegType(out op.Output) (lowered.RegType, error) {
	if t, ok := g.target.SpecificRegType(out); ok && t != lowered.RegUndefined {
		return t, nil
	}
	if t, ok := defaultRegType(out.Node.Type); ok {
		return t, nil
	}
	return lowered.RegUndefined, errs.New(errs.ErrUndeterminedRegisterType, out.Node.String(), "output %d matches no register class", out.Index)
}

// Generate compiles lir into a LoweringResult. compileParams is handed to
// the target's kernel emitter untouched. On error no result is returned and
// every artifact created on the way is released.
func (g *Generator) Generate(lir *lowered.LinearIR, compileParams any) (*LoweringResult, error) {
	configurator := g.target.RuntimeConfigurator()
	configurator.ResetKernelExecutorTable()
	table := configurator.Table()
	if n := table.Staged(); n != 0 {
		configurator.AbortKernelExecutorTable()
		return nil, fmt.Errorf("snippets: executor table stages %d entries after reset", n)
	}

	if !g.target.IsSupported() {
		configurator.AbortKernelExecutorTable()
		return nil, errs.New(errs.ErrUnsupportedTarget, "", "host does not support %s", g.target.Arch())
	}

	g.logger.Debug("snippets: init emitters", "arch", g.target.Arch(), "ops", lir.Len(), "dynamic", lir.IsDynamic())
	lir.ResetEmitters()
	if err := lir.InitEmitters(g.target); err != nil {
		g.release(lir)
		return nil, err
	}

	kernelExpr := lowered.NewKernelExpression(lir, compileParams)
	kernel := kernelExpr.Kernel()

	g.logger.Debug("snippets: allocate registers")
	regs := lowered.NewRegManager(g.target.Registers(), g.OpOutRegType)
	if err := regs.Allocate(kernel); err != nil {
		g.release(lir)
		return nil, err
	}

	factory, ok := g.target.Get(kernelExpr.Type())
	if !ok {
		g.release(lir)
		return nil, errs.New(errs.ErrNoEmitter, kernelExpr.Node().String(), "target has no kernel emitter")
	}
	kernelEmitter, err := factory(kernelExpr)
	if err != nil {
		g.release(lir)
		return nil, fmt.Errorf("snippets: kernel emitter: %w", err)
	}
	if err := kernelExpr.BindEmitter(kernelEmitter); err != nil {
		g.release(lir)
		return nil, err
	}

	g.logger.Debug("snippets: emit code", "kernel", kernelExpr.Type())
	// The third list is reserved and always empty.
	if err := kernelEmitter.EmitCode(
		regs.KernelCallRegs(kernel),
		[]int{},
		regs.VecRegPool(),
		regs.GPRegsExceptKernelCall(kernel),
	); err != nil {
		g.release(lir)
		return nil, fmt.Errorf("snippets: emit kernel: %w", err)
	}

	g.logger.Debug("snippets: emit data")
	for expr := range lir.All() {
		if err := expr.Emitter().EmitData(); err != nil {
			g.release(lir)
			return nil, fmt.Errorf("snippets: emit data for %s: %w", expr, err)
		}
	}

	prog, err := g.target.Snippet()
	if err != nil {
		g.release(lir)
		return nil, fmt.Errorf("snippets: finalize: %w", err)
	}

	result := &LoweringResult{
		ID:               uuid.New(),
		Program:          prog,
		RetainedEmitters: lir.RetainedEmitters(),
		Table:            table,
		Dynamic:          lir.IsDynamic(),
		RuntimeArgsSize:  lir.RuntimeArgsSize(),
	}

	// Static kernels are resolved before they become visible; dynamic ones
	// wait for the RuntimeConfigurator.
	var view ShapeView
	if !lir.IsDynamic() {
		view = lir
	}
	g.logger.Debug("snippets: commit executor table", "executors", table.Staged(), "resolve", view != nil)
	if err := configurator.CommitKernelExecutorTable(view); err != nil {
		g.release(lir)
		return nil, err
	}

	g.logger.Debug("snippets: generated",
		"id", result.ID,
		"bytes", prog.Len(),
		"retained", len(result.RetainedEmitters),
		"pending", len(table.Pending()),
	)
	return result, nil
}

// release undoes a failed Generate: retained artifacts are closed, the
// staged executors are dropped so the published table stays as it was, and
// the emitter bindings are cleared so lir can be generated again.
func (g *Generator) release(lir *lowered.LinearIR) {
	if err := closeEmitters(lir.RetainedEmitters()); err != nil {
		g.logger.Warn("snippets: release emitters", "err", err)
	}
	g.target.RuntimeConfigurator().AbortKernelExecutorTable()
	lir.ResetEmitters()
}
