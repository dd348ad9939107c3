package snippets

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/tinyrange/snippets/internal/asm"
	"github.com/tinyrange/snippets/internal/element"
	"github.com/tinyrange/snippets/internal/snippets/errs"
	"github.com/tinyrange/snippets/internal/snippets/lowered"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

type fakeTarget struct {
	supported bool
	cfg       *RuntimeConfigurator
	events    []string
	overrides map[op.Type]lowered.RegType
	failOn    op.Type
	closed    []string
	// onBrgemm runs after a Brgemm factory registers its executor.
	onBrgemm func()

	kernelCall, reserved, vecPool, gpPool []int
	compileParams                         any
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{supported: true, cfg: NewRuntimeConfigurator()}
}

func (t *fakeTarget) Arch() Arch                                { return "fake" }
func (t *fakeTarget) IsSupported() bool                         { return t.supported }
func (t *fakeTarget) RuntimeConfigurator() *RuntimeConfigurator { return t.cfg }

func (t *fakeTarget) Registers() lowered.RegisterFile {
	rf := lowered.RegisterFile{ABIArgs: []int{0, 1}}
	for i := range 16 {
		rf.GP = append(rf.GP, i)
	}
	for i := range 32 {
		rf.Vec = append(rf.Vec, i)
	}
	return rf
}

func (t *fakeTarget) SpecificRegType(out op.Output) (lowered.RegType, bool) {
	rt, ok := t.overrides[out.Node.Type]
	return rt, ok
}

func (t *fakeTarget) Snippet() (asm.Program, error) {
	return asm.NewProgram([]byte(strings.Join(t.events, ";")), nil), nil
}

func (t *fakeTarget) Get(typ op.Type) (lowered.EmitterFactory, bool) {
	if _, ok := op.Lookup(typ); !ok {
		return nil, false
	}
	switch typ {
	case op.KernelStatic, op.KernelDynamic:
		return func(expr *lowered.Expression) (lowered.Emitter, error) {
			return &fakeKernelEmitter{t: t, k: expr.Kernel()}, nil
		}, true
	}
	return func(expr *lowered.Expression) (lowered.Emitter, error) {
		if expr.Type() == t.failOn {
			return nil, errs.Conversion(expr.Node().String(), element.BF16, element.I8, "unsupported")
		}
		em := &fakeBodyEmitter{t: t, name: expr.Node().String(), inputs: len(expr.Inputs())}
		if expr.Type() == op.Brgemm {
			em.retained = true
			exec := &fakeExecutor{key: fmt.Sprintf("gemm:%d", expr.ID()), expr: expr.ID()}
			if err := t.cfg.Table().Register(exec.key, exec); err != nil {
				return nil, err
			}
			if t.onBrgemm != nil {
				t.onBrgemm()
			}
		}
		return em, nil
	}, true
}

type fakeKernelEmitter struct {
	t *fakeTarget
	k *lowered.Kernel
}

func (e *fakeKernelEmitter) InputCount() int { return 0 }
func (e *fakeKernelEmitter) EmitData() error { return nil }

func (e *fakeKernelEmitter) EmitCode(in, out, vecPool, gpPool []int) error {
	e.t.events = append(e.t.events, "kernel")
	e.t.kernelCall, e.t.reserved, e.t.vecPool, e.t.gpPool = in, out, vecPool, gpPool
	e.t.compileParams = e.k.CompileParams
	for expr := range e.k.Body.All() {
		regsIn, regsOut, err := expr.RegInfo()
		if err != nil {
			return err
		}
		auxVec, auxGP := expr.AuxRegs()
		if err := expr.Emitter().EmitCode(regsIn, regsOut, auxVec, auxGP); err != nil {
			return err
		}
	}
	return nil
}

type fakeBodyEmitter struct {
	t        *fakeTarget
	name     string
	inputs   int
	retained bool
}

func (e *fakeBodyEmitter) InputCount() int             { return e.inputs }
func (e *fakeBodyEmitter) UsesPrecompiledKernel() bool { return e.retained }

func (e *fakeBodyEmitter) EmitCode(_, _, _, _ []int) error {
	e.t.events = append(e.t.events, "code:"+e.name)
	return nil
}

func (e *fakeBodyEmitter) EmitData() error {
	e.t.events = append(e.t.events, "data:"+e.name)
	return nil
}

func (e *fakeBodyEmitter) Close() error {
	e.t.closed = append(e.t.closed, e.name)
	return nil
}

type fakeExecutor struct {
	key      string
	expr     int
	resolved bool
	m        int64
}

func (x *fakeExecutor) Key() string    { return x.key }
func (x *fakeExecutor) Resolved() bool { return x.resolved }
func (x *fakeExecutor) Config() any    { return x.m }

func (x *fakeExecutor) Update(view ShapeView) error {
	s := view.InputShape(x.expr, 0)
	if s == nil {
		return fmt.Errorf("no shape for expr %d", x.expr)
	}
	x.resolved = s.IsStatic()
	if x.resolved {
		x.m = s.Dim(0)
	}
	return nil
}

func (x *fakeExecutor) Restore(config any) error {
	m, ok := config.(int64)
	if !ok {
		return fmt.Errorf("config is %T", config)
	}
	x.m, x.resolved = m, true
	return nil
}

func buildEltwise(t *testing.T, shape op.Shape) *lowered.LinearIR {
	t.Helper()
	b := lowered.NewBuilder()
	pa := b.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, shape))
	pb := b.Add(op.New(op.Parameter, "b", element.F32).With(op.AttrShape, shape))
	la := b.Add(op.New(op.Load, "la", element.F32), pa.Output(0))
	lb := b.Add(op.New(op.Load, "lb", element.F32), pb.Output(0))
	sum := b.Add(op.New(op.Add, "sum", element.F32), la.Output(0), lb.Output(0))
	st := b.Add(op.New(op.Store, "st", element.F32), sum.Output(0))
	b.Add(op.New(op.Result, "out"), st.Output(0))
	lir, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return lir
}

// buildGemm builds out = a x b with two Brgemm calls so retention order can
// be observed.
func buildGemm(t *testing.T, a, b op.Shape) *lowered.LinearIR {
	t.Helper()
	bld := lowered.NewBuilder()
	pa := bld.Add(op.New(op.Parameter, "a", element.F32).With(op.AttrShape, a))
	pb := bld.Add(op.New(op.Parameter, "b", element.F32).With(op.AttrShape, b))
	g0 := bld.Add(op.New(op.Brgemm, "g0", element.F32), pa.Output(0), pb.Output(0))
	g1 := bld.Add(op.New(op.Brgemm, "g1", element.F32), pa.Output(0), pb.Output(0))
	bld.Add(op.New(op.Result, "out0"), g0.Output(0))
	bld.Add(op.New(op.Result, "out1"), g1.Output(0))
	lir, err := bld.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return lir
}

func TestGenerateOrdering(t *testing.T) {
	target := newFakeTarget()
	lir := buildEltwise(t, op.Shape{16})
	res, err := NewGenerator(target).Generate(lir, "params")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := []string{
		"kernel",
		"code:Parameter(a)", "code:Parameter(b)", "code:Load(la)", "code:Load(lb)",
		"code:Add(sum)", "code:Store(st)", "code:Result(out)",
		"data:Parameter(a)", "data:Parameter(b)", "data:Load(la)", "data:Load(lb)",
		"data:Add(sum)", "data:Store(st)", "data:Result(out)",
	}
	if !slices.Equal(target.events, want) {
		t.Fatalf("events = %v\nwant %v", target.events, want)
	}
	if string(res.Program.Bytes()) != strings.Join(want, ";") {
		t.Fatalf("program does not hold the target's snippet")
	}
	if target.compileParams != "params" {
		t.Fatalf("compile params = %v", target.compileParams)
	}
	if res.Table != target.cfg.Table() {
		t.Fatalf("result table is not the configurator's table")
	}
}

func TestGenerateKernelCallConvention(t *testing.T) {
	for _, dynamic := range []bool{false, true} {
		target := newFakeTarget()
		lir := buildEltwise(t, op.Shape{16})
		lir.SetDynamic(dynamic)
		if _, err := NewGenerator(target).Generate(lir, nil); err != nil {
			t.Fatalf("dynamic=%v: Generate: %v", dynamic, err)
		}
		wantCall := []int{0}
		if dynamic {
			wantCall = []int{0, 1}
		}
		if !slices.Equal(target.kernelCall, wantCall) {
			t.Fatalf("dynamic=%v: kernel-call regs = %v", dynamic, target.kernelCall)
		}
		if target.reserved == nil || len(target.reserved) != 0 {
			t.Fatalf("dynamic=%v: reserved list = %#v, want empty", dynamic, target.reserved)
		}
		for _, r := range target.gpPool {
			if slices.Contains(wantCall, r) {
				t.Fatalf("dynamic=%v: gp pool contains kernel-call reg %d", dynamic, r)
			}
		}
		if len(target.vecPool) != 32 {
			t.Fatalf("dynamic=%v: vec pool = %v", dynamic, target.vecPool)
		}
	}
}

func TestGenerateResetsTable(t *testing.T) {
	target := newFakeTarget()
	stale := &fakeExecutor{key: "stale"}
	if err := target.cfg.Table().Register("stale", stale); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := NewGenerator(target).Generate(buildGemm(t, op.Shape{4, 8}, op.Shape{8, 2}), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, ok := res.Table.Lookup("stale"); ok {
		t.Fatalf("stale executor survived Generate")
	}
	if got := res.Table.Keys(); !slices.Equal(got, []string{"gemm:2", "gemm:3"}) {
		t.Fatalf("table keys = %v", got)
	}
}

func TestGenerateUnsupportedTarget(t *testing.T) {
	target := newFakeTarget()
	target.supported = false
	lir := buildEltwise(t, op.Shape{16})
	_, err := NewGenerator(target).Generate(lir, nil)
	if !errors.Is(err, errs.ErrUnsupportedTarget) {
		t.Fatalf("Generate = %v, want ErrUnsupportedTarget", err)
	}
	for expr := range lir.All() {
		if expr.Emitter() != nil {
			t.Fatalf("%s got an emitter before the support check", expr)
		}
	}
	if len(target.events) != 0 {
		t.Fatalf("code emitted for unsupported target: %v", target.events)
	}
}

func TestGenerateStaticFinalization(t *testing.T) {
	target := newFakeTarget()
	res, err := NewGenerator(target).Generate(buildGemm(t, op.Shape{4, 8}, op.Shape{8, 2}), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if pending := res.Table.Pending(); len(pending) != 0 {
		t.Fatalf("pending after static Generate: %v", pending)
	}
	exec, _ := res.Table.Lookup("gemm:2")
	if exec.Config().(int64) != 8 {
		t.Fatalf("executor K = %v", exec.Config())
	}
}

func TestGenerateDynamicDeferral(t *testing.T) {
	target := newFakeTarget()
	lir := buildGemm(t, op.Shape{op.Dynamic, op.Dynamic}, op.Shape{op.Dynamic, 2})
	res, err := NewGenerator(target).Generate(lir, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !res.Dynamic {
		t.Fatalf("result not marked dynamic")
	}
	if pending := res.Table.Pending(); !slices.Equal(pending, []string{"gemm:2", "gemm:3"}) {
		t.Fatalf("pending = %v", pending)
	}

	cfg, err := target.cfg.Update(lir, []op.Shape{{3, 5}, {5, 2}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if pending := res.Table.Pending(); len(pending) != 0 {
		t.Fatalf("pending after Update: %v", pending)
	}
	if !cfg.MasterShape.Equal(op.Shape{3, 2}) {
		t.Fatalf("master shape = %s", cfg.MasterShape)
	}
	if !slices.Equal(cfg.IOSizes, []int64{60, 40, 24, 24}) {
		t.Fatalf("IO sizes = %v", cfg.IOSizes)
	}
	if target.cfg.Config() != cfg {
		t.Fatalf("configurator did not keep the last config")
	}
}

func TestGenerateRetention(t *testing.T) {
	target := newFakeTarget()
	res, err := NewGenerator(target).Generate(buildGemm(t, op.Shape{4, 8}, op.Shape{8, 2}), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.RetainedEmitters) != 2 {
		t.Fatalf("retained %d emitters, want 2", len(res.RetainedEmitters))
	}
	for i, name := range []string{"Brgemm(g0)", "Brgemm(g1)"} {
		if got := res.RetainedEmitters[i].(*fakeBodyEmitter).name; got != name {
			t.Fatalf("retained[%d] = %s, want %s", i, got, name)
		}
	}
	if err := res.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !slices.Equal(target.closed, []string{"Brgemm(g0)", "Brgemm(g1)"}) {
		t.Fatalf("closed = %v", target.closed)
	}
	if res.RetainedEmitters != nil {
		t.Fatalf("Close kept retained emitters")
	}
}

func TestGenerateSameIRTwice(t *testing.T) {
	lir := buildGemm(t, op.Shape{4, 8}, op.Shape{8, 2})
	first, second := newFakeTarget(), newFakeTarget()
	a, err := NewGenerator(first).Generate(lir, nil)
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	b, err := NewGenerator(second).Generate(lir, nil)
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if !slices.Equal(first.events, second.events) {
		t.Fatalf("events differ:\n%v\n%v", first.events, second.events)
	}
	for expr := range lir.All() {
		if em, ok := expr.Emitter().(*fakeBodyEmitter); ok && em.t != second {
			t.Fatalf("%s still bound to the first target", expr)
		}
	}
	if a.RetainedEmitters[0].(*fakeBodyEmitter).t != first || len(b.RetainedEmitters) != 2 {
		t.Fatalf("retained emitters moved between results")
	}
	if !slices.Equal(b.Table.Keys(), []string{"gemm:2", "gemm:3"}) {
		t.Fatalf("second table = %v", b.Table.Keys())
	}
}

func TestGenerateAfterFailure(t *testing.T) {
	target := newFakeTarget()
	lir := buildGemm(t, op.Shape{4, 8}, op.Shape{8, 2})
	target.failOn = op.Result
	if _, err := NewGenerator(target).Generate(lir, nil); err == nil {
		t.Fatalf("Generate succeeded with a failing factory")
	}
	for expr := range lir.All() {
		if expr.Emitter() != nil {
			t.Fatalf("%s kept its emitter after a failed Generate", expr)
		}
	}

	target.failOn = ""
	res, err := NewGenerator(target).Generate(lir, nil)
	if err != nil {
		t.Fatalf("Generate after failure: %v", err)
	}
	if !slices.Equal(res.Table.Keys(), []string{"gemm:2", "gemm:3"}) || len(res.RetainedEmitters) != 2 {
		t.Fatalf("keys %v, retained %d", res.Table.Keys(), len(res.RetainedEmitters))
	}
}

func TestGenerateFailureReleasesArtifacts(t *testing.T) {
	target := newFakeTarget()
	target.failOn = op.Result
	_, err := NewGenerator(target).Generate(buildGemm(t, op.Shape{4, 8}, op.Shape{8, 2}), nil)
	if !errors.Is(err, errs.ErrUnsupportedConversion) {
		t.Fatalf("Generate = %v, want ErrUnsupportedConversion", err)
	}
	if !slices.Equal(target.closed, []string{"Brgemm(g0)", "Brgemm(g1)"}) {
		t.Fatalf("closed = %v", target.closed)
	}
	if n := target.cfg.Table().Len(); n != 0 {
		t.Fatalf("table holds %d executors after failure", n)
	}
	if len(target.events) != 0 {
		t.Fatalf("code emitted after failed init: %v", target.events)
	}
}

func TestOpOutRegTypeTotality(t *testing.T) {
	target := newFakeTarget()
	g := NewGenerator(target)
	for _, typ := range op.Types() {
		node := op.New(typ, "")
		rt, err := g.OpOutRegType(op.Output{Node: node})
		_, gpr := gprOps[typ]
		_, vec := vecOps[typ]
		switch {
		case gpr:
			if err != nil || rt != lowered.RegGPR {
				t.Fatalf("%s: %s, %v; want gpr", typ, rt, err)
			}
		case vec:
			if err != nil || rt != lowered.RegVec {
				t.Fatalf("%s: %s, %v; want vec", typ, rt, err)
			}
		default:
			if !errors.Is(err, errs.ErrUndeterminedRegisterType) {
				t.Fatalf("%s: err = %v, want ErrUndeterminedRegisterType", typ, err)
			}
		}
	}
	if _, err := g.OpOutRegType(op.Output{Node: op.New(op.KernelStatic, "")}); !errors.Is(err, errs.ErrUndeterminedRegisterType) {
		t.Fatalf("KernelStatic classified: %v", err)
	}
	_, err := g.OpOutRegType(op.Output{Node: op.New(op.PerfCountBegin, "")})
	if op.DebugCaps == (err != nil) {
		t.Fatalf("PerfCountBegin with DebugCaps=%v: err = %v", op.DebugCaps, err)
	}
}

func TestOpOutRegTypeOverride(t *testing.T) {
	target := newFakeTarget()
	target.overrides = map[op.Type]lowered.RegType{
		op.Add:           lowered.RegGPR,
		"fake.Intrinsic": lowered.RegVec,
		op.Sqrt:          lowered.RegUndefined,
	}
	g := NewGenerator(target)
	for typ, want := range map[op.Type]lowered.RegType{
		op.Add:           lowered.RegGPR,
		"fake.Intrinsic": lowered.RegVec,
		op.Sqrt:          lowered.RegVec,
	} {
		got, err := g.OpOutRegType(op.Output{Node: op.New(typ, "")})
		if err != nil || got != want {
			t.Fatalf("%s: %s, %v; want %s", typ, got, err, want)
		}
	}
}
