package aarch64

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/snippets/internal/snippets"
	"github.com/tinyrange/snippets/internal/snippets/op"
)

// GemmConfig is the resolved geometry of one Brgemm: Batch products of an
// MxK by a KxN row-major f32 matrix. Batch strides are in elements and zero
// for an operand broadcast across the batch.
type GemmConfig struct {
	Batch   int64
	M, N, K int64

	StrideA, StrideB, StrideC int64
}

func (c GemmConfig) sizes() (a, b, cc int64) {
	return c.strideOr(c.StrideA, c.M*c.K), c.strideOr(c.StrideB, c.K*c.N), c.Batch * c.M * c.N
}

func (c GemmConfig) strideOr(stride, one int64) int64 {
	if stride == 0 {
		return one
	}
	return stride * c.Batch
}

// GemmExecutor is the kernel executor behind a Brgemm expression. The
// generated code calls into it with the A, B and C pointers; its geometry
// comes from the executor table.
type GemmExecutor struct {
	exprID int

	mu       sync.RWMutex
	config   GemmConfig
	resolved bool
}

var _ snippets.KernelExecutor = (*GemmExecutor)(nil)

func NewGemmExecutor(exprID int) *GemmExecutor {
	return &GemmExecutor{exprID: exprID}
}

func (g *GemmExecutor) Key() string { return fmt.Sprintf("brgemm:%d", g.exprID) }

// Update resolves the geometry from the shapes of the expression's inputs.
func (g *GemmExecutor) Update(view snippets.ShapeView) error {
	cfg, err := gemmConfig(view.InputShape(g.exprID, 0), view.InputShape(g.exprID, 1))
	if err != nil {
		return fmt.Errorf("aarch64: %s: %w", g.Key(), err)
	}
	g.mu.Lock()
	g.config, g.resolved = cfg, true
	g.mu.Unlock()
	return nil
}

func gemmConfig(a, b op.Shape) (GemmConfig, error) {
	if len(a) < 2 || len(b) < 2 {
		return GemmConfig{}, fmt.Errorf("operands %s and %s are not matrices", a, b)
	}
	if !a.IsStatic() || !b.IsStatic() {
		return GemmConfig{}, fmt.Errorf("operands %s and %s are not resolved", a, b)
	}
	cfg := GemmConfig{M: a.Dim(1), K: a.Dim(0), N: b.Dim(0)}
	if b.Dim(1) != cfg.K {
		return GemmConfig{}, fmt.Errorf("inner dimensions of %s and %s differ", a, b)
	}
	batchA, batchB := a[:len(a)-2].Elements(), b[:len(b)-2].Elements()
	cfg.Batch = max(batchA, batchB)
	if (batchA != cfg.Batch && batchA != 1) || (batchB != cfg.Batch && batchB != 1) {
		return GemmConfig{}, fmt.Errorf("batches of %s and %s cannot be paired", a, b)
	}
	if batchA > 1 {
		cfg.StrideA = cfg.M * cfg.K
	}
	if batchB > 1 {
		cfg.StrideB = cfg.K * cfg.N
	}
	cfg.StrideC = cfg.M * cfg.N
	return cfg, nil
}

func (g *GemmExecutor) Resolved() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolved
}

func (g *GemmExecutor) Config() any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

func (g *GemmExecutor) Restore(config any) error {
	cfg, ok := config.(GemmConfig)
	if !ok {
		return fmt.Errorf("aarch64: %s cannot restore %T", g.Key(), config)
	}
	g.mu.Lock()
	g.config, g.resolved = cfg, true
	g.mu.Unlock()
	return nil
}

// Execute computes C = A x B for every batch.
func (g *GemmExecutor) Execute(a, b, c []float32) error {
	g.mu.RLock()
	cfg, ok := g.config, g.resolved
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("aarch64: %s executed before its shapes were resolved", g.Key())
	}
	na, nb, nc := cfg.sizes()
	if int64(len(a)) < na || int64(len(b)) < nb || int64(len(c)) < nc {
		return fmt.Errorf("aarch64: %s needs %d, %d and %d elements, got %d, %d and %d",
			g.Key(), na, nb, nc, len(a), len(b), len(c))
	}
	m, n, k := int(cfg.M), int(cfg.N), int(cfg.K)
	for i := int64(0); i < cfg.Batch; i++ {
		gemm(a[i*cfg.StrideA:], b[i*cfg.StrideB:], c[i*cfg.StrideC:], m, n, k)
	}
	return nil
}

// executeRaw is the entry the generated code reaches through the callback.
func (g *GemmExecutor) executeRaw(a, b, c uintptr) uintptr {
	g.mu.RLock()
	cfg, ok := g.config, g.resolved
	g.mu.RUnlock()
	if !ok || a == 0 || b == 0 || c == 0 {
		return 1
	}
	na, nb, nc := cfg.sizes()
	err := g.Execute(
		unsafe.Slice((*float32)(unsafe.Pointer(a)), na),
		unsafe.Slice((*float32)(unsafe.Pointer(b)), nb),
		unsafe.Slice((*float32)(unsafe.Pointer(c)), nc),
	)
	if err != nil {
		return 1
	}
	return 0
}

func gemm(a, b, c []float32, m, n, k int) {
	for i := 0; i < m; i++ {
		row := c[i*n : (i+1)*n]
		clear(row)
		for p := 0; p < k; p++ {
			av := a[i*k+p]
			brow := b[p*n : (p+1)*n]
			for j := range row {
				row[j] += av * brow[j]
			}
		}
	}
}

// Handles let generated code name an executor by an integer.
var (
	handlesMu  sync.RWMutex
	handles    = map[uintptr]*GemmExecutor{}
	nextHandle uintptr
)

func registerHandle(g *GemmExecutor) uintptr {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	nextHandle++
	handles[nextHandle] = g
	return nextHandle
}

func releaseHandle(h uintptr) {
	handlesMu.Lock()
	delete(handles, h)
	handlesMu.Unlock()
}

func lookupHandle(h uintptr) *GemmExecutor {
	handlesMu.RLock()
	defer handlesMu.RUnlock()
	return handles[h]
}

// gemmEntry has the C signature
//
//	uintptr_t gemm(float *a, float *b, float *c, uintptr_t handle)
//
// and returns non-zero when the call could not be served.
func gemmEntry(a, b, c, handle uintptr) uintptr {
	g := lookupHandle(handle)
	if g == nil {
		return 1
	}
	return g.executeRaw(a, b, c)
}
