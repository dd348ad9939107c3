package snippets

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tinyrange/snippets/internal/snippets/op"
)

// ShapeView answers shape queries for the ports of a LinearIR, either with
// compile-time shapes or with shapes resolved for one inference call.
type ShapeView interface {
	InputShape(exprID, port int) op.Shape
	OutputShape(exprID, port int) op.Shape
}

// KernelExecutor is a runtime artifact whose configuration depends on
// shapes. Update derives the configuration from view; Config and Restore
// move it in and out of a TableState.
type KernelExecutor interface {
	Key() string
	Update(view ShapeView) error
	Resolved() bool
	Config() any
	Restore(config any) error
}

// ExecutorState is the configuration of one executor.
type ExecutorState struct {
	Key    string
	Config any
}

// TableState is a snapshot of a table, in registration order.
type TableState []ExecutorState

// executorSet is one generation of table contents.
type executorSet struct {
	entries map[string]KernelExecutor
	order   []string
}

func newExecutorSet() *executorSet {
	return &executorSet{entries: make(map[string]KernelExecutor)}
}

func (s *executorSet) add(key string, exec KernelExecutor) error {
	if _, exists := s.entries[key]; exists {
		return fmt.Errorf("snippets: executor %q already registered", key)
	}
	s.entries[key] = exec
	s.order = append(s.order, key)
	return nil
}

func (s *executorSet) update(view ShapeView) error {
	for _, key := range s.order {
		if err := s.entries[key].Update(view); err != nil {
			return fmt.Errorf("snippets: update executor %q: %w", key, err)
		}
	}
	return nil
}

// KernelExecutorTable holds the executors of one compiled kernel.
//
// A recompilation repopulates the table in two phases. Begin opens an empty
// staged set that Register fills while readers keep seeing the published
// set; Commit resolves the staged set and publishes it under a single write
// lock. Readers therefore observe either the previous kernel's executors or
// the new kernel's complete set, never an empty or half filled table.
type KernelExecutorTable struct {
	mu        sync.RWMutex
	id        uuid.UUID
	published *executorSet
	// staged is non-nil between Begin and Commit or Abort.
	staged *executorSet
}

func NewKernelExecutorTable() *KernelExecutorTable {
	return &KernelExecutorTable{
		id:        uuid.New(),
		published: newExecutorSet(),
	}
}

// ID identifies the table across recompilations of the same kernel.
func (t *KernelExecutorTable) ID() uuid.UUID { return t.id }

// Register adds an executor to the staged set while a recompilation is open
// and to the published set otherwise. Keys are unique within a set.
func (t *KernelExecutorTable) Register(key string, exec KernelExecutor) error {
	if exec == nil {
		return fmt.Errorf("snippets: nil executor for %q", key)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.staged != nil {
		return t.staged.add(key, exec)
	}
	return t.published.add(key, exec)
}

// Begin opens an empty staged set, dropping any earlier one. The published
// set is untouched.
func (t *KernelExecutorTable) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = newExecutorSet()
}

// Staged returns the number of staged executors, or -1 when no
// recompilation is open.
func (t *KernelExecutorTable) Staged() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.staged == nil {
		return -1
	}
	return len(t.staged.order)
}

// Commit resolves the staged executors against view, when view is not nil,
// and publishes them. On error the staged set is dropped and the published
// set stays as it was.
func (t *KernelExecutorTable) Commit(view ShapeView) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	staged := t.staged
	if staged == nil {
		return fmt.Errorf("snippets: commit without a staged table")
	}
	t.staged = nil
	if view != nil {
		if err := staged.update(view); err != nil {
			return err
		}
	}
	t.published = staged
	return nil
}

// Abort drops the staged set.
func (t *KernelExecutorTable) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staged = nil
}

func (t *KernelExecutorTable) Lookup(key string) (KernelExecutor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exec, ok := t.published.entries[key]
	return exec, ok
}

// Reset empties the published set and drops any staged one.
func (t *KernelExecutorTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = newExecutorSet()
	t.staged = nil
}

func (t *KernelExecutorTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.published.order)
}

// Keys returns the registered keys in registration order.
func (t *KernelExecutorTable) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.published.order...)
}

// UpdateState resolves every published executor against view, in
// registration order.
func (t *KernelExecutorTable) UpdateState(view ShapeView) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published.update(view)
}

// Pending returns the keys of executors that are not resolved yet.
func (t *KernelExecutorTable) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, key := range t.published.order {
		if !t.published.entries[key].Resolved() {
			out = append(out, key)
		}
	}
	return out
}

func (t *KernelExecutorTable) Snapshot() TableState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state := make(TableState, 0, len(t.published.order))
	for _, key := range t.published.order {
		state = append(state, ExecutorState{Key: key, Config: t.published.entries[key].Config()})
	}
	return state
}

// Restore applies a snapshot taken from a table with the same keys.
func (t *KernelExecutorTable) Restore(state TableState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(state) != len(t.published.order) {
		return fmt.Errorf("snippets: snapshot has %d executors, table has %d", len(state), len(t.published.order))
	}
	for _, s := range state {
		exec, ok := t.published.entries[s.Key]
		if !ok {
			return fmt.Errorf("snippets: snapshot executor %q not in table", s.Key)
		}
		if err := exec.Restore(s.Config); err != nil {
			return fmt.Errorf("snippets: restore executor %q: %w", s.Key, err)
		}
	}
	return nil
}
