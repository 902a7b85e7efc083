package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Kernel is the adapter between the document manager and the geometry
// engine. The manager owns metadata, locks and transactions; a Kernel
// owns the actual model state. Snapshot payloads are opaque to the
// manager and round-trip through RestoreSnapshot unchanged.
type Kernel interface {
	Create(ctx context.Context, docID string) error
	Open(ctx context.Context, docID, path string) error
	Save(ctx context.Context, docID, path string) error
	Close(ctx context.Context, docID string) error
	TakeSnapshot(ctx context.Context, docID string) ([]byte, error)
	RestoreSnapshot(ctx context.Context, docID string, data []byte) error
	StartTransaction(ctx context.Context, docID, name string) error
	CommitTransaction(ctx context.Context, docID string) error
	AbortTransaction(ctx context.Context, docID string) error
}

// ScriptRunner executes a FreeCAD python script inside a workdir. The
// worker package provides the production implementation.
type ScriptRunner interface {
	RunScript(ctx context.Context, script, workdir string) error
}

// MemoryKernel is the mock Kernel used when no engine is available.
// State is plain JSON per document, so snapshots are human-readable
// and stable across round trips.
type MemoryKernel struct {
	mu    sync.Mutex
	docs  map[string]map[string]any
	txns  map[string]string
	fails map[string]error
}

// NewMemoryKernel returns an empty in-memory kernel.
func NewMemoryKernel() *MemoryKernel {
	return &MemoryKernel{
		docs:  make(map[string]map[string]any),
		txns:  make(map[string]string),
		fails: make(map[string]error),
	}
}

// Put sets one model property, standing in for a real modeling
// operation.
func (k *MemoryKernel) Put(docID, key string, value any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if st, ok := k.docs[docID]; ok {
		st[key] = value
	}
}

// Get reads one model property back.
func (k *MemoryKernel) Get(docID, key string) (any, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.docs[docID]
	if !ok {
		return nil, false
	}
	v, ok := st[key]
	return v, ok
}

// FailNext makes the named operation fail once with err. Tests use it
// to exercise rollback paths.
func (k *MemoryKernel) FailNext(op string, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fails[op] = err
}

func (k *MemoryKernel) takeFailure(op string) error {
	if err, ok := k.fails[op]; ok {
		delete(k.fails, op)
		return err
	}
	return nil
}

func (k *MemoryKernel) Create(_ context.Context, docID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("create"); err != nil {
		return err
	}
	k.docs[docID] = make(map[string]any)
	return nil
}

func (k *MemoryKernel) Open(_ context.Context, docID, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("open"); err != nil {
		return err
	}
	if _, ok := k.docs[docID]; !ok {
		k.docs[docID] = make(map[string]any)
	}
	return nil
}

// Save is a no-op for the memory kernel: the manager already persists
// the JSON snapshot, which is this kernel's entire state.
func (k *MemoryKernel) Save(_ context.Context, _, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.takeFailure("save")
}

func (k *MemoryKernel) Close(_ context.Context, docID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("close"); err != nil {
		return err
	}
	delete(k.docs, docID)
	delete(k.txns, docID)
	return nil
}

func (k *MemoryKernel) TakeSnapshot(_ context.Context, docID string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("snapshot"); err != nil {
		return nil, err
	}
	st, ok := k.docs[docID]
	if !ok {
		return nil, types.Faultf(types.CodeDocumentNotFound, "kernel state for %s not found", docID)
	}
	return json.Marshal(st)
}

func (k *MemoryKernel) RestoreSnapshot(_ context.Context, docID string, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("restore"); err != nil {
		return err
	}
	st := make(map[string]any)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return types.WrapFault(types.CodeDocumentCorrupt, "snapshot is not valid kernel state", err)
		}
	}
	k.docs[docID] = st
	return nil
}

func (k *MemoryKernel) StartTransaction(_ context.Context, docID, name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("start_txn"); err != nil {
		return err
	}
	k.txns[docID] = name
	return nil
}

func (k *MemoryKernel) CommitTransaction(_ context.Context, docID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("commit"); err != nil {
		return err
	}
	delete(k.txns, docID)
	return nil
}

func (k *MemoryKernel) AbortTransaction(_ context.Context, docID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.takeFailure("abort"); err != nil {
		return err
	}
	delete(k.txns, docID)
	return nil
}

// EngineKernel drives a real FreeCAD process through short python
// scripts. Snapshots are the bytes of the saved FCStd file, so restore
// is a close-and-reopen.
type EngineKernel struct {
	runner  ScriptRunner
	workDir string
}

// NewEngineKernel returns a Kernel backed by runner. Scratch files go
// under workDir.
func NewEngineKernel(runner ScriptRunner, workDir string) *EngineKernel {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "mgf-documents")
	}
	return &EngineKernel{runner: runner, workDir: workDir}
}

func (k *EngineKernel) run(ctx context.Context, script string) error {
	if err := os.MkdirAll(k.workDir, 0o755); err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "create kernel workdir", err)
	}
	return k.runner.RunScript(ctx, script, k.workDir)
}

func (k *EngineKernel) scratch(docID string) string {
	return filepath.Join(k.workDir, docID+".FCStd")
}

func (k *EngineKernel) Create(ctx context.Context, docID string) error {
	script := fmt.Sprintf(`import FreeCAD as App
doc = App.newDocument(%q)
doc.saveAs(%q)
`, docID, k.scratch(docID))
	return k.run(ctx, script)
}

func (k *EngineKernel) Open(ctx context.Context, docID, path string) error {
	if path == "" {
		path = k.scratch(docID)
	}
	script := fmt.Sprintf(`import FreeCAD as App
App.openDocument(%q)
`, path)
	return k.run(ctx, script)
}

func (k *EngineKernel) Save(ctx context.Context, docID, path string) error {
	script := fmt.Sprintf(`import FreeCAD as App
doc = App.getDocument(%q)
doc.recompute()
doc.saveAs(%q)
`, docID, path)
	return k.run(ctx, script)
}

func (k *EngineKernel) Close(ctx context.Context, docID string) error {
	script := fmt.Sprintf(`import FreeCAD as App
App.closeDocument(%q)
`, docID)
	return k.run(ctx, script)
}

func (k *EngineKernel) TakeSnapshot(ctx context.Context, docID string) ([]byte, error) {
	path := k.scratch(docID)
	if err := k.Save(ctx, docID, path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "read kernel scratch file", err)
	}
	return data, nil
}

func (k *EngineKernel) RestoreSnapshot(ctx context.Context, docID string, data []byte) error {
	path := k.scratch(docID)
	if err := os.MkdirAll(k.workDir, 0o755); err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "create kernel workdir", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "write kernel scratch file", err)
	}
	script := fmt.Sprintf(`import FreeCAD as App
try:
    App.closeDocument(%q)
except Exception:
    pass
App.openDocument(%q)
`, docID, path)
	return k.run(ctx, script)
}

func (k *EngineKernel) StartTransaction(ctx context.Context, docID, name string) error {
	script := fmt.Sprintf(`import FreeCAD as App
App.getDocument(%q).openTransaction(%q)
`, docID, name)
	return k.run(ctx, script)
}

func (k *EngineKernel) CommitTransaction(ctx context.Context, docID string) error {
	script := fmt.Sprintf(`import FreeCAD as App
App.getDocument(%q).commitTransaction()
`, docID)
	return k.run(ctx, script)
}

func (k *EngineKernel) AbortTransaction(ctx context.Context, docID string) error {
	script := fmt.Sprintf(`import FreeCAD as App
App.getDocument(%q).abortTransaction()
`, docID)
	return k.run(ctx, script)
}

// nativePath maps a persisted document path to the engine artifact
// written beside it.
func nativePath(path string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), ".json")
	return base + ".fcstd"
}
