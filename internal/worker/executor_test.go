package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/document"
	"github.com/cncaiprojem/projem-sub004/internal/storage"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func testExecutor(t *testing.T, enginePath string, mutate func(*config.Config)) *Executor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Engine.Path = enginePath
	cfg.Worker.DocumentLifecycle = false
	cfg.Worker.WorkDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	return NewExecutor(cfg, nil, nil, nil)
}

func TestResolveTier(t *testing.T) {
	basic, err := ResolveTier("basic")
	require.NoError(t, err)
	assert.Equal(t, 1024, basic.MaxMemMB)
	assert.Equal(t, 1, basic.MaxConcurrentPerTenant)
	assert.True(t, basic.AllowsFormat("stl"))
	assert.True(t, basic.AllowsFormat("STL"))
	assert.False(t, basic.AllowsFormat("step"))

	pro, err := ResolveTier("pro")
	require.NoError(t, err)
	assert.True(t, pro.AllowsFormat("step"))
	assert.False(t, pro.AllowsFormat("ifc"))

	ent, err := ResolveTier("enterprise")
	require.NoError(t, err)
	assert.True(t, ent.AllowsFormat("ifc"))
	assert.True(t, ent.AllowsFormat("dae"))

	_, err = ResolveTier("platinum")
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestExecuteProducesOutputs(t *testing.T) {
	engine := fakeEngine(t, "FreeCAD 1.0.0", `cp "$4" "$5/model.stl"`)
	e := testExecutor(t, engine, nil)

	res, err := e.Execute(context.Background(), &Request{
		TenantID:      "acme",
		Tier:          "basic",
		OpType:        "model",
		Script:        "make_box()",
		Params:        map[string]any{"length": 40},
		OutputFormats: []string{"stl"},
		JobID:         "job-100",
	})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)

	out := res.Outputs[0]
	assert.Equal(t, "model.stl", out.Name)
	assert.Equal(t, "stl", out.Format)
	assert.Greater(t, out.Size, int64(0))
	assert.Len(t, out.SHA256, 64)
	assert.Equal(t, "1.0.0", res.EngineVersion)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestExecutePersistsOutputsToStore(t *testing.T) {
	engine := fakeEngine(t, "FreeCAD 1.0.0", `printf 'solid box' > "$5/model.stl"`)
	store, err := storage.Open(context.Background(), "file://"+t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	e := testExecutor(t, engine, nil)
	e.store = store

	res, err := e.Execute(context.Background(), &Request{
		TenantID: "acme",
		Tier:     "basic",
		OpType:   "model",
		Script:   "make_box()",
		JobID:    "job-101",
	})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "jobs/job-101/model.stl", res.Outputs[0].StorageKey)

	rc, err := store.DownloadStream(context.Background(), "", res.Outputs[0].StorageKey)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "solid box", string(body))

	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Outputs[0].SHA256)
}

func TestExecuteWithDocumentLifecycle(t *testing.T) {
	engine := fakeEngine(t, "FreeCAD 1.0.0", `printf 'ok' > "$5/model.stl"`)
	cfg := config.DefaultConfig()
	cfg.Engine.Path = engine
	cfg.Worker.WorkDir = t.TempDir()
	cfg.Document.BasePath = t.TempDir()
	cfg.Document.Compression = false

	docs, err := document.NewManager(cfg, document.NewMemoryKernel())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, docs.Close()) })

	e := NewExecutor(cfg, nil, docs, nil)
	res, err := e.Execute(context.Background(), &Request{
		TenantID: "acme",
		Tier:     "basic",
		OpType:   "model",
		Script:   "make_box()",
		JobID:    "job-200",
	})
	require.NoError(t, err)
	assert.Equal(t, "job-200", res.DocumentID)
	assert.Equal(t, 1, res.DocVersion)
	assert.Equal(t, "B", res.DocRevision, "the commit advances the revision")

	// The job's exclusive lock is gone afterwards.
	lock, err := docs.AcquireLock("job-200", "someone-else", document.LockExclusive, 0)
	require.NoError(t, err)
	require.NoError(t, docs.ReleaseLock("job-200", lock.ID))
}

func TestExecuteLicenseDenied(t *testing.T) {
	e := testExecutor(t, "/nonexistent/FreeCADCmd", nil)

	_, err := e.Execute(context.Background(), &Request{
		TenantID:      "acme",
		Tier:          "basic",
		OpType:        "export",
		Script:        "export()",
		OutputFormats: []string{"step"},
		JobID:         "job-300",
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeLicenseRestriction, types.CodeOf(err))

	f := types.AsFault(err)
	assert.Equal(t, "step", f.Details["requested_format"])
	assert.Equal(t, "basic", f.Details["tier"])
	assert.Equal(t, "closed", e.breaker.State(), "caller mistakes do not trip the breaker")
}

func TestExecuteSubprocessFailure(t *testing.T) {
	engine := fakeEngine(t, "FreeCAD 1.0.0", `echo "kaboom: bad geometry" >&2; exit 3`)
	e := testExecutor(t, engine, nil)

	res, err := e.Execute(context.Background(), &Request{
		TenantID: "acme",
		Tier:     "basic",
		OpType:   "model",
		Script:   "make_box()",
		JobID:    "job-400",
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeSubprocessFailed, types.CodeOf(err))

	f := types.AsFault(err)
	assert.Equal(t, 3, f.Details["exit_code"])
	assert.Contains(t, f.Details["stderr"], "kaboom")
	require.NotNil(t, res, "resource usage is reported even on failure")
}

func TestExecuteValidationRejectsEmptyScript(t *testing.T) {
	e := testExecutor(t, "/nonexistent/FreeCADCmd", nil)

	_, err := e.Execute(context.Background(), &Request{
		TenantID: "acme",
		Tier:     "basic",
		OpType:   "model",
		Script:   "   ",
		JobID:    "job-500",
	})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestBreakerTripsOnEngineFailures(t *testing.T) {
	e := testExecutor(t, "/nonexistent/FreeCADCmd", func(cfg *config.Config) {
		cfg.Breaker.Threshold = 2
	})
	req := &Request{
		TenantID: "acme",
		Tier:     "basic",
		OpType:   "model",
		Script:   "make_box()",
		JobID:    "job-600",
	}

	for i := 0; i < 2; i++ {
		_, err := e.Execute(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, types.CodeEngineNotFound, types.CodeOf(err))
	}

	_, err := e.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.CodeCircuitBreakerOpen, types.CodeOf(err))
}

func TestAcquireTenantSlot(t *testing.T) {
	e := testExecutor(t, "/nonexistent/FreeCADCmd", nil)

	release, err := e.acquireTenantSlot("acme", 1)
	require.NoError(t, err)

	_, err = e.acquireTenantSlot("acme", 1)
	require.Error(t, err)
	assert.Equal(t, types.CodeResourceExhausted, types.CodeOf(err))
	f := types.AsFault(err)
	assert.Equal(t, 1, f.Details["active"])
	assert.Equal(t, 1, f.Details["max_concurrent"])

	_, err = e.acquireTenantSlot("other", 1)
	require.NoError(t, err, "tenants are counted independently")

	release()
	release() // second call is a no-op
	release2, err := e.acquireTenantSlot("acme", 1)
	require.NoError(t, err)
	release2()
}

func TestSanitizeParams(t *testing.T) {
	e := testExecutor(t, "/nonexistent/FreeCADCmd", nil)

	raw, err := e.sanitizeParams(map[string]any{
		"length":     40,
		"exec":       "rm -rf /",
		"__import__": "os",
		"__private":  true,
	})
	require.NoError(t, err)

	var clean map[string]any
	require.NoError(t, json.Unmarshal(raw, &clean))
	assert.Equal(t, map[string]any{"length": float64(40)}, clean)
}

func TestEnumerateOutputs(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write("part.stl", "solid part")
	write("part.STEP", "ISO-10303-21")
	write("script.py", "make_box()")
	write("params.json", "{}")
	write("notes.txt", "ignore me")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	outputs, err := enumerateOutputs(dir)
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	byName := make(map[string]OutputFile, len(outputs))
	for _, out := range outputs {
		byName[out.Name] = out
	}
	sum := sha256.Sum256([]byte("solid part"))
	assert.Equal(t, "stl", byName["part.stl"].Format)
	assert.Equal(t, hex.EncodeToString(sum[:]), byName["part.stl"].SHA256)
	assert.Equal(t, int64(10), byName["part.stl"].Size)
	assert.Equal(t, "step", byName["part.STEP"].Format)
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(4)
	_, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "cdef", b.String())

	_, err = b.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, "efgh", b.String())

	zero := newTailBuffer(0)
	assert.Equal(t, 16*1024, zero.max, "zero falls back to the default cap")
}
