package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/storage"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPipeline(t *testing.T, runner Runner) (*Pipeline, storage.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.Open(context.Background(), "file://"+root)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Worker.WorkDir = t.TempDir()
	return NewPipeline(store, runner, cfg), store, root
}

func putObject(t *testing.T, store storage.Store, bucket, key, content string) {
	t.Helper()
	require.NoError(t, store.UploadStream(context.Background(), bucket, key, strings.NewReader(content)))
}

func TestProcessMeshUpload(t *testing.T) {
	p, store, root := testPipeline(t, nil)
	ctx := context.Background()

	// A 10 unit cube declared in centimeters becomes a 100 mm cube.
	putObject(t, store, "jobs", "in/part.stl", asciiSTL(cubeMesh(10)))

	res, err := p.Process(ctx, "job-001", "jobs", "in/part.stl", Options{
		DeclaredUnits: UnitCM,
		Repair:        true,
		Center:        true,
		PreviewGLB:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, FormatSTL, res.Format)
	assert.Equal(t, UnitCM, res.Units)
	assert.Equal(t, "uploads/job-001/canonical.stl", res.Keys["canonical.stl"])
	assert.Equal(t, "uploads/job-001/preview.glb", res.Keys["preview.glb"])
	assert.Len(t, res.SHA256, 64)
	assert.Empty(t, res.Warnings)

	require.NotNil(t, res.Metrics)
	assert.Equal(t, 10.0, res.Metrics.Scale)
	assert.True(t, res.Metrics.Centered)
	assert.Equal(t, 12, res.Metrics.TrianglesAfter)
	assert.NotEmpty(t, res.Metrics.GeometryHash)
	for _, name := range []string{"download", "load", "normalize", "validate", "export", "upload"} {
		assert.Contains(t, res.Timings, name)
	}

	// The canonical artifact is binary STL at millimeter scale resting
	// on the build plate.
	r, err := store.DownloadStream(ctx, "jobs", res.Keys["canonical.stl"])
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, hex.EncodeToString(func() []byte { s := sha256.Sum256(data); return s[:] }()), res.SHA256)

	m, err := ParseSTL(bytes.NewReader(data))
	require.NoError(t, err)
	box := m.BBox()
	assert.InDelta(t, 100, box.Extent()[0], 1e-4)
	assert.InDelta(t, 0, box.Min[2], 1e-4)
	assert.InDelta(t, -50, box.Min[0], 1e-4)

	// Object tags ride a sidecar in the file backend.
	raw, err := os.ReadFile(filepath.Join(root, "jobs", "uploads", "job-001", "canonical.stl.tags"))
	require.NoError(t, err)
	var tags map[string]string
	require.NoError(t, json.Unmarshal(raw, &tags))
	assert.Equal(t, "job-001", tags["job_id"])
	assert.Equal(t, "stl", tags["format"])
	assert.Equal(t, "cm", tags["units"])
	assert.Equal(t, res.SHA256, tags["sha256"])
	assert.Equal(t, res.Metrics.GeometryHash, tags["geometry_hash"])
}

func TestProcessMeshHeuristicUnits(t *testing.T) {
	p, store, _ := testPipeline(t, nil)

	// No declared units and a 0.01 unit cube: the extent heuristic
	// reads it as meters.
	putObject(t, store, "jobs", "in/tiny.stl", asciiSTL(cubeMesh(0.01)))
	res, err := p.Process(context.Background(), "job-002", "jobs", "in/tiny.stl", Options{})
	require.NoError(t, err)
	assert.Equal(t, UnitM, res.Units)
	assert.Equal(t, 1000.0, res.Metrics.Scale)
}

func TestProcessSTEPPassthroughWithoutEngine(t *testing.T) {
	p, store, _ := testPipeline(t, nil)
	ctx := context.Background()

	content := stepHead + "DATA;\n#10=(LENGTH_UNIT()NAMED_UNIT(*)SI_UNIT(.MILLI.,.METRE.));\nENDSEC;\nEND-ISO-10303-21;\n"
	putObject(t, store, "jobs", "in/bracket.step", content)

	res, err := p.Process(ctx, "job-003", "jobs", "in/bracket.step", Options{})
	require.NoError(t, err)

	assert.Equal(t, FormatSTEP, res.Format)
	assert.Equal(t, UnitMM, res.Units)
	assert.Equal(t, "uploads/job-003/canonical.step", res.Keys["canonical.step"])
	assert.Contains(t, res.Warnings, "engine unavailable: geometry normalized from header metadata only")

	// Pass-through means byte identity with the source.
	sum := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)
}

type scriptRunner struct {
	script  string
	workdir string
}

func (r *scriptRunner) RunScript(ctx context.Context, script, workdir string) error {
	r.script = script
	r.workdir = workdir
	return os.WriteFile(filepath.Join(workdir, "canonical.FCStd"), []byte("engine output"), 0o644)
}

func TestProcessDelegatesToEngine(t *testing.T) {
	runner := &scriptRunner{}
	p, store, _ := testPipeline(t, runner)
	ctx := context.Background()

	inch := stepHead + "DATA;\n#14=CONVERSION_BASED_UNIT('INCH',#15);\nENDSEC;\n"
	putObject(t, store, "jobs", "in/plate.step", inch)

	res, err := p.Process(ctx, "job-004", "jobs", "in/plate.step", Options{ExportSTEP: true})
	require.NoError(t, err)

	assert.Equal(t, UnitInch, res.Units)
	assert.Equal(t, "uploads/job-004/canonical.fcstd", res.Keys["canonical.fcstd"])
	assert.NotContains(t, res.Warnings, "engine unavailable: geometry normalized from header metadata only")

	assert.Contains(t, runner.script, "Part.insert(\"input.step\", doc.Name)")
	assert.Contains(t, runner.script, "mat.scale(25.4, 25.4, 25.4)")
	assert.Contains(t, runner.script, "Part.export(doc.Objects, 'canonical.step')")
	assert.Contains(t, runner.script, "doc.recompute()")

	// The engine product is the canonical artifact.
	r, err := store.DownloadStream(ctx, "jobs", res.Keys["canonical.fcstd"])
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "engine output", string(data))
}

func TestProcessUnsupportedFormat(t *testing.T) {
	p, store, _ := testPipeline(t, nil)
	putObject(t, store, "jobs", "in/data.bin", "\xde\xad\xbe\xef")

	_, err := p.Process(context.Background(), "job-005", "jobs", "in/data.bin", Options{})
	require.Error(t, err)
	assert.Equal(t, types.CodeUnsupportedFormat, types.CodeOf(err))
}

func TestProcessMissingSource(t *testing.T) {
	p, _, _ := testPipeline(t, nil)
	_, err := p.Process(context.Background(), "job-006", "jobs", "in/nope.stl", Options{})
	require.Error(t, err)
	assert.Equal(t, types.CodeS3DownloadFailed, types.CodeOf(err))
}

func TestProcessRejectsEmptyJobID(t *testing.T) {
	p, _, _ := testPipeline(t, nil)
	_, err := p.Process(context.Background(), "", "jobs", "in/part.stl", Options{})
	require.Error(t, err)
	assert.Equal(t, types.CodeValidationFailed, types.CodeOf(err))
}

func TestProcessSanitizesJobID(t *testing.T) {
	p, store, _ := testPipeline(t, nil)
	putObject(t, store, "jobs", "in/part.stl", asciiSTL(cubeMesh(10)))

	res, err := p.Process(context.Background(), "job/../7 x", "jobs", "in/part.stl", Options{})
	require.NoError(t, err)
	assert.Equal(t, "uploads/job-..-7-x/canonical.stl", res.Keys["canonical.stl"])
}

func TestProcessCleansWorkDir(t *testing.T) {
	p, store, _ := testPipeline(t, nil)
	putObject(t, store, "jobs", "in/part.stl", asciiSTL(cubeMesh(10)))

	_, err := p.Process(context.Background(), "job-008", "jobs", "in/part.stl", Options{})
	require.NoError(t, err)

	entries, err := os.ReadDir(p.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per job temp dirs are removed")
}
