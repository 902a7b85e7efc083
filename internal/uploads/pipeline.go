package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/storage"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Options selects per-upload behavior. The zero value normalizes to
// millimeters with repair on and produces only the canonical artifact.
type Options struct {
	// DeclaredUnits is the uploader's claim, used when the file itself
	// is silent.
	DeclaredUnits Unit
	// Center moves the part onto the Z axis resting on Z = 0.
	Center bool
	// Repair runs the mesh repair pipeline on mesh uploads.
	Repair bool
	// ExtrudeThickness pads 2D DXF profiles into solids, in mm.
	ExtrudeThickness float64
	// ExportSTEP and ExportSTL request extra artifacts beside the
	// canonical document.
	ExportSTEP bool
	ExportSTL  bool
	// PreviewGLB adds a browser preview for mesh uploads.
	PreviewGLB bool
}

// Result is the record of one normalized upload.
type Result struct {
	JobID    string             `json:"job_id"`
	Format   Format             `json:"format"`
	Units    Unit               `json:"units"`
	Keys     map[string]string  `json:"keys"`
	SHA256   string             `json:"sha256"`
	Metrics  *Metrics           `json:"metrics"`
	Warnings []string           `json:"warnings,omitempty"`
	Timings  map[string]float64 `json:"timings_ms"`
}

// Pipeline drives upload normalization end to end: download, detect,
// load, normalize, validate, export, upload.
type Pipeline struct {
	store   storage.Store
	runner  Runner
	log     *zap.Logger
	workDir string
	minDim  float64
	maxDim  float64
}

// NewPipeline wires a pipeline against a store. runner may be nil; the
// delegated formats then degrade to header-only normalization.
func NewPipeline(store storage.Store, runner Runner, cfg *config.Config) *Pipeline {
	workDir := cfg.Worker.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "mgf-uploads")
	}
	return &Pipeline{
		store:   store,
		runner:  runner,
		log:     logging.For(logging.CategoryUploads),
		workDir: workDir,
		minDim:  cfg.Rules.MinDimension,
		maxDim:  cfg.Rules.MaxDimension,
	}
}

var unsafeIDChars = regexp.MustCompile(`[^\w\-.]`)

// Process normalizes the object at bucket/key and writes the artifacts
// under uploads/<job_id>/ in the same bucket.
func (p *Pipeline) Process(ctx context.Context, jobID, bucket, key string, opts Options) (*Result, error) {
	if jobID == "" {
		return nil, types.NewFault(types.CodeValidationFailed, "upload job id is empty")
	}
	safeID := unsafeIDChars.ReplaceAllString(jobID, "-")

	timings := map[string]float64{}
	stage := func(name string, t0 time.Time) {
		timings[name] = time.Since(t0).Seconds() * 1000
	}

	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "creating work dir", err)
	}
	tmp, err := os.MkdirTemp(p.workDir, "upload-"+safeID+"-")
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "creating job dir", err)
	}
	defer os.RemoveAll(tmp)

	t0 := time.Now()
	inputPath := filepath.Join(tmp, "input"+filepath.Ext(key))
	if err := p.download(ctx, bucket, key, inputPath); err != nil {
		return nil, err
	}
	stage("download", t0)

	head, err := readHead(inputPath, 4096)
	if err != nil {
		return nil, err
	}
	format, err := DetectFormat(key, head)
	if err != nil {
		return nil, err
	}
	h := p.handlerFor(format)

	t0 = time.Now()
	doc, err := h.Load(ctx, format, inputPath)
	if err != nil {
		return nil, err
	}
	if format.Family() != FamilyMesh {
		doc.Units = ResolveUnits(h.DetectUnits(inputPath, head), opts.DeclaredUnits)
	}
	// Mesh units resolve inside Normalize where real geometry is
	// available for the extent heuristic.
	stage("load", t0)

	t0 = time.Now()
	met, err := h.Normalize(ctx, doc, opts)
	if err != nil {
		return nil, err
	}
	stage("normalize", t0)

	t0 = time.Now()
	warnings := h.Validate(ctx, doc)
	stage("validate", t0)

	t0 = time.Now()
	canonical := filepath.Join(tmp, "canonical"+p.canonicalExt(format, key))
	if err := h.Export(ctx, doc, canonical); err != nil {
		return nil, err
	}
	artifacts := []string{canonical}
	artifacts, warnings = p.extraArtifacts(ctx, doc, opts, tmp, artifacts, warnings)
	stage("export", t0)

	t0 = time.Now()
	res := &Result{
		JobID:    jobID,
		Format:   format,
		Units:    doc.Units,
		Keys:     map[string]string{},
		Metrics:  met,
		Warnings: warnings,
		Timings:  timings,
	}
	prefix := "uploads/" + safeID + "/"
	for i, path := range artifacts {
		objKey := prefix + filepath.Base(path)
		sum, err := p.upload(ctx, bucket, objKey, path)
		if err != nil {
			return nil, err
		}
		res.Keys[filepath.Base(path)] = objKey
		if i == 0 {
			res.SHA256 = sum
		}
	}
	tags := map[string]string{
		"job_id": jobID,
		"format": string(format),
		"units":  string(doc.Units),
		"sha256": res.SHA256,
	}
	if met.GeometryHash != "" {
		tags["geometry_hash"] = met.GeometryHash
	}
	if err := p.store.SetTags(ctx, bucket, prefix+filepath.Base(canonical), tags); err != nil {
		return nil, err
	}
	stage("upload", t0)

	p.log.Info("upload normalized",
		zap.String("job_id", jobID),
		zap.String("format", string(format)),
		zap.String("units", string(doc.Units)),
		zap.Float64("scale", met.Scale),
		zap.Int("artifacts", len(res.Keys)),
		zap.Int("warnings", len(warnings)),
		zap.String("sha256", res.SHA256))
	return res, nil
}

// canonicalExt picks the canonical artifact extension: meshes become
// binary STL, delegated formats become FCStd once the engine ran, and
// pass-through keeps the source extension.
func (p *Pipeline) canonicalExt(f Format, key string) string {
	if f.Family() == FamilyMesh {
		return ".stl"
	}
	if p.runner != nil {
		return ".fcstd"
	}
	if ext := filepath.Ext(key); ext != "" {
		return ext
	}
	return "." + string(f)
}

// extraArtifacts materializes the optional exports that apply to the
// document, collecting warnings for requests the format cannot honor.
func (p *Pipeline) extraArtifacts(ctx context.Context, doc *Doc, opts Options, tmp string, artifacts []string, warnings []string) ([]string, []string) {
	mesh := doc.Format.Family() == FamilyMesh
	if opts.PreviewGLB {
		if mesh {
			path := filepath.Join(tmp, "preview.glb")
			if err := p.writePreview(path, doc.Mesh); err != nil {
				p.log.Warn("preview generation failed", zap.String("format", string(doc.Format)), zap.Error(err))
				warnings = append(warnings, "preview generation failed: "+err.Error())
			} else {
				artifacts = append(artifacts, path)
			}
		} else if p.runner == nil {
			warnings = append(warnings, "glb preview for "+string(doc.Format)+" requires the engine")
		}
	}
	if opts.ExportSTEP && mesh {
		warnings = append(warnings, "step export from mesh input requires the engine")
	}
	// Engine-side exports land beside the input; pick up the ones that
	// exist and are not already the canonical artifact.
	for _, name := range []string{"canonical.step", "canonical.stl"} {
		path := filepath.Join(tmp, name)
		if !mesh && fileExists(path) && (len(artifacts) == 0 || artifacts[0] != path) {
			artifacts = append(artifacts, path)
		}
	}
	return artifacts, warnings
}

func (p *Pipeline) writePreview(path string, m *Mesh) error {
	w, err := os.Create(path)
	if err != nil {
		return types.WrapFault(types.CodePreviewGenerationFailed, "creating preview file", err)
	}
	if err := WriteGLB(w, m); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (p *Pipeline) download(ctx context.Context, bucket, key, dst string) error {
	r, err := p.store.DownloadStream(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := os.Create(dst)
	if err != nil {
		return types.WrapFault(types.CodeTemporaryFailure, "creating input file", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return types.WrapFault(types.CodeS3DownloadFailed, "streaming upload to disk", err)
	}
	return w.Close()
}

// upload streams path to the store and returns its sha256.
func (p *Pipeline) upload(ctx context.Context, bucket, key, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", types.WrapFault(types.CodeS3UploadFailed, "opening artifact", err)
	}
	defer f.Close()
	hash := sha256.New()
	if err := p.store.UploadStream(ctx, bucket, key, io.TeeReader(f, hash)); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
