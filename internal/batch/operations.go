package batch

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
	"github.com/cncaiprojem/projem-sub004/internal/uploads"
	"github.com/cncaiprojem/projem-sub004/internal/worker"
)

// BatchImport normalizes every object named by keys through the
// uploads pipeline. Values in the report (with KeepResults) are
// *uploads.Result.
func (p *Processor) BatchImport(ctx context.Context, bucket string, keys []string, uopts uploads.Options, opts Options) (*Report, error) {
	if p.pipeline == nil {
		return nil, types.NewFault(types.CodeValidationFailed, "batch import needs an uploads pipeline")
	}
	items := make([]Item, len(keys))
	for i, key := range keys {
		items[i] = Item{
			ID:     importJobID(key, i),
			Path:   key,
			Format: strings.TrimPrefix(strings.ToLower(path.Ext(key)), "."),
		}
	}
	op := func(ctx context.Context, item Item) (any, error) {
		return p.pipeline.Process(ctx, item.ID, bucket, item.Path, uopts)
	}
	return p.Process(ctx, items, op, opts)
}

// BatchConvert is import with a forced target artifact: every input is
// normalized and exported as target (step or stl).
func (p *Processor) BatchConvert(ctx context.Context, bucket string, keys []string, target string, uopts uploads.Options, opts Options) (*Report, error) {
	switch strings.ToLower(target) {
	case "step":
		uopts.ExportSTEP = true
	case "stl":
		uopts.ExportSTL = true
	default:
		return nil, types.Faultf(types.CodeValidationFailed,
			"batch convert target %q not supported (step, stl)", target)
	}
	return p.BatchImport(ctx, bucket, keys, uopts, opts)
}

// ExportSpec is one document to export.
type ExportSpec struct {
	// DocumentPath is the engine-readable document location.
	DocumentPath string
	// JobID defaults to the document file stem.
	JobID string
	// Formats are the requested artifact formats, license-checked
	// against the tenant tier per job.
	Formats []string
}

// BatchExport runs one export job per document through the worker
// runtime. Values in the report (with KeepResults) are *worker.Result.
func (p *Processor) BatchExport(ctx context.Context, tenantID, tier string, specs []ExportSpec, opts Options) (*Report, error) {
	if p.jobs == nil {
		return nil, types.NewFault(types.CodeValidationFailed, "batch export needs a job runner")
	}
	items := make([]Item, len(specs))
	for i, spec := range specs {
		jobID := spec.JobID
		if jobID == "" {
			jobID = importJobID(spec.DocumentPath, i)
		}
		format := "fcstd"
		if len(spec.Formats) > 0 {
			format = strings.ToLower(spec.Formats[0])
		}
		items[i] = Item{
			ID:     jobID,
			Path:   spec.DocumentPath,
			Format: format,
		}
	}
	op := func(ctx context.Context, item Item) (any, error) {
		spec := specs[item.Index]
		job := &worker.Job{
			Request: worker.Request{
				TenantID:      tenantID,
				Tier:          tier,
				OpType:        "export",
				Script:        exportScript(spec),
				OutputFormats: spec.Formats,
				JobID:         item.ID,
			},
		}
		return p.jobs.Process(ctx, job)
	}
	return p.Process(ctx, items, op, opts)
}

// importJobID derives a job id from an object key, suffixed with the
// position so duplicate names in one batch stay distinct.
func importJobID(key string, index int) string {
	stem := strings.TrimSuffix(path.Base(key), path.Ext(key))
	if stem == "" || stem == "." || stem == "/" {
		stem = "item"
	}
	return fmt.Sprintf("%s-%d", stem, index)
}

// exportScript renders the engine script for one document's export
// set. Artifacts land in the job work dir as model.<ext> where the
// executor enumerates them.
func exportScript(spec ExportSpec) string {
	var b strings.Builder
	b.WriteString("import FreeCAD as App\nimport Part\nimport Mesh\n\n")
	fmt.Fprintf(&b, "doc = App.openDocument(%q)\n", spec.DocumentPath)
	b.WriteString("objs = [o for o in doc.Objects if hasattr(o, \"Shape\")]\n")
	for _, format := range spec.Formats {
		name := "model." + strings.ToLower(format)
		switch strings.ToLower(format) {
		case "fcstd":
			fmt.Fprintf(&b, "doc.saveAs(%q)\n", name)
		case "step", "stp", "iges", "igs":
			fmt.Fprintf(&b, "Part.export(objs, %q)\n", name)
		case "stl", "obj":
			fmt.Fprintf(&b, "Mesh.export(objs, %q)\n", name)
		case "dxf":
			b.WriteString("import importDXF\n")
			fmt.Fprintf(&b, "importDXF.export(objs, %q)\n", name)
		case "ifc":
			b.WriteString("import exportIFC\n")
			fmt.Fprintf(&b, "exportIFC.export(objs, %q)\n", name)
		case "dae":
			b.WriteString("import importDAE\n")
			fmt.Fprintf(&b, "importDAE.export(objs, %q)\n", name)
		}
	}
	b.WriteString("App.closeDocument(doc.Name)\n")
	return b.String()
}
