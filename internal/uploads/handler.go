package uploads

import (
	"context"
	"fmt"
	"os"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Doc is a loaded upload mid-pipeline. Mesh family documents carry
// geometry in Mesh; delegated formats carry header metadata only and
// keep their geometry on disk for the engine.
type Doc struct {
	Format   Format
	Path     string
	Units    Unit
	Mesh     *Mesh
	Header   map[string]string
	Entities map[string]int
}

// Metrics records what normalization measured and changed.
type Metrics struct {
	Format          string         `json:"format"`
	Units           string         `json:"units"`
	Scale           float64        `json:"scale"`
	Oriented        bool           `json:"oriented,omitempty"`
	Centered        bool           `json:"centered,omitempty"`
	BBoxBefore      BBox           `json:"bbox_before"`
	BBoxAfter       BBox           `json:"bbox_after"`
	VerticesBefore  int            `json:"vertices_before,omitempty"`
	VerticesAfter   int            `json:"vertices_after,omitempty"`
	TrianglesBefore int            `json:"triangles_before,omitempty"`
	TrianglesAfter  int            `json:"triangles_after,omitempty"`
	Repairs         RepairReport   `json:"repairs,omitempty"`
	Entities        map[string]int `json:"entities,omitempty"`
	GeometryHash    string         `json:"geometry_hash,omitempty"`
}

// Handler normalizes one format family.
type Handler interface {
	// DetectUnits inspects the file head for unit metadata.
	DetectUnits(path string, head []byte) Unit
	// Load parses the file into a Doc.
	Load(ctx context.Context, f Format, path string) (*Doc, error)
	// Normalize converts the Doc to canonical millimeter Z-up form.
	Normalize(ctx context.Context, doc *Doc, opts Options) (*Metrics, error)
	// Validate reports non-fatal geometry findings.
	Validate(ctx context.Context, doc *Doc) []string
	// Export writes the canonical document to dst.
	Export(ctx context.Context, doc *Doc, dst string) error
}

// Runner executes a generated engine script inside a working
// directory. The worker package provides the production implementation.
type Runner interface {
	RunScript(ctx context.Context, script, workdir string) error
}

// handlerFor picks the handler for a format. Mesh formats run natively;
// everything else goes through the engine-backed handler.
func (p *Pipeline) handlerFor(f Format) Handler {
	if f.Family() == FamilyMesh {
		return &meshHandler{minDim: p.minDim, maxDim: p.maxDim}
	}
	return &brepHandler{runner: p.runner, minDim: p.minDim, maxDim: p.maxDim}
}

// meshHandler is the pure-Go triangle pipeline for STL, OBJ, PLY and
// OFF uploads.
type meshHandler struct {
	minDim float64
	maxDim float64
}

func (h *meshHandler) DetectUnits(path string, head []byte) Unit {
	// Mesh formats carry no unit metadata; the extent heuristic runs
	// after Load when real geometry is available.
	return UnitUnknown
}

func (h *meshHandler) Load(ctx context.Context, f Format, path string) (*Doc, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, types.WrapFault(types.CodeGeometryInvalid, "opening upload", err)
	}
	defer r.Close()

	var m *Mesh
	switch f {
	case FormatSTL:
		m, err = ParseSTL(r)
	case FormatOBJ:
		m, err = ParseOBJ(r)
	case FormatPLY:
		m, err = ParsePLY(r)
	case FormatOFF:
		m, err = ParseOFF(r)
	default:
		return nil, types.Faultf(types.CodeUnsupportedFormat, "%s is not a mesh format", f)
	}
	if err != nil {
		return nil, err
	}
	return &Doc{Format: f, Path: path, Mesh: m}, nil
}

func (h *meshHandler) Normalize(ctx context.Context, doc *Doc, opts Options) (*Metrics, error) {
	m := doc.Mesh
	met := &Metrics{
		Format:          string(doc.Format),
		BBoxBefore:      m.BBox(),
		VerticesBefore:  len(m.Vertices),
		TrianglesBefore: len(m.Faces),
	}

	if doc.Units == "" || doc.Units == UnitUnknown {
		// A declared unit beats the extent heuristic: mesh formats have
		// no real metadata, so the guess only fills true silence.
		if opts.DeclaredUnits != "" && opts.DeclaredUnits != UnitUnknown {
			doc.Units = opts.DeclaredUnits
		} else {
			doc.Units = ResolveUnits(guessUnitsFromExtent(met.BBoxBefore.Diagonal()), "")
		}
	}
	met.Units = string(doc.Units)
	met.Scale = ScaleToMM(doc.Units)
	if met.Scale != 1 {
		m.Scale(met.Scale)
	}

	if opts.Repair {
		met.Repairs = Repair(m)
	}
	met.Oriented = m.OrientZUp()
	if opts.Center {
		m.CenterXY()
		met.Centered = true
	}

	met.BBoxAfter = m.BBox()
	met.VerticesAfter = len(m.Vertices)
	met.TrianglesAfter = len(m.Faces)
	met.GeometryHash = m.Hash()
	return met, nil
}

func (h *meshHandler) Validate(ctx context.Context, doc *Doc) []string {
	var warnings []string
	m := doc.Mesh
	if n := m.BoundaryEdges(); n > 0 {
		warnings = append(warnings, fmt.Sprintf("mesh is not watertight: %d boundary edges", n))
	}
	if n := m.NonManifoldEdges(); n > 0 {
		warnings = append(warnings, fmt.Sprintf("mesh has %d non-manifold edges", n))
	}
	ext := m.BBox().Extent()
	for i, name := range [3]string{"x", "y", "z"} {
		if ext[i] > h.maxDim {
			warnings = append(warnings, fmt.Sprintf("%s extent %.1f mm exceeds the %.0f mm limit", name, ext[i], h.maxDim))
		}
	}
	if d := m.BBox().Diagonal(); d > 0 && d < h.minDim {
		warnings = append(warnings, fmt.Sprintf("part diagonal %.3f mm is below the %.1f mm minimum", d, h.minDim))
	}
	return warnings
}

func (h *meshHandler) Export(ctx context.Context, doc *Doc, dst string) error {
	w, err := os.Create(dst)
	if err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "creating export file", err)
	}
	if err := WriteBinarySTL(w, doc.Mesh); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
