package uploads

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// brepHandler covers every non-mesh format. Header metadata is read
// natively; geometry conversion runs through a generated engine script
// when a Runner is wired, and degrades to a pass-through copy with a
// warning when it is not.
type brepHandler struct {
	runner Runner
	minDim float64
	maxDim float64
}

func (h *brepHandler) DetectUnits(path string, head []byte) Unit {
	f, err := DetectFormat(path, head)
	if err != nil {
		return UnitUnknown
	}
	switch f {
	case FormatSTEP:
		return detectUnitsSTEP(head)
	case FormatDXF:
		return detectUnitsDXF(head)
	case FormatIFC:
		return detectUnitsIFC(head)
	case FormatIGES:
		return detectUnitsIGES(head)
	}
	return UnitUnknown
}

func (h *brepHandler) Load(ctx context.Context, f Format, path string) (*Doc, error) {
	doc := &Doc{Format: f, Path: path, Header: map[string]string{}}
	var err error
	switch f {
	case FormatSTEP:
		err = readSTEPHeader(path, doc)
	case FormatIGES:
		err = readIGESHeader(path, doc)
	case FormatFCStd:
		err = readFCStdHeader(path, doc)
	case FormatIFC:
		err = readIFC(path, doc)
	case FormatDWG:
		// DWG is proprietary; the platform converts it via ODA before
		// it reaches the engine.
		return nil, types.NewFault(types.CodeUnsupportedFormat, "dwg requires conversion to dxf before upload")
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (h *brepHandler) Normalize(ctx context.Context, doc *Doc, opts Options) (*Metrics, error) {
	if doc.Units == "" || doc.Units == UnitUnknown {
		doc.Units = ResolveUnits(UnitUnknown, opts.DeclaredUnits)
	}
	met := &Metrics{
		Format:   string(doc.Format),
		Units:    string(doc.Units),
		Scale:    ScaleToMM(doc.Units),
		Entities: doc.Entities,
	}
	if h.runner == nil {
		return met, nil
	}
	script := buildEngineScript(doc, opts)
	if err := h.runner.RunScript(ctx, script, filepath.Dir(doc.Path)); err != nil {
		return nil, err
	}
	return met, nil
}

func (h *brepHandler) Validate(ctx context.Context, doc *Doc) []string {
	var warnings []string
	switch doc.Format {
	case FormatIGES:
		// Untrimmed surfaces are the classic IGES hazard; the engine
		// reports the hard failure, this is the early hint.
		if doc.Header["product"] == "" {
			warnings = append(warnings, "iges start section carries no product name")
		}
	case FormatIFC:
		if len(doc.Entities) == 0 {
			warnings = append(warnings, "ifc file declares no building elements")
		}
	case FormatSTEP:
		if doc.Header["schema"] == "" {
			warnings = append(warnings, "step file declares no schema")
		}
	}
	if h.runner == nil {
		warnings = append(warnings, "engine unavailable: geometry normalized from header metadata only")
	}
	return warnings
}

func (h *brepHandler) Export(ctx context.Context, doc *Doc, dst string) error {
	// The engine script writes canonical.FCStd beside the input; when
	// that exists it is the canonical artifact, otherwise the source
	// passes through unchanged.
	from := doc.Path
	if p := filepath.Join(filepath.Dir(doc.Path), "canonical.FCStd"); fileExists(p) {
		from = p
	}
	src, err := os.Open(from)
	if err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "opening document", err)
	}
	defer src.Close()
	w, err := os.Create(dst)
	if err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "creating export file", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return types.WrapFault(types.CodeGeometryInvalid, "copying document", err)
	}
	return w.Close()
}

var (
	stepNameRe   = regexp.MustCompile(`FILE_NAME\s*\(\s*'([^']*)'`)
	stepSchemaRe = regexp.MustCompile(`FILE_SCHEMA\s*\(\s*\(\s*'([^']*)'`)
)

// readSTEPHeader pulls the product name and schema from the header
// section without touching entity data.
func readSTEPHeader(path string, doc *Doc) error {
	head, err := readHead(path, 64*1024)
	if err != nil {
		return err
	}
	if !bytes.Contains(head, []byte("ISO-10303-21")) {
		return types.NewFault(types.CodeGeometryInvalid, "step file missing iso-10303-21 envelope")
	}
	if m := stepNameRe.FindSubmatch(head); m != nil {
		doc.Header["name"] = string(m[1])
	}
	if m := stepSchemaRe.FindSubmatch(head); m != nil {
		doc.Header["schema"] = string(m[1])
	}
	return nil
}

// readIGESHeader joins the start section into a product description.
func readIGESHeader(path string, doc *Doc) error {
	head, err := readHead(path, 64*1024)
	if err != nil {
		return err
	}
	var b strings.Builder
	sc := bufio.NewScanner(bytes.NewReader(head))
	for sc.Scan() {
		line := sc.Text()
		if len(line) >= 73 && line[72] == 'S' {
			b.WriteString(strings.TrimRight(line[:72], " "))
		}
	}
	doc.Header["product"] = strings.TrimSpace(b.String())
	return nil
}

// readFCStdHeader opens the document archive and reads program version
// and object count from Document.xml.
func readFCStdHeader(path string, doc *Doc) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return types.WrapFault(types.CodeDocumentCorrupt, "fcstd is not a readable archive", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "Document.xml" {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return types.WrapFault(types.CodeDocumentCorrupt, "reading Document.xml", err)
		}
		data, err := io.ReadAll(io.LimitReader(r, 4<<20))
		r.Close()
		if err != nil {
			return types.WrapFault(types.CodeDocumentCorrupt, "reading Document.xml", err)
		}
		if m := regexp.MustCompile(`ProgramVersion="([^"]*)"`).FindSubmatch(data); m != nil {
			doc.Header["program_version"] = string(m[1])
		}
		doc.Header["objects"] = fmt.Sprintf("%d", bytes.Count(data, []byte("<Object name=")))
		return nil
	}
	return types.NewFault(types.CodeDocumentCorrupt, "fcstd archive has no Document.xml")
}

var ifcEntityRe = regexp.MustCompile(`(?m)^#\d+\s*=\s*(IFC[A-Z0-9]+)\s*\(`)

// ifcBOMTypes are the building element entities surfaced in the bill
// of materials.
var ifcBOMTypes = map[string]bool{
	"IFCWALL": true, "IFCWALLSTANDARDCASE": true, "IFCSLAB": true,
	"IFCBEAM": true, "IFCCOLUMN": true, "IFCDOOR": true,
	"IFCWINDOW": true, "IFCSTAIR": true, "IFCROOF": true,
	"IFCRAILING": true, "IFCPLATE": true, "IFCMEMBER": true,
	"IFCFOOTING": true, "IFCPILE": true, "IFCCOVERING": true,
}

// readIFC harvests a bill of materials by counting building element
// entities. Geometry stays with the engine.
func readIFC(path string, doc *Doc) error {
	f, err := os.Open(path)
	if err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "opening ifc", err)
	}
	defer f.Close()
	doc.Entities = map[string]int{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if m := ifcEntityRe.FindStringSubmatch(sc.Text()); m != nil && ifcBOMTypes[m[1]] {
			doc.Entities[m[1]]++
		}
	}
	if err := sc.Err(); err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "scanning ifc", err)
	}
	return nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, types.WrapFault(types.CodeGeometryInvalid, "opening upload", err)
	}
	defer f.Close()
	head, err := io.ReadAll(io.LimitReader(f, int64(n)))
	if err != nil {
		return nil, types.WrapFault(types.CodeGeometryInvalid, "reading upload", err)
	}
	return head, nil
}

// buildEngineScript emits the normalization script the engine runs for
// delegated formats: import, scale to millimeters, then export the
// canonical document next to the input.
func buildEngineScript(doc *Doc, opts Options) string {
	var b strings.Builder
	b.WriteString("import FreeCAD as App\nimport Part\n")
	in := filepath.Base(doc.Path)
	switch doc.Format {
	case FormatDXF:
		b.WriteString("import importDXF\n")
		b.WriteString("doc = App.newDocument('upload')\n")
		fmt.Fprintf(&b, "importDXF.insert(%q, doc.Name)\n", in)
		if opts.ExtrudeThickness > 0 {
			fmt.Fprintf(&b, "for obj in doc.Objects:\n    if hasattr(obj, 'Shape') and obj.Shape.Faces:\n        pad = obj.Shape.extrude(App.Vector(0, 0, %s))\n        Part.show(pad)\n", formatMM(opts.ExtrudeThickness))
		}
	case FormatIFC:
		b.WriteString("import importIFC\n")
		b.WriteString("doc = App.newDocument('upload')\n")
		fmt.Fprintf(&b, "importIFC.insert(%q, doc.Name)\n", in)
	case FormatSVG:
		b.WriteString("import importSVG\n")
		b.WriteString("doc = App.newDocument('upload')\n")
		fmt.Fprintf(&b, "importSVG.insert(%q, doc.Name)\n", in)
	case FormatFCStd:
		fmt.Fprintf(&b, "doc = App.openDocument(%q)\n", in)
	default:
		b.WriteString("doc = App.newDocument('upload')\n")
		fmt.Fprintf(&b, "Part.insert(%q, doc.Name)\n", in)
	}
	if s := ScaleToMM(doc.Units); s != 1 {
		fmt.Fprintf(&b, "mat = App.Matrix()\nmat.scale(%s, %s, %s)\n", formatMM(s), formatMM(s), formatMM(s))
		b.WriteString("for obj in doc.Objects:\n    if hasattr(obj, 'Shape'):\n        obj.Shape = obj.Shape.transformGeometry(mat)\n")
	}
	b.WriteString("doc.recompute()\n")
	fmt.Fprintf(&b, "doc.saveAs(%q)\n", "canonical.FCStd")
	for _, exp := range exportLines(opts) {
		b.WriteString(exp)
	}
	return b.String()
}

func exportLines(opts Options) []string {
	var out []string
	if opts.ExportSTEP {
		out = append(out, "Part.export(doc.Objects, 'canonical.step')\n")
	}
	if opts.ExportSTL {
		out = append(out, "import Mesh\nMesh.export(doc.Objects, 'canonical.stl')\n")
	}
	return out
}

func formatMM(f float64) string {
	s := fmt.Sprintf("%.6f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
