// Package uploads normalizes user-supplied CAD files into the
// platform's canonical millimeter, Z-up form. Mesh formats are handled
// natively; B-rep and drawing formats read their headers here and
// delegate geometry work to the engine through a generated script.
package uploads

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Format identifies an upload file format.
type Format string

const (
	FormatSTEP  Format = "step"
	FormatIGES  Format = "iges"
	FormatBREP  Format = "brep"
	FormatSTL   Format = "stl"
	FormatOBJ   Format = "obj"
	FormatPLY   Format = "ply"
	FormatOFF   Format = "off"
	Format3MF   Format = "3mf"
	FormatAMF   Format = "amf"
	FormatDXF   Format = "dxf"
	FormatDWG   Format = "dwg"
	FormatSVG   Format = "svg"
	FormatIFC   Format = "ifc"
	FormatDAE   Format = "dae"
	FormatGLTF  Format = "gltf"
	FormatGLB   Format = "glb"
	FormatVRML  Format = "vrml"
	FormatX3D   Format = "x3d"
	FormatXYZ   Format = "xyz"
	FormatPCD   Format = "pcd"
	FormatLAS   Format = "las"
	FormatFCStd Format = "fcstd"
)

// Family groups formats by how the pipeline treats them.
type Family int

const (
	// FamilyMesh is parsed, repaired and exported natively.
	FamilyMesh Family = iota
	// FamilyBRep reads header metadata natively and delegates geometry
	// to the engine.
	FamilyBRep
	// FamilyDrawing is 2D content; consolidation and extrusion are
	// delegated.
	FamilyDrawing
	// FamilyScene covers interchange scene formats.
	FamilyScene
	// FamilyPointCloud has points but no surfaces.
	FamilyPointCloud
)

func (f Format) Family() Family {
	switch f {
	case FormatSTL, FormatOBJ, FormatPLY, FormatOFF:
		return FamilyMesh
	case FormatSTEP, FormatIGES, FormatBREP, FormatFCStd, FormatIFC:
		return FamilyBRep
	case FormatDXF, FormatDWG, FormatSVG:
		return FamilyDrawing
	case FormatXYZ, FormatPCD, FormatLAS:
		return FamilyPointCloud
	default:
		return FamilyScene
	}
}

var extFormats = map[string]Format{
	".step":  FormatSTEP,
	".stp":   FormatSTEP,
	".iges":  FormatIGES,
	".igs":   FormatIGES,
	".brep":  FormatBREP,
	".brp":   FormatBREP,
	".stl":   FormatSTL,
	".obj":   FormatOBJ,
	".ply":   FormatPLY,
	".off":   FormatOFF,
	".3mf":   Format3MF,
	".amf":   FormatAMF,
	".dxf":   FormatDXF,
	".dwg":   FormatDWG,
	".svg":   FormatSVG,
	".ifc":   FormatIFC,
	".dae":   FormatDAE,
	".gltf":  FormatGLTF,
	".glb":   FormatGLB,
	".wrl":   FormatVRML,
	".vrml":  FormatVRML,
	".x3d":   FormatX3D,
	".xyz":   FormatXYZ,
	".pcd":   FormatPCD,
	".las":   FormatLAS,
	".fcstd": FormatFCStd,
}

// DetectFormat identifies a file from its name and leading bytes. Magic
// bytes win over the extension when both speak; a file with neither is
// unsupported.
func DetectFormat(name string, head []byte) (Format, error) {
	byMagic := sniffMagic(head)
	if byMagic != "" {
		return byMagic, nil
	}
	if f, ok := extFormats[strings.ToLower(filepath.Ext(name))]; ok {
		return f, nil
	}
	return "", types.Faultf(types.CodeUnsupportedFormat, "cannot identify format of %q", filepath.Base(name)).
		With("name", filepath.Base(name))
}

// sniffMagic identifies a format from leading bytes, empty when the
// content is ambiguous. STEP and IFC share the ISO-10303-21 envelope;
// the schema name separates them. Zip containers are split by the name
// of their first local entry.
func sniffMagic(head []byte) Format {
	if len(head) == 0 {
		return ""
	}
	switch {
	case bytes.HasPrefix(head, []byte("glTF")):
		return FormatGLB
	case bytes.HasPrefix(head, []byte("LASF")):
		return FormatLAS
	case bytes.HasPrefix(head, []byte("#VRML")):
		return FormatVRML
	case bytes.HasPrefix(head, []byte("AC10")), bytes.HasPrefix(head, []byte("AC12")):
		return FormatDWG
	case bytes.HasPrefix(head, []byte("DBRep_DrawableShape")), bytes.HasPrefix(head, []byte("CASCADE Topology")):
		return FormatBREP
	case bytes.Contains(head[:min(len(head), 64)], []byte("# .PCD")):
		return FormatPCD
	}

	if bytes.Contains(head, []byte("ISO-10303-21")) {
		if bytes.Contains(head, []byte("IFC")) {
			return FormatIFC
		}
		return FormatSTEP
	}

	if bytes.HasPrefix(head, []byte("PK\x03\x04")) {
		switch {
		case bytes.Contains(head, []byte("Document.xml")):
			return FormatFCStd
		case bytes.Contains(head, []byte("3dmodel")), bytes.Contains(head, []byte("[Content_Types]")):
			return Format3MF
		default:
			return ""
		}
	}

	trimmed := bytes.TrimLeft(head, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("ply")):
		return FormatPLY
	case bytes.HasPrefix(trimmed, []byte("OFF")):
		return FormatOFF
	case bytes.HasPrefix(trimmed, []byte("solid ")), bytes.HasPrefix(trimmed, []byte("solid\n")):
		// ASCII STL; binary STL has no magic and resolves by extension.
		return FormatSTL
	case bytes.HasPrefix(trimmed, []byte("0")) && bytes.Contains(head, []byte("SECTION")):
		return FormatDXF
	}

	if bytes.HasPrefix(trimmed, []byte("<")) {
		switch {
		case bytes.Contains(head, []byte("<COLLADA")):
			return FormatDAE
		case bytes.Contains(head, []byte("<X3D")):
			return FormatX3D
		case bytes.Contains(head, []byte("<amf")):
			return FormatAMF
		case bytes.Contains(head, []byte("<svg")):
			return FormatSVG
		}
	}

	if iges := sniffIGES(head); iges {
		return FormatIGES
	}
	return ""
}

// sniffIGES checks the fixed-column section letter of the first record:
// column 73 is 'S' for the start section of an IGES file.
func sniffIGES(head []byte) bool {
	line := head
	if i := bytes.IndexByte(head, '\n'); i >= 0 {
		line = head[:i]
	}
	line = bytes.TrimRight(line, "\r")
	return len(line) >= 73 && line[72] == 'S'
}
