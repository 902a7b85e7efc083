package uploads

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

const stepHead = "ISO-10303-21;\nHEADER;\nFILE_DESCRIPTION((''),'2;1');\n" +
	"FILE_NAME('bracket.step','2026-07-14T10:00:00',(''),(''),'','','');\n" +
	"FILE_SCHEMA(('AUTOMOTIVE_DESIGN { 1 0 10303 214 1 1 1 1 }'));\nENDSEC;\n"

const ifcHead = "ISO-10303-21;\nHEADER;\nFILE_DESCRIPTION((''),'2;1');\n" +
	"FILE_SCHEMA(('IFC4'));\nENDSEC;\nDATA;\n" +
	"#1=IFCPROJECT('2O_',$,$,$,$,$,$,$,$);\n"

func zipWithEntry(t *testing.T, name, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	igesLine := strings.Repeat(" ", 72) + "S0000001\n"
	cases := []struct {
		name string
		file string
		head []byte
		want Format
	}{
		{"step header", "bracket.step", []byte(stepHead), FormatSTEP},
		{"ifc shares the step envelope", "building.ifc", []byte(ifcHead), FormatIFC},
		{"ascii stl", "part.stl", []byte("solid part\n facet normal 0 0 1\n"), FormatSTL},
		{"binary stl by extension", "part.stl", make([]byte, 84), FormatSTL},
		{"ply", "scan.ply", []byte("ply\nformat ascii 1.0\n"), FormatPLY},
		{"off", "mesh.off", []byte("OFF\n8 12 18\n"), FormatOFF},
		{"obj by extension", "model.obj", []byte("# exported\nv 0 0 0\n"), FormatOBJ},
		{"glb magic", "model.bin", []byte("glTF\x02\x00\x00\x00"), FormatGLB},
		{"las magic", "cloud.dat", []byte("LASF\x01\x02"), FormatLAS},
		{"vrml", "scene.wrl", []byte("#VRML V2.0 utf8\n"), FormatVRML},
		{"dwg", "old.dwg", []byte("AC1027rest"), FormatDWG},
		{"pcd", "cloud.pcd", []byte("# .PCD v0.7 - Point Cloud Data\n"), FormatPCD},
		{"dxf", "plate.dxf", []byte("  0\nSECTION\n  2\nHEADER\n"), FormatDXF},
		{"iges column 73", "part.igs", []byte(igesLine), FormatIGES},
		{"fcstd zip", "doc.fcstd", zipWithEntry(t, "Document.xml", "<Document/>"), FormatFCStd},
		{"3mf zip", "print.3mf", zipWithEntry(t, "[Content_Types].xml", "<Types/>"), Format3MF},
		{"collada", "scene.dae", []byte("<?xml version=\"1.0\"?>\n<COLLADA xmlns=\"x\">"), FormatDAE},
		{"svg", "profile.svg", []byte("<svg width=\"10\">"), FormatSVG},
		{"xyz by extension", "points.xyz", []byte("0.1 0.2 0.3\n"), FormatXYZ},
		{"brep", "shape.brep", []byte("DBRep_DrawableShape\n"), FormatBREP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DetectFormat(tc.file, tc.head)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetectFormatMagicBeatsExtension(t *testing.T) {
	// A PLY renamed to .step still identifies as PLY.
	got, err := DetectFormat("model.step", []byte("ply\nformat ascii 1.0\n"))
	require.NoError(t, err)
	assert.Equal(t, FormatPLY, got)
}

func TestDetectFormatUnknown(t *testing.T) {
	_, err := DetectFormat("data.bin", []byte{0xde, 0xad, 0xbe, 0xef})
	require.Error(t, err)
	assert.Equal(t, types.CodeUnsupportedFormat, types.CodeOf(err))
}

func TestFormatFamily(t *testing.T) {
	assert.Equal(t, FamilyMesh, FormatSTL.Family())
	assert.Equal(t, FamilyMesh, FormatOFF.Family())
	assert.Equal(t, FamilyBRep, FormatSTEP.Family())
	assert.Equal(t, FamilyBRep, FormatFCStd.Family())
	assert.Equal(t, FamilyDrawing, FormatDXF.Family())
	assert.Equal(t, FamilyPointCloud, FormatXYZ.Family())
	assert.Equal(t, FamilyScene, FormatGLB.Family())
}
