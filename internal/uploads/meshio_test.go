package uploads

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

const objQuad = `# a unit square split by the loader
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
f 1 2 3 4
`

func TestParseOBJ(t *testing.T) {
	m, err := ParseOBJ(strings.NewReader(objQuad))
	require.NoError(t, err)
	assert.Len(t, m.Vertices, 4)
	assert.Len(t, m.Faces, 2, "quad triangulates as a fan")
	assert.InDelta(t, 1.0, m.Area(), 1e-9)
}

func TestParseOBJSlashAndNegativeIndices(t *testing.T) {
	src := `v 0 0 0
v 1 0 0
v 0 1 0
vt 0 0
vn 0 0 1
f 1/1/1 2/1/1 3/1/1
f -3 -2 -1
`
	m, err := ParseOBJ(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, m.Faces, 2)
	assert.Equal(t, m.Faces[0], m.Faces[1], "negative indices resolve to the same triangle")
}

func TestParseOBJBadIndex(t *testing.T) {
	_, err := ParseOBJ(strings.NewReader("v 0 0 0\nf 1 2 3\n"))
	require.Error(t, err)
	assert.Equal(t, types.CodeGeometryInvalid, types.CodeOf(err))
}

func TestParsePLY(t *testing.T) {
	src := `ply
format ascii 1.0
comment made by hand
element vertex 3
property float x
property float y
property float z
element face 1
property list uchar int vertex_indices
end_header
0 0 0
1 0 0
0 1 0
3 0 1 2
`
	m, err := ParsePLY(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, m.Vertices, 3)
	assert.Len(t, m.Faces, 1)
	assert.InDelta(t, 0.5, m.Area(), 1e-9)
}

func TestParsePLYBinaryRefused(t *testing.T) {
	src := "ply\nformat binary_little_endian 1.0\nelement vertex 0\nend_header\n"
	_, err := ParsePLY(strings.NewReader(src))
	require.Error(t, err)
	assert.Equal(t, types.CodeUnsupportedFormat, types.CodeOf(err))
}

func TestParsePLYTruncated(t *testing.T) {
	src := "ply\nformat ascii 1.0\nelement vertex 5\nproperty float x\nproperty float y\nproperty float z\nend_header\n0 0 0\n"
	_, err := ParsePLY(strings.NewReader(src))
	require.Error(t, err)
	assert.Equal(t, types.CodeGeometryInvalid, types.CodeOf(err))
}

func TestParseOFF(t *testing.T) {
	src := `OFF
# tetrahedron
4 4 6
0 0 0
1 0 0
0 1 0
0 0 1
3 0 2 1
3 0 1 3
3 0 3 2
3 1 2 3
`
	m, err := ParseOFF(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, m.Vertices, 4)
	assert.Len(t, m.Faces, 4)
	assert.Equal(t, 0, m.BoundaryEdges(), "tetrahedron is closed")
	assert.InDelta(t, 1.0/6.0, m.Volume(), 1e-9)
}

func TestParseOFFCountsOnSignatureLine(t *testing.T) {
	src := "OFF 3 1 3\n0 0 0\n1 0 0\n0 1 0\n3 0 1 2\n"
	m, err := ParseOFF(strings.NewReader(src))
	require.NoError(t, err)
	assert.Len(t, m.Vertices, 3)
	assert.Len(t, m.Faces, 1)
}

func TestParseOFFMissingSignature(t *testing.T) {
	_, err := ParseOFF(strings.NewReader("3 1 3\n0 0 0\n"))
	require.Error(t, err)
	assert.Equal(t, types.CodeGeometryInvalid, types.CodeOf(err))
}
