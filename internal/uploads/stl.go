package uploads

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

const (
	stlHeaderSize   = 80
	stlTriangleSize = 50
)

// ParseSTL reads either STL flavor. Binary is recognized by the record
// length matching the declared triangle count; some binary exporters
// start the 80 byte header with "solid", so the length check comes
// first.
func ParseSTL(r io.Reader) (*Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, types.WrapFault(types.CodeGeometryInvalid, "reading stl", err)
	}
	if len(data) >= stlHeaderSize+4 {
		count := binary.LittleEndian.Uint32(data[stlHeaderSize:])
		if int64(len(data)) == int64(stlHeaderSize+4)+int64(count)*stlTriangleSize {
			return parseBinarySTL(data, count)
		}
	}
	if bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), []byte("solid")) {
		return parseASCIISTL(data)
	}
	return nil, types.NewFault(types.CodeGeometryInvalid, "stl is neither valid binary nor ascii")
}

func parseBinarySTL(data []byte, count uint32) (*Mesh, error) {
	m := &Mesh{Faces: make([][3]int, 0, count)}
	index := make(map[Vec3]int, count)
	off := stlHeaderSize + 4
	for t := uint32(0); t < count; t++ {
		// Skip the 12 byte facet normal; it is recomputed on export.
		p := off + 12
		var face [3]int
		for v := 0; v < 3; v++ {
			vert := Vec3{
				float64(math.Float32frombits(binary.LittleEndian.Uint32(data[p:]))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(data[p+4:]))),
				float64(math.Float32frombits(binary.LittleEndian.Uint32(data[p+8:]))),
			}
			face[v] = internVertex(m, index, vert)
			p += 12
		}
		m.Faces = append(m.Faces, face)
		off += stlTriangleSize
	}
	return m, nil
}

func parseASCIISTL(data []byte) (*Mesh, error) {
	m := &Mesh{}
	index := make(map[Vec3]int)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var face [3]int
	got := 0
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] != "vertex" {
			continue
		}
		if len(fields) != 4 {
			return nil, types.Faultf(types.CodeGeometryInvalid, "stl vertex at line %d has %d coordinates", line, len(fields)-1).
				With("line", line)
		}
		var vert Vec3
		for i := 0; i < 3; i++ {
			f, err := strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return nil, types.Faultf(types.CodeGeometryInvalid, "stl vertex at line %d: %v", line, err).
					With("line", line)
			}
			vert[i] = f
		}
		face[got] = internVertex(m, index, vert)
		got++
		if got == 3 {
			m.Faces = append(m.Faces, face)
			got = 0
		}
	}
	if err := sc.Err(); err != nil {
		return nil, types.WrapFault(types.CodeGeometryInvalid, "reading stl", err)
	}
	if got != 0 {
		return nil, types.NewFault(types.CodeGeometryInvalid, "stl facet truncated mid vertex list")
	}
	if len(m.Faces) == 0 {
		return nil, types.NewFault(types.CodeGeometryInvalid, "stl contains no facets")
	}
	return m, nil
}

// internVertex maps identical coordinates to one index. Exact equality
// only; near-duplicate welding belongs to repair.
func internVertex(m *Mesh, index map[Vec3]int, v Vec3) int {
	if i, ok := index[v]; ok {
		return i
	}
	i := len(m.Vertices)
	m.Vertices = append(m.Vertices, v)
	index[v] = i
	return i
}

// WriteBinarySTL writes the mesh as binary STL with a fixed header so
// identical geometry always produces identical bytes. Facet normals
// are recomputed from winding.
func WriteBinarySTL(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	header := make([]byte, stlHeaderSize)
	copy(header, "mgf canonical binary stl")
	if _, err := bw.Write(header); err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "writing stl header", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(m.Faces))); err != nil {
		return types.WrapFault(types.CodeGeometryInvalid, "writing stl count", err)
	}
	buf := make([]byte, stlTriangleSize)
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		n := b.Sub(a).Cross(c.Sub(a))
		if l := n.Len(); l > 0 {
			n = n.Scale(1 / l)
		}
		putVec32(buf[0:], n)
		putVec32(buf[12:], a)
		putVec32(buf[24:], b)
		putVec32(buf[36:], c)
		buf[48], buf[49] = 0, 0
		if _, err := bw.Write(buf); err != nil {
			return types.WrapFault(types.CodeGeometryInvalid, "writing stl facet", err)
		}
	}
	return bw.Flush()
}

func putVec32(dst []byte, v Vec3) {
	binary.LittleEndian.PutUint32(dst[0:], math.Float32bits(float32(v[0])))
	binary.LittleEndian.PutUint32(dst[4:], math.Float32bits(float32(v[1])))
	binary.LittleEndian.PutUint32(dst[8:], math.Float32bits(float32(v[2])))
}
