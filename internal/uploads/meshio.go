package uploads

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// ParseOBJ reads vertex and face records. Texture and normal indices
// after the slash are ignored; polygons triangulate as a fan.
func ParseOBJ(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, objErr(line, "vertex needs 3 coordinates")
			}
			var v Vec3
			for i := 0; i < 3; i++ {
				f, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					return nil, objErr(line, err.Error())
				}
				v[i] = f
			}
			m.Vertices = append(m.Vertices, v)
		case "f":
			if len(fields) < 4 {
				return nil, objErr(line, "face needs at least 3 vertices")
			}
			idx := make([]int, 0, len(fields)-1)
			for _, f := range fields[1:] {
				if i := strings.IndexByte(f, '/'); i >= 0 {
					f = f[:i]
				}
				n, err := strconv.Atoi(f)
				if err != nil {
					return nil, objErr(line, err.Error())
				}
				// Negative indices count back from the latest vertex.
				if n < 0 {
					n = len(m.Vertices) + 1 + n
				}
				if n < 1 || n > len(m.Vertices) {
					return nil, objErr(line, fmt.Sprintf("vertex index %d out of range", n))
				}
				idx = append(idx, n-1)
			}
			fanTriangulate(m, idx)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, types.WrapFault(types.CodeGeometryInvalid, "reading obj", err)
	}
	if len(m.Faces) == 0 {
		return nil, types.NewFault(types.CodeGeometryInvalid, "obj contains no faces")
	}
	return m, nil
}

func objErr(line int, msg string) error {
	return types.Faultf(types.CodeGeometryInvalid, "obj line %d: %s", line, msg).With("line", line)
}

// ParsePLY reads ascii PLY. Binary PLY is not parsed here; those files
// route through the engine like the B-rep formats.
func ParsePLY(r io.Reader) (*Mesh, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ply" {
		return nil, types.NewFault(types.CodeGeometryInvalid, "missing ply signature")
	}

	var vertexCount, faceCount int
	var xCol, colCount int
	xCol = -1
	element := ""
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return nil, types.Faultf(types.CodeUnsupportedFormat, "ply format %q not parsed natively", strings.Join(fields[1:], " "))
			}
		case "element":
			if len(fields) < 3 {
				return nil, types.NewFault(types.CodeGeometryInvalid, "malformed ply element")
			}
			element = fields[1]
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return nil, types.WrapFault(types.CodeGeometryInvalid, "ply element count", err)
			}
			switch element {
			case "vertex":
				vertexCount = n
			case "face":
				faceCount = n
			}
		case "property":
			if element == "vertex" && len(fields) == 3 {
				if fields[2] == "x" {
					xCol = colCount
				}
				colCount++
			}
		case "end_header":
			goto body
		}
	}
	return nil, types.NewFault(types.CodeGeometryInvalid, "ply header not terminated")

body:
	if xCol < 0 {
		xCol = 0
	}
	m := &Mesh{Vertices: make([]Vec3, 0, vertexCount)}
	for i := 0; i < vertexCount; i++ {
		if !sc.Scan() {
			return nil, types.NewFault(types.CodeGeometryInvalid, "ply vertex list truncated")
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < xCol+3 {
			return nil, types.Faultf(types.CodeGeometryInvalid, "ply vertex %d too short", i)
		}
		var v Vec3
		for c := 0; c < 3; c++ {
			f, err := strconv.ParseFloat(fields[xCol+c], 64)
			if err != nil {
				return nil, types.WrapFault(types.CodeGeometryInvalid, "ply vertex coordinate", err)
			}
			v[c] = f
		}
		m.Vertices = append(m.Vertices, v)
	}
	for i := 0; i < faceCount; i++ {
		if !sc.Scan() {
			return nil, types.NewFault(types.CodeGeometryInvalid, "ply face list truncated")
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			return nil, types.Faultf(types.CodeGeometryInvalid, "ply face %d empty", i)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || len(fields) < 1+n || n < 3 {
			return nil, types.Faultf(types.CodeGeometryInvalid, "ply face %d malformed", i)
		}
		idx := make([]int, n)
		for c := 0; c < n; c++ {
			if idx[c], err = strconv.Atoi(fields[1+c]); err != nil {
				return nil, types.WrapFault(types.CodeGeometryInvalid, "ply face index", err)
			}
			if idx[c] < 0 || idx[c] >= len(m.Vertices) {
				return nil, types.Faultf(types.CodeGeometryInvalid, "ply face %d index out of range", i)
			}
		}
		fanTriangulate(m, idx)
	}
	return m, nil
}

// ParseOFF reads the Object File Format: a counts line followed by
// vertices then faces.
func ParseOFF(r io.Reader) (*Mesh, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	next := func() ([]string, bool) {
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			return strings.Fields(line), true
		}
		return nil, false
	}

	fields, ok := next()
	if !ok || fields[0] != "OFF" {
		return nil, types.NewFault(types.CodeGeometryInvalid, "missing off signature")
	}
	// Counts may share the signature line or follow on their own.
	if len(fields) < 4 {
		if fields, ok = next(); !ok {
			return nil, types.NewFault(types.CodeGeometryInvalid, "off counts missing")
		}
	} else {
		fields = fields[1:]
	}
	if len(fields) < 2 {
		return nil, types.NewFault(types.CodeGeometryInvalid, "off counts malformed")
	}
	nv, err1 := strconv.Atoi(fields[0])
	nf, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || nv < 0 || nf < 0 {
		return nil, types.NewFault(types.CodeGeometryInvalid, "off counts malformed")
	}

	m := &Mesh{Vertices: make([]Vec3, 0, nv)}
	for i := 0; i < nv; i++ {
		fields, ok = next()
		if !ok || len(fields) < 3 {
			return nil, types.Faultf(types.CodeGeometryInvalid, "off vertex %d malformed", i)
		}
		var v Vec3
		for c := 0; c < 3; c++ {
			f, err := strconv.ParseFloat(fields[c], 64)
			if err != nil {
				return nil, types.WrapFault(types.CodeGeometryInvalid, "off vertex coordinate", err)
			}
			v[c] = f
		}
		m.Vertices = append(m.Vertices, v)
	}
	for i := 0; i < nf; i++ {
		fields, ok = next()
		if !ok || len(fields) < 1 {
			return nil, types.Faultf(types.CodeGeometryInvalid, "off face %d malformed", i)
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil || n < 3 || len(fields) < 1+n {
			return nil, types.Faultf(types.CodeGeometryInvalid, "off face %d malformed", i)
		}
		idx := make([]int, n)
		for c := 0; c < n; c++ {
			if idx[c], err = strconv.Atoi(fields[1+c]); err != nil {
				return nil, types.WrapFault(types.CodeGeometryInvalid, "off face index", err)
			}
			if idx[c] < 0 || idx[c] >= len(m.Vertices) {
				return nil, types.Faultf(types.CodeGeometryInvalid, "off face %d index out of range", i)
			}
		}
		fanTriangulate(m, idx)
	}
	if len(m.Faces) == 0 {
		return nil, types.NewFault(types.CodeGeometryInvalid, "off contains no faces")
	}
	return m, nil
}

// fanTriangulate appends an n-gon as a triangle fan from its first
// vertex.
func fanTriangulate(m *Mesh, idx []int) {
	for i := 1; i+1 < len(idx); i++ {
		m.Faces = append(m.Faces, [3]int{idx[0], idx[i], idx[i+1]})
	}
}
