package uploads

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
)

// Vec3 is a point or direction in model space.
type Vec3 [3]float64

func (a Vec3) Add(b Vec3) Vec3   { return Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }
func (a Vec3) Sub(b Vec3) Vec3   { return Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func (a Vec3) Scale(f float64) Vec3 {
	return Vec3{a[0] * f, a[1] * f, a[2] * f}
}

func (a Vec3) Dot(b Vec3) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func (a Vec3) Cross(b Vec3) Vec3 {
	return Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func (a Vec3) Len() float64 { return math.Sqrt(a.Dot(a)) }

// BBox is an axis-aligned bounding box.
type BBox struct {
	Min Vec3 `json:"min"`
	Max Vec3 `json:"max"`
}

func (b BBox) Extent() Vec3     { return b.Max.Sub(b.Min) }
func (b BBox) Diagonal() float64 { return b.Extent().Len() }
func (b BBox) Center() Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// Mesh is an indexed triangle mesh. Faces reference Vertices by index.
type Mesh struct {
	Vertices []Vec3
	Faces    [][3]int
}

func (m *Mesh) BBox() BBox {
	if len(m.Vertices) == 0 {
		return BBox{}
	}
	box := BBox{Min: m.Vertices[0], Max: m.Vertices[0]}
	for _, v := range m.Vertices[1:] {
		for i := 0; i < 3; i++ {
			box.Min[i] = math.Min(box.Min[i], v[i])
			box.Max[i] = math.Max(box.Max[i], v[i])
		}
	}
	return box
}

func (m *Mesh) Scale(f float64) {
	for i := range m.Vertices {
		m.Vertices[i] = m.Vertices[i].Scale(f)
	}
}

func (m *Mesh) Translate(d Vec3) {
	for i := range m.Vertices {
		m.Vertices[i] = m.Vertices[i].Add(d)
	}
}

// Area sums the triangle areas.
func (m *Mesh) Area() float64 {
	var area float64
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		area += b.Sub(a).Cross(c.Sub(a)).Len() / 2
	}
	return area
}

// Volume is the signed tetrahedron sum over the origin. The absolute
// value is meaningful for a closed mesh with consistent winding.
func (m *Mesh) Volume() float64 {
	var vol float64
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		vol += a.Dot(b.Cross(c)) / 6
	}
	return math.Abs(vol)
}

// edgeKey orders an undirected edge so both directions map together.
func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// EdgeCount counts unique undirected edges.
func (m *Mesh) EdgeCount() int {
	seen := make(map[[2]int]struct{}, len(m.Faces)*3/2)
	for _, f := range m.Faces {
		seen[edgeKey(f[0], f[1])] = struct{}{}
		seen[edgeKey(f[1], f[2])] = struct{}{}
		seen[edgeKey(f[2], f[0])] = struct{}{}
	}
	return len(seen)
}

// edgeUse maps each undirected edge to the number of faces sharing it.
func (m *Mesh) edgeUse() map[[2]int]int {
	use := make(map[[2]int]int, len(m.Faces)*3/2)
	for _, f := range m.Faces {
		use[edgeKey(f[0], f[1])]++
		use[edgeKey(f[1], f[2])]++
		use[edgeKey(f[2], f[0])]++
	}
	return use
}

// BoundaryEdges counts edges used by exactly one face. Zero means the
// mesh is watertight.
func (m *Mesh) BoundaryEdges() int {
	n := 0
	for _, c := range m.edgeUse() {
		if c == 1 {
			n++
		}
	}
	return n
}

// NonManifoldEdges counts edges shared by more than two faces.
func (m *Mesh) NonManifoldEdges() int {
	n := 0
	for _, c := range m.edgeUse() {
		if c > 2 {
			n++
		}
	}
	return n
}

// GeometricHash fingerprints a shape by rounded bulk properties so that
// re-uploads of the same part dedupe regardless of file format or
// tessellation noise. Volume and area round to three decimals.
func GeometricHash(volume, area float64, vertexCount, edgeCount int) string {
	s := fmt.Sprintf("%.3f|%.3f|%d|%d", volume, area, vertexCount, edgeCount)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MeshHash is GeometricHash over the mesh's own properties.
func (m *Mesh) Hash() string {
	return GeometricHash(m.Volume(), m.Area(), len(m.Vertices), m.EdgeCount())
}

// principalAxis estimates the dominant direction of the vertex cloud by
// power iteration on the covariance matrix. The boolean reports whether
// the iteration settled on a clear direction.
func principalAxis(verts []Vec3) (Vec3, bool) {
	if len(verts) < 3 {
		return Vec3{}, false
	}
	var mean Vec3
	for _, v := range verts {
		mean = mean.Add(v)
	}
	mean = mean.Scale(1 / float64(len(verts)))

	var cov [3][3]float64
	for _, v := range verts {
		d := v.Sub(mean)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				cov[i][j] += d[i] * d[j]
			}
		}
	}

	axis := Vec3{1, 1, 1}
	for iter := 0; iter < 24; iter++ {
		var next Vec3
		for i := 0; i < 3; i++ {
			next[i] = cov[i][0]*axis[0] + cov[i][1]*axis[1] + cov[i][2]*axis[2]
		}
		l := next.Len()
		if l == 0 {
			return Vec3{}, false
		}
		axis = next.Scale(1 / l)
	}
	return axis, true
}

// OrientZUp rotates the mesh so its dominant axis points along Z. The
// dominant axis is the principal axis snapped to the nearest cardinal
// direction, falling back to the longest bounding box extent when the
// vertex cloud is too degenerate to decide. Returns true when a
// rotation was applied.
func (m *Mesh) OrientZUp() bool {
	cardinal := -1
	if axis, ok := principalAxis(m.Vertices); ok {
		best := 0.0
		for i := 0; i < 3; i++ {
			if a := math.Abs(axis[i]); a > best {
				best, cardinal = a, i
			}
		}
	}
	if cardinal < 0 {
		ext := m.BBox().Extent()
		idx := []int{0, 1, 2}
		sort.Slice(idx, func(a, b int) bool { return ext[idx[a]] > ext[idx[b]] })
		cardinal = idx[0]
	}
	switch cardinal {
	case 0:
		// Rotate about Y so X becomes Z.
		for i, v := range m.Vertices {
			m.Vertices[i] = Vec3{-v[2], v[1], v[0]}
		}
		return true
	case 1:
		// Rotate about X so Y becomes Z.
		for i, v := range m.Vertices {
			m.Vertices[i] = Vec3{v[0], -v[2], v[1]}
		}
		return true
	}
	return false
}

// CenterXY translates the mesh so the bounding box center sits on the
// Z axis and the part rests on Z = 0.
func (m *Mesh) CenterXY() {
	box := m.BBox()
	c := box.Center()
	m.Translate(Vec3{-c[0], -c[1], -box.Min[2]})
}
