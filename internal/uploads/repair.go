package uploads

import (
	"math"
	"sort"
)

// weldGrid is the snapping resolution for vertex welding, one micron
// in millimeter space.
const weldGrid = 1e-3

// smallHoleLimit caps the boundary loop length the repair pass will
// fan-fill. Larger holes are real missing geometry and stay open.
const smallHoleLimit = 12

// RepairReport counts what each repair step changed.
type RepairReport struct {
	WeldedVertices  int `json:"welded_vertices,omitempty"`
	DegenerateFaces int `json:"degenerate_faces,omitempty"`
	DuplicateFaces  int `json:"duplicate_faces,omitempty"`
	FlippedFaces    int `json:"flipped_faces,omitempty"`
	FilledHoles     int `json:"filled_holes,omitempty"`
	DroppedVertices int `json:"dropped_vertices,omitempty"`
}

// Applied lists the steps that changed the mesh, in pipeline order.
func (r RepairReport) Applied() []string {
	var out []string
	add := func(n int, name string) {
		if n > 0 {
			out = append(out, name)
		}
	}
	add(r.WeldedVertices, "weld_vertices")
	add(r.DegenerateFaces, "drop_degenerate_faces")
	add(r.DuplicateFaces, "drop_duplicate_faces")
	add(r.FlippedFaces, "fix_winding")
	add(r.FilledHoles, "fill_holes")
	add(r.DroppedVertices, "drop_unreferenced_vertices")
	return out
}

// Repair runs the mesh repair pipeline in place: weld near-duplicate
// vertices, drop degenerate and duplicate faces, make winding
// consistent, fill small holes, then drop unreferenced vertices.
func Repair(m *Mesh) RepairReport {
	var rep RepairReport
	rep.WeldedVertices = weldVertices(m)
	rep.DegenerateFaces = dropDegenerateFaces(m)
	rep.DuplicateFaces = dropDuplicateFaces(m)
	rep.FlippedFaces = fixWinding(m)
	rep.FilledHoles = fillSmallHoles(m)
	rep.DroppedVertices = compactVertices(m)
	return rep
}

// weldVertices merges vertices that land on the same micron grid cell
// and rewrites face indices, returning how many were merged away.
func weldVertices(m *Mesh) int {
	type cell [3]int64
	snap := func(v Vec3) cell {
		return cell{
			int64(math.Round(v[0] / weldGrid)),
			int64(math.Round(v[1] / weldGrid)),
			int64(math.Round(v[2] / weldGrid)),
		}
	}
	first := make(map[cell]int, len(m.Vertices))
	remap := make([]int, len(m.Vertices))
	kept := m.Vertices[:0]
	for i, v := range m.Vertices {
		c := snap(v)
		if j, ok := first[c]; ok {
			remap[i] = j
			continue
		}
		j := len(kept)
		kept = append(kept, v)
		first[c] = j
		remap[i] = j
	}
	welded := len(m.Vertices) - len(kept)
	m.Vertices = kept
	for i := range m.Faces {
		for c := 0; c < 3; c++ {
			m.Faces[i][c] = remap[m.Faces[i][c]]
		}
	}
	return welded
}

func dropDegenerateFaces(m *Mesh) int {
	kept := m.Faces[:0]
	for _, f := range m.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[2] == f[0] {
			continue
		}
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		if b.Sub(a).Cross(c.Sub(a)).Len() < 1e-12 {
			continue
		}
		kept = append(kept, f)
	}
	dropped := len(m.Faces) - len(kept)
	m.Faces = kept
	return dropped
}

// dropDuplicateFaces removes faces covering the same vertex triple
// regardless of rotation or winding.
func dropDuplicateFaces(m *Mesh) int {
	seen := make(map[[3]int]struct{}, len(m.Faces))
	kept := m.Faces[:0]
	for _, f := range m.Faces {
		key := [3]int{f[0], f[1], f[2]}
		sort.Ints(key[:])
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, f)
	}
	dropped := len(m.Faces) - len(kept)
	m.Faces = kept
	return dropped
}

// fixWinding walks face adjacency per connected component and flips
// faces whose shared edge runs the same direction as their already
// visited neighbor. Non-manifold edges are skipped so a bad fan cannot
// cascade flips through the rest of the shell.
func fixWinding(m *Mesh) int {
	use := m.edgeUse()
	// Edge to face incidence, manifold edges only.
	inc := make(map[[2]int][]int)
	for fi, f := range m.Faces {
		for e := 0; e < 3; e++ {
			k := edgeKey(f[e], f[(e+1)%3])
			if use[k] == 2 {
				inc[k] = append(inc[k], fi)
			}
		}
	}

	hasDirected := func(fi, a, b int) bool {
		f := m.Faces[fi]
		for e := 0; e < 3; e++ {
			if f[e] == a && f[(e+1)%3] == b {
				return true
			}
		}
		return false
	}
	flip := func(fi int) {
		m.Faces[fi][1], m.Faces[fi][2] = m.Faces[fi][2], m.Faces[fi][1]
	}

	visited := make([]bool, len(m.Faces))
	flipped := 0
	for seed := range m.Faces {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		queue := []int{seed}
		for len(queue) > 0 {
			fi := queue[0]
			queue = queue[1:]
			f := m.Faces[fi]
			for e := 0; e < 3; e++ {
				a, b := f[e], f[(e+1)%3]
				for _, nb := range inc[edgeKey(a, b)] {
					if nb == fi || visited[nb] {
						continue
					}
					// Consistent neighbors traverse the shared edge in
					// opposite directions.
					if hasDirected(nb, a, b) {
						flip(nb)
						flipped++
					}
					visited[nb] = true
					queue = append(queue, nb)
				}
			}
		}
	}
	return flipped
}

// fillSmallHoles fans over boundary loops of at most smallHoleLimit
// edges, wound against the boundary direction so the patch matches the
// surrounding shell. Returns the number of loops closed.
func fillSmallHoles(m *Mesh) int {
	use := m.edgeUse()
	// Directed boundary edges: the one recorded direction of each edge
	// used exactly once.
	next := make(map[int]int)
	for _, f := range m.Faces {
		for e := 0; e < 3; e++ {
			a, b := f[e], f[(e+1)%3]
			if use[edgeKey(a, b)] == 1 {
				next[a] = b
			}
		}
	}

	filled := 0
	visited := make(map[int]bool, len(next))
	for start := range next {
		if visited[start] {
			continue
		}
		loop := []int{start}
		visited[start] = true
		ok := false
		for v := next[start]; ; {
			if v == start {
				ok = true
				break
			}
			if visited[v] || len(loop) > smallHoleLimit {
				break
			}
			visited[v] = true
			loop = append(loop, v)
			nv, chained := next[v]
			if !chained {
				break
			}
			v = nv
		}
		if !ok || len(loop) < 3 || len(loop) > smallHoleLimit {
			continue
		}
		for i := 1; i+1 < len(loop); i++ {
			m.Faces = append(m.Faces, [3]int{loop[0], loop[i+1], loop[i]})
		}
		filled++
	}
	return filled
}

// compactVertices drops vertices no face references and renumbers the
// rest, preserving order.
func compactVertices(m *Mesh) int {
	used := make([]bool, len(m.Vertices))
	for _, f := range m.Faces {
		used[f[0]], used[f[1]], used[f[2]] = true, true, true
	}
	remap := make([]int, len(m.Vertices))
	kept := m.Vertices[:0]
	for i, v := range m.Vertices {
		if !used[i] {
			remap[i] = -1
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, v)
	}
	dropped := len(m.Vertices) - len(kept)
	m.Vertices = kept
	for i := range m.Faces {
		for c := 0; c < 3; c++ {
			m.Faces[i][c] = remap[m.Faces[i][c]]
		}
	}
	return dropped
}
