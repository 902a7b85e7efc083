package uploads

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

const (
	glbMagic     = 0x46546C67 // "glTF"
	glbChunkJSON = 0x4E4F534A // "JSON"
	glbChunkBIN  = 0x004E4942 // "BIN\0"
)

// WriteGLB writes the mesh as a single-primitive binary glTF 2.0 asset
// for browser previews: one buffer holding uint32 indices followed by
// float32 positions.
func WriteGLB(w io.Writer, m *Mesh) error {
	if len(m.Faces) == 0 {
		return types.NewFault(types.CodePreviewGenerationFailed, "mesh has no faces to preview")
	}

	bin := make([]byte, 0, len(m.Faces)*12+len(m.Vertices)*12)
	for _, f := range m.Faces {
		for _, idx := range f {
			bin = binary.LittleEndian.AppendUint32(bin, uint32(idx))
		}
	}
	idxLen := len(bin)
	for _, v := range m.Vertices {
		for c := 0; c < 3; c++ {
			bin = binary.LittleEndian.AppendUint32(bin, math.Float32bits(float32(v[c])))
		}
	}

	box := m.BBox()
	f32s := func(v Vec3) [3]float32 {
		return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
	}
	doc := map[string]any{
		"asset":  map[string]any{"version": "2.0", "generator": "mgf"},
		"scene":  0,
		"scenes": []map[string]any{{"nodes": []int{0}}},
		"nodes":  []map[string]any{{"mesh": 0}},
		"meshes": []map[string]any{{
			"primitives": []map[string]any{{
				"attributes": map[string]any{"POSITION": 1},
				"indices":    0,
			}},
		}},
		"accessors": []map[string]any{
			{
				"bufferView":    0,
				"componentType": 5125,
				"count":         len(m.Faces) * 3,
				"type":          "SCALAR",
			},
			{
				"bufferView":    1,
				"componentType": 5126,
				"count":         len(m.Vertices),
				"type":          "VEC3",
				"min":           f32s(box.Min),
				"max":           f32s(box.Max),
			},
		},
		"bufferViews": []map[string]any{
			{"buffer": 0, "byteOffset": 0, "byteLength": idxLen},
			{"buffer": 0, "byteOffset": idxLen, "byteLength": len(bin) - idxLen},
		},
		"buffers": []map[string]any{{"byteLength": len(bin)}},
	}
	jsonChunk, err := json.Marshal(doc)
	if err != nil {
		return types.WrapFault(types.CodePreviewGenerationFailed, "encoding gltf json", err)
	}
	jsonChunk = pad(jsonChunk, ' ')
	binChunk := pad(bin, 0)

	total := 12 + 8 + len(jsonChunk) + 8 + len(binChunk)
	header := make([]byte, 0, total)
	header = binary.LittleEndian.AppendUint32(header, glbMagic)
	header = binary.LittleEndian.AppendUint32(header, 2)
	header = binary.LittleEndian.AppendUint32(header, uint32(total))
	header = binary.LittleEndian.AppendUint32(header, uint32(len(jsonChunk)))
	header = binary.LittleEndian.AppendUint32(header, glbChunkJSON)

	for _, part := range [][]byte{header, jsonChunk} {
		if _, err := w.Write(part); err != nil {
			return types.WrapFault(types.CodePreviewGenerationFailed, "writing glb", err)
		}
	}
	trailer := make([]byte, 0, 8)
	trailer = binary.LittleEndian.AppendUint32(trailer, uint32(len(binChunk)))
	trailer = binary.LittleEndian.AppendUint32(trailer, glbChunkBIN)
	for _, part := range [][]byte{trailer, binChunk} {
		if _, err := w.Write(part); err != nil {
			return types.WrapFault(types.CodePreviewGenerationFailed, "writing glb", err)
		}
	}
	return nil
}

// pad extends b with filler to a four byte boundary, as the container
// format requires for both chunk kinds.
func pad(b []byte, filler byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, filler)
	}
	return b
}
