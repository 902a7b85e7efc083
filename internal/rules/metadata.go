package rules

import (
	"sort"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Metadata is the record extracted from a normalized script.
type Metadata struct {
	Modules     []string           `json:"modules"`
	Dims        map[string]float64 `json:"dims"`
	Features    []string           `json:"features"`
	Constraints map[string]int     `json:"constraints"`
	SolidCount  int                `json:"solid_count"`
	Conversions []Conversion       `json:"conversions"`
}

// featureNames are the high-level modeling features worth surfacing.
var featureNames = map[string]bool{
	"Body": true, "Pad": true, "Pocket": true, "Revolution": true,
	"Groove": true, "Hole": true, "Loft": true, "Pipe": true,
	"Helix": true, "Fillet": true, "Chamfer": true, "Draft": true,
	"Thickness": true, "LinearPattern": true, "PolarPattern": true,
	"Mirrored": true, "MultiTransform": true,
}

// solidMakers are Part-module calls that produce a solid directly.
var solidMakers = map[string]bool{
	"Part.makeBox": true, "Part.makeCylinder": true, "Part.makeSphere": true,
	"Part.makeCone": true, "Part.makeTorus": true, "Part.makeWedge": true,
}

// extractMetadata walks a parsed script and collects modules, numeric
// assignments, modeling features, constraint counts and solid count.
// Conversions are filled in by the caller.
func extractMetadata(root *sitter.Node, src []byte) Metadata {
	meta := Metadata{
		Dims:        map[string]float64{},
		Constraints: map[string]int{},
	}
	seenModule := map[string]bool{}
	seenFeature := map[string]bool{}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement", "import_from_statement":
			mod := strings.SplitN(importedModule(n, src), ".", 2)[0]
			if mod != "" && !seenModule[mod] {
				seenModule[mod] = true
				meta.Modules = append(meta.Modules, mod)
			}
		case "assignment":
			name, value, ok := numericAssignment(n, src)
			if ok {
				meta.Dims[name] = value
			}
		case "call":
			collectCall(n, src, &meta, seenFeature)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)

	sort.Strings(meta.Modules)
	return meta
}

// collectCall inspects one call expression for features, constraints and
// solids.
func collectCall(n *sitter.Node, src []byte, meta *Metadata, seenFeature map[string]bool) {
	name := callName(n, src)
	if name == "" {
		return
	}

	if solidMakers[name] {
		meta.SolidCount++
	}

	switch {
	case name == "Sketcher.Constraint" || strings.HasSuffix(name, ".Constraint"):
		if kind, ok := firstStringArg(n, src); ok {
			meta.Constraints[kind]++
		}
	case strings.HasSuffix(name, "addObject") || strings.HasSuffix(name, "newObject"):
		if typ, ok := firstStringArg(n, src); ok {
			short := typ
			if i := strings.LastIndex(typ, "::"); i >= 0 {
				short = typ[i+2:]
			}
			if featureNames[short] && !seenFeature[short] {
				seenFeature[short] = true
				meta.Features = append(meta.Features, short)
			}
			if short == "Body" || strings.HasPrefix(typ, "Part::") {
				meta.SolidCount++
			}
		}
	}
}

// callName returns the dotted function text of a call node.
func callName(n *sitter.Node, src []byte) string {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	return string(src[fn.StartByte():fn.EndByte()])
}

// firstStringArg returns the unquoted first string argument of a call.
func firstStringArg(n *sitter.Node, src []byte) (string, bool) {
	args := n.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return "", false
	}
	first := args.NamedChild(0)
	if first.Type() != "string" {
		return "", false
	}
	s := string(src[first.StartByte():first.EndByte()])
	s = strings.Trim(s, `"'`)
	return s, true
}

// numericAssignment matches `name = <number>` including a unary minus.
func numericAssignment(n *sitter.Node, src []byte) (string, float64, bool) {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if left == nil || right == nil || left.Type() != "identifier" {
		return "", 0, false
	}
	text := string(src[right.StartByte():right.EndByte()])
	switch right.Type() {
	case "integer", "float":
	case "unary_operator":
		inner := right.ChildByFieldName("argument")
		if inner == nil || (inner.Type() != "integer" && inner.Type() != "float") {
			return "", 0, false
		}
	default:
		return "", 0, false
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return "", 0, false
	}
	return string(src[left.StartByte():left.EndByte()]), v, true
}
