package rules

import (
	"fmt"
	"math"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Issue is one finding from validation, machine-readable first.
type Issue struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Line    int            `json:"line,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Result is the validation outcome: OK means no errors (warnings may
// still be present).
type Result struct {
	OK       bool    `json:"ok"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *Result) errf(code string, details map[string]any, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: fmt.Sprintf(format, args...), Details: details})
	r.OK = false
}

func (r *Result) warnf(code string, details map[string]any, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Message: fmt.Sprintf(format, args...), Details: details})
}

// Err converts the first recorded error into a typed fault. Nil when the
// result is clean.
func (r *Result) Err() error {
	if r.OK || len(r.Errors) == 0 {
		return nil
	}
	issue := r.Errors[0]
	f := types.NewFault(issue.Code, issue.Message)
	keys := make([]string, 0, len(issue.Details))
	for k := range issue.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f = f.With(k, issue.Details[k])
	}
	return f
}

// angleNames marks dimensions holding degrees rather than millimeters.
func isAngleName(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "angle") || strings.HasSuffix(n, "_deg") || n == "deg" || n == "rotation"
}

// checkDimensions validates every numeric assignment against the
// configured length bounds, angles against a full circle.
func checkDimensions(meta *Metadata, minDim, maxDim float64, res *Result) {
	names := make([]string, 0, len(meta.Dims))
	for name := range meta.Dims {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := meta.Dims[name]
		if isAngleName(name) {
			if math.Abs(v) > 360 {
				res.errf(types.CodeAngleError,
					map[string]any{"name": name, "value": v},
					"angle %s=%g exceeds a full circle", name, v)
			}
			continue
		}
		if v < 0 || (v > 0 && v < minDim) || v > maxDim {
			res.errf(types.CodeDimensionError,
				map[string]any{"name": name, "value": v, "min": minDim, "max": maxDim},
				"dimension %s=%g outside [%g, %g] mm", name, v, minDim, maxDim)
		}
	}
}

// checkAPIs validates every call against the registry: arity bounds,
// deprecations with their replacement, and unknown names with a typo
// suggestion found by suffix match.
func checkAPIs(root *sitter.Node, src []byte, reg *Registry, res *Result) {
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "call" {
			checkOneCall(n, src, reg, res)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
}

func checkOneCall(n *sitter.Node, src []byte, reg *Registry, res *Result) {
	name := callName(n, src)
	if name == "" || !strings.Contains(name, ".") {
		// Bare calls (float(), len(), range()) are interpreter
		// builtins, not engine APIs.
		return
	}
	line := int(n.StartPoint().Row) + 1

	entry, ok := reg.Lookup(name)
	if !ok {
		entry, ok = reg.Lookup(normalizeReceiver(name))
	}
	if !ok {
		// Report unknown methods only on receivers the registry claims,
		// plus near-misses of registry names anywhere. Everything else
		// is a user object with its own methods.
		receiver := name[:strings.LastIndex(name, ".")]
		suggestion := suggestBySuffix(name, reg)
		if !reg.Namespaces()[receiver] && suggestion == "" {
			return
		}
		details := map[string]any{"name": name, "line": line}
		if suggestion != "" {
			details["suggestion"] = suggestion
			res.errf(types.CodeAPINotFound, details,
				"unknown api %s (did you mean %s?)", name, suggestion)
			return
		}
		res.errf(types.CodeAPINotFound, details, "unknown api %s", name)
		return
	}

	argc := argCount(n)
	if argc < entry.MinArgs || argc > entry.MaxArgs {
		res.errf(types.CodeValidationFailed,
			map[string]any{"name": name, "args": argc, "min": entry.MinArgs, "max": entry.MaxArgs, "line": line},
			"%s takes %d..%d args, got %d", name, entry.MinArgs, entry.MaxArgs, argc)
	}
	if entry.Deprecated {
		msg := name + " is deprecated"
		if entry.Replacement != "" {
			msg += "; use " + entry.Replacement
		}
		res.warnf(types.CodeAPIDeprecated,
			map[string]any{"name": name, "replacement": entry.Replacement, "line": line},
			"%s", msg)
	}
}

// normalizeReceiver folds user variable receivers onto the registry's
// canonical receivers, so mydoc.addObject matches doc.addObject.
func normalizeReceiver(name string) string {
	i := strings.LastIndex(name, ".")
	method := name[i+1:]
	switch {
	case strings.HasPrefix(method, "addObject"), strings.HasPrefix(method, "removeObject"),
		method == "recompute", method == "saveAs":
		return "doc." + method
	case method == "addGeometry", method == "addConstraint":
		return "sketch." + method
	case method == "newObject":
		return "body." + method
	}
	return name
}

// suggestBySuffix finds a registry name whose method part nearly matches
// the unknown one: identical last four characters or one being a
// truncation of the other.
func suggestBySuffix(name string, reg *Registry) string {
	method := name[strings.LastIndex(name, ".")+1:]
	if len(method) < 4 {
		return ""
	}
	best := ""
	for _, candidate := range reg.Names() {
		cm := candidate[strings.LastIndex(candidate, ".")+1:]
		if cm == method {
			continue
		}
		if nearMiss(method, cm) && (best == "" || candidate < best) {
			best = candidate
		}
	}
	return best
}

func nearMiss(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return true
	}
	if len(la) >= 4 && len(lb) >= 4 && la[len(la)-4:] == lb[len(lb)-4:] {
		return abs(len(la)-len(lb)) <= 2
	}
	if strings.HasPrefix(lb, la) || strings.HasPrefix(la, lb) {
		return abs(len(la)-len(lb)) <= 2
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// argCount returns the number of positional plus keyword arguments.
func argCount(n *sitter.Node) int {
	args := n.ChildByFieldName("arguments")
	if args == nil {
		return 0
	}
	return int(args.NamedChildCount())
}

// checkStructure covers the structural rules: at least one modeling
// operation, one solid per part unless a boolean joins them, pattern
// counts in range, and constraint balance heuristics.
func checkStructure(meta *Metadata, canonical string, res *Result) {
	if meta.SolidCount == 0 && len(meta.Features) == 0 {
		res.errf(types.CodeMissingRequired, nil,
			"script defines no geometry: expected at least one primitive or feature")
	}

	hasBoolean := strings.Contains(canonical, ".fuse(") ||
		strings.Contains(canonical, ".cut(") ||
		strings.Contains(canonical, ".common(") ||
		strings.Contains(canonical, "makeCompound(")
	if meta.SolidCount > 1 && !hasBoolean {
		res.errf(types.CodeSingleSolidViolation,
			map[string]any{"solids": meta.SolidCount},
			"%d disjoint solids; join them or split the part", meta.SolidCount)
	}

	for _, f := range meta.Features {
		if f == "LinearPattern" || f == "PolarPattern" {
			if n, ok := patternCount(meta, canonical); ok && (n < 2 || n > 1000) {
				res.errf(types.CodePatternError,
					map[string]any{"feature": f, "count": n},
					"%s repeat count %d outside [2, 1000]", f, n)
			}
		}
	}

	geoCount := 0
	for _, c := range meta.Constraints {
		geoCount += c
	}
	if hasSketch(meta) {
		if geoCount == 0 {
			res.warnf(types.CodeSketchUnderconstrained, nil,
				"sketch has geometry but no constraints")
		} else if geoCount > 64 {
			res.errf(types.CodeAmbiguousInput,
				map[string]any{"constraints": geoCount},
				"sketch carries %d constraints; over-constrained input is ambiguous", geoCount)
		}
	}
}

func hasSketch(meta *Metadata) bool {
	for _, m := range meta.Modules {
		if m == "Sketcher" {
			return true
		}
	}
	for _, f := range meta.Features {
		if f == "Pad" || f == "Pocket" || f == "Revolution" {
			return true
		}
	}
	return false
}

// patternCount pulls a repeat count from common dim names, else from an
// Occurrences keyword in the text.
func patternCount(meta *Metadata, canonical string) (int, bool) {
	for _, key := range []string{"occurrences", "count", "pattern_count", "repeat"} {
		if v, ok := meta.Dims[key]; ok {
			return int(v), true
		}
	}
	if i := strings.Index(canonical, "Occurrences = "); i >= 0 {
		var n int
		if _, err := fmt.Sscanf(canonical[i:], "Occurrences = %d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// supportedConstraints are the sketch constraint kinds the solver
// accepts.
var supportedConstraints = map[string]bool{
	"Coincident":        true,
	"PointOnObject":     true,
	"Horizontal":        true,
	"Vertical":          true,
	"Parallel":          true,
	"Perpendicular":     true,
	"Tangent":           true,
	"Equal":             true,
	"Symmetric":         true,
	"Block":             true,
	"Distance":          true,
	"DistanceX":         true,
	"DistanceY":         true,
	"Angle":             true,
	"Radius":            true,
	"Diameter":          true,
	"InternalAlignment": true,
}

func checkConstraints(meta *Metadata, res *Result) {
	kinds := make([]string, 0, len(meta.Constraints))
	for kind := range meta.Constraints {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		if !supportedConstraints[kind] {
			res.errf(types.CodeConstraintUnsupported,
				map[string]any{"kind": kind, "count": meta.Constraints[kind]},
				"constraint kind %s is not supported", kind)
		}
	}
}

// checkPlaceholders flags dimensions assigned None: the caller must fill
// them, typically from an AI suggestion.
func checkPlaceholders(root *sitter.Node, src []byte, res *Result) {
	var missing []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "assignment" {
			left := n.ChildByFieldName("left")
			right := n.ChildByFieldName("right")
			if left != nil && right != nil && left.Type() == "identifier" && right.Type() == "none" {
				missing = append(missing, string(src[left.StartByte():left.EndByte()]))
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	if len(missing) > 0 {
		sort.Strings(missing)
		res.errf(types.CodeAIHintRequired,
			map[string]any{"names": missing},
			"dimensions %s are unset; a hint is required to fill them", strings.Join(missing, ", "))
	}
}
