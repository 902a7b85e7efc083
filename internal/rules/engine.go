// Package rules normalizes and validates CAD inputs before they reach
// the engine: structured parameter maps through the canonical encoder
// and scripts through an AST pipeline that rejects unsafe code, rewrites
// unit literals to millimeters, translates comments, and extracts the
// metadata later stages key on. Canonical output is deterministic, so it
// doubles as the cache identity for a job.
package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
	"go.uber.org/zap"

	"github.com/cncaiprojem/projem-sub004/internal/canon"
	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Script is a normalized CAD script. Canonical is the rewritten text,
// Hash its SHA-256 in hex. Hash, not Canonical, is what cache keys for
// script flows are derived from.
type Script struct {
	Source    string   `json:"-"`
	Canonical string   `json:"canonical"`
	Hash      string   `json:"hash"`
	Meta      Metadata `json:"meta"`
}

// Engine runs normalization and validation. The underlying tree-sitter
// parser is not safe for concurrent use, so parses serialize on a mutex.
type Engine struct {
	mu     sync.Mutex
	parser *sitter.Parser

	reg    *Registry
	minDim float64
	maxDim float64
	log    *zap.Logger
}

// NewEngine builds an engine from configuration. A configured registry
// path overrides the built-in API table, optionally with hot reload.
func NewEngine(cfg *config.Config) (*Engine, error) {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())

	e := &Engine{
		parser: p,
		reg:    NewRegistry(),
		minDim: cfg.Rules.MinDimension,
		maxDim: cfg.Rules.MaxDimension,
		log:    logging.For(logging.CategoryRules),
	}
	if path := cfg.Rules.RegistryPath; path != "" {
		if err := e.reg.LoadFile(path); err != nil {
			return nil, err
		}
		if cfg.Rules.HotReload {
			if err := e.reg.Watch(context.Background(), path); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

// Registry exposes the API table, mainly for wiring and tests.
func (e *Engine) Registry() *Registry { return e.reg }

// Close stops the registry watcher if one is running.
func (e *Engine) Close() { e.reg.Close() }

// ScriptHash returns the hex SHA-256 of canonical script text.
func ScriptHash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// NormalizeParams canonicalizes a structured parameter map. The result
// is the cache canonical for parametric flows.
func (e *Engine) NormalizeParams(params map[string]any) ([]byte, error) {
	return canon.CanonicalizeParams(params)
}

// NormalizePrompt canonicalizes free text for AI suggestion flows:
// whitespace and unicode folding, PII masking, lowercasing outside
// quoted spans.
func (e *Engine) NormalizePrompt(text string) string {
	return canon.CanonicalizePrompt(text)
}

// ValidateParams canonicalizes a parameter map and then range-checks
// every numeric leaf whose name looks like a length or an angle.
func (e *Engine) ValidateParams(params map[string]any) ([]byte, *Result, error) {
	canonical, err := canon.CanonicalizeParams(params)
	if err != nil {
		return nil, nil, err
	}
	res := &Result{OK: true}
	checkParamValues("", params, e.minDim, e.maxDim, res)
	return canonical, res, nil
}

func checkParamValues(prefix string, v any, minDim, maxDim float64, res *Result) {
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			name := k
			if prefix != "" {
				name = prefix + "." + k
			}
			checkParamValues(name, inner, minDim, maxDim, res)
		}
	case []any:
		for _, inner := range t {
			checkParamValues(prefix, inner, minDim, maxDim, res)
		}
	case float64, int, int64:
		f := toFloat(t)
		leaf := prefix[strings.LastIndex(prefix, ".")+1:]
		if isAngleName(leaf) {
			if f < -360 || f > 360 {
				res.errf(types.CodeAngleError,
					map[string]any{"name": prefix, "value": f},
					"angle %s=%g exceeds a full circle", prefix, f)
			}
		} else if isLengthName(leaf) {
			if f < 0 || (f > 0 && f < minDim) || f > maxDim {
				res.errf(types.CodeDimensionError,
					map[string]any{"name": prefix, "value": f, "min": minDim, "max": maxDim},
					"dimension %s=%g outside [%g, %g] mm", prefix, f, minDim, maxDim)
			}
		}
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return 0
}

var lengthWords = []string{
	"length", "width", "height", "depth", "radius", "diameter",
	"thickness", "distance", "pitch", "offset", "size",
}

func isLengthName(name string) bool {
	n := strings.ToLower(name)
	for _, w := range lengthWords {
		if strings.Contains(n, w) {
			return true
		}
	}
	return strings.HasSuffix(n, "_mm")
}

// NormalizeScript runs the script pipeline: parse, syntax and security
// gates, unit rewriting, comment translation, import and suffix
// enforcement, then metadata extraction from the rewritten text.
// Normalizing canonical output again returns identical bytes.
func (e *Engine) NormalizeScript(ctx context.Context, source string) (*Script, error) {
	script, tree, err := e.normalize(ctx, source)
	if err != nil {
		return nil, err
	}
	tree.Close()
	return script, nil
}

// normalize is NormalizeScript keeping the canonical parse tree alive
// for callers that run checks on it. The caller owns the tree.
func (e *Engine) normalize(ctx context.Context, source string) (*Script, *sitter.Tree, error) {
	src := []byte(source)
	tree, err := e.parse(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	root := tree.RootNode()
	if serr := syntaxError(root); serr != nil {
		tree.Close()
		return nil, nil, serr
	}
	if serr := checkSecurity(root, src); serr != nil {
		tree.Close()
		return nil, nil, serr
	}
	tree.Close()

	text, conversions := rewriteUnits(source)
	text = translateComments(text)
	text = ensureImports(text)
	text = ensureSuffix(text)

	cbytes := []byte(text)
	ctree, err := e.parse(ctx, cbytes)
	if err != nil {
		return nil, nil, err
	}
	meta := extractMetadata(ctree.RootNode(), cbytes)
	meta.Conversions = conversions

	script := &Script{
		Source:    source,
		Canonical: text,
		Hash:      ScriptHash(text),
		Meta:      meta,
	}
	return script, ctree, nil
}

// Validate runs the semantic checks on an already normalized script.
func (e *Engine) Validate(ctx context.Context, script *Script) (*Result, error) {
	tree, err := e.parse(ctx, []byte(script.Canonical))
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	return e.runChecks(tree.RootNode(), script), nil
}

// ValidateScript normalizes then validates in one call. A normalization
// failure (syntax, security) comes back as the error; semantic findings
// land in the result.
func (e *Engine) ValidateScript(ctx context.Context, source string) (*Script, *Result, error) {
	script, tree, err := e.normalize(ctx, source)
	if err != nil {
		return nil, nil, err
	}
	defer tree.Close()

	res := e.runChecks(tree.RootNode(), script)
	if !res.OK {
		e.log.Debug("script failed validation",
			zap.Int("errors", len(res.Errors)),
			zap.Int("warnings", len(res.Warnings)))
	}
	return script, res, nil
}

func (e *Engine) runChecks(root *sitter.Node, script *Script) *Result {
	cbytes := []byte(script.Canonical)
	res := &Result{OK: true}
	checkAPIs(root, cbytes, e.reg, res)
	checkDimensions(&script.Meta, e.minDim, e.maxDim, res)
	checkStructure(&script.Meta, script.Canonical, res)
	checkConstraints(&script.Meta, res)
	checkPlaceholders(root, cbytes, res)
	return res
}

func (e *Engine) parse(ctx context.Context, src []byte) (*sitter.Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tree, err := e.parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, types.WrapFault(types.CodeTemporaryFailure, "parse script", err)
	}
	return tree, nil
}

// syntaxError reports the first parse problem with its position.
func syntaxError(root *sitter.Node) error {
	if !root.HasError() {
		return nil
	}
	line, col := 1, 1
	if n := firstProblemNode(root); n != nil {
		line = int(n.StartPoint().Row) + 1
		col = int(n.StartPoint().Column) + 1
	}
	return types.Faultf(types.CodeInvalidSyntax,
		"script does not parse at line %d, column %d", line, col).
		With("line", line).With("column", col)
}

func firstProblemNode(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c == nil || !c.HasError() {
			continue
		}
		if found := firstProblemNode(c); found != nil {
			return found
		}
	}
	return nil
}

var importLineRe = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][A-Za-z0-9_]*)`)

// requiredImports lists headers every canonical script carries, in the
// order they are injected. FreeCAD counts as satisfied by either the
// full name or its App alias.
var requiredImports = []struct {
	module string
	line   string
}{
	{"FreeCAD", "import FreeCAD as App"},
	{"Part", "import Part"},
}

func ensureImports(text string) string {
	present := map[string]bool{}
	for _, m := range importLineRe.FindAllStringSubmatch(text, -1) {
		present[m[1]] = true
	}
	if present["App"] {
		present["FreeCAD"] = true
	}

	var missing []string
	for _, req := range requiredImports {
		if !present[req.module] {
			missing = append(missing, req.line)
		}
	}
	if len(missing) == 0 {
		return text
	}
	return strings.Join(missing, "\n") + "\n" + text
}

// ensureSuffix appends the recompute call when the script never issues
// one, and normalizes the text to end with exactly one newline.
func ensureSuffix(text string) string {
	trimmed := strings.TrimRight(text, "\n")
	if !strings.Contains(trimmed, ".recompute(") {
		trimmed += "\ndoc.recompute()"
	}
	return trimmed + "\n"
}
