package rules

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// allowedImports is the import allow-list. Anything else is a hard
// security violation, not a warning.
var allowedImports = map[string]bool{
	"FreeCAD":    true,
	"App":        true,
	"Part":       true,
	"PartDesign": true,
	"Sketcher":   true,
	"Draft":      true,
	"Mesh":       true,
	"MeshPart":   true,
	"Import":     true,
	"importDXF":  true,
	"math":       true,
}

// forbiddenNames are identifiers that must not appear anywhere in a
// script, imported or not.
var forbiddenNames = map[string]bool{
	"os":         true,
	"sys":        true,
	"subprocess": true,
	"shutil":     true,
	"socket":     true,
	"requests":   true,
	"urllib":     true,
	"pickle":     true,
	"ctypes":     true,
	"importlib":  true,
	"eval":       true,
	"exec":       true,
	"execfile":   true,
	"compile":    true,
	"open":       true,
	"input":      true,
	"globals":    true,
	"locals":     true,
	"vars":       true,
	"getattr":    true,
	"setattr":    true,
	"delattr":    true,
	"__import__": true,
}

// checkSecurity walks the tree and returns a fault for the first
// disallowed import or forbidden name. The offending name is reported in
// the fault details.
func checkSecurity(root *sitter.Node, src []byte) error {
	var offender string
	var line int

	var walk func(n *sitter.Node) bool
	walk = func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement", "import_from_statement":
			mod := importedModule(n, src)
			base := strings.SplitN(mod, ".", 2)[0]
			if !allowedImports[base] {
				offender = mod
				line = int(n.StartPoint().Row) + 1
				return false
			}
		case "identifier":
			name := string(src[n.StartByte():n.EndByte()])
			if forbiddenNames[name] && !isMemberPosition(n) {
				offender = dottedContext(n, src)
				line = int(n.StartPoint().Row) + 1
				return false
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if !walk(n.NamedChild(i)) {
				return false
			}
		}
		return true
	}
	walk(root)

	if offender == "" {
		return nil
	}
	return types.NewFault(types.CodeSecurityViolation, "script uses a forbidden name").
		With("name", offender).With("line", line)
}

// importedModule extracts the module path from an import node. Aliased
// imports report the module, not the alias.
func importedModule(n *sitter.Node, src []byte) string {
	if mod := n.ChildByFieldName("module_name"); mod != nil {
		return string(src[mod.StartByte():mod.EndByte()])
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch c.Type() {
		case "dotted_name":
			return string(src[c.StartByte():c.EndByte()])
		case "aliased_import":
			if name := c.ChildByFieldName("name"); name != nil {
				return string(src[name.StartByte():name.EndByte()])
			}
			return string(src[c.StartByte():c.EndByte()])
		}
	}
	return strings.TrimSpace(strings.TrimPrefix(string(src[n.StartByte():n.EndByte()]), "import"))
}

// isMemberPosition reports whether an identifier is an attribute member
// or a keyword-argument name. "Part.open" and "show(open=True)" are
// fine; a bare "open" is not.
func isMemberPosition(n *sitter.Node) bool {
	p := n.Parent()
	if p == nil {
		return false
	}
	switch p.Type() {
	case "attribute":
		attr := p.ChildByFieldName("attribute")
		return attr != nil && attr.Equal(n)
	case "keyword_argument":
		name := p.ChildByFieldName("name")
		return name != nil && name.Equal(n)
	}
	return false
}

// dottedContext widens a flagged identifier to its attribute chain so
// the report reads "os.system" rather than "os".
func dottedContext(n *sitter.Node, src []byte) string {
	top := n
	for p := n.Parent(); p != nil && p.Type() == "attribute"; p = p.Parent() {
		top = p
	}
	return string(src[top.StartByte():top.EndByte()])
}
