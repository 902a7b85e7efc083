// Package fingerprint derives the stable identity of the CAD engine build.
// Every cache key embeds this identity, so upgrading the engine, its
// geometry kernel, or any feature flag retires all previously cached
// artifacts at once without touching individual keys.
package fingerprint

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// maxPrefix is the engine prefix length used inside cache keys.
const maxPrefix = 20

// Engine identifies one engine build + configuration. Immutable for a
// process lifetime; construct once at startup and inject.
type Engine struct {
	Version        string            // engine release, e.g. "1.0.2"
	KernelVersion  string            // geometry kernel, e.g. "7.8.1"
	RuntimeVersion string            // host runtime, e.g. "py3.11.9"
	MeshSchema     string            // mesh parameter schema tag
	BuildCommit    string            // 7-char commit prefix
	Workbenches    []string          // enabled feature modules, sorted
	Flags          map[string]string // feature flags, emitted sorted

	str string // memoized String()
}

// New validates and freezes an engine identity. Fields must not contain
// the delimiter characters of the string grammar or the hash separator.
func New(version, kernel, runtime, meshSchema, commit string, workbenches []string, flags map[string]string) (*Engine, error) {
	e := &Engine{
		Version:        orUnknown(version),
		KernelVersion:  orUnknown(kernel),
		RuntimeVersion: orUnknown(runtime),
		MeshSchema:     orUnknown(meshSchema),
		BuildCommit:    commitPrefix(commit),
		Workbenches:    append([]string(nil), workbenches...),
		Flags:          make(map[string]string, len(flags)),
	}
	sort.Strings(e.Workbenches)
	for k, v := range flags {
		e.Flags[k] = v
	}

	for _, part := range e.parts() {
		if strings.ContainsAny(part, "{}|") || strings.ContainsAny(part, " \t\n") {
			return nil, types.Faultf("engine_fingerprint_invalid",
				"fingerprint component %q contains reserved characters", part)
		}
	}
	e.str = e.build()
	return e, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func commitPrefix(c string) string {
	if c == "" {
		return "0000000"
	}
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

func (e *Engine) parts() []string {
	parts := []string{
		e.Version, e.KernelVersion, e.RuntimeVersion, e.MeshSchema, e.BuildCommit,
	}
	parts = append(parts, e.Workbenches...)
	for k, v := range e.Flags {
		parts = append(parts, k, v)
	}
	return parts
}

func (e *Engine) build() string {
	flagKeys := make([]string, 0, len(e.Flags))
	for k := range e.Flags {
		flagKeys = append(flagKeys, k)
	}
	sort.Strings(flagKeys)
	flagParts := make([]string, len(flagKeys))
	for i, k := range flagKeys {
		flagParts[i] = k + "=" + e.Flags[k]
	}

	return fmt.Sprintf("fc{%s}-kernel{%s}-rt{%s}-mesh{%s}-git{%s}-wb{%s}-flags{%s}",
		e.Version, e.KernelVersion, e.RuntimeVersion, e.MeshSchema, e.BuildCommit,
		strings.Join(e.Workbenches, ","), strings.Join(flagParts, ","))
}

// String returns the stable ASCII identity. Any field change changes it.
func (e *Engine) String() string { return e.str }

// Prefix returns the key-embedded short form: the first 20 bytes of the
// full identity.
func (e *Engine) Prefix() string {
	if len(e.str) <= maxPrefix {
		return e.str
	}
	return e.str[:maxPrefix]
}

var (
	versionRe = regexp.MustCompile(`(?m)(?:FreeCAD|Version)[^\d]*(\d+\.\d+(?:\.\d+)?)`)
	kernelRe  = regexp.MustCompile(`(?m)OCC[TE]?[^\d]*(\d+\.\d+(?:\.\d+)?)`)
	runtimeRe = regexp.MustCompile(`(?m)[Pp]ython[^\d]*(\d+\.\d+(?:\.\d+)?)`)
	commitRe  = regexp.MustCompile(`(?m)(?:Revision|commit)[^\da-f]*([0-9a-f]{7,40})`)
)

// Detect shells the engine binary for its version banner and builds an
// identity from it. Fields the banner does not expose stay "unknown".
// meshSchema and flags come from configuration, not the binary.
func Detect(ctx context.Context, enginePath, meshSchema string, workbenches []string, flags map[string]string) (*Engine, error) {
	out, err := exec.CommandContext(ctx, enginePath, "--version").CombinedOutput()
	if err != nil {
		return nil, types.WrapFault(types.CodeEngineNotFound,
			fmt.Sprintf("engine %q did not report a version", enginePath), err)
	}

	banner := string(out)
	pick := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(banner); m != nil {
			return m[1]
		}
		return ""
	}

	return New(pick(versionRe), pick(kernelRe), pick(runtimeRe), meshSchema,
		pick(commitRe), workbenches, flags)
}
