package worker

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/cncaiprojem/projem-sub004/internal/config"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// Engine is a located and version-checked CAD engine binary.
type Engine struct {
	Path    string
	Version string
}

// engineNames are the binary names probed on $PATH, headless first.
var engineNames = []string{"FreeCADCmd", "freecadcmd", "freecad-cmd", "FreeCAD"}

// enginePaths are the usual install locations checked after $PATH.
var enginePaths = []string{
	"/usr/bin/FreeCADCmd",
	"/usr/local/bin/FreeCADCmd",
	"/opt/freecad/bin/FreeCADCmd",
	"/snap/bin/freecad.cmd",
	"/Applications/FreeCAD.app/Contents/MacOS/FreeCADCmd",
}

var versionRe = regexp.MustCompile(`\d+\.\d+(?:\.\d+)?`)

// DiscoverEngine locates the engine binary and checks that it reports
// at least the configured minimum version. Resolution order: explicit
// config path, then $PATH, then common install locations.
func DiscoverEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	path, err := locateEngine(cfg.Engine.Path)
	if err != nil {
		return nil, err
	}
	version, err := engineVersion(ctx, path)
	if err != nil {
		return nil, err
	}
	if min := cfg.Engine.MinVersion; min != "" && compareVersions(version, min) < 0 {
		return nil, types.Faultf(types.CodeInvalidVersion,
			"engine at %s reports version %s, need at least %s", path, version, min).
			With("path", path).
			With("version", version).
			With("min_version", min)
	}
	return &Engine{Path: path, Version: version}, nil
}

func locateEngine(configured string) (string, error) {
	if configured != "" {
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", types.Faultf(types.CodeEngineNotFound,
			"configured engine %s is not executable", configured).With("path", configured)
	}
	for _, name := range engineNames {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	for _, path := range enginePaths {
		if p, err := exec.LookPath(path); err == nil {
			return p, nil
		}
	}
	return "", types.NewFault(types.CodeEngineNotFound,
		"no engine binary found on $PATH or in common install locations")
}

// engineVersion runs `<bin> --version` and pulls the first dotted
// number out of the output.
func engineVersion(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return "", types.WrapFault(types.CodeEngineNotFound,
			"engine did not answer --version", err).With("path", path)
	}
	version := versionRe.FindString(string(out))
	if version == "" {
		return "", types.Faultf(types.CodeInvalidVersion,
			"engine version output %q has no version number", strings.TrimSpace(string(out))).
			With("path", path)
	}
	return version, nil
}

// compareVersions orders dotted version strings numerically, missing
// segments reading as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
	}
	return 0
}
