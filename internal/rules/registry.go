package rules

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cncaiprojem/projem-sub004/internal/logging"
	"github.com/cncaiprojem/projem-sub004/internal/types"
)

// APIEntry describes one callable in the engine scripting surface.
type APIEntry struct {
	MinArgs     int    `yaml:"min_args"`
	MaxArgs     int    `yaml:"max_args"`
	Category    string `yaml:"category"`
	Deprecated  bool   `yaml:"deprecated,omitempty"`
	Replacement string `yaml:"replacement,omitempty"`
}

// Registry is the API registry scripts are validated against. It starts
// from the built-in table and can be overridden from a YAML file, with
// optional hot reload: edits swap the table atomically, and a file that
// fails to parse keeps the previous table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]APIEntry

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
	log     *zap.Logger
}

// defaultRegistry covers the engine API surface scripts are allowed to
// call, with argument bounds.
var defaultRegistry = map[string]APIEntry{
	"App.newDocument":    {MinArgs: 0, MaxArgs: 2, Category: "document"},
	"App.closeDocument":  {MinArgs: 1, MaxArgs: 1, Category: "document"},
	"doc.addObject":      {MinArgs: 1, MaxArgs: 2, Category: "document"},
	"doc.removeObject":   {MinArgs: 1, MaxArgs: 1, Category: "document"},
	"doc.recompute":      {MinArgs: 0, MaxArgs: 1, Category: "document"},
	"doc.saveAs":         {MinArgs: 1, MaxArgs: 1, Category: "document"},
	"Part.makeBox":       {MinArgs: 3, MaxArgs: 5, Category: "primitive"},
	"Part.makeCylinder":  {MinArgs: 2, MaxArgs: 5, Category: "primitive"},
	"Part.makeSphere":    {MinArgs: 1, MaxArgs: 5, Category: "primitive"},
	"Part.makeCone":      {MinArgs: 3, MaxArgs: 6, Category: "primitive"},
	"Part.makeTorus":     {MinArgs: 2, MaxArgs: 6, Category: "primitive"},
	"Part.makeWedge":     {MinArgs: 10, MaxArgs: 11, Category: "primitive"},
	"Part.makePlane":     {MinArgs: 2, MaxArgs: 4, Category: "primitive"},
	"Part.makeCircle":    {MinArgs: 1, MaxArgs: 5, Category: "curve"},
	"Part.makeLine":      {MinArgs: 2, MaxArgs: 2, Category: "curve"},
	"Part.makePolygon":   {MinArgs: 1, MaxArgs: 2, Category: "curve"},
	"Part.makeHelix":     {MinArgs: 3, MaxArgs: 5, Category: "curve"},
	"Part.makeLongHelix": {MinArgs: 3, MaxArgs: 5, Category: "curve", Deprecated: true, Replacement: "Part.makeHelix"},
	"Part.makeLoft":      {MinArgs: 1, MaxArgs: 4, Category: "operation"},
	"Part.makeRevolution": {
		MinArgs: 1, MaxArgs: 7, Category: "operation",
	},
	"Part.makeFillet":    {MinArgs: 2, MaxArgs: 3, Category: "dress-up"},
	"Part.makeChamfer":   {MinArgs: 2, MaxArgs: 3, Category: "dress-up"},
	"Part.makeCompound":  {MinArgs: 1, MaxArgs: 1, Category: "operation"},
	"Part.makeSolid":     {MinArgs: 1, MaxArgs: 1, Category: "operation"},
	"Part.makeShell":     {MinArgs: 1, MaxArgs: 1, Category: "operation"},
	"Part.show":          {MinArgs: 1, MaxArgs: 2, Category: "display"},
	"Part.open":          {MinArgs: 1, MaxArgs: 2, Category: "io"},
	"Part.insert":        {MinArgs: 2, MaxArgs: 2, Category: "io"},
	"Part.read":          {MinArgs: 1, MaxArgs: 1, Category: "io"},
	"Part.export":        {MinArgs: 2, MaxArgs: 2, Category: "io"},
	"Mesh.export":        {MinArgs: 2, MaxArgs: 3, Category: "io"},
	"Mesh.Mesh":          {MinArgs: 0, MaxArgs: 1, Category: "mesh"},
	"MeshPart.meshFromShape": {
		MinArgs: 1, MaxArgs: 5, Category: "mesh",
	},
	"Draft.makeRectangle": {MinArgs: 2, MaxArgs: 4, Category: "draft"},
	"Draft.makeCircle":    {MinArgs: 1, MaxArgs: 3, Category: "draft"},
	"App.getDocument":     {MinArgs: 1, MaxArgs: 1, Category: "document"},
	"App.setActiveDocument": {
		MinArgs: 1, MaxArgs: 1, Category: "document",
	},
	"Sketcher.Constraint": {
		MinArgs: 1, MaxArgs: 6, Category: "sketch",
	},
	"sketch.addGeometry":   {MinArgs: 1, MaxArgs: 2, Category: "sketch"},
	"sketch.addConstraint": {MinArgs: 1, MaxArgs: 1, Category: "sketch"},
	"body.newObject":       {MinArgs: 2, MaxArgs: 2, Category: "partdesign"},
}

// NewRegistry returns a registry seeded with the built-in table.
func NewRegistry() *Registry {
	entries := make(map[string]APIEntry, len(defaultRegistry))
	for k, v := range defaultRegistry {
		entries[k] = v
	}
	return &Registry{
		entries: entries,
		log:     logging.For(logging.CategoryRules),
	}
}

// Lookup returns the entry for a fully qualified call name.
func (r *Registry) Lookup(name string) (APIEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every registered call name. Order is unspecified.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	return out
}

// Namespaces returns the receiver part of every registered name: the
// set of prefixes the registry claims authority over. Calls on other
// receivers are user objects and not validated here.
func (r *Registry) Namespaces() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, 8)
	for k := range r.entries {
		if i := strings.LastIndex(k, "."); i > 0 {
			out[k[:i]] = true
		}
	}
	return out
}

// LoadFile replaces the table with the YAML file's content merged over
// the built-in defaults.
func (r *Registry) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.WrapFault(types.CodeValidationFailed, "read api registry", err)
	}
	var fromFile map[string]APIEntry
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return types.WrapFault(types.CodeValidationFailed, "parse api registry", err)
	}

	merged := make(map[string]APIEntry, len(defaultRegistry)+len(fromFile))
	for k, v := range defaultRegistry {
		merged[k] = v
	}
	for k, v := range fromFile {
		merged[k] = v
	}

	r.mu.Lock()
	r.entries = merged
	r.mu.Unlock()
	r.log.Info("api registry loaded", zap.String("path", path), zap.Int("entries", len(merged)))
	return nil
}

// Watch reloads the registry whenever path changes. Events are debounced
// so editor save storms collapse into one reload; a broken file logs and
// keeps the table that was live before the edit.
func (r *Registry) Watch(ctx context.Context, path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return err
	}
	r.watcher = w
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(ctx, path)
	return nil
}

func (r *Registry) run(ctx context.Context, path string) {
	defer close(r.doneCh)
	const debounce = 200 * time.Millisecond

	var pending time.Time
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.Now()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("registry watcher error", zap.Error(err))
		case <-ticker.C:
			if pending.IsZero() || time.Since(pending) < debounce {
				continue
			}
			pending = time.Time{}
			if err := r.LoadFile(path); err != nil {
				r.log.Warn("registry reload failed; keeping previous table",
					zap.String("path", path), zap.Error(err))
			}
		}
	}
}

// Close stops the watcher if one is running.
func (r *Registry) Close() {
	if r.watcher == nil {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.watcher.Close()
	r.watcher = nil
}
