package app

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sdfs/sdfs/internal/compositor"
	"github.com/sdfs/sdfs/internal/device"
	"github.com/sdfs/sdfs/internal/entity"
	"github.com/sdfs/sdfs/internal/fsname"
	"github.com/sdfs/sdfs/internal/pages"
	"github.com/sdfs/sdfs/internal/supervisor"
)

// StateFileName is the read-only drop file reflecting live state for
// external verbs.
const StateFileName = ".sdfs-state"

// CommandFileName is the drop file external verbs write to drive a
// running instance; it is consumed and deleted by the loop.
const CommandFileName = ".sdfs-command"

// maxKeyRefDepth bounds key → key reference chains.
const maxKeyRefDepth = 8

// syncHandles aligns supervisor lifecycles with what is displayed:
// the deck, every stacked page, and their enabled keys. Overlays do
// not deactivate the keys beneath them.
func (a *App) syncHandles() {
	desired := map[string]map[string]*supervisor.Spec{}
	if !a.pending {
		desired[a.Tree.Deck.Path] = a.buildSpecs(a.Tree.Deck)
		for _, f := range a.Pages.Stack() {
			p := a.Tree.Page(f.Page)
			if p == nil || p.Disabled() {
				continue
			}
			desired[p.Path] = a.buildSpecs(p)
			for _, k := range entity.Keys(p) {
				if k.Disabled() {
					continue
				}
				desired[k.Path] = a.buildSpecs(k)
			}
		}
	}

	for path, h := range a.handles {
		if _, keep := desired[path]; !keep {
			h.Deactivate()
			delete(a.handles, path)
			delete(a.handleSig, path)
		}
	}
	for path, specs := range desired {
		sig := specsSignature(specs)
		if h, ok := a.handles[path]; ok {
			if a.handleSig[path] != sig {
				h.UpdateSpecs(specs)
				a.handleSig[path] = sig
			}
			continue
		}
		a.handles[path] = a.Sup.Activate(specs)
		a.handleSig[path] = sig
	}
}

// buildSpecs parses the enabled, resolved events of an entity into
// supervisor specs with their environment bundles.
func (a *App) buildSpecs(owner *entity.Entity) map[string]*supervisor.Spec {
	events := a.ownerEvents(owner)
	out := map[string]*supervisor.Spec{}
	env := a.eventEnv(owner)

	for kind, ev := range events {
		if !ev.Valid {
			continue
		}
		executable := false
		if info, err := os.Stat(ev.Path); err == nil {
			executable = info.Mode()&0o111 != 0
		}
		spec, err := supervisor.ParseSpec(kind, ev.Norm, ev.Path, owner.Path, executable)
		if err != nil {
			a.logInvalidPath(ev.Path, err)
			continue
		}
		spec.Env = append(append([]string(nil), env...), "SDFS_EVENT="+kind)
		out[kind] = spec
	}
	return out
}

// ownerEvents follows key references: a key inherits the referenced
// key's events, its own definitions winning per kind.
func (a *App) ownerEvents(owner *entity.Entity) map[string]*entity.Entity {
	events := map[string]*entity.Entity{}
	for i, src := 0, owner; src != nil && i <= maxKeyRefDepth; i++ {
		for kind, ev := range entity.Events(src) {
			if _, claimed := events[kind]; !claimed {
				events[kind] = ev
			}
		}
		src = a.keyRefTarget(src)
	}
	return events
}

// keyRefTarget resolves a key's ref= to the next key in its chain.
func (a *App) keyRefTarget(e *entity.Entity) *entity.Entity {
	if e.Kind() != fsname.KindKey || !e.Valid || !e.Norm.Has("ref") {
		return nil
	}
	target, err := a.Target(e, e.Norm["ref"])
	if err != nil {
		return nil
	}
	return target
}

// eventEnv assembles the inherited environment plus the SDFS_ context
// bundle for processes spawned from an entity.
func (a *App) eventEnv(owner *entity.Entity) []string {
	env := os.Environ()
	geo := a.Dev.Geometry()
	env = append(env,
		"SDFS_DEVICE_SERIAL="+a.Dev.Serial(),
		"SDFS_DEVICE_ROWS="+strconv.Itoa(geo.Rows),
		"SDFS_DEVICE_COLS="+strconv.Itoa(geo.Cols),
		"SDFS_CURRENT_PAGE="+strconv.Itoa(a.Pages.Current()),
		"SDFS_BRIGHTNESS="+strconv.Itoa(a.brightness),
	)
	if p := owner.PageEntity(); p != nil {
		env = append(env,
			"SDFS_PAGE="+strconv.Itoa(p.Name.Page),
			"SDFS_PAGE_NAME="+p.DisplayName(),
		)
	}
	if k := owner.KeyEntity(); k != nil {
		env = append(env,
			"SDFS_KEY="+fmt.Sprintf("%d,%d", k.Name.Row, k.Name.Col),
			"SDFS_KEY_NAME="+k.DisplayName(),
		)
	}

	scoped := a.Store.InScope(owner)
	names := make([]string, 0, len(scoped))
	for name := range scoped {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, "SDFS_VAR_"+name+"="+scoped[name])
	}
	return env
}

func specsSignature(specs map[string]*supervisor.Spec) string {
	kinds := make([]string, 0, len(specs))
	for k := range specs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	var b strings.Builder
	for _, k := range kinds {
		s := specs[k]
		fmt.Fprintf(&b, "%s=%s|%+v|%+v|%s\n", k, s.ID, s.Action, s.Timing, strings.Join(s.Env, ","))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return fmt.Sprintf("%x", sum[:8])
}

// displaySource finds the key entity rendered at a coordinate: the
// topmost stacked page that defines an enabled key there.
func (a *App) displaySource(c entity.Coord) *entity.Entity {
	stack := a.Pages.Stack()
	for i := len(stack) - 1; i >= 0; i-- {
		p := a.Tree.Page(stack[i].Page)
		if p == nil || p.Disabled() {
			continue
		}
		if k := entity.KeyAt(p, c); k != nil && !k.Disabled() {
			return k
		}
	}
	return nil
}

// renderAll recomposes the whole grid.
func (a *App) renderAll() {
	geo := a.Dev.Geometry()
	var coords []entity.Coord
	for r := 1; r <= geo.Rows; r++ {
		for c := 1; c <= geo.Cols; c++ {
			coords = append(coords, entity.Coord{Row: r, Col: c})
		}
	}
	a.renderKeys(coords)
}

// renderTimeout is the soft cap on one compositing batch: late frames
// are dropped and retried on the next change.
const renderTimeout = 500 * time.Millisecond

// renderKeys composes the given keys on the worker pool and writes
// the bitmaps that changed, in coordinate order.
func (a *App) renderKeys(coords []entity.Coord) {
	geo := a.Dev.Geometry()
	elapsed := a.clockNow().Sub(a.epoch)

	type result struct {
		coord entity.Coord
		out   compositor.Output
	}
	resultCh := make(chan result, len(coords))
	for _, c := range coords {
		in := a.renderInput(c, geo.KeySize, elapsed)
		go func(c entity.Coord, in compositor.Input) {
			resultCh <- result{coord: c, out: a.Comp.Render(in)}
		}(c, in)
	}

	results := make([]result, 0, len(coords))
	deadline := time.After(renderTimeout)
collect:
	for range coords {
		select {
		case res := <-resultCh:
			results = append(results, res)
		case <-deadline:
			a.log.Warn("compositing timed out, dropping frames", "pending", len(coords)-len(results))
			break collect
		}
	}
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].coord, results[j].coord
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})

	for _, res := range results {
		c := res.coord
		if res.out.Animated {
			a.animated[c] = true
		} else {
			delete(a.animated, c)
		}
		if prev, ok := a.lastPix[c]; ok && bytes.Equal(prev, res.out.Image.Pix) {
			continue
		}
		a.lastPix[c] = append([]byte(nil), res.out.Image.Pix...)
		final := compositor.Transform(res.out.Image, geo)
		if err := a.Dev.SetKey(c.Row, c.Col, final); err != nil {
			// Transient disconnect: keep state, the next write retries.
			a.log.Warn("device write failed", "key", c, "err", err)
		}
	}
}

// renderInput builds the compositor input for one coordinate,
// substituting transparent content for invalid entities.
func (a *App) renderInput(c entity.Coord, size int, elapsed time.Duration) compositor.Input {
	in := compositor.Input{Size: size, Elapsed: elapsed}
	if a.pending {
		return in
	}
	key := a.displaySource(c)
	if key == nil || !key.Valid {
		return in
	}

	images, texts := a.keyContent(key)
	for _, img := range images {
		if !img.Valid {
			continue
		}
		layer, err := compositor.ParseLayer(img.Norm)
		if err != nil {
			a.logInvalidPath(img.Path, err)
			continue
		}
		// Relative raster paths resolve against the owning key.
		if layer.File != "" && !filepath.IsAbs(layer.File) {
			layer.File = filepath.Join(filepath.Dir(img.Path), layer.File)
		}
		in.Layers = append(in.Layers, layer)
	}
	for _, txt := range texts {
		if !txt.Valid {
			continue
		}
		t, err := compositor.ParseText(txt.Norm)
		if err != nil {
			a.logInvalidPath(txt.Path, err)
			continue
		}
		// Custom font files resolve against the configured font
		// directory, then the deck root.
		if t.Font != "" && !filepath.IsAbs(t.Font) {
			base := a.cfg.FontDir
			if base == "" {
				base = a.Root
			} else if !filepath.IsAbs(base) {
				base = filepath.Join(a.Root, base)
			}
			t.Font = filepath.Join(base, t.Font)
		}
		in.Texts = append(in.Texts, t)
	}
	return in
}

// keyContent lists a key's image and text entities, following key
// references: a category defined on the key itself wins wholesale,
// otherwise the referenced key's category is inherited.
func (a *App) keyContent(key *entity.Entity) (images, texts []*entity.Entity) {
	for i, src := 0, key; src != nil && i <= maxKeyRefDepth; i++ {
		if images == nil {
			if list := entity.Images(src); len(list) > 0 {
				images = list
			}
		}
		if texts == nil {
			if list := entity.Texts(src); len(list) > 0 {
				texts = list
			}
		}
		if images != nil && texts != nil {
			break
		}
		src = a.keyRefTarget(src)
	}
	return images, texts
}

func (a *App) animatedCoords() []entity.Coord {
	out := make([]entity.Coord, 0, len(a.animated))
	for c := range a.animated {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].Col < out[j].Col
	})
	return out
}

// handleInput routes a press or release to the handle of the input
// page's key. Overlays take input; the pages beneath stay inert.
func (a *App) handleInput(in device.KeyInput) {
	c := entity.Coord{Row: in.Row, Col: in.Col}
	if !in.Pressed {
		if h, ok := a.pressed[c]; ok {
			delete(a.pressed, c)
			h.Release(in.When)
		}
		return
	}

	p := a.Tree.Page(a.Pages.InputPage())
	if p == nil || p.Disabled() {
		return
	}
	key := entity.KeyAt(p, c)
	if key == nil || key.Disabled() {
		return
	}
	if h, ok := a.handles[key.Path]; ok {
		a.pressed[c] = h
		h.Press(in.When)
	}
}

// handleRequest applies a fired non-exec action on the loop.
func (a *App) handleRequest(req supervisor.Request) {
	spec := req.Source
	switch spec.Action.Kind {
	case supervisor.ActPage:
		a.changePage(spec.Action.Page)
	case supervisor.ActBrightness:
		level := spec.Action.Brightness
		if spec.Action.BrightnessDelta {
			level += a.brightness
		}
		a.setBrightness(level)
	case supervisor.ActSetVar:
		a.applySetVar(spec)
	}
}

func (a *App) changePage(directive string) {
	target, popBack, err := a.Pages.Resolve(directive)
	if err != nil {
		a.log.Warn("page change failed", "directive", directive, "err", err)
		return
	}
	if popBack {
		a.Pages.Back()
		return
	}
	if p := a.Tree.Page(target); p != nil && isOverlay(p) {
		a.Pages.OpenOverlay(target)
		return
	}
	a.Pages.GoTo(target)
}

func isOverlay(p *entity.Entity) bool {
	v, _ := p.Name.Option("overlay")
	return v == "true"
}

func (a *App) setBrightness(level int) {
	level = min(100, max(0, level))
	a.brightness = level
	if err := a.Dev.SetBrightness(level); err != nil {
		a.log.Warn("device brightness", "err", err)
	}
}

// applySetVar persists assignments through the filesystem only; the
// change flows back in through the watcher like any other edit.
func (a *App) applySetVar(spec *supervisor.Spec) {
	dir := spec.Dir
	switch spec.Action.Scope {
	case "page":
		dir = filepath.Dir(dir)
		if dir == a.Root || !strings.HasPrefix(filepath.Base(dir), "PAGE_") {
			dir = spec.Dir
		}
	case "deck":
		dir = a.Root
	}

	for _, as := range spec.Action.Assignments {
		if err := writeAssignment(dir, as); err != nil {
			a.log.Warn("set-var failed", "var", as.Name, "dir", dir, "err", err)
		}
	}
}

// writeAssignment updates or creates the VAR_ file for one assignment.
// The = form encodes the value into the filename; the <= form writes
// it into the file body.
func writeAssignment(dir string, as supervisor.Assignment) error {
	existing, err := findDefinition(dir, as.Name)
	if err != nil {
		return err
	}

	if as.Content {
		path := existing
		if path == "" {
			path = filepath.Join(dir, "VAR_"+as.Name)
		}
		return os.WriteFile(path, []byte(as.Value), 0o644)
	}

	encoded := fsname.Escape(as.Value, "", "")
	target := filepath.Join(dir, "VAR_"+as.Name+";value="+encoded)
	if existing == "" {
		return os.WriteFile(target, nil, 0o644)
	}
	if existing == target {
		return nil
	}
	return os.Rename(existing, target)
}

// findDefinition locates the current VAR_<name> file in a directory.
func findDefinition(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		parsed, perr := fsname.Parse(e.Name())
		if perr == nil && parsed.Kind == fsname.KindVariable && parsed.Var == name {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", nil
}

// interceptCommandFile consumes the CLI drop file: page and brightness
// directives in yaml form.
func (a *App) interceptCommandFile(path string) bool {
	if filepath.Base(path) != CommandFileName {
		return false
	}
	defer func() { _ = os.Remove(path) }()

	raw, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	var cmd struct {
		Page       string `yaml:"page"`
		Brightness *int   `yaml:"brightness"`
	}
	if err := yaml.Unmarshal(raw, &cmd); err != nil {
		a.log.Warn("bad command file", "err", err)
		return true
	}
	if cmd.Page != "" {
		a.changePage(cmd.Page)
	}
	if cmd.Brightness != nil {
		a.setBrightness(*cmd.Brightness)
	}
	return true
}

// StackFrames re-exports the page stack for inspection tooling.
func (a *App) StackFrames() []pages.Frame { return a.Pages.Stack() }
