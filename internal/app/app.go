// Package app is the single-threaded core loop: watcher batches mutate
// the entity tree, the graph settles to quiescence, handles and key
// bitmaps are synchronized with the page stack, and supervisor
// requests feed back in. Compositing fans out to workers; everything
// else runs on the loop goroutine.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sdfs/sdfs/internal/compositor"
	"github.com/sdfs/sdfs/internal/config"
	"github.com/sdfs/sdfs/internal/device"
	"github.com/sdfs/sdfs/internal/entity"
	"github.com/sdfs/sdfs/internal/expr"
	"github.com/sdfs/sdfs/internal/fsname"
	"github.com/sdfs/sdfs/internal/graph"
	"github.com/sdfs/sdfs/internal/pages"
	"github.com/sdfs/sdfs/internal/supervisor"
	"github.com/sdfs/sdfs/internal/vars"
	"github.com/sdfs/sdfs/internal/watcher"
)

// frameInterval paces scroll animations.
const frameInterval = 40 * time.Millisecond

// App owns the runtime of one deck.
type App struct {
	Root string

	Tree  *entity.Tree
	Store *vars.Store
	Graph *graph.Graph
	Pages *pages.Controller
	Comp  *compositor.Compositor
	Sup   *supervisor.Supervisor
	Dev   device.Device

	cfg config.Config
	log *slog.Logger

	requests chan supervisor.Request

	handles   map[string]*supervisor.Handle
	handleSig map[string]string
	pressed   map[entity.Coord]*supervisor.Handle

	lastPix  map[entity.Coord][]byte
	animated map[entity.Coord]bool

	epoch      time.Time
	clock      func() time.Time
	brightness int
	pending    bool

	// last logged invalidity reason per entity, so error-state
	// transitions log once.
	lastReason map[string]string
	lastState  string
}

// New wires an app for a deck root and device.
func New(root string, dev device.Device, cfg config.Config, log *slog.Logger) *App {
	if log == nil {
		log = slog.Default()
	}
	tree := entity.NewTree(root)
	a := &App{
		Root:       root,
		Tree:       tree,
		Store:      vars.New(tree, nil),
		Graph:      graph.New(),
		Pages:      pages.New(tree),
		Comp:       compositor.New(nil, log),
		Dev:        dev,
		cfg:        cfg,
		log:        log,
		requests:   make(chan supervisor.Request, 64),
		handles:    map[string]*supervisor.Handle{},
		handleSig:  map[string]string{},
		pressed:    map[entity.Coord]*supervisor.Handle{},
		lastPix:    map[entity.Coord][]byte{},
		animated:   map[entity.Coord]bool{},
		epoch:      time.Now(),
		clock:      time.Now,
		brightness: cfg.Brightness,
		lastReason: map[string]string{},
	}
	a.Sup = supervisor.New(supervisor.Config{
		Log:      log,
		Dispatch: func(r supervisor.Request) { a.requests <- r },
	})
	a.publishSystemVars()
	return a
}

// Run drives the loop until the context ends.
func (a *App) Run(ctx context.Context) error {
	w, err := watcher.New(a.Root,
		watcher.WithCoalesce(a.cfg.Coalesce()),
		watcher.WithLogger(a.log),
	)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- w.Run(wctx) }()

	if err := a.Dev.SetBrightness(a.brightness); err != nil {
		a.log.Warn("device brightness", "err", err)
	}

	frames := time.NewTicker(frameInterval)
	defer frames.Stop()
	defer a.shutdown()

	events := w.Events()
	inputs := a.Dev.Keys()
	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-watchDone:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watcher stopped: %w", err)

		case batch, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			a.applyBatch(batch)
			a.tick()

		case in, ok := <-inputs:
			if !ok {
				inputs = nil
				continue
			}
			a.handleInput(in)

		case req := <-a.requests:
			a.handleRequest(req)
			a.tick()

		case <-frames.C:
			if len(a.animated) > 0 {
				a.renderKeys(a.animatedCoords())
			}
		}
	}
}

func (a *App) shutdown() {
	for _, h := range a.handles {
		h.Deactivate()
	}
	a.Sup.Stop()
}

// tick settles the graph and synchronizes display and handles; it runs
// at every quiescent point.
func (a *App) tick() {
	a.settle()
	a.ensureCurrentPage()
	a.publishSystemVars()
	a.syncHandles()
	a.renderAll()
	a.writeState()
}

// applyBatch folds one ordered watcher batch into the tree.
func (a *App) applyBatch(batch []watcher.Event) {
	for _, ev := range batch {
		switch ev.Op {
		case watcher.RootLost:
			a.log.Warn("deck root missing, subtree pending", "root", a.Root)
			a.pending = true
			a.dropAllEntities()

		case watcher.RootFound:
			a.log.Info("deck root back, rebinding", "root", a.Root)
			a.pending = false

		case watcher.Created:
			if a.interceptCommandFile(ev.Path) {
				continue
			}
			a.addPath(ev.Path, ev.IsDir, ev.ModTime)

		case watcher.Modified:
			if a.interceptCommandFile(ev.Path) {
				continue
			}
			a.Graph.MarkProducer(ev.Path)
			if e := a.Tree.Touch(ev.Path, ev.ModTime); e != nil {
				a.markChanged(e)
			}

		case watcher.Renamed:
			if _, tracked := a.Tree.Lookup(ev.OldPath); !tracked {
				// A previously rejected name fixed by renaming.
				a.addPath(ev.Path, ev.IsDir, ev.ModTime)
				continue
			}
			kept, gone, added, err := a.Tree.Rename(ev.OldPath, ev.Path, ev.ModTime)
			for _, g := range gone {
				a.forget(g)
			}
			if err != nil {
				a.logInvalidPath(ev.Path, err)
				continue
			}
			if kept != nil {
				a.markChanged(kept)
			}
			if added != nil {
				a.markChanged(added)
			}

		case watcher.Deleted:
			for _, g := range a.Tree.Remove(ev.Path) {
				a.forget(g)
			}
			a.Graph.MarkProducer(ev.Path)
		}
	}
}

func (a *App) addPath(path string, isDir bool, mod time.Time) {
	e, err := a.Tree.Add(path, isDir, mod)
	if err != nil {
		a.logInvalidPath(path, err)
		return
	}
	if e != nil {
		a.markChanged(e)
	}
}

// markChanged schedules an entity and notifies everything consuming
// it.
func (a *App) markChanged(e *entity.Entity) {
	a.Graph.MarkDirty(e.Path)
	a.Graph.MarkProducer(e.Path)
	for _, key := range producedKeys(e) {
		a.Graph.MarkProducer(key)
	}
}

// forget removes a destroyed entity from the graph and its handle
// lifecycle.
func (a *App) forget(e *entity.Entity) {
	a.Graph.Drop(e.Path)
	a.Graph.MarkProducer(e.Path)
	for _, key := range producedKeys(e) {
		a.Graph.MarkProducer(key)
	}
	if h, ok := a.handles[e.Path]; ok {
		h.Deactivate()
		delete(a.handles, e.Path)
		delete(a.handleSig, e.Path)
	}
	delete(a.lastReason, e.Path)
}

func (a *App) dropAllEntities() {
	for _, p := range a.Tree.Pages() {
		for _, g := range a.Tree.Remove(p.Path) {
			a.forget(g)
		}
	}
	for _, c := range append([]*entity.Entity{}, a.Tree.Deck.Children...) {
		for _, g := range a.Tree.Remove(c.Path) {
			a.forget(g)
		}
	}
}

// producedKeys lists the producer keys an entity feeds: its own path
// for ref consumers, and its variable name for variable definitions.
func producedKeys(e *entity.Entity) []string {
	out := []string{e.Path}
	if e.Kind() == fsname.KindVariable {
		out = append(out, "var:"+e.Name.Var)
	}
	return out
}

// settle resolves dirty entities to quiescence, deterministically.
func (a *App) settle() {
	res := a.Graph.Settle(a.resolveNode)
	for _, id := range res.Cycled {
		if e, ok := a.Tree.Lookup(id); ok {
			e.Valid = false
			e.Reason = "dependency cycle"
			a.logTransition(e)
		}
	}
}

func (a *App) resolveNode(id string) graph.Outcome {
	e, ok := a.Tree.Lookup(id)
	if !ok {
		return graph.Outcome{}
	}

	entity.Resolve(e, a.Store, a)

	var deps []string
	for _, d := range e.Deps {
		switch {
		case d.Var != "":
			deps = append(deps, varProducerKey(d.Var))
		case d.Ref != "":
			deps = append(deps, d.Ref)
		}
	}
	if e.Kind() == fsname.KindVariable {
		deps = append(deps, a.definitionDeps(e)...)
	}

	a.logTransition(e)
	return graph.Outcome{Deps: deps, Produced: producedKeys(e)}
}

// definitionDeps covers what entity.Resolve deliberately skips on
// variables: the conditional chain and the file indirection.
func (a *App) definitionDeps(def *entity.Entity) []string {
	var out []string
	for _, opt := range def.Name.Opts {
		switch opt.Key {
		case "if", "elif", "then", "else", "value":
			for _, name := range expr.VarRefs(opt.Value) {
				out = append(out, varProducerKey(name))
			}
		case "file":
			if !strings.Contains(opt.Value, "$") {
				opts := def.RawOptions()
				out = append(out, fsname.Unescape(opt.Value, opts["slash"], opts["semicolon"]))
			}
		}
	}
	return out
}

// varProducerKey maps a reference token to its producer key: VAR_X
// definitions produce "var:X"; SDFS_ names have no producer.
func varProducerKey(name string) string {
	if rest, ok := strings.CutPrefix(name, "VAR_"); ok {
		return "var:" + rest
	}
	return "env:" + name
}

// logTransition logs validity changes once per transition.
func (a *App) logTransition(e *entity.Entity) {
	prev := a.lastReason[e.Path]
	if e.Valid {
		if prev != "" {
			a.log.Info("entity recovered", "path", e.Path)
			delete(a.lastReason, e.Path)
		}
		return
	}
	if e.Reason != prev {
		a.log.Warn("entity invalid", "path", e.Path, "reason", e.Reason)
		a.lastReason[e.Path] = e.Reason
	}
}

func (a *App) logInvalidPath(path string, err error) {
	if a.lastReason[path] != err.Error() {
		a.log.Warn("ignoring path", "path", path, "reason", err)
		a.lastReason[path] = err.Error()
	}
}

// ensureCurrentPage keeps a page on display: the first navigable page
// when nothing is shown, or a fallback when the current page vanished.
func (a *App) ensureCurrentPage() {
	if a.pending {
		return
	}
	cur := a.Pages.Current()
	if cur != 0 {
		if p := a.Tree.Page(cur); p != nil && !p.Disabled() {
			return
		}
	}
	if n, _, err := a.Pages.Resolve("__first__"); err == nil {
		a.Pages.GoTo(n)
	}
}

// publishSystemVars refreshes the SDFS_ context.
func (a *App) publishSystemVars() {
	geo := a.Dev.Geometry()
	a.Store.SetSystem("DEVICE_SERIAL", a.Dev.Serial())
	a.Store.SetSystem("DEVICE_ROWS", strconv.Itoa(geo.Rows))
	a.Store.SetSystem("DEVICE_COLS", strconv.Itoa(geo.Cols))
	a.Store.SetSystem("KEY_SIZE", strconv.Itoa(geo.KeySize))
	a.Store.SetSystem("BRIGHTNESS", strconv.Itoa(a.brightness))

	cur := a.Pages.Current()
	a.Store.SetSystem("CURRENT_PAGE", strconv.Itoa(cur))
	name := ""
	if p := a.Tree.Page(cur); p != nil {
		name = p.DisplayName()
	}
	a.Store.SetSystem("CURRENT_PAGE_NAME", name)
}

// clockNow reads the loop clock; tests pin it for deterministic
// scroll frames.
func (a *App) clockNow() time.Time { return a.clock() }

// Target implements entity.RefResolver: PAGE:KEY[:SUB] with omitted
// segments defaulting to the referring entity's own page and key.
func (a *App) Target(from *entity.Entity, refText string) (*entity.Entity, error) {
	r, err := entity.ParseRef(refText)
	if err != nil {
		return nil, err
	}

	// A lone segment names a key for keys, a sibling for children.
	if from.Kind() != fsname.KindKey && r.Page == "" && r.Sub == "" {
		r.Sub = r.Key
		r.Key = ""
	}

	page := from.PageEntity()
	if r.Page != "" {
		page = a.findPage(r.Page)
		if page == nil {
			return nil, fmt.Errorf("page %q not found", r.Page)
		}
	}
	if page == nil {
		return nil, fmt.Errorf("reference %q needs a page", refText)
	}

	key := from.KeyEntity()
	if r.Key != "" {
		key = a.findKey(page, r.Key)
		if key == nil {
			return nil, fmt.Errorf("key %q not found on page %d", r.Key, page.Name.Page)
		}
	} else if r.Page != "" {
		return nil, fmt.Errorf("reference %q names a page but no key", refText)
	}
	if key == nil {
		return nil, fmt.Errorf("reference %q needs a key", refText)
	}

	if from.Kind() == fsname.KindKey {
		if r.Sub != "" {
			return nil, fmt.Errorf("key reference %q cannot have a sub segment", refText)
		}
		return key, nil
	}
	if r.Sub == "" {
		return nil, fmt.Errorf("reference %q needs a target %s", refText, from.Kind())
	}
	target := findSub(key, from.Kind(), r.Sub)
	if target == nil {
		return nil, fmt.Errorf("no %s %q in key %s", from.Kind(), r.Sub, key.Base())
	}
	return target, nil
}

func (a *App) findPage(ident string) *entity.Entity {
	if n, err := strconv.Atoi(ident); err == nil {
		return a.Tree.Page(n)
	}
	return a.Tree.PageByName(ident)
}

func (a *App) findKey(page *entity.Entity, ident string) *entity.Entity {
	if rs, cs, ok := strings.Cut(ident, ","); ok {
		r, err1 := strconv.Atoi(rs)
		c, err2 := strconv.Atoi(cs)
		if err1 == nil && err2 == nil {
			return entity.KeyAt(page, entity.Coord{Row: r, Col: c})
		}
	}
	return entity.KeyByName(page, ident)
}

// findSub locates a child of a key by name, index (layer/line), event
// kind, or variable name, matching the referring entity's kind.
func findSub(key *entity.Entity, kind fsname.Kind, ident string) *entity.Entity {
	switch kind {
	case fsname.KindImage, fsname.KindText:
		idxOpt := "layer"
		list := entity.Images(key)
		if kind == fsname.KindText {
			idxOpt = "line"
			list = entity.Texts(key)
		}
		for _, e := range list {
			if e.DisplayName() == ident {
				return e
			}
			if v, ok := e.Name.Option(idxOpt); ok && v == ident {
				return e
			}
		}
	case fsname.KindEvent:
		return entity.Events(key)[ident]
	case fsname.KindVariable:
		return entity.Variables(key)[ident]
	}
	return nil
}

// BrightnessValue reports the current backlight level.
func (a *App) BrightnessValue() int { return a.brightness }

// statePath is the read-only drop file external verbs inspect.
func (a *App) statePath() string { return filepath.Join(a.Root, StateFileName) }

// writeState maintains the drop file; failures only log. Unchanged
// content is not rewritten: the write itself is a watcher event, and
// an unconditional write every tick would feed the loop forever.
func (a *App) writeState() {
	body := fmt.Sprintf("page: %d\nbrightness: %d\n", a.Pages.Current(), a.brightness)
	if body == a.lastState {
		return
	}
	a.lastState = body
	if err := os.WriteFile(a.statePath(), []byte(body), 0o644); err != nil {
		a.log.Warn("state file", "err", err)
	}
}
