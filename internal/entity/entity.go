// Package entity holds the typed configuration model: a deck tree of
// pages, keys, image layers, text lines, events and variables, each
// backed by one filesystem path and carrying a raw and a normalized
// option set.
package entity

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sdfs/sdfs/internal/fsname"
)

// Coord addresses a key on the grid, 1-based.
type Coord struct {
	Row, Col int
}

func (c Coord) String() string { return fmt.Sprintf("%d,%d", c.Row, c.Col) }

// Entity is one configuration file or directory. Kind and identity come
// from the parsed filename; options are normalized lazily by Resolve.
type Entity struct {
	Path    string
	IsDir   bool
	ModTime time.Time
	Name    fsname.Name

	Parent   *Entity
	Children []*Entity

	// Resolution state, owned by the core loop.
	Norm    Options
	Valid   bool
	Reason  string
	Deps    Deps
	Stale   bool
}

// Kind returns the entity kind from its parsed name. The deck root is
// the only entity without a filename kind.
func (e *Entity) Kind() fsname.Kind { return e.Name.Kind }

// IsDeck reports whether this is the deck root.
func (e *Entity) IsDeck() bool { return e.Parent == nil }

// Base returns the current filename.
func (e *Entity) Base() string { return filepath.Base(e.Path) }

// RawOptions flattens the filename options, last occurrence winning.
func (e *Entity) RawOptions() map[string]string { return e.Name.Options() }

// Disabled reports the disabled=true / enabled=false shadow state from
// the raw options. Disabled entities participate in neither rendering
// nor event dispatch nor variable resolution.
func (e *Entity) Disabled() bool {
	opts := e.RawOptions()
	if v, ok := opts["disabled"]; ok {
		return v == "true"
	}
	if v, ok := opts["enabled"]; ok {
		return v == "false"
	}
	return false
}

// Identity is the duplicate-detection key within a parent. Entities
// with equal identities shadow each other; the most recently modified
// wins.
func (e *Entity) Identity() string {
	switch e.Kind() {
	case fsname.KindPage:
		return "page:" + strconv.Itoa(e.Name.Page)
	case fsname.KindKey:
		return "key:" + Coord{e.Name.Row, e.Name.Col}.String()
	case fsname.KindEvent:
		return "event:" + e.Name.Event
	case fsname.KindVariable:
		return "var:" + e.Name.Var
	case fsname.KindImage, fsname.KindText:
		prefix := "image"
		idxOpt := "layer"
		if e.Kind() == fsname.KindText {
			prefix = "text"
			idxOpt = "line"
		}
		if v, ok := e.Name.Option(idxOpt); ok {
			return prefix + ":" + idxOpt + ":" + v
		}
		if v, ok := e.Name.Option("name"); ok {
			return prefix + ":name:" + v
		}
		return prefix + ":default"
	}
	return "ignored:" + e.Base()
}

// DisplayName is the optional name= identity segment.
func (e *Entity) DisplayName() string {
	v, _ := e.Name.Option("name")
	return v
}

// PageEntity walks up to the owning page entity, nil for deck-level entities.
func (e *Entity) PageEntity() *Entity {
	for cur := e; cur != nil; cur = cur.Parent {
		if cur.Kind() == fsname.KindPage {
			return cur
		}
	}
	return nil
}

// KeyEntity walks up to the owning key entity, nil outside a key.
func (e *Entity) KeyEntity() *Entity {
	for cur := e; cur != nil; cur = cur.Parent {
		if cur.Kind() == fsname.KindKey {
			return cur
		}
	}
	return nil
}

// Invalidate marks the entity stale so the next settle pass resolves it
// again.
func (e *Entity) Invalidate() { e.Stale = true }

// Dep is one input consumed during the last resolve: a variable name,
// or a reference target path.
type Dep struct {
	Var string
	Ref string
}

// Deps is the dependency set of an entity's last resolve.
type Deps []Dep

// Vars lists the variable names consumed.
func (d Deps) Vars() []string {
	var out []string
	for _, dep := range d {
		if dep.Var != "" {
			out = append(out, dep.Var)
		}
	}
	return out
}

// Tree owns the live entity tree of one deck, mirroring the directory
// rooted at <root>/<serial>. All mutation flows in through the watcher.
type Tree struct {
	Root   string
	Serial string
	Deck   *Entity

	nodes map[string]*Entity
}

// NewTree builds an empty tree for a deck directory. The directory
// base is the device serial number.
func NewTree(root string) *Tree {
	deck := &Entity{Path: root, IsDir: true, Valid: true}
	t := &Tree{
		Root:   root,
		Serial: filepath.Base(root),
		Deck:   deck,
		nodes:  map[string]*Entity{root: deck},
	}
	return t
}

// Lookup returns the entity for a path, if tracked.
func (t *Tree) Lookup(path string) (*Entity, bool) {
	e, ok := t.nodes[path]
	return e, ok
}

// Add observes a new path. Ignored names return (nil, nil); ill-formed
// names or names placed at an impossible depth return an error and no
// entity is created.
func (t *Tree) Add(path string, isDir bool, mod time.Time) (*Entity, error) {
	parentPath := filepath.Dir(path)
	parent, ok := t.nodes[parentPath]
	if !ok {
		return nil, fmt.Errorf("no parent tracked for %s", path)
	}

	name, err := fsname.Parse(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if name.Kind == fsname.KindIgnored {
		return nil, nil
	}
	if err := checkPlacement(parent, name, isDir); err != nil {
		return nil, err
	}
	if err := checkOptionForms(name); err != nil {
		return nil, err
	}

	e := &Entity{
		Path:    path,
		IsDir:   isDir,
		ModTime: mod,
		Name:    name,
		Parent:  parent,
		Stale:   true,
	}
	parent.Children = append(parent.Children, e)
	t.nodes[path] = e
	return e, nil
}

// Remove destroys the entity at path and its subtree. It returns every
// destroyed entity, leaves first.
func (t *Tree) Remove(path string) []*Entity {
	e, ok := t.nodes[path]
	if !ok || e.IsDeck() {
		return nil
	}
	var gone []*Entity
	var drop func(n *Entity)
	drop = func(n *Entity) {
		for _, c := range n.Children {
			drop(c)
		}
		delete(t.nodes, n.Path)
		gone = append(gone, n)
	}
	drop(e)

	siblings := e.Parent.Children
	for i, c := range siblings {
		if c == e {
			e.Parent.Children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	return gone
}

// Rename applies a path change. When the new name keeps the same kind
// and identity this is an identity-preserving option change: the
// entity survives, its subtree is re-pathed, and it is marked stale.
// Otherwise the old entity is destroyed and a new one created.
func (t *Tree) Rename(oldPath, newPath string, mod time.Time) (kept *Entity, gone []*Entity, added *Entity, err error) {
	e, ok := t.nodes[oldPath]
	if !ok {
		added, err = t.Add(newPath, false, mod)
		return nil, nil, added, err
	}

	name, perr := fsname.Parse(filepath.Base(newPath))
	sameParent := filepath.Dir(oldPath) == filepath.Dir(newPath)
	if perr == nil && sameParent && name.Kind == e.Name.Kind && identityOf(name) == e.Identity() {
		if err := checkOptionForms(name); err != nil {
			gone = t.Remove(oldPath)
			return nil, gone, nil, err
		}
		t.repath(e, newPath)
		e.Name = name
		e.ModTime = mod
		e.Stale = true
		return e, nil, nil, nil
	}

	gone = t.Remove(oldPath)
	added, err = t.Add(newPath, e.IsDir, mod)
	return nil, gone, added, err
}

// Touch records a content modification (file write).
func (t *Tree) Touch(path string, mod time.Time) *Entity {
	e, ok := t.nodes[path]
	if !ok {
		return nil
	}
	e.ModTime = mod
	e.Stale = true
	return e
}

func (t *Tree) repath(e *Entity, newPath string) {
	old := e.Path
	delete(t.nodes, old)
	e.Path = newPath
	t.nodes[newPath] = e
	for _, c := range e.Children {
		t.repath(c, newPath+strings.TrimPrefix(c.Path, old))
	}
}

func identityOf(n fsname.Name) string {
	tmp := Entity{Name: n}
	return tmp.Identity()
}

// checkPlacement enforces which kinds may live at which depth: pages,
// variables and start/end events under the deck; keys, variables and
// start/end events under pages; images, texts, all events and
// variables under keys.
func checkPlacement(parent *Entity, n fsname.Name, isDir bool) error {
	switch {
	case parent.IsDeck():
		switch n.Kind {
		case fsname.KindPage:
			if !isDir {
				return fmt.Errorf("page %d must be a directory", n.Page)
			}
			return nil
		case fsname.KindVariable:
			return nil
		case fsname.KindEvent:
			if n.Event == "start" || n.Event == "end" {
				return nil
			}
			return fmt.Errorf("deck events allow only start and end, got %s", n.Event)
		}
		return fmt.Errorf("%s not allowed at deck level", n.Kind)

	case parent.Kind() == fsname.KindPage:
		switch n.Kind {
		case fsname.KindKey:
			if !isDir {
				return fmt.Errorf("key %d,%d must be a directory", n.Row, n.Col)
			}
			return nil
		case fsname.KindVariable:
			return nil
		case fsname.KindEvent:
			if n.Event == "start" || n.Event == "end" {
				return nil
			}
			return fmt.Errorf("page events allow only start and end, got %s", n.Event)
		}
		return fmt.Errorf("%s not allowed inside a page", n.Kind)

	case parent.Kind() == fsname.KindKey:
		switch n.Kind {
		case fsname.KindImage, fsname.KindText, fsname.KindEvent, fsname.KindVariable:
			return nil
		}
		return fmt.Errorf("%s not allowed inside a key", n.Kind)
	}
	return fmt.Errorf("%s cannot own children", parent.Kind())
}

// checkOptionForms rejects option combinations that are ill-formed at
// parse time: carrying both the disabled= and enabled= spellings.
func checkOptionForms(n fsname.Name) error {
	_, hasDisabled := n.Option("disabled")
	_, hasEnabled := n.Option("enabled")
	if hasDisabled && hasEnabled {
		return fmt.Errorf("disabled= and enabled= are exclusive")
	}
	return nil
}

// winners selects, among children of one kind, the effective entity per
// identity slot: latest modification time wins, ties broken by base
// name so the result is deterministic.
func winners(parent *Entity, kind fsname.Kind) []*Entity {
	byID := map[string]*Entity{}
	for _, c := range parent.Children {
		if c.Kind() != kind {
			continue
		}
		id := c.Identity()
		cur, ok := byID[id]
		if !ok || c.ModTime.After(cur.ModTime) ||
			(c.ModTime.Equal(cur.ModTime) && c.Base() > cur.Base()) {
			byID[id] = c
		}
	}
	out := make([]*Entity, 0, len(byID))
	for _, e := range byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base() < out[j].Base() })
	return out
}

// Pages lists the effective pages in ascending number order, shadowed
// duplicates excluded but disabled pages included (navigability is the
// controller's concern).
func (t *Tree) Pages() []*Entity {
	pages := winners(t.Deck, fsname.KindPage)
	sort.Slice(pages, func(i, j int) bool { return pages[i].Name.Page < pages[j].Name.Page })
	return pages
}

// Page returns the effective page with the given number.
func (t *Tree) Page(number int) *Entity {
	for _, p := range t.Pages() {
		if p.Name.Page == number {
			return p
		}
	}
	return nil
}

// PageByName finds an enabled page by its name= option.
func (t *Tree) PageByName(name string) *Entity {
	for _, p := range t.Pages() {
		if p.DisplayName() == name && !p.Disabled() {
			return p
		}
	}
	return nil
}

// Keys lists the effective keys of a page, row-major.
func Keys(page *Entity) []*Entity {
	keys := winners(page, fsname.KindKey)
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i].Name, keys[j].Name
		if a.Row != b.Row {
			return a.Row < b.Row
		}
		return a.Col < b.Col
	})
	return keys
}

// KeyAt returns the effective key at a coordinate, nil when absent.
func KeyAt(page *Entity, c Coord) *Entity {
	for _, k := range Keys(page) {
		if k.Name.Row == c.Row && k.Name.Col == c.Col {
			return k
		}
	}
	return nil
}

// KeyByName finds an enabled key of the page by its name= option.
func KeyByName(page *Entity, name string) *Entity {
	for _, k := range Keys(page) {
		if k.DisplayName() == name && !k.Disabled() {
			return k
		}
	}
	return nil
}

// Images lists the effective, enabled image layers of a key in
// ascending layer order. When at least one layered image exists, the
// unlayered variants are ignored.
func Images(key *Entity) []*Entity {
	all := winners(key, fsname.KindImage)
	return orderIndexed(all, "layer")
}

// Texts lists the effective, enabled text lines of a key in ascending
// line order, with the same layered/unlayered rule as Images.
func Texts(key *Entity) []*Entity {
	all := winners(key, fsname.KindText)
	return orderIndexed(all, "line")
}

func orderIndexed(all []*Entity, idxOpt string) []*Entity {
	var indexed, plain []*Entity
	for _, e := range all {
		if e.Disabled() {
			continue
		}
		if _, ok := e.Name.Option(idxOpt); ok {
			indexed = append(indexed, e)
		} else {
			plain = append(plain, e)
		}
	}
	if len(indexed) == 0 {
		return plain
	}
	sort.SliceStable(indexed, func(i, j int) bool {
		a, _ := indexed[i].Name.Option(idxOpt)
		b, _ := indexed[j].Name.Option(idxOpt)
		ai, _ := strconv.Atoi(a)
		bi, _ := strconv.Atoi(b)
		if ai != bi {
			return ai < bi
		}
		// Same index: older first so the most recent draws on top.
		return indexed[i].ModTime.Before(indexed[j].ModTime)
	})
	return indexed
}

// Events returns the effective, enabled events of a parent keyed by
// kind.
func Events(parent *Entity) map[string]*Entity {
	out := map[string]*Entity{}
	for _, e := range winners(parent, fsname.KindEvent) {
		if !e.Disabled() {
			out[e.Name.Event] = e
		}
	}
	return out
}

// Variables returns the effective, enabled variable definitions of a
// parent, keyed by name.
func Variables(parent *Entity) map[string]*Entity {
	out := map[string]*Entity{}
	for _, e := range winners(parent, fsname.KindVariable) {
		if !e.Disabled() {
			out[e.Name.Var] = e
		}
	}
	return out
}
