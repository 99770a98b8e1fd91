// Package vars implements the hierarchical variable store: definitions
// live on deck, page or key scope, lookups walk key → page → deck and
// fall through to the process environment under the SDFS_ prefix.
package vars

import (
	"os"
	"strings"

	"github.com/sdfs/sdfs/internal/entity"
	"github.com/sdfs/sdfs/internal/expr"
	"github.com/sdfs/sdfs/internal/fsname"
)

// maxEvalDepth bounds variable-to-variable evaluation so definition
// cycles read as "not found" instead of recursing forever.
const maxEvalDepth = 16

// FileReader reads the content behind a variable definition: the file
// itself, or the file pointed at by file=. Split out so tests can run
// against an in-memory map.
type FileReader func(path string) (string, error)

// Store evaluates variable lookups against the live entity tree.
type Store struct {
	tree *entity.Tree
	read FileReader

	// System context published under SDFS_ names: device info, current
	// page and key identity. Owned by the core loop.
	system map[string]string
}

// New builds a store over a tree. A nil reader uses the filesystem.
func New(tree *entity.Tree, read FileReader) *Store {
	if read == nil {
		read = func(path string) (string, error) {
			b, err := os.ReadFile(path)
			return string(b), err
		}
	}
	return &Store{tree: tree, read: read, system: map[string]string{}}
}

// SetSystem publishes a system-provided SDFS_ value (without the
// prefix, so SetSystem("CURRENT_PAGE", "2") serves $SDFS_CURRENT_PAGE).
func (s *Store) SetSystem(name, value string) {
	s.system[name] = value
}

// Lookup implements entity.VarEnv: the name is the full reference
// token. VAR_<NAME> walks the cascade from the entity's scope, SDFS_
// names read the system context and then the process environment.
func (s *Store) Lookup(scope *entity.Entity, name string) (string, bool) {
	return s.lookup(scope, name, 0)
}

func (s *Store) lookup(scope *entity.Entity, name string, depth int) (string, bool) {
	if depth >= maxEvalDepth {
		return "", false
	}

	if rest, ok := strings.CutPrefix(name, "SDFS_"); ok {
		if v, ok := s.system[rest]; ok {
			return v, true
		}
		return os.LookupEnv(rest)
	}

	varName, ok := strings.CutPrefix(name, "VAR_")
	if !ok {
		return "", false
	}

	for cur := scopeOf(scope); cur != nil; cur = cur.Parent {
		def, ok := entity.Variables(cur)[varName]
		if !ok {
			continue
		}
		val, defined, err := s.evalDefinition(def, depth)
		if err != nil || !defined {
			// An undefined conditional does not fall through to outer
			// scopes: the nearest definition site owns the name.
			return "", false
		}
		return val, true
	}
	return "", false
}

// scopeOf normalizes an arbitrary entity to its owning scope entity
// (key, page or deck).
func scopeOf(e *entity.Entity) *entity.Entity {
	for cur := e; cur != nil; cur = cur.Parent {
		switch {
		case cur.IsDeck(),
			cur.Kind() == fsname.KindPage,
			cur.Kind() == fsname.KindKey:
			return cur
		}
	}
	return nil
}

// InScope collects every variable visible from a scope, nearest
// definition winning, for the SDFS_VAR_* process environment bundle.
func (s *Store) InScope(scope *entity.Entity) map[string]string {
	out := map[string]string{}
	for cur := scopeOf(scope); cur != nil; cur = cur.Parent {
		for name, def := range entity.Variables(cur) {
			if _, seen := out[name]; seen {
				continue
			}
			if val, defined, err := s.evalDefinition(def, 0); err == nil && defined {
				out[name] = val
			}
		}
	}
	return out
}

// Value evaluates one definition entity directly, for diagnostics and
// tests.
func (s *Store) Value(def *entity.Entity) (string, bool, error) {
	return s.evalDefinition(def, 0)
}

// evalDefinition produces the value of a single VAR_ file: the
// conditional chain when present, else value=, else file=, else the
// file's own contents. defined=false means a conditional chain matched
// nothing and carried no else.
func (s *Store) evalDefinition(def *entity.Entity, depth int) (value string, defined bool, err error) {
	env := expr.EnvFunc(func(name string) (string, bool) {
		return s.lookup(def, name, depth+1)
	})

	opts := def.RawOptions()
	slash := opts["slash"]
	semicolon := opts["semicolon"]

	if hasConditional(def) {
		return s.evalConditional(def, env, slash, semicolon)
	}

	if raw, ok := opts["value"]; ok {
		out, err := expr.Interpolate(raw, env)
		if err != nil {
			return "", false, err
		}
		return fsname.Unescape(out, slash, semicolon), true, nil
	}

	if file, ok := opts["file"]; ok {
		out, err := expr.Interpolate(file, env)
		if err != nil {
			return "", false, err
		}
		content, err := s.read(fsname.Unescape(out, slash, semicolon))
		if err != nil {
			return "", false, err
		}
		return content, true, nil
	}

	content, err := s.read(def.Path)
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

func hasConditional(def *entity.Entity) bool {
	_, ok := def.Name.Option("if")
	return ok
}

// evalConditional walks the ordered if/then, elif/then, else chain.
// Conditions are evaluated in order; the first true one selects its
// then value; with no match the else value applies, and without an
// else the variable is undefined.
func (s *Store) evalConditional(def *entity.Entity, env expr.Env, slash, semicolon string) (string, bool, error) {
	finish := func(raw string) (string, bool, error) {
		out, err := expr.Interpolate(raw, env)
		if err != nil {
			return "", false, err
		}
		return fsname.Unescape(out, slash, semicolon), true, nil
	}

	matched := false
	for _, opt := range def.Name.Opts {
		switch opt.Key {
		case "if", "elif":
			out, err := expr.Interpolate(opt.Value, env)
			if err != nil {
				return "", false, err
			}
			matched = truthy(out)
		case "then":
			if matched {
				return finish(opt.Value)
			}
		case "else":
			return finish(opt.Value)
		}
	}
	return "", false, nil
}

func truthy(s string) bool {
	switch strings.TrimSpace(s) {
	case "", "0", "false":
		return false
	}
	return true
}
