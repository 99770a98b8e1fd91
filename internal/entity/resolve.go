package entity

import (
	"fmt"
	"strings"

	"github.com/sdfs/sdfs/internal/expr"
	"github.com/sdfs/sdfs/internal/fsname"
)

// VarEnv looks up a variable visible from an entity's scope (the
// key → page → deck → environment cascade).
type VarEnv interface {
	Lookup(scope *Entity, name string) (string, bool)
}

// RefResolver resolves a ref=PAGE:KEY[:SUB] directive from an entity to
// its target. A nil target with a nil error means "no such target yet";
// the entity stays invalid and is retried on the next graph mutation.
type RefResolver interface {
	Target(from *Entity, ref string) (*Entity, error)
}

// maxRefDepth bounds ref chains so accidental cycles invalidate the
// entity instead of hanging the resolve pass.
const maxRefDepth = 8

// escapedOptions are the option keys whose values carry the slash and
// semicolon escape sequences, applied exactly once after variable
// substitution.
var escapedOptions = map[string]bool{
	"file":    true,
	"command": true,
	"text":    true,
	"value":   true,
}

// conditionalKeys are the variable-definition chain options that must
// stay raw: the store evaluates them lazily and in order.
var conditionalKeys = map[string]bool{
	"if": true, "elif": true, "then": true, "else": true,
}

// Resolve recomputes the normalized option map of an entity: the ref
// inheritance chain is merged, indexed sub-options folded in, every
// value interpolated, and escape sequences applied. The dependency set
// read along the way replaces e.Deps. On failure the entity becomes
// invalid with a reason and keeps no normalized options.
func Resolve(e *Entity, env VarEnv, refs RefResolver) {
	e.Stale = false
	e.Deps = nil
	e.Norm = nil
	e.Valid = false

	deps := &depRecorder{entity: e, env: env}

	merged, err := mergedOptions(e, deps, refs, 0)
	if err != nil {
		e.Deps = deps.deps
		e.Reason = err.Error()
		return
	}

	if err := mergeIndexed(merged); err != nil {
		e.Deps = deps.deps
		e.Reason = err.Error()
		return
	}

	isVar := e.Kind() == fsname.KindVariable
	for key, val := range merged {
		if isVar && conditionalKeys[key] {
			continue
		}
		out, err := expr.Interpolate(val, deps)
		if err != nil {
			e.Deps = deps.deps
			e.Reason = fmt.Sprintf("option %s: %v", key, err)
			return
		}
		merged[key] = out
	}

	slash := merged["slash"]
	semicolon := merged["semicolon"]
	for key, val := range merged {
		if escapedOptions[key] {
			merged[key] = fsname.Unescape(val, slash, semicolon)
		}
	}

	e.Deps = deps.deps
	e.Norm = merged
	e.Valid = true
	e.Reason = ""
}

type depRecorder struct {
	entity *Entity
	env    VarEnv
	deps   Deps
}

// Lookup implements expr.Env against the entity's scope, recording
// every variable consulted, found or not.
func (d *depRecorder) Lookup(name string) (string, bool) {
	d.deps = append(d.deps, Dep{Var: name})
	return d.env.Lookup(d.entity, name)
}

func (d *depRecorder) ref(path string) {
	d.deps = append(d.deps, Dep{Ref: path})
}

// mergedOptions walks the ref chain, deepest ancestor first, overlaying
// each level's raw options. Conditional chains are never inherited: a
// variable's if/then options apply only to the file that spells them.
func mergedOptions(e *Entity, deps *depRecorder, refs RefResolver, depth int) (map[string]string, error) {
	if depth >= maxRefDepth {
		return nil, fmt.Errorf("ref chain deeper than %d, assuming a cycle", maxRefDepth)
	}

	raw := e.RawOptions()
	ref, hasRef := raw["ref"]
	if !hasRef || refs == nil {
		return raw, nil
	}

	refText, err := expr.Interpolate(ref, deps)
	if err != nil {
		return nil, fmt.Errorf("option ref: %w", err)
	}

	target, err := refs.Target(e, refText)
	if err != nil {
		return nil, fmt.Errorf("option ref: %w", err)
	}
	if target == nil {
		return nil, fmt.Errorf("option ref: target %q not found", refText)
	}
	deps.ref(target.Path)

	base, err := mergedOptions(target, deps, refs, depth+1)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(base)+len(raw))
	for k, v := range base {
		if conditionalKeys[k] || k == "name" || k == "ref" {
			continue
		}
		merged[k] = v
	}
	for k, v := range raw {
		merged[k] = v
	}
	return merged, nil
}

// Ref is a parsed PAGE:KEY[:SUB] reference. Empty segments mean
// "same page" / "same key".
type Ref struct {
	Page string
	Key  string
	Sub  string
}

// ParseRef parses the textual form of a reference.
func ParseRef(s string) (Ref, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return Ref{Key: parts[0]}, nil
	case 2:
		return Ref{Page: parts[0], Key: parts[1]}, nil
	case 3:
		return Ref{Page: parts[0], Key: parts[1], Sub: parts[2]}, nil
	}
	return Ref{}, fmt.Errorf("reference %q has too many segments", s)
}
