package supervisor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sdfs/sdfs/internal/entity"
	"github.com/sdfs/sdfs/internal/fsname"
)

// ActionKind discriminates what an event does when it fires.
type ActionKind int

const (
	ActExec ActionKind = iota
	ActSetVar
	ActPage
	ActBrightness
)

// CommandInside marks "run the file contents as the command".
const CommandInside = "__inside__"

// Assignment is one SetVar write. Content selects the <= variant: the
// value goes into the file body instead of the filename.
type Assignment struct {
	Name    string
	Value   string
	Content bool
}

// Action is the parsed, discriminated payload of an event.
type Action struct {
	Kind ActionKind

	// ActExec
	Command string // literal command, CommandInside, or empty for the file itself
	Inside  bool

	// ActSetVar
	Assignments []Assignment
	Scope       string // key, page or deck; empty = key

	// ActPage
	Page string // number, name or __…__ token

	// ActBrightness
	Brightness      int
	BrightnessDelta bool
}

// Timing collects the options common to every event kind.
type Timing struct {
	Wait        time.Duration
	Every       time.Duration
	MaxRuns     int
	DurationMin time.Duration
	DurationMax time.Duration
	Detach      bool
	Unique      bool
	Quiet       bool
}

// defaultLongpressMin applies when a longpress event has no
// duration-min of its own.
const defaultLongpressMin = 300 * time.Millisecond

// Spec is one fully parsed event definition, ready for the runtime.
type Spec struct {
	ID         string // entity path, stable across option renames
	Kind       string // press, longpress, release, start, end
	Action     Action
	Timing     Timing
	Dir        string // working directory for spawned processes
	FilePath   string
	Executable bool
	Env        []string
}

// ParseSpec interprets a resolved event entity. dir is the owning
// key/page/deck directory; executable reports the file's mode.
func ParseSpec(kind string, o entity.Options, path, dir string, executable bool) (*Spec, error) {
	s := &Spec{
		ID:         path,
		Kind:       kind,
		Dir:        dir,
		FilePath:   path,
		Executable: executable,
	}

	var err error
	if s.Action, err = parseAction(o, executable); err != nil {
		return nil, err
	}
	if s.Timing, err = parseTiming(kind, o); err != nil {
		return nil, err
	}
	return s, nil
}

func parseAction(o entity.Options, executable bool) (Action, error) {
	var kinds []ActionKind

	assignments, err := collectAssignments(o)
	if err != nil {
		return Action{}, err
	}
	if len(assignments) > 0 {
		kinds = append(kinds, ActSetVar)
	}
	if o.Has("page") {
		kinds = append(kinds, ActPage)
	}
	if o.Has("brightness") {
		kinds = append(kinds, ActBrightness)
	}
	if o.Has("command") || executable {
		kinds = append(kinds, ActExec)
	}

	if len(kinds) == 0 {
		return Action{}, fmt.Errorf("event has no action: needs command=, page=, brightness=, a VAR_ assignment, or an executable file")
	}
	if len(kinds) > 1 {
		return Action{}, fmt.Errorf("event mixes multiple actions")
	}

	a := Action{Kind: kinds[0]}
	switch a.Kind {
	case ActExec:
		a.Command = o.String("command", "")
		a.Inside = a.Command == CommandInside
	case ActSetVar:
		a.Assignments = assignments
		a.Scope = o.String("scope", "key")
		switch a.Scope {
		case "key", "page", "deck":
		default:
			return Action{}, fmt.Errorf("option scope: %q", a.Scope)
		}
	case ActPage:
		a.Page = o.String("page", "")
		if a.Page == "" {
			return Action{}, fmt.Errorf("option page: empty")
		}
	case ActBrightness:
		raw := strings.TrimSpace(o.String("brightness", ""))
		a.BrightnessDelta = strings.HasPrefix(raw, "+") || strings.HasPrefix(raw, "-")
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Action{}, fmt.Errorf("option brightness: %q", raw)
		}
		a.Brightness = n
	}
	return a, nil
}

// collectAssignments pulls VAR_NAME= and VAR_NAME<= pairs out of the
// options, sorted by name for determinism.
func collectAssignments(o entity.Options) ([]Assignment, error) {
	var out []Assignment
	for key, val := range o {
		name, content := strings.CutSuffix(key, "<")
		varName, ok := strings.CutPrefix(name, "VAR_")
		if !ok {
			continue
		}
		if err := fsname.CheckVarName(varName); err != nil {
			return nil, fmt.Errorf("assignment %s: %w", key, err)
		}
		out = append(out, Assignment{Name: varName, Value: val, Content: content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func parseTiming(kind string, o entity.Options) (Timing, error) {
	t := Timing{MaxRuns: 0}

	var err error
	if t.Wait, err = o.Ms("wait", 0); err != nil {
		return Timing{}, err
	}
	if t.Every, err = o.Ms("every", 0); err != nil {
		return Timing{}, err
	}
	if t.Every > 0 && kind != "press" && kind != "start" {
		return Timing{}, fmt.Errorf("every= applies to press and start only")
	}
	if t.MaxRuns, err = o.Int("max-runs", 0); err != nil {
		return Timing{}, err
	}
	minDefault := time.Duration(0)
	if kind == "longpress" {
		minDefault = defaultLongpressMin
	}
	if t.DurationMin, err = o.Ms("duration-min", minDefault); err != nil {
		return Timing{}, err
	}
	if t.DurationMin > 0 && kind != "release" && kind != "longpress" {
		return Timing{}, fmt.Errorf("duration-min= applies to release and longpress only")
	}
	if t.DurationMax, err = o.Ms("duration-max", 0); err != nil {
		return Timing{}, err
	}
	if t.DurationMax > 0 && kind != "press" {
		return Timing{}, fmt.Errorf("duration-max= applies to press only")
	}
	if t.Detach, err = o.Bool("detach", false); err != nil {
		return Timing{}, err
	}
	uniqueDefault := kind == "start" || kind == "end"
	if t.Unique, err = o.Bool("unique", uniqueDefault); err != nil {
		return Timing{}, err
	}
	if t.Quiet, err = o.Bool("quiet", false); err != nil {
		return Timing{}, err
	}
	return t, nil
}
