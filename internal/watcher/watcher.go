// Package watcher turns raw fsnotify traffic into the ordered,
// coalesced event stream the core consumes. Bursts (editor atomic
// saves, recursive copies) are settled by re-scanning and diffing a
// snapshot of the tree, which also pairs delete/create couples back
// into identity-preserving renames.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sdfs/sdfs/internal/fsname"
)

// Op classifies one tree mutation.
type Op int

const (
	Created Op = iota
	Modified
	Renamed
	Deleted
	RootLost  // the watched root disappeared; subtree is pending
	RootFound // the root reappeared; a fresh enumeration follows
)

func (o Op) String() string {
	switch o {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	case Deleted:
		return "deleted"
	case RootLost:
		return "root-lost"
	default:
		return "root-found"
	}
}

// Event is one ordered tree mutation. Renamed events carry the old
// path alongside the new one.
type Event struct {
	Op      Op
	Path    string
	OldPath string
	IsDir   bool
	ModTime time.Time
}

// record is one snapshot entry.
type record struct {
	dir bool
	mod time.Time
}

// DefaultCoalesce is the burst window: quick write/rename pairs inside
// it collapse into single logical events.
const DefaultCoalesce = 50 * time.Millisecond

// rootPollInterval drives rebinding while the root is missing.
const rootPollInterval = 500 * time.Millisecond

// Watcher observes one deck root recursively.
type Watcher struct {
	root     string
	coalesce time.Duration
	log      *slog.Logger

	fsw      *fsnotify.Watcher
	snapshot map[string]record
	out      chan []Event
	rootGone bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithCoalesce overrides the burst window.
func WithCoalesce(d time.Duration) Option {
	return func(w *Watcher) { w.coalesce = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.log = l }
}

// New creates a watcher for root. Run must be called to start
// delivery.
func New(root string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		coalesce: DefaultCoalesce,
		log:      slog.Default(),
		fsw:      fsw,
		snapshot: map[string]record{},
		out:      make(chan []Event, 16),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Events delivers batches of ordered events. One batch is one tick:
// the core applies it fully, then settles the graph.
func (w *Watcher) Events() <-chan []Event { return w.out }

// Run watches until the context ends. The initial enumeration is
// delivered as the first batch of Created events.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	defer close(w.out)

	if batch := w.rescan(); len(batch) > 0 {
		if !w.deliver(ctx, batch) {
			return ctx.Err()
		}
	}

	var (
		pending  bool
		deadline *time.Timer
	)
	deadline = time.NewTimer(time.Hour)
	deadline.Stop()
	defer deadline.Stop()

	poll := time.NewTicker(rootPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch handle lost")
			}
			// The first raw event of a burst arms the coalescing timer;
			// later events inside the window do not extend it. The
			// snapshot diff decides what actually changed.
			if !pending {
				pending = true
				deadline.Reset(w.coalesce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch handle lost")
			}
			w.log.Warn("watch error", "err", err)

		case <-deadline.C:
			pending = false
			if batch := w.rescan(); len(batch) > 0 {
				if !w.deliver(ctx, batch) {
					return ctx.Err()
				}
			}

		case <-poll.C:
			// Root liveness is polled so a deleted and recreated deck
			// directory rebinds even when no inotify event survives.
			if w.rootGone {
				if _, err := os.Stat(w.root); err == nil {
					if batch := w.rescan(); len(batch) > 0 {
						if !w.deliver(ctx, batch) {
							return ctx.Err()
						}
					}
				}
			}
		}
	}
}

func (w *Watcher) deliver(ctx context.Context, batch []Event) bool {
	select {
	case w.out <- batch:
		return true
	case <-ctx.Done():
		return false
	}
}

// rescan walks the root, diffs against the previous snapshot, and
// produces the canonical ordered batch.
func (w *Watcher) rescan() []Event {
	current := map[string]record{}
	rootOK := true

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.root {
				rootOK = false
				return filepath.SkipAll
			}
			w.log.Warn("walk error", "path", path, "err", err)
			return nil
		}
		if path == w.root {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		current[path] = record{dir: d.IsDir(), mod: info.ModTime()}
		return nil
	})
	if err != nil {
		rootOK = false
	}

	if !rootOK {
		if w.rootGone {
			return nil
		}
		w.rootGone = true
		w.snapshot = map[string]record{}
		return []Event{{Op: RootLost, Path: w.root}}
	}

	var batch []Event
	if w.rootGone {
		w.rootGone = false
		batch = append(batch, Event{Op: RootFound, Path: w.root})
	}

	w.syncWatches(current)

	var removed, added, modified []string
	for path, old := range w.snapshot {
		cur, ok := current[path]
		if !ok {
			removed = append(removed, path)
			continue
		}
		if !cur.mod.Equal(old.mod) && !cur.dir {
			modified = append(modified, path)
		}
	}
	for path := range current {
		if _, ok := w.snapshot[path]; !ok {
			added = append(added, path)
		}
	}

	renames := pairRenames(removed, added)

	// Deletes deepest-first, then renames and creates together in
	// parents-first path order, then modifications; all sorted for
	// determinism.
	sort.Slice(removed, func(i, j int) bool {
		if d := strings.Count(removed[i], "/") - strings.Count(removed[j], "/"); d != 0 {
			return d > 0
		}
		return removed[i] < removed[j]
	})
	sort.Strings(added)
	sort.Strings(modified)

	prev := w.snapshot
	for _, path := range removed {
		if _, paired := renames.byOld[path]; paired {
			continue
		}
		batch = append(batch, Event{Op: Deleted, Path: path, IsDir: prev[path].dir})
	}
	for _, path := range added {
		if old, paired := renames.byNew[path]; paired {
			rec := current[path]
			batch = append(batch, Event{Op: Renamed, Path: path, OldPath: old, IsDir: rec.dir, ModTime: rec.mod})
			continue
		}
		rec := current[path]
		batch = append(batch, Event{Op: Created, Path: path, IsDir: rec.dir, ModTime: rec.mod})
	}
	for _, path := range modified {
		rec := current[path]
		batch = append(batch, Event{Op: Modified, Path: path, IsDir: rec.dir, ModTime: rec.mod})
	}

	w.snapshot = current
	return batch
}

// syncWatches keeps inotify registrations aligned with the directory
// set. Registration failures are logged and leave that directory
// unwatched; the poll ticker only covers a missing root.
func (w *Watcher) syncWatches(current map[string]record) {
	if err := w.fsw.Add(w.root); err != nil {
		w.log.Warn("watch add failed", "path", w.root, "err", err)
	}
	for path, rec := range current {
		if rec.dir {
			if err := w.fsw.Add(path); err != nil {
				w.log.Warn("watch add failed", "path", path, "err", err)
			}
		}
	}
}

type renamePairs struct {
	byOld map[string]string
	byNew map[string]string
}

// pairRenames matches removed and added paths that live in the same
// directory and keep the same parsed identity: exactly the case where
// the mutation is an option change, not a destroy/create.
func pairRenames(removed, added []string) renamePairs {
	p := renamePairs{byOld: map[string]string{}, byNew: map[string]string{}}
	oldByIdentity := map[string]string{}

	for _, path := range removed {
		if id, ok := identityKey(path); ok {
			if _, dup := oldByIdentity[id]; !dup {
				oldByIdentity[id] = path
			}
		}
	}
	for _, path := range added {
		id, ok := identityKey(path)
		if !ok {
			continue
		}
		old, found := oldByIdentity[id]
		if !found || old == path {
			continue
		}
		delete(oldByIdentity, id)
		p.byOld[old] = path
		p.byNew[path] = old
	}
	return p
}

// identityKey is dir + kind + identity of the parsed filename.
func identityKey(path string) (string, bool) {
	name, err := fsname.Parse(filepath.Base(path))
	if err != nil || name.Kind == fsname.KindIgnored {
		return "", false
	}
	id := name.String()
	switch name.Kind {
	case fsname.KindPage:
		id = fmt.Sprintf("page:%d", name.Page)
	case fsname.KindKey:
		id = fmt.Sprintf("key:%d,%d", name.Row, name.Col)
	case fsname.KindEvent:
		id = "event:" + name.Event
	case fsname.KindVariable:
		id = "var:" + name.Var
	case fsname.KindImage, fsname.KindText:
		prefix := "image"
		idxOpt := "layer"
		if name.Kind == fsname.KindText {
			prefix, idxOpt = "text", "line"
		}
		if v, ok := name.Option(idxOpt); ok {
			id = prefix + ":" + idxOpt + ":" + v
		} else if v, ok := name.Option("name"); ok {
			id = prefix + ":name:" + v
		} else {
			id = prefix + ":default"
		}
	}
	return filepath.Dir(path) + "\x00" + id, true
}
