// Package pages owns the current-page state machine: a stack of page
// frames with overlays on top, and a linear back history of visited
// non-overlay pages.
package pages

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/sdfs/sdfs/internal/entity"
)

// Frame is one stack entry.
type Frame struct {
	Page    int
	Overlay bool
}

// Controller resolves page directives against the live tree and tracks
// the display stack. It is driven only from the core loop.
type Controller struct {
	tree    *entity.Tree
	stack   []Frame
	history []int
}

// New builds a controller with an empty stack.
func New(tree *entity.Tree) *Controller {
	return &Controller{tree: tree}
}

// Current returns the top frame's page number, 0 when nothing is
// displayed.
func (c *Controller) Current() int {
	if len(c.stack) == 0 {
		return 0
	}
	return c.stack[len(c.stack)-1].Page
}

// CurrentBase returns the topmost non-overlay page, 0 when none.
func (c *Controller) CurrentBase() int {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if !c.stack[i].Overlay {
			return c.stack[i].Page
		}
	}
	return 0
}

// Stack returns a copy of the display stack, bottom first.
func (c *Controller) Stack() []Frame {
	out := make([]Frame, len(c.stack))
	copy(out, c.stack)
	return out
}

// History returns a copy of the back history, oldest first.
func (c *Controller) History() []int {
	out := make([]int, len(c.history))
	copy(out, c.history)
	return out
}

// Visible reports whether a page currently contributes displayed keys:
// overlays do not hide the pages beneath them.
func (c *Controller) Visible(page int) bool {
	for _, f := range c.stack {
		if f.Page == page {
			return true
		}
	}
	return false
}

// navigable reports whether a page exists, is enabled, and has at
// least one enabled key.
func (c *Controller) navigable(page *entity.Entity) bool {
	if page == nil || page.Disabled() {
		return false
	}
	for _, k := range entity.Keys(page) {
		if !k.Disabled() {
			return true
		}
	}
	return false
}

// navigablePages lists navigable page numbers ascending.
func (c *Controller) navigablePages() []int {
	var out []int
	for _, p := range c.tree.Pages() {
		if c.navigable(p) {
			out = append(out, p.Name.Page)
		}
	}
	sort.Ints(out)
	return out
}

// Resolve turns a page directive — a number, a page name, or one of
// the __first__/__next__/__previous__/__back__ tokens — into a
// concrete page number. __back__ resolves to 0 with popBack true.
func (c *Controller) Resolve(directive string) (page int, popBack bool, err error) {
	switch directive {
	case "__back__":
		return 0, true, nil
	case "__first__":
		pages := c.navigablePages()
		if len(pages) == 0 {
			return 0, false, fmt.Errorf("no navigable pages")
		}
		return pages[0], false, nil
	case "__next__", "__previous__":
		pages := c.navigablePages()
		if len(pages) == 0 {
			return 0, false, fmt.Errorf("no navigable pages")
		}
		cur := c.CurrentBase()
		idx := sort.SearchInts(pages, cur)
		if directive == "__next__" {
			if idx < len(pages) && pages[idx] == cur {
				idx++
			}
			if idx >= len(pages) {
				idx = 0
			}
		} else {
			idx--
			if idx < 0 {
				idx = len(pages) - 1
			}
		}
		return pages[idx], false, nil
	}

	if n, err := strconv.Atoi(directive); err == nil {
		p := c.tree.Page(n)
		if !c.navigable(p) {
			return 0, false, fmt.Errorf("page %d is not navigable", n)
		}
		return n, false, nil
	}

	if p := c.tree.PageByName(directive); p != nil && c.navigable(p) {
		return p.Name.Page, false, nil
	}

	var names []string
	for _, p := range c.tree.Pages() {
		if n := p.DisplayName(); n != "" {
			names = append(names, n)
		}
	}
	if matches := fuzzy.RankFindFold(directive, names); len(matches) > 0 {
		sort.Sort(matches)
		return 0, false, fmt.Errorf("no page named %q (did you mean %q?)", directive, matches[0].Target)
	}
	return 0, false, fmt.Errorf("no page named %q", directive)
}

// Change is what a transition did, for logging and start/end event
// bookkeeping.
type Change struct {
	Shown  []int // pages that became visible
	Hidden []int // pages that ceased to be visible
}

// GoTo makes page the current non-overlay page: overlays clear, the
// top frame is replaced, and the previous base page is pushed on the
// history.
func (c *Controller) GoTo(page int) Change {
	before := c.visibleSet()
	prev := c.CurrentBase()
	if prev == page && len(c.stack) == 1 {
		return Change{}
	}
	if prev != 0 && prev != page {
		c.history = append(c.history, prev)
	}
	c.stack = []Frame{{Page: page}}
	return c.diff(before)
}

// OpenOverlay pushes an overlay frame. The pages beneath stay visible
// for start/end purposes; only the overlay receives input.
func (c *Controller) OpenOverlay(page int) Change {
	before := c.visibleSet()
	if c.Current() == page {
		return Change{}
	}
	c.stack = append(c.stack, Frame{Page: page, Overlay: true})
	return c.diff(before)
}

// CloseOverlay pops the top frame if it is an overlay.
func (c *Controller) CloseOverlay() Change {
	before := c.visibleSet()
	if len(c.stack) == 0 || !c.stack[len(c.stack)-1].Overlay {
		return Change{}
	}
	c.stack = c.stack[:len(c.stack)-1]
	return c.diff(before)
}

// Back pops overlays until a non-overlay frame is on top; if the top
// already is one, it pops the history instead. The history is left
// untouched by overlay closes.
func (c *Controller) Back() Change {
	if len(c.stack) > 0 && c.stack[len(c.stack)-1].Overlay {
		before := c.visibleSet()
		for len(c.stack) > 0 && c.stack[len(c.stack)-1].Overlay {
			c.stack = c.stack[:len(c.stack)-1]
		}
		return c.diff(before)
	}
	before := c.visibleSet()
	if len(c.history) == 0 {
		return Change{}
	}
	prev := c.history[len(c.history)-1]
	c.history = c.history[:len(c.history)-1]
	c.stack = []Frame{{Page: prev}}
	return c.diff(before)
}

func (c *Controller) visibleSet() map[int]bool {
	out := map[int]bool{}
	for _, f := range c.stack {
		out[f.Page] = true
	}
	return out
}

func (c *Controller) diff(before map[int]bool) Change {
	after := c.visibleSet()
	var ch Change
	for p := range after {
		if !before[p] {
			ch.Shown = append(ch.Shown, p)
		}
	}
	for p := range before {
		if !after[p] {
			ch.Hidden = append(ch.Hidden, p)
		}
	}
	sort.Ints(ch.Shown)
	sort.Ints(ch.Hidden)
	return ch
}

// InputPage is the page whose keys receive presses: the top of the
// stack.
func (c *Controller) InputPage() int { return c.Current() }
