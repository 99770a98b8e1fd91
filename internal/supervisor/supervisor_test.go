package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdfs/sdfs/internal/entity"
)

func specFor(t *testing.T, kind string, opts entity.Options, dir string) *Spec {
	t.Helper()
	s, err := ParseSpec(kind, opts, filepath.Join(dir, "ON_"+strings.ToUpper(kind)), dir, false)
	require.NoError(t, err)
	return s
}

// countingDispatch records dispatched non-exec requests.
type countingDispatch struct {
	mu   sync.Mutex
	reqs []Request
}

func (c *countingDispatch) fn(r Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, r)
}

func (c *countingDispatch) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

func (c *countingDispatch) at(i int) Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reqs[i]
}

func TestParseActions(t *testing.T) {
	dir := t.TempDir()

	s := specFor(t, "press", entity.Options{"command": "echo hi"}, dir)
	assert.Equal(t, ActExec, s.Action.Kind)

	s = specFor(t, "press", entity.Options{"page": "__back__"}, dir)
	assert.Equal(t, ActPage, s.Action.Kind)

	s = specFor(t, "press", entity.Options{"brightness": "+10"}, dir)
	assert.Equal(t, ActBrightness, s.Action.Kind)
	assert.True(t, s.Action.BrightnessDelta)
	assert.Equal(t, 10, s.Action.Brightness)

	s = specFor(t, "press", entity.Options{"VAR_STATE": "on", "VAR_MODE<": "fast"}, dir)
	assert.Equal(t, ActSetVar, s.Action.Kind)
	require.Len(t, s.Action.Assignments, 2)
	assert.Equal(t, Assignment{Name: "MODE", Value: "fast", Content: true}, s.Action.Assignments[0])
	assert.Equal(t, Assignment{Name: "STATE", Value: "on", Content: false}, s.Action.Assignments[1])

	_, err := ParseSpec("press", entity.Options{}, "/x/ON_PRESS", "/x", false)
	assert.Error(t, err, "no action")

	_, err = ParseSpec("press", entity.Options{"command": "x", "page": "2"}, "/x/ON_PRESS", "/x", false)
	assert.Error(t, err, "mixed actions")
}

func TestParseTimingRules(t *testing.T) {
	dir := t.TempDir()

	s := specFor(t, "longpress", entity.Options{"page": "2"}, dir)
	assert.Equal(t, defaultLongpressMin, s.Timing.DurationMin)

	s = specFor(t, "start", entity.Options{"command": "x"}, dir)
	assert.True(t, s.Timing.Unique, "unique defaults on for start")

	s = specFor(t, "press", entity.Options{"command": "x"}, dir)
	assert.False(t, s.Timing.Unique)

	_, err := ParseSpec("release", entity.Options{"command": "x", "every": "100"}, "/x/ON_RELEASE", "/x", false)
	assert.Error(t, err, "every on release")

	_, err = ParseSpec("longpress", entity.Options{"command": "x", "duration-max": "100"}, "/x/ON_LONGPRESS", "/x", false)
	assert.Error(t, err, "duration-max on longpress")
}

func TestShortAndLongPress(t *testing.T) {
	dir := t.TempDir()
	disp := &countingDispatch{}
	sup := New(Config{Dispatch: disp.fn})

	short := specFor(t, "press", entity.Options{"duration-max": "300", "page": "2"}, dir)
	long := specFor(t, "longpress", entity.Options{"duration-min": "300", "page": "spotify"}, dir)
	h := sup.Activate(map[string]*Spec{"press": short, "longpress": long})
	defer h.Deactivate()

	// Short tap: press fires on release, longpress does not.
	base := time.Now()
	h.Press(base)
	h.Release(base.Add(200 * time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, disp.count())
	assert.Equal(t, "2", disp.at(0).Source.Action.Page)

	// Long hold: longpress fires at its threshold, press is cancelled.
	base = time.Now()
	h.Press(base)
	time.Sleep(400 * time.Millisecond)
	h.Release(time.Now())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, disp.count())
	assert.Equal(t, "spotify", disp.at(1).Source.Action.Page)
}

func TestReleaseDurationMin(t *testing.T) {
	dir := t.TempDir()
	disp := &countingDispatch{}
	sup := New(Config{Dispatch: disp.fn})

	rel := specFor(t, "release", entity.Options{"duration-min": "100", "page": "2"}, dir)
	h := sup.Activate(map[string]*Spec{"release": rel})
	defer h.Deactivate()

	base := time.Now()
	h.Press(base)
	h.Release(base.Add(50 * time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, disp.count(), "too short")

	base = time.Now()
	h.Press(base)
	h.Release(base.Add(150 * time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, disp.count())
}

func TestRepeatWithCapAndUnique(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns sleeping children")
	}
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	sup := New(Config{})

	press := specFor(t, "press", entity.Options{
		"command":  "echo x >> " + marker + "; sleep 0.25",
		"every":    "100",
		"max-runs": "3",
		"unique":   "true",
	}, dir)
	h := sup.Activate(map[string]*Spec{"press": press})

	h.Press(time.Now())
	time.Sleep(1100 * time.Millisecond)
	h.Release(time.Now())
	h.Deactivate()
	time.Sleep(100 * time.Millisecond)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	launches := strings.Count(string(data), "x")
	assert.Equal(t, 3, launches, "exactly max-runs launches, no overlap")
}

func TestStartFiresOnActivateEndOnDeactivate(t *testing.T) {
	dir := t.TempDir()
	disp := &countingDispatch{}
	sup := New(Config{Dispatch: disp.fn})

	start := specFor(t, "start", entity.Options{"page": "1"}, dir)
	end := specFor(t, "end", entity.Options{"page": "2"}, dir)
	h := sup.Activate(map[string]*Spec{"start": start, "end": end})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, disp.count())

	h.Deactivate()
	h.Deactivate() // second deactivation is a no-op
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, disp.count(), "end fires exactly once")
}

func TestDeactivateTerminatesChildren(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns sleeping children")
	}
	dir := t.TempDir()
	sup := New(Config{Grace: 100 * time.Millisecond})

	press := specFor(t, "press", entity.Options{"command": "sleep 30"}, dir)
	h := sup.Activate(map[string]*Spec{"press": press})
	h.Press(time.Now())
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	require.Len(t, h.children, 1)
	h.mu.Unlock()

	h.Deactivate()
	time.Sleep(300 * time.Millisecond)

	sup.mu.Lock()
	left := len(sup.procs)
	sup.mu.Unlock()
	assert.Zero(t, left, "children reaped after grace")
}

func TestCommandInside(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	script := "touch " + marker + "\n"
	eventPath := filepath.Join(dir, "ON_PRESS;command=__inside__")
	require.NoError(t, os.WriteFile(eventPath, []byte(script), 0o644))

	sup := New(Config{})
	spec, err := ParseSpec("press", entity.Options{"command": CommandInside}, eventPath, dir, false)
	require.NoError(t, err)
	require.True(t, spec.Action.Inside)

	h := sup.Activate(map[string]*Spec{"press": spec})
	h.Press(time.Now())
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	h.Deactivate()
}
