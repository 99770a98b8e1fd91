package vars

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdfs/sdfs/internal/entity"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	tree  *entity.Tree
	store *Store
	files map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{tree: entity.NewTree("/decks/SER1"), files: map[string]string{}}
	f.store = New(f.tree, func(path string) (string, error) {
		if c, ok := f.files[path]; ok {
			return c, nil
		}
		return "", fmt.Errorf("no content for %s", path)
	})
	return f
}

func (f *fixture) add(t *testing.T, path string, isDir bool) *entity.Entity {
	t.Helper()
	e, err := f.tree.Add(path, isDir, t0)
	require.NoError(t, err, path)
	require.NotNil(t, e, path)
	return e
}

func TestCascadeNearestWins(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/VAR_COLOR;value=red", false)
	page := f.add(t, "/decks/SER1/PAGE_1", true)
	key1 := f.add(t, "/decks/SER1/PAGE_1/KEY_1,1", true)
	f.add(t, "/decks/SER1/PAGE_1/KEY_1,1/VAR_COLOR;value=blue", false)
	key2 := f.add(t, "/decks/SER1/PAGE_1/KEY_1,2", true)

	v, ok := f.store.Lookup(key1, "VAR_COLOR")
	require.True(t, ok)
	assert.Equal(t, "blue", v)

	v, ok = f.store.Lookup(key2, "VAR_COLOR")
	require.True(t, ok)
	assert.Equal(t, "red", v)

	v, ok = f.store.Lookup(page, "VAR_COLOR")
	require.True(t, ok)
	assert.Equal(t, "red", v)
}

func TestLookupFromChildEntityUsesKeyScope(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/PAGE_1", true)
	f.add(t, "/decks/SER1/PAGE_1/KEY_1,1", true)
	f.add(t, "/decks/SER1/PAGE_1/KEY_1,1/VAR_LABEL;value=hi", false)
	text := f.add(t, "/decks/SER1/PAGE_1/KEY_1,1/TEXT;text=$VAR_LABEL", false)

	v, ok := f.store.Lookup(text, "VAR_LABEL")
	require.True(t, ok)
	assert.Equal(t, "hi", v)
}

func TestDisabledDefinitionIsInvisible(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/VAR_X;value=deck", false)
	f.add(t, "/decks/SER1/PAGE_1", true)
	key := f.add(t, "/decks/SER1/PAGE_1/KEY_1,1", true)
	f.add(t, "/decks/SER1/PAGE_1/KEY_1,1/VAR_X;value=key;disabled", false)

	v, ok := f.store.Lookup(key, "VAR_X")
	require.True(t, ok)
	assert.Equal(t, "deck", v, "disabled key definition falls through to deck")
}

func TestValueFromFileContents(t *testing.T) {
	f := newFixture(t)
	def := f.add(t, "/decks/SER1/VAR_MOTD", false)
	f.files[def.Path] = "hello\nworld"

	key := f.add(t, "/decks/SER1/PAGE_1", true)
	v, ok := f.store.Lookup(key, "VAR_MOTD")
	require.True(t, ok)
	assert.Equal(t, "hello\nworld", v)
}

func TestValueFromFilePointer(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/VAR_STATUS;file=\\tmp\\status", false)
	f.files["/tmp/status"] = "ok"

	v, ok := f.store.Lookup(f.tree.Deck, "VAR_STATUS")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestConditionalChain(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "/decks/SER1/VAR_A;value=1", false)
	f.add(t, "/decks/SER1/VAR_STATE;if={$VAR_A==1};then=on;else=off", false)

	v, ok := f.store.Lookup(f.tree.Deck, "VAR_STATE")
	require.True(t, ok)
	assert.Equal(t, "on", v)

	// Flip VAR_A; the chain re-evaluates on the next lookup.
	_, _, added, err := f.tree.Rename(a.Path, "/decks/SER1/VAR_A;value=0", t0.Add(time.Second))
	require.NoError(t, err)
	require.Nil(t, added)

	v, ok = f.store.Lookup(f.tree.Deck, "VAR_STATE")
	require.True(t, ok)
	assert.Equal(t, "off", v)
}

func TestConditionalElifAndUndefined(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/VAR_N;value=2", false)
	f.add(t, "/decks/SER1/VAR_SIZE;if={$VAR_N==1};then=small;elif={$VAR_N==2};then=medium", false)

	v, ok := f.store.Lookup(f.tree.Deck, "VAR_SIZE")
	require.True(t, ok)
	assert.Equal(t, "medium", v)

	f.add(t, "/decks/SER1/VAR_NONE;if={$VAR_N==9};then=never", false)
	_, ok = f.store.Lookup(f.tree.Deck, "VAR_NONE")
	assert.False(t, ok, "no match and no else leaves the variable undefined")
}

func TestSystemAndEnvironment(t *testing.T) {
	f := newFixture(t)
	f.store.SetSystem("CURRENT_PAGE", "3")

	v, ok := f.store.Lookup(f.tree.Deck, "SDFS_CURRENT_PAGE")
	require.True(t, ok)
	assert.Equal(t, "3", v)

	t.Setenv("SDFS_TEST_PROBE", "from-env")
	v, ok = f.store.Lookup(f.tree.Deck, "SDFS_SDFS_TEST_PROBE")
	require.True(t, ok)
	assert.Equal(t, "from-env", v)

	_, ok = f.store.Lookup(f.tree.Deck, "VAR_NOPE")
	assert.False(t, ok)
}

func TestCycleStopsAtDepthCap(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/VAR_PING;value=$VAR_PONG", false)
	f.add(t, "/decks/SER1/VAR_PONG;value=$VAR_PING", false)

	_, ok := f.store.Lookup(f.tree.Deck, "VAR_PING")
	assert.False(t, ok)
}

func TestInScopeBundle(t *testing.T) {
	f := newFixture(t)
	f.add(t, "/decks/SER1/VAR_COLOR;value=red", false)
	f.add(t, "/decks/SER1/VAR_DECKONLY;value=d", false)
	f.add(t, "/decks/SER1/PAGE_1", true)
	key := f.add(t, "/decks/SER1/PAGE_1/KEY_1,1", true)
	f.add(t, "/decks/SER1/PAGE_1/KEY_1,1/VAR_COLOR;value=blue", false)

	bundle := f.store.InScope(key)
	assert.Equal(t, "blue", bundle["COLOR"])
	assert.Equal(t, "d", bundle["DECKONLY"])
}
