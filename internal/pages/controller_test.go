package pages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdfs/sdfs/internal/entity"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func buildTree(t *testing.T, pages ...string) *entity.Tree {
	t.Helper()
	tree := entity.NewTree("/decks/S1")
	for _, p := range pages {
		page, err := tree.Add("/decks/S1/"+p, true, t0)
		require.NoError(t, err)
		_, err = tree.Add(page.Path+"/KEY_1,1", true, t0)
		require.NoError(t, err)
	}
	return tree
}

func TestGoToPushesHistory(t *testing.T) {
	c := New(buildTree(t, "PAGE_1", "PAGE_2", "PAGE_3"))

	c.GoTo(1)
	c.GoTo(2)
	c.GoTo(3)
	assert.Equal(t, 3, c.Current())
	assert.Equal(t, []int{1, 2}, c.History())
}

func TestBackPopsHistory(t *testing.T) {
	c := New(buildTree(t, "PAGE_1", "PAGE_2"))
	c.GoTo(1)
	c.GoTo(2)

	ch := c.Back()
	assert.Equal(t, 1, c.Current())
	assert.Empty(t, c.History())
	assert.Equal(t, []int{1}, ch.Shown)
	assert.Equal(t, []int{2}, ch.Hidden)

	assert.Equal(t, Change{}, c.Back(), "empty history is a no-op")
}

func TestOverlayKeepsUnderlyingVisible(t *testing.T) {
	c := New(buildTree(t, "PAGE_1", "PAGE_60;overlay"))
	c.GoTo(1)

	ch := c.OpenOverlay(60)
	assert.Equal(t, []int{60}, ch.Shown)
	assert.Empty(t, ch.Hidden, "underlying page stays visible")
	assert.True(t, c.Visible(1))
	assert.True(t, c.Visible(60))
	assert.Equal(t, 60, c.InputPage(), "only overlay keys receive input")
	assert.Equal(t, 1, c.CurrentBase())
}

func TestBackClosesOverlayWithoutTouchingHistory(t *testing.T) {
	c := New(buildTree(t, "PAGE_1", "PAGE_2", "PAGE_60;overlay"))
	c.GoTo(1)
	c.GoTo(2)
	c.OpenOverlay(60)

	ch := c.Back()
	assert.Equal(t, []int{60}, ch.Hidden)
	assert.Equal(t, 2, c.Current())
	assert.Equal(t, []int{1}, c.History(), "history unchanged by overlay close")
}

func TestGoToClearsOverlays(t *testing.T) {
	c := New(buildTree(t, "PAGE_1", "PAGE_2", "PAGE_60;overlay"))
	c.GoTo(1)
	c.OpenOverlay(60)

	ch := c.GoTo(2)
	assert.Contains(t, ch.Hidden, 60)
	assert.Contains(t, ch.Hidden, 1)
	assert.Equal(t, []Frame{{Page: 2}}, c.Stack())
}

func TestResolveForms(t *testing.T) {
	tree := buildTree(t, "PAGE_1", "PAGE_2;name=spotify", "PAGE_5")
	c := New(tree)
	c.GoTo(1)

	n, _, err := c.Resolve("2")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, _, err = c.Resolve("spotify")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, _, err = c.Resolve("__first__")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, _, err = c.Resolve("__next__")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c.GoTo(5)
	n, _, err = c.Resolve("__next__")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "next wraps")

	n, _, err = c.Resolve("__previous__")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, pop, err := c.Resolve("__back__")
	require.NoError(t, err)
	assert.True(t, pop)
}

func TestResolveSuggestsNames(t *testing.T) {
	c := New(buildTree(t, "PAGE_2;name=spotify"))
	_, _, err := c.Resolve("spotfy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spotify")
}

func TestEmptyOrDisabledPageNotNavigable(t *testing.T) {
	tree := entity.NewTree("/decks/S1")
	_, err := tree.Add("/decks/S1/PAGE_1;disabled", true, t0)
	require.NoError(t, err)
	empty, err := tree.Add("/decks/S1/PAGE_2", true, t0)
	require.NoError(t, err)
	_ = empty

	c := New(tree)
	_, _, err = c.Resolve("1")
	assert.Error(t, err, "disabled page")
	_, _, err = c.Resolve("2")
	assert.Error(t, err, "page without keys")

	// A page whose only key is disabled is not navigable either.
	page3, err := tree.Add("/decks/S1/PAGE_3", true, t0)
	require.NoError(t, err)
	_, err = tree.Add(page3.Path+"/KEY_1,1;disabled", true, t0)
	require.NoError(t, err)
	_, _, err = c.Resolve("3")
	assert.Error(t, err)
}
