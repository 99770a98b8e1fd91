package app

import (
	"bytes"
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdfs/sdfs/internal/config"
	"github.com/sdfs/sdfs/internal/device"
)

type harness struct {
	root string
	dev  *device.Fake
	app  *App
}

func startApp(t *testing.T) *harness {
	t.Helper()
	parent := t.TempDir()
	root := filepath.Join(parent, "FAKESERIAL")
	require.NoError(t, os.Mkdir(root, 0o755))

	dev := device.NewFake("FAKESERIAL")
	cfg := config.Default
	cfg.CoalesceMS = 20

	a := New(root, dev, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})
	return &harness{root: root, dev: dev, app: a}
}

func (h *harness) mkdir(t *testing.T, rel string) string {
	t.Helper()
	path := filepath.Join(h.root, rel)
	require.NoError(t, os.MkdirAll(path, 0o755))
	return path
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.root, rel)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// waitPage polls the state drop file for the current page.
func (h *harness) waitPage(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(h.root, StateFileName))
		return err == nil && bytes.Contains(raw, []byte("page: "+want+"\n"))
	}, 5*time.Second, 25*time.Millisecond, "page never became %s", want)
}

func (h *harness) waitImage(t *testing.T, row, col int) *image.RGBA {
	t.Helper()
	var img *image.RGBA
	require.Eventually(t, func() bool {
		img = h.dev.Image(row, col)
		return img != nil
	}, 5*time.Second, 25*time.Millisecond)
	return img
}

// waitOpaque waits until the key shows any pixels and returns that
// frame, skipping the transparent frames of a half-built tree.
func (h *harness) waitOpaque(t *testing.T, row, col int) *image.RGBA {
	t.Helper()
	var img *image.RGBA
	require.Eventually(t, func() bool {
		img = h.dev.Image(row, col)
		return img != nil && opaqueCount(img) > 0
	}, 5*time.Second, 25*time.Millisecond)
	return img
}

func opaqueCount(img *image.RGBA) int {
	n := 0
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] > 0 {
			n++
		}
	}
	return n
}

func TestVariableDrivenText(t *testing.T) {
	h := startApp(t)
	h.mkdir(t, "PAGE_1/KEY_1,1")
	varPath := h.write(t, "VAR_X;value=A", "")
	h.write(t, "PAGE_1/KEY_1,1/TEXT;text=$VAR_X;size=40", "")

	h.waitPage(t, "1")
	first := h.waitOpaque(t, 1, 1)

	// Rename flips the value; the key re-renders within a tick with no
	// restart.
	require.NoError(t, os.Rename(varPath, filepath.Join(h.root, "VAR_X;value=B")))
	require.Eventually(t, func() bool {
		img := h.dev.Image(1, 1)
		return img != nil && !bytes.Equal(img.Pix, first.Pix)
	}, 5*time.Second, 25*time.Millisecond, "render must follow the variable")
}

func TestUnresolvedVariableBlanksKey(t *testing.T) {
	h := startApp(t)
	h.mkdir(t, "PAGE_1/KEY_1,1")
	h.write(t, "PAGE_1/KEY_1,1/TEXT;text=$VAR_MISSING;size=20", "")

	h.waitPage(t, "1")
	img := h.waitImage(t, 1, 1)
	assert.Zero(t, opaqueCount(img), "unresolved variable renders transparent")

	// Defining the variable heals the key without restart.
	h.write(t, "VAR_MISSING;value=now", "")
	require.Eventually(t, func() bool {
		return opaqueCount(h.dev.Image(1, 1)) > 0
	}, 5*time.Second, 25*time.Millisecond)
}

func TestLongPressNavigation(t *testing.T) {
	h := startApp(t)
	marker := filepath.Join(h.root, "..", "short-marker")
	// Slashes cannot appear in filenames; the default escape stands in.
	escaped := strings.ReplaceAll(marker, "/", `\`)

	h.mkdir(t, "PAGE_1/KEY_1,1")
	h.write(t, "PAGE_1/KEY_1,1/TEXT;text=go", "")
	h.write(t, "PAGE_1/KEY_1,1/ON_PRESS;duration-max=300;command=touch "+escaped, "")
	h.write(t, "PAGE_1/KEY_1,1/ON_LONGPRESS;duration-min=300;page=spotify", "")
	h.mkdir(t, "PAGE_2;name=spotify/KEY_1,1")
	h.write(t, "PAGE_2;name=spotify/KEY_1,1/TEXT;text=sp", "")

	h.waitPage(t, "1")

	// Short tap fires the command, page unchanged.
	now := time.Now()
	h.dev.Press(1, 1, now)
	h.dev.Release(1, 1, now.Add(200*time.Millisecond))
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 25*time.Millisecond, "short press command")
	h.waitPage(t, "1")

	// Holding past the threshold navigates; the short command does not
	// fire again.
	require.NoError(t, os.Remove(marker))
	h.dev.Press(1, 1, time.Now())
	time.Sleep(450 * time.Millisecond)
	h.dev.Release(1, 1, time.Now())

	h.waitPage(t, "2")
	_, err := os.Stat(marker)
	assert.Error(t, err, "long hold cancels the short-press command")
}

func TestOverlayBack(t *testing.T) {
	h := startApp(t)
	h.mkdir(t, "PAGE_1/KEY_1,1")
	h.write(t, "PAGE_1/KEY_1,1/ON_PRESS;page=60", "")
	h.mkdir(t, "PAGE_60;overlay/KEY_1,2")
	h.write(t, "PAGE_60;overlay/KEY_1,2/ON_PRESS;page=__back__", "")

	h.waitPage(t, "1")

	now := time.Now()
	h.dev.Press(1, 1, now)
	h.dev.Release(1, 1, now.Add(50*time.Millisecond))
	h.waitPage(t, "60")

	// The overlay key closes it; page 1 is current again and history
	// stays empty.
	now = time.Now()
	h.dev.Press(1, 2, now)
	h.dev.Release(1, 2, now.Add(50*time.Millisecond))
	h.waitPage(t, "1")
	assert.Empty(t, h.app.Pages.History())
}

func TestConditionalVariableRerenders(t *testing.T) {
	h := startApp(t)
	h.mkdir(t, "PAGE_1/KEY_1,1")
	aPath := h.write(t, "VAR_A;value=1", "")
	h.write(t, "VAR_STATE;if={$VAR_A==1};then=on;else=off", "")
	h.write(t, "PAGE_1/KEY_1,1/TEXT;text=$VAR_STATE;size=30", "")

	h.waitPage(t, "1")
	on := h.waitOpaque(t, 1, 1)

	require.NoError(t, os.Rename(aPath, filepath.Join(h.root, "VAR_A;value=0")))
	require.Eventually(t, func() bool {
		img := h.dev.Image(1, 1)
		return img != nil && !bytes.Equal(img.Pix, on.Pix)
	}, 5*time.Second, 25*time.Millisecond, "flipping the condition input re-renders dependents")
}

func TestDisabledKeyStopsRendering(t *testing.T) {
	h := startApp(t)
	keyDir := h.mkdir(t, "PAGE_1/KEY_1,1")
	h.write(t, "PAGE_1/KEY_1,1/IMAGE;draw=fill;color=red", "")

	h.waitPage(t, "1")
	require.Eventually(t, func() bool {
		img := h.dev.Image(1, 1)
		return img != nil && opaqueCount(img) > 0
	}, 5*time.Second, 25*time.Millisecond)

	require.NoError(t, os.Rename(keyDir, keyDir+";disabled"))
	require.Eventually(t, func() bool {
		img := h.dev.Image(1, 1)
		return img != nil && opaqueCount(img) == 0
	}, 5*time.Second, 25*time.Millisecond, "disabling shadows the key")

	// Removing the flag restores participation without restart.
	require.NoError(t, os.Rename(keyDir+";disabled", keyDir))
	require.Eventually(t, func() bool {
		img := h.dev.Image(1, 1)
		return img != nil && opaqueCount(img) > 0
	}, 5*time.Second, 25*time.Millisecond)
}

func TestSetVarEventWritesFilesystem(t *testing.T) {
	h := startApp(t)
	h.mkdir(t, "PAGE_1/KEY_1,1")
	h.write(t, "PAGE_1/KEY_1,1/ON_PRESS;VAR_HITS=1;scope=deck", "")

	h.waitPage(t, "1")
	now := time.Now()
	h.dev.Press(1, 1, now)
	h.dev.Release(1, 1, now.Add(50*time.Millisecond))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(h.root, "VAR_HITS;value=1"))
		return err == nil
	}, 5*time.Second, 25*time.Millisecond, "assignment lands on disk at deck scope")
}

func TestBrightnessEventAndCommandFile(t *testing.T) {
	h := startApp(t)
	h.mkdir(t, "PAGE_1/KEY_1,1")
	h.write(t, "PAGE_1/KEY_1,1/ON_PRESS;brightness=+15", "")

	h.waitPage(t, "1")
	require.Eventually(t, func() bool {
		return h.dev.Brightness() == config.Default.Brightness
	}, 5*time.Second, 25*time.Millisecond)

	now := time.Now()
	h.dev.Press(1, 1, now)
	h.dev.Release(1, 1, now.Add(50*time.Millisecond))
	require.Eventually(t, func() bool {
		return h.dev.Brightness() == config.Default.Brightness+15
	}, 5*time.Second, 25*time.Millisecond)

	// External verbs drive a running instance through the drop file.
	h.write(t, CommandFileName, "brightness: 30\n")
	require.Eventually(t, func() bool {
		return h.dev.Brightness() == 30
	}, 5*time.Second, 25*time.Millisecond)
}

func TestConfluenceFinalStateIndependentOfOrder(t *testing.T) {
	buildA := func(h *harness) {
		h.mkdir(t, "PAGE_1/KEY_1,1")
		h.write(t, "VAR_C;value=red", "")
		h.write(t, "PAGE_1/KEY_1,1/IMAGE;draw=fill;color=$VAR_C", "")
	}
	buildB := func(h *harness) {
		// Same final tree, different mutation order with a detour.
		h.write(t, "VAR_C;value=blue", "")
		h.mkdir(t, "PAGE_1/KEY_1,1")
		h.write(t, "PAGE_1/KEY_1,1/IMAGE;draw=fill;color=$VAR_C", "")
		time.Sleep(150 * time.Millisecond)
		require.NoError(t, os.Rename(
			filepath.Join(h.root, "VAR_C;value=blue"),
			filepath.Join(h.root, "VAR_C;value=red"),
		))
	}

	h1 := startApp(t)
	buildA(h1)
	h1.waitPage(t, "1")
	h2 := startApp(t)
	buildB(h2)
	h2.waitPage(t, "1")

	want := h1.waitImage(t, 1, 1)
	require.Eventually(t, func() bool {
		img := h2.dev.Image(1, 1)
		return img != nil && bytes.Equal(img.Pix, want.Pix)
	}, 5*time.Second, 25*time.Millisecond, "rendered state depends only on the final tree")
	require.Positive(t, opaqueCount(want))
}
