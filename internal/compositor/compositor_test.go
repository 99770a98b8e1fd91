package compositor

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdfs/sdfs/internal/device"
	"github.com/sdfs/sdfs/internal/entity"
)

func newTestCompositor(files map[string][]byte) *Compositor {
	return New(func(path string) ([]byte, error) {
		if b, ok := files[path]; ok {
			return b, nil
		}
		return nil, assert.AnError
	}, nil)
}

func parseLayer(t *testing.T, o entity.Options) *Layer {
	t.Helper()
	l, err := ParseLayer(o)
	require.NoError(t, err)
	return l
}

func parseText(t *testing.T, o entity.Options) *Text {
	t.Helper()
	tx, err := ParseText(o)
	require.NoError(t, err)
	return tx
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFillDraw(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size:   16,
		Layers: []*Layer{parseLayer(t, entity.Options{"draw": "fill", "color": "red"})},
	})
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.Image.RGBAAt(8, 8))
	assert.False(t, out.Animated)
}

func TestLayersCompositeBottomUp(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size: 16,
		Layers: []*Layer{
			parseLayer(t, entity.Options{"draw": "fill", "color": "red"}),
			parseLayer(t, entity.Options{"draw": "fill", "color": "blue"}),
		},
	})
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, out.Image.RGBAAt(8, 8))
}

func TestRenderIdempotent(t *testing.T) {
	c := newTestCompositor(nil)
	in := Input{
		Size: 32,
		Layers: []*Layer{
			parseLayer(t, entity.Options{"draw": "ellipse", "coords": "4,4,28,28", "fill": "green"}),
		},
		Texts: []*Text{parseText(t, entity.Options{"text": "Hi", "size": "12"})},
	}
	a := c.Render(in)
	b := c.Render(in)
	assert.Equal(t, a.Image.Pix, b.Image.Pix, "same inputs must produce byte-identical output")
}

func TestRasterFileWithMarginFit(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range src.Pix {
		src.Pix[i] = 255 // opaque white
	}
	files := map[string][]byte{"/icons/w.png": encodePNG(t, src)}

	c := newTestCompositor(files)
	out := c.Render(Input{
		Size: 16,
		Layers: []*Layer{
			parseLayer(t, entity.Options{"file": "/icons/w.png", "margin": "25%"}),
		},
	})
	// Margin box is 4..12 per side; inside is white, outside transparent.
	assert.Equal(t, uint8(255), out.Image.RGBAAt(8, 8).A)
	assert.Equal(t, uint8(0), out.Image.RGBAAt(1, 1).A)
}

func TestMissingFileDegradesToTransparent(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size:   16,
		Layers: []*Layer{parseLayer(t, entity.Options{"file": "/nope.png"})},
	})
	assert.Equal(t, uint8(0), out.Image.RGBAAt(8, 8).A)
}

func TestColorizePreservesAlpha(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size: 16,
		Layers: []*Layer{
			parseLayer(t, entity.Options{
				"draw": "rectangle", "coords": "4,4,12,12",
				"fill": "white", "colorize": "red",
			}),
		},
	})
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, out.Image.RGBAAt(8, 8))
	assert.Equal(t, uint8(0), out.Image.RGBAAt(1, 1).A, "transparent stays transparent")
}

func TestOpacity(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size: 8,
		Layers: []*Layer{
			parseLayer(t, entity.Options{"draw": "fill", "color": "white", "opacity": "50"}),
		},
	})
	got := out.Image.RGBAAt(4, 4)
	assert.InDelta(t, 127, int(got.A), 2)
}

func TestTextRenders(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size:  32,
		Texts: []*Text{parseText(t, entity.Options{"text": "X", "size": "20", "color": "white"})},
	})
	opaque := 0
	for i := 3; i < len(out.Image.Pix); i += 4 {
		if out.Image.Pix[i] > 0 {
			opaque++
		}
	}
	assert.Positive(t, opaque, "glyph must produce pixels")
}

func TestFitTextUsesAvailableBox(t *testing.T) {
	c := newTestCompositor(nil)
	small := c.Render(Input{
		Size:  24,
		Texts: []*Text{parseText(t, entity.Options{"text": "W", "size": "fit"})},
	})
	large := c.Render(Input{
		Size:  96,
		Texts: []*Text{parseText(t, entity.Options{"text": "W", "size": "fit"})},
	})
	count := func(img *image.RGBA) (n int) {
		for i := 3; i < len(img.Pix); i += 4 {
			if img.Pix[i] > 0 {
				n++
			}
		}
		return
	}
	assert.Greater(t, count(large.Image), count(small.Image))
}

func TestScrollAnimatesAndMoves(t *testing.T) {
	c := newTestCompositor(nil)
	long := entity.Options{
		"text": "a very long line that cannot possibly fit",
		"size": "14", "scroll": "40",
	}
	frame0 := c.Render(Input{Size: 32, Texts: []*Text{parseText(t, long)}, Elapsed: 0})
	frame1 := c.Render(Input{Size: 32, Texts: []*Text{parseText(t, long)}, Elapsed: 500 * time.Millisecond})

	assert.True(t, frame0.Animated)
	assert.True(t, frame1.Animated)
	assert.NotEqual(t, frame0.Image.Pix, frame1.Image.Pix, "scroll must advance")
}

func TestShortTextDoesNotScroll(t *testing.T) {
	c := newTestCompositor(nil)
	out := c.Render(Input{
		Size:  64,
		Texts: []*Text{parseText(t, entity.Options{"text": "ok", "size": "10", "scroll": "40"})},
	})
	assert.False(t, out.Animated, "no overflow, no animation")
}

func TestParseLayerErrors(t *testing.T) {
	cases := []entity.Options{
		{},
		{"file": "/a.png", "draw": "fill"},
		{"draw": "hexagon"},
		{"draw": "fill", "opacity": "150"},
		{"draw": "arc", "coords": "0,0,10,10", "angles": "1,2,3"},
		{"file": "/a.png", "crop": "1,2,3"},
	}
	for _, o := range cases {
		_, err := ParseLayer(o)
		assert.Error(t, err, "%v", o)
	}
}

func TestParseTextErrors(t *testing.T) {
	cases := []entity.Options{
		{"text": "x", "size": "zero"},
		{"text": "x", "align": "justified"},
		{"text": "x", "weight": "heavy"},
		{"text": "x", "valign": "center"},
	}
	for _, o := range cases {
		_, err := ParseText(o)
		assert.Error(t, err, "%v", o)
	}
}

func TestExpandEmojis(t *testing.T) {
	assert.Equal(t, "play ▶️ now", ExpandEmojis("play :play: now"))
	assert.Equal(t, ":unknown:", ExpandEmojis(":unknown:"))
	assert.Equal(t, "10:30", ExpandEmojis("10:30"))
	assert.Equal(t, "🔥🔥", ExpandEmojis(":fire::fire:"))
}

func TestTransform(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{255, 0, 0, 255})

	rot := Transform(img, device.Geometry{Rotation: 90})
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, rot.RGBAAt(1, 0))

	flipped := Transform(img, device.Geometry{FlipH: true})
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, flipped.RGBAAt(1, 0))

	same := Transform(img, device.Geometry{})
	assert.Equal(t, img.Pix, same.Pix)
}
