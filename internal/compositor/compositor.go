// Package compositor turns a key's enabled image layers and text lines
// into one fixed-size RGBA bitmap. The per-layer pipeline runs in the
// fixed order crop → rotate → margin-fit → colorize → opacity; layers
// composite bottom-up; text lines render last by ascending line.
//
// Rendering is a pure function of its input plus the scroll clock, so
// recomputing a key with unchanged inputs yields byte-identical
// output.
package compositor

import (
	"image"
	"log/slog"
	"time"

	"github.com/sdfs/sdfs/internal/device"
)

// Input is everything one key render needs. Layers and texts arrive
// already ordered (ascending layer / line).
type Input struct {
	Size    int
	Layers  []*Layer
	Texts   []*Text
	Elapsed time.Duration // scroll clock
}

// Output is a finished key bitmap.
type Output struct {
	Image    *image.RGBA
	Animated bool // at least one text line is scrolling
}

// Compositor renders keys. It is safe for concurrent use, so the core
// can fan renders out over a worker pool.
type Compositor struct {
	fonts *FontSet
	read  FileReader
	log   *slog.Logger
}

// New builds a compositor. A nil reader uses the filesystem.
func New(read FileReader, log *slog.Logger) *Compositor {
	if read == nil {
		read = ReadFile
	}
	if log == nil {
		log = slog.Default()
	}
	return &Compositor{fonts: NewFontSet(read), read: read, log: log}
}

// Render composes one key. IO failures on individual layers degrade to
// a transparent layer and are logged with the offending source; the
// rest of the key still renders.
func (c *Compositor) Render(in Input) Output {
	out := image.NewRGBA(image.Rect(0, 0, in.Size, in.Size))

	for _, layer := range in.Layers {
		bitmap, err := layer.render(in.Size, c.read)
		if err != nil {
			c.log.Warn("layer render failed", "file", layer.File, "err", err)
			continue
		}
		compositeClipped(out, bitmap, out.Bounds())
	}

	animated := false
	for _, text := range in.Texts {
		a, err := text.render(out, in.Size, in.Elapsed, c.fonts)
		if err != nil {
			c.log.Warn("text render failed", "text", text.Text, "err", err)
			continue
		}
		animated = animated || a
	}

	return Output{Image: out, Animated: animated}
}

// Transform applies the device's rotation/flip descriptor to a final
// key bitmap before transmission.
func Transform(img *image.RGBA, geo device.Geometry) *image.RGBA {
	out := img
	if geo.Rotation%360 != 0 {
		out = rotateQuarter(out, ((geo.Rotation%360)+360)%360)
	}
	if geo.FlipH {
		out = flip(out, true)
	}
	if geo.FlipV {
		out = flip(out, false)
	}
	return out
}

func rotateQuarter(img *image.RGBA, degrees int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var out *image.RGBA
	switch degrees {
	case 90:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(h-1-y, x, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 180:
		out = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(w-1-x, h-1-y, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 270:
		out = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.SetRGBA(y, w-1-x, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	default:
		return img
	}
	return out
}

func flip(img *image.RGBA, horizontal bool) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if horizontal {
				out.SetRGBA(w-1-x, y, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			} else {
				out.SetRGBA(x, h-1-y, img.RGBAAt(b.Min.X+x, b.Min.Y+y))
			}
		}
	}
	return out
}
