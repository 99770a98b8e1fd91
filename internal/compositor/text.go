package compositor

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/gomediumitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/sdfs/sdfs/internal/entity"
)

// maxFitSize caps fit sizing so a one-character string on a large key
// stays reasonable.
const maxFitSize = 200

// Text is one parsed text line.
type Text struct {
	Text   string
	Color  color.RGBA
	Weight int // 100..900
	Italic bool
	Font   string // font file override

	Size int  // fixed pixel size; 0 with Fit set
	Fit  bool
	Wrap bool

	Align  string // left, center, right
	VAlign string // top, middle, bottom
	Margin [4]entity.Dim

	Opacity float64
	Scroll  int  // pixels per second; negative reverses
	Emojis  bool
}

var weightNames = map[string]int{
	"thin": 100, "extralight": 200, "light": 300, "regular": 400,
	"normal": 400, "medium": 500, "semibold": 600, "bold": 700,
	"extrabold": 800, "black": 900,
}

// ParseText builds a text line from normalized options.
func ParseText(o entity.Options) (*Text, error) {
	t := &Text{
		Text:    o.String("text", ""),
		Color:   color.RGBA{255, 255, 255, 255},
		Weight:  400,
		Font:    o.String("font", ""),
		Align:   o.String("align", "center"),
		VAlign:  o.String("valign", "middle"),
		Opacity: 100,
		Emojis:  true,
	}

	var err error
	if t.Color, err = o.Color("color", t.Color); err != nil {
		return nil, err
	}
	if w, ok := o["weight"]; ok {
		if n, named := weightNames[strings.ToLower(w)]; named {
			t.Weight = n
		} else if n, err := strconv.Atoi(w); err == nil && n >= 100 && n <= 900 {
			t.Weight = n
		} else {
			return nil, fmt.Errorf("option weight: %q is not a weight", w)
		}
	}
	if t.Italic, err = o.Bool("italic", false); err != nil {
		return nil, err
	}
	if t.Wrap, err = o.Bool("wrap", false); err != nil {
		return nil, err
	}
	if t.Emojis, err = o.Bool("emojis", true); err != nil {
		return nil, err
	}

	switch size := o.String("size", "fit"); size {
	case "fit":
		t.Fit = true
	default:
		n, err := strconv.Atoi(size)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("option size: %q is not a size", size)
		}
		t.Size = n
	}

	switch t.Align {
	case "left", "center", "right":
	default:
		return nil, fmt.Errorf("option align: %q", t.Align)
	}
	switch t.VAlign {
	case "top", "middle", "bottom":
	default:
		return nil, fmt.Errorf("option valign: %q", t.VAlign)
	}

	if o.Has("margin") {
		m, err := o.Dims("margin")
		if err != nil {
			return nil, err
		}
		copy(t.Margin[:], expandMargin(m))
	}
	if t.Opacity, err = o.Float("opacity", 100); err != nil {
		return nil, err
	}
	if t.Scroll, err = o.Int("scroll", 0); err != nil {
		return nil, err
	}
	return t, nil
}

// FontSet caches parsed fonts. Only the immutable *opentype.Font is
// shared: a face carries a mutable glyph buffer, so every face call
// builds a fresh one and the compositing workers never touch the same
// face concurrently.
type FontSet struct {
	mu     sync.Mutex
	fonts  map[string]*opentype.Font
	loader FileReader
}

// NewFontSet builds a cache; read loads custom font files.
func NewFontSet(read FileReader) *FontSet {
	return &FontSet{
		fonts:  map[string]*opentype.Font{},
		loader: read,
	}
}

// face resolves weight/italic/file to a sized face. The returned face
// is owned by the caller for the duration of one render.
func (fs *FontSet) face(t *Text, size int) (font.Face, error) {
	variant := t.Font
	if variant == "" {
		variant = builtinVariant(t.Weight, t.Italic)
	}
	fnt, err := fs.font(variant)
	if err != nil {
		return nil, err
	}

	face, err := opentype.NewFace(fnt, &opentype.FaceOptions{
		Size: float64(size), DPI: 72, Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("sizing font %s: %w", variant, err)
	}
	return face, nil
}

// font parses and caches the variant's font data under the lock.
func (fs *FontSet) font(variant string) (*opentype.Font, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fnt, ok := fs.fonts[variant]; ok {
		return fnt, nil
	}
	data, err := builtinTTF(variant)
	if err != nil {
		if fs.loader == nil {
			fs.loader = ReadFile
		}
		data, err = fs.loader(variant)
		if err != nil {
			return nil, fmt.Errorf("loading font %s: %w", variant, err)
		}
	}
	fnt, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing font %s: %w", variant, err)
	}
	fs.fonts[variant] = fnt
	return fnt, nil
}

func builtinVariant(weight int, italic bool) string {
	switch {
	case weight >= 700 && italic:
		return "go-bold-italic"
	case weight >= 700:
		return "go-bold"
	case weight >= 500 && italic:
		return "go-medium-italic"
	case weight >= 500:
		return "go-medium"
	case italic:
		return "go-italic"
	default:
		return "go-regular"
	}
}

func builtinTTF(variant string) ([]byte, error) {
	switch variant {
	case "go-regular":
		return goregular.TTF, nil
	case "go-bold":
		return gobold.TTF, nil
	case "go-italic":
		return goitalic.TTF, nil
	case "go-bold-italic":
		return gobolditalic.TTF, nil
	case "go-medium":
		return gomedium.TTF, nil
	case "go-medium-italic":
		return gomediumitalic.TTF, nil
	}
	return nil, fmt.Errorf("not a builtin font")
}

// layout is the resolved geometry of one text line at one size.
type layout struct {
	lines  []string
	width  int // widest line
	height int // total block height
	lineH  int
	face   font.Face
}

// render draws the text into dst and reports whether a scroll
// animation is active.
func (t *Text) render(dst *image.RGBA, size int, elapsed time.Duration, fonts *FontSet) (bool, error) {
	content := t.Text
	if t.Emojis {
		content = ExpandEmojis(content)
	}
	if content == "" {
		return false, nil
	}

	top := t.Margin[0].Resolve(size)
	right := t.Margin[1].Resolve(size)
	bottom := t.Margin[2].Resolve(size)
	left := t.Margin[3].Resolve(size)
	boxW := size - left - right
	boxH := size - top - bottom
	if boxW <= 0 || boxH <= 0 {
		return false, nil
	}

	var (
		lay *layout
		err error
	)
	if t.Fit {
		lay, err = t.fitLayout(content, boxW, boxH, fonts)
	} else {
		lay, err = t.layoutAt(content, t.Size, boxW, fonts)
	}
	if err != nil {
		return false, err
	}

	// Scroll replaces alignment along its axis when the content
	// overflows the box.
	scrollX, scrollY, animated := 0, 0, false
	if t.Scroll != 0 {
		span := 0
		if t.Wrap {
			span = lay.height - boxH
		} else {
			span = lay.width - boxW
		}
		if span > 0 {
			animated = true
			gap := boxW / 2
			if t.Wrap {
				gap = boxH / 2
			}
			period := span + gap
			offset := int(elapsed.Seconds()*float64(abs(t.Scroll))) % period
			if t.Wrap {
				scrollY = -offset
				if t.Scroll < 0 {
					scrollY = offset - span
				}
			} else {
				scrollX = -offset
				if t.Scroll < 0 {
					scrollX = offset - span
				}
			}
		}
	}

	layer := image.NewRGBA(image.Rect(0, 0, size, size))
	baseY := top
	if !animated || !t.Wrap {
		switch t.VAlign {
		case "middle":
			baseY = top + (boxH-lay.height)/2
		case "bottom":
			baseY = top + boxH - lay.height
		}
	}
	if animated && t.Wrap {
		baseY = top
	}

	metrics := lay.face.Metrics()
	ascent := metrics.Ascent.Ceil()

	for i, line := range lay.lines {
		w := measure(lay.face, line)
		x := left
		if !animated || t.Wrap {
			switch t.Align {
			case "center":
				x = left + (boxW-w)/2
			case "right":
				x = left + boxW - w
			}
		} else if t.Scroll < 0 {
			x = left + boxW - lay.width
		}

		d := &font.Drawer{
			Dst:  layer,
			Src:  image.NewUniform(t.Color),
			Face: lay.face,
			Dot: fixed.P(
				x+scrollX,
				baseY+scrollY+i*lay.lineH+ascent,
			),
		}
		d.DrawString(line)
	}

	if t.Opacity < 100 {
		fade(layer, t.Opacity/100)
	}

	// Clip to the margin box so scrolled content does not bleed.
	clip := image.Rect(left, top, left+boxW, top+boxH)
	compositeClipped(dst, layer, clip)
	return animated, nil
}

// fitLayout finds the largest size whose layout fits the box, treating
// the box strictly as an upper bound.
func (t *Text) fitLayout(content string, boxW, boxH int, fonts *FontSet) (*layout, error) {
	lo, hi := 1, maxFitSize
	var best *layout
	for lo <= hi {
		mid := (lo + hi) / 2
		lay, err := t.layoutAt(content, mid, boxW, fonts)
		if err != nil {
			return nil, err
		}
		if lay.width <= boxW && lay.height <= boxH {
			best = lay
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if best == nil {
		return t.layoutAt(content, 1, boxW, fonts)
	}
	return best, nil
}

func (t *Text) layoutAt(content string, size, boxW int, fonts *FontSet) (*layout, error) {
	face, err := fonts.face(t, size)
	if err != nil {
		return nil, err
	}

	var lines []string
	if t.Wrap {
		lines = wrapText(face, content, boxW)
	} else {
		lines = strings.Split(content, "\n")
	}

	metrics := face.Metrics()
	lineH := metrics.Height.Ceil()
	width := 0
	for _, l := range lines {
		width = max(width, measure(face, l))
	}
	return &layout{
		lines:  lines,
		width:  width,
		height: lineH * len(lines),
		lineH:  lineH,
		face:   face,
	}, nil
}

func measure(face font.Face, s string) int {
	return font.MeasureString(face, s).Ceil()
}

// wrapText greedily packs words into the box width, breaking overlong
// words by rune.
func wrapText(face font.Face, content string, boxW int) []string {
	var out []string
	for _, para := range strings.Split(content, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		cur := ""
		for _, word := range words {
			candidate := word
			if cur != "" {
				candidate = cur + " " + word
			}
			if measure(face, candidate) <= boxW || cur == "" {
				cur = candidate
				continue
			}
			out = append(out, cur)
			cur = word
		}
		out = append(out, cur)
	}
	return out
}

// compositeClipped alpha-composites src over dst inside clip only.
func compositeClipped(dst, src *image.RGBA, clip image.Rectangle) {
	clip = clip.Intersect(dst.Bounds())
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		for x := clip.Min.X; x < clip.Max.X; x++ {
			blendPixel(dst, src, x, y)
		}
	}
}

func blendPixel(dst, src *image.RGBA, x, y int) {
	si := src.PixOffset(x, y)
	sa := uint32(src.Pix[si+3])
	if sa == 0 {
		return
	}
	di := dst.PixOffset(x, y)
	if sa == 255 {
		copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		return
	}
	inv := 255 - sa
	for c := 0; c < 4; c++ {
		dst.Pix[di+c] = uint8(uint32(src.Pix[si+c]) + uint32(dst.Pix[di+c])*inv/255)
	}
}
