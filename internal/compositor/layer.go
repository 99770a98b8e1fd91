package compositor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/sdfs/sdfs/internal/entity"
)

// Layer is one parsed image layer: either a raster file or a vector
// primitive, plus the per-layer pipeline settings applied in the fixed
// order crop → rotate → margin-fit → colorize → opacity.
type Layer struct {
	File string
	Draw string

	Coords    []entity.Dim
	Angles    [2]float64 // degrees, 0 at 12 o'clock, clockwise
	Outline   color.RGBA
	Fill      *color.RGBA
	Thickness int

	Crop     []entity.Dim // left, top, right, bottom of the source
	Rotate   float64
	Margin   [4]entity.Dim // top, right, bottom, left
	Colorize *color.RGBA
	Opacity  float64 // 0..100
}

// drawPrimitives are the accepted draw= values.
var drawPrimitives = map[string]bool{
	"points": true, "line": true, "rectangle": true, "polygon": true,
	"ellipse": true, "arc": true, "chord": true, "pieslice": true,
	"fill": true,
}

// ParseLayer builds a layer from normalized options.
func ParseLayer(o entity.Options) (*Layer, error) {
	l := &Layer{
		File:      o.String("file", ""),
		Draw:      o.String("draw", ""),
		Outline:   color.RGBA{255, 255, 255, 255},
		Thickness: 1,
		Opacity:   100,
	}
	if l.File == "" && l.Draw == "" {
		return nil, fmt.Errorf("image needs file= or draw=")
	}
	if l.File != "" && l.Draw != "" {
		return nil, fmt.Errorf("file= and draw= are exclusive")
	}
	if l.Draw != "" && !drawPrimitives[l.Draw] {
		return nil, fmt.Errorf("unknown draw primitive %q", l.Draw)
	}

	var err error
	if l.Coords, err = o.Dims("coords"); err != nil {
		return nil, err
	}
	if l.Outline, err = o.Color("color", l.Outline); err != nil {
		return nil, err
	}
	if o.Has("fill") {
		c, err := o.Color("fill", color.RGBA{})
		if err != nil {
			return nil, err
		}
		l.Fill = &c
	}
	if l.Thickness, err = o.Int("thickness", 1); err != nil {
		return nil, err
	}
	if o.Has("angles") {
		dims, err := o.Dims("angles")
		if err != nil {
			return nil, err
		}
		if len(dims) != 2 {
			return nil, fmt.Errorf("angles needs start,end")
		}
		l.Angles[0] = angleDegrees(dims[0])
		l.Angles[1] = angleDegrees(dims[1])
	}
	if o.Has("crop") {
		crop, err := o.Dims("crop")
		if err != nil {
			return nil, err
		}
		if len(crop) != 4 {
			return nil, fmt.Errorf("crop needs left,top,right,bottom")
		}
		l.Crop = crop
	}
	if l.Rotate, err = o.Float("rotate", 0); err != nil {
		return nil, err
	}
	if o.Has("margin") {
		m, err := o.Dims("margin")
		if err != nil {
			return nil, err
		}
		copy(l.Margin[:], expandMargin(m))
	}
	if o.Has("colorize") {
		c, err := o.Color("colorize", color.RGBA{})
		if err != nil {
			return nil, err
		}
		l.Colorize = &c
	}
	if l.Opacity, err = o.Float("opacity", 100); err != nil {
		return nil, err
	}
	if l.Opacity < 0 || l.Opacity > 100 {
		return nil, fmt.Errorf("opacity %v outside 0..100", l.Opacity)
	}
	return l, nil
}

// angleDegrees converts an angle dimension: percents map 100% to a
// full turn.
func angleDegrees(d entity.Dim) float64 {
	if d.Percent {
		return d.Value * 3.6
	}
	return d.Value
}

func expandMargin(m []entity.Dim) []entity.Dim {
	switch len(m) {
	case 1:
		return []entity.Dim{m[0], m[0], m[0], m[0]}
	case 2:
		return []entity.Dim{m[0], m[1], m[0], m[1]}
	case 3:
		return []entity.Dim{m[0], m[1], m[2], m[1]}
	default:
		out := make([]entity.Dim, 4)
		copy(out, m)
		return out
	}
}

// render produces the layer bitmap at the key size.
func (l *Layer) render(size int, read FileReader) (*image.RGBA, error) {
	var src *image.RGBA
	if l.File != "" {
		decoded, err := loadRaster(l.File, read)
		if err != nil {
			return nil, err
		}
		src = cropSource(decoded, l.Crop)
	} else {
		src = image.NewRGBA(image.Rect(0, 0, size, size))
		l.drawPrimitive(src, size)
	}

	if l.Rotate != 0 {
		rotated := imaging.Rotate(src, -l.Rotate, color.NRGBA{})
		src = toRGBA(rotated)
	}

	src = l.fitToMargin(src, size)

	if l.Colorize != nil {
		colorize(src, *l.Colorize)
	}
	if l.Opacity < 100 {
		fade(src, l.Opacity/100)
	}
	return src, nil
}

// FileReader loads raster bytes; swapped in tests.
type FileReader func(path string) ([]byte, error)

// ReadFile is the default reader.
func ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func loadRaster(path string, read FileReader) (*image.RGBA, error) {
	if read == nil {
		read = ReadFile
	}
	raw, err := read(path)
	if err != nil {
		return nil, fmt.Errorf("reading image %s: %w", path, err)
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding image %s: %w", path, err)
	}
	return toRGBA(img), nil
}

func cropSource(src *image.RGBA, crop []entity.Dim) *image.RGBA {
	if len(crop) != 4 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	rect := image.Rect(
		crop[0].Resolve(w), crop[1].Resolve(h),
		crop[2].Resolve(w), crop[3].Resolve(h),
	)
	return toRGBA(imaging.Crop(src, rect))
}

// fitToMargin scales the source, aspect preserved, into the key square
// minus margins and centers it there. Drawings already at key size
// with no margin pass through untouched.
func (l *Layer) fitToMargin(src *image.RGBA, size int) *image.RGBA {
	top := l.Margin[0].Resolve(size)
	right := l.Margin[1].Resolve(size)
	bottom := l.Margin[2].Resolve(size)
	left := l.Margin[3].Resolve(size)

	boxW := size - left - right
	boxH := size - top - bottom
	if boxW <= 0 || boxH <= 0 {
		return image.NewRGBA(image.Rect(0, 0, size, size))
	}

	b := src.Bounds()
	if b.Dx() == boxW && b.Dy() == boxH && left == 0 && top == 0 && b.Dx() == size {
		return src
	}

	scale := math.Min(float64(boxW)/float64(b.Dx()), float64(boxH)/float64(b.Dy()))
	tw := max(1, int(math.Round(float64(b.Dx())*scale)))
	th := max(1, int(math.Round(float64(b.Dy())*scale)))
	fitted := imaging.Resize(src, tw, th, imaging.Lanczos)
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	fb := fitted.Bounds()
	offX := left + (boxW-fb.Dx())/2
	offY := top + (boxH-fb.Dy())/2
	draw.Draw(out, image.Rect(offX, offY, offX+fb.Dx(), offY+fb.Dy()), fitted, fb.Min, draw.Over)
	return out
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// colorize replaces every pixel's color, preserving alpha.
func colorize(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			a := img.Pix[i+3]
			if a == 0 {
				continue
			}
			// Premultiplied storage: scale the replacement by alpha.
			img.Pix[i+0] = uint8(uint16(c.R) * uint16(a) / 255)
			img.Pix[i+1] = uint8(uint16(c.G) * uint16(a) / 255)
			img.Pix[i+2] = uint8(uint16(c.B) * uint16(a) / 255)
		}
	}
}

// fade scales the whole bitmap's alpha (and premultiplied channels).
func fade(img *image.RGBA, factor float64) {
	if factor >= 1 {
		return
	}
	if factor < 0 {
		factor = 0
	}
	for i := 0; i < len(img.Pix); i++ {
		img.Pix[i] = uint8(float64(img.Pix[i]) * factor)
	}
}

// drawPrimitive rasterizes the vector primitive onto a transparent
// key-sized canvas.
func (l *Layer) drawPrimitive(dst *image.RGBA, size int) {
	pts := resolvePoints(l.Coords, size)
	switch l.Draw {
	case "fill":
		fillColor := l.Outline
		if l.Fill != nil {
			fillColor = *l.Fill
		}
		fillRect(dst, dst.Bounds(), fillColor)
	case "points":
		for _, p := range pts {
			stamp(dst, p.X, p.Y, l.Thickness, l.Outline)
		}
	case "line":
		strokePolyline(dst, pts, l.Thickness, l.Outline, false)
	case "rectangle":
		if len(pts) >= 2 {
			r := image.Rect(pts[0].X, pts[0].Y, pts[1].X, pts[1].Y)
			if l.Fill != nil {
				fillRect(dst, r, *l.Fill)
			}
			corners := []image.Point{
				{r.Min.X, r.Min.Y}, {r.Max.X, r.Min.Y},
				{r.Max.X, r.Max.Y}, {r.Min.X, r.Max.Y},
			}
			strokePolyline(dst, corners, l.Thickness, l.Outline, true)
		}
	case "polygon":
		if len(pts) >= 3 {
			if l.Fill != nil {
				fillPolygon(dst, pts, *l.Fill)
			}
			strokePolyline(dst, pts, l.Thickness, l.Outline, true)
		}
	case "ellipse":
		if len(pts) >= 2 {
			l.drawEllipse(dst, pts[0], pts[1])
		}
	case "arc", "chord", "pieslice":
		if len(pts) >= 2 {
			l.drawArcLike(dst, pts[0], pts[1])
		}
	}
}

func resolvePoints(coords []entity.Dim, size int) []image.Point {
	pts := make([]image.Point, 0, len(coords)/2)
	for i := 0; i+1 < len(coords); i += 2 {
		pts = append(pts, image.Point{
			X: coords[i].Resolve(size),
			Y: coords[i+1].Resolve(size),
		})
	}
	return pts
}

func (l *Layer) drawEllipse(dst *image.RGBA, p0, p1 image.Point) {
	outline := sampleEllipse(p0, p1, 0, 360)
	if l.Fill != nil {
		fillPolygon(dst, outline, *l.Fill)
	}
	strokePolyline(dst, outline, l.Thickness, l.Outline, true)
}

func (l *Layer) drawArcLike(dst *image.RGBA, p0, p1 image.Point) {
	arc := sampleEllipse(p0, p1, l.Angles[0], l.Angles[1])
	if len(arc) == 0 {
		return
	}
	switch l.Draw {
	case "arc":
		strokePolyline(dst, arc, l.Thickness, l.Outline, false)
	case "chord":
		if l.Fill != nil {
			fillPolygon(dst, arc, *l.Fill)
		}
		strokePolyline(dst, arc, l.Thickness, l.Outline, true)
	case "pieslice":
		cx := (p0.X + p1.X) / 2
		cy := (p0.Y + p1.Y) / 2
		shape := append([]image.Point{{cx, cy}}, arc...)
		if l.Fill != nil {
			fillPolygon(dst, shape, *l.Fill)
		}
		strokePolyline(dst, shape, l.Thickness, l.Outline, true)
	}
}

// sampleEllipse walks the ellipse inscribed in the box from start to
// end degrees (0 at 12 o'clock, clockwise) in one-degree steps.
func sampleEllipse(p0, p1 image.Point, start, end float64) []image.Point {
	cx := float64(p0.X+p1.X) / 2
	cy := float64(p0.Y+p1.Y) / 2
	rx := math.Abs(float64(p1.X-p0.X)) / 2
	ry := math.Abs(float64(p1.Y-p0.Y)) / 2
	if end < start {
		end += 360
	}

	var pts []image.Point
	for deg := start; deg <= end; deg++ {
		rad := deg * math.Pi / 180
		x := cx + rx*math.Sin(rad)
		y := cy - ry*math.Cos(rad)
		p := image.Point{X: int(math.Round(x)), Y: int(math.Round(y))}
		if len(pts) == 0 || pts[len(pts)-1] != p {
			pts = append(pts, p)
		}
	}
	return pts
}

func strokePolyline(dst *image.RGBA, pts []image.Point, thickness int, c color.RGBA, closed bool) {
	if len(pts) == 0 {
		return
	}
	if len(pts) == 1 {
		stamp(dst, pts[0].X, pts[0].Y, thickness, c)
		return
	}
	for i := 0; i+1 < len(pts); i++ {
		strokeSegment(dst, pts[i], pts[i+1], thickness, c)
	}
	if closed {
		strokeSegment(dst, pts[len(pts)-1], pts[0], thickness, c)
	}
}

// strokeSegment stamps a round pen along the segment.
func strokeSegment(dst *image.RGBA, a, b image.Point, thickness int, c color.RGBA) {
	dx := b.X - a.X
	dy := b.Y - a.Y
	steps := max(abs(dx), abs(dy))
	if steps == 0 {
		stamp(dst, a.X, a.Y, thickness, c)
		return
	}
	for i := 0; i <= steps; i++ {
		x := a.X + dx*i/steps
		y := a.Y + dy*i/steps
		stamp(dst, x, y, thickness, c)
	}
}

// stamp sets a filled disc of the pen diameter at (x, y).
func stamp(dst *image.RGBA, x, y, thickness int, c color.RGBA) {
	if thickness <= 1 {
		setPixel(dst, x, y, c)
		return
	}
	r := thickness / 2
	for oy := -r; oy <= r; oy++ {
		for ox := -r; ox <= r; ox++ {
			if ox*ox+oy*oy <= r*r {
				setPixel(dst, x+ox, y+oy, c)
			}
		}
	}
}

func setPixel(dst *image.RGBA, x, y int, c color.RGBA) {
	if !(image.Point{x, y}).In(dst.Bounds()) {
		return
	}
	dst.SetRGBA(x, y, premultiply(c))
}

func premultiply(c color.RGBA) color.RGBA {
	if c.A == 255 {
		return c
	}
	return color.RGBA{
		R: uint8(uint16(c.R) * uint16(c.A) / 255),
		G: uint8(uint16(c.G) * uint16(c.A) / 255),
		B: uint8(uint16(c.B) * uint16(c.A) / 255),
		A: c.A,
	}
}

func fillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Canon().Intersect(dst.Bounds())
	pm := premultiply(c)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetRGBA(x, y, pm)
		}
	}
}

// fillPolygon rasterizes with an even-odd scanline pass.
func fillPolygon(dst *image.RGBA, pts []image.Point, c color.RGBA) {
	if len(pts) < 3 {
		return
	}
	minY, maxY := pts[0].Y, pts[0].Y
	for _, p := range pts {
		minY = min(minY, p.Y)
		maxY = max(maxY, p.Y)
	}
	pm := premultiply(c)
	for y := minY; y <= maxY; y++ {
		var xs []float64
		fy := float64(y) + 0.5
		for i := range pts {
			a := pts[i]
			b := pts[(i+1)%len(pts)]
			ay, by := float64(a.Y), float64(b.Y)
			if (ay <= fy) == (by <= fy) {
				continue
			}
			t := (fy - ay) / (by - ay)
			xs = append(xs, float64(a.X)+t*float64(b.X-a.X))
		}
		sortFloats(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			for x := int(math.Ceil(xs[i] - 0.5)); float64(x) < xs[i+1]-0.5; x++ {
				setPixelPM(dst, x, y, pm)
			}
		}
	}
}

func setPixelPM(dst *image.RGBA, x, y int, pm color.RGBA) {
	if (image.Point{x, y}).In(dst.Bounds()) {
		dst.SetRGBA(x, y, pm)
	}
}

func sortFloats(xs []float64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
