package entity

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
	"time"
)

// Options is a normalized option map with typed extractors. Extraction
// failures carry the option key so diagnostics can point at the exact
// piece of the filename.
type Options map[string]string

// String returns the value for key, or def when absent.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		return v
	}
	return def
}

// Has reports presence of key.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// Bool extracts a boolean option; bare flags parse as true.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	switch v {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("option %s: %q is not a boolean", key, v)
}

// Int extracts an integer option.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("option %s: %q is not an integer", key, v)
	}
	return n, nil
}

// Float extracts a float option.
func (o Options) Float(key string, def float64) (float64, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: %q is not a number", key, v)
	}
	return f, nil
}

// Ms extracts a millisecond duration option.
func (o Options) Ms(key string, def time.Duration) (time.Duration, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("option %s: %q is not a millisecond count", key, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// Dim is a length that is either absolute pixels or a percentage of
// the key size.
type Dim struct {
	Percent bool
	Value   float64
}

// Resolve converts the dimension to pixels against a reference size.
func (d Dim) Resolve(ref int) int {
	if d.Percent {
		return int(d.Value * float64(ref) / 100)
	}
	return int(d.Value)
}

// ParseDim parses "12" or "25%" or "12.5%".
func ParseDim(s string) (Dim, error) {
	s = strings.TrimSpace(s)
	pct := strings.HasSuffix(s, "%")
	if pct {
		s = strings.TrimSuffix(s, "%")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Dim{}, fmt.Errorf("%q is not a length", s)
	}
	return Dim{Percent: pct, Value: f}, nil
}

// Dim extracts a pixel-or-percent option.
func (o Options) Dim(key string, def Dim) (Dim, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	d, err := ParseDim(v)
	if err != nil {
		return Dim{}, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}

// Dims extracts a comma-separated tuple of pixel-or-percent lengths.
func (o Options) Dims(key string) ([]Dim, error) {
	v, ok := o[key]
	if !ok {
		return nil, nil
	}
	parts := strings.Split(v, ",")
	out := make([]Dim, len(parts))
	for i, p := range parts {
		d, err := ParseDim(p)
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
		out[i] = d
	}
	return out, nil
}

// tupleNames maps named sub-option indices for tuple options. Margins
// follow the CSS clockwise order, crops the PIL box order.
var tupleNames = map[string]map[string]int{
	"margin": {"top": 0, "right": 1, "bottom": 2, "left": 3},
	"crop":   {"left": 0, "top": 1, "right": 2, "bottom": 3},
}

// tupleSize is the expanded arity of tuple options with named indices.
var tupleSize = map[string]int{"margin": 4, "crop": 4}

// expandTuple grows a shorthand tuple to its full arity, CSS style:
// one value applies to all sides, two values to vertical/horizontal.
func expandTuple(key string, parts []string) []string {
	size, ok := tupleSize[key]
	if !ok || len(parts) >= size {
		return parts
	}
	switch len(parts) {
	case 1:
		return []string{parts[0], parts[0], parts[0], parts[0]}
	case 2:
		return []string{parts[0], parts[1], parts[0], parts[1]}
	case 3:
		return []string{parts[0], parts[1], parts[2], parts[1]}
	}
	return parts
}

// mergeIndexed folds `<opt>.<index-or-name>` keys into their base
// tuple. A partial override without a base definition is an error.
func mergeIndexed(opts map[string]string) error {
	for key, val := range opts {
		base, idx, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		baseVal, defined := opts[base]
		if !defined {
			return fmt.Errorf("option %s overrides %s, which is not defined", key, base)
		}
		parts := expandTuple(base, strings.Split(baseVal, ","))

		pos := -1
		if names, ok := tupleNames[base]; ok {
			if p, ok := names[idx]; ok {
				pos = p
			}
		}
		if pos < 0 {
			n, err := strconv.Atoi(idx)
			if err != nil || n < 1 {
				return fmt.Errorf("option %s: unknown index %q", key, idx)
			}
			pos = n - 1
		}
		if pos >= len(parts) {
			return fmt.Errorf("option %s: index %q out of range (%d values)", key, idx, len(parts))
		}
		parts[pos] = val
		opts[base] = strings.Join(parts, ",")
		delete(opts, key)
	}
	return nil
}

// namedColors is the color keyword set accepted by color options.
var namedColors = map[string]color.RGBA{
	"black":   {0, 0, 0, 255},
	"white":   {255, 255, 255, 255},
	"red":     {255, 0, 0, 255},
	"green":   {0, 128, 0, 255},
	"lime":    {0, 255, 0, 255},
	"blue":    {0, 0, 255, 255},
	"yellow":  {255, 255, 0, 255},
	"cyan":    {0, 255, 255, 255},
	"magenta": {255, 0, 255, 255},
	"gray":    {128, 128, 128, 255},
	"grey":    {128, 128, 128, 255},
	"silver":  {192, 192, 192, 255},
	"maroon":  {128, 0, 0, 255},
	"olive":   {128, 128, 0, 255},
	"navy":    {0, 0, 128, 255},
	"teal":    {0, 128, 128, 255},
	"purple":  {128, 0, 128, 255},
	"orange":  {255, 165, 0, 255},
	"pink":    {255, 192, 203, 255},
	"brown":   {165, 42, 42, 255},
}

// ParseColor accepts a color keyword or #rgb / #rrggbb / #rrggbbaa.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	if !strings.HasPrefix(s, "#") {
		return color.RGBA{}, fmt.Errorf("%q is not a color", s)
	}
	hex := s[1:]
	read := func(sub string) (uint8, error) {
		n, err := strconv.ParseUint(sub, 16, 8)
		return uint8(n), err
	}
	switch len(hex) {
	case 3:
		r, e1 := read(hex[0:1] + hex[0:1])
		g, e2 := read(hex[1:2] + hex[1:2])
		b, e3 := read(hex[2:3] + hex[2:3])
		if e1 != nil || e2 != nil || e3 != nil {
			return color.RGBA{}, fmt.Errorf("%q is not a color", s)
		}
		return color.RGBA{r, g, b, 255}, nil
	case 6, 8:
		r, e1 := read(hex[0:2])
		g, e2 := read(hex[2:4])
		b, e3 := read(hex[4:6])
		a := uint8(255)
		var e4 error
		if len(hex) == 8 {
			a, e4 = read(hex[6:8])
		}
		if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
			return color.RGBA{}, fmt.Errorf("%q is not a color", s)
		}
		return color.RGBA{r, g, b, a}, nil
	}
	return color.RGBA{}, fmt.Errorf("%q is not a color", s)
}

// Color extracts a color option.
func (o Options) Color(key string, def color.RGBA) (color.RGBA, error) {
	v, ok := o[key]
	if !ok {
		return def, nil
	}
	c, err := ParseColor(v)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("option %s: %w", key, err)
	}
	return c, nil
}
