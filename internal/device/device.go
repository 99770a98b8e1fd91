// Package device is the hardware facade: the minimal contract the core
// needs from a key grid, and a fake implementation used by tests and
// headless runs. The USB transport lives behind this interface and is
// not part of the core.
package device

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// Geometry describes the physical surface.
type Geometry struct {
	Rows, Cols int
	KeySize    int // square key bitmaps, pixels per side

	// Pre-transform applied to each final key bitmap before transmission.
	Rotation int // degrees, multiples of 90
	FlipH    bool
	FlipV    bool
}

// KeyInput is one press or release with a monotonic timestamp.
type KeyInput struct {
	Row, Col int
	Pressed  bool
	When     time.Time
}

// Device is the hardware contract. Implementations admit one writer at
// a time; the core serializes all calls.
type Device interface {
	Serial() string
	Geometry() Geometry
	SetKey(row, col int, img *image.RGBA) error
	SetBrightness(percent int) error
	Keys() <-chan KeyInput
	Close() error
}

// Fake is an in-memory device recording every write. Input is injected
// through Press and Release. Safe for concurrent use so tests can poll
// while the core loop writes.
type Fake struct {
	serial string
	geo    Geometry
	keys   chan KeyInput

	mu         sync.Mutex
	images     map[[2]int]*image.RGBA
	brightness int
	writes     int
}

// NewFake builds a fake with the classic 3×5 grid of 72 px keys.
func NewFake(serial string) *Fake {
	return &Fake{
		serial: serial,
		geo:    Geometry{Rows: 3, Cols: 5, KeySize: 72},
		keys:   make(chan KeyInput, 64),
		images: map[[2]int]*image.RGBA{},
	}
}

// NewFakeWithGeometry builds a fake with an explicit surface.
func NewFakeWithGeometry(serial string, geo Geometry) *Fake {
	f := NewFake(serial)
	f.geo = geo
	return f
}

// Serial implements Device.
func (f *Fake) Serial() string { return f.serial }

// Geometry implements Device.
func (f *Fake) Geometry() Geometry { return f.geo }

// SetKey implements Device.
func (f *Fake) SetKey(row, col int, img *image.RGBA) error {
	if row < 1 || row > f.geo.Rows || col < 1 || col > f.geo.Cols {
		return fmt.Errorf("key %d,%d outside %dx%d grid", row, col, f.geo.Rows, f.geo.Cols)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[[2]int{row, col}] = img
	f.writes++
	return nil
}

// SetBrightness implements Device.
func (f *Fake) SetBrightness(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("brightness %d outside 0..100", percent)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.brightness = percent
	return nil
}

// Image returns the last bitmap written to a key, nil when none.
func (f *Fake) Image(row, col int) *image.RGBA {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[[2]int{row, col}]
}

// Brightness returns the last backlight level set.
func (f *Fake) Brightness() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.brightness
}

// Writes counts SetKey calls.
func (f *Fake) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// Keys implements Device.
func (f *Fake) Keys() <-chan KeyInput { return f.keys }

// Close implements Device.
func (f *Fake) Close() error {
	close(f.keys)
	return nil
}

// Press injects a key press at the given instant.
func (f *Fake) Press(row, col int, when time.Time) {
	f.keys <- KeyInput{Row: row, Col: col, Pressed: true, When: when}
}

// Release injects a key release.
func (f *Fake) Release(row, col int, when time.Time) {
	f.keys <- KeyInput{Row: row, Col: col, Pressed: false, When: when}
}
