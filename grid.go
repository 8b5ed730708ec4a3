package server

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfBounds is returned when a coordinate falls outside the board.
// Callers drop the offending pixel; it never aborts a whole batch.
var ErrOutOfBounds = errors.New("pixel position out of bounds")

// Pixel is a single cell write: a coordinate plus a palette index.
type Pixel struct {
	X     int  `json:"x"`
	Y     int  `json:"y"`
	Color byte `json:"color"`
}

// Grid owns the canonical board: a dense row-major byte array of palette
// indices. All mutation goes through Set under the grid's own lock; readers
// get copies, never the live buffer.
type Grid struct {
	mu     sync.RWMutex
	width  int
	height int
	cells  []byte
}

// NewGrid allocates an all-zero board. Dimensions must be positive and fit
// the uint16 fields of the persisted header.
func NewGrid(width, height int) (*Grid, error) {
	if width <= 0 || width > 0xffff || height <= 0 || height > 0xffff {
		return nil, fmt.Errorf("invalid grid dimensions %dx%d", width, height)
	}
	return &Grid{
		width:  width,
		height: height,
		cells:  make([]byte, width*height),
	}, nil
}

// GridFromBytes wraps an existing row-major buffer, copying it so the caller
// cannot alias the board's storage.
func GridFromBytes(width, height int, data []byte) (*Grid, error) {
	g, err := NewGrid(width, height)
	if err != nil {
		return nil, err
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("grid payload is %d bytes, want %d", len(data), width*height)
	}
	copy(g.cells, data)
	return g, nil
}

func (g *Grid) Width() int  { return g.width }
func (g *Grid) Height() int { return g.height }

// index maps a coordinate onto the flat buffer. Bounds are the caller's
// responsibility; every exported accessor checks first.
func (g *Grid) index(x, y int) int {
	return y*g.width + x
}

// InBounds reports whether the coordinate addresses a cell.
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.width && y >= 0 && y < g.height
}

// Set writes one cell. Out-of-range coordinates are rejected without
// mutation, never wrapped or clamped.
func (g *Grid) Set(x, y int, color byte) error {
	if !g.InBounds(x, y) {
		return fmt.Errorf("set (%d,%d): %w", x, y, ErrOutOfBounds)
	}
	g.mu.Lock()
	g.cells[g.index(x, y)] = color
	g.mu.Unlock()
	return nil
}

// Get reads one cell with the same bounds rule as Set.
func (g *Grid) Get(x, y int) (byte, error) {
	if !g.InBounds(x, y) {
		return 0, fmt.Errorf("get (%d,%d): %w", x, y, ErrOutOfBounds)
	}
	g.mu.RLock()
	c := g.cells[g.index(x, y)]
	g.mu.RUnlock()
	return c, nil
}

// Apply writes a batch of already-validated pixels under one lock hold so a
// concurrent Snapshot never observes half a batch. Later entries targeting
// the same cell win, matching across-batch semantics.
func (g *Grid) Apply(pixels []Pixel) {
	if len(pixels) == 0 {
		return
	}
	g.mu.Lock()
	for _, p := range pixels {
		if !g.InBounds(p.X, p.Y) {
			continue
		}
		g.cells[g.index(p.X, p.Y)] = p.Color
	}
	g.mu.Unlock()
}

// Snapshot returns a consistent copy of the full board.
func (g *Grid) Snapshot() []byte {
	g.mu.RLock()
	out := make([]byte, len(g.cells))
	copy(out, g.cells)
	g.mu.RUnlock()
	return out
}
