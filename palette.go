package server

// The board stores palette indices, not raw color values. Translation to
// display color happens only at presentation boundaries (the map frame and
// the board HTTP endpoint).

// RGBA is a display color unpacked from the palette table.
type RGBA struct {
	R byte `json:"r"`
	G byte `json:"g"`
	B byte `json:"b"`
	A byte `json:"a"`
}

// DefaultPalette is the stock sixteen-color table, 0xRRGGBBAA packed.
var DefaultPalette = []uint32{
	0xffffffff, // white
	0xe4e4e4ff, // light grey
	0x888888ff, // grey
	0x222222ff, // black
	0xffa7d1ff, // pink
	0xe50000ff, // red
	0xe59500ff, // orange
	0xa06a42ff, // brown
	0xe5d900ff, // yellow
	0x94e044ff, // light green
	0x02be01ff, // green
	0x00d3ddff, // cyan
	0x0083c7ff, // blue
	0x0000eaff, // dark blue
	0xcf6ee4ff, // purple
	0x820080ff, // dark purple
}

// ColorToRGBA unpacks a palette entry. Indices past the table map to the
// first entry rather than faulting; the board itself never validates color
// values, only coordinates.
func ColorToRGBA(palette []uint32, index byte) RGBA {
	if int(index) >= len(palette) {
		index = 0
	}
	v := palette[index]
	return RGBA{
		R: byte(v >> 24),
		G: byte(v >> 16),
		B: byte(v >> 8),
		A: byte(v),
	}
}
