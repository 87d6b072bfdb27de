package gterm

// Frame is a snapshot of the cell grid together with the pixel and cell
// dimensions it was built for. The producer (input/event layer) owns a Frame
// until it hands it to [Renderer.Update]; from that point on the Cells slice
// is shared with the render goroutine and must not be mutated. To change cell
// contents after an Update, build a new Frame (or at least a fresh Cells
// slice) — NewFrame does this naturally on every resize.
type Frame struct {
	// PxWidth and PxHeight are the surface dimensions in pixels.
	PxWidth  uint16
	PxHeight uint16

	// Cols and Rows are the cell grid dimensions.
	Cols uint16
	Rows uint16

	// Cells holds Rows*Cols cell records in row-major order.
	Cells []Cell
}

// NewFrame allocates a blank frame for a surface of pxWidth x pxHeight pixels
// rendered with glyphs of glyphPx x glyphPy pixels. The grid dimensions are
// floor(pxWidth/glyphPx) x floor(pxHeight/glyphPy), matching what the cell
// pipeline computes for the same surface size.
func NewFrame(pxWidth, pxHeight, glyphPx, glyphPy uint16) Frame {
	var cols, rows uint16
	if glyphPx > 0 {
		cols = pxWidth / glyphPx
	}
	if glyphPy > 0 {
		rows = pxHeight / glyphPy
	}
	return Frame{
		PxWidth:  pxWidth,
		PxHeight: pxHeight,
		Cols:     cols,
		Rows:     rows,
		Cells:    make([]Cell, int(rows)*int(cols)),
	}
}

// At returns a pointer to the cell at (col, row). It panics when the position
// is outside the grid, like a slice index would.
func (f *Frame) At(col, row int) *Cell {
	if col < 0 || col >= int(f.Cols) || row < 0 || row >= int(f.Rows) {
		panic("gterm: frame cell index out of range")
	}
	return &f.Cells[row*int(f.Cols)+col]
}

// Clone returns a copy of the frame with its own Cells slice. Producers
// that keep mutating a working frame clone it for each Update.
func (f *Frame) Clone() Frame {
	c := *f
	c.Cells = make([]Cell, len(f.Cells))
	copy(c.Cells, f.Cells)
	return c
}

// Fill sets every cell of the frame to c.
func (f *Frame) Fill(c Cell) {
	for i := range f.Cells {
		f.Cells[i] = c
	}
}
