package gterm

import (
	"encoding/binary"
	"unsafe"
)

// Color is a terminal cell color: three independent 8-bit channels.
// Cells are always opaque, so there is no alpha channel.
type Color struct {
	R uint8
	G uint8
	B uint8
}

// Attr is a 16-bit cell attribute bitfield. Only the bits named below are
// interpreted; all other bits are reserved and travel through the binary
// encoding untouched.
type Attr uint16

const (
	// AttrBold selects the alternate (bold) font atlas for the cell.
	AttrBold Attr = 1 << iota

	// AttrUnderline turns on the underline row of the glyph cell.
	AttrUnderline

	// AttrInverse swaps the cell's foreground and background colors.
	AttrInverse
)

// Bold reports whether the bold bit is set.
func (a Attr) Bold() bool { return a&AttrBold != 0 }

// Underline reports whether the underline bit is set.
func (a Attr) Underline() bool { return a&AttrUnderline != 0 }

// Inverse reports whether the inverse bit is set.
func (a Attr) Inverse() bool { return a&AttrInverse != 0 }

// Cell describes one terminal character position. Its wire image is the one
// binary contract this module keeps stable: the GPU compute stage reads cell
// records with a fixed 12-byte stride, so the encoded layout is versioned by
// CellSize and the explicit offsets in AppendCell.
//
// A zero Codepoint means "blank": the cell renders as background only.
type Cell struct {
	// Codepoint is a Unicode scalar value. Codepoints above 0xFFFF are not
	// representable and render blank.
	Codepoint uint16

	// Attrs holds the bold/underline/inverse flags plus reserved bits.
	Attrs Attr

	// Fg and Bg are the cell's foreground and background colors. Each is
	// followed by one reserved byte so the record stride stays 4-byte
	// aligned; the reserved bytes encode as zero.
	Fg Color
	_  uint8
	Bg Color
	_  uint8
}

// CellSize is the encoded size of one Cell in bytes. The stride is 4-byte
// aligned; any layout change must keep it so.
const CellSize = 12

// Encoded layout, little-endian, version 1:
//
//	offset 0..1   codepoint (uint16)
//	offset 2..3   attrs     (uint16)
//	offset 4..6   fg R,G,B
//	offset 7      reserved (zero)
//	offset 8..10  bg R,G,B
//	offset 11     reserved (zero)
const (
	cellOffCodepoint = 0
	cellOffAttrs     = 2
	cellOffFg        = 4
	cellOffBg        = 8
)

// The in-memory struct is encoded field by field, so its own size never
// crosses the GPU boundary. Still, keep it at the wire size so a []Cell is
// byte-for-byte the size of its encoding.
var _ = [1]struct{}{}[unsafe.Sizeof(Cell{})-CellSize]

// AppendCell appends the 12-byte encoding of c to dst and returns the
// extended slice.
func AppendCell(dst []byte, c Cell) []byte {
	var rec [CellSize]byte
	binary.LittleEndian.PutUint16(rec[cellOffCodepoint:], c.Codepoint)
	binary.LittleEndian.PutUint16(rec[cellOffAttrs:], uint16(c.Attrs))
	rec[cellOffFg+0] = c.Fg.R
	rec[cellOffFg+1] = c.Fg.G
	rec[cellOffFg+2] = c.Fg.B
	rec[cellOffBg+0] = c.Bg.R
	rec[cellOffBg+1] = c.Bg.G
	rec[cellOffBg+2] = c.Bg.B
	return append(dst, rec[:]...)
}

// EncodeCells appends the encoding of every cell to dst (which may be nil)
// and returns the extended slice. The result is the exact byte image the GPU
// cell buffer is built from: len(cells)*CellSize bytes.
func EncodeCells(dst []byte, cells []Cell) []byte {
	if cap(dst)-len(dst) < len(cells)*CellSize {
		grown := make([]byte, len(dst), len(dst)+len(cells)*CellSize)
		copy(grown, dst)
		dst = grown
	}
	for _, c := range cells {
		dst = AppendCell(dst, c)
	}
	return dst
}

// DecodeCell decodes one 12-byte cell record. It is the inverse of AppendCell
// and exists mainly so tests can round-trip the contract; reserved attribute
// bits survive the round trip.
func DecodeCell(rec []byte) Cell {
	_ = rec[CellSize-1]
	return Cell{
		Codepoint: binary.LittleEndian.Uint16(rec[cellOffCodepoint:]),
		Attrs:     Attr(binary.LittleEndian.Uint16(rec[cellOffAttrs:])),
		Fg: Color{
			R: rec[cellOffFg+0],
			G: rec[cellOffFg+1],
			B: rec[cellOffFg+2],
		},
		Bg: Color{
			R: rec[cellOffBg+0],
			G: rec[cellOffBg+1],
			B: rec[cellOffBg+2],
		},
	}
}
