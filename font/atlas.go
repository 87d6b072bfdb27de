package font

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"slices"

	xfont "golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/text/width"
)

// Atlas construction errors.
var (
	// ErrGeometryMismatch is returned when an overlay font's glyph cell
	// geometry differs from the primary atlas it must conform to.
	ErrGeometryMismatch = errors.New("font: overlay glyph geometry differs from primary atlas")

	// ErrAtlasCapacity is returned when a font has more glyphs than the
	// 255x255 slot grid can address.
	ErrAtlasCapacity = errors.New("font: glyph count exceeds atlas capacity")
)

// DefaultSizePx is the default glyph size in pixels when no option is given.
const DefaultSizePx = 16

// maxSlots is the per-axis slot limit. SlotPos addresses slots with uint8
// coordinates, so the grid can never exceed 255x255.
const maxSlots = 255

// SlotPos addresses one glyph slot within an atlas grid.
// The zero value is the reserved blank slot.
type SlotPos struct {
	X uint8
	Y uint8
}

// Atlas is a fixed-geometry glyph atlas: an alpha-channel pixel buffer of
// Nx*Px x Ny*Py pixels holding Nx x Ny glyph slots, and a mapping from
// codepoint to slot. Slot (0,0) is reserved blank; a Lookup that reports
// false (zero SlotPos) means the codepoint has no glyph.
//
// An Atlas is immutable after construction and safe for concurrent reads.
type Atlas struct {
	// Px and Py are the glyph cell size in pixels.
	Px uint16
	Py uint16

	// Nx and Ny are the slot grid dimensions.
	Nx uint16
	Ny uint16

	// Data is the atlas pixel buffer, one alpha byte per pixel,
	// Nx*Px bytes per row, Ny*Py rows.
	Data []byte

	sizePx   float64
	atlasMap map[uint16]SlotPos
	atlasSeq uint16
	codes    []uint16
}

// Option configures atlas construction.
type Option func(*atlasConfig)

type atlasConfig struct {
	sizePx float64
}

// WithSizePx sets the nominal glyph size in pixels (the font's em size).
// The actual cell geometry is derived from the font's advance and line
// metrics at this size.
func WithSizePx(px float64) Option {
	return func(c *atlasConfig) { c.sizePx = px }
}

// NewAtlas loads a monospace font file and builds its glyph atlas.
// Every codepoint the font can rasterize into a single cell gets a slot,
// assigned sequentially starting at 1; slot (0,0) stays blank. Codepoints
// whose glyphs cannot be rasterized, or whose advance does not match the
// font's cell width, are silently absent from the map. A file that cannot
// be read or parsed is a fatal construction error.
func NewAtlas(path string, opts ...Option) (*Atlas, error) {
	parsed, err := parseFontFile(path)
	if err != nil {
		return nil, err
	}
	return buildAtlas(parsed, nil, applyOptions(opts))
}

// NewAtlasFromBytes is NewAtlas for in-memory font data.
func NewAtlasFromBytes(data []byte, opts ...Option) (*Atlas, error) {
	parsed, err := parseFont(data)
	if err != nil {
		return nil, err
	}
	return buildAtlas(parsed, nil, applyOptions(opts))
}

// NewAtlasOverlay loads an alternate (typically bold) font and builds an
// atlas conforming to the exact geometry of an already-built primary atlas.
// The overlay's pixel buffer starts as a copy of the primary's; every glyph
// the alternate font can render overwrites its slot, reusing the primary's
// slot for codepoints both fonts cover and allocating new sequential slots
// for codepoints only the alternate has. Codepoints the alternate lacks keep
// the primary's pixels, so the overlay atlas always shows something sensible.
//
// The overlay's slot mapping is a superset of the primary's, so one lookup
// table serves both atlases. A glyph-cell geometry mismatch between the two
// fonts is a fatal construction error.
func NewAtlasOverlay(path string, primary *Atlas, opts ...Option) (*Atlas, error) {
	parsed, err := parseFontFile(path)
	if err != nil {
		return nil, err
	}
	cfg := applyOptions(opts)
	cfg.sizePx = primary.sizePx
	return buildAtlas(parsed, primary, cfg)
}

// NewAtlasOverlayFromBytes is NewAtlasOverlay for in-memory font data.
func NewAtlasOverlayFromBytes(data []byte, primary *Atlas, opts ...Option) (*Atlas, error) {
	parsed, err := parseFont(data)
	if err != nil {
		return nil, err
	}
	cfg := applyOptions(opts)
	cfg.sizePx = primary.sizePx
	return buildAtlas(parsed, primary, cfg)
}

func applyOptions(opts []Option) atlasConfig {
	cfg := atlasConfig{sizePx: DefaultSizePx}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Lookup resolves a codepoint to its atlas slot. ok is false when the
// codepoint has no glyph; the returned zero SlotPos is then the blank slot.
func (a *Atlas) Lookup(code uint16) (pos SlotPos, ok bool) {
	pos, ok = a.atlasMap[code]
	return pos, ok
}

// Map returns the codepoint-to-slot mapping. The returned map is the atlas's
// own and must not be modified.
func (a *Atlas) Map() map[uint16]SlotPos {
	return a.atlasMap
}

// GlyphCount returns the number of mapped codepoints.
func (a *Atlas) GlyphCount() int {
	return len(a.atlasMap)
}

// SupportedCodes returns the mapped codepoints in ascending order.
// The returned slice is the atlas's own and must not be modified.
func (a *Atlas) SupportedCodes() []uint16 {
	return a.codes
}

// SizePx returns the nominal glyph size the atlas was built at.
func (a *Atlas) SizePx() float64 {
	return a.sizePx
}

// buildAtlas rasterizes every eligible glyph of parsed into an atlas.
// With a non-nil primary it builds an overlay: geometry and slot mapping are
// taken from the primary and the pixel buffer starts as a copy of its data.
func buildAtlas(parsed *parsedFont, primary *Atlas, cfg atlasConfig) (*Atlas, error) {
	face, err := opentype.NewFace(parsed.raster, &opentype.FaceOptions{
		Size:    cfg.sizePx,
		DPI:     72,
		Hinting: xfont.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("font: create face: %w", err)
	}
	defer func() {
		_ = face.Close()
	}()

	metrics := face.Metrics()
	px, py, ascent := cellGeometry(face, metrics)
	if px == 0 || py == 0 {
		return nil, fmt.Errorf("font: degenerate glyph geometry %dx%d", px, py)
	}

	codes := coveredCodes(parsed, face, px)

	atlas := &Atlas{
		Px:     px,
		Py:     py,
		sizePx: cfg.sizePx,
	}

	if primary != nil {
		if px != primary.Px || py != primary.Py {
			return nil, fmt.Errorf("%w: primary %dx%d, overlay %dx%d",
				ErrGeometryMismatch, primary.Px, primary.Py, px, py)
		}
		atlas.Nx = primary.Nx
		atlas.Ny = primary.Ny
		atlas.Data = append([]byte(nil), primary.Data...)
		atlas.atlasMap = make(map[uint16]SlotPos, len(primary.atlasMap))
		for code, pos := range primary.atlasMap {
			atlas.atlasMap[code] = pos
		}
		atlas.atlasSeq = primary.atlasSeq
	} else {
		// One extra slot for the reserved blank at (0,0).
		nx, ny, err := gridFor(len(codes) + 1)
		if err != nil {
			return nil, err
		}
		atlas.Nx = nx
		atlas.Ny = ny
		atlas.Data = make([]byte, int(nx)*int(px)*int(ny)*int(py))
		atlas.atlasMap = make(map[uint16]SlotPos, len(codes))
		atlas.atlasSeq = 1
	}

	scratch := image.NewAlpha(image.Rect(0, 0, int(px), int(py)))
	drawer := &xfont.Drawer{
		Dst:  scratch,
		Src:  image.White,
		Face: face,
	}

	for _, r := range codes {
		pos, ok := atlas.atlasMap[uint16(r)]
		if !ok {
			if int(atlas.atlasSeq) >= int(atlas.Nx)*int(atlas.Ny) {
				if primary != nil {
					// Overlay slots beyond the primary grid are a
					// tolerated gap: the codepoint stays unmapped.
					continue
				}
				return nil, fmt.Errorf("%w: %d glyphs in a %dx%d grid",
					ErrAtlasCapacity, len(codes), atlas.Nx, atlas.Ny)
			}
			pos = SlotPos{
				X: uint8(atlas.atlasSeq % atlas.Nx),
				Y: uint8(atlas.atlasSeq / atlas.Nx),
			}
			atlas.atlasSeq++
		}

		if !rasterizeGlyph(drawer, scratch, r, ascent) {
			// Rasterization failure for one glyph is tolerated: forget
			// the slot only if this atlas allocated it fresh.
			if !ok {
				atlas.atlasSeq--
			}
			continue
		}
		atlas.atlasMap[uint16(r)] = pos
		atlas.blitSlot(pos, scratch)
	}

	atlas.codes = sortedCodes(atlas.atlasMap)
	return atlas, nil
}

// cellGeometry derives the glyph cell size and baseline from the face
// metrics. The cell width is the advance of a representative glyph (the font
// is monospace, so any covered printable works; '0' is present in virtually
// every face). The cell height spans ascent to descent.
func cellGeometry(face xfont.Face, metrics xfont.Metrics) (px, py uint16, ascent fixed.Int26_6) {
	advance, ok := face.GlyphAdvance('0')
	if !ok {
		advance, _ = face.GlyphAdvance(' ')
	}
	w := advance.Round()
	h := (metrics.Ascent + metrics.Descent).Ceil()
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return uint16(w), uint16(h), metrics.Ascent
}

// coveredCodes returns, in ascending order, every codepoint the font can
// render into a single cell of width px: present in the cmap, within the
// 16-bit range the Cell record can carry, not East Asian wide or fullwidth
// (those need two cells), and with an advance matching the cell width.
func coveredCodes(parsed *parsedFont, face xfont.Face, px uint16) []rune {
	var codes []rune
	for r := rune(0x20); r <= 0xFFFD; r++ {
		if r >= 0xD800 && r <= 0xDFFF {
			continue // surrogates are not scalar values
		}
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			continue
		}
		if !parsed.hasGlyph(r) {
			continue
		}
		advance, ok := face.GlyphAdvance(r)
		if !ok || advance.Round() != int(px) {
			continue
		}
		codes = append(codes, r)
	}
	return codes
}

// gridFor computes the smallest near-square slot grid holding n slots.
func gridFor(n int) (nx, ny uint16, err error) {
	x := int(math.Ceil(math.Sqrt(float64(n))))
	if x < 1 {
		x = 1
	}
	y := (n + x - 1) / x
	if x > maxSlots || y > maxSlots {
		return 0, 0, fmt.Errorf("%w: need %dx%d slots", ErrAtlasCapacity, x, y)
	}
	return uint16(x), uint16(y), nil
}

// rasterizeGlyph draws r into the scratch image, baseline at ascent.
// It reports false when the face cannot produce the glyph.
func rasterizeGlyph(drawer *xfont.Drawer, scratch *image.Alpha, r rune, ascent fixed.Int26_6) bool {
	if _, _, ok := drawer.Face.GlyphBounds(r); !ok {
		return false
	}
	draw.Draw(scratch, scratch.Bounds(), image.Transparent, image.Point{}, draw.Src)
	drawer.Dot = fixed.Point26_6{X: 0, Y: ascent}
	drawer.DrawString(string(r))
	return true
}

// blitSlot copies the scratch glyph pixels into the slot's atlas region.
func (a *Atlas) blitSlot(pos SlotPos, scratch *image.Alpha) {
	rowBytes := int(a.Nx) * int(a.Px)
	dstX := int(pos.X) * int(a.Px)
	dstY := int(pos.Y) * int(a.Py)
	for y := 0; y < int(a.Py); y++ {
		srcRow := scratch.Pix[y*scratch.Stride : y*scratch.Stride+int(a.Px)]
		dstOff := (dstY+y)*rowBytes + dstX
		copy(a.Data[dstOff:dstOff+int(a.Px)], srcRow)
	}
}

func sortedCodes(m map[uint16]SlotPos) []uint16 {
	codes := make([]uint16, 0, len(m))
	for code := range m {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}
