package font

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	gtfont "github.com/go-text/typesetting/font"
	"golang.org/x/image/font/sfnt"
)

// Font loading errors.
var (
	// ErrEmptyFontData is returned when font data is empty.
	ErrEmptyFontData = errors.New("font: empty font data")
)

// parsedFont bundles the two parsed views of one font file: the go-text
// parse used for codepoint coverage, and the x/image sfnt parse used for
// metrics and rasterization. Both read the same byte slice.
type parsedFont struct {
	data    []byte
	metrics *gtfont.Font
	raster  *sfnt.Font
}

// parseFont parses font data (TTF or OTF) with both backends.
func parseFont(data []byte) (*parsedFont, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFontData
	}

	face, err := gtfont.ParseTTF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("font: parse: %w", err)
	}

	rasterFont, err := sfnt.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("font: parse: %w", err)
	}

	return &parsedFont{
		data:    data,
		metrics: face.Font,
		raster:  rasterFont,
	}, nil
}

// parseFontFile reads and parses a font file.
func parseFontFile(path string) (*parsedFont, error) {
	// #nosec G304 -- font file path is provided by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("font: read %s: %w", path, err)
	}
	return parseFont(data)
}

// hasGlyph reports whether the font maps r to a real glyph.
func (p *parsedFont) hasGlyph(r rune) bool {
	gid, ok := p.metrics.NominalGlyph(r)
	return ok && gid != 0
}
