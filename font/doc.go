// Package font builds fixed-geometry glyph atlases for the gterm cell
// pipeline.
//
// An [Atlas] is a single alpha-channel texture holding every glyph of a
// monospace font in a grid of fixed-size slots, plus the codepoint-to-slot
// mapping the GPU uses to look glyphs up. Slot (0,0) is always blank: any
// codepoint that resolves there has no glyph, and any out-of-bounds lookup in
// the shader lands on blank instead of a neighboring glyph.
//
// [NewAtlasOverlay] builds a second (typically bold) atlas constrained to the
// exact geometry of an already-built primary atlas, so one slot mapping
// serves both faces and the pipeline can switch per cell on the bold
// attribute.
package font
