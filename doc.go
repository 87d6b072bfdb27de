// Package gterm is the GPU rendering core of a terminal emulator.
//
// # Overview
//
// gterm turns a grid of character cells (codepoint + attributes + colors)
// into pixels using a two-stage GPU pipeline built on gogpu/wgpu: a compute
// pass rasterizes the whole cell grid against a glyph atlas texture in one
// dispatch, and a blit pass presents the result to the surface. A dedicated
// render goroutine owns the graphics context; producers hand it grid
// snapshots from any goroutine.
//
// # Quick Start
//
//	pri, err := font.NewAtlas("DejaVuSansMono.ttf")
//	// handle err
//	alt, err := font.NewAtlasOverlay("DejaVuSansMono-Bold.ttf", pri)
//	// handle err
//
//	r, err := gterm.NewRenderer(gterm.Config{
//		PrimaryAtlas:   pri,
//		AlternateAtlas: alt,
//		Surface:        mySurface, // window-system integration
//	})
//	// handle err
//	defer r.Close()
//
//	frame := gterm.NewFrame(800, 600, pri.Px, pri.Py)
//	frame.At(0, 0).Codepoint = 'A'
//	r.Update(frame)
//
// # Architecture
//
// The module is organized into:
//   - Public API: Cell, Color, Attr, Frame, Renderer, Surface
//   - font: glyph atlas construction and dual-font merging
//   - internal/gpu: the wgpu-backed cell pipeline and WGSL shaders
//
// What gterm deliberately does not do: window/session setup, event dispatch,
// and the terminal escape-sequence interpreter. Those collaborate through the
// Frame value and the Surface capability interface.
//
// # Concurrency
//
// Renderer.Update is safe to call from any goroutine and never blocks on the
// GPU: submissions coalesce with a queue depth of one, so under back-pressure
// intermediate frames are dropped and only the most recent is rendered.
// Frames are never rendered out of submission order.
package gterm

// Version information
const (
	// Version is the current version of the library
	Version = "0.2.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 2

	// VersionPatch is the patch version
	VersionPatch = 0
)
