// Package gpu implements the wgpu-backed cell pipeline of gterm.
//
// This is an internal package used by the gterm renderer. It leverages
// WebGPU via the gogpu/wgpu Pure Go implementation (zero CGO), which
// supports Vulkan, Metal, and DX12 backends depending on the platform.
//
// # Architecture Overview
//
// The pipeline rasterizes a whole terminal cell grid in two GPU stages:
//
//	Cell records -> compute pass (glyph atlas lookup, attrs, colors)
//	             -> output texture
//	             -> blit pass (fullscreen triangle) -> surface target
//
// Key components:
//
//   - CellPipeline: owns the cell buffer, atlas texture, output texture and
//     both shader pipelines; exposes Resize and Draw
//   - OpenDevice / DeviceFromProvider: device bootstrap, either standalone
//     (Vulkan adapter selection) or adopting a shared device from a
//     gpucontext-style provider
//
// The compute stage runs one invocation per output pixel: each invocation
// derives its cell from the pixel coordinate, resolves the glyph slot
// through a codepoint lookup table, reads the atlas texture (bold selects
// the alternate half of the combined atlas) and writes the final RGB value.
// The output texture is the only synchronization point between the two
// stages.
package gpu
