package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gterm/font"
)

// Sentinel errors returned by CellPipeline operations.
var (
	// ErrSizeMismatch is returned by Draw when the cell payload does not
	// match the current grid geometry.
	ErrSizeMismatch = errors.New("gpu: cell payload size mismatch")

	// ErrNotSized is returned by Draw before the first successful Resize.
	ErrNotSized = errors.New("gpu: pipeline has no viewport size")

	// ErrViewportTooSmall is returned by Resize when the viewport cannot
	// hold a single cell.
	ErrViewportTooSmall = errors.New("gpu: viewport smaller than one cell")
)

// cellRecordSize is the wire size of one packed cell record: codepoint,
// attributes, foreground and background color, 12 bytes total. The packed
// form is read by the compute shader as three 32-bit words per cell.
const cellRecordSize = 12

// slotTableEntries covers the entire BMP codepoint range. Each entry packs
// an atlas slot position as x | y << 8, with zero meaning the reserved
// blank slot.
const slotTableEntries = 0x10000

// uniformSize is the byte size of the Params uniform: eight 32-bit words.
const uniformSize = 32

const fenceTimeout = 5 * time.Second

// CellPipeline renders a grid of character cells in two GPU stages: a
// compute pass resolves every output pixel against the glyph atlas, then a
// fullscreen blit copies the result to the caller's surface view.
//
// The pipeline is not safe for concurrent use. The renderer confines it to
// a single goroutine.
type CellPipeline struct {
	device hal.Device
	queue  hal.Queue

	glyphPx uint16
	glyphPy uint16
	atlasNx uint16
	atlasNy uint16

	computeShader hal.ShaderModule
	blitShader    hal.ShaderModule

	computeBindLayout hal.BindGroupLayout
	computePipeLayout hal.PipelineLayout
	computePipeline   hal.ComputePipeline

	blitBindLayout hal.BindGroupLayout
	blitPipeLayout hal.PipelineLayout
	blitPipeline   hal.RenderPipeline

	uniformBuf hal.Buffer
	slotBuf    hal.Buffer
	atlasTex   hal.Texture
	atlasView  hal.TextureView

	// Viewport-dependent resources, rebuilt by Resize.
	pxWidth  uint16
	pxHeight uint16
	cols     uint16
	rows     uint16

	cellBuf     hal.Buffer
	outputTex   hal.Texture
	outputView  hal.TextureView
	computeBind hal.BindGroup
	blitBind    hal.BindGroup

	drawCount uint32
}

// NewCellPipeline creates the cell grid pipeline for the given glyph
// atlases. The alternate atlas backs bold cells and may be nil, in which
// case bold falls back to the regular glyphs. Both atlases must share the
// same slot geometry.
func NewCellPipeline(device hal.Device, queue hal.Queue, primary, alternate *font.Atlas) (*CellPipeline, error) {
	if primary == nil {
		return nil, errors.New("gpu: nil primary atlas")
	}
	if alternate != nil {
		if alternate.Px != primary.Px || alternate.Py != primary.Py ||
			alternate.Nx != primary.Nx || alternate.Ny != primary.Ny {
			return nil, fmt.Errorf("gpu: atlas geometry mismatch: %dx%d/%dx%d vs %dx%d/%dx%d",
				primary.Px, primary.Py, primary.Nx, primary.Ny,
				alternate.Px, alternate.Py, alternate.Nx, alternate.Ny)
		}
	}

	p := &CellPipeline{
		device:  device,
		queue:   queue,
		glyphPx: primary.Px,
		glyphPy: primary.Py,
		atlasNx: primary.Nx,
		atlasNy: primary.Ny,
	}

	if err := p.createPipelines(); err != nil {
		p.Destroy()
		return nil, err
	}
	if err := p.createStaticResources(primary, alternate); err != nil {
		p.Destroy()
		return nil, err
	}

	logger().Debug("cell pipeline created",
		"glyph_px", p.glyphPx, "glyph_py", p.glyphPy,
		"atlas_nx", p.atlasNx, "atlas_ny", p.atlasNy,
		"glyphs", primary.GlyphCount())
	return p, nil
}

// GlyphSize returns the per-cell glyph dimensions in pixels.
func (p *CellPipeline) GlyphSize() (px, py uint16) {
	return p.glyphPx, p.glyphPy
}

// Cols returns the current grid width in cells. Zero before Resize.
func (p *CellPipeline) Cols() uint16 { return p.cols }

// Rows returns the current grid height in cells. Zero before Resize.
func (p *CellPipeline) Rows() uint16 { return p.rows }

// DrawCount returns the number of completed Draw calls.
func (p *CellPipeline) DrawCount() uint32 { return p.drawCount }

func (p *CellPipeline) createPipelines() error {
	computeShader, err := createShaderModule(p.device, "cell_compute", cellComputeShaderSource)
	if err != nil {
		return err
	}
	p.computeShader = computeShader

	blitShader, err := createShaderModule(p.device, "cell_blit", cellBlitShaderSource)
	if err != nil {
		return err
	}
	p.blitShader = blitShader

	// Compute bind group layout:
	//   Binding 0: Params (uniform)
	//   Binding 1: packed cell records (read-only storage)
	//   Binding 2: codepoint slot table (read-only storage)
	//   Binding 3: combined glyph atlas (texture_2d)
	//   Binding 4: output image (storage texture, write)
	computeBindLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "cell_compute_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform},
			},
			{
				Binding:    1,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    2,
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
			},
			{
				Binding:    3,
				Visibility: gputypes.ShaderStageCompute,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
			{
				Binding:    4,
				Visibility: gputypes.ShaderStageCompute,
				StorageTexture: &gputypes.StorageTextureBindingLayout{
					Access:        gputypes.StorageTextureAccessWriteOnly,
					Format:        gputypes.TextureFormatRGBA8Unorm,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create compute bind layout: %w", err)
	}
	p.computeBindLayout = computeBindLayout

	computePipeLayout, err := p.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "cell_compute_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.computeBindLayout},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline layout: %w", err)
	}
	p.computePipeLayout = computePipeLayout

	computePipeline, err := p.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "cell_compute_pipeline",
		Layout:  p.computePipeLayout,
		Compute: hal.ComputeState{Module: p.computeShader, EntryPoint: "cs_main"},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	p.computePipeline = computePipeline

	// Blit bind group layout:
	//   Binding 0: compute output (texture_2d, fragment)
	blitBindLayout, err := p.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "cell_blit_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: gputypes.ShaderStageFragment,
				Texture: &gputypes.TextureBindingLayout{
					SampleType:    gputypes.TextureSampleTypeFloat,
					ViewDimension: gputypes.TextureViewDimension2D,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create blit bind layout: %w", err)
	}
	p.blitBindLayout = blitBindLayout

	blitPipeLayout, err := p.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "cell_blit_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.blitBindLayout},
	})
	if err != nil {
		return fmt.Errorf("create blit pipeline layout: %w", err)
	}
	p.blitPipeLayout = blitPipeLayout

	blitPipeline, err := p.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  "cell_blit_pipeline",
		Layout: p.blitPipeLayout,
		Vertex: hal.VertexState{
			Module:     p.blitShader,
			EntryPoint: "vs_main",
		},
		Fragment: &hal.FragmentState{
			Module:     p.blitShader,
			EntryPoint: "fs_main",
			Targets: []gputypes.ColorTargetState{
				{
					Format:    gputypes.TextureFormatBGRA8Unorm,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create blit pipeline: %w", err)
	}
	p.blitPipeline = blitPipeline

	return nil
}

// createStaticResources creates the buffers and textures that survive
// resizes: the Params uniform, the codepoint slot table and the combined
// glyph atlas texture.
func (p *CellPipeline) createStaticResources(primary, alternate *font.Atlas) error {
	uniformBuf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "cell_params", Size: uniformSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create params buffer: %w", err)
	}
	p.uniformBuf = uniformBuf

	slotBuf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "cell_slot_table", Size: slotTableEntries * 4,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create slot table buffer: %w", err)
	}
	p.slotBuf = slotBuf
	p.queue.WriteBuffer(p.slotBuf, 0, packSlotTable(primary))

	// Combined atlas texture: the primary grid on top, the alternate grid
	// stacked below. Bold lookups add atlasNy to the slot row.
	atlasW := uint32(p.atlasNx) * uint32(p.glyphPx)
	atlasH := uint32(p.atlasNy) * uint32(p.glyphPy)
	atlasTex, err := p.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "cell_atlas",
		Size:          hal.Extent3D{Width: atlasW, Height: atlasH * 2, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatR8Unorm,
		Usage:         gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create atlas texture: %w", err)
	}
	p.atlasTex = atlasTex

	atlasView, err := p.device.CreateTextureView(atlasTex, &hal.TextureViewDescriptor{
		Label:         "cell_atlas_view",
		Format:        gputypes.TextureFormatR8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		return fmt.Errorf("create atlas view: %w", err)
	}
	p.atlasView = atlasView

	altData := primary.Data
	if alternate != nil {
		altData = alternate.Data
	}
	combined := make([]byte, 0, len(primary.Data)+len(altData))
	combined = append(combined, primary.Data...)
	combined = append(combined, altData...)

	p.queue.WriteTexture(
		&hal.ImageCopyTexture{Texture: p.atlasTex, MipLevel: 0},
		combined,
		&hal.ImageDataLayout{
			Offset:       0,
			BytesPerRow:  atlasW,
			RowsPerImage: atlasH * 2,
		},
		&hal.Extent3D{Width: atlasW, Height: atlasH * 2, DepthOrArrayLayers: 1},
	)

	return nil
}

// packSlotTable serializes the atlas codepoint map into the GPU lookup
// table: one 32-bit entry per BMP codepoint, slot packed as x | y << 8.
// Unmapped codepoints stay zero and resolve to the blank slot.
func packSlotTable(atlas *font.Atlas) []byte {
	table := make([]byte, slotTableEntries*4)
	for code, pos := range atlas.Map() {
		packed := uint32(pos.X) | uint32(pos.Y)<<8
		binary.LittleEndian.PutUint32(table[int(code)*4:], packed)
	}
	return table
}

// packParams serializes the Params uniform for the current geometry.
func (p *CellPipeline) packParams() []byte {
	buf := make([]byte, uniformSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(p.glyphPx))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.glyphPy))
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.cols))
	binary.LittleEndian.PutUint32(buf[12:], uint32(p.rows))
	binary.LittleEndian.PutUint32(buf[16:], uint32(p.atlasNx))
	binary.LittleEndian.PutUint32(buf[20:], uint32(p.atlasNy))
	binary.LittleEndian.PutUint32(buf[24:], uint32(p.pxWidth))
	binary.LittleEndian.PutUint32(buf[28:], uint32(p.pxHeight))
	return buf
}

// Resize adapts the pipeline to a new viewport. The grid dimensions are
// the viewport divided by the glyph size, rounded down; leftover margin
// pixels render black. Resize with unchanged dimensions is a no-op.
func (p *CellPipeline) Resize(pxWidth, pxHeight uint16) error {
	if pxWidth == p.pxWidth && pxHeight == p.pxHeight && p.cellBuf != nil {
		return nil
	}
	cols := pxWidth / p.glyphPx
	rows := pxHeight / p.glyphPy
	if cols == 0 || rows == 0 {
		return fmt.Errorf("%w: %dx%d px with %dx%d glyphs",
			ErrViewportTooSmall, pxWidth, pxHeight, p.glyphPx, p.glyphPy)
	}

	p.destroySizedResources()
	p.pxWidth, p.pxHeight = pxWidth, pxHeight
	p.cols, p.rows = cols, rows

	cellBufSize := uint64(cols) * uint64(rows) * cellRecordSize
	cellBuf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "cell_records", Size: cellBufSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create cell buffer: %w", err)
	}
	p.cellBuf = cellBuf

	outputTex, err := p.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "cell_output",
		Size:          hal.Extent3D{Width: uint32(pxWidth), Height: uint32(pxHeight), DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Usage:         gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return fmt.Errorf("create output texture: %w", err)
	}
	p.outputTex = outputTex

	outputView, err := p.device.CreateTextureView(outputTex, &hal.TextureViewDescriptor{
		Label:         "cell_output_view",
		Format:        gputypes.TextureFormatRGBA8Unorm,
		Dimension:     gputypes.TextureViewDimension2D,
		Aspect:        gputypes.TextureAspectAll,
		MipLevelCount: 1,
	})
	if err != nil {
		return fmt.Errorf("create output view: %w", err)
	}
	p.outputView = outputView

	computeBind, err := p.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "cell_compute_bind",
		Layout: p.computeBindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{
				Buffer: p.uniformBuf.NativeHandle(), Offset: 0, Size: uniformSize,
			}},
			{Binding: 1, Resource: gputypes.BufferBinding{
				Buffer: p.cellBuf.NativeHandle(), Offset: 0, Size: cellBufSize,
			}},
			{Binding: 2, Resource: gputypes.BufferBinding{
				Buffer: p.slotBuf.NativeHandle(), Offset: 0, Size: slotTableEntries * 4,
			}},
			{Binding: 3, Resource: gputypes.TextureViewBinding{
				TextureView: p.atlasView.NativeHandle(),
			}},
			{Binding: 4, Resource: gputypes.TextureViewBinding{
				TextureView: p.outputView.NativeHandle(),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("create compute bind group: %w", err)
	}
	p.computeBind = computeBind

	blitBind, err := p.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "cell_blit_bind",
		Layout: p.blitBindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.TextureViewBinding{
				TextureView: p.outputView.NativeHandle(),
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("create blit bind group: %w", err)
	}
	p.blitBind = blitBind

	p.queue.WriteBuffer(p.uniformBuf, 0, p.packParams())

	logger().Debug("cell pipeline resized",
		"px_width", pxWidth, "px_height", pxHeight,
		"cols", cols, "rows", rows)
	return nil
}

// Draw uploads one frame of packed cell records and renders it. The
// payload must be exactly cols*rows records of 12 bytes each for the
// current grid. When target is non-nil the result is blitted to it,
// otherwise the frame stops at the internal output texture.
func (p *CellPipeline) Draw(cells []byte, target hal.TextureView) error {
	if p.cellBuf == nil {
		return ErrNotSized
	}
	want := int(p.cols) * int(p.rows) * cellRecordSize
	if len(cells) != want {
		return fmt.Errorf("%w: got %d bytes, want %d (%dx%d cells)",
			ErrSizeMismatch, len(cells), want, p.cols, p.rows)
	}

	p.queue.WriteBuffer(p.cellBuf, 0, cells)

	encoder, err := p.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "cell_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("cell_frame"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	computePass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "cell_compute_pass"})
	computePass.SetPipeline(p.computePipeline)
	computePass.SetBindGroup(0, p.computeBind, nil)
	computePass.Dispatch((uint32(p.pxWidth)+7)/8, (uint32(p.pxHeight)+7)/8, 1)
	computePass.End()

	if target != nil {
		// The compute pass leaves the output texture in storage layout;
		// the blit samples it, so transition first.
		encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: p.outputTex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageStorageBinding,
				NewUsage: gputypes.TextureUsageTextureBinding,
			},
		}})

		rp := encoder.BeginRenderPass(&hal.RenderPassDescriptor{
			Label: "cell_blit_pass",
			ColorAttachments: []hal.RenderPassColorAttachment{{
				View:       target,
				LoadOp:     gputypes.LoadOpClear,
				StoreOp:    gputypes.StoreOpStore,
				ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
			}},
		})
		rp.SetPipeline(p.blitPipeline)
		rp.SetBindGroup(0, p.blitBind, nil)
		rp.Draw(3, 1, 0, 0)
		rp.End()

		encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: p.outputTex,
			Usage: hal.TextureUsageTransition{
				OldUsage: gputypes.TextureUsageTextureBinding,
				NewUsage: gputypes.TextureUsageStorageBinding,
			},
		}})
	}

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer p.device.FreeCommandBuffer(cmdBuf)

	if _, err := p.queue.Submit([]hal.CommandBuffer{cmdBuf}); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := p.device.WaitIdle(); err != nil {
		return fmt.Errorf("wait for GPU: %w", err)
	}

	p.drawCount++
	return nil
}

func (p *CellPipeline) destroySizedResources() {
	if p.blitBind != nil {
		p.device.DestroyBindGroup(p.blitBind)
		p.blitBind = nil
	}
	if p.computeBind != nil {
		p.device.DestroyBindGroup(p.computeBind)
		p.computeBind = nil
	}
	if p.outputView != nil {
		p.device.DestroyTextureView(p.outputView)
		p.outputView = nil
	}
	if p.outputTex != nil {
		p.device.DestroyTexture(p.outputTex)
		p.outputTex = nil
	}
	if p.cellBuf != nil {
		p.device.DestroyBuffer(p.cellBuf)
		p.cellBuf = nil
	}
}

// Destroy releases all GPU resources held by the pipeline. Safe to call
// on a partially constructed pipeline.
func (p *CellPipeline) Destroy() {
	p.destroySizedResources()
	if p.atlasView != nil {
		p.device.DestroyTextureView(p.atlasView)
		p.atlasView = nil
	}
	if p.atlasTex != nil {
		p.device.DestroyTexture(p.atlasTex)
		p.atlasTex = nil
	}
	if p.slotBuf != nil {
		p.device.DestroyBuffer(p.slotBuf)
		p.slotBuf = nil
	}
	if p.uniformBuf != nil {
		p.device.DestroyBuffer(p.uniformBuf)
		p.uniformBuf = nil
	}
	if p.blitPipeline != nil {
		p.device.DestroyRenderPipeline(p.blitPipeline)
		p.blitPipeline = nil
	}
	if p.blitPipeLayout != nil {
		p.device.DestroyPipelineLayout(p.blitPipeLayout)
		p.blitPipeLayout = nil
	}
	if p.blitBindLayout != nil {
		p.device.DestroyBindGroupLayout(p.blitBindLayout)
		p.blitBindLayout = nil
	}
	if p.computePipeline != nil {
		p.device.DestroyComputePipeline(p.computePipeline)
		p.computePipeline = nil
	}
	if p.computePipeLayout != nil {
		p.device.DestroyPipelineLayout(p.computePipeLayout)
		p.computePipeLayout = nil
	}
	if p.computeBindLayout != nil {
		p.device.DestroyBindGroupLayout(p.computeBindLayout)
		p.computeBindLayout = nil
	}
	if p.blitShader != nil {
		p.device.DestroyShaderModule(p.blitShader)
		p.blitShader = nil
	}
	if p.computeShader != nil {
		p.device.DestroyShaderModule(p.computeShader)
		p.computeShader = nil
	}
}
