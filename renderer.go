package gterm

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gterm/font"
	"github.com/gogpu/gterm/internal/gpu"
)

// ErrRendererClosed is returned by Update after Close.
var ErrRendererClosed = errors.New("gterm: renderer closed")

// Config holds the renderer configuration. Zero values select the
// defaults of DefaultConfig where noted.
type Config struct {
	// PrimaryAtlas is the regular glyph atlas. Required.
	PrimaryAtlas *font.Atlas

	// AlternateAtlas backs bold cells. Optional; when nil, bold cells
	// reuse the regular glyphs.
	AlternateAtlas *font.Atlas

	// Surface is the presentation target. Optional; when nil the
	// renderer runs headless against the pipeline's internal target.
	Surface Surface

	// DeviceProvider supplies a shared GPU device from a host
	// application. It must additionally expose HAL handles through
	// HalDevice() any and HalQueue() any. Optional; when nil the
	// renderer opens its own device.
	DeviceProvider DeviceProvider

	// Bench enables continuous redraw of the latest frame with
	// periodic FPS reporting.
	Bench bool

	// BenchWindow is the FPS reporting interval in bench mode.
	// Defaults to one second.
	BenchWindow time.Duration
}

// DefaultConfig returns a Config with the default bench window.
func DefaultConfig() Config {
	return Config{BenchWindow: time.Second}
}

// framePipeline is the slice of the GPU pipeline the render loop drives.
type framePipeline interface {
	Resize(pxWidth, pxHeight uint16) error
	Draw(cells []byte, target hal.TextureView) error
	DrawCount() uint32
	Destroy()
}

// newFramePipeline builds the production pipeline. Tests swap it out to
// run the frame pump against a fake.
var newFramePipeline = func(provider any, primary, alternate *font.Atlas) (framePipeline, func(), error) {
	var (
		dc  *gpu.DeviceContext
		err error
	)
	if provider != nil {
		dc, err = gpu.DeviceFromProvider(provider)
	} else {
		dc, err = gpu.OpenDevice()
	}
	if err != nil {
		return nil, nil, err
	}
	pipe, err := gpu.NewCellPipeline(dc.Device, dc.Queue, primary, alternate)
	if err != nil {
		dc.Close()
		return nil, nil, err
	}
	return pipe, dc.Close, nil
}

// Renderer owns the render goroutine and the GPU pipeline behind it.
//
// Producers hand frames over with Update from any goroutine; the render
// goroutine consumes them with latest-wins coalescing and renders each
// accepted frame in submission order. All GPU and surface access is
// confined to that goroutine, which is locked to its OS thread.
type Renderer struct {
	cfg Config

	frameCh  chan Frame
	resizeCh chan [2]uint16
	stopCh   chan struct{}
	doneCh   chan struct{}

	closeOnce sync.Once

	mu     sync.Mutex
	runErr error
	closed bool
}

// NewRenderer starts the render goroutine and blocks until it has made
// the surface current, opened or adopted the GPU device and built the
// cell pipeline. Any failure during that handshake is returned here and
// no renderer is created.
func NewRenderer(cfg Config) (*Renderer, error) {
	if cfg.PrimaryAtlas == nil {
		return nil, errors.New("gterm: config has no primary atlas")
	}
	if cfg.BenchWindow <= 0 {
		cfg.BenchWindow = time.Second
	}

	r := &Renderer{
		cfg:      cfg,
		frameCh:  make(chan Frame, 1),
		resizeCh: make(chan [2]uint16, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go r.run(ready)
	if err := <-ready; err != nil {
		<-r.doneCh
		return nil, err
	}
	return r, nil
}

// Update submits a frame for rendering. It never blocks: when the render
// goroutine is busy the previously queued frame is replaced, so only the
// newest frame is rendered. The caller must not mutate the frame's cell
// slice after the call.
func (r *Renderer) Update(f Frame) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRendererClosed
	}

	for {
		select {
		case r.frameCh <- f:
			return nil
		default:
		}
		// Queue full: drop the stale frame and retry.
		select {
		case <-r.frameCh:
		default:
		}
	}
}

// Resize reconfigures the pipeline's grid geometry ahead of the frames
// that will use it. Like Update it never blocks and coalesces to the
// newest request. Calling Resize is optional: a frame whose pixel
// dimensions differ from the current geometry resizes the pipeline on
// its own before it is drawn.
func (r *Renderer) Resize(pxWidth, pxHeight uint16) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrRendererClosed
	}

	for {
		select {
		case r.resizeCh <- [2]uint16{pxWidth, pxHeight}:
			return nil
		default:
		}
		select {
		case <-r.resizeCh:
		default:
		}
	}
}

// Err returns the error that terminated the render loop, or nil while it
// is still running.
func (r *Renderer) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runErr
}

// Close stops the render goroutine and waits for it to release the
// pipeline and the graphics context. It returns the error that
// terminated the render loop, if any. Close is idempotent.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		close(r.stopCh)
	})
	<-r.doneCh
	return r.Err()
}

func (r *Renderer) setErr(err error) {
	r.mu.Lock()
	if r.runErr == nil {
		r.runErr = err
	}
	r.mu.Unlock()
}

// run is the render goroutine. The graphics context and every GPU object
// live and die on this goroutine's OS thread.
func (r *Renderer) run(ready chan<- error) {
	defer close(r.doneCh)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if r.cfg.Surface != nil {
		if err := r.cfg.Surface.MakeCurrent(); err != nil {
			ready <- fmt.Errorf("gterm: make current: %w", err)
			return
		}
	}

	pipe, cleanup, err := newFramePipeline(r.cfg.DeviceProvider, r.cfg.PrimaryAtlas, r.cfg.AlternateAtlas)
	if err != nil {
		ready <- fmt.Errorf("gterm: pipeline init: %w", err)
		return
	}
	defer func() {
		pipe.Destroy()
		if cleanup != nil {
			cleanup()
		}
	}()

	ready <- nil
	r.loop(pipe)
}

// loop consumes frames until Close. In bench mode it additionally
// redraws the latest frame between deliveries and reports FPS per
// bench window.
func (r *Renderer) loop(pipe framePipeline) {
	var (
		current    Frame
		haveFrame  bool
		encoded    []byte
		sizedW     uint16
		sizedH     uint16
		benchBase  = time.Now()
		benchCount uint32
	)

	var benchTick <-chan time.Time
	if r.cfg.Bench {
		ticker := time.NewTicker(r.cfg.BenchWindow)
		defer ticker.Stop()
		benchTick = ticker.C
	}

	applyResize := func(sz [2]uint16) bool {
		if err := pipe.Resize(sz[0], sz[1]); err != nil {
			if errors.Is(err, gpu.ErrViewportTooSmall) {
				// A window shrunk below one glyph cell. Keep the
				// previous geometry until it grows back.
				Logger().Warn("ignoring resize to degenerate viewport",
					"px_width", sz[0], "px_height", sz[1])
				return true
			}
			r.setErr(err)
			return false
		}
		sizedW, sizedH = sz[0], sz[1]
		return true
	}

	draw := func() bool {
		if current.PxWidth != sizedW || current.PxHeight != sizedH {
			if err := pipe.Resize(current.PxWidth, current.PxHeight); err != nil {
				if errors.Is(err, gpu.ErrViewportTooSmall) {
					Logger().Warn("dropping frame for degenerate viewport",
						"px_width", current.PxWidth, "px_height", current.PxHeight)
					haveFrame = false
					return true
				}
				r.setErr(err)
				return false
			}
			sizedW, sizedH = current.PxWidth, current.PxHeight
		}
		encoded = EncodeCells(encoded[:0], current.Cells)

		var view hal.TextureView
		if vp, ok := r.cfg.Surface.(ViewProvider); ok {
			v, err := vp.AcquireView()
			if err != nil {
				r.setErr(fmt.Errorf("gterm: acquire view: %w", err))
				return false
			}
			view = v
		}

		if err := pipe.Draw(encoded, view); err != nil {
			if errors.Is(err, gpu.ErrSizeMismatch) {
				// Stale frame from before a resize. Drop it and wait
				// for a matching one.
				Logger().Warn("dropping mismatched frame",
					"cells", len(current.Cells), "cols", current.Cols, "rows", current.Rows)
				haveFrame = false
				return true
			}
			r.setErr(err)
			return false
		}

		if r.cfg.Surface != nil {
			if err := r.cfg.Surface.Present(); err != nil {
				r.setErr(fmt.Errorf("gterm: present: %w", err))
				return false
			}
		}
		benchCount++
		return true
	}

	for {
		if r.cfg.Bench && haveFrame {
			// Drain control messages without blocking, then redraw.
			select {
			case <-r.stopCh:
				return
			case f := <-r.frameCh:
				current, haveFrame = f, true
			case sz := <-r.resizeCh:
				if !applyResize(sz) {
					return
				}
			case now := <-benchTick:
				elapsed := now.Sub(benchBase)
				if elapsed > 0 {
					fps := float64(benchCount) / elapsed.Seconds()
					Logger().Info("bench window",
						"frames", benchCount,
						"fps", fmt.Sprintf("%.1f", fps),
						"draws", pipe.DrawCount())
				}
				benchBase = now
				benchCount = 0
			default:
			}
		} else {
			select {
			case <-r.stopCh:
				return
			case f := <-r.frameCh:
				current, haveFrame = f, true
			case sz := <-r.resizeCh:
				if !applyResize(sz) {
					return
				}
				continue
			case now := <-benchTick:
				benchBase = now
				benchCount = 0
				continue
			}
		}

		if !haveFrame {
			continue
		}
		if !draw() {
			return
		}
	}
}
