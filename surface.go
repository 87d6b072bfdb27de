package gterm

import (
	"github.com/gogpu/wgpu/hal"
)

// Surface abstracts the presentation target the renderer draws into. All
// methods are invoked from the render goroutine only, which is locked to
// an OS thread; implementations backed by thread-affine graphics contexts
// (EGL, GLX, CAMetalLayer) rely on that confinement.
type Surface interface {
	// MakeCurrent binds the surface's graphics context to the calling
	// thread. Called once, before any GPU work.
	MakeCurrent() error

	// Present commits the most recent completed frame to the screen.
	Present() error
}

// ViewProvider is an optional Surface capability. Surfaces that can hand
// out a texture view for the current swapchain image implement it; the
// renderer then blits each frame into that view. Without it the pipeline
// renders into its internal target, which is the headless and benchmark
// path.
type ViewProvider interface {
	// AcquireView returns the texture view to render the next frame into.
	AcquireView() (hal.TextureView, error)
}

// NopSurface is a Surface with no presentation backend. It satisfies the
// renderer's surface contract for headless operation and benchmarks.
type NopSurface struct{}

func (NopSurface) MakeCurrent() error { return nil }
func (NopSurface) Present() error     { return nil }
