package gterm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gterm/font"
	"github.com/gogpu/gterm/internal/gpu"
)

// fakePipeline records the calls the render loop makes. Draw optionally
// blocks on gate so tests can control exactly when frames are consumed.
type fakePipeline struct {
	mu         sync.Mutex
	resizes    [][2]uint16
	drawn      []Cell // first cell of every drawn frame
	resizeErrs []error
	drawErrs   []error
	destroyed  bool

	gate chan struct{}
}

func (p *fakePipeline) Resize(w, h uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.resizeErrs) > 0 {
		err := p.resizeErrs[0]
		p.resizeErrs = p.resizeErrs[1:]
		if err != nil {
			return err
		}
	}
	p.resizes = append(p.resizes, [2]uint16{w, h})
	return nil
}

func (p *fakePipeline) Draw(cells []byte, _ hal.TextureView) error {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.drawErrs) > 0 {
		err := p.drawErrs[0]
		p.drawErrs = p.drawErrs[1:]
		if err != nil {
			return err
		}
	}
	if len(cells) >= CellSize {
		p.drawn = append(p.drawn, DecodeCell(cells))
	} else {
		p.drawn = append(p.drawn, Cell{})
	}
	return nil
}

func (p *fakePipeline) DrawCount() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(len(p.drawn))
}

func (p *fakePipeline) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
}

func (p *fakePipeline) snapshot() (resizes [][2]uint16, drawn []Cell) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][2]uint16(nil), p.resizes...), append([]Cell(nil), p.drawn...)
}

// recordingSurface counts surface calls from the render goroutine.
type recordingSurface struct {
	mu          sync.Mutex
	currentErr  error
	presentErr  error
	madeCurrent int
	presented   int
}

func (s *recordingSurface) MakeCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.madeCurrent++
	return s.currentErr
}

func (s *recordingSurface) Present() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presented++
	return s.presentErr
}

func (s *recordingSurface) counts() (current, present int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.madeCurrent, s.presented
}

// installFakePipeline swaps the pipeline constructor for the test's fake
// and restores it on cleanup.
func installFakePipeline(t *testing.T, p *fakePipeline, initErr error) {
	t.Helper()
	orig := newFramePipeline
	newFramePipeline = func(_ any, _, _ *font.Atlas) (framePipeline, func(), error) {
		if initErr != nil {
			return nil, nil, initErr
		}
		return p, nil, nil
	}
	t.Cleanup(func() { newFramePipeline = orig })
}

func testConfig(s Surface) Config {
	cfg := DefaultConfig()
	cfg.PrimaryAtlas = &font.Atlas{Px: 10, Py: 20}
	cfg.Surface = s
	return cfg
}

// makeFrame builds a 2x1 frame whose first cell tags the frame with id.
func makeFrame(id uint16) Frame {
	f := NewFrame(20, 20, 10, 20)
	f.At(0, 0).Codepoint = id
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestNewRenderer_RequiresAtlas(t *testing.T) {
	if _, err := NewRenderer(Config{}); err == nil {
		t.Fatal("NewRenderer accepted a config without primary atlas")
	}
}

func TestNewRenderer_InitErrorPropagates(t *testing.T) {
	initErr := errors.New("no adapter")
	installFakePipeline(t, nil, initErr)

	_, err := NewRenderer(testConfig(nil))
	if err == nil || !errors.Is(err, initErr) {
		t.Fatalf("NewRenderer error = %v, want wrapped %v", err, initErr)
	}
}

func TestNewRenderer_MakeCurrentErrorPropagates(t *testing.T) {
	installFakePipeline(t, &fakePipeline{}, nil)
	s := &recordingSurface{currentErr: errors.New("context lost")}

	_, err := NewRenderer(testConfig(s))
	if err == nil || !errors.Is(err, s.currentErr) {
		t.Fatalf("NewRenderer error = %v, want wrapped %v", err, s.currentErr)
	}
}

func TestRenderer_DrawAndPresent(t *testing.T) {
	pipe := &fakePipeline{}
	installFakePipeline(t, pipe, nil)
	s := &recordingSurface{}

	r, err := NewRenderer(testConfig(s))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 1 })

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resizes, drawn := pipe.snapshot()
	if len(resizes) != 1 || resizes[0] != [2]uint16{20, 20} {
		t.Errorf("resizes = %v, want one 20x20", resizes)
	}
	if len(drawn) == 0 || drawn[0].Codepoint != '1' {
		t.Errorf("drawn = %v, want frame '1' first", drawn)
	}
	current, present := s.counts()
	if current != 1 {
		t.Errorf("MakeCurrent called %d times, want 1", current)
	}
	if present != len(drawn) {
		t.Errorf("Present called %d times for %d draws", present, len(drawn))
	}
	if !pipe.destroyed {
		t.Error("pipeline not destroyed on Close")
	}
}

func TestRenderer_CoalescesToLatestFrame(t *testing.T) {
	pipe := &fakePipeline{gate: make(chan struct{})}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	defer r.Close()

	// First frame reaches Draw and blocks there.
	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatal(err)
	}
	// While Draw is blocked, queue three more; only the last survives.
	waitFor(t, func() bool { return len(r.frameCh) == 0 })
	for _, id := range []uint16{'2', '3', '4'} {
		if err := r.Update(makeFrame(id)); err != nil {
			t.Fatal(err)
		}
	}

	pipe.gate <- struct{}{} // release frame 1
	pipe.gate <- struct{}{} // release the coalesced frame
	waitFor(t, func() bool { return pipe.DrawCount() >= 2 })
	close(pipe.gate)

	_, drawn := pipe.snapshot()
	if drawn[0].Codepoint != '1' {
		t.Errorf("first draw = %q, want '1'", drawn[0].Codepoint)
	}
	if drawn[1].Codepoint != '4' {
		t.Errorf("second draw = %q, want latest frame '4'", drawn[1].Codepoint)
	}
	// Submission order is preserved: codepoints never decrease.
	for i := 1; i < len(drawn); i++ {
		if drawn[i].Codepoint < drawn[i-1].Codepoint {
			t.Errorf("frames rendered out of order: %q after %q",
				drawn[i].Codepoint, drawn[i-1].Codepoint)
		}
	}
}

func TestRenderer_ResizeOnDimensionChange(t *testing.T) {
	pipe := &fakePipeline{}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 1 })

	// Same dimensions: no extra resize.
	if err := r.Update(makeFrame('2')); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 2 })

	// New dimensions trigger a resize before the draw.
	big := NewFrame(40, 40, 10, 20)
	big.At(0, 0).Codepoint = '3'
	if err := r.Update(big); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 3 })
	r.Close()

	resizes, _ := pipe.snapshot()
	want := [][2]uint16{{20, 20}, {40, 40}}
	if len(resizes) != len(want) {
		t.Fatalf("resizes = %v, want %v", resizes, want)
	}
	for i := range want {
		if resizes[i] != want[i] {
			t.Errorf("resize %d = %v, want %v", i, resizes[i], want[i])
		}
	}
}

func TestRenderer_ExplicitResize(t *testing.T) {
	pipe := &fakePipeline{}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	// An explicit resize reaches the pipeline without any frame.
	if err := r.Resize(40, 40); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		resizes, _ := pipe.snapshot()
		return len(resizes) == 1
	})

	// A matching frame draws without a second resize.
	big := NewFrame(40, 40, 10, 20)
	big.At(0, 0).Codepoint = '1'
	if err := r.Update(big); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 1 })
	r.Close()

	resizes, _ := pipe.snapshot()
	want := [][2]uint16{{40, 40}}
	if len(resizes) != 1 || resizes[0] != want[0] {
		t.Fatalf("resizes = %v, want %v", resizes, want)
	}

	if err := r.Resize(80, 80); !errors.Is(err, ErrRendererClosed) {
		t.Fatalf("Resize after Close = %v, want ErrRendererClosed", err)
	}
}

func TestRenderer_TinyViewportKeepsLoopAlive(t *testing.T) {
	pipe := &fakePipeline{
		resizeErrs: []error{gpu.ErrViewportTooSmall, gpu.ErrViewportTooSmall},
	}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	// An explicit resize below one glyph cell is dropped, not fatal.
	if err := r.Resize(5, 5); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(r.resizeCh) == 0 })

	// So is a frame whose dimensions cannot hold a single cell.
	tiny := NewFrame(5, 5, 10, 20)
	if err := r.Update(tiny); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(r.frameCh) == 0 })

	// The loop survives both and renders the next usable frame.
	if err := r.Update(makeFrame('3')); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 1 })

	if err := r.Close(); err != nil {
		t.Fatalf("Close after degenerate viewport = %v, want nil", err)
	}
	resizes, drawn := pipe.snapshot()
	want := [][2]uint16{{20, 20}}
	if len(resizes) != 1 || resizes[0] != want[0] {
		t.Fatalf("resizes = %v, want %v", resizes, want)
	}
	if drawn[0].Codepoint != '3' {
		t.Fatalf("drawn frame %q, want '3'", drawn[0].Codepoint)
	}
}

func TestRenderer_SizeMismatchDropsFrame(t *testing.T) {
	pipe := &fakePipeline{drawErrs: []error{gpu.ErrSizeMismatch}}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatal(err)
	}
	// Let the loop consume (and drop) the mismatched frame before
	// queueing its replacement, so the two don't coalesce.
	waitFor(t, func() bool { return len(r.frameCh) == 0 })
	if err := r.Update(makeFrame('2')); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return pipe.DrawCount() >= 1 })

	if err := r.Close(); err != nil {
		t.Fatalf("Close after tolerated mismatch: %v", err)
	}
	_, drawn := pipe.snapshot()
	if drawn[0].Codepoint != '2' {
		t.Errorf("drawn frame = %q, want '2'", drawn[0].Codepoint)
	}
}

func TestRenderer_FatalDrawErrorStopsLoop(t *testing.T) {
	bad := errors.New("device lost")
	pipe := &fakePipeline{drawErrs: []error{bad}}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return r.Err() != nil })

	if err := r.Close(); !errors.Is(err, bad) {
		t.Errorf("Close = %v, want %v", err, bad)
	}
}

func TestRenderer_BenchRedrawsLatestFrame(t *testing.T) {
	pipe := &fakePipeline{}
	installFakePipeline(t, pipe, nil)

	cfg := testConfig(nil)
	cfg.Bench = true
	cfg.BenchWindow = 10 * time.Millisecond

	r, err := NewRenderer(cfg)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatal(err)
	}
	// One Update, many draws.
	waitFor(t, func() bool { return pipe.DrawCount() >= 10 })

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

// benchReport holds one logged bench window: the frames counted in the
// window and the pipeline's total draw count at report time.
type benchReport struct {
	frames uint64
	draws  uint64
}

// benchCapture is a slog.Handler that collects bench window reports.
type benchCapture struct {
	mu      sync.Mutex
	reports []benchReport
}

func (c *benchCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *benchCapture) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message != "bench window" {
		return nil
	}
	var rep benchReport
	rec.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "frames":
			rep.frames = logAttrUint(a.Value)
		case "draws":
			rep.draws = logAttrUint(a.Value)
		}
		return true
	})
	c.mu.Lock()
	c.reports = append(c.reports, rep)
	c.mu.Unlock()
	return nil
}

func (c *benchCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *benchCapture) WithGroup(string) slog.Handler      { return c }

func (c *benchCapture) snapshot() []benchReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]benchReport(nil), c.reports...)
}

func logAttrUint(v slog.Value) uint64 {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindInt64:
		return uint64(v.Int64())
	}
	return 0
}

func TestRenderer_BenchReportsFrameCount(t *testing.T) {
	capture := &benchCapture{}
	SetLogger(slog.New(capture))
	t.Cleanup(func() { SetLogger(nil) })

	pipe := &fakePipeline{}
	installFakePipeline(t, pipe, nil)

	cfg := testConfig(nil)
	cfg.Bench = true
	cfg.BenchWindow = 20 * time.Millisecond

	r, err := NewRenderer(cfg)
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	if err := r.Update(makeFrame('1')); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(capture.snapshot()) >= 2 })
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Windows are counted on the render goroutine between draws, so the
	// frames reported across all windows must agree with the pipeline's
	// own draw counter at the last report, within one in-flight frame.
	reports := capture.snapshot()
	var total uint64
	for _, rep := range reports {
		total += rep.frames
	}
	last := reports[len(reports)-1]
	diff := int64(total) - int64(last.draws)
	if diff < -1 || diff > 1 {
		t.Fatalf("reported %d frames across %d windows, draw counter %d at last report",
			total, len(reports), last.draws)
	}
	if total == 0 {
		t.Fatal("bench reported zero frames despite continuous redraw")
	}
}

func TestRenderer_CloseIdempotent(t *testing.T) {
	pipe := &fakePipeline{}
	installFakePipeline(t, pipe, nil)

	r, err := NewRenderer(testConfig(nil))
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := r.Update(makeFrame('1')); !errors.Is(err, ErrRendererClosed) {
		t.Errorf("Update after Close = %v, want ErrRendererClosed", err)
	}
}
