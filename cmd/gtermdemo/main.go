// Command gtermdemo exercises the gterm cell pipeline with a glyph table
// demo: it renders every codepoint the font supports, cycles the bold,
// underline and inverse attributes, and optionally benchmarks the frame
// pump.
package main

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/gogpu/gterm"
	"github.com/gogpu/gterm/font"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		fontPath     string
		boldFontPath string
		geometry     string
		bench        bool
		duration     time.Duration
		showInfo     bool
		verbose      bool
	)

	pflag.StringVarP(&fontPath, "font", "f", "", "Path to the regular TTF/OTF font (required)")
	pflag.StringVarP(&boldFontPath, "bold-font", "b", "", "Path to the bold font variant")
	pflag.StringVarP(&geometry, "geometry", "g", "80x24", "Grid size as COLSxROWS")
	pflag.BoolVar(&bench, "bench", false, "Continuously redraw and report FPS")
	pflag.DurationVarP(&duration, "duration", "d", 10*time.Second, "How long to run")
	pflag.BoolVar(&showInfo, "info", false, "Print atlas info and exit")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	gterm.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if fontPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --font is required")
		pflag.Usage()
		return 1
	}

	cols, rows, err := parseGeometry(geometry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: bad --geometry: %v\n", err)
		return 1
	}

	primary, err := font.NewAtlas(fontPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading font: %v\n", err)
		return 1
	}

	var alternate *font.Atlas
	if boldFontPath != "" {
		alternate, err = font.NewAtlasOverlay(boldFontPath, primary)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading bold font: %v\n", err)
			return 1
		}
	}

	if showInfo {
		printInfo(primary, alternate)
		return 0
	}

	cfg := gterm.DefaultConfig()
	cfg.PrimaryAtlas = primary
	cfg.AlternateAtlas = alternate
	cfg.Surface = gterm.NopSurface{}
	cfg.Bench = bench

	renderer, err := gterm.NewRenderer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting renderer: %v\n", err)
		return 1
	}

	frame := gterm.NewFrame(cols*primary.Px, rows*primary.Py, primary.Px, primary.Py)
	demoResize(&frame, primary)

	deadline := time.Now().Add(duration)
	drawCount := uint32(0)
	for time.Now().Before(deadline) {
		demoDraw(&frame, primary, drawCount)
		drawCount++
		if err := renderer.Update(frame.Clone()); err != nil {
			break
		}
		if bench {
			// In bench mode the renderer redraws on its own; the
			// producer only refreshes the attribute animation.
			time.Sleep(100 * time.Millisecond)
		} else {
			time.Sleep(time.Second / 60)
		}
	}

	if err := renderer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Render loop failed: %v\n", err)
		return 1
	}
	fmt.Printf("submitted %d frames over %s (%dx%d cells)\n", drawCount, duration, cols, rows)
	return 0
}

func parseGeometry(s string) (cols, rows uint16, err error) {
	var c, r int
	sep := strings.IndexByte(s, 'x')
	if sep < 0 {
		return 0, 0, fmt.Errorf("want COLSxROWS, got %q", s)
	}
	if _, err := fmt.Sscanf(s, "%dx%d", &c, &r); err != nil {
		return 0, 0, fmt.Errorf("want COLSxROWS, got %q", s)
	}
	if c < 1 || r < 1 || c > 0xffff || r > 0xffff {
		return 0, 0, fmt.Errorf("out of range: %q", s)
	}
	return uint16(c), uint16(r), nil
}

func printInfo(primary, alternate *font.Atlas) {
	fmt.Printf("glyph size:  %dx%d px\n", primary.Px, primary.Py)
	fmt.Printf("atlas grid:  %dx%d slots\n", primary.Nx, primary.Ny)
	fmt.Printf("glyphs:      %d\n", primary.GlyphCount())
	if alternate != nil {
		fmt.Printf("bold glyphs: %d\n", alternate.GlyphCount())
	}
}

// demoResize fills the frame with every codepoint the font supports, one
// cell per glyph, changing the background color whenever the codepoint
// sequence has a gap. Leftover cells get a uniform purple background.
func demoResize(frame *gterm.Frame, atlas *font.Atlas) {
	fg := gterm.Color{R: 255, G: 255, B: 255}
	bg := gterm.Color{}
	prev := uint16(0)

	codes := atlas.SupportedCodes()
	i := 0
	for _, code := range codes {
		if i >= len(frame.Cells) {
			break
		}
		if prev+1 != code {
			bg = gterm.Color{
				R: uint8(rand.IntN(128)),
				G: uint8(rand.IntN(128)),
				B: uint8(rand.IntN(128)),
			}
		}
		prev = code
		frame.Cells[i] = gterm.Cell{Codepoint: code, Attrs: gterm.AttrBold, Fg: fg, Bg: bg}
		i++
	}
	for ; i < len(frame.Cells); i++ {
		frame.Cells[i] = gterm.Cell{
			Codepoint: ' ',
			Bg:        gterm.Color{R: 72, G: 48, B: 96},
		}
	}
}

// demoDraw animates the attribute bits of the glyph cells from the draw
// counter: bold toggles every 8 frames, underline every 16, and inverse
// holds for a quarter of a 64-frame cycle.
func demoDraw(frame *gterm.Frame, atlas *font.Atlas, drawCount uint32) {
	n := atlas.GlyphCount()
	if n > len(frame.Cells) {
		n = len(frame.Cells)
	}
	var attrs gterm.Attr
	if (drawCount>>3)&1 != 0 {
		attrs |= gterm.AttrBold
	}
	if (drawCount>>4)&1 != 0 {
		attrs |= gterm.AttrUnderline
	}
	if (drawCount>>5)&3 == 3 {
		attrs |= gterm.AttrInverse
	}
	for i := 0; i < n; i++ {
		frame.Cells[i].Attrs = attrs
	}
}
