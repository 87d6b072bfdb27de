package gpu

import "testing"

const spirvMagic = 0x07230203

func TestCompileEmbeddedShaders(t *testing.T) {
	for name, src := range map[string]string{
		"cell_compute": cellComputeShaderSource,
		"cell_blit":    cellBlitShaderSource,
	} {
		t.Run(name, func(t *testing.T) {
			code, err := compileShaderToSPIRV(src)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if len(code) == 0 {
				t.Fatal("empty SPIR-V output")
			}
			if code[0] != spirvMagic {
				t.Errorf("first word = %#x, want SPIR-V magic %#x", code[0], spirvMagic)
			}
		})
	}
}

func TestCompileEmptyShader(t *testing.T) {
	if _, err := compileShaderToSPIRV(""); err == nil {
		t.Fatal("empty source accepted")
	}
}

func TestCompileInvalidShader(t *testing.T) {
	if _, err := compileShaderToSPIRV("fn broken("); err == nil {
		t.Fatal("invalid WGSL accepted")
	}
}
