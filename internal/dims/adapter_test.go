package dims

import (
	"math"
	"testing"
)

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestAdapt_NativeDimsUnchanged(t *testing.T) {
	native := []float32{0.6, 0.8, 0, 0}
	out, counter := Adapt(nil, native, len(native), "")
	if counter != CounterNative {
		t.Errorf("counter = %q, want native", counter)
	}
	if len(out) != len(native) {
		t.Fatalf("len(out) = %d, want %d", len(out), len(native))
	}
	if math.Abs(norm(out)-1) > 1e-6 {
		t.Errorf("‖out‖ = %v, want ~1", norm(out))
	}
}

func TestAdapt_TruncationFastPath(t *testing.T) {
	native := make([]float32, 100)
	for i := range native {
		native[i] = float32(i + 1)
	}
	// Deficit (100-95)/100 = 5% < 10%, so this must truncate, not project.
	out, counter := Adapt(nil, native, 95, "")
	if counter != CounterCompression {
		t.Errorf("counter = %q, want compressions", counter)
	}
	if len(out) != 95 {
		t.Fatalf("len(out) = %d, want 95", len(out))
	}
}

func TestAdapt_ExpansionProducesExactLength(t *testing.T) {
	native := make([]float32, 32)
	for i := range native {
		native[i] = float32(i%7) - 3
	}
	out, counter := Adapt(nil, native, 128, "hello world this is a test sentence")
	if counter != CounterExpansion {
		t.Errorf("counter = %q, want expansions", counter)
	}
	if len(out) != 128 {
		t.Fatalf("len(out) = %d, want 128", len(out))
	}
	if math.Abs(norm(out)-1) > 1e-6 {
		t.Errorf("‖out‖ = %v, want ~1", norm(out))
	}
}

func TestAdapt_ExpansionWithoutText(t *testing.T) {
	native := make([]float32, 16)
	for i := range native {
		native[i] = float32(i + 1)
	}
	out, _ := Adapt(nil, native, 64, "")
	if len(out) != 64 {
		t.Fatalf("len(out) = %d, want 64", len(out))
	}
}

func TestCompress_FallsBackToTruncationWithoutStore(t *testing.T) {
	native := make([]float32, 200)
	for i := range native {
		native[i] = float32(i)
	}
	out, usedTruncation := Compress(nil, native, 50)
	if !usedTruncation {
		t.Error("expected truncation fallback with nil store")
	}
	if len(out) != 50 {
		t.Fatalf("len(out) = %d, want 50", len(out))
	}
}

func TestCompressionStore_TrainsAfterMinSamples(t *testing.T) {
	dir := t.TempDir()
	store := NewCompressionStore(dir, 50)

	native := make([]float32, 50)
	for i := range native {
		native[i] = float32(i)
	}
	for i := 0; i < minSamples; i++ {
		store.Observe(native)
	}

	p := store.Projection(30)
	if p == nil {
		t.Fatal("expected a trained projection after min samples")
	}
	if p.T != 30 || p.N != 50 {
		t.Errorf("projection dims = (N=%d,T=%d), want (50,30)", p.N, p.T)
	}
}

func TestCompressionStore_ResetsWhenNativeDimsChange(t *testing.T) {
	store := NewCompressionStore(t.TempDir(), 384)

	// The store is built with a placeholder width before the encoder has
	// loaded; the first real sample corrects it.
	native := make([]float32, 64)
	for i := range native {
		native[i] = float32(i)
	}
	for i := 0; i < minSamples; i++ {
		store.Observe(native)
	}

	p := store.Projection(32)
	if p == nil {
		t.Fatal("expected a projection trained at the observed width")
	}
	if p.N != 64 {
		t.Errorf("projection N = %d, want the observed 64, not the placeholder", p.N)
	}
}

func TestSaveLoadProjection_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	p := &Projection{
		N:          4,
		T:          2,
		Mean:       []float32{0.1, 0.2, 0.3, 0.4},
		Components: [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}},
	}
	path := projectionPath(dir, 2)
	if err := saveProjection(p, path); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadProjection(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.N != p.N || got.T != p.T {
		t.Errorf("dims = (%d,%d), want (%d,%d)", got.N, got.T, p.N, p.T)
	}
	if len(got.Components) != len(p.Components) {
		t.Errorf("components len = %d, want %d", len(got.Components), len(p.Components))
	}
}
