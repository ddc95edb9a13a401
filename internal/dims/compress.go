package dims

import "sync"

// minSamples is how many native vectors must be observed before a learned
// projection is trained for a given target dimension.
const minSamples = 100

// eagerTargets are the common target sizes projections are trained for as
// soon as enough samples are available, without waiting for a request at
// that exact dimension.
var eagerTargets = []int{256, 384, 512, 768, 1024, 1536}

// CompressionStore accumulates native vector samples and trains/persists
// learned projections for requested target dimensions once enough samples
// have been collected. One store is scoped to a single native dimension.
type CompressionStore struct {
	mu          sync.Mutex
	dir         string
	nativeDims  int
	samples     [][]float32
	projections map[int]*Projection
}

// NewCompressionStore opens (or lazily creates) a compression store that
// persists learned projections under dir.
func NewCompressionStore(dir string, nativeDims int) *CompressionStore {
	return &CompressionStore{
		dir:         dir,
		nativeDims:  nativeDims,
		projections: make(map[int]*Projection),
	}
}

// Observe records a native vector as a training sample and, once the
// minimum sample count is reached, eagerly trains projections for the
// common target sizes that don't have one yet.
//
// The native dimension follows the vectors actually observed: the store
// is constructed before the lazily-loaded encoder has run, so the first
// sample (or a model swap at a different width) resets the sample set
// and the dimension together.
func (s *CompressionStore) Observe(native []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(native) != s.nativeDims {
		s.nativeDims = len(native)
		s.samples = s.samples[:0]
		s.projections = make(map[int]*Projection)
	}
	if len(s.samples) < minSamples {
		cp := make([]float32, len(native))
		copy(cp, native)
		s.samples = append(s.samples, cp)
	}
	if len(s.samples) < minSamples {
		return
	}
	for _, t := range eagerTargets {
		if t >= s.nativeDims {
			continue
		}
		if _, ok := s.projections[t]; ok {
			continue
		}
		s.trainLocked(t)
	}
}

// Projection returns a trained projection for target dimension t, loading
// it from disk or training it on the fly if enough samples exist. Returns
// nil if no projection is available yet (caller falls back to truncation).
func (s *CompressionStore) Projection(t int) *Projection {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projections[t]; ok {
		return p
	}
	if p, err := loadProjection(projectionPath(s.dir, t)); err == nil && p.N == s.nativeDims {
		s.projections[t] = p
		return p
	}
	if len(s.samples) >= minSamples {
		return s.trainLocked(t)
	}
	return nil
}

func (s *CompressionStore) trainLocked(t int) *Projection {
	p := trainProjection(s.samples, s.nativeDims, t)
	s.projections[t] = p
	_ = saveProjection(p, projectionPath(s.dir, t))
	return p
}

// Compress produces a t-dimension vector from a native vector: fast-path
// truncation when the deficit is under 10% of n, else a learned projection,
// falling back to truncation when no projection is trained yet.
func Compress(store *CompressionStore, native []float32, t int) (out []float32, usedTruncation bool) {
	n := len(native)
	deficit := float64(n-t) / float64(n)
	if deficit < 0.10 {
		return truncate(native, t), true
	}
	if store != nil {
		if p := store.Projection(t); p != nil {
			return p.Apply(native), false
		}
	}
	return truncate(native, t), true
}

func truncate(native []float32, t int) []float32 {
	out := make([]float32, t)
	copy(out, native[:t])
	return out
}
