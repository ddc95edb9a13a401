package dims

import (
	"container/list"
	"math"
	"math/rand"
	"strconv"
	"sync"
)

// gaussianMatrix is an N x k projection matrix scaled by 1/sqrt(N).
type gaussianMatrix struct {
	n, k int
	rows [][]float32
}

func newGaussianMatrix(n, k int) *gaussianMatrix {
	// Deterministic per (n, k): every process derives the same matrix so
	// cached blobs and freshly generated ones agree bit-for-bit.
	src := rand.New(rand.NewSource(int64(n)*1_000_003 + int64(k)))
	scale := float32(1.0 / math.Sqrt(float64(n)))
	rows := make([][]float32, n)
	for i := range rows {
		row := make([]float32, k)
		for j := range row {
			row[j] = float32(src.NormFloat64()) * scale
		}
		rows[i] = row
	}
	return &gaussianMatrix{n: n, k: k, rows: rows}
}

// project computes native · R, returning a k-length vector. Callers pass a
// native vector whose length equals n.
func (m *gaussianMatrix) project(native []float32) []float32 {
	out := make([]float32, m.k)
	for i, x := range native {
		if x == 0 {
			continue
		}
		row := m.rows[i]
		for j, r := range row {
			out[j] += x * r
		}
	}
	return out
}

// matrixCacheEntry is one LRU slot holding a generated Gaussian matrix.
type matrixCacheEntry struct {
	key string
	mat *gaussianMatrix
}

// matrixCache is an LRU cache of Gaussian projection matrices, bounded at
// maxMatrices entries to prevent unbounded growth across many distinct
// (native_dims, k) pairs.
type matrixCache struct {
	mu      sync.Mutex
	maxSize int
	list    *list.List
	items   map[string]*list.Element
}

const defaultMaxMatrices = 100

func newMatrixCache(maxSize int) *matrixCache {
	if maxSize <= 0 {
		maxSize = defaultMaxMatrices
	}
	return &matrixCache{
		maxSize: maxSize,
		list:    list.New(),
		items:   make(map[string]*list.Element),
	}
}

func matrixKey(n, k int) string {
	return strconv.Itoa(n) + ":" + strconv.Itoa(k)
}

func (c *matrixCache) get(n, k int) *gaussianMatrix {
	key := matrixKey(n, k)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.list.MoveToFront(el)
		return el.Value.(*matrixCacheEntry).mat
	}
	mat := newGaussianMatrix(n, k)
	el := c.list.PushFront(&matrixCacheEntry{key: key, mat: mat})
	c.items[key] = el
	if c.list.Len() > c.maxSize {
		oldest := c.list.Back()
		if oldest != nil {
			c.list.Remove(oldest)
			delete(c.items, oldest.Value.(*matrixCacheEntry).key)
		}
	}
	return mat
}
