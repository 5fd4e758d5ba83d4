package catalog

import (
	"encoding/gob"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// indexFileName is the on-disk index file inside the version directory.
const indexFileName = "index.gob"

// Index is an immutable in-memory vector index over one catalog version.
// Built once, then only read; safe for concurrent search without locking.
type Index struct {
	Version  string
	Products []Product
	Vectors  [][]float32 // unit-normalized, parallel to Products
}

// hit is an internal scored match before boosting.
type hit struct {
	idx   int
	score float64 // cosine similarity mapped to [0,1]
}

// ErrEmptyIndex is returned when searching an index with no products.
var ErrEmptyIndex = errors.New("catalog index is empty")

// NewIndex builds an index from parallel product and vector slices. Vectors
// are normalized in place so search is a plain dot product.
func NewIndex(version string, products []Product, vectors [][]float32) (*Index, error) {
	if len(products) != len(vectors) {
		return nil, errors.New("products and vectors length mismatch")
	}
	for i := range vectors {
		normalize(vectors[i])
	}
	return &Index{Version: version, Products: products, Vectors: vectors}, nil
}

// search returns the top k raw hits at or above minScore, ordered by score
// descending with product id ascending as the tiebreak, so equal inputs
// always produce identical output.
func (ix *Index) search(query []float32, k int, minScore float64) ([]hit, error) {
	if len(ix.Products) == 0 {
		return nil, ErrEmptyIndex
	}
	q := append([]float32(nil), query...)
	normalize(q)

	hits := make([]hit, 0, len(ix.Products))
	for i, v := range ix.Vectors {
		// score = 1 - cosine distance; negative similarity clamps to 0
		s := dot(q, v)
		if s < 0 {
			s = 0
		}
		if s >= minScore {
			hits = append(hits, hit{idx: i, score: s})
		}
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].score != hits[b].score {
			return hits[a].score > hits[b].score
		}
		return ix.Products[hits[a].idx].ID < ix.Products[hits[b].idx].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Save writes the index under dir (created if absent).
func (ix *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, indexFileName+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(ix); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	// Rename is atomic on POSIX: readers see the old file or the new one.
	return os.Rename(tmp, filepath.Join(dir, indexFileName))
}

// LoadIndex reads a persisted index from dir.
func LoadIndex(dir string) (*Index, error) {
	f, err := os.Open(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ix Index
	if err := gob.NewDecoder(f).Decode(&ix); err != nil {
		return nil, err
	}
	return &ix, nil
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func normalize(v []float32) {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	if s == 0 {
		return
	}
	inv := 1 / math.Sqrt(s)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
