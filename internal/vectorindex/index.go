// Package vectorindex is an exact nearest-neighbor index over
// fixed-dimension float32 vectors, searched by squared L2 distance and
// persisted as a single binary file.
//
// Positions are dense and append-only: the Nth vector added is at
// position N, and callers use positions as stable foreign keys.
package vectorindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
)

const (
	magic   = "AMVI"
	version = uint32(1)
)

// ErrDimension is returned when a vector's length does not match the
// index dimension.
var ErrDimension = errors.New("vector dimension mismatch")

// Hit is one search result.
type Hit struct {
	Position int
	Distance float32 // squared L2
}

// Index holds vectors in insertion order. It is not safe for
// concurrent use; callers serialize access.
type Index struct {
	dim  int
	data []float32
}

// New returns an empty index. A zero dim is fixed by the first Add.
func New(dim int) *Index {
	return &Index{dim: dim}
}

// Dim returns the vector dimension, 0 if not yet fixed.
func (x *Index) Dim() int { return x.dim }

// Len returns the number of vectors.
func (x *Index) Len() int {
	if x.dim == 0 {
		return 0
	}
	return len(x.data) / x.dim
}

// Add appends vec and returns its position.
func (x *Index) Add(vec []float32) (int, error) {
	if len(vec) == 0 {
		return 0, fmt.Errorf("add: %w: empty vector", ErrDimension)
	}
	if x.dim == 0 {
		x.dim = len(vec)
	}
	if len(vec) != x.dim {
		return 0, fmt.Errorf("add: %w: got %d, index is %d", ErrDimension, len(vec), x.dim)
	}
	pos := x.Len()
	x.data = append(x.data, vec...)
	return pos, nil
}

// Vector returns a copy of the vector at pos.
func (x *Index) Vector(pos int) []float32 {
	if pos < 0 || pos >= x.Len() {
		return nil
	}
	out := make([]float32, x.dim)
	copy(out, x.data[pos*x.dim:(pos+1)*x.dim])
	return out
}

// Truncate drops every vector at position n and beyond.
func (x *Index) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	if n < x.Len() {
		x.data = x.data[:n*x.dim]
	}
}

// Clone returns an independent copy, used to stage additions that may
// be discarded.
func (x *Index) Clone() *Index {
	data := make([]float32, len(x.data))
	copy(data, x.data)
	return &Index{dim: x.dim, data: data}
}

// Search returns up to k nearest vectors to query, nearest first. Ties
// are broken by lower position.
func (x *Index) Search(query []float32, k int) ([]Hit, error) {
	n := x.Len()
	if k <= 0 || n == 0 {
		return []Hit{}, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("search: %w: got %d, index is %d", ErrDimension, len(query), x.dim)
	}

	hits := make([]Hit, n)
	for i := 0; i < n; i++ {
		row := x.data[i*x.dim : (i+1)*x.dim]
		var d float32
		for j, q := range query {
			diff := row[j] - q
			d += diff * diff
		}
		hits[i] = Hit{Position: i, Distance: d}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Distance < hits[b].Distance
	})
	if k < n {
		hits = hits[:k]
	}
	return hits, nil
}

// Save writes the index to path. The file is written beside path and
// renamed into place, so readers see either the old or the new index.
func (x *Index) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	w := bufio.NewWriter(tmp)
	if err := x.encode(w); err != nil {
		tmp.Close()
		return fmt.Errorf("encode index: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename index into place: %w", err)
	}
	return nil
}

func (x *Index) encode(w io.Writer) error {
	if _, err := io.WriteString(w, magic); err != nil {
		return err
	}
	header := []any{version, uint32(x.dim), uint64(x.Len())}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	buf := make([]byte, 4)
	for _, f := range x.data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// Load reads an index from path. A missing file yields an empty index.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat index: %w", err)
	}
	x, err := decode(bufio.NewReader(f), info.Size())
	if err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	return x, nil
}

// headerSize is magic, version, dim and count.
const headerSize = len(magic) + 4 + 4 + 8

// decode reads an index of size bytes. The header's vector count is
// checked against size before anything is allocated.
func decode(r io.Reader, size int64) (*Index, error) {
	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(head) != magic {
		return nil, fmt.Errorf("bad magic %q", head)
	}

	var (
		ver   uint32
		dim   uint32
		count uint64
	)
	for _, v := range []any{&ver, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
	}
	if ver != version {
		return nil, fmt.Errorf("unsupported version %d", ver)
	}
	if count > 0 && dim == 0 {
		return nil, fmt.Errorf("%d vectors with zero dimension", count)
	}

	payload := size - int64(headerSize)
	if payload < 0 || (dim > 0 && count > uint64(payload)/4/uint64(dim)) {
		return nil, fmt.Errorf("header claims %d vectors of dimension %d, file has %d bytes", count, dim, size)
	}

	total := int(count) * int(dim)
	raw := make([]byte, total*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read %d vectors: %w", count, err)
	}
	data := make([]float32, total)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return &Index{dim: int(dim), data: data}, nil
}
