// Package npy reads and writes the NumPy .npy array format used for the
// avatar's coordinate and latent arrays and for per-frame audio features.
//
// Only C-ordered float32, float64, int32 and int64 arrays are supported,
// which covers everything the preparation tools emit. Headers are checked
// against the file size before any body is allocated.
package npy

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/kshedden/gonpy"

	"github.com/heimdex/avatar-agent/internal/tensor"
)

var (
	// ErrFormat marks a malformed file or a header that contradicts the file.
	ErrFormat = errors.New("npy: invalid format")
	// ErrUnsupported marks a well-formed array this package does not handle.
	ErrUnsupported = errors.New("npy: unsupported array")
)

// Header is the part of an array header the loaders act on.
type Header struct {
	// Dtype is the element code without its byte-order mark, e.g. "f4".
	Dtype string
	Shape []int
}

// Count returns the number of elements described by the header, or -1 when
// a dimension is negative or the product overflows.
func (h Header) Count() int {
	n := 1
	for _, d := range h.Shape {
		if d < 0 || (d > 0 && n > math.MaxInt/d) {
			return -1
		}
		n *= d
	}
	return n
}

func elemSize(dtype string) (int, error) {
	switch dtype {
	case "f4", "i4":
		return 4, nil
	case "f8", "i8":
		return 8, nil
	}
	return 0, fmt.Errorf("%w: dtype %s", ErrUnsupported, dtype)
}

// check rejects headers whose body could not fit in size bytes.
func (h Header) check(size int64) error {
	es, err := elemSize(h.Dtype)
	if err != nil {
		return err
	}
	n := h.Count()
	if n < 0 {
		return fmt.Errorf("%w: shape %v", ErrFormat, h.Shape)
	}
	if int64(n) > size/int64(es) {
		return fmt.Errorf("%w: shape %v needs %d bytes, file has %d", ErrFormat, h.Shape, int64(n)*int64(es), size)
	}
	return nil
}

// open parses the header of the array in f and validates it against the
// file size.
func open(f *os.File) (*gonpy.NpyReader, Header, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, Header{}, err
	}
	rdr, err := gonpy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, Header{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if rdr.ColumnMajor {
		return nil, Header{}, fmt.Errorf("%w: fortran order", ErrUnsupported)
	}
	h := Header{Dtype: strings.TrimLeft(rdr.Dtype, "<>=|"), Shape: rdr.Shape}
	if err := h.check(fi.Size()); err != nil {
		return nil, Header{}, err
	}
	return rdr, h, nil
}

type number interface {
	~int32 | ~int64 | ~float32 | ~float64
}

func convert[D, S number](src []S, err error) ([]D, error) {
	if err != nil {
		return nil, err
	}
	out := make([]D, len(src))
	for i, v := range src {
		out[i] = D(v)
	}
	return out, nil
}

func readFloat32(rdr *gonpy.NpyReader, dtype string) ([]float32, error) {
	switch dtype {
	case "f4":
		return rdr.GetFloat32()
	case "f8":
		return convert[float32](rdr.GetFloat64())
	case "i4":
		return convert[float32](rdr.GetInt32())
	default:
		return convert[float32](rdr.GetInt64())
	}
}

func readInt64(rdr *gonpy.NpyReader, dtype string) ([]int64, error) {
	switch dtype {
	case "i8":
		return rdr.GetInt64()
	case "i4":
		return convert[int64](rdr.GetInt32())
	}
	return nil, fmt.Errorf("%w: dtype %s is not an integer type", ErrUnsupported, dtype)
}

// SaveTensor writes t to path as a float32 array.
func SaveTensor(path string, t tensor.Tensor) error {
	return writeFile(path, t.Shape, len(t.Data), func(w *gonpy.NpyWriter) error {
		return w.WriteFloat32(t.Data)
	})
}

// LoadTensor reads a float array from path, converting integer and float64
// elements to float32.
func LoadTensor(path string) (tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return tensor.Tensor{}, err
	}
	defer f.Close()

	rdr, h, err := open(f)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%s: %w", path, err)
	}
	data, err := readFloat32(rdr, h.Dtype)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%s: %w: body: %v", path, ErrFormat, err)
	}
	return tensor.New(data, h.Shape...)
}

// SaveInt64 writes an int64 array to path.
func SaveInt64(path string, shape []int, data []int64) error {
	return writeFile(path, shape, len(data), func(w *gonpy.NpyWriter) error {
		return w.WriteInt64(data)
	})
}

// LoadInt64 reads an integer array from path.
func LoadInt64(path string) ([]int, []int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	rdr, h, err := open(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	data, err := readInt64(rdr, h.Dtype)
	if errors.Is(err, ErrUnsupported) {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w: body: %v", path, ErrFormat, err)
	}
	return h.Shape, data, nil
}

// writeFile creates path and hands a shaped writer to write, which closes
// the file once the body is out.
func writeFile(path string, shape []int, n int, write func(*gonpy.NpyWriter) error) error {
	if c := (Header{Shape: shape}).Count(); c != n {
		return fmt.Errorf("%w: shape %v needs %d elements, got %d", ErrUnsupported, shape, c, n)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w, err := gonpy.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	w.Shape = shape
	if err := write(w); err != nil {
		f.Close()
		return err
	}
	return nil
}
