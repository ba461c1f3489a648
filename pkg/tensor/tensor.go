// Package tensor holds the [frames, patches, dim] embedding array and its on-disk encoding.
//
// File layout (all little endian):
//
//	magic   [4]byte  "fse1"
//	rank    uint32   always 3
//	dims    [3]uint32
//	payload float32 * dims[0]*dims[1]*dims[2]
package tensor

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/chewxy/math32"
)

const Magic = "fse1" // must be 4 bytes long
const FileExtension = ".f32"

// Sanity limit on decoded sizes, so that a corrupt header can't make us allocate the world
const MaxElements = 1 << 31

var ErrBadMagic = errors.New("Not an embedding array file")
var ErrBadShape = errors.New("Invalid embedding array shape")

// Tensor3 is a dense row-major [T, P, D] float32 array
type Tensor3 struct {
	Shape [3]int
	Data  []float32
}

// New allocates a zero-filled tensor
func New(t, p, d int) *Tensor3 {
	return &Tensor3{
		Shape: [3]int{t, p, d},
		Data:  make([]float32, t*p*d),
	}
}

// FromFrames concatenates per-frame [P][D] slices into one tensor.
// All frames must have the same number of patches and the same dimension.
func FromFrames(frames [][][]float32) (*Tensor3, error) {
	if len(frames) == 0 || len(frames[0]) == 0 || len(frames[0][0]) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadShape)
	}
	p := len(frames[0])
	d := len(frames[0][0])
	t := New(len(frames), p, d)
	for i, frame := range frames {
		if len(frame) != p {
			return nil, fmt.Errorf("%w: frame %v has %v patches, expected %v", ErrBadShape, i, len(frame), p)
		}
		for j, patch := range frame {
			if len(patch) != d {
				return nil, fmt.Errorf("%w: frame %v patch %v has dimension %v, expected %v", ErrBadShape, i, j, len(patch), d)
			}
			copy(t.Patch(i, j), patch)
		}
	}
	return t, nil
}

func (t *Tensor3) Frames() int  { return t.Shape[0] }
func (t *Tensor3) Patches() int { return t.Shape[1] }
func (t *Tensor3) Dim() int     { return t.Shape[2] }

// Frame returns the [P*D] slice of frame i (no copy)
func (t *Tensor3) Frame(i int) []float32 {
	n := t.Shape[1] * t.Shape[2]
	return t.Data[i*n : (i+1)*n]
}

// Patch returns the [D] vector of patch p in frame i (no copy)
func (t *Tensor3) Patch(i, p int) []float32 {
	d := t.Shape[2]
	start := (i*t.Shape[1] + p) * d
	return t.Data[start : start+d]
}

// MeanPatch returns the mean patch vector of frame i
func (t *Tensor3) MeanPatch(i int) []float32 {
	mean := make([]float32, t.Shape[2])
	for p := 0; p < t.Shape[1]; p++ {
		for k, v := range t.Patch(i, p) {
			mean[k] += v
		}
	}
	inv := 1 / float32(t.Shape[1])
	for k := range mean {
		mean[k] *= inv
	}
	return mean
}

// Equal returns true if shape and contents are identical
func (t *Tensor3) Equal(b *Tensor3) bool {
	if b == nil || t.Shape != b.Shape || len(t.Data) != len(b.Data) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

// L2Normalize scales v to unit length in place. eps guards against zero vectors.
func L2Normalize(v []float32, eps float32) {
	sum := float32(0)
	for _, x := range v {
		sum += x * x
	}
	inv := 1 / (math32.Sqrt(sum) + eps)
	for i := range v {
		v[i] *= inv
	}
}

// SizeBytes is the encoded size of a tensor of the given shape
func SizeBytes(shape [3]int) int64 {
	return 20 + 4*int64(shape[0])*int64(shape[1])*int64(shape[2])
}

// Encode writes the tensor in our binary format
func (t *Tensor3) Encode(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	header := make([]byte, 20)
	copy(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], 3)
	for i := 0; i < 3; i++ {
		binary.LittleEndian.PutUint32(header[8+i*4:12+i*4], uint32(t.Shape[i]))
	}
	if _, err := bw.Write(header); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for _, v := range t.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads a tensor written by Encode.
// If size is not -1, it must equal the encoded size implied by the header.
func Decode(r io.Reader, size int64) (*Tensor3, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	header := make([]byte, 20)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("Failed to read embedding array header: %w", err)
	}
	if string(header[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if rank := binary.LittleEndian.Uint32(header[4:8]); rank != 3 {
		return nil, fmt.Errorf("%w: rank %v", ErrBadShape, rank)
	}
	shape := [3]int{}
	n := int64(1)
	for i := 0; i < 3; i++ {
		shape[i] = int(binary.LittleEndian.Uint32(header[8+i*4 : 12+i*4]))
		n *= int64(shape[i])
	}
	if n <= 0 || n > MaxElements {
		return nil, fmt.Errorf("%w: %v", ErrBadShape, shape)
	}
	if size != -1 && size != SizeBytes(shape) {
		return nil, fmt.Errorf("%w: file size %v does not match shape %v", ErrBadShape, size, shape)
	}
	t := &Tensor3{
		Shape: shape,
		Data:  make([]float32, n),
	}
	buf := make([]byte, 4)
	for i := range t.Data {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("Failed to read embedding array payload: %w", err)
		}
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf))
	}
	return t, nil
}
