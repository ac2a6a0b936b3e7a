// Package safetensors reads and writes the safetensors container: an 8-byte
// little-endian header length, a JSON header mapping tensor names to dtype,
// shape and byte offsets, then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

var (
	ErrCorrupt  = errors.New("corrupt safetensors file")
	ErrNotFound = errors.New("tensor not found")
)

const metadataKey = "__metadata__"

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors file. Tensor bytes are served from a
// read-only mapping when the platform allows it.
type File struct {
	Path     string
	Metadata map[string]string
	Tensors  map[string]TensorInfo

	data      []byte
	dataStart int64
	mmapped   bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open maps path read-only and parses its header. If mmap fails the file is
// read into memory instead. The returned file must be closed.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(math.MaxInt) {
		return nil, fmt.Errorf("%s: %w: size %d", path, ErrCorrupt, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		if data, err = readAllAt(f, int(size)); err != nil {
			return nil, err
		}
	}
	sf, err := Parse(data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sf.Path = path
	sf.mmapped = mmapped
	return sf, nil
}

// Parse reads a safetensors image held in memory. The file keeps data.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, ErrCorrupt
	}
	headerLen := binary.LittleEndian.Uint64(data)
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file", ErrCorrupt, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorrupt, err)
	}

	sf := &File{
		data:      data,
		dataStart: int64(8 + headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
		}
		delete(raw, metadataKey)
	}
	payload := int64(len(data)) - sf.dataStart
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrCorrupt, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: data_offsets has %d entries", ErrCorrupt, name, len(th.DataOffsets))
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside %d payload bytes", ErrCorrupt, name, start, end, payload)
		}
		sf.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return sf, nil
}

// Close releases the mapping, if any.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of name. The slice aliases the file and
// is only valid until Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if f.data == nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: file is closed", name)
	}
	return f.data[f.dataStart+t.Start : f.dataStart+t.End], t, nil
}

// ReadTensorF32 decodes name to float32. F32, F16 and BF16 are supported.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	width := map[string]int{"F32": 4, "F16": 2, "BF16": 2}[info.DType]
	if width == 0 {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	if len(raw) != n*width {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %d bytes for %d %s elements", name, len(raw), n, info.DType)
	}
	out := make([]float32, n)
	for i := range out {
		switch info.DType {
		case "F32":
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		case "F16":
			out[i] = fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		case "BF16":
			out[i] = bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
	return out, info, nil
}

// numElements rejects empty shapes, so scalars cannot be stored.
func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	var off int64
	for off < int64(size) {
		n, err := r.ReadAt(out[off:], off)
		off += int64(n)
		if err == nil {
			continue
		}
		if err == io.EOF && off == int64(size) {
			break
		}
		return nil, err
	}
	return out, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
