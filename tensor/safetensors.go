package tensor

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Supported safetensors dtypes
const (
	DtypeF32  = "F32"
	DtypeF16  = "F16"
	DtypeBF16 = "BF16"
)

const metadataKey = "__metadata__"

// TensorInfo describes a tensor in safetensors format
type TensorInfo struct {
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// SafetensorsFile is a decoded safetensors file. Every tensor is widened to
// float32 regardless of the stored dtype; Dtypes remembers the original.
type SafetensorsFile struct {
	Metadata map[string]string
	Tensors  map[string]*Tensor
	Dtypes   map[string]string
}

// ReadSafetensors loads and decodes a safetensors file
func ReadSafetensors(path string) (*SafetensorsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	f, err := ParseSafetensors(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// ParseSafetensors decodes safetensors bytes
func ParseSafetensors(data []byte) (*SafetensorsFile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("truncated header")
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("header size %d exceeds file size %d", headerSize, len(data))
	}
	headerBytes := data[8 : 8+headerSize]
	tensorData := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	f := &SafetensorsFile{
		Metadata: map[string]string{},
		Tensors:  make(map[string]*Tensor, len(raw)),
		Dtypes:   make(map[string]string, len(raw)),
	}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		t, err := decodeTensor(tensorData, info)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		f.Tensors[name] = t
		f.Dtypes[name] = info.Dtype
	}
	return f, nil
}

func decodeTensor(data []byte, info TensorInfo) (*Tensor, error) {
	start, end := info.Offsets[0], info.Offsets[1]
	if start < 0 || end < start || end > int64(len(data)) {
		return nil, fmt.Errorf("data offsets [%d,%d) out of range", start, end)
	}
	buf := data[start:end]
	n := numElements(info.Shape)

	width, err := dtypeWidth(info.Dtype)
	if err != nil {
		return nil, err
	}
	if len(buf) != n*width {
		return nil, fmt.Errorf("expected %d bytes for shape %v, got %d", n*width, info.Shape, len(buf))
	}

	out := make([]float32, n)
	switch info.Dtype {
	case DtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
	case DtypeF16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
		}
	case DtypeBF16:
		copy(out, bfloat16.DecodeFloat32(buf))
	}
	return &Tensor{Data: out, Shape: append([]int(nil), info.Shape...)}, nil
}

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case DtypeF32:
		return 4, nil
	case DtypeF16, DtypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}

// WriteSafetensors writes tensors in the given dtype (F32 or F16). The file
// is written next to path and renamed into place.
func WriteSafetensors(path string, tensors map[string]*Tensor, dtype string, metadata map[string]string) error {
	if dtype != DtypeF32 && dtype != DtypeF16 {
		return fmt.Errorf("unsupported dtype for writing: %s", dtype)
	}
	width, _ := dtypeWidth(dtype)

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		size := int64(len(t.Data) * width)
		header[name] = TensorInfo{Dtype: dtype, Shape: t.Shape, Offsets: [2]int64{offset, offset + size}}
		offset += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".safetensors-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriterSize(tmp, 1<<20)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	w.Write(lenBuf[:])
	w.Write(headerBytes)

	var scratch [4]byte
	for _, name := range names {
		for _, v := range tensors[name].Data {
			if dtype == DtypeF16 {
				binary.LittleEndian.PutUint16(scratch[:2], float16.Fromfloat32(v).Bits())
				w.Write(scratch[:2])
			} else {
				binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
				w.Write(scratch[:])
			}
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
