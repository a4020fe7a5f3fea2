package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/voxelnn/voxelnn/ml"
)

var ErrUnknownDType = errors.New("store: unknown data type")

// DType is the on-disk element type of stored weights.
type DType string

const (
	DTypeF32  DType = "F32"
	DTypeF16  DType = "F16"
	DTypeBF16 DType = "BF16"
)

// ParseDType accepts f32, f16 and bf16 in any case. The empty string is F32.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToUpper(s)); d {
	case "":
		return DTypeF32, nil
	case DTypeF32, DTypeF16, DTypeBF16:
		return d, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDType, s)
	}
}

func (d DType) size() (int, error) {
	switch d {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDType, string(d))
	}
}

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// WriteSafetensors writes tensors in the safetensors layout: an 8 byte
// little-endian header length, a JSON header and the raw data, with tensors
// ordered by name.
func WriteSafetensors(w io.Writer, tensors map[string]*ml.Tensor, dtype DType) error {
	size, err := dtype.size()
	if err != nil {
		return err
	}

	keys := maps.Keys(tensors)
	slices.Sort(keys)

	header := map[string]any{
		"__metadata__": map[string]string{"format": "voxelnn"},
	}

	var offset int64
	for _, key := range keys {
		t := tensors[key]
		n := int64(t.Len() * size)
		header[key] = safetensorMetadata{
			Type:    string(dtype),
			Shape:   t.Shape(),
			Offsets: []int64{offset, offset + n},
		}
		offset += n
	}

	bts, err := json.Marshal(header)
	if err != nil {
		return err
	}

	// pad the header so the data starts 8 byte aligned
	if pad := len(bts) % 8; pad != 0 {
		bts = append(bts, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(bts))); err != nil {
		return err
	}

	if _, err := w.Write(bts); err != nil {
		return err
	}

	for _, key := range keys {
		if err := encode(w, tensors[key].Floats(), dtype); err != nil {
			return fmt.Errorf("store: writing %s: %w", key, err)
		}
	}

	return nil
}

func encode(w io.Writer, data []float64, dtype DType) error {
	f32s := make([]float32, len(data))
	for i, v := range data {
		f32s[i] = float32(v)
	}

	switch dtype {
	case DTypeF32:
		return binary.Write(w, binary.LittleEndian, f32s)
	case DTypeF16:
		u16s := make([]uint16, len(f32s))
		for i := range f32s {
			u16s[i] = float16.Fromfloat32(f32s[i]).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case DTypeBF16:
		_, err := w.Write(bfloat16.EncodeFloat32(f32s))
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDType, string(dtype))
	}
}

// ReadSafetensors reads every tensor of a safetensors stream.
func ReadSafetensors(r io.Reader) (map[string]*ml.Tensor, error) {
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}

	if n <= 0 {
		return nil, fmt.Errorf("store: invalid safetensors header length %d", n)
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, r, n); err != nil {
		return nil, err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	tensors := make(map[string]*ml.Tensor, len(headers))
	for key, value := range headers {
		// __metadata__ has no dtype
		if value.Type == "" {
			continue
		}

		if len(value.Offsets) != 2 || value.Offsets[0] < 0 || value.Offsets[0] > value.Offsets[1] || value.Offsets[1] > int64(len(data)) {
			return nil, fmt.Errorf("store: %s has invalid offsets %v", key, value.Offsets)
		}

		values, err := decode(data[value.Offsets[0]:value.Offsets[1]], DType(value.Type))
		if err != nil {
			return nil, fmt.Errorf("store: reading %s: %w", key, err)
		}

		t, err := ml.FromFloats(values, value.Shape...)
		if err != nil {
			return nil, fmt.Errorf("store: reading %s: %w", key, err)
		}
		tensors[key] = t
	}

	return tensors, nil
}

func decode(bts []byte, dtype DType) ([]float64, error) {
	var f32s []float32
	switch dtype {
	case DTypeF32:
		f32s = make([]float32, len(bts)/4)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	case DTypeF16:
		u16s := make([]uint16, len(bts)/2)
		if err := binary.Read(bytes.NewReader(bts), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
	case DTypeBF16:
		f32s = bfloat16.DecodeFloat32(bts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDType, string(dtype))
	}

	out := make([]float64, len(f32s))
	for i, v := range f32s {
		out[i] = float64(v)
	}
	return out, nil
}
