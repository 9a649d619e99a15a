package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
)

// TensorInfo describes a tensor's properties
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string]*Tensor[float32], error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and returns tensors by name.
// F32, F16 and BF16 tensors are widened to float32; other dtypes are skipped.
func LoadSafetensorsFromBytes(data []byte) (map[string]*Tensor[float32], error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])

	if uint64(len(data)) < 8+headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	tensors := make(map[string]*Tensor[float32])
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		if info.DType != "F32" && info.DType != "F16" && info.DType != "BF16" {
			log.Warn().Str("tensor", name).Str("dtype", info.DType).Msg("skipping tensor with unsupported dtype")
			continue
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: bad data_offsets", name)
		}

		numElements := 1
		for _, dim := range info.Shape {
			numElements *= dim
		}

		width := 4
		if info.DType != "F32" {
			width = 2
		}
		start := info.Offset[0]
		if start < 0 || start+numElements*width > len(allData) {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}

		tensorData := make([]float32, numElements)
		for i := 0; i < numElements; i++ {
			offset := start + i*width
			switch info.DType {
			case "F32":
				tensorData[i] = math.Float32frombits(binary.LittleEndian.Uint32(allData[offset : offset+4]))
			case "F16":
				tensorData[i] = float16ToFloat32(binary.LittleEndian.Uint16(allData[offset : offset+2]))
			case "BF16":
				tensorData[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(allData[offset : offset+2]))
			}
		}

		tensors[name] = NewTensorFromSlice(tensorData, info.Shape...)
	}

	return tensors, nil
}

// SaveSafetensors writes tensors as F32 to a safetensors file
func SaveSafetensors(filepath string, tensors map[string]*Tensor[float32]) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath, data, 0644)
}

// SerializeSafetensors converts tensors to safetensors format bytes
func SerializeSafetensors(tensors map[string]*Tensor[float32]) ([]byte, error) {
	// Sort names for deterministic order
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	currentOffset := 0
	for _, name := range names {
		t := tensors[name]
		size := len(t.Data) * 4
		header[name] = TensorInfo{
			DType:  "F32",
			Shape:  t.Shape,
			Offset: []int{currentOffset, currentOffset + size},
		}
		currentOffset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// Build file: [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+headerSize+uint64(currentOffset))
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:], headerJSON)

	offset := 8 + int(headerSize)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(result[offset:offset+4], math.Float32bits(v))
			offset += 4
		}
	}

	return result, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		// Normal
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
