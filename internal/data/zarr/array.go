// Package zarr reads reflectance cubes from and writes classification results
// to Zarr v3 stores.
package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue      interface{}            `json:"fill_value"`
	Codecs         []Codec                `json:"codecs"`
	DimensionNames []string               `json:"dimension_names,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
}

// Codec is one entry of an array's codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// GroupMeta represents Zarr v3 group metadata.
type GroupMeta struct {
	ZarrFormat int                    `json:"zarr_format"`
	NodeType   string                 `json:"node_type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s/zarr.json: %w", arrayPath, err)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("%s is a %s, not an array", arrayPath, meta.NodeType)
	}
	if err := meta.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", arrayPath, err)
	}
	return &meta, nil
}

func loadGroupMeta(groupPath string) (*GroupMeta, error) {
	data, err := os.ReadFile(filepath.Join(groupPath, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta GroupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse %s/zarr.json: %w", groupPath, err)
	}
	return &meta, nil
}

func (m *ArrayMeta) check() error {
	chunk := m.ChunkGrid.Configuration.ChunkShape
	if len(m.Shape) == 0 || len(chunk) == 0 {
		return fmt.Errorf("invalid zarr metadata: missing shape/chunk_shape")
	}
	if len(m.Shape) != len(chunk) {
		return fmt.Errorf("invalid zarr metadata: shape dims (%d) != chunk dims (%d)", len(m.Shape), len(chunk))
	}
	for d, c := range chunk {
		if c <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, c)
		}
	}
	if _, err := dtypeSize(m.DataType); err != nil {
		return err
	}
	for _, c := range m.Codecs {
		switch c.Name {
		case "bytes":
			if e, ok := c.Configuration["endian"].(string); ok && e != "little" {
				return fmt.Errorf("unsupported endian: %s", e)
			}
		case "zstd":
		default:
			return fmt.Errorf("unsupported codec: %s", c.Name)
		}
	}
	return nil
}

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	return false
}

func (m *ArrayMeta) chunkKey(chunkIndices []int) string {
	sep := m.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	if m.ChunkKeyEncoding.Name == "v2" {
		return strings.Join(parts, sep)
	}
	return "c" + sep + strings.Join(parts, sep)
}

// gridShape returns the number of chunks along each dimension.
func (m *ArrayMeta) gridShape() []int {
	chunk := m.ChunkGrid.Configuration.ChunkShape
	out := make([]int, len(m.Shape))
	for d := range m.Shape {
		out[d] = ceilDiv(m.Shape[d], chunk[d])
	}
	return out
}

// eachChunk calls fn with every chunk index in C order.
func (m *ArrayMeta) eachChunk(fn func(idx []int) error) error {
	grid := m.gridShape()
	for _, g := range grid {
		if g == 0 {
			return nil
		}
	}
	idx := make([]int, len(grid))
	for {
		if err := fn(idx); err != nil {
			return err
		}
		d := len(idx) - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < grid[d] {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			return nil
		}
	}
}

// copyChunk moves elements between a full C-order array and one full-size
// chunk. Edge chunks are padded; padding is never copied into the array.
// toArray selects the direction.
func (m *ArrayMeta) copyChunk(array, chunkData []byte, chunkIdx []int, elem int, toArray bool) {
	shape := m.Shape
	chunk := m.ChunkGrid.Configuration.ChunkShape
	nd := len(shape)

	origin := make([]int, nd)
	extent := make([]int, nd)
	for d := 0; d < nd; d++ {
		origin[d] = chunkIdx[d] * chunk[d]
		extent[d] = min(chunk[d], shape[d]-origin[d])
	}

	// Strides in elements.
	arrStride := make([]int, nd)
	chkStride := make([]int, nd)
	arrStride[nd-1], chkStride[nd-1] = 1, 1
	for d := nd - 2; d >= 0; d-- {
		arrStride[d] = arrStride[d+1] * shape[d+1]
		chkStride[d] = chkStride[d+1] * chunk[d+1]
	}

	run := extent[nd-1] * elem
	pos := make([]int, nd-1)
	for {
		a, c := origin[nd-1]*arrStride[nd-1], 0
		for d := 0; d < nd-1; d++ {
			a += (origin[d] + pos[d]) * arrStride[d]
			c += pos[d] * chkStride[d]
		}
		a *= elem
		c *= elem
		if toArray {
			copy(array[a:a+run], chunkData[c:c+run])
		} else {
			copy(chunkData[c:c+run], array[a:a+run])
		}

		d := nd - 2
		for d >= 0 {
			pos[d]++
			if pos[d] < extent[d] {
				break
			}
			pos[d] = 0
			d--
		}
		if d < 0 {
			return
		}
	}
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "uint8", "int8":
		return 1, nil
	case "uint16", "int16":
		return 2, nil
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// fillFloat parses a fill value, including the "NaN"/"Infinity" spellings.
func fillFloat(fill interface{}) (float64, error) {
	switch t := fill.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case string:
		switch t {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unsupported fill_value type: %T", fill)
	}
}

// fillBytes encodes the fill value of an array as one little-endian element.
func fillBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	v, err := fillFloat(meta.FillValue)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	putElement(out, meta.DataType, v)
	return out, nil
}

func putElement(b []byte, dataType string, v float64) {
	switch dataType {
	case "uint8":
		b[0] = uint8(v)
	case "int8":
		b[0] = uint8(int8(v))
	case "uint16":
		binary.LittleEndian.PutUint16(b, uint16(v))
	case "int16":
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case "float32":
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case "int32":
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case "uint32":
		binary.LittleEndian.PutUint32(b, uint32(v))
	case "float64":
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case "int64":
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case "uint64":
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}

func element(b []byte, dataType string) float64 {
	switch dataType {
	case "uint8":
		return float64(b[0])
	case "int8":
		return float64(int8(b[0]))
	case "uint16":
		return float64(binary.LittleEndian.Uint16(b))
	case "int16":
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case "uint32":
		return float64(binary.LittleEndian.Uint32(b))
	case "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case "int64":
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case "uint64":
		return float64(binary.LittleEndian.Uint64(b))
	}
	return math.NaN()
}

func repeatFillBytes(fill []byte, n int) []byte {
	out := make([]byte, len(fill)*n)
	allZero := true
	for _, b := range fill {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return out
	}
	for i := 0; i < n; i++ {
		copy(out[i*len(fill):], fill)
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
