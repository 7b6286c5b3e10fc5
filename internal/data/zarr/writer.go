package zarr

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
)

const (
	layersAttr        = "owt_layers"
	DefaultChunkEdge  = 512
	DefaultProcessor  = "owt-server"
	processingTimeKey = "processing_time"
)

type layerAttrs struct {
	Suffix   string                  `json:"suffix"`
	Database string                  `json:"database"`
	Variant  string                  `json:"variant"`
	Legend   []reference.LegendEntry `json:"legend"`
}

// Writer writes arrays into one Zarr v3 group.
type Writer struct {
	basePath  string
	chunkEdge int
	encoder   *zstd.Encoder
}

// ErrNotAStore is returned when overwrite would replace a directory that is
// not a Zarr group.
var ErrNotAStore = errors.New("existing directory is not a zarr store")

// NewWriter creates the group directory. An existing non-empty directory is
// an error unless overwrite is set, in which case it is replaced. Only
// directories holding a zarr.json are ever replaced.
func NewWriter(basePath string, chunkEdge int, overwrite bool) (*Writer, error) {
	if entries, err := os.ReadDir(basePath); err == nil && len(entries) > 0 {
		if !overwrite {
			return nil, fmt.Errorf("%s already exists", basePath)
		}
		if _, err := os.Stat(filepath.Join(basePath, "zarr.json")); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotAStore, basePath)
		}
		if err := os.RemoveAll(basePath); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", basePath, err)
		}
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", basePath, err)
	}
	if chunkEdge <= 0 {
		chunkEdge = DefaultChunkEdge
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return &Writer{basePath: basePath, chunkEdge: chunkEdge, encoder: encoder}, nil
}

// Close releases the encoder.
func (w *Writer) Close() error {
	return w.encoder.Close()
}

// WriteGroup writes the group metadata with attrs.
func (w *Writer) WriteGroup(attrs map[string]interface{}) error {
	return writeJSON(filepath.Join(w.basePath, "zarr.json"), GroupMeta{
		ZarrFormat: 3,
		NodeType:   "group",
		Attributes: attrs,
	})
}

func (w *Writer) chunkShape(shape []int) []int {
	chunk := make([]int, len(shape))
	for d, s := range shape {
		chunk[d] = s
		// Chunk only the two spatial (trailing) dimensions.
		if d >= len(shape)-2 && s > w.chunkEdge {
			chunk[d] = w.chunkEdge
		}
		if d < len(shape)-2 {
			chunk[d] = 1
		}
		if chunk[d] == 0 {
			chunk[d] = 1
		}
	}
	return chunk
}

func (w *Writer) writeArray(name, dataType string, shape []int, fill interface{}, dims []string,
	attrs map[string]interface{}, buf []byte) error {
	arrayPath := filepath.Join(w.basePath, name)
	if err := os.MkdirAll(arrayPath, 0o755); err != nil {
		return err
	}

	meta := &ArrayMeta{
		ZarrFormat:     3,
		NodeType:       "array",
		Shape:          shape,
		DataType:       dataType,
		FillValue:      fill,
		DimensionNames: dims,
		Attributes:     attrs,
		Codecs: []Codec{
			{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}},
			{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}},
		},
	}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = w.chunkShape(shape)
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"

	elem, err := dtypeSize(dataType)
	if err != nil {
		return err
	}
	if len(buf) != product(shape)*elem {
		return fmt.Errorf("%s: %d bytes for shape %v", name, len(buf), shape)
	}
	fillElem, err := fillBytes(meta)
	if err != nil {
		return err
	}
	chunkLen := product(meta.ChunkGrid.Configuration.ChunkShape)

	err = meta.eachChunk(func(idx []int) error {
		chunk := repeatFillBytes(fillElem, chunkLen)
		meta.copyChunk(buf, chunk, idx, elem, false)
		chunkPath := filepath.Join(arrayPath, filepath.FromSlash(meta.chunkKey(idx)))
		if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
			return err
		}
		return os.WriteFile(chunkPath, w.encoder.EncodeAll(chunk, nil), 0o644)
	})
	if err != nil {
		return fmt.Errorf("write %s chunks: %w", name, err)
	}
	return writeJSON(filepath.Join(arrayPath, "zarr.json"), meta)
}

// WriteFloat32 writes a float32 array with NaN fill.
func (w *Writer) WriteFloat32(name string, shape []int, data []float32, dims []string, attrs map[string]interface{}) error {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return w.writeArray(name, "float32", shape, "NaN", dims, attrs, buf)
}

// WriteFloat64 writes a float64 array with NaN fill.
func (w *Writer) WriteFloat64(name string, shape []int, data []float64, dims []string, attrs map[string]interface{}) error {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return w.writeArray(name, "float64", shape, "NaN", dims, attrs, buf)
}

// WriteInt32 writes an int32 array with the given fill.
func (w *Writer) WriteInt32(name string, shape []int, data []int32, fill int32, dims []string, attrs map[string]interface{}) error {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return w.writeArray(name, "int32", shape, int(fill), dims, attrs, buf)
}

// ResultOptions controls result packaging.
type ResultOptions struct {
	Processor string
	ChunkEdge int
	Overwrite bool
	// Now overrides the processing time stamp.
	Now func() time.Time
}

// WriteResult writes every layer of res as owt_index<suffix> (int32, fill 0)
// and owt_dist<suffix> (float32, fill NaN) plus legend attributes.
func WriteResult(dir string, res *pipeline.Result, opts ResultOptions) error {
	w, err := NewWriter(dir, opts.ChunkEdge, opts.Overwrite)
	if err != nil {
		return err
	}
	defer w.Close()

	if opts.Processor == "" {
		opts.Processor = DefaultProcessor
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	attrs := make(map[string]interface{})
	for k, v := range res.Attrs {
		attrs[k] = v
	}
	attrs["processor"] = opts.Processor
	attrs[processingTimeKey] = now().UTC().Format(time.RFC3339)

	layers := make([]layerAttrs, 0, len(res.Layers))
	shape := []int{res.Rows, res.Cols}
	dims := []string{"y", "x"}
	for i := range res.Layers {
		l := &res.Layers[i]
		layers = append(layers, layerAttrs{Suffix: l.Suffix, Database: l.Database, Variant: l.Variant, Legend: l.Legend})
		attrs["legend"+l.Suffix] = l.Legend

		desc := map[string]interface{}{
			"description": "optical water type index from " + l.Database,
			"database":    l.Database,
			"variant":     l.Variant,
		}
		if err := w.WriteInt32(l.IndexName(), shape, l.Index, 0, dims, desc); err != nil {
			return err
		}
		desc = map[string]interface{}{
			"description": "negative spectral angle over pi to the closest " + l.Database + " class",
			"database":    l.Database,
		}
		if err := w.WriteFloat32(l.ScoreName(), shape, l.Score, dims, desc); err != nil {
			return err
		}
	}
	attrs[layersAttr] = layers

	if len(res.X) == res.Cols && res.Cols > 0 {
		if err := w.WriteFloat64("x", []int{res.Cols}, res.X, []string{"x"}, nil); err != nil {
			return err
		}
	}
	if len(res.Y) == res.Rows && res.Rows > 0 {
		if err := w.WriteFloat64("y", []int{res.Rows}, res.Y, []string{"y"}, nil); err != nil {
			return err
		}
	}
	return w.WriteGroup(attrs)
}

// WriteCube writes a reflectance cube as Rrs (wl, y, x) with its coordinates.
func WriteCube(dir string, cube *raster.Cube, chunkEdge int, overwrite bool) error {
	if err := cube.Validate(); err != nil {
		return err
	}
	w, err := NewWriter(dir, chunkEdge, overwrite)
	if err != nil {
		return err
	}
	defer w.Close()

	shape := []int{cube.Bands, cube.Rows, cube.Cols}
	if err := w.WriteFloat32("Rrs", shape, cube.Data, []string{"wl", "y", "x"}, nil); err != nil {
		return err
	}
	if err := w.WriteFloat64("wl", []int{cube.Bands}, cube.Wavelengths, []string{"wl"}, nil); err != nil {
		return err
	}
	if len(cube.X) == cube.Cols {
		if err := w.WriteFloat64("x", []int{cube.Cols}, cube.X, []string{"x"}, nil); err != nil {
			return err
		}
	}
	if len(cube.Y) == cube.Rows {
		if err := w.WriteFloat64("y", []int{cube.Rows}, cube.Y, []string{"y"}, nil); err != nil {
			return err
		}
	}
	attrs := make(map[string]interface{}, len(cube.Attrs))
	for k, v := range cube.Attrs {
		attrs[k] = v
	}
	return w.WriteGroup(attrs)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
