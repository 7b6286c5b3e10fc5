package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/raster"
)

// Variable names used in L2A reflectance stores.
var (
	ReflectanceNames = []string{"Rrs", "rrs"}
	WavelengthNames  = []string{"wl", "wavelength"}
)

// Reader provides access to arrays of one Zarr v3 group.
type Reader struct {
	basePath string
	group    *GroupMeta
	mu       sync.Mutex
	decoder  *zstd.Decoder
}

// NewReader opens the group at basePath.
func NewReader(basePath string) (*Reader, error) {
	group, err := loadGroupMeta(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load group metadata: %w", err)
	}
	if group.NodeType != "group" {
		return nil, fmt.Errorf("%s is not a zarr group (node_type=%q)", basePath, group.NodeType)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{basePath: basePath, group: group, decoder: decoder}, nil
}

// Attributes returns the group attributes.
func (r *Reader) Attributes() map[string]interface{} {
	return r.group.Attributes
}

// Has reports whether the group contains an array named name.
func (r *Reader) Has(name string) bool {
	_, err := os.Stat(filepath.Join(r.basePath, name, "zarr.json"))
	return err == nil
}

// Shape returns the shape of an array.
func (r *Reader) Shape(name string) ([]int, error) {
	meta, err := loadArrayMeta(filepath.Join(r.basePath, name))
	if err != nil {
		return nil, err
	}
	return meta.Shape, nil
}

func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkIdx []int, elem int) ([]byte, error) {
	chunkPath := filepath.Join(arrayPath, filepath.FromSlash(meta.chunkKey(chunkIdx)))
	raw, err := os.ReadFile(chunkPath)
	if errors.Is(err, os.ErrNotExist) {
		// Missing chunks hold only the fill value.
		fill, err := fillBytes(meta)
		if err != nil {
			return nil, err
		}
		return repeatFillBytes(fill, product(meta.ChunkGrid.Configuration.ChunkShape)), nil
	}
	if err != nil {
		return nil, err
	}

	data := raw
	if meta.compressed() {
		r.mu.Lock()
		data, err = r.decoder.DecodeAll(raw, nil)
		r.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
	}

	want := product(meta.ChunkGrid.Configuration.ChunkShape) * elem
	if len(data) != want {
		return nil, fmt.Errorf("chunk %v has %d bytes, expected %d", chunkIdx, len(data), want)
	}
	return data, nil
}

// readRaw assembles an array into one little-endian C-order buffer.
func (r *Reader) readRaw(name string) (*ArrayMeta, []byte, error) {
	arrayPath := filepath.Join(r.basePath, name)
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load %s metadata: %w", name, err)
	}
	elem, _ := dtypeSize(meta.DataType)
	buf := make([]byte, product(meta.Shape)*elem)

	err = meta.eachChunk(func(idx []int) error {
		chunk, err := r.readChunk(arrayPath, meta, idx, elem)
		if err != nil {
			return fmt.Errorf("failed to load %s chunk %v: %w", name, idx, err)
		}
		meta.copyChunk(buf, chunk, idx, elem, true)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return meta, buf, nil
}

// ReadFloat32 reads any numeric array as float32.
func (r *Reader) ReadFloat32(name string) ([]float32, []int, error) {
	meta, buf, err := r.readRaw(name)
	if err != nil {
		return nil, nil, err
	}
	elem, _ := dtypeSize(meta.DataType)
	out := make([]float32, len(buf)/elem)
	if meta.DataType == "float32" {
		for i := range out {
			out[i] = math.Float32frombits(leUint32(buf[i*4:]))
		}
		return out, meta.Shape, nil
	}
	for i := range out {
		out[i] = float32(element(buf[i*elem:], meta.DataType))
	}
	return out, meta.Shape, nil
}

// ReadFloat64 reads any numeric array as float64.
func (r *Reader) ReadFloat64(name string) ([]float64, []int, error) {
	meta, buf, err := r.readRaw(name)
	if err != nil {
		return nil, nil, err
	}
	elem, _ := dtypeSize(meta.DataType)
	out := make([]float64, len(buf)/elem)
	for i := range out {
		out[i] = element(buf[i*elem:], meta.DataType)
	}
	return out, meta.Shape, nil
}

// ReadInt32 reads an int32 array.
func (r *Reader) ReadInt32(name string) ([]int32, []int, error) {
	meta, buf, err := r.readRaw(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.DataType != "int32" {
		return nil, nil, fmt.Errorf("%s: expected int32, got %s", name, meta.DataType)
	}
	out := make([]int32, len(buf)/4)
	for i := range out {
		out[i] = int32(leUint32(buf[i*4:]))
	}
	return out, meta.Shape, nil
}

func (r *Reader) first(names []string) (string, bool) {
	for _, n := range names {
		if r.Has(n) {
			return n, true
		}
	}
	return "", false
}

// ReadCube loads a (wl, y, x) reflectance cube with its coordinates.
func (r *Reader) ReadCube() (*raster.Cube, error) {
	rrsName, ok := r.first(ReflectanceNames)
	if !ok {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: no Rrs array in %s", owterr.ErrShapeMismatch, r.basePath))
	}
	wlName, ok := r.first(WavelengthNames)
	if !ok {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: no wavelength array in %s", owterr.ErrMissingWavelength, r.basePath))
	}

	data, shape, err := r.ReadFloat32(rrsName)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}
	if len(shape) != 3 {
		return nil, owterr.Data("open", "", fmt.Errorf("%w: %s has shape %v, expected (wl, y, x)",
			owterr.ErrShapeMismatch, rrsName, shape))
	}
	wl, _, err := r.ReadFloat64(wlName)
	if err != nil {
		return nil, owterr.Data("open", "", err)
	}

	cube := &raster.Cube{
		Data:        data,
		Wavelengths: wl,
		Bands:       shape[0],
		Rows:        shape[1],
		Cols:        shape[2],
		Attrs:       stringAttrs(r.group.Attributes),
	}
	if r.Has("x") {
		if cube.X, _, err = r.ReadFloat64("x"); err != nil {
			return nil, owterr.Data("open", "", err)
		}
	}
	if r.Has("y") {
		if cube.Y, _, err = r.ReadFloat64("y"); err != nil {
			return nil, owterr.Data("open", "", err)
		}
	}
	if err := cube.Validate(); err != nil {
		return nil, err
	}
	return cube, nil
}

// ReadResult loads a classification result written by WriteResult.
func (r *Reader) ReadResult() (*pipeline.Result, error) {
	raw, ok := r.group.Attributes[layersAttr]
	if !ok {
		return nil, fmt.Errorf("%s has no %s attribute", r.basePath, layersAttr)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var layers []layerAttrs
	if err := json.Unmarshal(encoded, &layers); err != nil {
		return nil, fmt.Errorf("parse %s: %w", layersAttr, err)
	}

	res := &pipeline.Result{Attrs: stringAttrs(r.group.Attributes)}
	for _, la := range layers {
		l := pipeline.Layer{Suffix: la.Suffix, Database: la.Database, Variant: la.Variant, Legend: la.Legend}
		index, shape, err := r.ReadInt32(l.IndexName())
		if err != nil {
			return nil, err
		}
		score, _, err := r.ReadFloat32(l.ScoreName())
		if err != nil {
			return nil, err
		}
		if len(shape) != 2 || len(score) != len(index) {
			return nil, fmt.Errorf("%s: unexpected layer shape %v", l.Suffix, shape)
		}
		l.Rows, l.Cols = shape[0], shape[1]
		l.Index, l.Score = index, score
		res.Rows, res.Cols = l.Rows, l.Cols
		res.Layers = append(res.Layers, l)
	}
	if r.Has("x") {
		res.X, _, _ = r.ReadFloat64("x")
	}
	if r.Has("y") {
		res.Y, _, _ = r.ReadFloat64("y")
	}
	return res, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func stringAttrs(attrs map[string]interface{}) map[string]string {
	out := make(map[string]string)
	for k, v := range attrs {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
