package pipeline

import (
	"fmt"
	"math"

	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/raster"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/internal/sam"
	"github.com/obs2co/owt-server/internal/scheduler"
)

const (
	IndexVariable = "owt_index"
	ScoreVariable = "owt_dist"
)

// Layer is the classification of one database.
type Layer struct {
	Suffix   string
	Database string
	Variant  string
	Rows     int
	Cols     int
	Index    []int32
	Score    []float32
	Legend   []reference.LegendEntry
}

func newLayer(db DatabaseConfig, refs *reference.Interpolated, out *scheduler.Output) Layer {
	return Layer{
		Suffix:   db.Suffix,
		Database: refs.Database,
		Variant:  refs.Variant,
		Rows:     out.Rows,
		Cols:     out.Cols,
		Index:    out.Index,
		Score:    out.Score,
		Legend:   refs.Legend,
	}
}

// IndexName returns the output variable name of the class index.
func (l *Layer) IndexName() string { return IndexVariable + l.Suffix }

// ScoreName returns the output variable name of the similarity score.
func (l *Layer) ScoreName() string { return ScoreVariable + l.Suffix }

// Summary describes the class distribution of a layer.
type Summary struct {
	Suffix    string        `json:"suffix"`
	Database  string        `json:"database"`
	Variant   string        `json:"variant"`
	Pixels    int           `json:"pixels"`
	Valid     int           `json:"valid"`
	MeanScore float64       `json:"mean_score"`
	Counts    map[int32]int `json:"counts"`
}

// Summary counts pixels per class and averages the score of valid pixels.
func (l *Layer) Summary() Summary {
	s := Summary{
		Suffix:   l.Suffix,
		Database: l.Database,
		Variant:  l.Variant,
		Pixels:   len(l.Index),
		Counts:   make(map[int32]int),
	}
	var sum float64
	for i, idx := range l.Index {
		if idx == sam.IndexNoData {
			continue
		}
		s.Valid++
		s.Counts[idx]++
		sum += float64(l.Score[i])
	}
	if s.Valid > 0 {
		s.MeanScore = sum / float64(s.Valid)
	} else {
		s.MeanScore = math.NaN()
	}
	return s
}

// Result holds the merged classification layers of a run.
type Result struct {
	Rows   int
	Cols   int
	X      []float64
	Y      []float64
	Attrs  map[string]string
	Layers []Layer
}

// Merge combines layers in order. Suffixes must be unique.
func Merge(cube *raster.Cube, layers []Layer) (*Result, error) {
	res := &Result{
		Rows:   cube.Rows,
		Cols:   cube.Cols,
		X:      cube.X,
		Y:      cube.Y,
		Attrs:  cube.Attrs,
		Layers: make([]Layer, 0, len(layers)),
	}
	seen := make(map[string]bool, len(layers))
	for _, l := range layers {
		if seen[l.Suffix] {
			return nil, owterr.Config("merge", l.Database, fmt.Errorf("%w: %q", owterr.ErrDuplicateSuffix, l.Suffix))
		}
		if l.Rows != cube.Rows || l.Cols != cube.Cols {
			return nil, owterr.Data("merge", l.Database, fmt.Errorf("%w: layer %dx%d vs raster %dx%d",
				owterr.ErrShapeMismatch, l.Rows, l.Cols, cube.Rows, cube.Cols))
		}
		seen[l.Suffix] = true
		res.Layers = append(res.Layers, l)
	}
	return res, nil
}

// Layer returns the layer with the given suffix.
func (r *Result) Layer(suffix string) (*Layer, error) {
	for i := range r.Layers {
		if r.Layers[i].Suffix == suffix {
			return &r.Layers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoLayer, suffix)
}

// Variables lists output variable names in layer order.
func (r *Result) Variables() []string {
	out := make([]string, 0, 2*len(r.Layers))
	for i := range r.Layers {
		out = append(out, r.Layers[i].IndexName(), r.Layers[i].ScoreName())
	}
	return out
}
