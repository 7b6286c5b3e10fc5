// Package service provides business logic for the classification server.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/cache"
	"github.com/obs2co/owt-server/internal/data/product"
	"github.com/obs2co/owt-server/internal/data/tiledb"
	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/reference"
	"github.com/obs2co/owt-server/internal/render"
	"github.com/obs2co/owt-server/internal/runstore"
)

// Tile kinds served per layer.
const (
	KindIndex = "index"
	KindScore = "score"
)

// DefaultLayerName addresses the layer with an empty suffix.
const DefaultLayerName = "default"

var (
	ErrUnknownKind      = errors.New("unknown tile kind")
	ErrOutsideRoot      = errors.New("input outside the configured input root")
	ErrOutsideOutputDir = errors.New("output must be a file name inside the run directory")
	ErrNoOutput         = errors.New("run has no output")
	ErrNoSuchDatabase   = errors.New("no such database")
)

// ClassifyRequest describes one classification.
type ClassifyRequest struct {
	Input     string
	Output    string
	Databases []pipeline.DatabaseConfig
	Options   pipeline.Options
	Overwrite bool
	ChunkEdge int
	Processor string
}

// Classify opens the product, runs the pipeline and writes the result.
// ctx is checked between stages; the classification itself runs to completion.
func Classify(ctx context.Context, req ClassifyRequest) (*pipeline.Result, error) {
	log := req.Options.Logger
	if log == nil {
		log = zap.NewNop()
	}

	start := time.Now()
	cube, err := product.Open(req.Input)
	if err != nil {
		return nil, err
	}
	log.Info("product loaded",
		zap.String("input", req.Input),
		zap.Int("bands", cube.Bands),
		zap.Int("rows", cube.Rows),
		zap.Int("cols", cube.Cols),
		zap.String("size", humanize.IBytes(uint64(len(cube.Data))*4)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := pipeline.Execute(cube, req.Databases, req.Options)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Output == "" {
		return res, nil
	}
	if dir := filepath.Dir(req.Output); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	if err := product.WriteResult(req.Output, res, product.WriteOptions{
		Processor: req.Processor,
		ChunkEdge: req.ChunkEdge,
		Overwrite: req.Overwrite,
	}); err != nil {
		return nil, fmt.Errorf("write %s: %w", req.Output, err)
	}
	log.Info("result written",
		zap.String("output", req.Output),
		zap.Strings("variables", res.Variables()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// ClassificationServiceConfig contains classification service configuration.
type ClassificationServiceConfig struct {
	InputRoot    string
	OutputDir    string
	OutputFormat product.Format
	Databases    []pipeline.DatabaseConfig
	Pipeline     pipeline.Options
	ChunkEdge    int
	Cache        *cache.Manager
	Renderer     *render.TileRenderer
	Logger       *zap.Logger
}

// ClassificationService runs classifications for the job manager and serves
// their results as tiles.
type ClassificationService struct {
	cfg      ClassificationServiceConfig
	cache    *cache.Manager
	renderer *render.TileRenderer
	log      *zap.Logger
}

// NewClassificationService creates a new classification service.
func NewClassificationService(cfg ClassificationServiceConfig) *ClassificationService {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = product.FormatZarr
	}
	if cfg.Cache != nil {
		cfg.Pipeline.Cache = cfg.Cache
	}
	cfg.Pipeline.Logger = log
	return &ClassificationService{
		cfg:      cfg,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		log:      log,
	}
}

// Databases returns the default database selection.
func (s *ClassificationService) Databases() []pipeline.DatabaseConfig {
	out := make([]pipeline.DatabaseConfig, len(s.cfg.Databases))
	copy(out, s.cfg.Databases)
	return out
}

// ResolveInput maps a requested input onto the input root. Relative paths
// are joined to the root; absolute paths must lie below it.
func (s *ClassificationService) ResolveInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty input", owterr.ErrInvalidOption)
	}
	if tiledb.IsURI(input) {
		return input, nil
	}
	root := s.cfg.InputRoot
	if root == "" {
		return filepath.Clean(input), nil
	}
	path := input
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, input)
	}
	return path, nil
}

// ResolveOutput checks a requested output name. Outputs always land in the
// run's own directory below the output dir, so only a bare file name is
// accepted.
func (s *ClassificationService) ResolveOutput(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %s", ErrOutsideOutputDir, name)
	}
	return name, nil
}

// runDir returns the directory owned by a run, or "" when the id cannot
// name a single directory below the output dir.
func (s *ClassificationService) runDir(runID string) string {
	if s.cfg.OutputDir == "" || runID == "" || runID == "." || runID == ".." ||
		strings.ContainsAny(runID, `/\`) {
		return ""
	}
	return filepath.Join(s.cfg.OutputDir, runID)
}

// OutputPath returns where a run writes its result: OutputDir/<run id>/<name>.
func (s *ClassificationService) OutputPath(run *runstore.Run) (string, error) {
	dir := s.runDir(run.ID)
	if dir == "" {
		return "", fmt.Errorf("%w: run %q", ErrOutsideOutputDir, run.ID)
	}
	name, err := s.ResolveOutput(run.Params.Output)
	if err != nil {
		return "", err
	}
	if name == "" {
		name = product.OutputName(run.Params.Input, s.cfg.OutputFormat)
	}
	return filepath.Join(dir, name), nil
}

// Execute runs a queued run. It is the job manager's executor.
func (s *ClassificationService) Execute(ctx context.Context, run *runstore.Run) (string, []runstore.LayerSummary, error) {
	input, err := s.ResolveInput(run.Params.Input)
	if err != nil {
		return "", nil, err
	}
	dbs := run.Params.Databases
	if len(dbs) == 0 {
		dbs = s.Databases()
	}
	opts := s.cfg.Pipeline
	opts.Logger = s.log.With(zap.String("run_id", run.ID))
	if run.Params.WavelengthMin != 0 || run.Params.WavelengthMax != 0 {
		opts.WavelengthMin = run.Params.WavelengthMin
		opts.WavelengthMax = run.Params.WavelengthMax
	}
	if run.Params.ParallelDatabases {
		opts.ParallelDatabases = true
	}

	output, err := s.OutputPath(run)
	if err != nil {
		return "", nil, err
	}
	res, err := Classify(ctx, ClassifyRequest{
		Input:     input,
		Output:    output,
		Databases: dbs,
		Options:   opts,
		Overwrite: run.Params.Overwrite,
		ChunkEdge: s.cfg.ChunkEdge,
	})
	if err != nil {
		return "", nil, err
	}

	if s.cache != nil {
		s.cache.SetResult(run.ID, res)
	}
	layers := make([]runstore.LayerSummary, len(res.Layers))
	for i := range res.Layers {
		layers[i] = runstore.FromSummary(res.Layers[i].Summary())
	}
	return output, layers, nil
}

// Result returns a run's result from cache or from its store on disk.
func (s *ClassificationService) Result(run *runstore.Run) (*pipeline.Result, error) {
	if s.cache != nil {
		if res, ok := s.cache.GetResult(run.ID); ok {
			return res, nil
		}
	}
	if run.Output == "" {
		return nil, ErrNoOutput
	}
	res, err := product.OpenResult(run.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	if s.cache != nil {
		s.cache.SetResult(run.ID, res)
	}
	return res, nil
}

// Forget drops cached state for a run and removes its output directory.
func (s *ClassificationService) Forget(runID string) {
	if s.cache != nil {
		s.cache.RemoveResult(runID)
	}
	dir := s.runDir(runID)
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("failed to remove run output", zap.String("run_id", runID), zap.String("dir", dir), zap.Error(err))
	}
}

// FindLayer resolves a layer name from a URL: "default" for the empty
// suffix, otherwise the suffix with or without its leading underscore.
func FindLayer(res *pipeline.Result, name string) (*pipeline.Layer, error) {
	if name == DefaultLayerName {
		name = ""
	}
	if l, err := res.Layer(name); err == nil {
		return l, nil
	}
	return res.Layer("_" + name)
}

// LayerInfo describes one output layer for clients.
type LayerInfo struct {
	Name          string                  `json:"name"`
	Suffix        string                  `json:"suffix"`
	Database      string                  `json:"database"`
	Variant       string                  `json:"variant"`
	IndexVariable string                  `json:"index_variable"`
	ScoreVariable string                  `json:"score_variable"`
	Grid          render.Grid             `json:"grid"`
	Legend        []reference.LegendEntry `json:"legend"`
}

// Layers lists the layers of a run with their tile grids.
func (s *ClassificationService) Layers(run *runstore.Run) ([]LayerInfo, error) {
	res, err := s.Result(run)
	if err != nil {
		return nil, err
	}
	out := make([]LayerInfo, len(res.Layers))
	for i := range res.Layers {
		l := &res.Layers[i]
		name := strings.TrimPrefix(l.Suffix, "_")
		if name == "" {
			name = DefaultLayerName
		}
		out[i] = LayerInfo{
			Name:          name,
			Suffix:        l.Suffix,
			Database:      l.Database,
			Variant:       l.Variant,
			IndexVariable: l.IndexName(),
			ScoreVariable: l.ScoreName(),
			Grid:          render.NewGrid(l.Rows, l.Cols, s.renderer.TileSize()),
			Legend:        l.Legend,
		}
	}
	return out, nil
}

// GetTile returns a rendered index or score tile of a run layer.
func (s *ClassificationService) GetTile(run *runstore.Run, layerName, kind string, z, x, y int, colormapName string) ([]byte, error) {
	if kind != KindIndex && kind != KindScore {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if kind == KindScore {
		_, colormapName = s.renderer.Colormap(colormapName)
	} else {
		colormapName = ""
	}

	cacheKey := cache.TileKey(run.ID, layerName, kind, z, x, y, colormapName)
	if s.cache != nil {
		if data, ok := s.cache.GetTile(cacheKey); ok {
			return data, nil
		}
	}

	res, err := s.Result(run)
	if err != nil {
		return nil, err
	}
	layer, err := FindLayer(res, layerName)
	if err != nil {
		return nil, err
	}

	var data []byte
	if kind == KindIndex {
		data, err = s.renderer.RenderIndexTile(layer, z, x, y)
	} else {
		data, err = s.renderer.RenderScoreTile(layer, z, x, y, colormapName)
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetTile(cacheKey, data); err != nil {
			s.log.Debug("tile not cached", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return data, nil
}

// GetEmptyTile returns a transparent tile.
func (s *ClassificationService) GetEmptyTile() ([]byte, error) {
	return s.renderer.CreateEmptyTile()
}

// Legend returns the legend of a shipped database.
func (s *ClassificationService) Legend(database string) ([]reference.LegendEntry, error) {
	legend, ok := reference.Legend(database)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchDatabase, database)
	}
	return legend, nil
}

// LegendPNG returns the rendered legend of a database.
func (s *ClassificationService) LegendPNG(database string) ([]byte, error) {
	key := cache.LegendKey(database)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}
	legend, err := s.Legend(database)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.RenderLegend(database, legend)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}
