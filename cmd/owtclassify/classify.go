package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/obs2co/owt-server/internal/data/product"
	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
	"github.com/obs2co/owt-server/internal/service"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <input>",
	Short: "Classify one L2A product into optical water types",
	Long: `Classify every water pixel of an L2A reflectance product against one
or more reference databases and write the L2B result.

The input may be a NetCDF file, a Zarr store, a directory of Rrs_<wl>.tif
bands or a tiledb:// array. Without -o the output is named after the input
with L2Agrs replaced by L2B and written to --odir (the current directory by
default). An existing output is overwritten unless --no-clobber is given.

Databases are given as name[:variant[:suffix]], for example
  --database Spyrakos2018 --database Bi2023:absolute:_bi`,
	Args: cobra.ExactArgs(1),
	RunE: runClassify,
}

func init() {
	f := classifyCmd.Flags()
	f.StringP("output", "o", "", "Full path of the output product")
	f.String("odir", "", "Output directory (default: current directory)")
	f.Bool("no-clobber", false, "Do not process the input if the output already exists")
	f.String("format", string(product.FormatNetCDF), "Output format when -o is not given: netcdf or zarr")
	f.StringSlice("database", nil, "Reference database as name[:variant[:suffix]] (repeatable)")
	f.IntP("workers", "n", 0, "Number of classification workers")
	f.Int("tile-edge", 0, "Edge of the square tiles dispatched to workers")
	f.Float64("wl-min", 0, "Lower bound of the wavelength window in nm")
	f.Float64("wl-max", 0, "Upper bound of the wavelength window in nm")
	f.Bool("parallel-databases", false, "Classify all databases concurrently")
	f.Int("chunk-edge", 0, "Chunk edge of Zarr outputs")

	for flag, key := range map[string]string{
		"output":             "output",
		"odir":               "odir",
		"no-clobber":         "no_clobber",
		"format":             "format",
		"database":           "databases",
		"workers":            "classification.workers",
		"tile-edge":          "classification.tile_edge",
		"wl-min":             "classification.wavelength_min",
		"wl-max":             "classification.wavelength_max",
		"parallel-databases": "classification.parallel_databases",
		"chunk-edge":         "chunk_edge",
	} {
		mustBind(f.Lookup(flag), key)
	}
}

func mustBind(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag.Name, err))
	}
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	// Config file values fill in whatever the flags and environment leave unset.
	cl := cfg.Classification
	viper.SetDefault("classification.workers", cl.Workers)
	viper.SetDefault("classification.tile_edge", cl.TileEdge)
	viper.SetDefault("classification.wavelength_min", cl.WavelengthMin)
	viper.SetDefault("classification.wavelength_max", cl.WavelengthMax)
	viper.SetDefault("classification.parallel_databases", cl.ParallelDatabases)

	dbs := cl.Databases
	if specs := viper.GetStringSlice("databases"); len(specs) > 0 {
		dbs, err = parseDatabases(specs)
		if err != nil {
			return err
		}
	}

	format := product.Format(strings.ToLower(viper.GetString("format")))
	if format != product.FormatNetCDF && format != product.FormatZarr {
		return owterr.Config("cli", "", fmt.Errorf("%w: output format %q", owterr.ErrInvalidOption, format))
	}

	input := args[0]
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	output := outputPath(input, viper.GetString("output"), viper.GetString("odir"), cwd, format)

	if viper.GetBool("no_clobber") {
		if _, err := os.Stat(output); err == nil {
			log.Info("already processed; skip", zap.String("output", output))
			return nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("classifying",
		zap.String("input", input),
		zap.String("output", output),
		zap.Any("databases", dbs),
	)
	_, err = service.Classify(ctx, service.ClassifyRequest{
		Input:     input,
		Output:    output,
		Databases: dbs,
		Options: pipeline.Options{
			WavelengthMin:     viper.GetFloat64("classification.wavelength_min"),
			WavelengthMax:     viper.GetFloat64("classification.wavelength_max"),
			TileEdge:          viper.GetInt("classification.tile_edge"),
			Workers:           viper.GetInt("classification.workers"),
			ParallelDatabases: viper.GetBool("classification.parallel_databases"),
			Logger:            log,
		},
		Overwrite: true,
		ChunkEdge: viper.GetInt("chunk_edge"),
	})
	return err
}

// outputPath names the L2B product for input. An explicit output wins;
// otherwise the derived name is placed in odir, or in cwd when odir is
// empty or "./".
func outputPath(input, output, odir, cwd string, format product.Format) string {
	if output != "" {
		return filepath.Clean(output)
	}
	if odir == "" || odir == "./" || odir == "." {
		odir = cwd
	}
	return filepath.Join(odir, product.OutputName(input, format))
}

// parseDatabases parses name[:variant[:suffix]] selections.
func parseDatabases(specs []string) ([]pipeline.DatabaseConfig, error) {
	out := make([]pipeline.DatabaseConfig, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(strings.TrimSpace(spec), ":")
		if len(parts) > 3 || parts[0] == "" {
			return nil, owterr.Config("cli", "", fmt.Errorf("%w: database %q", owterr.ErrInvalidOption, spec))
		}
		db := pipeline.DatabaseConfig{Name: parts[0]}
		if len(parts) > 1 {
			db.Variant = parts[1]
		}
		if len(parts) > 2 {
			db.Suffix = parts[2]
		}
		out = append(out, db)
	}
	return out, nil
}
