package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/obs2co/owt-server/internal/data/product"
	"github.com/obs2co/owt-server/internal/owterr"
	"github.com/obs2co/owt-server/internal/pipeline"
)

func TestOutputPath(t *testing.T) {
	const cwd = "/work"
	const input = "/data/S2B_MSIL2Agrs_20220731T103629_T31TFJ.nc"
	tests := []struct {
		name   string
		output string
		odir   string
		format product.Format
		want   string
	}{
		{"explicit output", "out/L2B/x.nc", "", product.FormatNetCDF, filepath.Clean("out/L2B/x.nc")},
		{"default odir", "", "./", product.FormatNetCDF, "/work/S2B_MSIL2B_20220731T103629_T31TFJ.nc"},
		{"empty odir", "", "", product.FormatNetCDF, "/work/S2B_MSIL2B_20220731T103629_T31TFJ.nc"},
		{"odir", "", "/l2b", product.FormatNetCDF, "/l2b/S2B_MSIL2B_20220731T103629_T31TFJ.nc"},
		{"zarr", "", "/l2b", product.FormatZarr, "/l2b/S2B_MSIL2B_20220731T103629_T31TFJ.zarr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outputPath(input, tt.output, tt.odir, cwd, tt.format); got != tt.want {
				t.Fatalf("outputPath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseDatabases(t *testing.T) {
	got, err := parseDatabases([]string{"Spyrakos2018", "Bi2023:absolute:_bi", " Bi2023:normalized "})
	if err != nil {
		t.Fatalf("parseDatabases: %v", err)
	}
	want := []pipeline.DatabaseConfig{
		{Name: "Spyrakos2018"},
		{Name: "Bi2023", Variant: "absolute", Suffix: "_bi"},
		{Name: "Bi2023", Variant: "normalized"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d databases, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("database %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	for _, bad := range []string{"", ":normalized", "a:b:c:d"} {
		if _, err := parseDatabases([]string{bad}); !errors.Is(err, owterr.ErrInvalidOption) {
			t.Fatalf("%q: expected ErrInvalidOption, got %v", bad, err)
		}
	}
}

func TestDatabasesCommand(t *testing.T) {
	var buf bytes.Buffer
	databasesCmd.SetOut(&buf)
	defer databasesCmd.SetOut(nil)
	if err := databasesCmd.RunE(databasesCmd, nil); err != nil {
		t.Fatalf("databases: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Bi2023", "normalized,absolute", "Spyrakos2018", "400-800"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}
