// Package owterr defines the error taxonomy shared by the classification stages.
package owterr

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownDatabase    = errors.New("unknown reference database")
	ErrUnsupportedVariant = errors.New("unsupported reflectance variant")
	ErrNoOverlap          = errors.New("wavelength window does not overlap reference grid")
	ErrDuplicateSuffix    = errors.New("duplicate layer suffix")
	ErrInvalidOption      = errors.New("invalid option")
	ErrMissingWavelength  = errors.New("missing wavelength coordinate")
	ErrDegenerateCube     = errors.New("degenerate cube dimensions")
	ErrShapeMismatch      = errors.New("shape mismatch")
	ErrOutOfRange         = errors.New("target wavelengths outside reference range")
	ErrMalformedLibrary   = errors.New("malformed reference library")
	ErrWorkerPanic        = errors.New("worker panicked")
)

// ConfigError reports an unusable configuration detected before any tile is dispatched.
type ConfigError struct {
	Stage    string
	Database string
	Err      error
}

func (e *ConfigError) Error() string { return format("config", e.Stage, e.Database, e.Err) }

func (e *ConfigError) Unwrap() error { return e.Err }

// DataError reports an input raster or reference table that cannot be classified.
type DataError struct {
	Stage    string
	Database string
	Err      error
}

func (e *DataError) Error() string { return format("data", e.Stage, e.Database, e.Err) }

func (e *DataError) Unwrap() error { return e.Err }

// ComputeError reports a failure inside a classification worker.
type ComputeError struct {
	Stage    string
	Database string
	Err      error
}

func (e *ComputeError) Error() string { return format("compute", e.Stage, e.Database, e.Err) }

func (e *ComputeError) Unwrap() error { return e.Err }

func format(kind, stage, database string, err error) string {
	msg := kind + " error"
	if stage != "" {
		msg += " in " + stage
	}
	if database != "" {
		msg += fmt.Sprintf(" [%s]", database)
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}

// Config wraps err as a ConfigError.
func Config(stage, database string, err error) error {
	return &ConfigError{Stage: stage, Database: database, Err: err}
}

// Data wraps err as a DataError.
func Data(stage, database string, err error) error {
	return &DataError{Stage: stage, Database: database, Err: err}
}

// Compute wraps err as a ComputeError.
func Compute(stage, database string, err error) error {
	return &ComputeError{Stage: stage, Database: database, Err: err}
}

// WithDatabase fills in the database name of a taxonomy error that was raised
// without one. Other errors are returned unchanged.
func WithDatabase(err error, database string) error {
	var ce *ConfigError
	var de *DataError
	var pe *ComputeError
	switch {
	case errors.As(err, &ce):
		if ce.Database == "" {
			ce.Database = database
		}
	case errors.As(err, &de):
		if de.Database == "" {
			de.Database = database
		}
	case errors.As(err, &pe):
		if pe.Database == "" {
			pe.Database = database
		}
	}
	return err
}

// IsConfig reports whether err is a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsData reports whether err is a DataError.
func IsData(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// IsCompute reports whether err is a ComputeError.
func IsCompute(err error) bool {
	var pe *ComputeError
	return errors.As(err, &pe)
}
