// Package dataset provides the immutable tabular dataset model, CSV
// loading with validation and missing-value normalization, and the
// name-keyed Store that tracks which dataset is active.
package dataset

import (
	"strings"
	"time"
)

// ValueType is the scalar type of a column, inferred from the first
// non-missing value in the column.
type ValueType int

const (
	// TypeFloat is a 64-bit floating point column (also the fallback
	// for columns with no values at all).
	TypeFloat ValueType = iota
	// TypeInt is a 64-bit integer column
	TypeInt
	// TypeString is a free-text column
	TypeString
)

// String returns the wire name of the value type
func (t ValueType) String() string {
	switch t {
	case TypeFloat:
		return "float"
	case TypeInt:
		return "int"
	case TypeString:
		return "string"
	default:
		return "unknown"
	}
}

// Zero returns the zero value of the type. Missing cells and cells that
// fail to parse as the column's inferred type normalize to this.
func (t ValueType) Zero() any {
	switch t {
	case TypeInt:
		return int64(0)
	case TypeString:
		return "0"
	default:
		return float64(0)
	}
}

// Row maps column name to a typed scalar value. Every row of a loaded
// dataset has a value for every column.
type Row map[string]any

// Dataset is a named, immutable tabular record set. Once constructed it
// is never mutated; re-uploading a file creates a new Dataset under a
// new name.
type Dataset struct {
	// Name is the stable, filename-derived identity of the dataset.
	Name string
	// Columns is the ordered, unique, case-sensitive header.
	Columns []string
	// TimeColumn names the column excluded from publication. Matching
	// is case-insensitive, following the original data layout where
	// "siteTime" and "SiteTime" denote the same field.
	TimeColumn string
	// Types holds the inferred scalar type per column.
	Types map[string]ValueType
	// Rows is the ordered row sequence.
	Rows []Row
	// LoadedAt records when the dataset entered the store.
	LoadedAt time.Time
}

// ValueColumns returns the columns to publish: every header column
// except the time column, in header order.
func (d *Dataset) ValueColumns() []string {
	cols := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if !strings.EqualFold(c, d.TimeColumn) {
			cols = append(cols, c)
		}
	}
	return cols
}

// FirstValue returns the value of col in the first row, or the column
// type's zero value for an empty dataset. Used as the initial value of
// a protocol variable.
func (d *Dataset) FirstValue(col string) any {
	if len(d.Rows) == 0 {
		return d.Types[col].Zero()
	}
	if v, ok := d.Rows[0][col]; ok {
		return v
	}
	return d.Types[col].Zero()
}
