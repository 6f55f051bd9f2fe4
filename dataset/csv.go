package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
)

// Parse reads a CSV stream into an immutable Dataset.
//
// Validation: the header must be non-empty and contain no duplicate
// columns (case-sensitive, after whitespace trimming). Both violations
// are invalid-class errors; a dataset that fails validation never
// becomes registrable.
//
// Normalization: missing cells become the column type's zero value at
// load time, so streaming never has to handle gaps. Column types are
// inferred from the first non-missing value — "first value wins"; cells
// in later rows that fail to parse as the inferred type also normalize
// to the zero value.
func Parse(name string, r io.Reader, timeColumn string) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.WrapInvalid(errors.ErrEmptyHeader, "dataset", "Parse", "read header of "+name)
	}
	if err != nil {
		return nil, errors.WrapInvalid(err, "dataset", "Parse", "read header of "+name)
	}

	columns := make([]string, 0, len(header))
	seen := make(map[string]struct{}, len(header))
	for _, raw := range header {
		col := strings.TrimSpace(raw)
		if col == "" {
			return nil, errors.WrapInvalid(errors.ErrEmptyHeader, "dataset", "Parse",
				fmt.Sprintf("blank column name in %s", name))
		}
		if _, dup := seen[col]; dup {
			return nil, errors.WrapInvalid(errors.ErrDuplicateColumn, "dataset", "Parse",
				fmt.Sprintf("column %q in %s", col, name))
		}
		seen[col] = struct{}{}
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		return nil, errors.WrapInvalid(errors.ErrEmptyHeader, "dataset", "Parse", "header of "+name)
	}

	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.WrapInvalid(err, "dataset", "Parse", "read rows of "+name)
	}

	types := inferTypes(columns, records)

	rows := make([]Row, len(records))
	for i, record := range records {
		row := make(Row, len(columns))
		for j, col := range columns {
			row[col] = coerce(record[j], types[col])
		}
		rows[i] = row
	}

	return &Dataset{
		Name:       name,
		Columns:    columns,
		TimeColumn: timeColumn,
		Types:      types,
		Rows:       rows,
		LoadedAt:   time.Now(),
	}, nil
}

// inferTypes classifies each column by its first non-missing cell.
// Policy: first value wins. A column whose cells are all missing is a
// float column.
func inferTypes(columns []string, records [][]string) map[string]ValueType {
	types := make(map[string]ValueType, len(columns))
	for j, col := range columns {
		types[col] = TypeFloat
		for _, record := range records {
			cell := strings.TrimSpace(record[j])
			if cell == "" {
				continue
			}
			types[col] = classify(cell)
			break
		}
	}
	return types
}

func classify(cell string) ValueType {
	if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return TypeInt
	}
	if _, err := strconv.ParseFloat(cell, 64); err == nil {
		return TypeFloat
	}
	return TypeString
}

// coerce parses a cell as the column type, normalizing missing and
// unparseable cells to the type's zero value.
func coerce(raw string, typ ValueType) any {
	cell := strings.TrimSpace(raw)
	if cell == "" {
		return typ.Zero()
	}
	switch typ {
	case TypeInt:
		if v, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return v
		}
		return typ.Zero()
	case TypeFloat:
		if v, err := strconv.ParseFloat(cell, 64); err == nil {
			return v
		}
		return typ.Zero()
	default:
		return cell
	}
}
