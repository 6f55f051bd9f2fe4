// Package namespace derives the set of protocol variables a dataset
// exposes and computes the minimal change set between two datasets'
// variable sets. It is pure data transformation; the streaming engine
// applies the result against the protocol server.
package namespace

import "github.com/joakimbrandstrom/OPC-UA-Sim/dataset"

// Variable is one addressable protocol variable derived from a dataset
// column.
type Variable struct {
	// Name is the column name, used verbatim as the variable's browse
	// name.
	Name string
	// Initial is the variable's value at creation time: the column's
	// first-row value, or the type's zero for an empty dataset.
	Initial any
	// Type is the column's inferred scalar type.
	Type dataset.ValueType
}

// Plan is the ordered variable set of a dataset, one Variable per value
// column in header order.
type Plan []Variable

// Build derives the variable plan of a dataset. The time column never
// becomes a variable.
func Build(ds *dataset.Dataset) Plan {
	cols := ds.ValueColumns()
	plan := make(Plan, 0, len(cols))
	for _, col := range cols {
		plan = append(plan, Variable{
			Name:    col,
			Initial: ds.FirstValue(col),
			Type:    ds.Types[col],
		})
	}
	return plan
}

// Names returns the variable names of the plan in order.
func (p Plan) Names() []string {
	names := make([]string, len(p))
	for i, v := range p {
		names[i] = v.Name
	}
	return names
}

// Diff computes the change set that transforms the old plan's variable
// set into the new plan's. Variables present in both plans are neither
// removed nor added: they survive the swap and get their next value on
// the following tick, so subscriptions on shared columns stay alive.
func Diff(old, new Plan) (toRemove []string, toAdd []Variable) {
	inNew := make(map[string]struct{}, len(new))
	for _, v := range new {
		inNew[v.Name] = struct{}{}
	}
	inOld := make(map[string]struct{}, len(old))
	for _, v := range old {
		inOld[v.Name] = struct{}{}
	}

	for _, v := range old {
		if _, ok := inNew[v.Name]; !ok {
			toRemove = append(toRemove, v.Name)
		}
	}
	for _, v := range new {
		if _, ok := inOld[v.Name]; !ok {
			toAdd = append(toAdd, v)
		}
	}
	return toRemove, toAdd
}
