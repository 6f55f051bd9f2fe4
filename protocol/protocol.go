// Package protocol implements the variable server: the network-facing
// surface where dataset columns become addressable, subscribable
// variables. Clients connect over WebSocket, browse the address space,
// read current values, and receive a push for every variable write.
package protocol

import "github.com/joakimbrandstrom/OPC-UA-Sim/dataset"

// Ref is an opaque handle to a created variable. A Ref becomes stale
// once its variable is removed; writes through a stale Ref fail with a
// stale-classified error.
type Ref interface {
	// Name returns the variable's browse name.
	Name() string
}

// VariableWriter is the surface the streaming engine drives: variable
// creation and removal during namespace swaps, value writes on every
// tick.
type VariableWriter interface {
	// CreateVariable adds a variable to the address space with an
	// initial value. Adding a name that already exists is an error.
	CreateVariable(name string, value any, typ dataset.ValueType) (Ref, error)
	// Write updates a variable's value and pushes the update to
	// subscribed clients. Writing through a removed Ref returns a
	// stale error.
	Write(ref Ref, value any) error
	// RemoveVariable deletes a variable from the address space and
	// marks its Ref stale.
	RemoveVariable(ref Ref) error
}

// Message is the JSON envelope for all traffic on a client connection.
//
// Server push:
//   - "namespace": full variable snapshot, sent on connect and after
//     every namespace change
//   - "update": one variable's new value
//   - "error": request failure
//
// Client requests:
//   - "browse": request a namespace snapshot
//   - "read": request one variable's current value
type Message struct {
	Type      string         `json:"type"`
	Name      string         `json:"name,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Value     any            `json:"value,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"` // Unix milliseconds
	Error     string         `json:"error,omitempty"`
	Variables []VariableInfo `json:"variables,omitempty"`
}

// VariableInfo describes one variable in a namespace snapshot.
type VariableInfo struct {
	Name   string `json:"name"`
	NodeID string `json:"node_id"`
	Type   string `json:"type"`
	Value  any    `json:"value"`
	Path   string `json:"path"`
}
