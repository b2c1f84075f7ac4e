// Package bundlerrors defines the tagged error type the JSON-RPC boundary
// serializes, replacing the exception hierarchy of the source system with a
// sum type per §9 of the design ("Tagged errors").
package bundlerrors

import "fmt"

// Kind enumerates the error taxonomy of §7.
type Kind string

const (
	KindInvalidRequest     Kind = "INVALID_REQUEST"
	KindInvalidUserOp      Kind = "INVALID_USEROP"
	KindInvalidOpcode      Kind = "INVALID_OPCODE"
	KindExecutionReverted  Kind = "EXECUTION_REVERTED"
	KindMethodNotFound     Kind = "METHOD_NOT_FOUND"
	KindTransportError     Kind = "TRANSPORT_ERROR"
)

// codes maps each Kind to the JSON-RPC error code the response carries.
var codes = map[Kind]int{
	KindInvalidRequest:    -32602,
	KindInvalidUserOp:     -32500,
	KindInvalidOpcode:     -32501,
	KindExecutionReverted: -32521,
	KindMethodNotFound:    -32601,
	KindTransportError:    -32603,
}

// RpcError is the explicit error value returned by everything in the
// submit/estimate/lookup paths that can fail in a way the client needs to
// see. Internal bundling decisions never construct one of these -- they
// stay as plain wrapped errors and are resolved locally (§7).
type RpcError struct {
	Kind    Kind
	Message string
	Data    interface{}
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Code returns the JSON-RPC error code for this error's Kind.
func (e *RpcError) Code() int {
	if c, ok := codes[e.Kind]; ok {
		return c
	}
	return -32603
}

// New constructs an RpcError of the given kind.
func New(kind Kind, format string, args ...interface{}) *RpcError {
	return &RpcError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured data (e.g. a revert reason) to the error.
func (e *RpcError) WithData(data interface{}) *RpcError {
	e.Data = data
	return e
}
