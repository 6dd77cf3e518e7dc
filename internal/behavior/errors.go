package behavior

import (
	"errors"
	"fmt"
)

// Misuse of the API panics with one of these values.
var (
	ErrNotAttached   = errors.New("behavior: node is not attached to a tree")
	ErrDisposed      = errors.New("behavior: tree has been disposed")
	ErrNotTicking    = errors.New("behavior: node ticked outside of its tree's cycle")
	ErrReentrantTick = errors.New("behavior: tree ticked re-entrantly")
	ErrAlreadyOwned  = errors.New("behavior: node already has an owner")
	ErrSealed        = errors.New("behavior: node cannot be modified once attached")
	ErrNilNode       = errors.New("behavior: nil node")
	ErrInvalidPolicy = errors.New("behavior: invalid parallel policy")
)

// ErrInvalidStatus is wrapped in the fault reported for a leaf returning a
// value outside Success, Failure and Running.
var ErrInvalidStatus = errors.New("behavior: invalid status")

// PanicError wraps a value recovered from leaf code.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("behavior: panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Fault describes a leaf failure recovered during a tick.
type Fault struct {
	NodeID int
	Name   string
	Cycle  uint64
	Err    error
}

func (f Fault) Error() string {
	return fmt.Sprintf("node %d (%s) cycle %d: %v", f.NodeID, f.Name, f.Cycle, f.Err)
}

func (f Fault) Unwrap() error {
	return f.Err
}

// ErrorSink receives leaf faults. It is called synchronously on the tick's stack.
type ErrorSink func(Fault)
