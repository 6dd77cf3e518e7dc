package behavior

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the verdict of a single tick.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusRunning
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s ends a run.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

func (s Status) valid() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRunning
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStatus, int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "SUCCESS":
		*s = StatusSuccess
	case "FAILURE":
		*s = StatusFailure
	case "RUNNING":
		*s = StatusRunning
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, text)
	}
	return nil
}

// Kind identifies the node variant.
type Kind int

const (
	KindLeaf Kind = iota
	KindSequence
	KindSelector
	KindParallel
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindSequence:
		return "sequence"
	case KindSelector:
		return "selector"
	case KindParallel:
		return "parallel"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "leaf":
		*k = KindLeaf
	case "sequence":
		*k = KindSequence
	case "selector":
		*k = KindSelector
	case "parallel":
		*k = KindParallel
	default:
		return fmt.Errorf("behavior: unknown node kind %q", text)
	}
	return nil
}

// Policy is the aggregation rule of a Parallel node.
type Policy int

const (
	// PolicyAnd fails on the first failing child and succeeds once every child succeeds.
	PolicyAnd Policy = iota
	// PolicyOr succeeds on the first succeeding child. It never fails.
	PolicyOr
)

func (p Policy) String() string {
	switch p {
	case PolicyAnd:
		return "and"
	case PolicyOr:
		return "or"
	default:
		return "unknown"
	}
}

// Frame is the per-cycle input handed to leaves by the tree driver.
type Frame struct {
	// Cycle is the 1-based index of the current tick of the tree.
	Cycle uint64
	// Delta is the time the driver reports as elapsed since the previous cycle.
	Delta time.Duration
	// Elapsed is the sum of every Delta passed to the tree so far, including
	// cycles in which a given node was not ticked.
	Elapsed time.Duration
	// Board is the shared state owned by the driver.
	Board *Blackboard
}

// Flags records what happened to a node during the current cycle. They are
// cleared by the driver at the start of every cycle.
type Flags struct {
	Entered bool
	Ticked  bool
	Exited  bool
}

// Node is a unit of a behavior tree. The set of implementations is closed:
// *LeafNode, *SequenceNode, *SelectorNode and *ParallelNode.
type Node interface {
	// ID is the pre-order index assigned when the node is attached to a tree, or -1.
	ID() int
	Name() string
	Kind() Kind
	// Children returns the ordered children of a composite, nil for leaves.
	Children() []Node
	// Status is the verdict of the most recent tick. Only meaningful once LastCycle is non-zero.
	Status() Status
	// LastCycle is the cycle index of the most recent tick, 0 if never ticked.
	LastCycle() uint64
	// Active reports whether the node is mid-run across ticks.
	Active() bool
	Flags() Flags
	// Tick evaluates the node within the current cycle of its tree.
	Tick(ctx context.Context) Status

	core() *node
}
