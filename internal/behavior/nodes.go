package behavior

import (
	"context"
	"time"
)

// ActionFunc is the evaluation function of a leaf. A returned error fails the
// leaf for the cycle and is forwarded to the tree's ErrorSink.
type ActionFunc func(ctx context.Context, f *Frame) (Status, error)

// ConditionFunc is a boolean check; true maps to Success, false to Failure.
type ConditionFunc func(ctx context.Context, f *Frame) bool

// HookFunc is a side-effecting lifecycle hook.
type HookFunc func(f *Frame)

// LeafNode wraps domain logic as a Node.
type LeafNode struct {
	node
	eval  ActionFunc
	enter HookFunc
	exit  HookFunc
}

// Action creates a leaf from fn.
func Action(fn ActionFunc) *LeafNode {
	if fn == nil {
		panic("behavior: nil action")
	}
	l := &LeafNode{eval: fn}
	l.init(KindLeaf, l)
	return l
}

// Leaf is an alias of Action.
func Leaf(fn ActionFunc) *LeafNode {
	return Action(fn)
}

// Condition creates a leaf that never runs across ticks.
func Condition(fn ConditionFunc) *LeafNode {
	if fn == nil {
		panic("behavior: nil condition")
	}
	return Action(func(ctx context.Context, f *Frame) (Status, error) {
		if fn(ctx, f) {
			return StatusSuccess, nil
		}
		return StatusFailure, nil
	})
}

// Succeed always succeeds.
func Succeed() *LeafNode {
	return Named("succeed", Action(func(context.Context, *Frame) (Status, error) {
		return StatusSuccess, nil
	}))
}

// Fail always fails.
func Fail() *LeafNode {
	return Named("fail", Action(func(context.Context, *Frame) (Status, error) {
		return StatusFailure, nil
	}))
}

// Wait runs until d has elapsed on the tree's clock since the run started.
// The clock advances by the deltas passed to Tree.Tick, also in cycles the
// leaf is skipped. The cycle that starts the run counts as zero.
func Wait(d time.Duration) *LeafNode {
	var start time.Duration
	l := Action(func(_ context.Context, f *Frame) (Status, error) {
		if f.Elapsed-start < d {
			return StatusRunning, nil
		}
		return StatusSuccess, nil
	})
	l.OnEnter(func(f *Frame) {
		start = f.Elapsed
	})
	return Named("wait", l)
}

// OnEnter sets the hook called when a run starts.
func (l *LeafNode) OnEnter(fn HookFunc) *LeafNode {
	if l.attached() {
		panic(ErrSealed)
	}
	l.enter = fn
	return l
}

// OnExit sets the hook called when a run ends with a terminal verdict.
func (l *LeafNode) OnExit(fn HookFunc) *LeafNode {
	if l.attached() {
		panic(ErrSealed)
	}
	l.exit = fn
	return l
}

func (l *LeafNode) call(ctx context.Context, f *Frame) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = StatusFailure, recovered(r)
		}
	}()
	return l.eval(ctx, f)
}

func callHook(fn HookFunc, f *Frame) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	fn(f)
	return nil
}
