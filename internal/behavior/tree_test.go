package behavior

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_HooksBracketRun(t *testing.T) {
	var log []string
	p := newProbe("p", &log, StatusRunning, StatusRunning, StatusSuccess, StatusFailure)
	tree := NewTree(p.LeafNode)

	require.Equal(t, StatusRunning, tickOnce(tree))
	require.Equal(t, StatusRunning, tickOnce(tree))
	require.Equal(t, StatusSuccess, tickOnce(tree))
	require.Equal(t, StatusFailure, tickOnce(tree))

	assert.Equal(t, []string{
		"p:enter", "p:eval",
		"p:eval",
		"p:eval", "p:exit",
		"p:enter", "p:eval", "p:exit",
	}, log)
	assert.Equal(t, p.enters, p.exits)
}

func TestLifecycle_TerminalEveryTick(t *testing.T) {
	p := newProbe("p", nil, StatusSuccess)
	tree := NewTree(p.LeafNode)
	for i := 0; i < 4; i++ {
		tickOnce(tree)
	}
	assert.Equal(t, 4, p.enters)
	assert.Equal(t, 4, p.exits)
	assert.Equal(t, 4, p.ticks)
}

func TestLifecycle_ActiveTracksRunning(t *testing.T) {
	p := newProbe("p", nil, StatusRunning, StatusSuccess)
	tree := NewTree(p.LeafNode)
	assert.False(t, p.Active())
	assert.Zero(t, p.LastCycle())

	tickOnce(tree)
	assert.True(t, p.Active())
	assert.Equal(t, StatusRunning, p.Status())
	assert.Equal(t, uint64(1), p.LastCycle())

	tickOnce(tree)
	assert.False(t, p.Active())
	assert.Equal(t, StatusSuccess, p.Status())
	assert.Equal(t, uint64(2), p.LastCycle())
}

func TestTree_FlagsResetEachCycle(t *testing.T) {
	a := newProbe("a", nil, StatusRunning, StatusSuccess)
	b := newProbe("b", nil, StatusFailure, StatusSuccess)
	sel := Selector(a.LeafNode, b.LeafNode)
	tree := NewTree(sel)

	tickOnce(tree)
	assert.Equal(t, Flags{Entered: true, Ticked: true}, a.Flags())
	assert.Equal(t, Flags{}, b.Flags())

	tickOnce(tree)
	assert.Equal(t, Flags{Ticked: true, Exited: true}, a.Flags())
	assert.Equal(t, Flags{Ticked: true, Exited: true}, sel.Flags())

	// Only the selector and its first child run on a fresh cycle.
	tickOnce(tree)
	assert.Equal(t, Flags{}, b.Flags())
}

func TestTree_PreOrderIDs(t *testing.T) {
	a, b, c := Succeed(), Fail(), Succeed()
	inner := Selector(b, c)
	root := Sequence(a, inner)
	tree := NewTree(root)

	assert.Equal(t, 0, root.ID())
	assert.Equal(t, 1, a.ID())
	assert.Equal(t, 2, inner.ID())
	assert.Equal(t, 3, b.ID())
	assert.Equal(t, 4, c.ID())

	n, ok := tree.Node(3)
	require.True(t, ok)
	assert.Same(t, b, n)
	_, ok = tree.Node(5)
	assert.False(t, ok)
	assert.Same(t, root, tree.Root())
	assert.Equal(t, -1, Succeed().ID())
}

func TestTree_CycleAndFrame(t *testing.T) {
	bb := NewBlackboard()
	var frames []Frame
	leaf := Action(func(_ context.Context, f *Frame) (Status, error) {
		frames = append(frames, *f)
		f.Board.Set("seen", f.Cycle)
		return StatusSuccess, nil
	})
	tree := NewTree(leaf, WithBlackboard(bb))
	assert.Zero(t, tree.Cycle())

	tree.Tick(context.Background(), 16*time.Millisecond)
	tree.Tick(context.Background(), 33*time.Millisecond)

	require.Len(t, frames, 2)
	assert.Equal(t, uint64(1), frames[0].Cycle)
	assert.Equal(t, 16*time.Millisecond, frames[0].Delta)
	assert.Equal(t, uint64(2), frames[1].Cycle)
	assert.Equal(t, 33*time.Millisecond, frames[1].Delta)
	assert.Equal(t, 49*time.Millisecond, frames[1].Elapsed)
	assert.Same(t, bb, tree.Board())
	v, ok := Lookup[uint64](bb, "seen")
	require.True(t, ok)
	assert.Equal(t, uint64(2), v)
	assert.Equal(t, uint64(2), tree.Cycle())
}

func TestTree_ContextReachesLeaves(t *testing.T) {
	type key struct{}
	var got any
	tree := NewTree(Sequence(Action(func(ctx context.Context, _ *Frame) (Status, error) {
		got = ctx.Value(key{})
		return StatusSuccess, nil
	})))
	tree.Tick(context.WithValue(context.Background(), key{}, "robot-1"), 0)
	assert.Equal(t, "robot-1", got)
}

func TestFault_ErrorIsolatedToLeaf(t *testing.T) {
	var faults []Fault
	boom := errors.New("sensor offline")
	bad := Named("bad", Action(func(context.Context, *Frame) (Status, error) {
		return StatusSuccess, boom
	}))
	after := newProbe("after", nil, StatusSuccess)
	tree := NewTree(Parallel(PolicyOr, bad, after.LeafNode), WithErrorSink(func(f Fault) {
		faults = append(faults, f)
	}))

	require.Equal(t, StatusSuccess, tickOnce(tree))
	assert.Equal(t, StatusFailure, bad.Status())
	assert.Equal(t, 1, after.ticks, "sibling scheduled after the faulting leaf still ticks")

	require.Len(t, faults, 1)
	assert.Equal(t, bad.ID(), faults[0].NodeID)
	assert.Equal(t, "bad", faults[0].Name)
	assert.Equal(t, uint64(1), faults[0].Cycle)
	assert.ErrorIs(t, faults[0], boom)
}

func TestFault_PanicRecovered(t *testing.T) {
	var faults []Fault
	var exits int
	bad := Action(func(context.Context, *Frame) (Status, error) {
		panic("nil pointer in perception")
	}).OnExit(func(*Frame) { exits++ })
	after := newProbe("after", nil, StatusSuccess)
	tree := NewTree(Selector(bad, after.LeafNode), WithErrorSink(func(f Fault) {
		faults = append(faults, f)
	}))

	require.NotPanics(t, func() {
		require.Equal(t, StatusSuccess, tickOnce(tree))
	})
	assert.Equal(t, 1, after.ticks)
	assert.Equal(t, 1, exits, "a faulted run still exits")
	assert.False(t, bad.Active())

	require.Len(t, faults, 1)
	var pe *PanicError
	require.ErrorAs(t, faults[0], &pe)
	assert.Equal(t, "nil pointer in perception", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestFault_PanicWithErrorUnwraps(t *testing.T) {
	boom := errors.New("boom")
	var got error
	tree := NewTree(Action(func(context.Context, *Frame) (Status, error) {
		panic(boom)
	}), WithErrorSink(func(f Fault) { got = f }))

	assert.Equal(t, StatusFailure, tickOnce(tree))
	assert.ErrorIs(t, got, boom)
}

func TestFault_InvalidStatus(t *testing.T) {
	var got error
	tree := NewTree(Action(func(context.Context, *Frame) (Status, error) {
		return Status(42), nil
	}), WithErrorSink(func(f Fault) { got = f }))

	assert.Equal(t, StatusFailure, tickOnce(tree))
	assert.ErrorIs(t, got, ErrInvalidStatus)
}

func TestFault_EnterHookPanic(t *testing.T) {
	var faults int
	evaluated := false
	leaf := Action(func(context.Context, *Frame) (Status, error) {
		evaluated = true
		return StatusSuccess, nil
	}).OnEnter(func(*Frame) { panic("bad hook") })
	tree := NewTree(leaf, WithErrorSink(func(Fault) { faults++ }))

	assert.Equal(t, StatusFailure, tickOnce(tree))
	assert.False(t, evaluated)
	assert.Equal(t, 1, faults)
}

func TestFault_NoSinkStillFails(t *testing.T) {
	tree := NewTree(Action(func(context.Context, *Frame) (Status, error) {
		return StatusRunning, errors.New("x")
	}))
	assert.Equal(t, StatusFailure, tickOnce(tree))
}

func TestMisuse_DetachedNode(t *testing.T) {
	assert.PanicsWithError(t, ErrNotAttached.Error(), func() {
		Succeed().Tick(context.Background())
	})
}

func TestMisuse_Disposed(t *testing.T) {
	tree := NewTree(Succeed())
	tickOnce(tree)
	tree.Dispose()
	assert.True(t, tree.Disposed())
	assert.PanicsWithError(t, ErrDisposed.Error(), func() {
		tickOnce(tree)
	})
}

func TestMisuse_TickOutsideCycle(t *testing.T) {
	leaf := Succeed()
	NewTree(Sequence(leaf))
	assert.PanicsWithError(t, ErrNotTicking.Error(), func() {
		leaf.Tick(context.Background())
	})
}

func TestMisuse_ReentrantTick(t *testing.T) {
	var tree *Tree
	tree = NewTree(Succeed())
	cancel := tree.Subscribe(func(Record) {
		tree.Tick(context.Background(), 0)
	})
	assert.PanicsWithError(t, ErrReentrantTick.Error(), func() {
		tickOnce(tree)
	})
	cancel()
	assert.Equal(t, StatusSuccess, tickOnce(tree), "tree is usable after the misuse panic unwinds")
}

func TestMisuse_Ownership(t *testing.T) {
	leaf := Succeed()
	NewTree(leaf)
	assert.PanicsWithError(t, ErrAlreadyOwned.Error(), func() {
		NewTree(leaf)
	})
	assert.PanicsWithError(t, ErrAlreadyOwned.Error(), func() {
		Sequence(leaf)
	})

	child := Succeed()
	Sequence(child)
	assert.PanicsWithError(t, ErrAlreadyOwned.Error(), func() {
		NewTree(child)
	})
	assert.PanicsWithError(t, ErrNilNode.Error(), func() {
		NewTree(nil)
	})
}

func TestMisuse_SealedAfterAttach(t *testing.T) {
	leaf := Succeed()
	NewTree(leaf)
	assert.PanicsWithError(t, ErrSealed.Error(), func() {
		leaf.OnEnter(func(*Frame) {})
	})
	assert.PanicsWithError(t, ErrSealed.Error(), func() {
		Named("late", leaf)
	})
}

func TestWait_UsesDriverDelta(t *testing.T) {
	var exits int
	wait := Wait(100 * time.Millisecond).OnExit(func(*Frame) { exits++ })
	tree := NewTree(wait)
	ctx := context.Background()

	assert.Equal(t, StatusRunning, tree.Tick(ctx, time.Second), "delta before the run does not count")
	assert.Equal(t, StatusRunning, tree.Tick(ctx, 50*time.Millisecond))
	assert.Equal(t, StatusSuccess, tree.Tick(ctx, 50*time.Millisecond))
	assert.Equal(t, 1, exits)

	// A new run starts from zero.
	assert.Equal(t, StatusRunning, tree.Tick(ctx, 500*time.Millisecond))
	assert.Equal(t, "wait", wait.Name())
}

func TestWait_CountsSkippedCycles(t *testing.T) {
	var gateTicks int
	gate := Named("gate", Action(func(context.Context, *Frame) (Status, error) {
		gateTicks++
		if gateTicks%2 == 0 {
			return StatusFailure, nil
		}
		return StatusSuccess, nil
	}))
	wait := Wait(3 * time.Second)
	tree := NewTree(Parallel(PolicyAnd, gate, wait))
	ctx := context.Background()

	var got []Status
	for i := 0; i < 5; i++ {
		tree.Tick(ctx, time.Second)
		got = append(got, wait.Status())
	}
	assert.Equal(t, uint64(5), wait.LastCycle())
	assert.Equal(t, StatusSuccess, got[4], "time of the skipped cycles counts toward the wait")
	assert.Equal(t, StatusRunning, got[2])
	assert.False(t, wait.Active())
}

func TestWait_Zero(t *testing.T) {
	tree := NewTree(Wait(0))
	assert.Equal(t, StatusSuccess, tickOnce(tree))
}

func TestCondition(t *testing.T) {
	ok := false
	cond := Condition(func(context.Context, *Frame) bool { return ok })
	tree := NewTree(cond)
	assert.Equal(t, StatusFailure, tickOnce(tree))
	ok = true
	assert.Equal(t, StatusSuccess, tickOnce(tree))
	assert.Equal(t, KindLeaf, cond.Kind())
	assert.Equal(t, "leaf", cond.Name())
}

func TestNamed(t *testing.T) {
	seq := Named("patrol", Sequence())
	assert.Equal(t, "patrol", seq.Name())
	assert.Equal(t, "selector", Selector().Name())
	assert.Equal(t, "fail", Fail().Name())
	assert.Equal(t, "succeed", Succeed().Name())
}
