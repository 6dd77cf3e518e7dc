package behavior

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Tree owns a root node and drives it one cycle at a time. A tree is not safe
// for concurrent use: a single driver goroutine calls Tick.
type Tree struct {
	root  Node
	nodes []Node
	bus   *Bus
	sink  ErrorSink
	frame Frame

	ticking  bool
	disposed bool
}

type Option func(*Tree)

// WithBlackboard sets the board handed to leaves. A fresh one is used otherwise.
func WithBlackboard(bb *Blackboard) Option {
	return func(t *Tree) { t.frame.Board = bb }
}

// WithErrorSink sets the receiver of leaf faults.
func WithErrorSink(sink ErrorSink) Option {
	return func(t *Tree) { t.sink = sink }
}

// WithBus publishes instrumentation records on b instead of a private bus.
func WithBus(b *Bus) Option {
	return func(t *Tree) { t.bus = b }
}

// NewTree attaches root and all its descendants, assigning pre-order IDs.
// It panics if any node already belongs to a tree or root has a parent.
func NewTree(root Node, opts ...Option) *Tree {
	if root == nil {
		panic(ErrNilNode)
	}
	if root.core().ownedElsewhere() {
		panic(ErrAlreadyOwned)
	}
	t := &Tree{root: root}
	for _, opt := range opts {
		opt(t)
	}
	if t.bus == nil {
		t.bus = NewBus()
	}
	if t.frame.Board == nil {
		t.frame.Board = NewBlackboard()
	}
	t.attach(root)
	return t
}

func (t *Tree) attach(n Node) {
	b := n.core()
	if b.tree != nil {
		panic(ErrAlreadyOwned)
	}
	b.tree = t
	b.id = len(t.nodes)
	t.nodes = append(t.nodes, n)
	for _, child := range n.Children() {
		t.attach(child)
	}
}

func (t *Tree) Root() Node { return t.root }

// Nodes returns every node in pre-order; the index equals the node ID.
func (t *Tree) Nodes() []Node {
	out := make([]Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Node returns the node with the given ID.
func (t *Tree) Node(id int) (Node, bool) {
	if id < 0 || id >= len(t.nodes) {
		return nil, false
	}
	return t.nodes[id], true
}

// Cycle is the index of the last cycle run, 0 before the first Tick.
func (t *Tree) Cycle() uint64 { return t.frame.Cycle }

func (t *Tree) Board() *Blackboard { return t.frame.Board }

func (t *Tree) Bus() *Bus { return t.bus }

// Subscribe registers fn for every record published by this tree.
func (t *Tree) Subscribe(fn func(Record)) (cancel func()) {
	return t.bus.Subscribe(fn)
}

// Dispose marks the tree unusable. Any further tick panics with ErrDisposed.
func (t *Tree) Dispose() {
	t.disposed = true
}

func (t *Tree) Disposed() bool { return t.disposed }

// Tick runs one cycle: it advances the cycle index, clears per-cycle flags
// and ticks the root with dt forwarded to leaves.
func (t *Tree) Tick(ctx context.Context, dt time.Duration) Status {
	if t.disposed {
		panic(ErrDisposed)
	}
	if t.ticking {
		panic(ErrReentrantTick)
	}
	t.ticking = true
	defer func() { t.ticking = false }()

	t.frame.Cycle++
	t.frame.Delta = dt
	t.frame.Elapsed += dt
	for _, n := range t.nodes {
		n.core().flags = Flags{}
	}
	return t.root.Tick(ctx)
}

func (t *Tree) dispatch(ctx context.Context, n Node) Status {
	if t.disposed {
		panic(ErrDisposed)
	}
	if !t.ticking {
		panic(ErrNotTicking)
	}
	b := n.core()
	b.flags.Ticked = true
	entering := !b.active
	if entering {
		b.flags.Entered = true
	}

	status := t.evaluate(ctx, n, entering)

	if status.IsTerminal() {
		b.active = false
		b.flags.Exited = true
		if leaf, ok := n.(*LeafNode); ok {
			if err := callHook(leaf.exit, &t.frame); err != nil {
				t.fault(leaf, err)
			}
		}
	} else {
		b.active = true
	}
	b.status = status
	b.cycle = t.frame.Cycle

	err := t.bus.publish(Record{
		NodeID:  b.id,
		Name:    b.name,
		Kind:    b.kind,
		Status:  status,
		Cycle:   b.cycle,
		Entered: b.flags.Entered,
		Exited:  b.flags.Exited,
	})
	if err != nil {
		t.fault(n, err)
	}
	return status
}

func (t *Tree) evaluate(ctx context.Context, n Node, entering bool) Status {
	switch v := n.(type) {
	case *LeafNode:
		return t.evaluateLeaf(ctx, v, entering)
	case *SequenceNode:
		return v.evaluate(ctx)
	case *SelectorNode:
		return v.evaluate(ctx)
	case *ParallelNode:
		return v.evaluate(ctx)
	default:
		panic(fmt.Sprintf("behavior: unsupported node type %T", n))
	}
}

func (t *Tree) evaluateLeaf(ctx context.Context, l *LeafNode, entering bool) Status {
	if entering {
		if err := callHook(l.enter, &t.frame); err != nil {
			t.fault(l, err)
			return StatusFailure
		}
	}
	status, err := l.call(ctx, &t.frame)
	if err != nil {
		t.fault(l, err)
		return StatusFailure
	}
	if !status.valid() {
		t.fault(l, fmt.Errorf("%w: %d", ErrInvalidStatus, int(status)))
		return StatusFailure
	}
	return status
}

func (t *Tree) fault(n Node, err error) {
	if t.sink == nil {
		return
	}
	t.sink(Fault{
		NodeID: n.ID(),
		Name:   n.Name(),
		Cycle:  t.frame.Cycle,
		Err:    err,
	})
}

func recovered(r any) error {
	return &PanicError{Value: r, Stack: debug.Stack()}
}
