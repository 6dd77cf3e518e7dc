package behavior

import "context"

// node holds the lifecycle state shared by every variant.
type node struct {
	self   Node
	name   string
	kind   Kind
	id     int
	parent Node
	tree   *Tree

	active bool
	status Status
	cycle  uint64
	flags  Flags
}

func (n *node) init(kind Kind, self Node) {
	n.self = self
	n.kind = kind
	n.name = kind.String()
	n.id = -1
	n.status = StatusRunning
}

func (n *node) core() *node { return n }

func (n *node) ID() int { return n.id }
func (n *node) Name() string { return n.name }
func (n *node) Kind() Kind { return n.kind }
func (n *node) Children() []Node { return nil }
func (n *node) Status() Status { return n.status }
func (n *node) LastCycle() uint64 { return n.cycle }
func (n *node) Active() bool { return n.active }
func (n *node) Flags() Flags { return n.flags }
func (n *node) attached() bool { return n.tree != nil }
func (n *node) ownedElsewhere() bool { return n.parent != nil || n.tree != nil }

// Tick runs the node through its tree's dispatcher. It panics with
// ErrNotAttached when the node was never attached to a tree.
func (n *node) Tick(ctx context.Context) Status {
	if n.tree == nil {
		panic(ErrNotAttached)
	}
	return n.tree.dispatch(ctx, n.self)
}

// Named sets the diagnostic name of n and returns it.
func Named[N Node](name string, n N) N {
	b := n.core()
	if b.attached() {
		panic(ErrSealed)
	}
	b.name = name
	return n
}
