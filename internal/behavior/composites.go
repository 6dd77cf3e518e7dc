package behavior

import "context"

type composite struct {
	node
	children []Node
}

// Children returns a copy of the ordered children.
func (c *composite) Children() []Node {
	if len(c.children) == 0 {
		return nil
	}
	out := make([]Node, len(c.children))
	copy(out, c.children)
	return out
}

func (c *composite) add(children ...Node) {
	if c.attached() {
		panic(ErrSealed)
	}
	for _, child := range children {
		if child == nil {
			panic(ErrNilNode)
		}
		b := child.core()
		if b == &c.node || b.ownedElsewhere() {
			panic(ErrAlreadyOwned)
		}
		b.parent = c.self
		c.children = append(c.children, child)
	}
}

// SequenceNode ticks children in order until one fails or returns running.
// An empty sequence succeeds.
type SequenceNode struct {
	composite
	cursor int
}

// Sequence creates a SequenceNode owning children.
func Sequence(children ...Node) *SequenceNode {
	s := &SequenceNode{}
	s.init(KindSequence, s)
	s.add(children...)
	return s
}

// AddChild appends child. It panics once the node is attached to a tree.
func (s *SequenceNode) AddChild(child Node) *SequenceNode {
	s.add(child)
	return s
}

// Cursor is the index of the child the next tick resumes from.
func (s *SequenceNode) Cursor() int { return s.cursor }

func (s *SequenceNode) evaluate(ctx context.Context) Status {
	for s.cursor < len(s.children) {
		switch s.children[s.cursor].Tick(ctx) {
		case StatusRunning:
			return StatusRunning
		case StatusFailure:
			s.cursor = 0
			return StatusFailure
		default:
			s.cursor++
		}
	}
	s.cursor = 0
	return StatusSuccess
}

// SelectorNode ticks children in order until one succeeds or returns running.
// An empty selector fails.
type SelectorNode struct {
	composite
	cursor int
}

// Selector creates a SelectorNode owning children.
func Selector(children ...Node) *SelectorNode {
	s := &SelectorNode{}
	s.init(KindSelector, s)
	s.add(children...)
	return s
}

// AddChild appends child. It panics once the node is attached to a tree.
func (s *SelectorNode) AddChild(child Node) *SelectorNode {
	s.add(child)
	return s
}

// Cursor is the index of the child the next tick resumes from.
func (s *SelectorNode) Cursor() int { return s.cursor }

func (s *SelectorNode) evaluate(ctx context.Context) Status {
	for s.cursor < len(s.children) {
		switch s.children[s.cursor].Tick(ctx) {
		case StatusRunning:
			return StatusRunning
		case StatusSuccess:
			s.cursor = 0
			return StatusSuccess
		default:
			s.cursor++
		}
	}
	s.cursor = 0
	return StatusFailure
}

// ParallelNode ticks every child each cycle and aggregates by Policy.
//
// With PolicyAnd the first Failure ends the cycle with Failure, all Success
// gives Success, anything else Running. With PolicyOr the first Success ends
// the cycle with Success and anything else is Running, so an Or node whose
// children all fail keeps reporting Running.
//
// Children skipped because of a short-circuit keep their active state and
// resume on their next tick.
type ParallelNode struct {
	composite
	policy Policy
}

// Parallel creates a ParallelNode owning children.
func Parallel(policy Policy, children ...Node) *ParallelNode {
	if policy != PolicyAnd && policy != PolicyOr {
		panic(ErrInvalidPolicy)
	}
	p := &ParallelNode{policy: policy}
	p.init(KindParallel, p)
	p.add(children...)
	return p
}

// AddChild appends child. It panics once the node is attached to a tree.
func (p *ParallelNode) AddChild(child Node) *ParallelNode {
	p.add(child)
	return p
}

func (p *ParallelNode) Policy() Policy { return p.policy }

func (p *ParallelNode) evaluate(ctx context.Context) Status {
	if p.policy == PolicyOr {
		for _, child := range p.children {
			if child.Tick(ctx) == StatusSuccess {
				return StatusSuccess
			}
		}
		return StatusRunning
	}

	allSuccess := true
	for _, child := range p.children {
		switch child.Tick(ctx) {
		case StatusFailure:
			return StatusFailure
		case StatusRunning:
			allSuccess = false
		}
	}
	if allSuccess {
		return StatusSuccess
	}
	return StatusRunning
}
