package behavior

import (
	"context"
	"fmt"
)

// probe is a leaf that returns a scripted sequence of statuses and records
// every hook and evaluation call.
type probe struct {
	*LeafNode
	script []Status
	ticks  int
	enters int
	exits  int
	log    *[]string
}

func newProbe(name string, log *[]string, script ...Status) *probe {
	p := &probe{script: script, log: log}
	p.LeafNode = Named(name, Action(func(context.Context, *Frame) (Status, error) {
		p.ticks++
		p.record("eval")
		idx := p.ticks - 1
		if idx >= len(p.script) {
			idx = len(p.script) - 1
		}
		return p.script[idx], nil
	}))
	p.OnEnter(func(*Frame) {
		p.enters++
		p.record("enter")
	})
	p.OnExit(func(*Frame) {
		p.exits++
		p.record("exit")
	})
	return p
}

func (p *probe) record(event string) {
	if p.log != nil {
		*p.log = append(*p.log, fmt.Sprintf("%s:%s", p.Name(), event))
	}
}

func tickOnce(t *Tree) Status {
	return t.Tick(context.Background(), 0)
}
