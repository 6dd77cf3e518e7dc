package behavior

import (
	"bufio"
	"fmt"
	"io"
)

// NodeInfo describes one node of an attached tree for tooling.
type NodeInfo struct {
	ID     int    `json:"id"`
	Parent int    `json:"parent"`
	Depth  int    `json:"depth"`
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
}

// Shape lists every node in pre-order. The root has Parent -1.
func (t *Tree) Shape() []NodeInfo {
	shape := make([]NodeInfo, 0, len(t.nodes))
	var walk func(n Node, parent, depth int)
	walk = func(n Node, parent, depth int) {
		shape = append(shape, NodeInfo{
			ID:     n.ID(),
			Parent: parent,
			Depth:  depth,
			Name:   n.Name(),
			Kind:   n.Kind(),
		})
		for _, child := range n.Children() {
			walk(child, n.ID(), depth+1)
		}
	}
	walk(t.root, -1, 0)
	return shape
}

// Render writes an indented view of shape annotated with the latest records.
// Nodes that ran in the newest cycle present in last are marked with "*".
//
//	selector [selector] RUNNING @3 *
//	├─ cond [leaf] FAILURE @3 *
//	└─ wait [leaf] RUNNING @3 *
func Render(w io.Writer, shape []NodeInfo, last map[int]Record) error {
	var latest uint64
	for _, rec := range last {
		if rec.Cycle > latest {
			latest = rec.Cycle
		}
	}
	children := make(map[int][]NodeInfo, len(shape))
	var roots []NodeInfo
	for _, info := range shape {
		if info.Parent < 0 {
			roots = append(roots, info)
			continue
		}
		children[info.Parent] = append(children[info.Parent], info)
	}

	bw := bufio.NewWriter(w)
	var draw func(info NodeInfo, prefix, branch string)
	draw = func(info NodeInfo, prefix, branch string) {
		state := "-"
		if rec, ok := last[info.ID]; ok {
			state = fmt.Sprintf("%s @%d", rec.Status, rec.Cycle)
			if rec.Cycle == latest {
				state += " *"
			}
		}
		fmt.Fprintf(bw, "%s%s%s [%s] %s\n", prefix, branch, info.Name, info.Kind, state)

		next := prefix
		switch branch {
		case "├─ ":
			next += "│  "
		case "└─ ":
			next += "   "
		}
		kids := children[info.ID]
		for i, child := range kids {
			if i == len(kids)-1 {
				draw(child, next, "└─ ")
			} else {
				draw(child, next, "├─ ")
			}
		}
	}
	for _, root := range roots {
		draw(root, "", "")
	}
	return bw.Flush()
}
