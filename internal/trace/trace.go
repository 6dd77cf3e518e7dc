// Package trace carries behavior-tree instrumentation between agents and the
// controller: the static shape of a tree and the records of each cycle.
package trace

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"example.com/openrobot-bt/internal/behavior"
)

// Shape is published retained once per agent session.
type Shape struct {
	AgentID string              `json:"agent_id"`
	Session string              `json:"session"`
	Nodes   []behavior.NodeInfo `json:"nodes"`
}

// Cycle holds every record published during one tick of a tree.
type Cycle struct {
	AgentID string            `json:"agent_id"`
	Session string            `json:"session"`
	Cycle   uint64            `json:"cycle"`
	At      time.Time         `json:"at"`
	Root    behavior.Status   `json:"root"`
	Records []behavior.Record `json:"records"`
}

// Mode selects which cycles a Collector reports.
type Mode string

const (
	ModeOff     Mode = "off"
	ModeChanges Mode = "changes"
	ModeAll     Mode = "all"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeOff, ModeChanges, ModeAll:
		return m, nil
	case "":
		return ModeChanges, nil
	default:
		return "", fmt.Errorf("trace: unknown mode %q", s)
	}
}

// Collector gathers the records of the current cycle from a tree's bus.
// Observe runs on the tick goroutine; Flush is called once the tick returns.
type Collector struct {
	agentID string
	session string

	mu        sync.Mutex
	mode      Mode
	pending   []behavior.Record
	published map[int]behavior.Status
}

func NewCollector(agentID, session string, mode Mode) *Collector {
	return &Collector{
		agentID:   agentID,
		session:   session,
		mode:      mode,
		published: make(map[int]behavior.Status),
	}
}

// Attach subscribes the collector to t and returns the unsubscribe func.
func (c *Collector) Attach(t *behavior.Tree) (cancel func()) {
	return t.Subscribe(c.Observe)
}

func (c *Collector) Observe(rec behavior.Record) {
	c.mu.Lock()
	c.pending = append(c.pending, rec)
	c.mu.Unlock()
}

func (c *Collector) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Collector) SetMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// Flush drains the records gathered since the last call. The bool reports
// whether the cycle should be published under the current mode. Under
// ModeChanges a cycle is reported when some node ended with a verdict other
// than the one last reported for it.
func (c *Collector) Flush(now time.Time) (Cycle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := c.pending
	c.pending = nil
	if len(records) == 0 {
		return Cycle{}, false
	}
	cyc := Cycle{
		AgentID: c.agentID,
		Session: c.session,
		Cycle:   records[0].Cycle,
		At:      now.UTC(),
		Root:    behavior.StatusRunning,
		Records: records,
	}
	for _, rec := range records {
		if rec.NodeID == 0 {
			cyc.Root = rec.Status
		}
	}

	switch c.mode {
	case ModeAll:
	case ModeChanges:
		if !c.changed(records) {
			return cyc, false
		}
	default:
		return cyc, false
	}
	for _, rec := range records {
		c.published[rec.NodeID] = rec.Status
	}
	return cyc, true
}

func (c *Collector) changed(records []behavior.Record) bool {
	for _, rec := range records {
		prev, ok := c.published[rec.NodeID]
		if !ok || prev != rec.Status {
			return true
		}
	}
	return false
}

// Latest folds cycles into the newest record per node, oldest cycle first.
func Latest(cycles []Cycle) map[int]behavior.Record {
	last := make(map[int]behavior.Record)
	for _, c := range cycles {
		for _, rec := range c.Records {
			if prev, ok := last[rec.NodeID]; ok && prev.Cycle > rec.Cycle {
				continue
			}
			last[rec.NodeID] = rec
		}
	}
	return last
}
