package behavior

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_RecordPerNodePerTick(t *testing.T) {
	a := Named("a", Fail())
	b := Named("b", Succeed())
	c := Named("c", Succeed())
	root := Named("root", Selector(a, b, c))
	tree := NewTree(root)

	var records []Record
	tree.Subscribe(func(r Record) { records = append(records, r) })

	tickOnce(tree)
	require.Equal(t, []Record{
		{NodeID: 1, Name: "a", Kind: KindLeaf, Status: StatusFailure, Cycle: 1, Entered: true, Exited: true},
		{NodeID: 2, Name: "b", Kind: KindLeaf, Status: StatusSuccess, Cycle: 1, Entered: true, Exited: true},
		{NodeID: 0, Name: "root", Kind: KindSelector, Status: StatusSuccess, Cycle: 1, Entered: true, Exited: true},
	}, records)
}

func TestBus_PublishesRunningTicksToo(t *testing.T) {
	wait := Wait(time.Hour)
	tree := NewTree(wait)
	var records []Record
	tree.Subscribe(func(r Record) { records = append(records, r) })

	for i := 0; i < 3; i++ {
		tickOnce(tree)
	}
	require.Len(t, records, 3)
	assert.True(t, records[0].Entered)
	assert.False(t, records[1].Entered)
	assert.False(t, records[2].Exited)
	assert.Equal(t, uint64(3), records[2].Cycle)
}

func TestBus_Unsubscribe(t *testing.T) {
	tree := NewTree(Succeed())
	var first, second int
	cancel := tree.Subscribe(func(Record) { first++ })
	tree.Subscribe(func(Record) { second++ })

	tickOnce(tree)
	cancel()
	cancel()
	tickOnce(tree)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	tree := NewTree(Succeed())
	var calls int
	var cancel func()
	cancel = tree.Subscribe(func(Record) {
		calls++
		cancel()
	})
	tickOnce(tree)
	tickOnce(tree)
	assert.Equal(t, 1, calls)
}

func TestBus_PanickingSubscriber(t *testing.T) {
	var faults []Fault
	second := newProbe("second", nil, StatusSuccess)
	root := Named("root", Sequence(Named("first", Succeed()), second.LeafNode))
	tree := NewTree(root, WithErrorSink(func(f Fault) { faults = append(faults, f) }))

	tree.Subscribe(func(r Record) {
		if r.Name == "first" {
			panic("observer bug")
		}
	})
	var seen []string
	tree.Subscribe(func(r Record) { seen = append(seen, r.Name) })

	require.Equal(t, StatusSuccess, tickOnce(tree), "the tick completes")
	assert.Equal(t, 1, second.ticks)
	assert.Equal(t, []string{"first", "second", "root"}, seen, "later subscribers still receive the record")

	require.Len(t, faults, 1)
	assert.Equal(t, "first", faults[0].Name)
	assert.Equal(t, uint64(1), faults[0].Cycle)
	var pe *PanicError
	require.ErrorAs(t, faults[0].Err, &pe)
	assert.Equal(t, "observer bug", pe.Value)
}

func TestBus_SharedAcrossTrees(t *testing.T) {
	bus := NewBus()
	t1 := NewTree(Named("one", Succeed()), WithBus(bus))
	t2 := NewTree(Named("two", Fail()), WithBus(bus))
	var names []string
	bus.Subscribe(func(r Record) { names = append(names, r.Name) })

	t1.Tick(context.Background(), 0)
	t2.Tick(context.Background(), 0)
	assert.Equal(t, []string{"one", "two"}, names)
	assert.Same(t, bus, t1.Bus())
}

func TestRecorder_KeepsLatest(t *testing.T) {
	p := newProbe("p", nil, StatusRunning, StatusSuccess)
	tree := NewTree(p.LeafNode)
	rec := NewRecorder()
	tree.Subscribe(rec.Observe)

	tickOnce(tree)
	tickOnce(tree)

	got, ok := rec.Get(0)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, uint64(2), got.Cycle)
	assert.Len(t, rec.Last(), 1)
	_, ok = rec.Get(7)
	assert.False(t, ok)
}

func TestRecord_JSON(t *testing.T) {
	in := Record{NodeID: 3, Name: "reconnect", Kind: KindParallel, Status: StatusRunning, Cycle: 9, Entered: true}
	buf, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"node_id":3,"name":"reconnect","kind":"parallel","status":"RUNNING","cycle":9,"entered":true}`, string(buf))

	var out Record
	require.NoError(t, json.Unmarshal(buf, &out))
	assert.Equal(t, in, out)
}

func TestRender(t *testing.T) {
	root := Named("root", Selector(
		Named("cond", Condition(func(context.Context, *Frame) bool { return false })),
		Named("patrol", Sequence(Wait(time.Second), Succeed())),
	))
	tree := NewTree(root)
	rec := NewRecorder()
	tree.Subscribe(rec.Observe)

	tickOnce(tree)
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, tree.Shape(), rec.Last()))
	assert.Equal(t, ""+
		"root [selector] RUNNING @1 *\n"+
		"├─ cond [leaf] FAILURE @1 *\n"+
		"└─ patrol [sequence] RUNNING @1 *\n"+
		"   ├─ wait [leaf] RUNNING @1 *\n"+
		"   └─ succeed [leaf] -\n", buf.String())

	tickOnce(tree)
	buf.Reset()
	require.NoError(t, Render(&buf, tree.Shape(), rec.Last()))
	assert.Contains(t, buf.String(), "├─ cond [leaf] FAILURE @1\n", "cond did not run on the resumed cycle")
	assert.Contains(t, buf.String(), "   ├─ wait [leaf] RUNNING @2 *\n")
}

func TestShape(t *testing.T) {
	root := Sequence(Succeed(), Selector(Fail()))
	shape := NewTree(root).Shape()
	assert.Equal(t, []NodeInfo{
		{ID: 0, Parent: -1, Depth: 0, Name: "sequence", Kind: KindSequence},
		{ID: 1, Parent: 0, Depth: 1, Name: "succeed", Kind: KindLeaf},
		{ID: 2, Parent: 0, Depth: 1, Name: "selector", Kind: KindSelector},
		{ID: 3, Parent: 2, Depth: 2, Name: "fail", Kind: KindLeaf},
	}, shape)
}
