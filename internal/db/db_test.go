package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/openrobot-bt/internal/behavior"
	"example.com/openrobot-bt/internal/trace"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "bt.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func cycle(agentID string, n uint64, root behavior.Status) trace.Cycle {
	return trace.Cycle{
		AgentID: agentID,
		Session: "s1",
		Cycle:   n,
		At:      time.Date(2026, 5, 1, 10, 0, int(n), 0, time.UTC),
		Root:    root,
		Records: []behavior.Record{
			{NodeID: 1, Name: "check_network", Kind: behavior.KindLeaf, Status: behavior.StatusSuccess, Cycle: n, Entered: true, Exited: true},
			{NodeID: 0, Name: "agent", Kind: behavior.KindParallel, Status: root, Cycle: n},
		},
	}
}

func TestAgents(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	require.NoError(t, d.UpsertAgentStatus(ctx, Agent{AgentID: "tb3-01", Name: "tb3-01", Type: "robot", IP: "10.0.0.7", Status: "ok", Session: "s1", Cycle: 42, Root: "RUNNING", TickHz: 10}))
	require.NoError(t, d.UpsertAgentStatus(ctx, Agent{AgentID: "tb3-01", Name: "tb3-01", IP: "10.0.0.8", Status: "paused", Session: "s1", Cycle: 50, Root: "SUCCESS", TickHz: 20}))

	a, err := d.GetAgent(ctx, "tb3-01")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.8", a.IP)
	assert.Equal(t, "robot", a.Type, "empty type keeps the stored one")
	assert.Equal(t, "paused", a.Status)
	assert.Equal(t, uint64(50), a.Cycle)
	assert.Equal(t, 20, a.TickHz)
	assert.WithinDuration(t, time.Now(), a.LastSeen, time.Minute)

	_, err = d.GetAgent(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, d.UpsertAgentStatus(ctx, Agent{}))

	require.NoError(t, d.SaveTreeShape(ctx, trace.Shape{AgentID: "lap-1", Session: "x"}))
	agents, err := d.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "lap-1", agents[0].AgentID)
	assert.Equal(t, "unknown", agents[0].Status, "no heartbeat yet")

	require.NoError(t, d.DeleteAgent(ctx, "lap-1"))
	agents, err = d.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestTreeShape(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	_, err := d.GetTreeShape(ctx, "tb3-01")
	assert.ErrorIs(t, err, ErrNotFound)

	shape := trace.Shape{AgentID: "tb3-01", Session: "s1", Nodes: []behavior.NodeInfo{
		{ID: 0, Parent: -1, Name: "agent", Kind: behavior.KindParallel},
		{ID: 1, Parent: 0, Depth: 1, Name: "check_network", Kind: behavior.KindLeaf},
	}}
	require.NoError(t, d.SaveTreeShape(ctx, shape))
	require.NoError(t, d.UpsertAgentStatus(ctx, Agent{AgentID: "tb3-01", Status: "ok"}))

	got, err := d.GetTreeShape(ctx, "tb3-01")
	require.NoError(t, err)
	assert.Equal(t, shape, got, "heartbeats do not clobber the shape")
}

func TestCycles(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	for n := uint64(1); n <= 5; n++ {
		root := behavior.StatusRunning
		if n == 5 {
			root = behavior.StatusFailure
		}
		_, err := d.InsertCycle(ctx, cycle("tb3-01", n, root))
		require.NoError(t, err)
	}
	_, err := d.InsertCycle(ctx, cycle("other", 1, behavior.StatusSuccess))
	require.NoError(t, err)

	got, err := d.ListCycles(ctx, "tb3-01", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Cycle)
	assert.Equal(t, behavior.StatusFailure, got[0].Root)
	assert.Equal(t, uint64(4), got[1].Cycle)
	assert.True(t, got[0].At.Equal(time.Date(2026, 5, 1, 10, 0, 5, 0, time.UTC)))
	assert.Equal(t, cycle("tb3-01", 5, behavior.StatusFailure).Records, got[0].Records)
	assert.Equal(t, cycle("tb3-01", 4, behavior.StatusRunning).Records, got[1].Records, "records stay with their own cycle")

	n, err := d.PruneCycles(ctx, "tb3-01", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err = d.ListCycles(ctx, "tb3-01", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[2].Cycle)

	var orphans int
	require.NoError(t, d.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_records WHERE cycle_id NOT IN (SELECT id FROM cycles)`).Scan(&orphans))
	assert.Zero(t, orphans)

	others, err := d.ListCycles(ctx, "other", 10)
	require.NoError(t, err)
	assert.Len(t, others, 1)

	_, err = d.InsertCycle(ctx, trace.Cycle{})
	assert.Error(t, err)

	bare := cycle("bare", 1, behavior.StatusRunning)
	bare.Records = nil
	_, err = d.InsertCycle(ctx, bare)
	require.NoError(t, err)
	got, err = d.ListCycles(ctx, "bare", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Records)
	assert.Empty(t, got[0].Records)

	got, err = d.ListCycles(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInstallConfig(t *testing.T) {
	ctx := context.Background()
	d := openTest(t)

	cfg, err := d.GetDefaultInstallConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, d.SaveDefaultInstallConfig(ctx, InstallConfig{User: "ubuntu"}))
	cfg, err = d.GetDefaultInstallConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", cfg.User)

	require.NoError(t, d.UpdateAgentInstallConfig(ctx, "tb3-01", InstallConfig{Address: "10.0.0.7", User: "ubuntu"}))
	a, err := d.GetAgent(ctx, "tb3-01")
	require.NoError(t, err)
	require.NotNil(t, a.InstallConfig)
	assert.Equal(t, "10.0.0.7", a.InstallConfig.Address)
}
