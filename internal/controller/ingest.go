package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"example.com/openrobot-bt/internal/agent"
	"example.com/openrobot-bt/internal/db"
	mqttc "example.com/openrobot-bt/internal/mqtt"
	"example.com/openrobot-bt/internal/trace"
)

// HandleMessage ingests one message from the status, tree or trace topics.
func (c *Controller) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	agentID := mqttc.AgentIDFromTopic(topic)
	if agentID == "" {
		return fmt.Errorf("no agent id in topic %s", topic)
	}
	switch {
	case strings.HasPrefix(topic, "lab/status/"):
		return c.IngestStatus(ctx, agentID, payload)
	case strings.HasPrefix(topic, "lab/tree/"):
		return c.IngestShape(ctx, agentID, payload)
	case strings.HasPrefix(topic, "lab/trace/"):
		return c.IngestTrace(ctx, agentID, payload)
	default:
		return fmt.Errorf("unexpected topic %s", topic)
	}
}

func (c *Controller) IngestStatus(ctx context.Context, agentID string, payload []byte) error {
	var hb agent.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return fmt.Errorf("status %s: %w", agentID, err)
	}
	name := hb.Name
	if name == "" {
		name = agentID
	}
	err := c.DB.UpsertAgentStatus(ctx, db.Agent{
		AgentID:   agentID,
		Name:      name,
		Type:      hb.Type,
		IP:        hb.IP,
		Status:    hb.Status,
		Session:   hb.Session,
		Cycle:     hb.Cycle,
		Root:      hb.Root,
		TickHz:    hb.TickHz,
		JobStatus: hb.JobStatus,
		JobError:  hb.JobError,
	})
	if err != nil {
		return fmt.Errorf("status %s: %w", agentID, err)
	}
	c.notify("status", agentID, payload)
	return nil
}

func (c *Controller) IngestShape(ctx context.Context, agentID string, payload []byte) error {
	var shape trace.Shape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return fmt.Errorf("shape %s: %w", agentID, err)
	}
	shape.AgentID = agentID
	if err := c.DB.SaveTreeShape(ctx, shape); err != nil {
		return fmt.Errorf("shape %s: %w", agentID, err)
	}
	log.Printf("[controller] tree shape from %s: %d nodes, session %s", agentID, len(shape.Nodes), shape.Session)
	c.notify("shape", agentID, payload)
	return nil
}

func (c *Controller) IngestTrace(ctx context.Context, agentID string, payload []byte) error {
	var cyc trace.Cycle
	if err := json.Unmarshal(payload, &cyc); err != nil {
		return fmt.Errorf("trace %s: %w", agentID, err)
	}
	cyc.AgentID = agentID
	if _, err := c.DB.InsertCycle(ctx, cyc); err != nil {
		return fmt.Errorf("trace %s: %w", agentID, err)
	}
	if c.KeepCycles > 0 {
		if _, err := c.DB.PruneCycles(ctx, agentID, c.KeepCycles); err != nil {
			log.Printf("[controller] prune cycles for %s: %v", agentID, err)
		}
	}
	c.notify("cycle", agentID, payload)
	return nil
}

func (c *Controller) notify(kind, agentID string, payload []byte) {
	if c.Notify == nil {
		return
	}
	c.Notify(Event{Type: kind, AgentID: agentID, Data: json.RawMessage(payload)})
}
