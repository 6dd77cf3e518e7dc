package controller

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"example.com/openrobot-bt/internal/agent"
	"example.com/openrobot-bt/internal/behavior"
	"example.com/openrobot-bt/internal/db"
	mqttc "example.com/openrobot-bt/internal/mqtt"
	"example.com/openrobot-bt/internal/trace"
)

const maxCycleLimit = 500

type commandRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type commandResponse struct {
	Topic   string        `json:"topic"`
	Command agent.Command `json:"command"`
}

func (c *Controller) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := c.DB.ListAgents(r.Context())
	if err != nil {
		log.Printf("[controller] list agents: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (c *Controller) GetAgent(w http.ResponseWriter, r *http.Request, id string) {
	a, err := c.DB.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		log.Printf("[controller] get agent: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch agent")
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// DeleteAgent forgets an agent together with its stored traces. A live agent
// reappears on its next heartbeat.
func (c *Controller) DeleteAgent(w http.ResponseWriter, r *http.Request, id string) {
	if err := c.DB.DeleteAgent(r.Context(), id); err != nil {
		log.Printf("[controller] delete agent: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to delete agent")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type treeResponse struct {
	trace.Shape
	Last map[int]behavior.Record `json:"last"`
}

// AgentTree returns the agent's tree shape annotated with the newest stored
// record per node. format=text renders it as an indented listing.
func (c *Controller) AgentTree(w http.ResponseWriter, r *http.Request, id string) {
	shape, err := c.DB.GetTreeShape(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "tree not published")
			return
		}
		log.Printf("[controller] get tree: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch tree")
		return
	}
	cycles, err := c.DB.ListCycles(r.Context(), id, maxCycleLimit)
	if err != nil {
		log.Printf("[controller] list cycles for tree: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch cycles")
		return
	}
	last := trace.Latest(sessionCycles(cycles, shape.Session))

	if r.URL.Query().Get("format") == "text" {
		var buf bytes.Buffer
		if err := behavior.Render(&buf, shape.Nodes, last); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to render tree")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	respondJSON(w, http.StatusOK, treeResponse{Shape: shape, Last: last})
}

// sessionCycles keeps the cycles of session, oldest first.
func sessionCycles(newestFirst []trace.Cycle, session string) []trace.Cycle {
	out := make([]trace.Cycle, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		if newestFirst[i].Session == session {
			out = append(out, newestFirst[i])
		}
	}
	return out
}

func (c *Controller) AgentCycles(w http.ResponseWriter, r *http.Request, id string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxCycleLimit {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be 1..%d", maxCycleLimit))
			return
		}
		limit = n
	}
	cycles, err := c.DB.ListCycles(r.Context(), id, limit)
	if err != nil {
		log.Printf("[controller] list cycles: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	respondJSON(w, http.StatusOK, cycles)
}

func (c *Controller) AgentCommand(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := c.DB.GetAgent(r.Context(), id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		log.Printf("[controller] fetch agent for command: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch agent")
		return
	}
	c.publishCommand(w, r, mqttc.CommandTopic(id))
}

func (c *Controller) BroadcastCommand(w http.ResponseWriter, r *http.Request) {
	c.publishCommand(w, r, mqttc.TopicCommandsAll)
}

func (c *Controller) publishCommand(w http.ResponseWriter, r *http.Request, topic string) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command payload")
		return
	}
	cmd := agent.Command{Type: req.Type, Data: req.Data}
	if err := validateCommand(cmd); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode command")
		return
	}
	if c.MQTT == nil {
		respondError(w, http.StatusServiceUnavailable, "mqtt unavailable")
		return
	}
	log.Printf("[controller] command %s published to %s", cmd.Type, topic)
	c.MQTT.Publish(topic, payload)
	respondJSON(w, http.StatusAccepted, commandResponse{Topic: topic, Command: cmd})
}

func validateCommand(cmd agent.Command) error {
	switch cmd.Type {
	case "":
		return errors.New("command type required")
	case agent.CommandPause, agent.CommandResume:
		return nil
	case agent.CommandSetRate:
		var data agent.SetRateData
		if err := json.Unmarshal(cmd.Data, &data); err != nil {
			return errors.New("set_rate requires data.hz")
		}
		if data.Hz < 1 || data.Hz > agent.MaxTickHz {
			return fmt.Errorf("hz must be 1..%d", agent.MaxTickHz)
		}
		return nil
	case agent.CommandExec:
		var data agent.ExecData
		if err := json.Unmarshal(cmd.Data, &data); err != nil || data.Command == "" {
			return errors.New("exec requires data.command")
		}
		return nil
	default:
		return fmt.Errorf("unknown command type %q", cmd.Type)
	}
}
