package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"example.com/openrobot-bt/internal/db"
)

// DefaultKeepCycles bounds the stored trace history per agent.
const DefaultKeepCycles = 500

// Publisher sends commands to agents.
type Publisher interface {
	Publish(topic string, payload []byte)
}

// Event is pushed to live clients when ingested data changes.
type Event struct {
	Type    string          `json:"type"` // "status", "shape" or "cycle"
	AgentID string          `json:"agent_id"`
	Data    json.RawMessage `json:"data"`
}

// Controller holds shared dependencies for HTTP handlers and MQTT ingestion.
type Controller struct {
	DB         *db.DB
	MQTT       Publisher
	KeepCycles int
	// Notify receives every ingested event; nil drops them.
	Notify func(Event)
}

func New(dbConn *db.DB, mqttClient Publisher) *Controller {
	return &Controller{DB: dbConn, MQTT: mqttClient, KeepCycles: DefaultKeepCycles}
}

func (c *Controller) Health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// ParseAgentPath splits /api/agents/{id}[/sub] into id and sub.
func ParseAgentPath(path string) (id, sub string, err error) {
	const prefix = "/api/agents/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", errors.New("invalid path")
	}
	tail := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if tail == "" {
		return "", "", errors.New("missing agent id")
	}
	id, sub, _ = strings.Cut(tail, "/")
	if strings.Contains(sub, "/") {
		return "", "", errors.New("invalid path")
	}
	return id, sub, nil
}
