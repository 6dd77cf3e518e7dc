package controller

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"example.com/openrobot-bt/internal/agent"
	"example.com/openrobot-bt/internal/db"
	sshc "example.com/openrobot-bt/internal/ssh"
)

type installAgentRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Address string `json:"address"`
	User    string `json:"user"`
	SSHKey  string `json:"ssh_key"`
	Sudo    bool   `json:"sudo"`
	SudoPwd string `json:"sudo_password"`
	TickHz  int    `json:"tick_hz"`
	Trace   string `json:"trace"`
	Backoff string `json:"reconnect_backoff"`
	Workdir string `json:"workspace_path"`
}

// agentConfig builds and validates the config the agent will be installed with.
func (req installAgentRequest) agentConfig() (agent.Config, error) {
	cfg := agent.Config{
		AgentID:       req.Name,
		Type:          req.Type,
		MQTTBroker:    agentBrokerURL(),
		TickHz:        req.TickHz,
		Trace:         req.Trace,
		WorkspacePath: req.Workdir,
	}
	if cfg.Type == "" {
		cfg.Type = "robot"
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = os.Getenv("AGENT_WORKSPACE_PATH")
	}
	if req.Backoff != "" {
		d, err := time.ParseDuration(req.Backoff)
		if err != nil {
			return cfg, err
		}
		cfg.ReconnectBackoff = d
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func (c *Controller) InstallAgent(w http.ResponseWriter, r *http.Request) {
	var req installAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if defaults, err := c.DB.GetDefaultInstallConfig(r.Context()); err == nil && defaults != nil {
		if req.User == "" {
			req.User = defaults.User
		}
		if req.SSHKey == "" {
			req.SSHKey = defaults.SSHKey
		}
	}
	if req.Name == "" || req.Address == "" || req.User == "" || req.SSHKey == "" {
		respondError(w, http.StatusBadRequest, "name, address, user, and ssh_key required")
		return
	}
	cfg, err := req.agentConfig()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	addr := req.Address
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}
	sudoPwd := req.SudoPwd
	if sudoPwd == "" {
		sudoPwd = os.Getenv("AGENT_SUDO_PASSWORD")
	}
	useSudo := req.Sudo || strings.ToLower(req.User) != "root"
	if useSudo && sudoPwd == "" {
		respondError(w, http.StatusBadRequest, "sudo password required")
		return
	}
	host := sshc.HostSpec{
		Addr:         addr,
		User:         req.User,
		PrivateKey:   []byte(req.SSHKey),
		UseSudo:      useSudo,
		SudoPassword: sudoPwd,
	}

	binaryPath := os.Getenv("AGENT_BINARY_PATH")
	if dir := os.Getenv("AGENT_BINARY_DIR"); dir != "" {
		arch, err := sshc.DetectArch(host)
		if err != nil {
			log.Printf("[controller] install agent: detect arch: %v", err)
			respondError(w, http.StatusBadGateway, connectionMessage(err))
			return
		}
		binaryPath = filepath.Join(dir, "bt-agent-linux-"+arch)
	}
	if binaryPath == "" {
		binaryPath = "/app/bt-agent"
	}
	binary, err := os.ReadFile(binaryPath)
	if err != nil {
		log.Printf("[controller] install agent: read binary: %v", err)
		respondError(w, http.StatusInternalServerError, "agent binary unavailable")
		return
	}

	if err := sshc.InstallAgent(host, cfg, binary); err != nil {
		log.Printf("[controller] install agent: ssh failure: %v", err)
		respondError(w, http.StatusBadGateway, connectionMessage(err))
		return
	}

	agentIP := req.Address
	if hostIP, _, err := net.SplitHostPort(addr); err == nil {
		agentIP = hostIP
	}
	if err := c.DB.UpsertAgentStatus(r.Context(), db.Agent{AgentID: cfg.AgentID, Name: req.Name, Type: cfg.Type, IP: agentIP, Status: "installed", TickHz: cfg.TickHz}); err != nil {
		log.Printf("[controller] install agent: upsert agent: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to update agent")
		return
	}
	if err := c.DB.UpdateAgentInstallConfig(r.Context(), cfg.AgentID, db.InstallConfig{Address: req.Address, User: req.User, SSHKey: req.SSHKey}); err != nil {
		log.Printf("[controller] install agent: persist install config: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to save install settings")
		return
	}
	a, err := c.DB.GetAgent(r.Context(), cfg.AgentID)
	if err != nil {
		log.Printf("[controller] install agent: fetch agent: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to fetch agent")
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

func connectionMessage(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no route to host") || strings.Contains(msg, "i/o timeout") {
		return "Connection failed. Please check the connection or restart the robot."
	}
	return "failed to install agent"
}

func agentBrokerURL() string {
	if v := os.Getenv("AGENT_MQTT_BROKER"); v != "" {
		return v
	}
	if v := os.Getenv("MQTT_PUBLIC_BROKER"); v != "" {
		return v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" && !strings.Contains(v, "tcp://mqtt") {
		return v
	}
	return "tcp://127.0.0.1:1883"
}
