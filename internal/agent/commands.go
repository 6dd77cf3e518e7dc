package agent

import "encoding/json"

// Command represents a controller-issued instruction handled by an agent.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	CommandPause   = "pause"
	CommandResume  = "resume"
	CommandSetRate = "set_rate"
	CommandExec    = "exec"
)

// SetRateData changes the tick frequency of the agent's tree.
type SetRateData struct {
	Hz int `json:"hz"`
}

// ExecData describes a shell command run in the agent workspace.
type ExecData struct {
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	TimeoutSec int      `json:"timeout_sec"`
}
