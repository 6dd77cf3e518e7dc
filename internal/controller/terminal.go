package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	sshc "example.com/openrobot-bt/internal/ssh"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type terminalMessage struct {
	Type string `json:"type"` // "data" or "resize"
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// Terminal bridges a websocket to an interactive shell on the agent's host,
// using the SSH credentials stored at install time.
func (c *Controller) Terminal(w http.ResponseWriter, r *http.Request, id string) {
	a, err := c.DB.GetAgent(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	ic := a.InstallConfig
	if ic == nil || ic.Address == "" || ic.User == "" || ic.SSHKey == "" {
		respondError(w, http.StatusBadRequest, "agent ssh credentials missing")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[controller] websocket upgrade: %v", err)
		return
	}
	defer ws.Close()

	fail := func(format string, args ...any) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("error: "+fmt.Sprintf(format, args...)+"\r\n"))
	}

	addr := ic.Address
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	client, err := sshc.Dial(sshc.HostSpec{Addr: addr, User: ic.User, PrivateKey: []byte(ic.SSHKey)})
	if err != nil {
		fail("%v", err)
		return
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		fail("ssh session failed: %v", err)
		return
	}
	defer session.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 40, 80, modes); err != nil {
		fail("pty request failed: %v", err)
		return
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return
	}
	if err := session.Shell(); err != nil {
		fail("shell failed: %v", err)
		return
	}

	out := &wsWriter{ws: ws}
	go func() { _, _ = io.Copy(out, stdout) }()
	go func() { _, _ = io.Copy(out, stderr) }()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var tm terminalMessage
		if json.Unmarshal(msg, &tm) == nil {
			switch tm.Type {
			case "resize":
				_ = session.WindowChange(tm.Rows, tm.Cols)
				continue
			case "data":
				_, _ = stdin.Write([]byte(tm.Data))
				continue
			}
		}
		_, _ = stdin.Write(msg)
	}
}

// wsWriter serializes binary frames from the shell's output streams.
type wsWriter struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
