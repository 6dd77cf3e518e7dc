package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecOutput      = 4096
)

// HandleExec runs data.Command in the agent workspace and reports its output
// on failure. The command is killed when ctx ends or the timeout elapses.
func HandleExec(ctx context.Context, cfg Config, data ExecData) (string, error) {
	if strings.TrimSpace(data.Command) == "" {
		return "", errors.New("command is required")
	}
	timeout := defaultExecTimeout
	if data.TimeoutSec > 0 {
		timeout = time.Duration(data.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, data.Command, data.Args...)
	cmd.Dir = resolvePath(cfg.WorkspacePath, "")
	output, err := cmd.CombinedOutput()
	out := truncateOutput(strings.TrimSpace(string(output)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("%s timed out after %s", data.Command, timeout)
		}
		return out, fmt.Errorf("%s failed: %w: %s", data.Command, err, out)
	}
	log.Printf("[agent] exec %s %s succeeded", data.Command, strings.Join(data.Args, " "))
	return out, nil
}

func resolvePath(workspace, p string) string {
	if p == "" {
		if workspace == "" {
			return ""
		}
		return filepath.Clean(workspace)
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	if workspace == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(workspace, p)
}

// truncateOutput keeps the last maxExecOutput bytes, starting on a rune boundary.
func truncateOutput(s string) string {
	if len(s) <= maxExecOutput {
		return s
	}
	cut := len(s) - maxExecOutput
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

// DetectIPv4 returns the first non-loopback IPv4 address of an up interface.
func DetectIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Printf("[agent] ip detect: %v", err)
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip = ip.To4(); ip != nil {
				return ip.String()
			}
		}
	}
	return ""
}
