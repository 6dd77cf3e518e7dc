package sshc

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"example.com/openrobot-bt/internal/agent"
)

const (
	agentBinaryDst  = "/usr/local/bin/bt-agent"
	agentConfigDst  = "/etc/bt-agent/config.yaml"
	agentServiceDst = "/etc/systemd/system/bt-agent.service"
)

type HostSpec struct {
	Addr         string
	User         string
	PrivateKey   []byte
	Password     string
	UseSudo      bool
	SudoPassword string
}

func authMethods(h HostSpec) ([]ssh.AuthMethod, error) {
	if h.Addr == "" || h.User == "" {
		return nil, fmt.Errorf("host addr and user required")
	}
	var methods []ssh.AuthMethod
	if len(h.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(bytes.TrimSpace(h.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if h.Password != "" {
		methods = append(methods, ssh.Password(h.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no auth methods provided")
	}
	return methods, nil
}

// Dial opens an SSH connection to h. Host keys are not verified.
func Dial(h HostSpec) (*ssh.Client, error) {
	methods, err := authMethods(h)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", h.Addr, &ssh.ClientConfig{
		User:            h.User,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", h.Addr, err)
	}
	return client, nil
}

type remoteFile struct {
	tmp  string
	dst  string
	mode os.FileMode
	data []byte
}

func installFiles(cfg agent.Config, agentBinary []byte) ([]remoteFile, error) {
	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return []remoteFile{
		{dst: agentBinaryDst, mode: 0o755, data: agentBinary},
		{dst: agentConfigDst, mode: 0o644, data: cfgBytes},
		{dst: agentServiceDst, mode: 0o644, data: []byte(systemdUnit)},
	}, nil
}

func installScript(files []remoteFile, useSudo bool) string {
	commands := []string{"set -e"}
	if useSudo {
		for _, file := range files {
			mode := fmt.Sprintf("%04o", file.mode.Perm())
			commands = append(commands,
				fmt.Sprintf("install -D -m %s %s %s", mode, file.tmp, file.dst),
				fmt.Sprintf("rm -f %s", file.tmp))
		}
	}
	commands = append(commands,
		"systemctl daemon-reload",
		"systemctl enable bt-agent",
		"systemctl restart bt-agent",
	)
	return strings.Join(commands, " && ")
}

// InstallAgent uploads the agent binary/config/service and enables the unit remotely.
func InstallAgent(h HostSpec, cfg agent.Config, agentBinary []byte) error {
	client, err := Dial(h)
	if err != nil {
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sftpClient.Close()

	files, err := installFiles(cfg, agentBinary)
	if err != nil {
		return err
	}
	if h.UseSudo {
		for i := range files {
			files[i].tmp = fmt.Sprintf("/tmp/bt-agent-%d-%d", time.Now().UnixNano(), i)
			if err := writeRemoteFile(sftpClient, files[i].tmp, files[i].data, 0o600); err != nil {
				return err
			}
		}
	} else {
		for _, file := range files {
			if err := sftpClient.MkdirAll(filepath.Dir(file.dst)); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(file.dst), err)
			}
			if err := writeRemoteFile(sftpClient, file.dst, file.data, file.mode); err != nil {
				return err
			}
		}
	}

	if err := runRemote(client, installScript(files, h.UseSudo), h.SudoPassword, h.UseSudo); err != nil {
		return fmt.Errorf("run remote command: %w", err)
	}
	log.Printf("[ssh] installed bt-agent %s on %s", cfg.AgentID, h.Addr)
	return nil
}

func writeRemoteFile(c *sftp.Client, path string, data []byte, perm os.FileMode) error {
	f, err := c.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("open remote file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write remote file %s: %w", path, err)
	}
	if err := c.Chmod(path, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}

func runRemote(client *ssh.Client, script, sudoPassword string, useSudo bool) error {
	sess, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()
	var output bytes.Buffer
	sess.Stdout = &output
	sess.Stderr = &output
	cmd := fmt.Sprintf("bash -lc %q", script)
	if useSudo {
		if sudoPassword == "" {
			return fmt.Errorf("sudo password required")
		}
		stdin, err := sess.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		cmd = fmt.Sprintf("sudo -S -p '' %s", cmd)
		go func() {
			defer stdin.Close()
			io.WriteString(stdin, sudoPassword+"\n")
		}()
	}
	if err := sess.Run(cmd); err != nil {
		return fmt.Errorf("command failed: %w (output: %s)", err, output.String())
	}
	return nil
}

const systemdUnit = `[Unit]
Description=Behavior tree agent
After=network-online.target

[Service]
Environment=AGENT_CONFIG_PATH=` + agentConfigDst + `
ExecStart=` + agentBinaryDst + `
Restart=always

[Install]
WantedBy=multi-user.target
`

// DetectArch connects to the host and returns the architecture (amd64, arm64).
func DetectArch(h HostSpec) (string, error) {
	client, err := Dial(h)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	out, err := session.Output("uname -m")
	if err != nil {
		return "", fmt.Errorf("uname -m: %w", err)
	}
	return normalizeArch(string(out)), nil
}

func normalizeArch(uname string) string {
	switch arch := strings.TrimSpace(uname); arch {
	case "x86_64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	default:
		return arch
	}
}
