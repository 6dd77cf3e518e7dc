package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"example.com/openrobot-bt/internal/agent"
)

func main() {
	cfgPath := os.Getenv("AGENT_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/etc/bt-agent/config.yaml"
	}
	cfg, err := agent.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.WorkspacePath != "" {
		log.Printf("[agent] workspace path: %s", cfg.WorkspacePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := agent.NewAgentEngine(cfg, nil)
	engine.Start(ctx)
	log.Println("[agent] shutting down")
}
