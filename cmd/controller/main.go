package main

import (
	"log"
	"os"
	"strconv"

	"example.com/openrobot-bt/internal/http"
)

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "controller.db"
	}

	server, err := httpserver.NewServer(dbPath)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	if v := os.Getenv("KEEP_CYCLES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("invalid KEEP_CYCLES %q: %v", v, err)
		}
		server.Controller.KeepCycles = n
	}

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
