package main

import (
	"flag"
	"fmt"
	"os"

	"chatrelay/internal/app"
)

func main() {
	cfg, err := app.LoadClientConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	serverURL := flag.String("server", cfg.ServerURL, "server base URL (e.g., http://localhost:8080)")
	wsPath := flag.String("ws-path", cfg.WSPath, "websocket path")
	username := flag.String("user", cfg.Username, "default username for the sign up prompt")
	flag.Parse()

	cfg.ServerURL, cfg.WSPath, cfg.Username = *serverURL, *wsPath, *username
	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
