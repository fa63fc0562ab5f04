package main

import (
	"fmt"
	"os"

	"github.com/hyperion-flux/aptsim/pkg/mcp"
)

func main() {
	apiURL := os.Getenv("APTSIM_URL")
	token := os.Getenv("APTSIM_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "APTSIM_TOKEN is required")
		os.Exit(1)
	}

	s := mcp.NewServer(apiURL, token)
	if err := s.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "mcp server error: %v\n", err)
		os.Exit(1)
	}
}
