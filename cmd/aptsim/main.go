package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// TenantRegistration matches the payload for POST /v1/tenants
type TenantRegistration struct {
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

func main() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: aptsim tenant add <name>")
		os.Exit(1)
	}

	cmd := os.Args[1]
	subCmd := os.Args[2]
	name := os.Args[3]

	if cmd != "tenant" || subCmd != "add" {
		fmt.Println("Usage: aptsim tenant add <name>")
		os.Exit(1)
	}

	endpoint := os.Getenv("APTSIM_URL")
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}

	token := os.Getenv("APTSIM_NEW_TOKEN")

	payload := TenantRegistration{
		Name:  name,
		Token: token,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("Error encoding request: %v\n", err)
		os.Exit(1)
	}

	resp, err := http.Post(endpoint+"/v1/tenants", "application/json", bytes.NewBuffer(data))
	if err != nil {
		fmt.Printf("Error contacting daemon: %v\n", err)
		fmt.Println("Is aptsimd running?")
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}

	if resp.StatusCode != http.StatusCreated {
		fmt.Printf("Error: Server returned %s\n%s\n", resp.Status, string(body))
		os.Exit(1)
	}

	var response struct {
		TenantID string `json:"tenant_id"`
		Name     string `json:"name"`
		Token    string `json:"token,omitempty"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		fmt.Println(string(body)) // Fallback to raw output
		return
	}

	fmt.Printf("Tenant Registered: %s (%s)\n", response.Name, response.TenantID)
	if response.Token != "" {
		fmt.Printf("Token: %s\n", response.Token)
		fmt.Println("WARNING: Save this token! It will not be shown again.")
	}
}
