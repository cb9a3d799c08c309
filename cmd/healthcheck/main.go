// Package main provides a lightweight health check utility for Docker
// containers. It is statically compiled so it works in scratch-based images
// where wget and curl are unavailable.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"
)

const (
	defaultPort    = "8000"
	requestTimeout = 5 * time.Second
)

// buildAddress forms the probe target. 127.0.0.1 rather than localhost:
// scratch images have no name resolution to speak of.
func buildAddress(port string) string {
	return "127.0.0.1:" + port
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	client := &http.Client{Timeout: requestTimeout}

	resp, err := client.Get("http://" + buildAddress(port) + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	// No defer: os.Exit bypasses deferred calls.
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check returned non-OK status: %d\n", resp.StatusCode)
		os.Exit(1)
	}
}
