// Consensus benchmark MCP server.
// Exposes the benchmark service API as tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	mcptools "github.com/gateway-fm/consensusbench/internal/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func main() {
	benchURL := os.Getenv("BENCH_URL")
	if benchURL == "" {
		benchURL = "http://localhost:13001"
	}

	s := server.NewMCPServer(
		"consensusbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(benchURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
