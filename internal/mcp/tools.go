package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all benchmark tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerStart(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_status",
		gomcp.WithDescription("Get the live state of the current or last benchmark run: stage, transactions generated/submitted, poll sweeps, per-node finality and the final TPS once done."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark service unreachable: %v\n\nIs it running with -listen?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_health",
		gomcp.WithDescription("Quick readiness check for the benchmark service. Checks run storage and the node backend (binary or attached RPC endpoints)."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark service unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerStart(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_start",
		gomcp.WithDescription("Start a benchmark run in the background: launch the cluster, inject the batch and measure time to convergence. This is a MUTATING operation. Unset options keep the service defaults."),
		gomcp.WithNumber("num_transactions",
			gomcp.Description("Number of transactions in the batch"),
		),
		gomcp.WithNumber("submit_rate",
			gomcp.Description("Submission rate cap in tx/s (0 = unthrottled)"),
		),
		gomcp.WithBoolean("concurrent_poll",
			gomcp.Description("Query all nodes of a sweep concurrently"),
		),
		gomcp.WithBoolean("memoize",
			gomcp.Description("Stop querying nodes that already reported a terminal status"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		payload := map[string]any{}
		args := req.GetArguments()

		if _, ok := args["num_transactions"]; ok {
			n := req.GetInt("num_transactions", -1)
			if n < 0 {
				return gomcp.NewToolResultError("num_transactions cannot be negative"), nil
			}
			payload["numTransactions"] = n
		}
		if _, ok := args["submit_rate"]; ok {
			payload["submitRate"] = req.GetFloat("submit_rate", 0)
		}
		if _, ok := args["concurrent_poll"]; ok {
			payload["concurrentPoll"] = req.GetBool("concurrent_poll", false)
		}
		if _, ok := args["memoize"]; ok {
			payload["memoize"] = req.GetBool("memoize", false)
		}

		if _, err := client.Post("/v1/start", payload); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start run failed: %v", err)), nil
		}

		lines := []string{section("Run Started")}
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, kv(k, payload[k]))
		}
		lines = append(lines, "Poll bench_status for progress.")
		return gomcp.NewToolResultText(joinLines(lines...)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_stop",
		gomcp.WithDescription("Cancel the current benchmark run. Nodes are still torn down. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if _, err := client.Post("/v1/stop", nil); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Stopping"),
			"The run was cancelled. Teardown continues; the result will be available in history.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_history",
		gomcp.WithDescription("List stored benchmark runs with throughput and failure summary (paginated, newest first)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_run_detail",
		gomcp.WithDescription("Get the full result of a stored run by ID, including per-node finality."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/history/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRun(raw)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_delete_run",
		gomcp.WithDescription("Delete a stored run and its node results. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete("/v1/history/" + id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	status := getStr(m, "status")
	if status == "idle" {
		return joinLines(section("Benchmark Status"), kv("Status", "idle"), "No run has been started yet.")
	}

	txs := getNum(m, "numTransactions")
	nodes := getNum(m, "numNodes")
	lines := joinLines(
		section("Benchmark Status"),
		kv("Run", getStr(m, "runId")),
		kv("Status", status),
		kv("Stage", getStr(m, "stage")),
		kv("Nodes", formatNumber(nodes)),
		kv("Generated", fmt.Sprintf("%s / %s", formatNumber(getNum(m, "generated")), formatNumber(txs))),
		kv("Submitted", fmt.Sprintf("%s (%s)", formatNumber(getNum(m, "submitted")), formatPct(getNum(m, "submitted"), txs))),
		kv("Sweeps", formatNumber(getNum(m, "sweeps"))),
		kv("Confirmed Nodes", fmt.Sprintf("%s / %s", formatNumber(getNum(m, "confirmed")), formatNumber(nodes))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)

	if ns, ok := m["nodeStatus"].(map[string]any); ok && len(ns) > 0 {
		names := make([]string, 0, len(ns))
		for name := range ns {
			names = append(names, name)
		}
		sort.Strings(names)
		lines += "\n\n" + section("Node Finality")
		for _, name := range names {
			lines += "\n" + kv(name, ns[name])
		}
	}

	if res, ok := m["result"].(map[string]any); ok {
		lines += "\n\n" + formatResult(res)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Benchmark Service Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				name := getStr(check, "name")
				status := getStr(check, "status")
				latencyMs := getNum(check, "latency_ms")
				errMsg := getStr(check, "error")
				line := fmt.Sprintf("  %-15s %s (%dms)", name, status, int64(latencyMs))
				if errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	total := getNum(m, "total")
	lines := joinLines(
		section("Run History"),
		kv("Total Runs", formatNumber(total)),
		"",
	)

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		lines += "\nNo runs found."
		return lines
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("\n\n### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Status", getStr(run, "status")),
			kv("Nodes", formatNumber(getNum(run, "numNodes"))),
			kv("Transactions", formatNumber(getNum(run, "numTransactions"))),
			kv("TPS", fmt.Sprintf("%.1f", getNum(run, "tps"))),
			failureLine(run),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
	}

	return lines
}

func formatRun(raw json.RawMessage) string {
	var run map[string]any
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing run: %v", err)
	}
	if getStr(run, "id") == "" {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Started", formatTime(getStr(run, "startedAt"))),
	)
	lines += "\n\n" + formatResult(run)

	if cfg, ok := run["config"].(map[string]any); ok {
		keys := make([]string, 0, len(cfg))
		for k := range cfg {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines += "\n\n" + section("Config")
		for _, k := range keys {
			switch val := cfg[k].(type) {
			case float64:
				lines += "\n" + kv(k, formatNumber(val))
			case string:
				if val != "" {
					lines += "\n" + kv(k, val)
				}
			case bool:
				lines += "\n" + kv(k, val)
			case []any:
				parts := make([]string, len(val))
				for i, p := range val {
					parts[i] = fmt.Sprint(p)
				}
				lines += "\n" + kv(k, strings.Join(parts, ", "))
			}
		}
	}

	return lines
}

// formatResult renders the throughput, latency and per-node part of a run.
func formatResult(res map[string]any) string {
	lines := joinLines(
		section("Result"),
		kv("Status", getStr(res, "status")),
		failureLine(res),
		kv("Transactions", formatNumber(getNum(res, "numTransactions"))),
		kv("Elapsed", formatMs(getNum(res, "elapsedMs"))),
		kv("TPS", fmt.Sprintf("%.1f", getNum(res, "tps"))),
		kv("Sweeps", formatNumber(getNum(res, "sweeps"))),
		kv("Target", getStr(res, "targetHash")),
	)
	if td := getStr(res, "teardownError"); td != "" {
		lines += "\n" + kv("Teardown Error", td)
	}

	if lat, ok := res["submitLatency"].(map[string]any); ok {
		lines += "\n\n" + joinLines(
			section("Submit Latency"),
			kv("Min", formatMs(getNum(lat, "min"))),
			kv("P50", formatMs(getNum(lat, "p50"))),
			kv("P95", formatMs(getNum(lat, "p95"))),
			kv("P99", formatMs(getNum(lat, "p99"))),
			kv("Max", formatMs(getNum(lat, "max"))),
		)
	}

	if nodes, ok := res["nodes"].([]any); ok && len(nodes) > 0 {
		lines += "\n\n" + section("Nodes")
		for _, n := range nodes {
			node, ok := n.(map[string]any)
			if !ok {
				continue
			}
			lines += fmt.Sprintf("\n  %-10s %-8s peers=%d queries=%d sweep=%d",
				getStr(node, "name"), getStr(node, "lastStatus"),
				int64(getNum(node, "peerCount")), int64(getNum(node, "queries")), int64(getNum(node, "sweepSuccess")))
		}
	}
	return lines
}

func failureLine(run map[string]any) string {
	kind := getStr(run, "failureKind")
	if kind == "" {
		return ""
	}
	return kv("Failure", fmt.Sprintf("%s at %s: %s", kind, getStr(run, "failedStage"), getStr(run, "errorMessage")))
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
