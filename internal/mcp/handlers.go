package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/workload-tuner/tuner/internal/policy"
)

// handleGetStatus returns the orchestrator's latest tick Status as JSON.
func (ts *toolset) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := ts.status.Get()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(data)), nil
}

// handleListArms returns the bandit's fixed arm table.
func (ts *toolset) handleListArms(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	arms := policy.ArmDescriptions()

	data, err := json.MarshalIndent(arms, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(data)), nil
}

// handleTailActions returns the last N lines of the running tick log.
func (ts *toolset) handleTailActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if ts.logPath == "" {
		return errResult("no tick log available: tuner was started without --log-json"), nil
	}

	args := getArgs(request)
	n := intArg(args, "n", 20)
	if n <= 0 {
		n = 20
	}

	lines, err := tailLines(ts.logPath, n)
	if err != nil {
		return errResult(fmt.Sprintf("read tick log: %v", err)), nil
	}
	if len(lines) == 0 {
		return newTextResult("(tick log is empty)"), nil
	}
	return newTextResult(strings.Join(lines, "\n")), nil
}

// tailLines returns at most the last n non-empty lines of path. It
// reads the whole file; tick logs are append-only NDJSON and expected
// to stay small enough for a debugging tool to load wholesale.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// getArgs safely extracts the arguments map from a CallToolRequest.
// Returns an empty map if Arguments is nil or not a map.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// stringArg extracts a string argument with a default value.
func stringArg(args map[string]interface{}, key, defaultVal string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

// intArg extracts a numeric argument (JSON numbers decode as
// float64) with a default value.
func intArg(args map[string]interface{}, key string, defaultVal int) int {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	f, ok := val.(float64)
	if !ok {
		return defaultVal
	}
	return int(f)
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
// This is returned as a tool-level error, not a transport-level JSON-RPC error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
