// Package mcp exposes the running tuner's live state as MCP tools:
// get_status (last Snapshot + strategy + gate reason), list_arms
// (the bandit's fixed arm table), and tail_actions (the tail of the
// running NDJSON tick log). Adapted from the teacher's performance-
// report server/handler pair into a control-loop introspection server.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/workload-tuner/tuner/internal/orchestrator"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server exposing introspection tools over a
// running tuner's StatusStore and tick-log file. logPath may be empty
// if the tuner was started without --log-json; tail_actions then
// returns an error result rather than failing the whole server.
func NewServer(version string, status *orchestrator.StatusStore, logPath string) *Server {
	s := server.NewMCPServer("tuner", version, server.WithLogging())

	ts := &toolset{status: status, logPath: logPath}
	registerTools(s, ts)

	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// toolset holds the live references each handler needs. A struct
// (rather than package-level state) keeps the server embeddable
// alongside a running orchestrator in the same process, and testable
// with a fake StatusStore.
type toolset struct {
	status  *orchestrator.StatusStore
	logPath string
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer, ts *toolset) {
	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("Current tuner status: last Snapshot, chosen strategy, gate reason, and applied action keys."),
	)
	s.AddTool(statusTool, ts.handleGetStatus)

	armsTool := mcp.NewTool("list_arms",
		mcp.WithDescription("The learned policy's fixed bandit arm table: index, name, and what each arm does."),
	)
	s.AddTool(armsTool, ts.handleListArms)

	tailTool := mcp.NewTool("tail_actions",
		mcp.WithDescription("Last N lines of the running NDJSON tick log. Requires the tuner to have been started with --log-json."),
		mcp.WithNumber("n",
			mcp.Description("number of recent tick-log lines to return"),
			mcp.DefaultNumber(20),
		),
	)
	s.AddTool(tailTool, ts.handleTailActions)
}
