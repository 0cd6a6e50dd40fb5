// Package cmd provides CLI commands for agentlink.
//
// Commands:
//   - serve: HTTP API server plus the webhook delivery dispatcher
//   - mcp: Model Context Protocol server exposing the agent-facing tools
//   - migrate: apply pending database migrations and exit
//
// Signal handling and graceful shutdown are implemented for all commands
// via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/koopa0/agentlink/internal/log"
)

// Execute is the main entry point for the agentlink CLI application.
func Execute() error {
	// Initialize logger once at entry point
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(log.New(log.Config{Level: level}))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "mcp":
		return runMCP()
	case "migrate":
		return runMigrate()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("agentlink - durable conversation bridge between users and their agents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  agentlink serve [addr] Start the API server and delivery dispatcher (default: 127.0.0.1:3500)")
	fmt.Println("  agentlink mcp          Start the MCP tool server on stdio (for agent hosts)")
	fmt.Println("  agentlink migrate      Apply pending database migrations and exit")
	fmt.Println("  agentlink --version    Show version information")
	fmt.Println("  agentlink --help       Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DATABASE_URL           Optional: full PostgreSQL URL (overrides postgres_* config)")
	fmt.Println("  AGENTLINK_SECRET_KEY   Required for serve: key encrypting webhook secrets at rest")
	fmt.Println("  AGENTLINK_USER         Required for mcp: the user this tool server acts for")
	fmt.Println("  DEBUG                  Optional: enable debug logging")
}
