// Package cmd provides the deepmine CLI commands.
//
// Commands:
//   - serve: HTTP API server with the ingestion pipeline and SSE streaming
//   - migrate: apply database migrations and exit
//   - version: show version information
//
// The serve command handles SIGINT/SIGTERM with graceful shutdown via
// context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/n1hub/deepmine/internal/log"
)

// Execute is the main entry point for the deepmine CLI.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.New(log.Config{Level: level, JSON: os.Getenv("LOG_JSON") != ""})
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(logger)
	case "migrate":
		return runMigrate(logger)
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
	fmt.Println("deepmine - knowledge mining and grounded retrieval engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  deepmine serve [addr]  Start the HTTP API server (default: 127.0.0.1:3500)")
	fmt.Println("  deepmine migrate       Apply database migrations and exit")
	fmt.Println("  deepmine --version     Show version information")
	fmt.Println("  deepmine --help        Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY         Gemini API key (required for the gemini provider)")
	fmt.Println("  DEEPMINE_PROVIDER      Embedding provider: gemini, ollama, local")
	fmt.Println("  DATABASE_URL           Overrides the postgres_* config settings")
	fmt.Println("  DEBUG                  Enable debug logging")
	fmt.Println("  LOG_JSON               Log in JSON format")
}
