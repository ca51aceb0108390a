package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", "stdio", "Transport type (stdio, sse)")
	port := fs.Int("port", 8080, "HTTP port (for sse transport)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: site-mirror mcp-server [options]

Serve mirror jobs over the Model Context Protocol.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  site-mirror mcp-server -config config.yaml
  site-mirror mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_sites      List configured sites and their last mirror time
  mirror_site     Start a background mirror of a site
  get_job_status  Progress of a mirror job
  cancel_job      Cancel a running mirror job
  list_jobs       List all mirror jobs
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stderr))
}

// doMcpServer is the testable implementation of the MCP server.
// Logs go to stderr because stdio transport owns stdout.
func doMcpServer(configPath, transport string, port int, logLevel string, stderr io.Writer) int {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid log level: %s\n", logLevel)
		return 1
	}
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})

	appCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		return 1
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warnf("Config warning: %s", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig: appCfg,
		Transport: transport,
		Port:      port,
		Logger:    log,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error creating MCP server: %v\n", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warnf("Mirror jobs still running at shutdown: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Run(); err != nil {
		fmt.Fprintf(stderr, "MCP server error: %v\n", err)
		return 1
	}
	return 0
}
