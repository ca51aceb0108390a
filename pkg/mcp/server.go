package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/crawler"
	"github.com/Sriram-PR/site-mirror/pkg/fetch"
)

const (
	serverName    = "site-mirror"
	serverVersion = "0.4.0"
)

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig *config.AppConfig
	Transport string // "stdio" or "sse"
	Port      int
	Logger    *logrus.Logger
}

// Server exposes mirror jobs as MCP tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager

	// Shared by all jobs so request limits hold across concurrent mirrors
	transport *crawler.Transport
	stopMaint context.CancelFunc
	jobsWG    sync.WaitGroup
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("AppConfig is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	log := cfg.Logger.WithField("component", "mcp")

	s := &Server{
		mcpServer:  server.NewMCPServer(serverName, serverVersion, server.WithLogging()),
		cfg:        cfg,
		log:        log,
		jobManager: NewJobManager(),
		transport:  crawler.NewTransport(cfg.AppConfig, log),
	}
	var maintCtx context.Context
	maintCtx, s.stopMaint = context.WithCancel(context.Background())
	go s.transport.Gate.RunMaintenance(maintCtx, fetch.HostIdleTimeout)

	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("list_sites",
		mcp.WithDescription("List the configured sites and where each is mirrored"),
	), s.handleListSites)

	s.mcpServer.AddTool(mcp.NewTool("mirror_site",
		mcp.WithDescription("Start a background mirror of a configured site. Returns immediately with a job ID."),
		mcp.WithString("site_key",
			mcp.Required(),
			mcp.Description("Site key from the config file"),
		),
		mcp.WithBoolean("resume",
			mcp.Description("Keep the existing mirror and continue where the last run stopped"),
		),
	), s.handleMirrorSite)

	s.mcpServer.AddTool(mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the status and progress of a mirror job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by mirror_site"),
		),
	), s.handleGetJobStatus)

	s.mcpServer.AddTool(mcp.NewTool("cancel_job",
		mcp.WithDescription("Cancel a running mirror job"),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job ID returned by mirror_site"),
		),
	), s.handleCancelJob)

	s.mcpServer.AddTool(mcp.NewTool("list_jobs",
		mcp.WithDescription("List all mirror jobs of this server, newest first"),
	), s.handleListJobs)

	s.log.Infof("Registered %d MCP tools", 5)
}

// Run serves MCP requests on the configured transport until it fails or closes
func (s *Server) Run() error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case "sse":
		addr := fmt.Sprintf(":%d", s.cfg.Port)
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		return server.NewSSEServer(s.mcpServer).Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse)", s.cfg.Transport)
	}
}

// Shutdown cancels all jobs and waits for their crawlers to stop or ctx to end
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()
	s.stopMaint()

	done := make(chan struct{})
	go func() {
		s.jobsWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
