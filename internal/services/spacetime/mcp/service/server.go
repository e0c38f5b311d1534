// Package service runs the spacetime MCP server over stdio or streamable
// HTTP. Tool semantics live in package domain.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/spacetime/internal/services/spacetime/mcp/domain"
	"github.com/louisbranch/spacetime/internal/services/spacetime/query"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "spacetime"
	serverVersion = "0.1.0"

	defaultHTTPAddr = "localhost:8085"
	shutdownTimeout = 5 * time.Second
)

// TransportKind selects how the MCP server talks to clients.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// Config configures Serve.
type Config struct {
	Transport TransportKind
	// HTTPAddr is used by TransportHTTP. Defaults to localhost only.
	HTTPAddr string
}

// Server hosts the MCP tools.
type Server struct {
	mcpServer *mcp.Server
}

// New registers every tool against q.
func New(q *query.Service) (*Server, error) {
	if q == nil {
		return nil, fmt.Errorf("query service is required")
	}
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	registerTools(server, q)
	return &Server{mcpServer: server}, nil
}

func registerTools(server *mcp.Server, q *query.Service) {
	mcp.AddTool(server, domain.SessionListTool(), domain.SessionListHandler(q))
	mcp.AddTool(server, domain.SessionBranchesTool(), domain.SessionBranchesHandler(q))
	mcp.AddTool(server, domain.CallListTool(), domain.CallListHandler(q))
	mcp.AddTool(server, domain.CallSearchTool(), domain.CallSearchHandler(q))
	mcp.AddTool(server, domain.CallGetTool(), domain.CallGetHandler(q))
	mcp.AddTool(server, domain.CallChildrenTool(), domain.CallChildrenHandler(q))
	mcp.AddTool(server, domain.CallSourceTool(), domain.CallSourceHandler(q))
	mcp.AddTool(server, domain.ReplaySequenceTool(), domain.ReplaySequenceHandler(q))
	mcp.AddTool(server, domain.ReplaySubsequenceTool(), domain.ReplaySubsequenceHandler(q))
}

// Serve blocks until ctx ends or the transport closes.
func (s *Server) Serve(ctx context.Context, cfg Config) error {
	if s == nil || s.mcpServer == nil {
		return fmt.Errorf("MCP server is not configured")
	}
	switch cfg.Transport {
	case "", TransportStdio:
		return s.serveWithTransport(ctx, &mcp.StdioTransport{})
	case TransportHTTP:
		return s.serveHTTP(ctx, cfg.HTTPAddr)
	default:
		return fmt.Errorf("transport %q is not supported", cfg.Transport)
	}
}

func (s *Server) serveWithTransport(ctx context.Context, transport mcp.Transport) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.mcpServer.Run(ctx, transport)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("serve MCP: %w", err)
	}
	return nil
}

func (s *Server) serveHTTP(ctx context.Context, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.serveListener(ctx, listener)
}

func (s *Server) serveListener(ctx context.Context, listener net.Listener) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcpServer }, nil)
	httpServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	log.Printf("mcp server listening at %v", listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown MCP HTTP: %w", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve MCP HTTP: %w", err)
	}
}
