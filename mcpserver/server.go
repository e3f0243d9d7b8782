package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/replbox/catalog"
	"github.com/isdmx/replbox/config"
	"github.com/isdmx/replbox/dataset"
	"github.com/isdmx/replbox/ingest"
	"github.com/isdmx/replbox/session"
	"github.com/isdmx/replbox/token"
)

// SessionManager is the slice of the session lifecycle manager the MCP
// tools need.
type SessionManager interface {
	Start(ctx context.Context, opts session.StartOptions) (session.Info, error)
	Exec(ctx context.Context, sessionID, code string, timeout time.Duration) (*session.ExecResult, error)
	StageDataset(ctx context.Context, sessionID, datasetID string, fetch dataset.FetchFunc) (*catalog.DatasetEntry, error)
	Stop(ctx context.Context, sessionID string, purge bool) error
	List() []session.Info
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	sessions  SessionManager
	cat       *catalog.Catalog
	tokens    *token.Service
	fetch     dataset.FetchFunc
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, sessions SessionManager,
	cat *catalog.Catalog, tokens *token.Service, fetch dataset.FetchFunc) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		cat:      cat,
		tokens:   tokens,
		fetch:    fetch,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.api_port", cfg.Server.APIPort),
		zap.String("sessions.image", cfg.Sessions.Image),
		zap.String("sessions.storage_mode", cfg.Sessions.StorageMode),
		zap.String("sessions.dataset_mode", cfg.Sessions.DatasetMode),
		zap.Int("sessions.exec_timeout_sec", cfg.Sessions.ExecTimeoutSec),
		zap.Int("sessions.memory_mb", cfg.Sessions.MemoryMB),
		zap.Int("artifacts.max_size_mb", cfg.Artifacts.MaxSizeMB),
	)

	s.mcpServer = server.NewMCPServer("replbox", "Session-pinned sandboxed code execution")

	s.registerStartSessionTool()
	s.registerRunCodeTool()
	s.registerStageDatasetTool()
	s.registerListArtifactsTool()
	s.registerStopSessionTool()

	return s, nil
}

// artifactView is the tool-facing shape of one artifact, with a signed
// download URL attached.
type artifactView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Mime        string `json:"mime"`
	Sha256      string `json:"sha256"`
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *MCPServer) registerStartSessionTool() {
	tool := mcp.Tool{
		Name:        "start_session",
		Description: "Start a sandboxed session with a persistent interpreter",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session identifier; generated when omitted",
				},
				"storage_mode": map[string]any{
					"type":        "string",
					"description": "Workspace backing for the session",
					"enum":        []string{config.StorageMemory, config.StorageDisk},
				},
				"dataset_mode": map[string]any{
					"type":        "string",
					"description": "How datasets reach the sandbox",
					"enum":        []string{config.DatasetNone, config.DatasetLocalReadonly, config.DatasetAPIStaged},
				},
			},
		},
	}
	s.mcpServer.AddTool(tool, s.handleStartSession)
}

func (s *MCPServer) handleStartSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := session.StartOptions{
		SessionID:   request.GetString("session_id", ""),
		StorageMode: request.GetString("storage_mode", ""),
		DatasetMode: request.GetString("dataset_mode", ""),
	}

	info, err := s.sessions.Start(ctx, opts)
	if err != nil {
		s.logger.Error("session start failed", zap.Error(err))
		return errorResult("failed to start session: %v", err), nil
	}
	return jsonResult(info)
}

func (s *MCPServer) registerRunCodeTool() {
	tool := mcp.Tool{
		Name:        "run_code",
		Description: "Execute code in a session's persistent interpreter and collect produced files as artifacts",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Target session",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"timeout_sec": map[string]any{
					"type":        "number",
					"description": "Execution bound in seconds; server default when omitted",
				},
			},
			Required: []string{"session_id", "code"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleRunCode)
}

func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	timeout := time.Duration(request.GetFloat("timeout_sec", 0) * float64(time.Second))

	s.logger.Info("code execution requested", zap.String("session_id", sessionID))

	result, execErr := s.sessions.Exec(ctx, sessionID, code, timeout)
	if execErr != nil && result == nil {
		s.logger.Error("execution failed",
			zap.String("session_id", sessionID), zap.Error(execErr))
		return errorResult("execution failed: %v", execErr), nil
	}

	s.logger.Info("code execution completed",
		zap.String("session_id", sessionID),
		zap.String("run_id", result.RunID),
		zap.Bool("success", result.Success),
		zap.Bool("timed_out", result.TimedOut),
		zap.Int("artifacts", len(result.Artifacts)))

	resp := struct {
		RunID          string             `json:"run_id"`
		Stdout         string             `json:"stdout"`
		Stderr         string             `json:"stderr"`
		Success        bool               `json:"success"`
		Error          string             `json:"error,omitempty"`
		TimedOut       bool               `json:"timed_out"`
		Artifacts      []artifactView     `json:"artifacts"`
		IngestFailures []ingest.FileError `json:"ingest_failures,omitempty"`
	}{
		RunID:          result.RunID,
		Stdout:         result.Stdout,
		Stderr:         result.Stderr,
		Success:        result.Success,
		Error:          result.Error,
		TimedOut:       result.TimedOut,
		Artifacts:      make([]artifactView, 0, len(result.Artifacts)),
		IngestFailures: result.Failures,
	}
	for _, d := range result.Artifacts {
		resp.Artifacts = append(resp.Artifacts, artifactView{
			ID:          d.ID,
			Name:        d.Name,
			Size:        d.Size,
			Mime:        d.Mime,
			Sha256:      d.Digest,
			DownloadURL: s.downloadURL(d.ID),
		})
	}
	return jsonResult(resp)
}

func (s *MCPServer) registerStageDatasetTool() {
	tool := mcp.Tool{
		Name:        "stage_dataset",
		Description: "Make a dataset available inside a session's sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Target session",
				},
				"dataset_id": map[string]any{
					"type":        "string",
					"description": "Dataset identifier",
				},
			},
			Required: []string{"session_id", "dataset_id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleStageDataset)
}

func (s *MCPServer) handleStageDataset(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	datasetID, err := request.RequireString("dataset_id")
	if err != nil {
		return nil, fmt.Errorf("dataset_id parameter is required: %w", err)
	}

	entry, err := s.sessions.StageDataset(ctx, sessionID, datasetID, s.fetch)
	if err != nil {
		s.logger.Error("dataset staging failed",
			zap.String("session_id", sessionID),
			zap.String("dataset_id", datasetID),
			zap.Error(err))
		return errorResult("failed to stage dataset: %v", err), nil
	}

	info, infoErr := s.sessionInfo(sessionID)
	if infoErr != nil {
		return errorResult("failed to stage dataset: %v", infoErr), nil
	}
	resp := struct {
		DatasetID string `json:"dataset_id"`
		Status    string `json:"status"`
		Path      string `json:"path"`
	}{
		DatasetID: datasetID,
		Status:    entry.Status,
		Path:      dataset.ContainerPath(info.DatasetMode, datasetID),
	}
	return jsonResult(resp)
}

func (s *MCPServer) registerListArtifactsTool() {
	tool := mcp.Tool{
		Name:        "list_artifacts",
		Description: "List artifacts produced by a session, with signed download URLs",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session whose artifacts to list",
				},
			},
			Required: []string{"session_id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleListArtifacts)
}

func (s *MCPServer) handleListArtifacts(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	artifacts, err := s.cat.ListArtifactsBySession(sessionID)
	if err != nil {
		s.logger.Error("artifact listing failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return errorResult("failed to list artifacts: %v", err), nil
	}

	views := make([]artifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, artifactView{
			ID:          a.ID,
			Name:        a.Name,
			Size:        a.Size,
			Mime:        a.Mime,
			Sha256:      a.Digest,
			DownloadURL: s.downloadURL(a.ID),
		})
	}
	return jsonResult(struct {
		SessionID string         `json:"session_id"`
		Artifacts []artifactView `json:"artifacts"`
	}{SessionID: sessionID, Artifacts: views})
}

func (s *MCPServer) registerStopSessionTool() {
	tool := mcp.Tool{
		Name:        "stop_session",
		Description: "Stop a session and destroy its sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": map[string]any{
					"type":        "string",
					"description": "Session to stop",
				},
				"purge": map[string]any{
					"type":        "boolean",
					"description": "Also delete the host-side session directory",
				},
			},
			Required: []string{"session_id"},
		},
	}
	s.mcpServer.AddTool(tool, s.handleStopSession)
}

func (s *MCPServer) handleStopSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}
	purge := request.GetBool("purge", false)

	if err := s.sessions.Stop(ctx, sessionID, purge); err != nil {
		s.logger.Error("session stop failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return errorResult("failed to stop session: %v", err), nil
	}
	return jsonResult(struct {
		SessionID string `json:"session_id"`
		Stopped   bool   `json:"stopped"`
	}{SessionID: sessionID, Stopped: true})
}

// downloadURL signs a URL for one artifact; failures degrade to an
// empty URL rather than failing the whole tool call.
func (s *MCPServer) downloadURL(artifactID string) string {
	url, err := s.tokens.DownloadURL(s.config.Server.PublicBaseURL, artifactID)
	if err != nil {
		s.logger.Warn("failed to sign download url",
			zap.String("artifact_id", artifactID), zap.Error(err))
		return ""
	}
	return url
}

func (s *MCPServer) sessionInfo(sessionID string) (session.Info, error) {
	for _, info := range s.sessions.List() {
		if info.ID == sessionID {
			return info, nil
		}
	}
	return session.Info{}, fmt.Errorf("session not found: %s", sessionID)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: fmt.Sprintf(format, args...)},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
