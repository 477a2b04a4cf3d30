package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/execution"
	"github.com/isdmx/runbox/language"
	"github.com/isdmx/runbox/limits"
)

// Executor is the part of the execution engine the server exposes.
type Executor interface {
	Submit(ctx context.Context, sub execution.Submission) (execution.Result, error)
	Cancel(id string) error
	Health(ctx context.Context) error
	Stats() execution.Stats
	Languages() []language.Profile
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   Executor
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.metrics_port", cfg.Server.MetricsPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.Int("pool.max_concurrent", cfg.Pool.MaxConcurrent),
		zap.String("pool.admission", cfg.Pool.Admission),
		zap.Int("pool.warm_per_language", cfg.Pool.WarmPerLanguage),
		zap.Int64("limits.defaults.memory_mb", cfg.Limits.Defaults.MemoryMB),
		zap.Int64("limits.defaults.timeout_ms", cfg.Limits.Defaults.TimeoutMs),
		zap.Bool("limits.allow_network", cfg.Limits.AllowNetwork),
	)

	s.mcpServer = server.NewMCPServer("runbox", "Sandboxed multi-language code execution")

	s.registerSubmitCodeTool()
	s.registerCancelSubmissionTool()
	s.registerListLanguagesTool()
	s.registerSandboxHealthTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerSubmitCodeTool() {
	ids := make([]string, 0)
	for _, p := range s.executor.Languages() {
		ids = append(ids, p.ID)
	}

	tool := mcp.Tool{
		Name:        "submit_code",
		Description: "Compile and run untrusted code in a fresh sandbox and return its classified result",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "User-provided source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Language identifier",
					"enum":        ids,
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Data fed to the program's standard input",
				},
				"submission_id": map[string]any{
					"type":        "string",
					"description": "Caller-chosen id, usable with cancel_submission (generated when omitted)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit for the run stage in milliseconds",
				},
				"memory_mb": map[string]any{
					"type":        "number",
					"description": "Memory ceiling in megabytes",
				},
				"cpu": map[string]any{
					"type":        "number",
					"description": "CPU share, in cores",
				},
				"max_processes": map[string]any{
					"type":        "number",
					"description": "Maximum number of processes and threads",
				},
				"max_output_kb": map[string]any{
					"type":        "number",
					"description": "Cap on each of stdout and stderr in kilobytes",
				},
				"test_cases": map[string]any{
					"type":        "array",
					"description": "Inputs to judge the program against, run in order in one sandbox (replaces stdin)",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"stdin":           map[string]any{"type": "string"},
							"expected_output": map[string]any{"type": "string"},
						},
						"required": []string{"expected_output"},
					},
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleSubmitCode)
}

func (s *MCPServer) registerCancelSubmissionTool() {
	tool := mcp.Tool{
		Name:        "cancel_submission",
		Description: "Cancel an in-flight submission and destroy its sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"submission_id": map[string]any{
					"type":        "string",
					"description": "Id given to submit_code",
				},
			},
			Required: []string{"submission_id"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleCancelSubmission)
}

func (s *MCPServer) registerListLanguagesTool() {
	tool := mcp.Tool{
		Name:        "list_languages",
		Description: "List the supported languages",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}

	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

func (s *MCPServer) registerSandboxHealthTool() {
	tool := mcp.Tool{
		Name:        "sandbox_health",
		Description: "Report container runtime reachability and engine load",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}

	s.mcpServer.AddTool(tool, s.handleSandboxHealth)
}

type resultResponse struct {
	SubmissionID      string `json:"submission_id"`
	Language          string `json:"language"`
	Status            string `json:"status"`
	Stdout            string `json:"stdout"`
	Stderr            string `json:"stderr"`
	StdoutTruncated   bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated   bool   `json:"stderr_truncated,omitempty"`
	ExitCode          int    `json:"exit_code"`
	Signal            string `json:"signal,omitempty"`
	Violation         string `json:"violation,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
	PeakMemoryBytes   int64  `json:"peak_memory_bytes"`
	CompileOutput     string `json:"compile_output,omitempty"`
	CompileDurationMs int64  `json:"compile_duration_ms,omitempty"`
	Error             string `json:"error,omitempty"`

	TestResults []testResultResponse `json:"test_results,omitempty"`
	PassedTests int                  `json:"passed_tests,omitempty"`
	TotalTests  int                  `json:"total_tests,omitempty"`
}

type testResultResponse struct {
	Passed          bool   `json:"passed"`
	Status          string `json:"status,omitempty"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr,omitempty"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	ExitCode        int    `json:"exit_code"`
	Violation       string `json:"violation,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
	PeakMemoryBytes int64  `json:"peak_memory_bytes"`
	Error           string `json:"error,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
}

func newResultResponse(r execution.Result) resultResponse {
	resp := resultResponse{
		SubmissionID:      r.SubmissionID,
		Language:          r.Language,
		Status:            string(r.Status),
		Stdout:            r.Stdout,
		Stderr:            r.Stderr,
		StdoutTruncated:   r.StdoutTruncated,
		StderrTruncated:   r.StderrTruncated,
		ExitCode:          r.ExitCode,
		Signal:            r.Signal,
		Violation:         string(r.Violation),
		DurationMs:        r.Duration.Milliseconds(),
		PeakMemoryBytes:   r.PeakMemoryBytes,
		CompileOutput:     r.CompileOutput,
		CompileDurationMs: r.CompileDuration.Milliseconds(),
		Error:             r.Error,
		PassedTests:       r.PassedTests,
		TotalTests:        len(r.TestResults),
	}
	for _, tr := range r.TestResults {
		resp.TestResults = append(resp.TestResults, testResultResponse{
			Passed:          tr.Passed,
			Status:          string(tr.Status),
			Stdout:          tr.Stdout,
			Stderr:          tr.Stderr,
			StdoutTruncated: tr.StdoutTruncated,
			ExitCode:        tr.ExitCode,
			Violation:       string(tr.Violation),
			DurationMs:      tr.Duration.Milliseconds(),
			PeakMemoryBytes: tr.PeakMemoryBytes,
			Error:           tr.Error,
			Skipped:         tr.Skipped,
		})
	}
	return resp
}

type testCaseArgs struct {
	TestCases []struct {
		Stdin          string `json:"stdin"`
		ExpectedOutput string `json:"expected_output"`
	} `json:"test_cases"`
}

// testCasesFromRequest returns nil when the request carries no test cases.
func testCasesFromRequest(request mcp.CallToolRequest) ([]execution.TestCase, error) {
	if _, ok := request.GetArguments()["test_cases"]; !ok {
		return nil, nil
	}
	var args testCaseArgs
	if err := request.BindArguments(&args); err != nil {
		return nil, fmt.Errorf("%w: test_cases: %v", execution.ErrInvalidSubmission, err)
	}
	cases := make([]execution.TestCase, 0, len(args.TestCases))
	for _, tc := range args.TestCases {
		cases = append(cases, execution.TestCase{Stdin: tc.Stdin, ExpectedOutput: tc.ExpectedOutput})
	}
	return cases, nil
}

type languageResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Image    string `json:"image"`
	Compiled bool   `json:"compiled"`
}

type healthResponse struct {
	Healthy   bool           `json:"healthy"`
	Error     string         `json:"error,omitempty"`
	Runtime   string         `json:"runtime"`
	Active    int64          `json:"active"`
	Queued    int64          `json:"queued"`
	Instances map[string]int `json:"instances"`
}

// handleSubmitCode handles the submit_code tool
func (s *MCPServer) handleSubmitCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	lang, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	overrides, err := overridesFromRequest(request)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", err)), nil
	}

	cases, err := testCasesFromRequest(request)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", err)), nil
	}

	sub := execution.Submission{
		ID:        request.GetString("submission_id", ""),
		Language:  lang,
		Source:    code,
		Stdin:     request.GetString("stdin", ""),
		Overrides: overrides,
		TestCases: cases,
	}

	s.logger.Info("code execution requested",
		zap.String("language", lang),
		zap.String("submission_id", sub.ID),
		zap.Int("code_len", len(code)),
		zap.Int("test_cases", len(cases)))

	result, err := s.executor.Submit(ctx, sub)
	if err != nil && result.Status == "" {
		s.logger.Warn("submission rejected", zap.String("language", lang), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Submission rejected: %v", describe(err))), nil
	}

	s.logger.Info("code execution completed",
		zap.String("submission_id", result.SubmissionID),
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	res, jsonErr := mcp.NewToolResultJSON(newResultResponse(result))
	if jsonErr != nil {
		return nil, jsonErr
	}
	res.IsError = err != nil
	return res, nil
}

// overridesFromRequest returns nil when the request sets no limit. Values
// that do not fit a budget are rejected, never clamped or dropped.
func overridesFromRequest(request mcp.CallToolRequest) (*limits.Overrides, error) {
	var (
		o   limits.Overrides
		err error
	)
	if o.CPUShare, err = positiveFloat(request, "cpu"); err != nil {
		return nil, err
	}
	if o.MemoryBytes, err = scaledInt(request, "memory_mb", limits.BytesPerMB); err != nil {
		return nil, err
	}
	timeout, err := scaledInt(request, "timeout_ms", float64(time.Millisecond))
	if err != nil {
		return nil, err
	}
	o.Timeout = time.Duration(timeout)
	if o.MaxProcesses, err = scaledInt(request, "max_processes", 1); err != nil {
		return nil, err
	}
	if o.MaxOutputBytes, err = scaledInt(request, "max_output_kb", limits.BytesPerKB); err != nil {
		return nil, err
	}

	if o.IsZero() {
		return nil, nil
	}
	return &o, nil
}

// positiveFloat reads a finite argument. Non-positive values mean unset.
func positiveFloat(request mcp.CallToolRequest, name string) (float64, error) {
	v := request.GetFloat(name, 0)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s must be a finite number", limits.ErrInvalidLimits, name)
	}
	if v <= 0 {
		return 0, nil
	}
	return v, nil
}

// scaledInt reads name, multiplies it by unit and checks the product fits
// in an int64 and is at least one unit of the result.
func scaledInt(request mcp.CallToolRequest, name string, unit float64) (int64, error) {
	v, err := positiveFloat(request, name)
	if err != nil || v == 0 {
		return 0, err
	}
	n := v * unit
	if n >= math.MaxInt64 || n < 1 {
		return 0, fmt.Errorf("%w: %s=%g is out of range", limits.ErrInvalidLimits, name, v)
	}
	return int64(n), nil
}

// describe adds a hint for errors the caller can act on.
func describe(err error) string {
	switch {
	case errors.Is(err, execution.ErrBusy):
		return fmt.Sprintf("%v (retry later)", err)
	case errors.Is(err, language.ErrUnknownLanguage):
		return fmt.Sprintf("%v (see list_languages)", err)
	default:
		return err.Error()
	}
}

// handleCancelSubmission handles the cancel_submission tool
func (s *MCPServer) handleCancelSubmission(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("submission_id")
	if err != nil {
		return nil, fmt.Errorf("submission_id parameter is required: %w", err)
	}

	if err := s.executor.Cancel(id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}
	s.logger.Info("cancel acknowledged", zap.String("submission_id", id))

	return mcp.NewToolResultJSON(map[string]any{"submission_id": id, "cancelled": true})
}

// handleListLanguages handles the list_languages tool
func (s *MCPServer) handleListLanguages(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	profiles := s.executor.Languages()
	out := make([]languageResponse, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, languageResponse{ID: p.ID, Name: p.Name, Image: p.Image, Compiled: p.Compiled()})
	}
	return mcp.NewToolResultJSON(out)
}

// handleSandboxHealth handles the sandbox_health tool
func (s *MCPServer) handleSandboxHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats := s.executor.Stats()
	resp := healthResponse{
		Healthy:   true,
		Runtime:   stats.Runtime,
		Active:    stats.Active,
		Queued:    stats.Queued,
		Instances: stats.Instances,
	}
	if err := s.executor.Health(ctx); err != nil {
		resp.Healthy = false
		resp.Error = err.Error()
	}

	res, err := mcp.NewToolResultJSON(resp)
	if err != nil {
		return nil, err
	}
	res.IsError = !resp.Healthy
	return res, nil
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

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
