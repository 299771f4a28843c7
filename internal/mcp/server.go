// Package mcp exposes scans, risk assessments and health checks as Model
// Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/entity"
	"github.com/lvonguyen/repsentinel/internal/health"
	"github.com/lvonguyen/repsentinel/internal/pipeline"
	"github.com/lvonguyen/repsentinel/internal/prediction"
	"github.com/lvonguyen/repsentinel/internal/repository"
)

// Scanner runs one ingestion for an entity.
type Scanner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Assessor returns an entity's current risk.
type Assessor interface {
	Assess(ctx context.Context, entityName string) (*prediction.Assessment, error)
}

// HealthChecker runs the pipeline health checks.
type HealthChecker interface {
	Run(ctx context.Context) []repository.HealthRecord
}

// Server wraps an MCPServer with the pipeline's collaborators. Any of them
// may be nil, in which case the matching tool returns an error result.
type Server struct {
	mcp      *mcpserver.MCPServer
	scanner  Scanner
	assessor Assessor
	health   HealthChecker
	logger   *zap.Logger
}

// NewServer registers the scan_entity, risk_assessment and health_report
// tools.
func NewServer(scanner Scanner, assessor Assessor, checker HealthChecker, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scanner:  scanner,
		assessor: assessor,
		health:   checker,
		logger:   logger.Named("mcp"),
	}

	srv := mcpserver.NewMCPServer(
		"repsentinel",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	srv.AddTool(scanEntityTool(), s.handleScanEntity)
	srv.AddTool(riskAssessmentTool(), s.handleRiskAssessment)
	srv.AddTool(healthReportTool(), s.handleHealthReport)

	s.mcp = srv
	return s
}

// MCPServer returns the underlying server for ServeStdio.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcp
}

func scanEntityTool() mcpgo.Tool {
	return mcpgo.NewTool("scan_entity",
		mcpgo.WithDescription("Search every enabled source for mentions of an entity, classify them and persist new threats. Returns the run summary."),
		mcpgo.WithString("entity",
			mcpgo.Required(),
			mcpgo.Description("Entity name, at least 2 characters (e.g. 'Jane Smith')"),
		),
		mcpgo.WithString("type",
			mcpgo.Description("Entity type: person, company or brand (default: person)"),
		),
		mcpgo.WithString("keywords",
			mcpgo.Description("Comma-separated context keywords added to the search terms"),
		),
		mcpgo.WithNumber("max_depth",
			mcpgo.Description("Recursive expansion depth through related entities, 0-2 (default: 0)"),
		),
		mcpgo.WithOpenWorldHintAnnotation(true),
	)
}

func riskAssessmentTool() mcpgo.Tool {
	return mcpgo.NewTool("risk_assessment",
		mcpgo.WithDescription("Return the overall risk score and recent predictions for an entity."),
		mcpgo.WithString("entity",
			mcpgo.Required(),
			mcpgo.Description("Entity name"),
		),
		mcpgo.WithReadOnlyHintAnnotation(true),
	)
}

func healthReportTool() mcpgo.Tool {
	return mcpgo.NewTool("health_report",
		mcpgo.WithDescription("Run the pipeline health checks and report each result with a suggested fix."),
	)
}

func (s *Server) handleScanEntity(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.scanner == nil {
		return mcpgo.NewToolResultError("scanner is unavailable"), nil
	}

	name := strings.TrimSpace(req.GetString("entity", ""))
	if name == "" {
		return mcpgo.NewToolResultError("entity is required"), nil
	}

	scan := pipeline.Request{
		Entity:   name,
		Type:     entity.Type(req.GetString("type", "")),
		Keywords: splitList(req.GetString("keywords", "")),
		MaxDepth: req.GetInt("max_depth", 0),
	}

	res, err := s.scanner.Run(ctx, scan)
	if errors.Is(err, pipeline.ErrInvalidEntity) {
		return mcpgo.NewToolResultErrorf("invalid entity: %s", err.Error()), nil
	}
	if err != nil {
		s.logger.Error("Scan tool failed", zap.String("entity", name), zap.Error(err))
		return mcpgo.NewToolResultErrorf("scan failed: %s", err.Error()), nil
	}

	return toolResultJSON(map[string]any{
		"run_id":     res.RunID,
		"entity":     res.EntityName,
		"terms":      res.Terms,
		"raw_count":  res.RawCount,
		"matched":    res.Matched,
		"persisted":  res.Persisted,
		"duplicates": res.Duplicates,
		"partial":    res.Partial,
		"summary":    res.Summary,
	})
}

func (s *Server) handleRiskAssessment(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.assessor == nil {
		return mcpgo.NewToolResultError("prediction engine is unavailable"), nil
	}

	a, err := s.assessor.Assess(ctx, req.GetString("entity", ""))
	if errors.Is(err, entity.ErrInvalidName) {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	if err != nil {
		return mcpgo.NewToolResultErrorf("assessment failed: %s", err.Error()), nil
	}
	return toolResultJSON(a)
}

func (s *Server) handleHealthReport(ctx context.Context, _ mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	if s.health == nil {
		return mcpgo.NewToolResultError("health monitor is unavailable"), nil
	}

	records := s.health.Run(ctx)
	return toolResultJSON(map[string]any{
		"healthy": health.Healthy(records),
		"checks":  records,
	})
}

func toolResultJSON(v any) (*mcpgo.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshaling result: %w", err)
	}
	return mcpgo.NewToolResultText(string(b)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
