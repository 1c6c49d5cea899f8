package dispatch

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/delegation"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
)

// Server exposes the delegation tools over the MCP streamable-HTTP
// transport, plus a health endpoint.
type Server struct {
	dispatcher *Dispatcher
	registry   *delegation.Registry
	mcp        *server.MCPServer
}

// toolSchemas declares the input schemas of the known tools. Tools without
// an entry get an open object schema.
var toolSchemas = map[string]mcp.ToolInputSchema{
	"query_database": {
		Type: "object",
		Properties: map[string]any{
			"sql": map[string]any{
				"type":        "string",
				"description": "SQL statement to run under the caller's delegated database role",
			},
			"params": map[string]any{
				"type":        "array",
				"description": "Positional parameter values bound to $1, $2, ...",
			},
		},
		Required: []string{"sql"},
	},
	"list_tables": {
		Type: "object",
		Properties: map[string]any{
			"schema": map[string]any{"type": "string", "description": "Schema to list; defaults to the configured schema"},
		},
	},
	"describe_table": {
		Type: "object",
		Properties: map[string]any{
			"table":  map[string]any{"type": "string", "description": "Table to describe"},
			"schema": map[string]any{"type": "string", "description": "Schema of the table; defaults to the configured schema"},
		},
		Required: []string{"table"},
	},
	"get_service_ticket": {
		Type: "object",
		Properties: map[string]any{
			"target": map[string]any{
				"type":        "string",
				"description": "Service principal name of the delegation target",
			},
		},
		Required: []string{"target"},
	},
	"list_delegation_targets": {
		Type:       "object",
		Properties: map[string]any{},
	},
}

var toolDescriptions = map[string]string{
	"query_database":          "Run a SQL statement against the backing database as the calling user",
	"list_tables":             "List tables visible to the calling user",
	"describe_table":          "Describe the columns of a table",
	"get_service_ticket":      "Obtain a delegated Kerberos service ticket for the calling user",
	"list_delegation_targets": "List the service principals this gateway may delegate to",
}

// NewServer registers every enabled module tool on an MCP server.
func NewServer(cfg *config.Config, dispatcher *Dispatcher, registry *delegation.Registry) *Server {
	s := &Server{
		dispatcher: dispatcher,
		registry:   registry,
		mcp: server.NewMCPServer(
			"fastmcp-oauth",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
	}

	enabled := map[string]bool{}
	for _, tool := range cfg.MCP.EnabledTools {
		enabled[tool] = true
	}

	for _, module := range registry.List() {
		for _, tool := range module.Tools() {
			if len(enabled) > 0 && !enabled[tool] {
				logger.Debugw("tool disabled by configuration", "tool", tool, "module", module.Name())
				continue
			}
			schema, ok := toolSchemas[tool]
			if !ok {
				schema = mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}}
			}
			s.mcp.AddTool(mcp.Tool{
				Name:        tool,
				Description: toolDescriptions[tool],
				InputSchema: schema,
			}, s.toolHandler(tool))
		}
	}
	return s
}

func (s *Server) toolHandler(tool string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		bearer, _ := BearerFromContext(ctx)
		args, ok := req.Params.Arguments.(map[string]any)
		if !ok {
			args = make(map[string]any)
		}

		result, err := s.dispatcher.Dispatch(ctx, bearer, tool, args)
		if err != nil {
			_, body := ErrorPayload(err)
			encoded, marshalErr := json.Marshal(body)
			if marshalErr != nil {
				return mcp.NewToolResultError("internal error"), nil
			}
			return mcp.NewToolResultError(string(encoded)), nil
		}

		if structured, ok := result.(map[string]any); ok {
			return mcp.NewToolResultStructuredOnly(structured), nil
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError("internal error"), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(encoded))},
		}, nil
	}
}

// Handler returns the HTTP handler: the MCP streamable transport under /mcp
// and the module health report under /healthz.
func (s *Server) Handler() http.Handler {
	streamable := server.NewStreamableHTTPServer(
		s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(WithBearerFromRequest),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/mcp", streamable)
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	modules := map[string]string{}
	overall := delegation.HealthReady
	for _, module := range s.registry.List() {
		health := module.Health()
		modules[module.Name()] = string(health)
		if health != delegation.HealthReady {
			overall = delegation.HealthDegraded
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  string(overall),
		"modules": modules,
	})
}
