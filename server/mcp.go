package server

import (
	"context"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"forge/router"
)

// newMCPHandler exposes the tool registry over the MCP streamable HTTP
// transport. Every registry tool becomes an MCP tool; initialize and
// tools/list come from the protocol layer for free.
func newMCPHandler(registry *router.Registry, logger *zap.Logger) http.Handler {
	s := mcpserver.NewMCPServer(serviceName, serviceVersion,
		mcpserver.WithToolCapabilities(false),
	)

	for _, tool := range registry.All() {
		s.AddTool(toolSpec(tool), toolHandler(tool, logger))
	}

	return mcpserver.NewStreamableHTTPServer(s,
		mcpserver.WithEndpointPath("/api/mcp"),
	)
}

// toolSpec translates registry metadata into an MCP tool declaration
func toolSpec(tool router.Tool) mcp.Tool {
	md := tool.Metadata()
	opts := []mcp.ToolOption{mcp.WithDescription(md.Description)}
	for _, p := range md.Parameters {
		var propOpts []mcp.PropertyOption
		if p.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if p.Description != "" {
			propOpts = append(propOpts, mcp.Description(p.Description))
		}
		switch p.Type {
		case "int":
			opts = append(opts, mcp.WithNumber(p.Name, propOpts...))
		case "bool":
			opts = append(opts, mcp.WithBoolean(p.Name, propOpts...))
		default:
			opts = append(opts, mcp.WithString(p.Name, propOpts...))
		}
	}
	return mcp.NewTool(md.Name, opts...)
}

func toolHandler(tool router.Tool, logger *zap.Logger) mcpserver.ToolHandlerFunc {
	name := tool.Metadata().Name
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if err := tool.Validate(args); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := tool.Execute(ctx, args)
		if err != nil {
			logger.Warn("mcp tool failed", zap.String("tool", name), zap.Error(err))
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}
