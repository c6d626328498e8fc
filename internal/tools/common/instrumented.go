package common

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/authbridge/mailmcp/internal/instrumentation"
	"github.com/authbridge/mailmcp/internal/server"
)

// ToolHandler is the signature mcp-go expects for tool handlers. It is an
// alias so wrapped handlers stay assignable to server.ToolHandlerFunc.
type ToolHandler = func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)

// InstrumentedToolHandler wraps a tool handler with a span, invocation
// metrics, and an audit record carrying the calling subject.
//
// Usage:
//
//	s.AddTool(myTool, common.InstrumentedToolHandler("my_tool", sc, handler))
func InstrumentedToolHandler(toolName string, sc *server.ServerContext, handler ToolHandler) ToolHandler {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, span := instrumentation.StartToolSpan(ctx, toolName)
		defer span.End()

		start := time.Now()
		invocation := instrumentation.NewToolInvocation(toolName).
			WithSpanContext(ctx)

		if id, ok := server.IdentityFromContext(ctx); ok {
			invocation.WithSubject(id.Subject)
		}

		result, err := handler(ctx, request)
		duration := time.Since(start)

		// A handler error and a tool-level error result both count as
		// failures; MCP clients only ever see the latter.
		status := instrumentation.StatusSuccess
		if err != nil || (result != nil && result.IsError) {
			status = instrumentation.StatusError
			invocation.Complete(false, err)
			instrumentation.SetSpanError(span, err)
		} else {
			invocation.Complete(true, nil)
			instrumentation.SetSpanSuccess(span)
		}

		sc.Metrics().RecordToolInvocation(ctx, toolName, status, duration)
		sc.Audit().LogToolInvocation(invocation)

		return result, err
	}
}
