// Package prompttools registers the identity-aware greeting tool and the
// static writing-instruction prompts.
package prompttools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/authbridge/mailmcp/internal/logging"
	"github.com/authbridge/mailmcp/internal/server"
	"github.com/authbridge/mailmcp/internal/tools/common"
)

// notAuthenticatedGreeting is returned whenever the caller's identity or
// profile cannot be established. Profile lookup failures deliberately look
// the same as missing credentials.
const notAuthenticatedGreeting = "Hello! You are not authenticated."

// prompts maps prompt names to their instruction templates.
var prompts = map[string]string{
	"write_blog_post": `
Write a detailed blog post with:
- Engaging introduction
- Clear headings
- Practical examples
- Strong conclusion
`,
	"write_social_post": `
Write a short, engaging social media post with:
- Hook
- Value
- CTA
`,
	"write_video_chapters": `
Generate YouTube video chapters with:
- Timestamp format
- Clear topic labels
`,
}

// RegisterPromptTools registers greet_user and fetch_instructions.
func RegisterPromptTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	greetTool := mcp.NewTool("greet_user",
		mcp.WithDescription("Greets the authenticated user."),
	)
	s.AddTool(greetTool, common.InstrumentedToolHandler("greet_user", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleGreetUser(ctx, sc)
		}))

	fetchTool := mcp.NewTool("fetch_instructions",
		mcp.WithDescription("Fetch writing instructions for a named prompt"),
		mcp.WithString("prompt_name",
			mcp.Required(),
			mcp.Description("Prompt to fetch: write_blog_post, write_social_post, or write_video_chapters"),
		),
	)
	s.AddTool(fetchTool, common.InstrumentedToolHandler("fetch_instructions", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleFetchInstructions(request)
		}))

	return nil
}

func handleGreetUser(ctx context.Context, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	rawToken, ok := server.RawTokenFromContext(ctx)
	if !ok || sc.UserInfo() == nil {
		return mcp.NewToolResultText(notAuthenticatedGreeting), nil
	}

	info, err := sc.UserInfo().Lookup(ctx, rawToken)
	if err != nil {
		sc.Logger().Warn("userinfo lookup failed", logging.Err(err))
		return mcp.NewToolResultText(notAuthenticatedGreeting), nil
	}

	return mcp.NewToolResultText(
		fmt.Sprintf("Hello, %s! Welcome to the MCP server.", info.DisplayName())), nil
}

func handleFetchInstructions(request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	name, ok := args["prompt_name"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("prompt_name is required"), nil
	}

	template, ok := prompts[name]
	if !ok {
		return mcp.NewToolResultText(fmt.Sprintf("Prompt '%s' not found.", name)), nil
	}
	return mcp.NewToolResultText(template), nil
}
