// Package mailtools registers the Gmail account tools: linking and
// unlinking a refresh token, and listing the caller's recent inbox
// messages through the token broker.
package mailtools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/authbridge/mailmcp/internal/broker"
	"github.com/authbridge/mailmcp/internal/credstore"
	"github.com/authbridge/mailmcp/internal/gmail"
	"github.com/authbridge/mailmcp/internal/logging"
	"github.com/authbridge/mailmcp/internal/server"
	"github.com/authbridge/mailmcp/internal/tools/common"
)

const (
	msgNotConfigured = "Gmail is not configured. Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET " +
		"on the server, then use link_my_gmail with a refresh token."
	msgNotAuthenticatedLink = "You must be authenticated to link Gmail."
	msgNotAuthenticatedList = "You must be authenticated to list emails."
	msgLinked               = "Gmail linked successfully. You can now use list_my_recent_emails."
	msgUnlinked             = "Gmail unlinked. Your stored credentials have been removed."
	msgNotLinked            = "No Gmail account is linked for your user. Use link_my_gmail with your " +
		"Google OAuth refresh token (e.g. from https://developers.google.com/oauthplayground, scope: gmail.readonly)."
	msgRevoked = "Your Gmail authorization is no longer valid. Re-link with link_my_gmail " +
		"using a fresh refresh token, or unlink_my_gmail to remove the stored one."
	msgNoEmails = "No emails found."

	snippetLimit = 120
)

// RegisterMailTools registers link_my_gmail, unlink_my_gmail, and
// list_my_recent_emails.
func RegisterMailTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	linkTool := mcp.NewTool("link_my_gmail",
		mcp.WithDescription("Link your Gmail account to this MCP server for the logged-in user. "+
			"Provide the Google OAuth refresh token (e.g. from OAuth 2.0 Playground)."),
		mcp.WithString("refresh_token",
			mcp.Required(),
			mcp.Description("Google OAuth refresh token with the gmail.readonly scope"),
		),
	)
	s.AddTool(linkTool, common.InstrumentedToolHandler("link_my_gmail", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleLink(ctx, request, sc)
		}))

	unlinkTool := mcp.NewTool("unlink_my_gmail",
		mcp.WithDescription("Remove your stored Gmail credentials from this MCP server."),
	)
	s.AddTool(unlinkTool, common.InstrumentedToolHandler("unlink_my_gmail", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleUnlink(ctx, sc)
		}))

	listTool := mcp.NewTool("list_my_recent_emails",
		mcp.WithDescription("List the most recent emails from the authenticated user's Gmail inbox."),
		mcp.WithNumber("max_results",
			mcp.Description(fmt.Sprintf("Number of messages to return (default: %d, max: %d)",
				gmail.DefaultMaxResults, gmail.MaxResultsCeiling)),
		),
	)
	s.AddTool(listTool, common.InstrumentedToolHandler("list_my_recent_emails", sc,
		func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return handleListRecent(ctx, request, sc)
		}))

	return nil
}

func handleLink(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	if sc.Broker() == nil {
		return mcp.NewToolResultText(msgNotConfigured), nil
	}

	id, ok := server.IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultText(msgNotAuthenticatedLink), nil
	}

	refreshToken, _ := request.GetArguments()["refresh_token"].(string)
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return mcp.NewToolResultError("refresh_token is required"), nil
	}

	if err := sc.Store().Link(id.Subject, refreshToken); err != nil {
		sc.Logger().Error("linking gmail failed",
			logging.SubjectHash(id.Subject), logging.Err(err))
		return mcp.NewToolResultError("Failed to store your Gmail credentials. Try again."), nil
	}

	return mcp.NewToolResultText(msgLinked), nil
}

func handleUnlink(ctx context.Context, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id, ok := server.IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultText(msgNotAuthenticatedLink), nil
	}

	switch err := sc.Store().Unlink(id.Subject); {
	case err == nil:
		return mcp.NewToolResultText(msgUnlinked), nil
	case errors.Is(err, credstore.ErrNotLinked):
		return mcp.NewToolResultText("No Gmail account is linked for your user."), nil
	default:
		sc.Logger().Error("unlinking gmail failed",
			logging.SubjectHash(id.Subject), logging.Err(err))
		return mcp.NewToolResultError("Failed to remove your Gmail credentials. Try again."), nil
	}
}

func handleListRecent(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	if sc.Broker() == nil {
		return mcp.NewToolResultText(msgNotConfigured), nil
	}

	id, ok := server.IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultText(msgNotAuthenticatedList), nil
	}

	maxResults := 0
	if v, ok := request.GetArguments()["max_results"].(float64); ok {
		maxResults = int(v)
	}

	accessToken, err := sc.Broker().AccessToken(ctx, id.Subject)
	if err != nil {
		return brokerErrorResult(sc, id.Subject, err), nil
	}

	messages, err := listRecent(ctx, sc, accessToken, maxResults)
	if err != nil {
		// A cached token the provider no longer accepts gets one fresh
		// exchange before giving up.
		var apiErr *gmail.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == gmail.KindAuthExpired {
			accessToken, err = sc.Broker().ForceRefresh(ctx, id.Subject)
			if err != nil {
				return brokerErrorResult(sc, id.Subject, err), nil
			}
			messages, err = listRecent(ctx, sc, accessToken, maxResults)
		}
		if err != nil {
			sc.Logger().Error("listing emails failed",
				logging.SubjectHash(id.Subject), logging.Err(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list emails: %v", err)), nil
		}
	}

	if len(messages) == 0 {
		return mcp.NewToolResultText(msgNoEmails), nil
	}
	return mcp.NewToolResultText(formatMessages(messages)), nil
}

// listRecent wraps the Gmail call with operation metrics.
func listRecent(ctx context.Context, sc *server.ServerContext, accessToken string, maxResults int) ([]gmail.Message, error) {
	start := time.Now()
	messages, err := sc.Gmail().ListRecent(ctx, accessToken, maxResults)

	kind := "ok"
	if err != nil {
		kind = "unknown"
		var apiErr *gmail.APIError
		if errors.As(err, &apiErr) {
			kind = apiErr.Kind.String()
		}
	}
	sc.Metrics().RecordGmailOperation(ctx, "list_recent", kind, time.Since(start))

	return messages, err
}

// brokerErrorResult maps broker failures onto user-facing tool results.
func brokerErrorResult(sc *server.ServerContext, subject string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, credstore.ErrNotLinked):
		return mcp.NewToolResultText(msgNotLinked)
	case errors.Is(err, broker.ErrRevoked):
		return mcp.NewToolResultText(msgRevoked)
	default:
		sc.Logger().Error("token exchange failed",
			logging.SubjectHash(subject), logging.Err(err))
		return mcp.NewToolResultError("Could not obtain Gmail access right now. Try again shortly.")
	}
}

// formatMessages renders messages as a numbered list, newest first.
func formatMessages(messages []gmail.Message) string {
	lines := make([]string, 0, len(messages))
	for i, m := range messages {
		subject := m.Subject
		if subject == "" {
			subject = "(No subject)"
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] From: %s | %s\n   %s",
			i+1, subject, m.From, m.Date, truncateSnippet(m.Snippet)))
	}
	return strings.Join(lines, "\n")
}

func truncateSnippet(s string) string {
	if len(s) <= snippetLimit {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
