// Package mcpserver registers MCP tools that expose the sync engine.
// It adapts the syncer controller to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/alexjbarnes/bookmark-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultBookmarkLimit = 100

// Engine is the part of the sync controller the tools drive.
type Engine interface {
	SyncNow()
	Status() syncer.Status
	Bookmarks(ctx context.Context, filter string) ([]syncer.Bookmark, error)
}

// Account logs the daemon in and out. Storing new credentials is what
// wakes the engine, so the tools never touch it directly.
type Account interface {
	Login(ctx context.Context, serverURL, email, password string) (*api.User, error)
	Logout() error
}

// RegisterTools adds all sync tools to the given MCP server. The login
// and logout tools are added only when acct is non-nil.
func RegisterTools(server *mcp.Server, e Engine, acct Account) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Request a full sync with the bookmark server. Requests made while a sync is pending collapse into one run. A dormant engine first retries activation.",
	}, syncNowHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report whether syncing is active, the push channel state, the last full sync result and the last error.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_bookmarks",
		Description: "List bookmarks below the sync root folder with their folder paths. Optional case-insensitive filter on title, URL or folder.",
	}, listBookmarksHandler(e))

	if acct == nil {
		return
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "login",
		Description: "Log in to the bookmark server with email and password and store the token. A dormant engine, including one halted by a rejected token, activates with the new session.",
	}, loginHandler(acct))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "logout",
		Description: "Forget the stored token. Syncing stops until the next login.",
	}, logoutHandler(acct))
}

// --- Input types ---

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// StatusInput has no parameters.
type StatusInput struct{}

// ListBookmarksInput holds parameters for list_bookmarks.
type ListBookmarksInput struct {
	Query string `json:"query,omitempty" jsonschema:"substring to match against title, URL or folder path"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of bookmarks to return, defaults to 100"`
}

// LoginInput holds parameters for login.
type LoginInput struct {
	Email     string `json:"email" jsonschema:"account email"`
	Password  string `json:"password" jsonschema:"account password"`
	ServerURL string `json:"server_url,omitempty" jsonschema:"bookmark server URL, defaults to the stored or configured one"`
}

// LogoutInput has no parameters.
type LogoutInput struct{}

// --- Output types ---

// SyncNowResult confirms a queued sync request.
type SyncNowResult struct {
	Requested bool   `json:"requested"`
	Active    bool   `json:"active"`
	Message   string `json:"message"`
}

// LastSync describes the most recent full sync.
type LastSync struct {
	At       string `json:"at"`
	Total    int    `json:"total"`
	Created  int    `json:"created"`
	Updated  int    `json:"updated"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
	Duration string `json:"duration"`
}

// StatusResult is the sync_status output. Times are RFC 3339 strings.
type StatusResult struct {
	Active          bool      `json:"active"`
	AwaitingLogin   bool      `json:"awaiting_login"`
	Syncing         bool      `json:"syncing"`
	Channel         string    `json:"channel"`
	ChannelFailures int       `json:"channel_failures"`
	LastHeartbeat   string    `json:"last_heartbeat,omitempty"`
	LastSync        *LastSync `json:"last_sync,omitempty"`
	QueuedEvents    int       `json:"queued_events"`
	LastError       string    `json:"last_error,omitempty"`
}

// BookmarkEntry is one bookmark in list_bookmarks output.
type BookmarkEntry struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Folder string `json:"folder"`
}

// ListBookmarksResult is the list_bookmarks output.
type ListBookmarksResult struct {
	Total     int             `json:"total"`
	Truncated bool            `json:"truncated"`
	Bookmarks []BookmarkEntry `json:"bookmarks"`
}

// LoginResult confirms a stored session.
type LoginResult struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// LogoutResult confirms the token was dropped.
type LogoutResult struct {
	Message string `json:"message"`
}

// --- Handlers ---

func syncNowHandler(e Engine) mcp.ToolHandlerFor[SyncNowInput, *SyncNowResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *SyncNowResult, error) {
		e.SyncNow()

		result := &SyncNowResult{Requested: true, Active: e.Status().Active}
		if result.Active {
			result.Message = "full sync queued"
		} else {
			result.Message = "sync is not active; activation will be retried"
		}

		return textResult(result), result, nil
	}
}

func statusHandler(e Engine) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := toStatusResult(e.Status())
		return textResult(result), result, nil
	}
}

func listBookmarksHandler(e Engine) mcp.ToolHandlerFor[ListBookmarksInput, *ListBookmarksResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ListBookmarksInput) (*mcp.CallToolResult, *ListBookmarksResult, error) {
		if input.Limit < 0 {
			return nil, nil, fmt.Errorf("limit must not be negative")
		}

		limit := input.Limit
		if limit == 0 {
			limit = defaultBookmarkLimit
		}

		all, err := e.Bookmarks(ctx, strings.TrimSpace(input.Query))
		if err != nil {
			return nil, nil, fmt.Errorf("listing bookmarks: %w", err)
		}

		result := &ListBookmarksResult{Total: len(all), Bookmarks: []BookmarkEntry{}}

		for i, b := range all {
			if i == limit {
				result.Truncated = true
				break
			}

			result.Bookmarks = append(result.Bookmarks, BookmarkEntry{Title: b.Title, URL: b.URL, Folder: b.Folder})
		}

		return textResult(result), result, nil
	}
}

func loginHandler(acct Account) mcp.ToolHandlerFor[LoginInput, *LoginResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LoginInput) (*mcp.CallToolResult, *LoginResult, error) {
		email := strings.TrimSpace(input.Email)
		if email == "" || input.Password == "" {
			return nil, nil, fmt.Errorf("email and password are required")
		}

		user, err := acct.Login(ctx, strings.TrimSpace(input.ServerURL), email, input.Password)
		if err != nil {
			return nil, nil, err
		}

		result := &LoginResult{Email: user.Email, Message: "logged in; sync will activate"}

		return textResult(result), result, nil
	}
}

func logoutHandler(acct Account) mcp.ToolHandlerFor[LogoutInput, *LogoutResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ LogoutInput) (*mcp.CallToolResult, *LogoutResult, error) {
		if err := acct.Logout(); err != nil {
			return nil, nil, err
		}

		result := &LogoutResult{Message: "logged out; sync stopped"}

		return textResult(result), result, nil
	}
}

func toStatusResult(st syncer.Status) *StatusResult {
	out := &StatusResult{
		Active:          st.Active,
		AwaitingLogin:   st.AwaitingLogin,
		Syncing:         st.Syncing,
		Channel:         st.Channel,
		ChannelFailures: st.Failures,
		QueuedEvents:    st.QueuedEvents,
		LastError:       st.LastError,
	}

	if st.LastHeartbeat != nil {
		out.LastHeartbeat = st.LastHeartbeat.UTC().Format(time.RFC3339)
	}

	if st.LastSync != nil {
		out.LastSync = &LastSync{
			Total:    st.LastSync.Total,
			Created:  st.LastSync.Created,
			Updated:  st.LastSync.Updated,
			Skipped:  st.LastSync.Skipped,
			Failed:   st.LastSync.Failed,
			Duration: st.LastSync.Duration.String(),
		}

		if st.LastSyncAt != nil {
			out.LastSync.At = st.LastSyncAt.UTC().Format(time.RFC3339)
		}
	}

	return out
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
