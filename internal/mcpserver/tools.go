// Package mcpserver registers MCP tools that expose the Graph tool set.
// Calls are routed through the dispatcher so MCP callers get the same
// validation, credential handling, and error taxonomy as /rpc callers.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/graphgate/internal/dispatch"
)

// RegisterTools adds all Graph tools to the given MCP server.
func RegisterTools(server *mcp.Server, d *dispatch.Dispatcher) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "account_info",
		Description: "Show the linked account's identity: id, name, email, and token expiry.",
	}, handler[AccountInfoInput](d, "account_info"))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_pages",
		Description: "List the pages managed by the linked account with id, name, category, and fan count.",
	}, handler[ListPagesInput](d, "list_pages"))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "page_details",
		Description: "Show details for one managed page: name, about, category, fan count, link.",
	}, handler[PageDetailsInput](d, "page_details"))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_posts",
		Description: "List recent posts on a managed page with message, timestamp, and permalink.",
	}, handler[ListPostsInput](d, "list_posts"))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_post",
		Description: "Publish a post to a managed page. Returns the new post id.",
	}, handler[CreatePostInput](d, "create_post"))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "post_comments",
		Description: "List comments on a post. Post ids are of the form <page_id>_<post_id>.",
	}, handler[PostCommentsInput](d, "post_comments"))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// AccountInfoInput has no parameters.
type AccountInfoInput struct{}

// ListPagesInput holds parameters for list_pages.
type ListPagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of pages to return, defaults to 25"`
}

// PageDetailsInput holds parameters for page_details.
type PageDetailsInput struct {
	PageID string `json:"page_id" jsonschema:"required,id of a managed page"`
}

// ListPostsInput holds parameters for list_posts.
type ListPostsInput struct {
	PageID string `json:"page_id" jsonschema:"required,id of a managed page"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of posts to return, defaults to 25"`
}

// CreatePostInput holds parameters for create_post.
type CreatePostInput struct {
	PageID  string `json:"page_id" jsonschema:"required,id of a managed page"`
	Message string `json:"message" jsonschema:"required,post body text"`
	Link    string `json:"link,omitempty" jsonschema:"optional URL to attach to the post"`
}

// PostCommentsInput holds parameters for post_comments.
type PostCommentsInput struct {
	PostID string `json:"post_id" jsonschema:"required,post id of the form <page_id>_<post_id>"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of comments to return, defaults to 25"`
}

var envelopeSeq atomic.Uint64

func nextEnvelopeID() string {
	return fmt.Sprintf("mcp-%d", envelopeSeq.Add(1))
}

// handler adapts one dispatcher tool to the MCP SDK's handler interface.
func handler[In any](d *dispatch.Dispatcher, tool string) mcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input In) (*mcp.CallToolResult, any, error) {
		params, err := json.Marshal(input)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding params: %w", err)
		}

		resp := d.Dispatch(ctx, &dispatch.Envelope{
			ID:     nextEnvelopeID(),
			Tool:   tool,
			Params: params,
		})
		if resp.Error != nil {
			return nil, nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}

		return textResult(resp.Result), resp.Result, nil
	}
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
