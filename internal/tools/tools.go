// Package tools implements the fixed Graph tool set exposed through the
// dispatcher. Handlers validate their own params, resolve the credential
// they need through the broker, and compose results from upstream JSON.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/graphgate/internal/dispatch"
	gerr "github.com/alexjbarnes/graphgate/internal/errors"
	"github.com/alexjbarnes/graphgate/internal/state"
)

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

// CredentialSource is the slice of the token broker the handlers use.
type CredentialSource interface {
	RequireActiveCredential() (*state.Credential, error)
	ResolveResourceCredential(ctx context.Context, pageID string) (*state.PageCredential, error)
}

// Caller issues authenticated Graph calls.
type Caller interface {
	Call(ctx context.Context, method, path, accessToken string, params url.Values) ([]byte, error)
}

// Deps carries everything a handler needs.
type Deps struct {
	Broker CredentialSource
	Graph  Caller
	Logger *slog.Logger
}

// Registry builds the full tool registry for the dispatcher.
func Registry(deps Deps) map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		"account_info":  deps.accountInfo,
		"list_pages":    deps.listPages,
		"page_details":  deps.pageDetails,
		"list_posts":    deps.listPosts,
		"create_post":   deps.createPost,
		"post_comments": deps.postComments,
	}
}

// Descriptions maps tool names to the summaries surfaced over MCP.
func Descriptions() map[string]string {
	return map[string]string{
		"account_info":  "Show the linked account's identity",
		"list_pages":    "List the pages managed by the linked account",
		"page_details":  "Show details for one managed page",
		"list_posts":    "List recent posts on a managed page",
		"create_post":   "Publish a post to a managed page",
		"post_comments": "List comments on a post",
	}
}

func requireString(params json.RawMessage, field string) (string, error) {
	v := gjson.GetBytes(params, field)
	if !v.Exists() || v.String() == "" {
		return "", gerr.Newf(gerr.CodeValidation, "%s is required", field).
			WithDetails(map[string]string{"field": field})
	}

	return v.String(), nil
}

func listLimit(params json.RawMessage) int {
	limit := int(gjson.GetBytes(params, "limit").Int())
	if limit <= 0 {
		return defaultListLimit
	}

	if limit > maxListLimit {
		return maxListLimit
	}

	return limit
}

func (d Deps) accountInfo(ctx context.Context, _ json.RawMessage) (any, error) {
	cred, err := d.Broker.RequireActiveCredential()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("fields", "id,name,email")

	body, err := d.Graph.Call(ctx, http.MethodGet, "/me", cred.Token, params)
	if err != nil {
		return nil, err
	}

	me := gjson.ParseBytes(body)

	return map[string]any{
		"id":        me.Get("id").String(),
		"name":      me.Get("name").String(),
		"email":     me.Get("email").String(),
		"token_expires_at": cred.ExpiresAt,
	}, nil
}

func (d Deps) listPages(ctx context.Context, params json.RawMessage) (any, error) {
	cred, err := d.Broker.RequireActiveCredential()
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("fields", "id,name,category,fan_count")
	query.Set("limit", fmt.Sprint(listLimit(params)))

	body, err := d.Graph.Call(ctx, http.MethodGet, "/me/accounts", cred.Token, query)
	if err != nil {
		return nil, err
	}

	pages := make([]map[string]any, 0)
	for _, page := range gjson.GetBytes(body, "data").Array() {
		pages = append(pages, map[string]any{
			"id":        page.Get("id").String(),
			"name":      page.Get("name").String(),
			"category":  page.Get("category").String(),
			"fan_count": page.Get("fan_count").Int(),
		})
	}

	return map[string]any{"pages": pages}, nil
}

func (d Deps) pageDetails(ctx context.Context, params json.RawMessage) (any, error) {
	pageID, err := requireString(params, "page_id")
	if err != nil {
		return nil, err
	}

	pc, err := d.Broker.ResolveResourceCredential(ctx, pageID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("fields", "id,name,about,category,fan_count,link")

	body, err := d.Graph.Call(ctx, http.MethodGet, "/"+pageID, pc.Token, query)
	if err != nil {
		return nil, err
	}

	page := gjson.ParseBytes(body)

	return map[string]any{
		"id":        page.Get("id").String(),
		"name":      page.Get("name").String(),
		"about":     page.Get("about").String(),
		"category":  page.Get("category").String(),
		"fan_count": page.Get("fan_count").Int(),
		"link":      page.Get("link").String(),
	}, nil
}

func (d Deps) listPosts(ctx context.Context, params json.RawMessage) (any, error) {
	pageID, err := requireString(params, "page_id")
	if err != nil {
		return nil, err
	}

	pc, err := d.Broker.ResolveResourceCredential(ctx, pageID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("fields", "id,message,created_time,permalink_url")
	query.Set("limit", fmt.Sprint(listLimit(params)))

	body, err := d.Graph.Call(ctx, http.MethodGet, "/"+pageID+"/posts", pc.Token, query)
	if err != nil {
		return nil, err
	}

	posts := make([]map[string]any, 0)
	for _, post := range gjson.GetBytes(body, "data").Array() {
		posts = append(posts, map[string]any{
			"id":            post.Get("id").String(),
			"message":       post.Get("message").String(),
			"created_time":  post.Get("created_time").String(),
			"permalink_url": post.Get("permalink_url").String(),
		})
	}

	return map[string]any{"posts": posts}, nil
}

func (d Deps) createPost(ctx context.Context, params json.RawMessage) (any, error) {
	pageID, err := requireString(params, "page_id")
	if err != nil {
		return nil, err
	}

	message, err := requireString(params, "message")
	if err != nil {
		return nil, err
	}

	pc, err := d.Broker.ResolveResourceCredential(ctx, pageID)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("message", message)

	if link := gjson.GetBytes(params, "link"); link.Exists() {
		form.Set("link", link.String())
	}

	body, err := d.Graph.Call(ctx, http.MethodPost, "/"+pageID+"/feed", pc.Token, form)
	if err != nil {
		return nil, err
	}

	postID := gjson.GetBytes(body, "id").String()
	if postID == "" {
		return nil, gerr.New(gerr.CodeMalformedResponse, "publish response missing post id")
	}

	d.Logger.Info("post published", slog.String("page_id", pageID), slog.String("post_id", postID))

	return map[string]any{"post_id": postID}, nil
}

func (d Deps) postComments(ctx context.Context, params json.RawMessage) (any, error) {
	postID, err := requireString(params, "post_id")
	if err != nil {
		return nil, err
	}

	// Post ids are "<page_id>_<post_id>"; comments read with the page token.
	pageID, _, found := strings.Cut(postID, "_")
	if !found {
		return nil, gerr.New(gerr.CodeValidation, "post_id must be of the form <page_id>_<post_id>").
			WithDetails(map[string]string{"field": "post_id"})
	}

	pc, err := d.Broker.ResolveResourceCredential(ctx, pageID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("fields", "id,message,from{id,name},created_time")
	query.Set("limit", fmt.Sprint(listLimit(params)))

	body, err := d.Graph.Call(ctx, http.MethodGet, "/"+postID+"/comments", pc.Token, query)
	if err != nil {
		return nil, err
	}

	comments := make([]map[string]any, 0)
	for _, c := range gjson.GetBytes(body, "data").Array() {
		comments = append(comments, map[string]any{
			"id":           c.Get("id").String(),
			"message":      c.Get("message").String(),
			"from":         map[string]any{"id": c.Get("from.id").String(), "name": c.Get("from.name").String()},
			"created_time": c.Get("created_time").String(),
		})
	}

	return map[string]any{"comments": comments}, nil
}
