package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brunobiangulo/promptmeta"
)

// Tools holds the engine used by the tool handlers.
type Tools struct {
	Engine promptmeta.Engine
}

// --- Input types ---

type ExtractInput struct {
	Path string `json:"path" jsonschema:"Absolute or working-directory relative path of the image file"`
}

type ListHistoryInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of entries to return (default 20)"`
}

type SearchHistoryInput struct {
	Query string `json:"query" jsonschema:"Words to look for in prompts and profiles"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of matches to return (default 20)"`
}

type SimilarImagesInput struct {
	ID int64 `json:"id" jsonschema:"History id of the reference image"`
	K  int   `json:"k,omitempty" jsonschema:"Number of neighbours to return (default 5)"`
}

const defaultLimit = 20

// --- Handlers ---

func (t *Tools) ExtractImageMetadata(ctx context.Context, _ *mcp.CallToolRequest, input ExtractInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Path) == "" {
		return toolError("path is required"), nil, nil
	}

	res, err := t.Engine.ExtractFile(ctx, input.Path)
	switch {
	case errors.Is(err, promptmeta.ErrImageTooLarge):
		return toolError("%s is larger than the configured image limit", input.Path), nil, nil
	case errors.Is(err, promptmeta.ErrNoMatch), errors.Is(err, promptmeta.ErrUnsupportedImage):
		return toolError("Could not extract metadata from %s: %v", input.Path, err), nil, nil
	case err != nil:
		return toolError("Failed to read %s: %v", input.Path, err), nil, nil
	}
	return toolJSON(res)
}

func (t *Tools) ListHistory(ctx context.Context, _ *mcp.CallToolRequest, input ListHistoryInput) (*mcp.CallToolResult, any, error) {
	entries, err := t.Engine.History(ctx, limitOr(input.Limit, defaultLimit))
	if err != nil {
		return toolError("Failed to list history: %v", err), nil, nil
	}
	return toolJSON(entries)
}

func (t *Tools) SearchHistory(ctx context.Context, _ *mcp.CallToolRequest, input SearchHistoryInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return toolError("query is required"), nil, nil
	}

	entries, err := t.Engine.Search(ctx, input.Query, limitOr(input.Limit, defaultLimit))
	if err != nil {
		return toolError("Failed to search history: %v", err), nil, nil
	}
	if entries == nil {
		entries = []promptmeta.Entry{}
	}
	return toolJSON(entries)
}

func (t *Tools) SimilarImages(ctx context.Context, _ *mcp.CallToolRequest, input SimilarImagesInput) (*mcp.CallToolResult, any, error) {
	entries, err := t.Engine.Similar(ctx, input.ID, limitOr(input.K, 5))
	if errors.Is(err, promptmeta.ErrRecordNotFound) {
		return toolError("No history entry with id %d", input.ID), nil, nil
	}
	if err != nil {
		return toolError("Failed to find similar images: %v", err), nil, nil
	}
	return toolJSON(entries)
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
