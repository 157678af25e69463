// Package mcptools exposes the extraction engine as Model Context Protocol tools.
package mcptools

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/brunobiangulo/promptmeta"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// New creates an MCP server with all tools registered against eng.
func New(eng promptmeta.Engine) *mcp.Server {
	tt := &Tools{Engine: eng}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "promptmeta",
		Version: Version,
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "extract_image_metadata",
		Description: "Extract the generation prompt, model version, profile and job id embedded in a PNG or JPEG produced by Midjourney or an EmProps/ComfyUI workflow",
	}, tt.ExtractImageMetadata)

	// History tools
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_history",
		Description: "List previously extracted images, newest first",
	}, tt.ListHistory)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_history",
		Description: "Search the prompts and profiles of previously extracted images by keyword and prompt similarity",
	}, tt.SearchHistory)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "similar_images",
		Description: "Find previously extracted images whose prompts are closest to the given history entry",
	}, tt.SimilarImages)

	return srv
}
