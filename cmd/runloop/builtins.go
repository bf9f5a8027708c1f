package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/runloop/internal/tools"
)

// =============================================================================
// Builtin Tools
// =============================================================================
//
// Builtin tools ship with the binary. Agent definitions attach them by name
// through the tools: list; an unknown name is a configuration error.

// builtinTools returns the catalog keyed by tool name.
func builtinTools() map[string]*tools.Tool {
	return map[string]*tools.Tool{
		"current_time": currentTimeTool(),
		"web_fetch":    webFetchTool(nil),
	}
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name. Default: UTC"`
}

// currentTimeTool reports the current date and time. Safe to run in parallel
// with other tools.
func currentTimeTool() *tools.Tool {
	return &tools.Tool{
		Name:        "current_time",
		Description: "Report the current date and time, optionally in a specific timezone.",
		Schema:      tools.SchemaFor[currentTimeArgs](),
		Independent: true,
		Execute: func(ctx context.Context, args json.RawMessage, rc *tools.RunContext) tools.Outcome {
			var in currentTimeArgs
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return tools.Invalidf("parse arguments: %v", err)
				}
			}
			loc := time.UTC
			if in.Timezone != "" {
				parsed, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return tools.Invalidf("unknown timezone %q", in.Timezone)
				}
				loc = parsed
			}
			now := time.Now().In(loc)
			return tools.OkJSON(map[string]string{
				"time":     now.Format(time.RFC3339),
				"timezone": loc.String(),
			})
		},
	}
}

type webFetchArgs struct {
	URL      string `json:"url" jsonschema:"description=URL to fetch (http/https only)"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters to return. Default: 10000"`
}

// webFetchMaxChars caps how much of a fetched body is handed to the model.
const webFetchMaxChars = 10000

// webFetchTool fetches a URL and returns its body truncated to a character
// budget. The URL comes straight from the model, so every invocation
// requires approval. A nil client gets a 15s-timeout default; tests inject
// their own.
func webFetchTool(client *http.Client) *tools.Tool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &tools.Tool{
		Name:          "web_fetch",
		Description:   "Fetch the raw content of a URL without full browser automation.",
		Schema:        tools.SchemaFor[webFetchArgs](),
		NeedsApproval: tools.ApprovalAlways,
		Execute: func(ctx context.Context, args json.RawMessage, rc *tools.RunContext) tools.Outcome {
			var in webFetchArgs
			if err := json.Unmarshal(args, &in); err != nil {
				return tools.Invalidf("parse arguments: %v", err)
			}
			target, err := url.Parse(strings.TrimSpace(in.URL))
			if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
				return tools.Invalidf("url must be http or https")
			}

			limit := webFetchMaxChars
			if in.MaxChars > 0 && in.MaxChars < limit {
				limit = in.MaxChars
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
			if err != nil {
				return tools.Errf("build request: %v", err)
			}
			req.Header.Set("User-Agent", "runloop/"+version)

			resp, err := client.Do(req)
			if err != nil {
				return tools.Errf("fetch failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return tools.Errf("fetch failed: status %d", resp.StatusCode)
			}

			// Read one byte past the budget to detect truncation.
			body, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
			if err != nil {
				return tools.Errf("read body: %v", err)
			}
			content := string(body)
			truncated := false
			if len(content) > limit {
				content = content[:limit] + "..."
				truncated = true
			}

			result := map[string]any{
				"url":     target.String(),
				"status":  resp.StatusCode,
				"content": content,
			}
			if truncated {
				result["truncated"] = true
			}
			return tools.OkJSON(result)
		},
	}
}
