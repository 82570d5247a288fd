package proxy

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/relay"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// handleModels serves GET /v1/models: the union of distinct logical model
// names in OpenAI's listing shape.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	dial := string(relay.DialectOpenAI)
	if g.authenticate(ctx, dial) == nil {
		return
	}

	names, err := g.store.Catalog.SystemNames(ctx)
	if err != nil {
		g.log.Error("list_models", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"failed to list models", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	data := make([]modelEntry, 0, len(names))
	for _, name := range names {
		data = append(data, modelEntry{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "modelgate",
		})
	}

	writeJSON(ctx, map[string]any{"object": "list", "data": data})
}

// handleUsage serves GET /api/usage: token totals for the caller's key.
func (g *Gateway) handleUsage(ctx *fasthttp.RequestCtx) {
	dial := string(relay.DialectOpenAI)
	key := g.authenticate(ctx, dial)
	if key == nil {
		return
	}

	totals, err := g.store.Completions.TotalsForKey(ctx, key.ID)
	if err != nil {
		g.log.Error("usage_totals", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"failed to aggregate usage", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, map[string]any{
		"object":            "usage",
		"prompt_tokens":     totals.PromptTokens,
		"completion_tokens": totals.CompletionTokens,
		"total_tokens":      totals.PromptTokens + totals.CompletionTokens,
		"requests":          totals.Requests,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
