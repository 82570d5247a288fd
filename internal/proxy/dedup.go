package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/relay"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// reqIDPattern is the accepted ReqId shape. Anything else is a 400.
var reqIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

const replayTTL = time.Hour

// replayPayload is the shadow cache value: the rendered body together with
// the dialect it was rendered in.
type replayPayload struct {
	Format string `json:"format"`
	Body   string `json:"body"`
}

func replayKey(keyID uint, reqID string) string {
	return fmt.Sprintf("reqid:%d:%s", keyID, reqID)
}

// claim runs the dedup gate. It returns the validated ReqId (empty when the
// header is absent) and whether the pipeline should proceed. When it returns
// false the response has been written: the 400 for a malformed id, the
// replayed body for a cache hit, or the 409 for an in-flight duplicate.
//
// On a successful new-request claim, pending.ID carries the pre-created
// completion row.
func (g *Gateway) claim(
	ctx *fasthttp.RequestCtx,
	dialect relay.Dialect,
	respAd relay.ResponseAdapter,
	irReq *relay.Request,
	key *store.ApiKey,
	pending *store.Completion,
) (string, bool) {
	dial := string(dialect)
	reqID := string(ctx.Request.Header.Peek("ReqId"))
	if reqID == "" {
		return "", true
	}
	if !reqIDPattern.MatchString(reqID) {
		apierr.Write(ctx, dial, fasthttp.StatusBadRequest,
			"invalid ReqId header", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return reqID, false
	}

	// Shadow cache first: a finished replay skips the database entirely.
	if g.cache != nil {
		if raw, ok := g.cache.Get(ctx, replayKey(key.ID, reqID)); ok {
			var payload replayPayload
			if err := json.Unmarshal(raw, &payload); err == nil && payload.Format == dial {
				g.metrics.RecordDedup(store.OutcomeCacheHit)
				g.writeReplay(ctx, dialect, respAd, irReq.Stream, []byte(payload.Body))
				return reqID, false
			}
		}
	}

	result, err := g.store.ReqIDs.Claim(ctx, key.ID, reqID, pending)
	if err != nil {
		g.log.Error("claim_reqid", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"dedup check failed", apierr.TypeServerError, apierr.CodeInternalError)
		return reqID, false
	}

	switch result.Outcome {
	case store.OutcomeCacheHit:
		g.metrics.RecordDedup(store.OutcomeCacheHit)
		body := cachedBodyFor(result.Cached, dial, respAd)
		g.writeReplay(ctx, dialect, respAd, irReq.Stream, body)
		return reqID, false

	case store.OutcomeInFlight:
		g.metrics.RecordDedup(store.OutcomeInFlight)
		apierr.WriteConflict(ctx, dial, reqID, retryAfterJitter())
		return reqID, false

	default:
		g.metrics.RecordDedup(store.OutcomeNew)
		return reqID, true
	}
}

// storeReplay writes the rendered body into the shadow cache.
func (g *Gateway) storeReplay(ctx context.Context, keyID uint, reqID, format string, body []byte) {
	if g.cache == nil || len(body) == 0 {
		return
	}
	raw, err := json.Marshal(replayPayload{Format: format, Body: string(body)})
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, replayKey(keyID, reqID), raw, replayTTL); err != nil {
		g.log.Warn("replay_cache_set", slog.String("error", err.Error()))
	}
}

// cachedBodyFor returns the stored response body for a replay. When the
// stored body was rendered in another dialect the completion record is
// re-rendered in the caller's dialect instead.
func cachedBodyFor(c *store.Completion, dial string, respAd relay.ResponseAdapter) []byte {
	if c == nil {
		return nil
	}
	if c.CachedBody != "" && c.CachedFormat == dial {
		return []byte(c.CachedBody)
	}
	return respAd.Unary(reconstructResponse(c))
}

// reconstructResponse rebuilds an IR response from a stored completion. The
// stop reason is inferred from the presence of tool calls, which misses
// max_tokens and stop_sequence endings; the verbatim cached body is always
// preferred when the dialect matches.
func reconstructResponse(c *store.Completion) *relay.Response {
	resp := &relay.Response{
		ID:         fmt.Sprintf("cmpl-%d", c.ID),
		Model:      c.RequestedModel,
		StopReason: "end_turn",
		Usage: relay.Usage{
			InputTokens:  c.PromptTokens,
			OutputTokens: c.CompletionTokens,
		},
	}

	text := c.Completion
	var record struct {
		Content   string           `json:"content"`
		ToolCalls []relay.ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(text), &record); err == nil && len(record.ToolCalls) > 0 {
		text = record.Content
		resp.ToolCalls = record.ToolCalls
		resp.StopReason = "tool_use"
	}

	if rest, ok := strings.CutPrefix(text, "<think>"); ok {
		if think, after, found := strings.Cut(rest, "</think>"); found {
			resp.Thinking = think
			text = after
		}
	}
	resp.Content = text
	return resp
}

// writeReplay sends a cached body to the client. Streaming callers get the
// non-streaming body as a single SSE frame followed by the dialect's
// terminator.
func (g *Gateway) writeReplay(ctx *fasthttp.RequestCtx, dialect relay.Dialect, respAd relay.ResponseAdapter, stream bool, body []byte) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	if !stream {
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")

	var out []byte
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	if done := respAd.NewStreamEncoder("").Done(); done != nil {
		out = append(out, done...)
	}
	ctx.SetBody(out)
}
