// Package proxy is the request pipeline: authentication, per-key and
// per-model rate limits, model resolution with weighted failover, the ReqId
// dedup gate, dialect translation through the relay IR, and the streaming
// processor with its abort semantics.
//
// The distinctive contract lives in the streaming path: a client abort does
// not cancel the upstream call. The upstream context is derived from
// context.Background() with a per-attempt deadline, and after an abort the
// processor keeps draining the provider stream so the stored completion
// reflects the full response.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/cache"
	"github.com/nulpointcorp/modelgate/internal/logger"
	"github.com/nulpointcorp/modelgate/internal/metrics"
	"github.com/nulpointcorp/modelgate/internal/ratelimit"
	"github.com/nulpointcorp/modelgate/internal/relay"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/internal/tokenizer"
	"github.com/nulpointcorp/modelgate/internal/upstream"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

const maxUnaryResponseBytes = 32 << 20

// Options wires the gateway's collaborators. Metrics, Cache, AuditLogger
// and the limiters may be nil; the gateway then runs without them.
type Options struct {
	Store     *store.Store
	Upstream  *upstream.Client
	Cache     cache.Cache
	Keys      *ratelimit.KeyLimiter
	Buckets   *ratelimit.BucketLimiter
	Estimator *tokenizer.Estimator
	Metrics   *metrics.Registry
	Audit     *logger.Logger
	Log       *slog.Logger

	AdminSecret string
	CORSOrigins []string

	MaxProviderAttempts int
	SameProviderRetries int
	ProviderTimeout     time.Duration

	// RedisPing feeds the readiness probe; nil means Redis is not configured.
	RedisPing func(ctx context.Context) error
}

// Gateway is the HTTP front of the proxy pipeline.
type Gateway struct {
	store     *store.Store
	upstream  *upstream.Client
	cache     cache.Cache
	keys      *ratelimit.KeyLimiter
	buckets   *ratelimit.BucketLimiter
	estimator *tokenizer.Estimator
	metrics   *metrics.Registry
	audit     *logger.Logger
	log       *slog.Logger

	adminSecret string
	corsOrigins []string

	maxProviderAttempts int
	sameProviderRetries int
	providerTimeout     time.Duration

	redisPing func(ctx context.Context) error

	srv *fasthttp.Server
}

// New returns a Gateway. Store and Upstream are mandatory.
func New(opts Options) *Gateway {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxProviderAttempts < 1 {
		opts.MaxProviderAttempts = 3
	}
	if opts.SameProviderRetries < 0 {
		opts.SameProviderRetries = 1
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 120 * time.Second
	}
	if opts.Keys == nil {
		opts.Keys = ratelimit.NewKeyLimiter(nil)
	}
	if opts.Buckets == nil {
		opts.Buckets = ratelimit.NewBucketLimiter(nil, 0, 0)
	}
	if opts.Estimator == nil {
		opts.Estimator = tokenizer.New()
	}
	return &Gateway{
		store:               opts.Store,
		upstream:            opts.Upstream,
		cache:               opts.Cache,
		keys:                opts.Keys,
		buckets:             opts.Buckets,
		estimator:           opts.Estimator,
		metrics:             opts.Metrics,
		audit:               opts.Audit,
		log:                 log,
		adminSecret:         opts.AdminSecret,
		corsOrigins:         opts.CORSOrigins,
		maxProviderAttempts: opts.MaxProviderAttempts,
		sameProviderRetries: opts.SameProviderRetries,
		providerTimeout:     opts.ProviderTimeout,
		redisPing:           opts.RedisPing,
	}
}

// authenticate resolves the bearer into an ApiKey or writes the 401.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx, dial string) *store.ApiKey {
	key, err := g.store.Keys.Authenticate(ctx, auth.Bearer(ctx))
	if err != nil {
		g.log.Error("authenticate", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"authentication failed", apierr.TypeServerError, apierr.CodeInternalError)
		return nil
	}
	if key == nil {
		apierr.WriteAuth(ctx, dial)
		return nil
	}
	return key
}

// handleCompletion runs the full pipeline for one chat request in the given
// client dialect.
func (g *Gateway) handleCompletion(ctx *fasthttp.RequestCtx, dialect relay.Dialect, route string) {
	start := time.Now()
	dial := string(dialect)
	streaming := false

	g.metrics.IncInFlight()
	defer func() {
		if streaming {
			return // finalized by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	requestID, _ := ctx.UserValue("request_id").(string)
	bearer := auth.Bearer(ctx)

	key := g.authenticate(ctx, dial)
	if key == nil {
		return
	}

	reqAd, respAd, ok := relay.Adapters(dialect)
	if !ok {
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"unsupported dialect", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	irReq, err := reqAd.Parse(ctx.PostBody())
	if err != nil {
		var pe *relay.ParseError
		msg := "invalid request body"
		if errors.As(err, &pe) {
			msg = pe.Message
		}
		apierr.Write(ctx, dial, fasthttp.StatusBadRequest,
			msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	irReq.ExtraHeaders = forwardableHeaders(ctx)

	systemName, providerPin := SplitModelProvider(irReq.Model)
	if xp := string(ctx.Request.Header.Peek("X-Provider")); xp != "" {
		if dec, uerr := url.QueryUnescape(xp); uerr == nil && dec != "" {
			providerPin = dec
		}
	}
	irReq.Model = systemName
	irReq.TargetProvider = providerPin

	if !g.admitted(ctx, dial, key, bearer, systemName, requestID, g.estimator.CountRequest(irReq)) {
		return
	}

	targets, ok := g.resolve(ctx, dial, systemName, providerPin, store.ModelTypeChat, requestID)
	if !ok {
		return
	}

	pending := &store.Completion{
		ApiKeyID:       key.ID,
		RequestedModel: systemName,
		Prompt:         promptBlob(irReq),
	}

	reqID, claimed := g.claim(ctx, dialect, respAd, irReq, key, pending)
	if !claimed {
		return
	}
	if reqID == "" {
		if err := g.store.Completions.Create(ctx, pending); err != nil {
			g.log.Error("create_completion", slog.String("error", err.Error()))
			apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
				"failed to record request", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
	}

	g.log.Info("request",
		slog.String("request_id", requestID),
		slog.String("route", route),
		slog.String("model", systemName),
		slog.String("key", key.Comment),
		slog.Bool("stream", irReq.Stream),
	)

	resp, target, cancel, ferr := g.callWithFailover(requestID, systemName, targets,
		func(c context.Context, t upstream.Target) (*http.Response, error) {
			return g.upstream.Chat(c, t, irReq)
		})
	if ferr != nil {
		g.failPending(key.ID, reqID, pending.ID, time.Since(start))
		var se *upstream.StatusError
		if errors.As(ferr, &se) && !retriableStatus[se.Code] {
			writeVerbatim(ctx, se)
			return
		}
		apierr.WriteUpstreamExhausted(ctx, dial, g.maxProviderAttempts)
		return
	}

	if irReq.Stream {
		streaming = true
		g.serveStream(ctx, streamParams{
			start:     start,
			route:     route,
			dialect:   dialect,
			encoder:   respAd.NewStreamEncoder(systemName),
			renderer:  respAd,
			keyID:     key.ID,
			comment:   key.Comment,
			reqID:     reqID,
			pendingID: pending.ID,
			model:     systemName,
			target:    target,
			body:      resp.Body,
			cancel:    cancel,
		})
		return
	}

	g.serveUnary(ctx, dial, respAd, irReq, key, reqID, pending.ID, target, resp, cancel, start)
}

// admitted runs the per-key RPM/TPM check and the per-model token bucket.
// It writes the 429 on rejection.
//
// estTokens is the local estimate of this request's prompt cost. It never
// affects admission; the remaining-TPM header on allowed responses is
// projected past it so clients can pace themselves before the real counts
// land post-flight.
func (g *Gateway) admitted(ctx *fasthttp.RequestCtx, dial string, key *store.ApiKey, bearer, model, requestID string, estTokens int) bool {
	verdict := g.keys.Check(ctx, key.ID, key.RPMLimit, key.TPMLimit)
	if verdict.Allowed && verdict.TPMLimit > 0 && estTokens > 0 {
		verdict.TPMRemaining -= estTokens
		if verdict.TPMRemaining < 0 {
			verdict.TPMRemaining = 0
		}
	}
	setKeyLimitHeaders(ctx, verdict)
	if !verdict.Allowed {
		g.keys.RecordRejection(ctx, key.Comment, verdict.Kind)
		g.metrics.RecordRateLimitRejection(verdict.Kind)
		g.log.Warn("rate_limit_exceeded",
			slog.String("request_id", requestID),
			slog.String("key", key.Comment),
			slog.String("kind", verdict.Kind),
		)
		apierr.WriteRateLimit(ctx, dial, "Rate limit exceeded: "+verdict.Kind)
		return false
	}

	remaining, allowed := g.buckets.Consume(ctx, model, bearer, 1)
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(g.buckets.Limit(model)))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !allowed {
		g.keys.RecordRejection(ctx, key.Comment, ratelimit.KindBucket)
		g.metrics.RecordRateLimitRejection(ratelimit.KindBucket)
		apierr.WriteRateLimit(ctx, dial, "Rate limit exceeded")
		return false
	}
	return true
}

// resolve turns the logical model into the ordered failover target list,
// writing the 404/500 on failure.
func (g *Gateway) resolve(ctx *fasthttp.RequestCtx, dial, systemName, providerPin, modelType, requestID string) ([]upstream.Target, bool) {
	cands, err := g.store.Catalog.Candidates(ctx, systemName, modelType)
	if err != nil {
		g.log.Error("resolve", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"model resolution failed", apierr.TypeServerError, apierr.CodeInternalError)
		return nil, false
	}
	cands, fellBack := FilterByProvider(cands, providerPin)
	if fellBack {
		g.log.Warn("provider_pin_fallback",
			slog.String("request_id", requestID),
			slog.String("model", systemName),
			slog.String("provider", providerPin),
		)
	}
	if len(cands) == 0 {
		apierr.WriteModelNotFound(ctx, dial, systemName)
		return nil, false
	}

	ordered := OrderCandidates(cands, g.maxProviderAttempts, nil)
	targets := make([]upstream.Target, 0, len(ordered))
	for _, c := range ordered {
		targets = append(targets, targetFor(c))
	}
	return targets, true
}

// serveUnary finishes a non-streaming exchange: parse, persist, respond.
// The completion write happens before the body is sent and before TPM
// consumption.
func (g *Gateway) serveUnary(
	ctx *fasthttp.RequestCtx,
	dial string,
	respAd relay.ResponseAdapter,
	irReq *relay.Request,
	key *store.ApiKey,
	reqID string,
	pendingID uint,
	target upstream.Target,
	resp *http.Response,
	cancel context.CancelFunc,
	start time.Time,
) {
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUnaryResponseBytes))
	if err != nil {
		g.failPending(key.ID, reqID, pendingID, time.Since(start))
		apierr.Write(ctx, dial, fasthttp.StatusBadGateway,
			"failed to read upstream response", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	irResp, err := upstream.ParseUnary(target, raw)
	if err != nil {
		g.log.Error("parse_upstream",
			slog.String("provider", target.ProviderName),
			slog.String("error", err.Error()),
		)
		g.failPending(key.ID, reqID, pendingID, time.Since(start))
		apierr.Write(ctx, dial, fasthttp.StatusBadGateway,
			"invalid upstream response", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	out := respAd.Unary(irResp)
	dur := time.Since(start)

	params := store.FinalizeParams{
		Status:           store.StatusCompleted,
		ModelID:          &target.ModelID,
		Completion:       completionRecord(irResp),
		PromptTokens:     irResp.Usage.InputTokens,
		CompletionTokens: irResp.Usage.OutputTokens,
		TTFTMs:           dur.Milliseconds(),
		DurationMs:       dur.Milliseconds(),
	}
	if reqID != "" {
		params.CachedBody = string(out)
		params.CachedFormat = dial
	}
	if err := g.store.Completions.Finalize(ctx, pendingID, params); err != nil {
		g.log.Error("finalize_completion", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"failed to record completion", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if reqID != "" {
		if err := g.store.ReqIDs.Finalize(ctx, key.ID, reqID); err != nil {
			g.log.Error("finalize_reqid", slog.String("error", err.Error()))
		}
		g.storeReplay(ctx, key.ID, reqID, dial, out)
	}

	// Post-flight charge, after the completion write. Unknown counts stay
	// -1 and are never charged.
	g.keys.ConsumeTokens(ctx, key.ID, irResp.Usage.InputTokens, irResp.Usage.OutputTokens)
	g.metrics.AddTokens(target.ProviderName, irResp.Usage.InputTokens, irResp.Usage.OutputTokens)
	g.metrics.RecordCompletion(store.StatusCompleted, false)
	g.auditCompletion(pendingID, key.Comment, target, dial, store.StatusCompleted,
		irResp.Usage, dur.Milliseconds(), dur.Milliseconds(), false)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}

// streamParams carries everything the body stream writer needs. The writer
// runs after the handler returns, so it must not touch the RequestCtx.
type streamParams struct {
	start     time.Time
	route     string
	dialect   relay.Dialect
	encoder   relay.StreamEncoder
	renderer  relay.ResponseAdapter
	keyID     uint
	comment   string
	reqID     string
	pendingID uint
	model     string
	target    upstream.Target
	body      io.ReadCloser
	cancel    context.CancelFunc
}

// serveStream forwards upstream events to the client as SSE. A flush error
// means the client went away: forwarding stops but the upstream is drained
// to EOF so the stored completion reflects the full response.
func (g *Gateway) serveStream(ctx *fasthttp.RequestCtx, p streamParams) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")

	events := upstream.Events(p.body, p.target)
	sc := newStreamingContext(p.start, g.log)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer p.cancel()

		aborted := false
		got := false
		for ev := range events {
			if !got {
				got = true
				sc.FirstChunk()
				g.metrics.ObserveTTFT(p.target.ProviderName, sc.TTFT())
			}
			sc.Observe(ev)
			if aborted {
				continue // drain without forwarding
			}
			for _, frame := range p.encoder.Encode(ev) {
				if _, err := w.Write(frame); err != nil {
					aborted = true
					break
				}
			}
			if !aborted {
				if err := w.Flush(); err != nil {
					aborted = true
				}
			}
		}

		state := stateCompleted
		switch {
		case aborted:
			state = stateAborted
		case !got:
			state = stateFailed
		}
		sc.Finish(state)

		if !aborted {
			if !got {
				w.Write(p.encoder.ErrorFrame("no chunk received from upstream", apierr.TypeProviderError)) //nolint:errcheck
			}
			if done := p.encoder.Done(); done != nil {
				w.Write(done) //nolint:errcheck
			}
			w.Flush() //nolint:errcheck
		}

		g.finalizeStream(sc, p, state)

		dur := time.Since(p.start)
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(p.route, fasthttp.StatusOK, dur)
	})
}

// finalizeStream writes the terminal completion, resolves the dedup entry,
// and charges TPM. It runs at most once per request; the client connection
// may already be gone, so all I/O uses a background context.
func (g *Gateway) finalizeStream(sc *StreamingContext, p streamParams, state streamState) {
	if !sc.MarkSaved() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	final := sc.Response(p.model)
	dur := time.Since(p.start)

	status := store.StatusCompleted
	switch state {
	case stateAborted:
		status = store.StatusAborted
	case stateFailed:
		status = store.StatusFailed
	}

	params := store.FinalizeParams{
		Status:           status,
		ModelID:          &p.target.ModelID,
		Completion:       completionRecord(final),
		PromptTokens:     final.Usage.InputTokens,
		CompletionTokens: final.Usage.OutputTokens,
		TTFTMs:           sc.TTFT().Milliseconds(),
		DurationMs:       dur.Milliseconds(),
	}
	if sc.TTFT() < 0 {
		params.TTFTMs = -1
	}

	var cachedBody []byte
	if status == store.StatusCompleted && p.reqID != "" {
		cachedBody = p.renderer.Unary(final)
		params.CachedBody = string(cachedBody)
		params.CachedFormat = string(p.dialect)
	}

	if err := g.store.Completions.Finalize(ctx, p.pendingID, params); err != nil {
		g.log.Error("finalize_completion", slog.String("error", err.Error()))
	}
	if p.reqID != "" {
		if status == store.StatusCompleted {
			if err := g.store.ReqIDs.Finalize(ctx, p.keyID, p.reqID); err != nil {
				g.log.Error("finalize_reqid", slog.String("error", err.Error()))
			}
			g.storeReplay(ctx, p.keyID, p.reqID, string(p.dialect), cachedBody)
		} else {
			if err := g.store.ReqIDs.FinalizeOnError(ctx, p.keyID, p.reqID, p.pendingID); err != nil {
				g.log.Error("free_reqid", slog.String("error", err.Error()))
			}
		}
	}

	// Charged after the completion write; unknown counts are never charged.
	g.keys.ConsumeTokens(ctx, p.keyID, final.Usage.InputTokens, final.Usage.OutputTokens)
	g.metrics.AddTokens(p.target.ProviderName, final.Usage.InputTokens, final.Usage.OutputTokens)
	g.metrics.RecordCompletion(status, true)
	g.auditCompletion(p.pendingID, p.comment, p.target, string(p.dialect), status,
		final.Usage, params.TTFTMs, dur.Milliseconds(), true)
}

// failPending marks the pending completion failed and frees the dedup slot
// so a client retry with the same ReqId starts fresh.
func (g *Gateway) failPending(keyID uint, reqID string, pendingID uint, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if reqID != "" {
		if err := g.store.ReqIDs.FinalizeOnError(ctx, keyID, reqID, pendingID); err != nil {
			g.log.Error("free_reqid", slog.String("error", err.Error()))
		}
	} else {
		err := g.store.Completions.Finalize(ctx, pendingID, store.FinalizeParams{
			Status:           store.StatusFailed,
			PromptTokens:     -1,
			CompletionTokens: -1,
			TTFTMs:           -1,
			DurationMs:       elapsed.Milliseconds(),
		})
		if err != nil && !errors.Is(err, store.ErrNotPending) {
			g.log.Error("fail_completion", slog.String("error", err.Error()))
		}
	}
	g.metrics.RecordCompletion(store.StatusFailed, false)
}

func (g *Gateway) auditCompletion(
	completionID uint,
	comment string,
	target upstream.Target,
	dial, status string,
	usage relay.Usage,
	ttftMs, durationMs int64,
	streamed bool,
) {
	g.audit.Log(logger.CompletionLog{
		CompletionID:     completionID,
		KeyComment:       comment,
		Provider:         target.ProviderName,
		Model:            target.Model,
		Dialect:          dial,
		Status:           status,
		PromptTokens:     usage.InputTokens,
		CompletionTokens: usage.OutputTokens,
		TTFTMs:           ttftMs,
		DurationMs:       durationMs,
		Streamed:         streamed,
		CreatedAt:        time.Now(),
	})
}

// writeVerbatim forwards a non-retriable upstream answer unchanged.
func writeVerbatim(ctx *fasthttp.RequestCtx, se *upstream.StatusError) {
	ctx.SetStatusCode(se.Code)
	if se.ContentType != "" {
		ctx.SetContentType(se.ContentType)
	} else {
		ctx.SetContentType("application/json")
	}
	ctx.SetBody(se.Body)
}

// forwardableHeaders collects the client headers that may be passed through
// to the upstream.
func forwardableHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	out := map[string]string{}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		name := string(k)
		if upstream.ForwardableHeader(name) {
			out[name] = string(v)
		}
	})
	return out
}

func setKeyLimitHeaders(ctx *fasthttp.RequestCtx, v ratelimit.Verdict) {
	h := &ctx.Response.Header
	h.Set("X-RateLimit-Limit-RPM", strconv.Itoa(v.RPMLimit))
	h.Set("X-RateLimit-Remaining-RPM", strconv.Itoa(v.RPMRemaining))
	h.Set("X-RateLimit-Limit-TPM", strconv.Itoa(v.TPMLimit))
	h.Set("X-RateLimit-Remaining-TPM", strconv.Itoa(v.TPMRemaining))
}

// promptBlob serializes the inbound IR for the audit record.
func promptBlob(req *relay.Request) string {
	blob, err := json.Marshal(map[string]any{
		"model":       req.Model,
		"system":      req.System,
		"messages":    req.Messages,
		"tools":       req.Tools,
		"tool_choice": req.ToolChoice,
		"extra":       req.ExtraParams,
	})
	if err != nil {
		return ""
	}
	return string(blob)
}

// completionRecord is the stored assistant output: flattened text when the
// answer is plain, a JSON document when tool calls are present.
func completionRecord(resp *relay.Response) string {
	if len(resp.ToolCalls) == 0 {
		return relay.FlattenThinking(resp)
	}
	blob, err := json.Marshal(map[string]any{
		"content":    relay.FlattenThinking(resp),
		"tool_calls": resp.ToolCalls,
	})
	if err != nil {
		return relay.FlattenThinking(resp)
	}
	return string(blob)
}

func retryAfterJitter() int {
	return 1 + rand.Intn(3)
}
