package proxy

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/relay"
)

// Handler builds the routed, middleware-wrapped request handler.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", func(ctx *fasthttp.RequestCtx) {
		g.handleCompletion(ctx, relay.DialectOpenAI, "chat_completions")
	})
	r.POST("/v1/messages", func(ctx *fasthttp.RequestCtx) {
		g.handleCompletion(ctx, relay.DialectAnthropic, "messages")
	})
	r.POST("/v1/responses", func(ctx *fasthttp.RequestCtx) {
		g.handleCompletion(ctx, relay.DialectResponses, "responses")
	})
	r.POST("/v1/embeddings", g.handleEmbeddings)

	r.GET("/v1/models", g.handleModels)
	r.GET("/api/usage", g.handleUsage)
	r.POST("/api/admin/keys/ensure", g.handleAdminEnsureKey)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start serves the gateway on addr (e.g. ":8080") until the listener fails
// or Shutdown is called.
func (g *Gateway) Start(addr string) error {
	g.srv = &fasthttp.Server{
		Handler:     g.Handler(),
		ReadTimeout: 60 * time.Second,
		// No write timeout: streaming responses are open-ended.
	}
	return g.srv.ListenAndServe(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (g *Gateway) Shutdown() error {
	if g.srv == nil {
		return nil
	}
	return g.srv.Shutdown()
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReadiness pings the database and, when configured, Redis.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := g.store.Ping(probeCtx); err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "database"})
		return
	}
	if g.redisPing != nil {
		if err := g.redisPing(probeCtx); err != nil {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			writeJSON(ctx, map[string]string{"status": "unavailable", "reason": "redis"})
			return
		}
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}
