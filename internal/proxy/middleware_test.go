package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func runHandler(h fasthttp.RequestHandler, setup func(*fasthttp.RequestCtx)) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	if setup != nil {
		setup(ctx)
	}
	h(ctx)
	return ctx
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})
	ctx := runHandler(h, nil)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func TestRequestIDGenerated(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})
	ctx := runHandler(h, nil)

	id := string(ctx.Response.Header.Peek("X-Request-ID"))
	if id == "" {
		t.Fatal("X-Request-ID not set")
	}
	if stored, _ := ctx.UserValue("request_id").(string); stored != id {
		t.Errorf("context value %q != header %q", stored, id)
	}
}

func TestRequestIDPreserved(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})
	ctx := runHandler(h, func(ctx *fasthttp.RequestCtx) {
		ctx.Request.Header.Set("X-Request-ID", "client-id-7")
	})
	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-id-7" {
		t.Errorf("X-Request-ID = %q", got)
	}
}

func TestTimingHeader(t *testing.T) {
	h := timing(func(ctx *fasthttp.RequestCtx) {})
	ctx := runHandler(h, nil)
	if len(ctx.Response.Header.Peek("X-Response-Time")) == 0 {
		t.Error("X-Response-Time not set")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(func(ctx *fasthttp.RequestCtx) {})
	ctx := runHandler(h, nil)
	for _, name := range []string{
		"Strict-Transport-Security", "X-Content-Type-Options",
		"X-Frame-Options", "Content-Security-Policy",
	} {
		if len(ctx.Response.Header.Peek(name)) == 0 {
			t.Errorf("%s not set", name)
		}
	}
}

func TestCORSOpenAndPreflight(t *testing.T) {
	mw := corsHandler(nil)
	called := false
	h := mw(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := runHandler(h, nil)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("origin = %q", got)
	}
	if !called {
		t.Error("handler not invoked")
	}

	called = false
	ctx = runHandler(h, func(ctx *fasthttp.RequestCtx) {
		ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	})
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight status = %d", ctx.Response.StatusCode())
	}
	if called {
		t.Error("preflight must short-circuit the handler")
	}
}

func TestCORSAllowlist(t *testing.T) {
	mw := corsHandler([]string{"https://a.example", "https://b.example"})
	h := mw(func(ctx *fasthttp.RequestCtx) {})
	ctx := runHandler(h, nil)
	want := "https://a.example, https://b.example"
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != want {
		t.Errorf("origin = %q, want %q", got, want)
	}
}

func TestApplyMiddlewareOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}
	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mk("outer"), mk("inner"))

	runHandler(h, nil)
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Errorf("order = %v", order)
	}
}
