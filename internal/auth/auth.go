// Package auth extracts client credentials from inbound requests.
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/valyala/fasthttp"
)

// Bearer returns the credential from Authorization: Bearer (OpenAI style)
// or x-api-key (Anthropic style). Empty when neither is present.
func Bearer(ctx *fasthttp.RequestCtx) string {
	if h := string(ctx.Request.Header.Peek("Authorization")); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key")))
}

// IsAdmin reports whether the request's bearer equals the configured admin
// secret. An unset secret disables the admin surface.
func IsAdmin(ctx *fasthttp.RequestCtx, adminSecret string) bool {
	if adminSecret == "" {
		return false
	}
	bearer := Bearer(ctx)
	return subtle.ConstantTimeCompare([]byte(bearer), []byte(adminSecret)) == 1
}
