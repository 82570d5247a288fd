package proxy

import (
	"encoding/json"
	"log/slog"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/relay"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// handleAdminEnsureKey serves POST /api/admin/keys/ensure: idempotent key
// creation by external id, guarded by the admin super secret. An unset
// secret disables the endpoint.
func (g *Gateway) handleAdminEnsureKey(ctx *fasthttp.RequestCtx) {
	dial := string(relay.DialectOpenAI)
	if !auth.IsAdmin(ctx, g.adminSecret) {
		apierr.WriteAuth(ctx, dial)
		return
	}

	var req struct {
		ExternalID string `json:"external_id"`
		Comment    string `json:"comment"`
		RPMLimit   int    `json:"rpm_limit"`
		TPMLimit   int    `json:"tpm_limit"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.ExternalID == "" {
		apierr.Write(ctx, dial, fasthttp.StatusBadRequest,
			"field 'external_id' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	key, err := g.store.Keys.EnsureExternal(ctx, store.EnsureParams{
		ExternalID: req.ExternalID,
		Comment:    req.Comment,
		RPMLimit:   req.RPMLimit,
		TPMLimit:   req.TPMLimit,
		Source:     "admin",
	})
	if err != nil {
		g.log.Error("ensure_key", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"failed to ensure key", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	writeJSON(ctx, map[string]any{
		"id":          key.ID,
		"key":         key.Key,
		"external_id": req.ExternalID,
		"comment":     key.Comment,
		"rpm_limit":   key.RPMLimit,
		"tpm_limit":   key.TPMLimit,
	})
}
