package proxy

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/modelgate/internal/auth"
	"github.com/nulpointcorp/modelgate/internal/relay"
	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/internal/upstream"
	"github.com/nulpointcorp/modelgate/pkg/apierr"
)

// handleEmbeddings proxies POST /v1/embeddings. The endpoint speaks the
// OpenAI wire on both sides; the body is forwarded with only the model name
// swapped for the provider's native id. Vectors arriving base64-encoded are
// normalized to float arrays before persistence and response.
func (g *Gateway) handleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	dial := string(relay.DialectOpenAI)
	route := "embeddings"

	g.metrics.IncInFlight()
	defer func() {
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	requestID, _ := ctx.UserValue("request_id").(string)
	bearer := auth.Bearer(ctx)

	key := g.authenticate(ctx, dial)
	if key == nil {
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ctx.PostBody(), &fields); err != nil {
		apierr.Write(ctx, dial, fasthttp.StatusBadRequest,
			"invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	var model string
	if raw, ok := fields["model"]; ok {
		json.Unmarshal(raw, &model) //nolint:errcheck
	}
	if model == "" {
		apierr.Write(ctx, dial, fasthttp.StatusBadRequest,
			"field 'model' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputRaw, ok := fields["input"]
	if !ok || len(inputRaw) == 0 {
		apierr.Write(ctx, dial, fasthttp.StatusBadRequest,
			"field 'input' is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	systemName, providerPin := SplitModelProvider(model)
	if !g.admitted(ctx, dial, key, bearer, systemName, requestID, g.estimator.Count(string(inputRaw))) {
		return
	}

	targets, ok := g.resolve(ctx, dial, systemName, providerPin, store.ModelTypeEmbedding, requestID)
	if !ok {
		return
	}

	extraHeaders := forwardableHeaders(ctx)
	resp, target, cancel, ferr := g.callWithFailover(requestID, systemName, targets,
		func(c context.Context, t upstream.Target) (*http.Response, error) {
			body, err := embeddingBody(fields, t.Model)
			if err != nil {
				return nil, err
			}
			return g.upstream.Do(c, t, t.EmbeddingsURL(), body, false, extraHeaders)
		})
	if ferr != nil {
		var se *upstream.StatusError
		if errors.As(ferr, &se) && !retriableStatus[se.Code] {
			writeVerbatim(ctx, se)
			return
		}
		apierr.WriteUpstreamExhausted(ctx, dial, g.maxProviderAttempts)
		return
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUnaryResponseBytes))
	if err != nil {
		apierr.Write(ctx, dial, fasthttp.StatusBadGateway,
			"failed to read upstream response", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}
	out, vectors, inputTokens, err := normalizeEmbeddingResponse(raw, systemName)
	if err != nil {
		g.log.Error("parse_embeddings",
			slog.String("provider", target.ProviderName),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, dial, fasthttp.StatusBadGateway,
			"invalid upstream response", apierr.TypeProviderError, apierr.CodeProviderError)
		return
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	vectorBlob, _ := json.Marshal(vectors)
	record := &store.Embedding{
		ApiKeyID:    key.ID,
		ModelID:     target.ModelID,
		Input:       string(inputRaw),
		InputTokens: inputTokens,
		Vectors:     string(vectorBlob),
		Dimensions:  dims,
		Status:      store.StatusCompleted,
		DurationMs:  time.Since(start).Milliseconds(),
	}
	if err := g.store.Embeddings.Create(ctx, record); err != nil {
		g.log.Error("create_embedding", slog.String("error", err.Error()))
		apierr.Write(ctx, dial, fasthttp.StatusInternalServerError,
			"failed to record embedding", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.keys.ConsumeInput(ctx, key.ID, inputTokens)
	g.metrics.AddTokens(target.ProviderName, inputTokens, 0)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(out)
}

// embeddingBody re-marshals the client fields with the provider-side model
// name. Unrecognized fields are forwarded untouched.
func embeddingBody(fields map[string]json.RawMessage, model string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	m, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	out["model"] = m
	return json.Marshal(out)
}

// wire shapes of the OpenAI embeddings response.
type (
	wireEmbeddingDatum struct {
		Object    string          `json:"object"`
		Index     int             `json:"index"`
		Embedding json.RawMessage `json:"embedding"`
	}
	wireEmbeddingResponse struct {
		Object string               `json:"object"`
		Data   []wireEmbeddingDatum `json:"data"`
		Model  string               `json:"model"`
		Usage  struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	outEmbeddingDatum struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}
	outEmbeddingResponse struct {
		Object string              `json:"object"`
		Data   []outEmbeddingDatum `json:"data"`
		Model  string              `json:"model"`
		Usage  struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
)

// normalizeEmbeddingResponse rewrites the upstream body with float-array
// vectors and the logical model name. Returns the body, the decoded
// vectors, and the prompt token count (-1 when the upstream omitted usage).
func normalizeEmbeddingResponse(raw []byte, systemName string) ([]byte, [][]float32, int, error) {
	var wire wireEmbeddingResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, nil, -1, err
	}

	out := outEmbeddingResponse{Object: "list", Model: systemName}
	out.Usage = wire.Usage

	vectors := make([][]float32, 0, len(wire.Data))
	for _, d := range wire.Data {
		vec, err := decodeVector(d.Embedding)
		if err != nil {
			return nil, nil, -1, err
		}
		vectors = append(vectors, vec)
		out.Data = append(out.Data, outEmbeddingDatum{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: vec,
		})
	}

	tokens := wire.Usage.PromptTokens
	if tokens == 0 {
		tokens = -1
	}
	body, err := json.Marshal(out)
	return body, vectors, tokens, err
}

// decodeVector accepts either a float array or a base64 string of
// little-endian float32 values.
func decodeVector(raw json.RawMessage) ([]float32, error) {
	var floats []float32
	if err := json.Unmarshal(raw, &floats); err == nil {
		return floats, nil
	}
	var b64 string
	if err := json.Unmarshal(raw, &b64); err != nil {
		return nil, errors.New("embedding is neither a float array nor a base64 string")
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(data)%4 != 0 {
		return nil, errors.New("base64 embedding length is not a multiple of 4")
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
