package proxy

import (
	"math/rand"
	"strings"

	"github.com/nulpointcorp/modelgate/internal/store"
	"github.com/nulpointcorp/modelgate/internal/upstream"
)

// SplitModelProvider splits a "model@provider" spec at the last '@'.
// Provider names never contain '@'; model names may.
func SplitModelProvider(model string) (systemName, provider string) {
	i := strings.LastIndex(model, "@")
	if i < 0 {
		return model, ""
	}
	return model[:i], model[i+1:]
}

// FilterByProvider keeps candidates whose provider carries the pinned name.
// An empty pin is a no-op. When the pin matches nothing the full set is
// returned and fellBack is true; the caller logs the fallback.
func FilterByProvider(cands []store.Candidate, provider string) (out []store.Candidate, fellBack bool) {
	if provider == "" {
		return cands, false
	}
	for _, c := range cands {
		if c.Provider.Name == provider {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return cands, true
	}
	return out, false
}

// OrderCandidates returns the failover order: a weighted random permutation
// without replacement, capped at max entries. The permutation is drawn once,
// before the first attempt; failover never reorders mid-flight.
//
// Zero-weight candidates are excluded from draws unless no positive-weight
// candidate exists, in which case they are drawn uniformly.
//
// rng may be nil; the package-global source is used then.
func OrderCandidates(cands []store.Candidate, max int, rng *rand.Rand) []store.Candidate {
	if max <= 0 || len(cands) == 0 {
		return nil
	}

	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}

	pool := make([]store.Candidate, len(cands))
	copy(pool, cands)

	var out []store.Candidate
	for len(out) < max && len(pool) > 0 {
		total := 0
		for _, c := range pool {
			if c.Model.Weight > 0 {
				total += c.Model.Weight
			}
		}

		var pick int
		if total == 0 {
			pick = intn(len(pool))
		} else {
			r := intn(total)
			cum := 0
			for i, c := range pool {
				if c.Model.Weight <= 0 {
					continue
				}
				cum += c.Model.Weight
				if r < cum {
					pick = i
					break
				}
			}
		}

		out = append(out, pool[pick])
		pool = append(pool[:pick], pool[pick+1:]...)
	}
	return out
}

// targetFor joins one candidate into a dialable upstream target.
func targetFor(c store.Candidate) upstream.Target {
	return upstream.Target{
		ProviderID:   c.Provider.ID,
		ProviderName: c.Provider.Name,
		Type:         c.Provider.Type,
		BaseURL:      c.Provider.BaseURL,
		APIKey:       c.Provider.APIKey,
		APIVersion:   c.Provider.APIVersion,
		ProxyURL:     c.Provider.ProxyURL,
		ModelID:      c.Model.ID,
		Model:        c.Model.UpstreamModel(),
	}
}
