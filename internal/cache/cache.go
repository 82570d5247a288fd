// Package cache is the replay shadow cache in front of the ReqId dedup
// table. Entries live under reqid:{api_key_id}:{req_id} and hold the
// rendered response body, so a finished replay is answered without touching
// the database.
//
// The cache is an accelerator, never the source of truth — the durable
// dedup state stays in the store. Both backends therefore degrade
// gracefully: a miss or a failed write only costs a database round trip.
package cache

import (
	"context"
	"time"
)

// Cache is the replay store the proxy writes finished responses into.
// Get reports a miss as (nil, false); errors never surface to the caller.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
