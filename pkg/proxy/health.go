package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type healthCache struct {
	Items     int64   `json:"items"`
	SizeBytes int64   `json:"size_bytes"`
	HitRatio  float64 `json:"hit_ratio"`
}

type healthUpstream struct {
	Status string `json:"status"`
}

type healthPayload struct {
	Status   string         `json:"status"`
	Uptime   string         `json:"uptime"`
	Cache    healthCache    `json:"cache"`
	Upstream healthUpstream `json:"upstream"`
}

// HealthHandler reports process liveness, cache footprint and the last known
// upstream state.
func (rl *Engine) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), rl.storageTimeout)
		defer cancel()

		payload := healthPayload{
			Status: "ok",
			Uptime: rl.clock().Sub(rl.startedAt).Round(time.Second).String(),
			Upstream: healthUpstream{
				Status: upstreamStatusName(rl.upstreamState.Load()),
			},
		}

		if stats, err := rl.cache.Stats(ctx); err == nil {
			payload.Cache.Items = stats.Items
			payload.Cache.SizeBytes = stats.Bytes
		}

		hits := rl.hits.Load()
		if total := hits + rl.misses.Load(); total > 0 {
			payload.Cache.HitRatio = float64(hits) / float64(total)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	})
}

func upstreamStatusName(state int32) string {
	switch state {
	case upstreamOK:
		return "ok"
	case upstreamDown:
		return "down"
	default:
		return "unknown"
	}
}
