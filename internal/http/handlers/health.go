package handlers

import (
	"github.com/valyala/fasthttp"

	"dineinsight/internal/fallback"
	"dineinsight/internal/retry"
)

// QueueStats reports fallback backlog counts.
type QueueStats interface {
	Stats() fallback.Stats
}

// RetryStatus reports the retry worker's schedule.
type RetryStatus interface {
	Status() retry.Status
}

// BreakerState reports the primary store circuit breaker state.
type BreakerState interface {
	BreakerState() string
}

type healthResponse struct {
	Status       string         `json:"status"`
	Fallback     fallback.Stats `json:"fallback"`
	RetryWorker  retry.Status   `json:"retry_worker"`
	StoreBreaker string         `json:"store_breaker"`
}

// Healthz is the liveness probe.
func Healthz(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBodyString("ok")
}

// AnalyticsHealth reports the fallback backlog and worker state. Status is
// "degraded" while the breaker is not closed or records sit in failed/.
func AnalyticsHealth(queue QueueStats, worker RetryStatus, breaker BreakerState) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		resp := healthResponse{
			Status:       "ok",
			Fallback:     queue.Stats(),
			RetryWorker:  worker.Status(),
			StoreBreaker: breaker.BreakerState(),
		}
		if resp.StoreBreaker != "closed" || resp.Fallback.Failed > 0 {
			resp.Status = "degraded"
		}
		jsonResponse(ctx, fasthttp.StatusOK, resp)
	}
}
