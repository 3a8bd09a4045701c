package middleware

import (
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	httpctx "dineinsight/internal/http/ctx"
	"dineinsight/internal/metrics"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an ID, reusing a client-supplied
// X-Request-ID when present, and echoes it on the response.
func RequestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		httpctx.SetRequestID(ctx, id)
		ctx.Response.Header.Set(requestIDHeader, id)
		next(ctx)
	}
}

// InternalReporting records this instance's own request count and latency
// in the Prometheus registry. Requests are labelled with the matched route
// template, so the router must save matched route paths.
func InternalReporting(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)

		route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
		if route == "" {
			route = "unmatched"
		}
		method := string(ctx.Method())
		metrics.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(ctx.Response.StatusCode())).Inc()
		metrics.HTTPDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}
