package handlers

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	httpctx "dineinsight/internal/http/ctx"
	"dineinsight/internal/logging"
)

const (
	requestTimeout  = 30 * time.Second
	operatorTimeout = 10 * time.Minute
)

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)

		status := ctx.Response.StatusCode()
		ev := logging.Info()
		if status >= fasthttp.StatusInternalServerError {
			ev = logging.Error()
		}
		if id, ok := httpctx.RequestIDFromCtx(ctx); ok {
			ev = ev.Str("request_id", id)
		}
		ev.Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote_ip", ctx.RemoteIP().String()).
			Msg("request")
	}
}

// requestContext bounds work done on behalf of one request.
func requestContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
