package middleware

import (
	"bytes"
	"strings"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	httpctx "dineinsight/internal/http/ctx"
	"dineinsight/internal/logging"
)

// OperatorAuth validates Bearer tokens against the bcrypt hash of the
// operator token. With no hash configured the wrapped endpoints answer 503.
func OperatorAuth(tokenHash string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	hash := []byte(strings.TrimSpace(tokenHash))
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			if len(hash) == 0 {
				writeError(ctx, fasthttp.StatusServiceUnavailable, "operator endpoints are disabled")
				return
			}

			auth := ctx.Request.Header.Peek("Authorization")
			if len(auth) == 0 {
				writeError(ctx, fasthttp.StatusUnauthorized, "missing Authorization header")
				return
			}

			const prefix = "Bearer "
			if !bytes.HasPrefix(auth, []byte(prefix)) {
				writeError(ctx, fasthttp.StatusUnauthorized, "invalid Authorization header")
				return
			}

			token := bytes.TrimSpace(auth[len(prefix):])
			if len(token) == 0 {
				writeError(ctx, fasthttp.StatusUnauthorized, "empty bearer token")
				return
			}

			if err := bcrypt.CompareHashAndPassword(hash, token); err != nil {
				logging.Warn().Str("path", string(ctx.Path())).Str("remote_ip", ctx.RemoteIP().String()).
					Msg("rejected operator token")
				writeError(ctx, fasthttp.StatusUnauthorized, "invalid operator token")
				return
			}

			httpctx.SetOperator(ctx)
			next(ctx)
		}
	}
}

func writeError(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"` + msg + `"}`)
}
