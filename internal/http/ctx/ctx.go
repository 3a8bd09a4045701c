package ctx

import (
	"github.com/valyala/fasthttp"
)

const (
	RequestIDKey = "requestID"
	OperatorKey  = "operator"
)

func SetRequestID(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetUserValue(RequestIDKey, id)
}

func RequestIDFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	v := ctx.UserValue(RequestIDKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SetOperator marks the request as authenticated with the operator token.
func SetOperator(ctx *fasthttp.RequestCtx) {
	ctx.SetUserValue(OperatorKey, true)
}

func IsOperator(ctx *fasthttp.RequestCtx) bool {
	v, _ := ctx.UserValue(OperatorKey).(bool)
	return v
}
