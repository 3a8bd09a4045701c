package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"dineinsight/internal/analytics"
)

const maxRange = 366 * 24 * time.Hour

// SummaryReader reads daily summaries.
type SummaryReader interface {
	ListSummaries(ctx context.Context, family analytics.EntityType, entityID string, from, to time.Time) ([]analytics.DailySummary, error)
}

// Summaries returns an entity's daily summaries between from and to
// (inclusive, YYYY-MM-DD). The default window is the 30 days ending at the
// last completed UTC day.
func Summaries(store SummaryReader) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		args := ctx.QueryArgs()
		family := analytics.EntityType(args.Peek("entity_type"))
		if !family.Valid() {
			errResponse(ctx, fasthttp.StatusBadRequest, "entity_type must be one of outlet, food_item, promotion")
			return
		}
		entityID := string(args.Peek("entity_id"))
		if entityID == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "entity_id is required")
			return
		}

		to := analytics.LastCompletedDay(time.Now())
		from := to.AddDate(0, 0, -29)
		if v := string(args.Peek("from")); v != "" {
			d, err := time.ParseInLocation(analytics.DateLayout, v, time.UTC)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "from must be YYYY-MM-DD")
				return
			}
			from = d
		}
		if v := string(args.Peek("to")); v != "" {
			d, err := time.ParseInLocation(analytics.DateLayout, v, time.UTC)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "to must be YYYY-MM-DD")
				return
			}
			to = d
		}
		if to.Before(from) || to.Sub(from) > maxRange {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid date range")
			return
		}

		rctx, cancel := requestContext(requestTimeout)
		defer cancel()
		list, err := store.ListSummaries(rctx, family, entityID, from, to)
		if err != nil {
			errResponse(ctx, fasthttp.StatusServiceUnavailable, "summary store unavailable")
			return
		}
		if list == nil {
			list = []analytics.DailySummary{}
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"entity_type": family,
			"entity_id":   entityID,
			"from":        from.Format(analytics.DateLayout),
			"to":          to.Format(analytics.DateLayout),
			"summaries":   list,
		})
	}
}
