package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/valyala/fasthttp"

	"dineinsight/internal/analytics"
	"dineinsight/internal/retry"
)

// RetryRunner runs one retry cycle on demand.
type RetryRunner interface {
	RunRetry(ctx context.Context) retry.CycleReport
}

// RetryNow triggers a retry cycle and returns its report. 409 if a cycle is
// already running.
func RetryNow(worker RetryRunner) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		rctx, cancel := requestContext(operatorTimeout)
		defer cancel()

		rep := worker.RunRetry(rctx)
		if rep.Skipped {
			errResponse(ctx, fasthttp.StatusConflict, "retry cycle already running")
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, rep)
	}
}

type aggregateResult struct {
	EntityType analytics.EntityType `json:"entity_type"`
	From       string               `json:"from"`
	To         string               `json:"to"`
	Summaries  int                  `json:"summaries"`
	Error      string               `json:"error,omitempty"`
}

// Aggregate runs the daily rollup on demand for one family (entity_type) or
// all of them, over date..to (YYYY-MM-DD, inclusive). date defaults to the
// last completed UTC day and to defaults to date.
func Aggregate(jobs []*analytics.DailyJob) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		args := ctx.QueryArgs()

		selected := jobs
		if et := string(args.Peek("entity_type")); et != "" {
			family := analytics.EntityType(et)
			if !family.Valid() {
				errResponse(ctx, fasthttp.StatusBadRequest, "unknown entity_type")
				return
			}
			selected = nil
			for _, j := range jobs {
				if j.Family() == family {
					selected = append(selected, j)
				}
			}
		}

		from := analytics.LastCompletedDay(time.Now())
		if v := string(args.Peek("date")); v != "" {
			d, err := time.ParseInLocation(analytics.DateLayout, v, time.UTC)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "date must be YYYY-MM-DD")
				return
			}
			from = d
		}
		to := from
		if v := string(args.Peek("to")); v != "" {
			d, err := time.ParseInLocation(analytics.DateLayout, v, time.UTC)
			if err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "to must be YYYY-MM-DD")
				return
			}
			to = d
		}
		if to.Before(from) {
			errResponse(ctx, fasthttp.StatusBadRequest, "to is before date")
			return
		}
		if to.Sub(from) > maxRange {
			errResponse(ctx, fasthttp.StatusBadRequest, "range is limited to 366 days")
			return
		}

		rctx, cancel := requestContext(operatorTimeout)
		defer cancel()

		results := make([]aggregateResult, 0, len(selected))
		busy := false
		for _, j := range selected {
			n, err := j.Run(rctx, from, to)
			r := aggregateResult{
				EntityType: j.Family(),
				From:       from.Format(analytics.DateLayout),
				To:         to.Format(analytics.DateLayout),
				Summaries:  n,
			}
			if err != nil {
				r.Error = err.Error()
				busy = busy || errors.Is(err, analytics.ErrJobRunning)
			}
			results = append(results, r)
		}

		code := fasthttp.StatusOK
		if busy && len(selected) == 1 {
			code = fasthttp.StatusConflict
		}
		jsonResponse(ctx, code, map[string]any{"results": results})
	}
}
