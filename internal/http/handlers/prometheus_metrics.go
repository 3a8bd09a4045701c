package handlers

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"dineinsight/internal/analytics"
)

// MetricsHandler exposes the default registry in the Prometheus text format.
// With ?entity_type=<family>, series carrying an entity_type label are
// narrowed to that family; families without the label pass through.
func MetricsHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return func(ctx *fasthttp.RequestCtx) {
		family := string(ctx.QueryArgs().Peek("entity_type"))
		if family != "" && !analytics.EntityType(family).Valid() {
			errResponse(ctx, fasthttp.StatusBadRequest, "unknown entity_type")
			return
		}

		metricFamilies, err := gatherer.Gather()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to gather metrics")
			return
		}
		if family != "" {
			metricFamilies = filterByLabel(metricFamilies, "entity_type", family)
		}

		var buf bytes.Buffer
		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		encoder := expfmt.NewEncoder(&buf, format)
		for _, mf := range metricFamilies {
			if err := encoder.Encode(mf); err != nil {
				errResponse(ctx, fasthttp.StatusInternalServerError, "failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(format))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

func filterByLabel(in []*dto.MetricFamily, name, value string) []*dto.MetricFamily {
	out := make([]*dto.MetricFamily, 0, len(in))
	for _, mf := range in {
		if !hasLabel(mf, name) {
			out = append(out, mf)
			continue
		}

		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == name && l.GetValue() == value {
					kept = append(kept, m)
					break
				}
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return out
}

func hasLabel(mf *dto.MetricFamily, name string) bool {
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == name {
				return true
			}
		}
	}
	return false
}
