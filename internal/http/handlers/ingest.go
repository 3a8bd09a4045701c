package handlers

import (
	"bytes"
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"dineinsight/internal/ingest"
)

// Ingester is the ingestion entry point; satisfied by *ingest.Ingestor.
type Ingester interface {
	Ingest(ctx context.Context, payloads []ingest.EventPayload) (ingest.Result, error)
}

type ingestRequest struct {
	Events []ingest.EventPayload `json:"events"`
}

type ingestResponse struct {
	Status string `json:"status"`
	ingest.Result
}

// decodeEvents accepts {"events":[...]}, a bare array, or a single event object.
func decodeEvents(body []byte) ([]ingest.EventPayload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	switch body[0] {
	case '[':
		var events []ingest.EventPayload
		err := json.Unmarshal(body, &events)
		return events, err
	case '{':
		var req ingestRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if req.Events != nil {
			return req.Events, nil
		}
		var single ingest.EventPayload
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, err
		}
		return []ingest.EventPayload{single}, nil
	default:
		return nil, errors.New("body must be a JSON object or array")
	}
}

// IngestHandler accepts a batch of events. It answers 202 once every event
// is persisted or queued; 400 is reserved for malformed or invalid payloads.
func IngestHandler(in Ingester) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		payloads, err := decodeEvents(ctx.PostBody())
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		rctx, cancel := requestContext(requestTimeout)
		defer cancel()
		res, err := in.Ingest(rctx, payloads)
		if err != nil {
			var verr *ingest.ValidationError
			switch {
			case errors.As(err, &verr):
				jsonResponse(ctx, fasthttp.StatusBadRequest, map[string]any{
					"error":  "validation failed",
					"fields": verr.Fields,
				})
			default:
				errResponse(ctx, fasthttp.StatusBadRequest, err.Error())
			}
			return
		}

		jsonResponse(ctx, fasthttp.StatusAccepted, ingestResponse{Status: "accepted", Result: res})
	}
}
