package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/orchestra/internal/workflow"
	"github.com/pitabwire/orchestra/model"
)

// maxExecuteBody bounds an execute request body.
const maxExecuteBody = 1 << 20

// defaultStatsWindow applies when /stats is called without since.
const defaultStatsWindow = 24 * time.Hour

type executeRequest struct {
	Input   json.RawMessage `json:"input"`
	Context struct {
		CorrelationID string         `json:"correlation_id"`
		Metadata      map[string]any `json:"metadata"`
	} `json:"context"`
	Options struct {
		CorrelationID  string `json:"correlation_id"`
		LockKey        string `json:"lock_key"`
		IdempotencyKey string `json:"idempotency_key"`
	} `json:"options"`
}

func handleWorkflowExecute(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := workflow.Name(chi.URLParam(r, "name"))

		var body executeRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxExecuteBody)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		// Body correlation wins over the header-derived one.
		rctx := model.RequestContext{}
		if base := model.RequestContextFrom(r.Context()); base != nil {
			rctx = *base
		}
		if body.Context.CorrelationID != "" {
			rctx.CorrelationID = body.Context.CorrelationID
		}
		rctx.Metadata = body.Context.Metadata
		ctx := model.WithRequestContext(r.Context(), &rctx)

		result, err := engine.Execute(ctx, name, body.Input, model.WorkflowOptions{
			CorrelationID:  body.Options.CorrelationID,
			LockKey:        body.Options.LockKey,
			IdempotencyKey: body.Options.IdempotencyKey,
			Metadata:       body.Context.Metadata,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleWorkflowList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		infos := engine.ListWorkflows()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        infos,
			"total_count": len(infos),
		})
	}
}

func handleWorkflowStats(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := workflow.Name(chi.URLParam(r, "name"))

		since, err := parseSince(r.URL.Query().Get("since"), defaultStatsWindow)
		if err != nil {
			WriteError(w, err)
			return
		}

		stats, err := engine.GetWorkflowStatistics(r.Context(), name, since)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// parseSince accepts an RFC 3339 timestamp or a duration before now. An
// empty value means the last fallback; a zero fallback means no bound.
func parseSince(s string, fallback time.Duration) (time.Time, error) {
	if s == "" {
		if fallback == 0 {
			return time.Time{}, nil
		}
		return time.Now().UTC().Add(-fallback), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return time.Time{}, model.NewBadRequestError("since must be an RFC 3339 timestamp or a positive duration such as 24h")
	}
	return time.Now().UTC().Add(-d), nil
}
