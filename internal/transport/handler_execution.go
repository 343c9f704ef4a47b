package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/orchestra/internal/workflow"
	"github.com/pitabwire/orchestra/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func handleExecutionList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		since, err := parseSince(r.URL.Query().Get("since"), 0)
		if err != nil {
			WriteError(w, err)
			return
		}

		filters := model.ExecutionFilters{
			WorkflowName: r.URL.Query().Get("workflow"),
			Statuses:     queryStatuses(r),
			Since:        since,
			Page:         max(queryInt(r, "page", 1), 1),
			PageSize:     clamp(queryInt(r, "page_size", defaultPageSize), 1, maxPageSize),
		}

		execs, totalCount, err := engine.ListExecutions(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if execs == nil {
			execs = []model.WorkflowExecution{}
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        execs,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleExecutionActive(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		execs, err := engine.ListActive(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		writeExecutions(w, execs)
	}
}

func handleExecutionRecent(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := clamp(queryInt(r, "limit", defaultPageSize), 1, maxPageSize)
		execs, err := engine.ListRecent(r.Context(), limit)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeExecutions(w, execs)
	}
}

func handleExecutionGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := engine.GetExecution(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleExecutionRetry(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := engine.RetryExecution(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"execution_id": id})
	}
}

func handleExecutionCancel(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, "invalid JSON body")
			return
		}

		if err := engine.Cancel(r.Context(), id, body.Reason); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": string(model.StatusCancelled)})
	}
}

func handleExecutionTimeout(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := engine.MarkTimedOut(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"execution_id": id, "status": string(model.StatusTimeout)})
	}
}

func handleExecutionCompensate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		report, err := engine.CompensateExecution(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}

		failed := make([]map[string]string, 0, len(report.Failed))
		for _, f := range report.Failed {
			failed = append(failed, map[string]string{"label": f.Label, "error": f.Err.Error()})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"execution_id": id,
			"attempted":    report.Attempted,
			"failed":       failed,
			"clean":        report.Clean(),
		})
	}
}

func writeExecutions(w http.ResponseWriter, execs []model.WorkflowExecution) {
	if execs == nil {
		execs = []model.WorkflowExecution{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"data":        execs,
		"total_count": len(execs),
	})
}

// queryStatuses reads status as a comma-separated list, upper-cased.
func queryStatuses(r *http.Request) []model.ExecutionStatus {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return nil
	}
	var out []model.ExecutionStatus
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, model.ExecutionStatus(strings.ToUpper(s)))
		}
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
