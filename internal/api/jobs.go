package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lifelog-app/lifelog/internal/jobs"
	"github.com/lifelog-app/lifelog/internal/logger"
	"github.com/lifelog-app/lifelog/internal/schema"
)

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		list, err := deps.DB.Jobs.List(r.Context(), jobs.ListFilter{
			Status:  schema.JobStatus(q.Get("status")),
			EntryID: q.Get("entryId"),
			Limit:   parseIntParam(r, "limit", 50, 500),
		})
		if err != nil {
			storeError(w, "jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := deps.DB.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "job", err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	}
}

// handleListLogs serves the debug view of the log collection. since is an
// epoch-millisecond lower bound.
func handleListLogs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := logger.Filter{
			EntityType:    q.Get("entityType"),
			EntityID:      q.Get("entityId"),
			CorrelationID: q.Get("correlationId"),
			SpanID:        q.Get("spanId"),
			Level:         schema.Level(q.Get("level")),
			Event:         q.Get("event"),
			Limit:         parseIntParam(r, "limit", 100, 1000),
			Ascending:     q.Get("order") == "asc",
		}
		if s := q.Get("since"); s != "" {
			ms, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be epoch milliseconds")
				return
			}
			f.Since = time.UnixMilli(ms)
		}

		recs, err := deps.DB.Logs.Query(r.Context(), f)
		if err != nil {
			storeError(w, "logs", err)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	}
}
