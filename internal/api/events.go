package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lifelog-app/lifelog/internal/feed"
	"github.com/lifelog-app/lifelog/internal/jobs"
	"github.com/lifelog-app/lifelog/internal/localdb"
	"github.com/lifelog-app/lifelog/internal/schema"
)

const sseHeartbeat = 15 * time.Second

// Event is one Server-Sent Event payload. The SSE event name is the
// collection ("entry" or "job").
type Event struct {
	Collection string  `json:"collection"`
	Op         feed.Op `json:"op"`
	Doc        any     `json:"doc"`
}

// handleEvents streams live entry and job changes. Each stream starts with
// a replay of the current set. Query parameters: collections (comma
// separated, default "entries,jobs"), limit (replayed entries),
// enrichmentStatus and jobStatus filters.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		q := r.URL.Query()
		want := q.Get("collections")
		if want == "" {
			want = "entries,jobs"
		}

		events := make(chan Event, 64)
		send := func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}

		for _, c := range strings.Split(want, ",") {
			switch strings.TrimSpace(c) {
			case "entries":
				query := deps.DB.ObserveEntries(localdb.EntryFilter{
					EnrichmentStatus: schema.EnrichmentStatus(q.Get("enrichmentStatus")),
					Limit:            parseIntParam(r, "limit", 20, 200),
				})
				sub, err := query.Subscribe(ctx, func(ch feed.Change[schema.Entry]) {
					send(Event{Collection: "entry", Op: ch.Op, Doc: ch.Doc})
				})
				if err != nil {
					storeError(w, "entries", err)
					return
				}
				defer sub.Cancel()
			case "jobs":
				query := deps.DB.ObserveJobs(jobs.ListFilter{Status: schema.JobStatus(q.Get("jobStatus"))})
				sub, err := query.Subscribe(ctx, func(ch feed.Change[schema.Job]) {
					send(Event{Collection: "job", Op: ch.Op, Doc: ch.Doc})
				})
				if err != nil {
					storeError(w, "jobs", err)
					return
				}
				defer sub.Cancel()
			default:
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown collection %q", c)
				return
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
			case ev := <-events:
				b, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Collection, b)
			}
			flusher.Flush()
		}
	}
}
