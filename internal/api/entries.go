package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/schema"
)

type AddEntryRequest struct {
	Text              string             `json:"text"`
	AudioAttachmentID string             `json:"audioAttachmentId"`
	AudioStatus       schema.AudioStatus `json:"audioStatus"`
}

type PatchAudioRequest struct {
	Status     schema.AudioStatus `json:"status"`
	Transcript string             `json:"transcript"`
}

type ContextResponse struct {
	EntryID string                `json:"entryId"`
	Items   []entries.ContextItem `json:"items"`
}

func handleAddEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AddEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.DB.Entries.AddEntry(r.Context(), entries.Input{
			Text:              req.Text,
			AudioAttachmentID: req.AudioAttachmentID,
			AudioStatus:       req.AudioStatus,
		})
		if errors.Is(err, entries.ErrNoContent) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			storeError(w, "entry", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", entries.DefaultListLimit, 200)

		list, err := deps.DB.Entries.ListRecent(r.Context(), limit)
		if err != nil {
			storeError(w, "entries", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.DB.Entries.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			storeError(w, "entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// handleEntryContext resolves the entry's frozen context window. A context
// entry that cannot be rendered fails the whole request with 422.
func handleEntryContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := deps.DB.Entries.Get(r.Context(), id)
		if err != nil {
			storeError(w, "entry", err)
			return
		}

		locale := r.URL.Query().Get("locale")
		if locale == "" {
			locale = deps.Locale
		}
		items, err := deps.DB.Entries.ConvertIDsToContent(r.Context(), e.GivenContext, entries.ConvertOptions{
			RelativeDate:       parseBoolParam(r, "relative", true),
			Locale:             locale,
			PreserveInputOrder: parseBoolParam(r, "preserveOrder", false),
		})
		var ce *entries.ContentError
		if errors.As(err, &ce) {
			httpError(w, http.StatusUnprocessableEntity, "content_error", "can't process this entry's context: %v", ce)
			return
		}
		if err != nil {
			storeError(w, "context", err)
			return
		}
		writeJSON(w, http.StatusOK, ContextResponse{EntryID: id, Items: items})
	}
}

// handlePatchAudio records transcription progress. A transcript completes
// the conversion; otherwise only the status moves.
func handlePatchAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PatchAudioRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		id := chi.URLParam(r, "id")

		var (
			e   schema.Entry
			err error
		)
		switch {
		case req.Transcript != "":
			e, err = deps.DB.Entries.SetTranscript(r.Context(), id, req.Transcript)
		case req.Status != "":
			e, err = deps.DB.Entries.UpdateAudioStatus(r.Context(), id, req.Status)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "one of status or transcript is required")
			return
		}
		if errors.Is(err, entries.ErrTextFrozen) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		if err != nil {
			storeError(w, "entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}
