// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/pagepulse/broadcast-backend/internal/errors"
	"github.com/pagepulse/broadcast-backend/internal/model"
	"github.com/pagepulse/broadcast-backend/internal/notify"
	"github.com/pagepulse/broadcast-backend/internal/service"
)

// CampaignHandler holds the dependencies for campaign HTTP endpoints. The
// dashboard's auth layer sits in front of these routes.
type CampaignHandler struct {
	Service *service.CampaignService
	Hub     *notify.Hub
	Log     zerolog.Logger
}

// Register mounts all campaign routes on the router.
func (h *CampaignHandler) Register(r chi.Router) {
	r.Post("/campaigns", h.StartCampaign)
	r.Get("/campaigns", h.ListActiveCampaigns)
	r.Get("/campaigns/{id}", h.GetCampaignStatus)
	r.Post("/campaigns/{id}/pause", h.PauseCampaign)
	r.Post("/campaigns/{id}/resume", h.ResumeCampaign)
	r.Post("/campaigns/{id}/cancel", h.CancelCampaign)
	r.Get("/campaigns/{id}/events", h.StreamCampaignEvents)
}

type startCampaignPayload struct {
	UserID          string            `json:"user_id"`
	PageID          string            `json:"page_id"`
	PageName        string            `json:"page_name"`
	PageToken       string            `json:"page_token"`
	MessageTemplate string            `json:"message_template"`
	MessageTag      string            `json:"message_tag"`
	DelayMs         json.RawMessage   `json:"delay_ms"` // number of ms, or the string "random"
	Recipients      []model.Recipient `json:"recipients"`
	LocalMediaPaths []string          `json:"local_media_paths"`
	RemoteMediaURLs []string          `json:"remote_media_urls"`
}

func (h *CampaignHandler) StartCampaign(w http.ResponseWriter, r *http.Request) {
	var payload startCampaignPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	delayMs, err := parseDelay(payload.DelayMs)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.Service.Start(service.StartCampaignInput{
		UserID:          payload.UserID,
		PageID:          payload.PageID,
		PageName:        payload.PageName,
		PageToken:       payload.PageToken,
		MessageTemplate: payload.MessageTemplate,
		MessageTag:      payload.MessageTag,
		DelayMs:         delayMs,
		Recipients:      payload.Recipients,
		LocalMediaPaths: payload.LocalMediaPaths,
		RemoteMediaURLs: payload.RemoteMediaURLs,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"id": id, "status": string(model.StatusRunning)})
}

func (h *CampaignHandler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Pause)
}

func (h *CampaignHandler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Resume)
}

func (h *CampaignHandler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Cancel)
}

func (h *CampaignHandler) transition(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	snapshot, err := h.Service.Status(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *CampaignHandler) GetCampaignStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.Service.Status(chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

func (h *CampaignHandler) ListActiveCampaigns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSONError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	campaigns, err := h.Service.ListActive(userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"data": campaigns})
}

// StreamCampaignEvents pushes progress events for one campaign as
// server-sent events until the client disconnects.
func (h *CampaignHandler) StreamCampaignEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before the snapshot read: events published while we fetch
	// the snapshot buffer in the channel instead of being lost.
	events, unsubscribe := h.Hub.Subscribe(id, 32)
	defer unsubscribe()

	snapshot, err := h.Service.Status(id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Current state first, so a late subscriber is not blank until the next
	// send attempt.
	writeSSE(w, notify.ProgressEvent{
		CampaignID:      snapshot.ID,
		SentCount:       snapshot.SentCount,
		FailedCount:     snapshot.FailedCount,
		TotalRecipients: snapshot.TotalRecipients,
		Status:          string(snapshot.Status),
		Progress:        snapshot.ProgressPercent,
		LastMessage:     snapshot.LastMessage,
	})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev notify.ProgressEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func parseDelay(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return ms, nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil && mode == "random" {
		return model.DelayRandom, nil
	}
	return 0, errors.New(`delay_ms must be a number of milliseconds or "random"`)
}

func (h *CampaignHandler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		notFound *appErrors.ErrCampaignNotFound
		empty    *appErrors.ErrEmptyRecipients
		notRun   *appErrors.ErrNotRunning
		notPause *appErrors.ErrNotPaused
		terminal *appErrors.ErrTerminalState
	)
	switch {
	case errors.As(err, &notFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &empty):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &notRun), errors.As(err, &notPause), errors.As(err, &terminal):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		h.Log.Error().Err(err).Msg("campaign handler error")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
