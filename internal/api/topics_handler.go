package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/vdavid/vbridge/internal/apperr"
	"github.com/vdavid/vbridge/internal/logging"
	"github.com/vdavid/vbridge/internal/models"
	"github.com/vdavid/vbridge/internal/platform"
)

// TopicsHandler exposes the platform's topics to clients.
type TopicsHandler struct {
	platform platform.Platform
	log      zerolog.Logger
}

func NewTopicsHandler(p platform.Platform, log zerolog.Logger) *TopicsHandler {
	return &TopicsHandler{platform: p, log: logging.Component(log, "api.topics")}
}

// List returns the live topics of an account with their mapped thread ids.
func (h *TopicsHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		WriteError(w, h.log, apperr.Validation("account_id", "", "query parameter is required"))
		return
	}

	topics, err := h.platform.ListTopics(r.Context(), accountID)
	if err != nil {
		WriteError(w, h.log, err)
		return
	}
	if topics == nil {
		topics = []*models.Topic{}
	}
	WriteJSON(w, h.log, http.StatusOK, topics)
}

// Delete removes a topic. The reconciler notices and cleans up the thread.
func (h *TopicsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.platform.DeleteTopic(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
