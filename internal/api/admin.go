package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"courier/internal/models"

	"github.com/rs/zerolog"
)

type directory interface {
	Entries() []models.DirectoryEntry
	Entry(username string) (models.DirectoryEntry, error)
}

// DelayLister reads back recorded delay samples.
type DelayLister interface {
	ListDelays() ([]models.DelaySample, error)
}

type AdminHandler struct {
	directory directory
	delays    DelayLister
	logger    zerolog.Logger
}

// NewAdminHandler serves read-only views of the relay. delays may be nil
// when the diagnostics store is disabled.
func NewAdminHandler(dir directory, delays DelayLister, logger *zerolog.Logger) *AdminHandler {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &AdminHandler{
		directory: dir,
		delays:    delays,
		logger:    l.With().Str("component", "admin").Logger(),
	}
}

type DelayResponse struct {
	Username    string `json:"username"`
	DelayMillis int64  `json:"delayMillis"`
	RecordedAt  int64  `json:"recordedAt"`
}

func (h *AdminHandler) DirectoryHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.directory.Entries())
}

func (h *AdminHandler) EntryHandler(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")

	entry, err := h.directory.Entry(username)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, fmt.Sprintf("%s does not exist", username), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, entry)
}

func (h *AdminHandler) DelaysHandler(w http.ResponseWriter, r *http.Request) {
	if h.delays == nil {
		http.Error(w, "Delay recording is disabled", http.StatusNotFound)
		return
	}

	samples, err := h.delays.ListDelays()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list delays")
		http.Error(w, "Failed to list delays", http.StatusInternalServerError)
		return
	}

	resp := make([]DelayResponse, 0, len(samples))
	for _, s := range samples {
		resp = append(resp, DelayResponse{
			Username:    s.Username,
			DelayMillis: s.DelayMillis,
			RecordedAt:  s.RecordedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug().Err(err).Msg("failed to encode response")
	}
}
