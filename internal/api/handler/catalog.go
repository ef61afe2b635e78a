package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/langcode"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// LanguageLister lists supported languages.
type LanguageLister interface {
	Languages() []langcode.Language
}

// NewLanguagesHandler returns an http.HandlerFunc for GET /api/v1/languages.
func NewLanguagesHandler(l LanguageLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, l.Languages())
	}
}

// QueueStatter counts jobs by status.
type QueueStatter interface {
	Stats(ctx context.Context) (models.QueueStats, error)
}

type queueStatsResponse struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// NewQueueStatsHandler returns an http.HandlerFunc for GET /api/v1/queue.
func NewQueueStatsHandler(q QueueStatter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Stats(r.Context())
		if err != nil {
			slog.Error("queue stats failed", "error", err)
			response.InternalError(w)
			return
		}
		response.JSON(w, queueStatsResponse{
			Pending:    stats[models.JobStatusPending],
			Processing: stats[models.JobStatusProcessing],
			Completed:  stats[models.JobStatusCompleted],
			Failed:     stats[models.JobStatusFailed],
			Total:      stats.Total(),
		})
	}
}
