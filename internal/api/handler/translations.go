package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/transly/internal/api/middleware"
	"github.com/kiranshivaraju/transly/internal/api/response"
	"github.com/kiranshivaraju/transly/internal/credits"
	"github.com/kiranshivaraju/transly/internal/pipeline"
	"github.com/kiranshivaraju/transly/pkg/models"
)

// TranslationService is the slice of the orchestrator the translation
// endpoints depend on.
type TranslationService interface {
	SubmitJob(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.Submission, error)
	GetJobStatus(ctx context.Context, jobID uuid.UUID, requesterID string) (*models.JobStatusView, error)
}

type submitRequest struct {
	Kind           string `json:"kind"`
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// NewSubmitTranslationHandler returns an http.HandlerFunc for POST /api/v1/translations.
// Requests without an authenticated owner are submitted as a guest.
func NewSubmitTranslationHandler(svc TranslationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := response.Decode(w, r, &req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		owner, _ := mw.GetOwnerID(r)
		sub, err := svc.SubmitJob(r.Context(), pipeline.SubmitRequest{
			Kind:           models.JobKind(req.Kind),
			Text:           req.Text,
			SourceLanguage: req.SourceLanguage,
			TargetLanguage: req.TargetLanguage,
			OwnerID:        owner,
		})
		if err != nil {
			writeSubmitError(w, r, err)
			return
		}

		w.Header().Set("Location", "/api/v1/translations/"+sub.JobID.String())
		response.Accepted(w, sub)
	}
}

func writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr         *pipeline.ValidationError
		insufficient *credits.InsufficientCreditsError
	)
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", verr.Message,
			map[string]string{"field": verr.Field})
	case errors.Is(err, pipeline.ErrLoginRequired):
		response.Error(w, http.StatusUnauthorized, "LOGIN_REQUIRED",
			"Sign in to translate text beyond the free allowance", nil)
	case errors.As(err, &insufficient):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits for this translation",
			map[string]int{"required": insufficient.Required, "available": insufficient.Available})
	default:
		slog.Error("submit translation failed", "error", err, "path", r.URL.Path)
		response.InternalError(w)
	}
}

// NewGetTranslationHandler returns an http.HandlerFunc for GET /api/v1/translations/{jobID}.
func NewGetTranslationHandler(svc TranslationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job ID must be a UUID", nil)
			return
		}

		owner, _ := mw.GetOwnerID(r)
		view, err := svc.GetJobStatus(r.Context(), jobID, owner)
		if err != nil {
			if errors.Is(err, pipeline.ErrJobNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Translation job not found", nil)
				return
			}
			slog.Error("get translation status failed", "error", err, "job_id", jobID)
			response.InternalError(w)
			return
		}
		response.JSON(w, view)
	}
}
