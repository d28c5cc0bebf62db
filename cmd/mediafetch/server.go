package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/swagaswaga777/kachokvideo-bot/internal/domain"
	"github.com/swagaswaga777/kachokvideo-bot/internal/observability"
	"github.com/swagaswaga777/kachokvideo-bot/internal/pipeline"
)

// jobRequest is the submit payload.
type jobRequest struct {
	UserID int64  `json:"user_id"`
	URL    string `json:"url"`
}

type jobResponse struct {
	JobID     string `json:"job_id"`
	Channel   string `json:"channel"`
	SizeBytes int64  `json:"size_bytes"`
	Title     string `json:"title,omitempty"`
	Degraded  bool   `json:"degraded,omitempty"`
	Reference string `json:"reference,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// registerJobRoutes exposes the pipeline over HTTP: POST /jobs runs a
// link end to end, DELETE /jobs/{id} cancels one.
func registerJobRoutes(mux *http.ServeMux, svc *pipeline.Service, logger observability.Logger) {
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Code: "BAD_REQUEST", Message: "user_id and url are required"})
			return
		}

		res, err := svc.Handle(r.Context(), pipeline.Request{
			UserID:      req.UserID,
			RawURL:      req.URL,
			RequestedAt: time.Now(),
		})
		if err != nil {
			logger.Warn(r.Context(), "job request failed", observability.Fields{
				"user_id": req.UserID,
				"error":   err.Error(),
			})
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse{
			JobID:     res.JobID,
			Channel:   string(res.Channel),
			SizeBytes: res.SizeBytes,
			Title:     res.Title,
			Degraded:  res.Degraded,
			Reference: res.Reference,
		})
	})

	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
		if jobID == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if !svc.Cancel(r.Context(), jobID) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

func writeError(w http.ResponseWriter, err error) {
	if rej, ok := domain.AsRejection(err); ok {
		status := http.StatusUnprocessableEntity
		switch rej.Code {
		case domain.RejectRateLimited, domain.RejectTooManyConcurrent:
			status = http.StatusTooManyRequests
		case domain.RejectServerBusy:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Code: string(rej.Code), Message: rej.Message})
		return
	}
	if fail, ok := domain.AsFailure(err); ok {
		writeJSON(w, http.StatusBadGateway, errorResponse{Code: string(fail.Code), Message: fail.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
