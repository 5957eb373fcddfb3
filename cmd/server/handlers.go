package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/PixelForge-AI/generation_service/internal/errors"
	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/services/generation"
	"github.com/PixelForge-AI/generation_service/services/quota"
)

// api bundles the handler dependencies.
type api struct {
	quota  *quota.Service
	jobs   *generation.Service
	logger *logging.Logger
}

// handleCreateGeneration admits and enqueues a billable generation job.
// Order matters: the rate limiter ran in middleware (cheap check first),
// quota is checked before any durable write, and credits are consumed only
// after the enqueue succeeded.
func (a *api) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	clientID := logging.GetUserID(r.Context())
	if clientID == "" {
		writeError(w, errors.Unauthorized("missing client identity"))
		return
	}

	var req generation.GenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.Prompt == "" {
		writeError(w, errors.BadRequest("prompt is required"))
		return
	}
	if req.Count < 0 || req.Count > 10 {
		writeError(w, errors.BadRequest("count must be between 1 and 10"))
		return
	}

	units := int64(req.Count)
	if units == 0 {
		units = 1
	}

	denial, err := a.quota.CheckQuota(r.Context(), clientID, units)
	if err != nil {
		a.logger.Error("quota check failed", "client_id", clientID, "err", err)
		writeError(w, errors.Internal("quota check failed"))
		return
	}
	if denial != nil {
		writeError(w, errors.QuotaExceeded(denial.Used, denial.Limit, denial.Requested))
		return
	}

	result, err := a.jobs.Enqueue(r.Context(), &req, generation.EnqueueOptions{
		GroupID: r.Header.Get("X-Group-ID"),
	})
	if err != nil {
		a.logger.Error("enqueue failed", "client_id", clientID, "err", err)
		writeError(w, errors.Internal("could not enqueue job"))
		return
	}

	// Consume only after the durable enqueue. If this write is lost the
	// client is under-charged, never over-charged.
	if err := a.quota.ConsumeCredits(r.Context(), clientID, units); err != nil {
		a.logger.Error("consume credits failed after enqueue",
			"client_id", clientID, "job_id", result.JobID, "err", err)
	}

	writeJSON(w, http.StatusAccepted, result)
}

// handleGetGeneration serves the job status document polled by clients.
func (a *api) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := a.jobs.Get(r.Context(), jobID)
	if err == generation.ErrJobNotFound {
		writeError(w, errors.NotFound("job"))
		return
	}
	if err != nil {
		a.logger.Error("get job failed", "job_id", jobID, "err", err)
		writeError(w, errors.Internal("could not load job"))
		return
	}

	writeJSON(w, http.StatusOK, job.StatusResponse())
}

// handleGetQuota returns the caller's current-period usage.
func (a *api) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	clientID := logging.GetUserID(r.Context())
	if clientID == "" {
		writeError(w, errors.Unauthorized("missing client identity"))
		return
	}

	usage, err := a.quota.GetUsage(r.Context(), clientID)
	if err != nil {
		a.logger.Error("get usage failed", "client_id", clientID, "err", err)
		writeError(w, errors.Internal("could not load usage"))
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

type grantRequest struct {
	ClientID string `json:"client_id"`
	NewLimit int64  `json:"new_limit"`
	Reason   string `json:"reason"`
}

// handleGrantCredits sets a client's monthly limit. Admin only.
func (a *api) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.ClientID == "" || req.NewLimit <= 0 {
		writeError(w, errors.BadRequest("client_id and a positive new_limit are required"))
		return
	}

	actor := logging.GetUserID(r.Context())
	if err := a.quota.GrantCredits(r.Context(), actor, req.ClientID, req.NewLimit, req.Reason); err != nil {
		a.logger.Error("grant credits failed", "client_id", req.ClientID, "err", err)
		writeError(w, errors.Internal("could not grant credits"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type resetRequest struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

// handleResetUsage zeroes a client's current-period usage. Admin only.
func (a *api) handleResetUsage(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if req.ClientID == "" {
		writeError(w, errors.BadRequest("client_id is required"))
		return
	}

	actor := logging.GetUserID(r.Context())
	if err := a.quota.ResetUsage(r.Context(), actor, req.ClientID, req.Reason); err != nil {
		a.logger.Error("reset usage failed", "client_id", req.ClientID, "err", err)
		writeError(w, errors.Internal("could not reset usage"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// JSON helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, svcErr *errors.ServiceError) {
	writeJSON(w, svcErr.HTTPStatus, map[string]interface{}{"error": svcErr})
}
