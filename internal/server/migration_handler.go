package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexledger/lexmigrate/internal/blobstore"
	"github.com/lexledger/lexmigrate/internal/httputil"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
)

type backupListResponse struct {
	Items []*orchestrator.Backup `json:"items"`
	Count int                    `json:"count"`
}

type checkpointListResponse struct {
	Checkpoints []*orchestrator.Checkpoint `json:"checkpoints"`
	Total       int                        `json:"total"`
}

type createBackupRequest struct {
	Description string `json:"description"`
}

type createCheckpointRequest struct {
	Name        string `json:"name"`
	Phase       string `json:"phase"`
	Description string `json:"description"`
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

// writeServiceError maps orchestrator and backend sentinels to statuses.
// Unrecognized errors become a 500 with fallback as the message.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidPhase):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrIntegrityViolation),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrPhaseValidationFailed),
		errors.Is(err, orchestrator.ErrNoSnapshot),
		errors.Is(err, orchestrator.ErrRestoreBlocked),
		errors.Is(err, orchestrator.ErrDuplicate):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		httputil.WriteError(w, http.StatusInternalServerError, fallback)
	}
}

func parsePhase(w http.ResponseWriter, s string) (orchestrator.Phase, bool) {
	if s == "" {
		httputil.WriteError(w, http.StatusBadRequest, "phase is required")
		return "", false
	}
	p, err := orchestrator.ParsePhase(s)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return p, true
}

func pathID(w http.ResponseWriter, r *http.Request, param, what string) (string, bool) {
	id := chi.URLParam(r, param)
	if !httputil.IsValidUUID(id) {
		httputil.WriteError(w, http.StatusBadRequest, "invalid "+what+" id format")
		return "", false
	}
	return id, true
}

func handleStatus(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Status(r.Context())
		if err != nil {
			writeServiceError(w, err, "failed to read migration status")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	}
}

func handleAdvancePhase(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req phaseRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		to, ok := parsePhase(w, req.Phase)
		if !ok {
			return
		}
		st, err := svc.AdvancePhase(r.Context(), to)
		if err != nil {
			writeServiceError(w, err, "failed to advance phase")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, st)
	}
}

func handleCreateBackup(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBackupRequest
		if !httputil.DecodeOptionalJSON(w, r, &req) {
			return
		}
		res, err := svc.CreateCompleteBackup(r.Context(), req.Description)
		if err != nil {
			writeServiceError(w, err, "failed to create backup")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, res)
	}
}

func handleListBackups(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.ListBackups(r.Context())
		if err != nil {
			writeServiceError(w, err, "failed to list backups")
			return
		}
		if items == nil {
			items = []*orchestrator.Backup{}
		}
		httputil.WriteJSON(w, http.StatusOK, backupListResponse{Items: items, Count: len(items)})
	}
}

func handleGetBackup(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "backup")
		if !ok {
			return
		}
		b, err := svc.GetBackup(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, "failed to get backup")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, b)
	}
}

func handleDeleteBackup(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "backup")
		if !ok {
			return
		}
		if err := svc.DeleteBackup(r.Context(), id); err != nil {
			writeServiceError(w, err, "failed to delete backup")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleVerifyBackup(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "backup")
		if !ok {
			return
		}
		report, err := svc.ValidateBackupIntegrity(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, "failed to verify backup")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, report)
	}
}

func handleRollbackToBackup(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "backupId", "backup")
		if !ok {
			return
		}
		res, err := svc.RollbackToBackup(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, "rollback failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}

func handleCreateCheckpoint(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createCheckpointRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		phase, ok := parsePhase(w, req.Phase)
		if !ok {
			return
		}
		cp, err := svc.CreateCheckpoint(r.Context(), req.Name, phase, req.Description)
		if err != nil {
			writeServiceError(w, err, "failed to create checkpoint")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, cp)
	}
}

func handleListCheckpoints(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var filter *orchestrator.Phase
		if v := r.URL.Query().Get("phase"); v != "" {
			p, ok := parsePhase(w, v)
			if !ok {
				return
			}
			filter = &p
		}
		items, err := svc.ListCheckpoints(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err, "failed to list checkpoints")
			return
		}
		if items == nil {
			items = []*orchestrator.Checkpoint{}
		}
		httputil.WriteJSON(w, http.StatusOK, checkpointListResponse{Checkpoints: items, Total: len(items)})
	}
}

func handleValidateCheckpoint(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req phaseRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		phase, ok := parsePhase(w, req.Phase)
		if !ok {
			return
		}
		res, err := svc.ValidateCheckpointBeforeProgression(r.Context(), phase)
		if err != nil {
			writeServiceError(w, err, "failed to validate checkpoint")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}

func handleRollbackToCheckpoint(svc migrationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "checkpoint")
		if !ok {
			return
		}
		res, err := svc.RollbackToCheckpoint(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, "rollback failed")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}
