package server

import (
	"errors"
	"net/http"

	"github.com/lexledger/lexmigrate/internal/auditlog"
	"github.com/lexledger/lexmigrate/internal/httputil"
	"github.com/lexledger/lexmigrate/internal/identity"
)

// migrateUsersRequest overrides the configured identity defaults. Absent
// fields keep the default.
type migrateUsersRequest struct {
	BatchSize        *int    `json:"batchSize"`
	PasswordStrategy *string `json:"passwordStrategy"`
	PreserveIDs      *bool   `json:"preserveIds"`
	ContinueOnError  *bool   `json:"continueOnError"`
	DryRun           *bool   `json:"dryRun"`
	Validate         *bool   `json:"validate"`
	Concurrency      *int    `json:"concurrency"`
}

func (req migrateUsersRequest) apply(opts identity.Options) (identity.Options, error) {
	if req.BatchSize != nil {
		if *req.BatchSize < 1 {
			return opts, errors.New("batchSize must be at least 1")
		}
		opts.BatchSize = *req.BatchSize
	}
	if req.PasswordStrategy != nil {
		s, err := identity.ParseStrategy(*req.PasswordStrategy)
		if err != nil {
			return opts, err
		}
		opts.PasswordStrategy = s
	}
	if req.PreserveIDs != nil {
		opts.PreserveIDs = *req.PreserveIDs
	}
	if req.ContinueOnError != nil {
		opts.ContinueOnError = *req.ContinueOnError
	}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}
	if req.Validate != nil {
		opts.Validate = *req.Validate
	}
	if req.Concurrency != nil {
		if *req.Concurrency < 1 || *req.Concurrency > 32 {
			return opts, errors.New("concurrency must be between 1 and 32")
		}
		opts.Concurrency = *req.Concurrency
	}
	return opts, nil
}

func handleMigrateUsers(m userMigrator, defaults identity.Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req migrateUsersRequest
		if !httputil.DecodeOptionalJSON(w, r, &req) {
			return
		}
		opts, err := req.apply(defaults)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		report, err := m.MigrateAll(r.Context(), opts)
		switch {
		case err == nil:
			httputil.WriteJSON(w, http.StatusOK, report)
		case errors.Is(err, identity.ErrAborted) && report != nil:
			// The partial report says which account stopped the run.
			httputil.WriteErrorData(w, http.StatusConflict, err.Error(), map[string]any{"report": report})
		case errors.Is(err, identity.ErrInvalidStrategy):
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrExport):
			httputil.WriteError(w, http.StatusBadGateway, err.Error())
		default:
			httputil.WriteError(w, http.StatusInternalServerError, "user migration failed")
		}
	}
}

type logListResponse struct {
	Items []auditlog.Entry `json:"items"`
	Count int              `json:"count"`
}

func handleListLogs(logs logLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := auditlog.Filter{
			Phase: q.Get("phase"),
			Level: auditlog.Level(q.Get("level")),
			Limit: httputil.QueryInt(r, "limit", 100),
		}
		if f.Level != "" && !f.Level.Valid() {
			httputil.WriteError(w, http.StatusBadRequest, "invalid level filter; must be one of: debug, info, warn, error")
			return
		}
		items, err := logs.List(r.Context(), f)
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, "failed to list audit log")
			return
		}
		if items == nil {
			items = []auditlog.Entry{}
		}
		httputil.WriteJSON(w, http.StatusOK, logListResponse{Items: items, Count: len(items)})
	}
}
