package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/lexledger/lexmigrate/internal/extract"
	"github.com/lexledger/lexmigrate/internal/httputil"
	"github.com/lexledger/lexmigrate/internal/metadata"
	"github.com/lexledger/lexmigrate/internal/prismagen"
)

type extractRequest struct {
	MigrationPath     string `json:"migrationPath"`
	IncludeLiveSchema bool   `json:"includeLiveSchema"`
	ValidateSchema    bool   `json:"validateSchema"`
	// ExportToFile is a .json, .yaml or .yml path on the server.
	ExportToFile string `json:"exportToFile"`
}

type extractResponse struct {
	Result     *metadata.ExtractionResult `json:"result"`
	Validation *extract.ValidationReport  `json:"validation,omitempty"`
}

type generateRequest struct {
	ExtractedSchema          *metadata.ExtractionResult `json:"extractedSchema"`
	OutputPath               string                     `json:"outputPath"`
	IncludeComments          bool                       `json:"includeComments"`
	PreserveSupabaseMetadata bool                       `json:"preserveSupabaseMetadata"`
	// UpdateExisting regenerates OutputPath in place, keeping a .bak copy.
	UpdateExisting bool `json:"updateExisting"`
}

type validatePrismaRequest struct {
	SchemaContent string `json:"schemaContent"`
}

func handleExtractSchema(ex schemaExtractor, defaultPath string, vopts extract.ValidateOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		if !httputil.DecodeOptionalJSON(w, r, &req) {
			return
		}
		if req.MigrationPath == "" {
			req.MigrationPath = defaultPath
		}

		result, err := ex.Extract(r.Context(), extract.Options{
			MigrationPath:     req.MigrationPath,
			IncludeLiveSchema: req.IncludeLiveSchema,
			ExportPath:        req.ExportToFile,
		})
		if err != nil {
			var exErr *extract.ExtractionError
			if errors.As(err, &exErr) || errors.Is(err, extract.ErrUnsupportedFormat) {
				httputil.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			httputil.WriteError(w, http.StatusInternalServerError, "schema extraction failed")
			return
		}

		resp := extractResponse{Result: result}
		if req.ValidateSchema {
			report := extract.Validate(result, vopts)
			resp.Validation = &report
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func handleGeneratePrisma() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if req.ExtractedSchema == nil {
			httputil.WriteError(w, http.StatusBadRequest, "extractedSchema is required")
			return
		}
		opts := prismagen.Options{
			OutputPath:               req.OutputPath,
			IncludeComments:          req.IncludeComments,
			PreserveSupabaseMetadata: req.PreserveSupabaseMetadata,
		}

		var res *prismagen.Result
		var err error
		if req.UpdateExisting {
			if req.OutputPath == "" {
				httputil.WriteError(w, http.StatusBadRequest, "updateExisting requires outputPath")
				return
			}
			res, err = prismagen.UpdateExisting(req.ExtractedSchema, req.OutputPath, opts)
		} else {
			res, err = prismagen.Generate(req.ExtractedSchema, opts)
		}
		if err != nil {
			httputil.WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, res)
	}
}

func handleValidatePrisma() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validatePrismaRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.SchemaContent) == "" {
			httputil.WriteError(w, http.StatusBadRequest, "schemaContent is required")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, prismagen.ValidateDocument(req.SchemaContent))
	}
}
