// Package httputil holds the JSON envelope helpers shared by the HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MaxBodySize is the maximum allowed request body size. Extracted schemas
// posted back to generate-prisma can be large.
const MaxBodySize = 8 << 20

// DecodeJSON reads and decodes a JSON request body with size limiting.
// Writes a 400 error and returns false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// DecodeOptionalJSON is DecodeJSON for endpoints whose body may be empty.
func DecodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// ExtractBearerToken extracts a Bearer token from the Authorization header.
// Returns the token and true if found, or empty string and false otherwise.
func ExtractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := header[7:]
	if token == "" {
		return "", false
	}
	return token, true
}

// ErrorResponse is the error envelope for every lexmigrate endpoint.
type ErrorResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a standard error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{
		Code:    status,
		Message: message,
	})
}

// WriteErrorData writes an error response carrying structured detail, such
// as the failing checks of a validation.
func WriteErrorData(w http.ResponseWriter, status int, message string, data map[string]any) {
	WriteJSON(w, status, ErrorResponse{
		Code:    status,
		Message: message,
		Data:    data,
	})
}

// QueryInt parses an integer query parameter, returning def when it is
// absent or malformed.
func QueryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// IsValidUUID returns true if s is a valid UUID string.
func IsValidUUID(s string) bool {
	return uuid.Validate(s) == nil
}
