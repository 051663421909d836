package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lexledger/lexmigrate/internal/testutil"
)

func TestWriteError(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	WriteError(w, http.StatusConflict, "backup integrity violation")

	testutil.StatusCode(t, http.StatusConflict, w.Code)
	testutil.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body ErrorResponse
	testutil.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	testutil.Equal(t, http.StatusConflict, body.Code)
	testutil.Equal(t, "backup integrity violation", body.Message)
	testutil.Nil(t, body.Data)
}

func TestWriteErrorData(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	WriteErrorData(w, http.StatusConflict, "phase validation failed", map[string]any{"phase": "users_migrated"})

	var body map[string]any
	testutil.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	data, ok := body["data"].(map[string]any)
	testutil.True(t, ok)
	testutil.Equal(t, any("users_migrated"), data["phase"])
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		body   string
		ok     bool
		status int
	}{
		{name: "valid", body: `{"name":"schema"}`, ok: true},
		{name: "malformed", body: `{"name":`, status: http.StatusBadRequest},
		{name: "empty", body: ``, status: http.StatusBadRequest},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", MaxBodySize) + `"}`, status: http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var v struct {
				Name string `json:"name"`
			}
			got := DecodeJSON(w, r, &v)
			testutil.Equal(t, tt.ok, got)
			if tt.ok {
				testutil.Equal(t, "schema", v.Name)
				return
			}
			testutil.StatusCode(t, tt.status, w.Code)
		})
	}
}

func TestDecodeOptionalJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		Description string `json:"description"`
	}
	w := httptest.NewRecorder()
	testutil.True(t, DecodeOptionalJSON(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("")), &v))
	testutil.Equal(t, "", v.Description)

	w = httptest.NewRecorder()
	testutil.False(t, DecodeOptionalJSON(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{")), &v))
	testutil.StatusCode(t, http.StatusBadRequest, w.Code)
}

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		token, ok := ExtractBearerToken(r)
		testutil.Equal(t, tt.ok, ok)
		testutil.Equal(t, tt.token, token)
	}
}

func TestQueryInt(t *testing.T) {
	t.Parallel()
	r := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x", nil)
	testutil.Equal(t, 25, QueryInt(r, "limit", 100))
	testutil.Equal(t, 100, QueryInt(r, "bad", 100))
	testutil.Equal(t, 7, QueryInt(r, "missing", 7))
}

func TestIsValidUUID(t *testing.T) {
	t.Parallel()
	testutil.True(t, IsValidUUID("6f1c2b8e-2d4a-4c6e-9b1f-0a2c3d4e5f60"))
	testutil.False(t, IsValidUUID("not-a-uuid"))
	testutil.False(t, IsValidUUID(""))
}
