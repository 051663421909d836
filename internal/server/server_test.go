package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lexledger/lexmigrate/internal/config"
	"github.com/lexledger/lexmigrate/internal/orchestrator"
	"github.com/lexledger/lexmigrate/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// fakeMigration is an in-memory migrationService.
type fakeMigration struct {
	phase       orchestrator.Phase
	backups     map[string]*orchestrator.Backup
	checkpoints []*orchestrator.Checkpoint

	advanceErr   error
	rollbackErr  error
	integrity    *orchestrator.IntegrityReport
	progression  *orchestrator.ProgressionCheck
	lastDesc     string
	lastCPPhase  *orchestrator.Phase
	createCPErr  error
	createBakErr error
}

func newFakeMigration() *fakeMigration {
	return &fakeMigration{phase: orchestrator.PhaseInitial, backups: map[string]*orchestrator.Backup{}}
}

func (f *fakeMigration) Status(context.Context) (*orchestrator.Status, error) {
	next, _ := f.phase.Next()
	return &orchestrator.Status{Phase: f.phase, NextPhase: next, Checkpoints: map[orchestrator.Phase]*orchestrator.Checkpoint{}, Backups: len(f.backups)}, nil
}

func (f *fakeMigration) AdvancePhase(_ context.Context, to orchestrator.Phase) (*orchestrator.State, error) {
	if f.advanceErr != nil {
		return nil, f.advanceErr
	}
	f.phase = to
	return &orchestrator.State{Phase: to}, nil
}

func (f *fakeMigration) CreateCheckpoint(_ context.Context, name string, phase orchestrator.Phase, desc string) (*orchestrator.Checkpoint, error) {
	if f.createCPErr != nil {
		return nil, f.createCPErr
	}
	cp := &orchestrator.Checkpoint{ID: "5d3f1c2a-0000-4000-8000-000000000001", Name: name, Phase: phase, Description: desc}
	f.checkpoints = append(f.checkpoints, cp)
	return cp, nil
}

func (f *fakeMigration) ListCheckpoints(_ context.Context, phase *orchestrator.Phase) ([]*orchestrator.Checkpoint, error) {
	f.lastCPPhase = phase
	var out []*orchestrator.Checkpoint
	for _, cp := range f.checkpoints {
		if phase == nil || cp.Phase == *phase {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakeMigration) ValidateCheckpointBeforeProgression(_ context.Context, phase orchestrator.Phase) (*orchestrator.ProgressionCheck, error) {
	if f.progression != nil {
		return f.progression, nil
	}
	return &orchestrator.ProgressionCheck{Valid: false, Validation: orchestrator.ValidationResults{
		Checks: []orchestrator.ValidationCheck{{Name: "checkpoint", Message: "no checkpoint recorded for phase " + string(phase)}},
	}}, nil
}

func (f *fakeMigration) RollbackToCheckpoint(_ context.Context, id string) (*orchestrator.RollbackResult, error) {
	for _, cp := range f.checkpoints {
		if cp.ID == id {
			if cp.BackupID == "" {
				return nil, orchestrator.ErrNoSnapshot
			}
			return &orchestrator.RollbackResult{BackupID: cp.BackupID, Phase: cp.Phase}, nil
		}
	}
	return nil, orchestrator.ErrNotFound
}

func (f *fakeMigration) CreateCompleteBackup(_ context.Context, desc string) (*orchestrator.CompleteBackupResult, error) {
	if f.createBakErr != nil {
		return nil, f.createBakErr
	}
	f.lastDesc = desc
	b := &orchestrator.Backup{ID: "9a1b2c3d-0000-4000-8000-000000000002", Kind: orchestrator.BackupManual, Description: desc, Status: orchestrator.BackupCompleted}
	f.backups[b.ID] = b
	return &orchestrator.CompleteBackupResult{Backup: b}, nil
}

func (f *fakeMigration) ListBackups(context.Context) ([]*orchestrator.Backup, error) {
	var out []*orchestrator.Backup
	for _, b := range f.backups {
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeMigration) GetBackup(_ context.Context, id string) (*orchestrator.Backup, error) {
	b, ok := f.backups[id]
	if !ok {
		return nil, orchestrator.ErrNotFound
	}
	return b, nil
}

func (f *fakeMigration) DeleteBackup(_ context.Context, id string) error {
	if _, ok := f.backups[id]; !ok {
		return orchestrator.ErrNotFound
	}
	delete(f.backups, id)
	return nil
}

func (f *fakeMigration) ValidateBackupIntegrity(_ context.Context, id string) (*orchestrator.IntegrityReport, error) {
	if _, ok := f.backups[id]; !ok {
		return nil, orchestrator.ErrNotFound
	}
	if f.integrity != nil {
		return f.integrity, nil
	}
	return &orchestrator.IntegrityReport{BackupID: id, Valid: true}, nil
}

func (f *fakeMigration) RollbackToBackup(_ context.Context, id string) (*orchestrator.RollbackResult, error) {
	if f.rollbackErr != nil {
		return nil, f.rollbackErr
	}
	if _, ok := f.backups[id]; !ok {
		return nil, orchestrator.ErrNotFound
	}
	return &orchestrator.RollbackResult{BackupID: id, TablesRestored: 3, RowsRestored: 12}, nil
}

func testConfig(secret string) *config.Config {
	cfg := config.Default()
	cfg.Server.AdminJWTSecret = secret
	return cfg
}

func newTestServer(deps Deps) *Server {
	if deps.Migration == nil {
		deps.Migration = newFakeMigration()
	}
	return New(testConfig(""), testutil.DiscardLogger(), deps)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	testutil.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := New(testConfig(testSecret), testutil.DiscardLogger(), Deps{Migration: newFakeMigration()})

	w := do(t, srv.Router(), http.MethodGet, "/health", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	testutil.Equal(t, any("ok"), body["status"])
}

func signed(t *testing.T, claims jwt.Claims, method jwt.SigningMethod, key any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	testutil.NoError(t, err)
	return s
}

func TestAdminGuard(t *testing.T) {
	t.Parallel()
	srv := New(testConfig(testSecret), testutil.DiscardLogger(), Deps{Migration: newFakeMigration()})

	valid, err := IssueAdminToken(testSecret, "ops@lexledger.fr", time.Hour)
	testutil.NoError(t, err)
	now := time.Now()

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "no token", status: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not.a.jwt", status: http.StatusUnauthorized},
		{name: "valid", header: "Bearer " + valid, status: http.StatusOK},
		{name: "wrong secret", header: "Bearer " + signed(t, &AdminClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}, Role: AdminRole,
		}, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx")), status: http.StatusUnauthorized},
		{name: "wrong role", header: "Bearer " + signed(t, &AdminClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}, Role: "avocat",
		}, jwt.SigningMethodHS256, []byte(testSecret)), status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + signed(t, &AdminClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))}, Role: AdminRole,
		}, jwt.SigningMethodHS256, []byte(testSecret)), status: http.StatusUnauthorized},
		{name: "no expiry", header: "Bearer " + signed(t, &AdminClaims{Role: AdminRole}, jwt.SigningMethodHS256, []byte(testSecret)), status: http.StatusUnauthorized},
		{name: "alg none", header: "Bearer " + signed(t, &AdminClaims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))}, Role: AdminRole,
		}, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType), status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var headers []string
			if tt.header != "" {
				headers = []string{"Authorization", tt.header}
			}
			w := do(t, srv.Router(), http.MethodGet, "/migration/status", "", headers...)
			testutil.StatusCode(t, tt.status, w.Code)
		})
	}
}

func TestAdminGuardDisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	w := do(t, newTestServer(Deps{}).Router(), http.MethodGet, "/migration/status", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
}

func TestIssueAdminTokenRequiresSecret(t *testing.T) {
	t.Parallel()
	_, err := IssueAdminToken("", "ops", time.Hour)
	testutil.ErrorContains(t, err, "not configured")
}

func TestOptionalRoutesNotRegistered(t *testing.T) {
	t.Parallel()
	h := newTestServer(Deps{}).Router()
	testutil.StatusCode(t, http.StatusNotFound, do(t, h, http.MethodPost, "/migration/users/migrate", "{}").Code)
	testutil.StatusCode(t, http.StatusNotFound, do(t, h, http.MethodGet, "/migration/logs", "").Code)
	testutil.StatusCode(t, http.StatusNotFound, do(t, h, http.MethodPost, "/migration/schema/extract", "{}").Code)
}

func TestShutdownBeforeStart(t *testing.T) {
	t.Parallel()
	testutil.NoError(t, newTestServer(Deps{}).Shutdown(context.Background()))
}
