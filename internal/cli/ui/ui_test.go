package ui

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestFormatErrorWithoutHint(t *testing.T) {
	out := FormatError(errors.New("disk full"))
	if !strings.Contains(out, "Error:") || !strings.Contains(out, "disk full") {
		t.Errorf("unexpected output %q", out)
	}
	if strings.Contains(out, "Try:") {
		t.Error("no suggestions expected for an unknown error")
	}
}

func TestFormatErrorAddsHints(t *testing.T) {
	err := fmt.Errorf("opening environment: %w", errors.New("target database URL is required (--target-url, target.database_url or DATABASE_URL)"))
	out := FormatError(err)
	if !strings.Contains(out, "Try:") {
		t.Fatalf("expected suggestions, got %q", out)
	}
	if !strings.Contains(out, "lexmigrate config set target.database_url") {
		t.Errorf("expected config hint, got %q", out)
	}
	if !strings.Contains(out, SymbolArrow) {
		t.Error("expected arrow before each suggestion")
	}
}

func TestSuggest(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{`invalid phase: "launched"`, "lexmigrate phase status"},
		{`invalid phase transition: schema_extracted -> files_migrated`, "lexmigrate phase status"},
		{"phase validation failed: schema_extracted", "lexmigrate checkpoint create <name>"},
		{"phase users_migrated is not ready to progress", "lexmigrate logs --level error"},
		{"backup 9a1b failed integrity verification", "lexmigrate backup list"},
		{"restoring backup 9a1b: rollback blocked by rows outside the backup: rows in cases reference mig_users through cases_owner_fkey", "lexmigrate logs --level error"},
		{"listen tcp :8095: bind: address already in use", "lexmigrate serve --port 8096"},
		{"admin JWT secret is not configured", "lexmigrate config set server.admin_jwt_secret <at least 32 characters>"},
		{"--live needs a legacy database URL (--legacy-url or legacy.database_url)", "lexmigrate config set legacy.database_url postgres://..."},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := Suggest(tt.msg)
			found := false
			for _, s := range got {
				if s == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("Suggest(%q) = %v, want it to contain %q", tt.msg, got, tt.want)
			}
		})
	}
	if got := Suggest("something unrelated"); got != nil {
		t.Errorf("expected no suggestions, got %v", got)
	}
}

func TestStepPlain(t *testing.T) {
	var buf bytes.Buffer
	st := NewStep(&buf, true)

	st.Start("Creating backup...")
	st.Done()
	st.Start("Validating schema_extracted...")
	st.Warn()
	st.Start("Restoring...")
	st.Fail()

	out := buf.String()
	for _, want := range []string{"Creating backup...", "Validating schema_extracted...", "Restoring...", SymbolCheck, SymbolWarning, SymbolCross, "ms)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
	if strings.Count(out, "\n") != 3 {
		t.Errorf("expected one line per step, got %q", out)
	}
}

func TestStepWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	st := NewStep(&buf, true)
	st.Stop()
	st.Done()
	if strings.Contains(buf.String(), "(") {
		t.Errorf("no elapsed time expected without Start, got %q", buf.String())
	}
}

func TestFormatElapsed(t *testing.T) {
	if got := formatElapsed(250 * time.Millisecond); got != "(250ms)" {
		t.Errorf("got %q", got)
	}
	if got := formatElapsed(2500 * time.Millisecond); got != "(2.5s)" {
		t.Errorf("got %q", got)
	}
}

func TestColorEnabledRespectsNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "")
	if ColorEnabled() {
		t.Error("an empty NO_COLOR still disables color")
	}
}

func TestColorEnabledWithoutTerminal(t *testing.T) {
	t.Setenv("NO_COLOR", "x")
	os.Unsetenv("NO_COLOR")
	if ColorEnabled() {
		t.Error("stderr is not a terminal under go test")
	}
}

func TestForcedRenderer(t *testing.T) {
	r := ForcedRenderer()
	if r != ForcedRenderer() {
		t.Error("expected a single shared renderer")
	}
	out := r.NewStyle().Bold(true).Render("mig_users")
	if !strings.Contains(out, "mig_users") || !strings.Contains(out, "\x1b[") {
		t.Errorf("expected ANSI-wrapped text, got %q", out)
	}
}

func TestBrandMark(t *testing.T) {
	if BrandMark != "⇄" {
		t.Errorf("BrandMark = %q", BrandMark)
	}
}
