// Package testutil holds assertion and fixture helpers shared by package tests.
package testutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
)

// DiscardLogger returns a *slog.Logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Equal fails the test if want != got.
func Equal[T comparable](t testing.TB, want, got T) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// NotEqual fails the test if want == got.
func NotEqual[T comparable](t testing.TB, want, got T) {
	t.Helper()
	if got == want {
		t.Errorf("got %v, should not equal %v", got, want)
	}
}

// NoError stops the test if err is not nil.
func NoError(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ErrorContains fails the test if err is nil or its message lacks substr.
func ErrorContains(t testing.TB, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not contain %q", err.Error(), substr)
	}
}

// ErrorIs fails the test if err does not wrap target.
func ErrorIs(t testing.TB, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Errorf("error %v is not %v", err, target)
	}
}

// True fails the test if condition is false.
func True(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if !condition {
		t.Error(failureMessage("expected true", msgAndArgs))
	}
}

// False fails the test if condition is true.
func False(t testing.TB, condition bool, msgAndArgs ...any) {
	t.Helper()
	if condition {
		t.Error(failureMessage("expected false", msgAndArgs))
	}
}

func failureMessage(prefix string, msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return prefix
	}
	format, ok := msgAndArgs[0].(string)
	if !ok {
		return prefix + ": " + fmt.Sprint(msgAndArgs...)
	}
	return prefix + ": " + fmt.Sprintf(format, msgAndArgs[1:]...)
}

// isNil also catches typed nils wrapped in a non-nil interface.
func isNil(val any) bool {
	if val == nil {
		return true
	}
	v := reflect.ValueOf(val)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Nil fails the test if val is not nil.
func Nil(t testing.TB, val any) {
	t.Helper()
	if !isNil(val) {
		t.Errorf("expected nil, got %v", val)
	}
}

// NotNil stops the test if val is nil.
func NotNil(t testing.TB, val any) {
	t.Helper()
	if isNil(val) {
		t.Fatal("expected non-nil, got nil")
	}
}

// SliceLen fails the test if the slice doesn't have the expected length.
func SliceLen[T any](t testing.TB, slice []T, wantLen int) {
	t.Helper()
	if len(slice) != wantLen {
		t.Errorf("slice length: got %d, want %d (%v)", len(slice), wantLen, slice)
	}
}

// SliceContains fails the test if want is not an element of slice.
func SliceContains[T comparable](t testing.TB, slice []T, want T) {
	t.Helper()
	if !slices.Contains(slice, want) {
		t.Errorf("%v does not contain %v", slice, want)
	}
}

// MapLen fails the test if the map doesn't have the expected length.
func MapLen[K comparable, V any](t testing.TB, m map[K]V, wantLen int) {
	t.Helper()
	if len(m) != wantLen {
		t.Errorf("map length: got %d, want %d", len(m), wantLen)
	}
}

// StatusCode stops the test on a status mismatch, since the body shape
// differs and later assertions would be noise.
func StatusCode(t testing.TB, want, got int) {
	t.Helper()
	if got != want {
		t.Fatalf("HTTP status: got %d, want %d", got, want)
	}
}

// Contains fails the test if s does not contain substr.
func Contains(t testing.TB, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("%q does not contain %q", s, substr)
	}
}

// NotContains fails the test if s contains substr.
func NotContains(t testing.TB, s, substr string) {
	t.Helper()
	if strings.Contains(s, substr) {
		t.Errorf("%q should not contain %q", s, substr)
	}
}

// WriteFiles creates each name -> content pair under dir and returns dir.
func WriteFiles(t testing.TB, dir string, files map[string]string) string {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return dir
}
