package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := StorageError(cause, "failed to upload artifact")

	if !errors.Is(err, err) {
		t.Error("error should match itself")
	}
	if errors.Unwrap(err) != cause {
		t.Errorf("Unwrap() = %v, want %v", errors.Unwrap(err), cause)
	}
	if err.Error() != "failed to upload artifact: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestIsKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		want bool
	}{
		{"validation error matches", ValidationError("bad filter"), KindValidation, true},
		{"validation error does not match not-found", ValidationError("bad filter"), KindNotFound, false},
		{"wrapped kind survives fmt.Errorf", fmt.Errorf("executor: %w", NotFoundErrorf("ref %s", "main")), KindNotFound, true},
		{"foreign error matches nothing", fmt.Errorf("plain"), KindValidation, false},
		{"sentinel concurrency", ErrConcurrentRefUpdate, KindConcurrency, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKind(tt.err, tt.kind); got != tt.want {
				t.Errorf("IsKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetKindForeignError(t *testing.T) {
	if got := GetKind(fmt.Errorf("boom")); got != KindInternal {
		t.Errorf("GetKind(foreign) = %v, want KindInternal", got)
	}
}

func TestWithContext(t *testing.T) {
	err := DomainError("stratified sampling requires strata columns").
		WithContext("method", "stratified").
		WithContext("round", 2)

	if err.Context["method"] != "stratified" {
		t.Errorf("context method = %v", err.Context["method"])
	}
	detailed := err.DetailedString()
	if len(detailed) == 0 {
		t.Error("DetailedString() returned empty string")
	}
}
