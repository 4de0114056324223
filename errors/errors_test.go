package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		category  Category
		retryable bool
	}{
		{"new", New(CategoryDecode, "jpeg.decode", base), CategoryDecode, false},
		{"transient", Transient("remote.detect", base), CategoryTransient, true},
		{"wrapped by fmt", fmt.Errorf("outer: %w", Transient("op", base)), CategoryTransient, true},
		{"plain", base, "", false},
		{"contract", Contract("blend", "%dx%d", 2, 3), CategoryContract, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.category {
				t.Errorf("CategoryOf = %q, want %q", got, tt.category)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v", got)
			}
			if tt.category != "" && !IsCategory(tt.err, tt.category) {
				t.Error("IsCategory = false")
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(CategoryStorage, "op", nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
	err := Wrap(CategoryStorage, "local.put", ErrStorageUnavailable)
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Error("sentinel lost")
	}
	if got := err.Error(); got != "[storage] local.put: storage unavailable" {
		t.Errorf("Error() = %q", got)
	}
}

func TestContractWrapsMismatch(t *testing.T) {
	err := Contract("matte.apply", "%v vs %v", 1, 2)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("%v does not wrap ErrDimensionMismatch", err)
	}
}
