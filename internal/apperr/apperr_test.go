package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("save: %w", Wrap(KindPersistence, "save_downloaded_data", base))

	if got := KindOf(err); got != KindPersistence {
		t.Fatalf("KindOf() = %q, want %q", got, KindPersistence)
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(err, base) = false, want true")
	}
	if !Is(err, KindPersistence) {
		t.Fatalf("Is(err, KindPersistence) = false")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Fatalf("KindOf() = %q, want %q", got, KindInternal)
	}
	if Is(nil, KindInternal) {
		t.Fatalf("Is(nil) = true, want false")
	}
}

func TestErrorMessageIncludesStatus(t *testing.T) {
	err := &Error{Kind: KindAuth, Op: "upload", Status: 401, Message: "Token is invalid"}
	msg := err.Error()
	for _, want := range []string{"[auth]", "upload", "Token is invalid", "401"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Error() = %q, missing %q", msg, want)
		}
	}
}
