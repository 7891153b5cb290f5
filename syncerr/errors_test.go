package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs_MatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Conflict("mappingstore.CreateMapping", "code %d already mapped", 7))

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match not found")
	}
	if KindOf(err) != KindConflict {
		t.Fatalf("expected kind conflict, got %q", KindOf(err))
	}
}

func TestError_MessageIncludesOpAndCause(t *testing.T) {
	err := External("pushclient.Submit", errors.New("503"))
	want := "pushclient.Submit: external system failure: 503"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors have no kind")
	}
}
