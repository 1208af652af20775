package artifact

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	ref, err := store.Store(ctx, "proj", []byte("archive-bytes"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	parsed, err := ParseReference(ref.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != ref {
		t.Fatalf("expected %+v, got %+v", ref, parsed)
	}
	data, err := store.Fetch(ctx, parsed)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "archive-bytes" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func TestMemoryDetectsCorruption(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	ref, _ := store.Store(ctx, "proj", []byte("original"))
	store.corrupt(ref.Key, []byte("tampered"))

	if _, err := store.Fetch(ctx, ref); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestMemoryMissingObject(t *testing.T) {
	store := NewMemory()
	if _, err := store.Fetch(context.Background(), Reference{Key: "proj/none"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	store := NewMemory()
	if _, err := store.Store(context.Background(), "../etc", []byte("x")); err == nil {
		t.Fatalf("expected path-like project rejected")
	}
	if _, err := store.Store(context.Background(), "proj", nil); err == nil {
		t.Fatalf("expected empty archive rejected")
	}
}

func TestParseReferenceRejectsGarbage(t *testing.T) {
	for _, value := range []string{"", "key", "key#sha256=abc;size=1", "#sha256=;size="} {
		if _, err := ParseReference(value); err == nil {
			t.Fatalf("expected %q rejected", value)
		}
	}
}
