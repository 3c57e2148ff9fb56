package objectstore

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	body := "{\"resourceType\":\"Patient\",\"id\":\"p1\"}\n"

	info, err := s.Put(ctx, "exports/conn-1/e1.ndjson", strings.NewReader(body), -1, "application/fhir+ndjson")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if info.Size != int64(len(body)) || info.ETag == "" {
		t.Errorf("unexpected info %+v", info)
	}

	data, got, err := s.Get("exports/conn-1/e1.ndjson")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != body || got.ContentType != "application/fhir+ndjson" {
		t.Errorf("unexpected object %q %+v", data, got)
	}

	if _, _, err := s.Get("missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestMemoryStore_SizeMismatch(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Put(context.Background(), "k", strings.NewReader("abc"), 5, "text/plain"); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"exports/b/2.ndjson", "exports/a/1.ndjson", "other/x"} {
		s.Put(ctx, k, strings.NewReader("x"), 1, "text/plain")
	}
	keys := s.Keys("exports/")
	if len(keys) != 2 || keys[0] != "exports/a/1.ndjson" {
		t.Errorf("unexpected keys %v", keys)
	}
}
