package opstate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "opstate.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, ok, err := s.Get(context.Background(), "identity", "model")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || val != "" {
		t.Errorf("Get() = %q, %v; want empty, false", val, ok)
	}
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for _, v := range []string{"phi3:latest", "gemma2:9b"} {
		if err := s.Set(ctx, "identity", "model", v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	val, ok, err := s.Get(ctx, "identity", "model")
	if err != nil || !ok {
		t.Fatalf("Get: %q %v %v", val, ok, err)
	}
	if val != "gemma2:9b" {
		t.Errorf("Get() = %q, want latest value", val)
	}
}

func TestEmptyValueIsPresent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	if err := s.Set(ctx, "identity", "personality", ""); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "identity", "personality"); !ok {
		t.Error("empty value should still report ok")
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	s.Set(ctx, "identity", "model", "phi3")
	s.Set(ctx, "identity", "personality", "calm")
	s.Set(ctx, "other", "model", "x")

	if err := s.Delete(ctx, "identity", "model"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "identity", "never-set"); err != nil {
		t.Errorf("Delete missing key: %v", err)
	}

	got, err := s.List(ctx, "identity")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"personality": "calm"}, got); diff != "" {
		t.Errorf("List mismatch (-want +got):\n%s", diff)
	}

	empty, err := s.List(ctx, "nobody")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("List(empty) = %v, %v; want empty non-nil map", empty, err)
	}
}
