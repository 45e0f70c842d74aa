package state_test

import (
	"context"
	"testing"

	"github.com/nightcore/executor/internal/state"
)

func TestPutGetJSON(t *testing.T) {
	root := t.TempDir()
	s, err := state.Open(root, "acme")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	type payload struct {
		Status string `json:"status"`
	}
	if err := s.PutJSON(ctx, "last_proof", payload{Status: "ok"}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}

	var got payload
	ok, err := s.GetJSON(ctx, "last_proof", &got)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !ok || got.Status != "ok" {
		t.Fatalf("GetJSON = %+v, ok=%v", got, ok)
	}
}

func TestGetJSONMissingKey(t *testing.T) {
	root := t.TempDir()
	s, err := state.Open(root, "acme")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var got map[string]any
	ok, err := s.GetJSON(context.Background(), "nope", &got)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing key")
	}
}

func TestAppendJSONHistoryMonotonicity(t *testing.T) {
	root := t.TempDir()
	s, err := state.Open(root, "acme")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	const n = 5
	for i := 0; i < n; i++ {
		if err := s.AppendJSON(ctx, "proof_history", map[string]int{"i": i}); err != nil {
			t.Fatalf("AppendJSON %d: %v", i, err)
		}
	}

	history, err := state.ListJSON[map[string]int](ctx, s, "proof_history")
	if err != nil {
		t.Fatalf("ListJSON: %v", err)
	}
	if len(history) != n {
		t.Fatalf("len(history) = %d, want %d", len(history), n)
	}
	for i, row := range history {
		if row["i"] != i {
			t.Errorf("history[%d] = %v, want i=%d", i, row, i)
		}
	}
}

func TestListJSONDefaultsEmpty(t *testing.T) {
	root := t.TempDir()
	s, err := state.Open(root, "acme")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	history, err := state.ListJSON[map[string]int](context.Background(), s, "proof_history")
	if err != nil {
		t.Fatalf("ListJSON: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}

func TestTenantIsolation(t *testing.T) {
	root := t.TempDir()
	a, err := state.Open(root, "tenant-a")
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	defer a.Close()
	b, err := state.Open(root, "tenant-b")
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := a.PutJSON(ctx, "k", "a-value"); err != nil {
		t.Fatalf("PutJSON a: %v", err)
	}

	var got string
	ok, err := b.GetJSON(ctx, "k", &got)
	if err != nil {
		t.Fatalf("GetJSON b: %v", err)
	}
	if ok {
		t.Fatal("tenant-b must not see tenant-a's state")
	}
}
