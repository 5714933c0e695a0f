package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testStore creates a temporary SQLite store for testing and registers cleanup.
func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "forge.memory.db")
	s, err := NewStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunState_RoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	got, err := s.ReadRunState(ctx)
	if err != nil {
		t.Fatalf("ReadRunState on empty store: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil run state before first save, got %+v", got)
	}

	want := RunState{
		Iteration:    3,
		FailingTests: []string{"TestCheckout", "TestRefund"},
		RecentFiles:  []string{"internal/cart/cart.go"},
		DiffSummary:  "1 file changed, +12 -4",
		BuildOK:      true,
		TestOK:       false,
		Hypotheses:   []string{"fix failing tests"},
	}
	if err := s.SaveRunState(ctx, want); err != nil {
		t.Fatalf("SaveRunState: %v", err)
	}

	got, err = s.ReadRunState(ctx)
	if err != nil {
		t.Fatalf("ReadRunState: %v", err)
	}
	if got == nil {
		t.Fatal("expected run state after save")
	}
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("run state round trip mismatch (-want +got):\n%s", diff)
	}

	// Second save overwrites, never appends.
	want.Iteration = 4
	want.FailingTests = nil
	if err := s.SaveRunState(ctx, want); err != nil {
		t.Fatalf("SaveRunState (second): %v", err)
	}
	got, err = s.ReadRunState(ctx)
	if err != nil {
		t.Fatalf("ReadRunState (second): %v", err)
	}
	if got.Iteration != 4 || len(got.FailingTests) != 0 {
		t.Errorf("overwrite failed: %+v", got)
	}
}

func TestUpdateHeuristics_CountsAccumulate(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.UpdateHeuristics(ctx, []string{"internal/cart/cart.go"}, []string{"TestCheckout"}); err != nil {
			t.Fatalf("UpdateHeuristics: %v", err)
		}
	}
	if err := s.UpdateHeuristics(ctx, nil, []string{"TestRefund"}); err != nil {
		t.Fatalf("UpdateHeuristics: %v", err)
	}

	summary, err := s.GetMemorySummary(ctx, nil)
	if err != nil {
		t.Fatalf("GetMemorySummary: %v", err)
	}
	if want := "test TestCheckout has failed 3 time(s)"; !contains(summary, want) {
		t.Errorf("summary missing %q:\n%s", want, summary)
	}
	if !contains(summary, "file internal/cart/cart.go has failed 3 time(s)") {
		t.Errorf("summary missing file heuristic:\n%s", summary)
	}

	// Focus terms restrict the listing.
	focused, err := s.GetMemorySummary(ctx, []string{"refund"})
	if err != nil {
		t.Fatalf("GetMemorySummary focused: %v", err)
	}
	if !contains(focused, "TestRefund") || contains(focused, "TestCheckout") {
		t.Errorf("focus filter not applied:\n%s", focused)
	}
}

func TestSuggestedFix(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	fix, err := s.GetSuggestedFix(ctx, []string{"TestCheckout"}, nil)
	if err != nil {
		t.Fatalf("GetSuggestedFix on empty store: %v", err)
	}
	if fix != "" {
		t.Errorf("expected no suggestion, got %q", fix)
	}

	if err := s.RecordFix(ctx, []string{"TestCheckout"}, "guard nil cart before totaling"); err != nil {
		t.Fatalf("RecordFix: %v", err)
	}
	if err := s.RecordFix(ctx, []string{"TestCheckout"}, "recompute totals after discount"); err != nil {
		t.Fatalf("RecordFix (second): %v", err)
	}

	fix, err = s.GetSuggestedFix(ctx, []string{"TestOther", "TestCheckout"}, nil)
	if err != nil {
		t.Fatalf("GetSuggestedFix: %v", err)
	}
	// Most recent fix wins.
	if fix != "recompute totals after discount" {
		t.Errorf("unexpected suggestion %q", fix)
	}
}

func TestPassingTests_GrowsMonotonically(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	if err := s.AddPassingTests(ctx, []string{"TestB", "TestA"}); err != nil {
		t.Fatalf("AddPassingTests: %v", err)
	}
	if err := s.AddPassingTests(ctx, []string{"TestA", "TestC"}); err != nil {
		t.Fatalf("AddPassingTests (overlap): %v", err)
	}

	names, err := s.PassingTests(ctx)
	if err != nil {
		t.Fatalf("PassingTests: %v", err)
	}
	if len(names) != 3 || names[0] != "TestA" || names[2] != "TestC" {
		t.Errorf("unexpected passing set %v", names)
	}
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
