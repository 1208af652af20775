package postgres

import "testing"

func TestLimitArg(t *testing.T) {
	for _, limit := range []int{0, -1} {
		if got := limitArg(limit); got != nil {
			t.Fatalf("expected no limit for %d, got %v", limit, got)
		}
	}
	if got := limitArg(20); got != 20 {
		t.Fatalf("expected 20, got %v", got)
	}
}
