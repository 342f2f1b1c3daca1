package sched

import "testing"

func TestGroupNameIsTrimmed(t *testing.T) {
	t.Parallel()
	g := NewGroup("  maintenance ")
	if g.Name() != "maintenance" {
		t.Fatalf("Name = %q, want %q", g.Name(), "maintenance")
	}
	if g.String() != "maintenance" {
		t.Fatalf("String = %q, want %q", g.String(), "maintenance")
	}
}

func TestGroupsAreDistinctMapKeys(t *testing.T) {
	t.Parallel()
	g1, g2 := NewGroup("dup"), NewGroup("dup")
	if g1 == g2 {
		t.Fatal("distinct groups compare equal")
	}
	seen := map[*Group]int{g1: 1, g2: 2}
	if len(seen) != 2 {
		t.Fatalf("map keys collapsed: len = %d, want 2", len(seen))
	}
}
