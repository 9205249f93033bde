package model

import (
	"errors"
	"testing"
)

func TestSnapshotDropsEmptyAndDuplicates(t *testing.T) {
	s := NewSnapshot("b (2)", "", "a (1)", "b (2)")
	if s.Len() != 2 {
		t.Fatalf("expected 2 members, got %d", s.Len())
	}
	sorted := s.Sorted()
	if sorted[0] != "a (1)" || sorted[1] != "b (2)" {
		t.Fatalf("unexpected order: %v", sorted)
	}
}

func TestZeroSnapshotIsEmpty(t *testing.T) {
	var s Snapshot
	if s.Len() != 0 || s.Has("x") || len(s.Sorted()) != 0 {
		t.Fatalf("zero snapshot should behave as empty")
	}
}

func TestActionMapLookup(t *testing.T) {
	m := ActionMap{
		"DiskB (ID2)": {
			TransitionAttach: {Kind: ActionRunCommand, Target: "echo hi"},
		},
	}
	spec, ok := m.Lookup("DiskB (ID2)", TransitionAttach)
	if !ok || spec.Kind != ActionRunCommand || spec.Target != "echo hi" {
		t.Fatalf("unexpected lookup result: %#v ok=%v", spec, ok)
	}
	if _, ok := m.Lookup("DiskB (ID2)", TransitionDetach); ok {
		t.Fatalf("detach should not be bound")
	}
	var empty ActionMap
	if _, ok := empty.Lookup("x", TransitionAttach); ok {
		t.Fatalf("nil map lookup should miss")
	}
}

func TestActionErrorUnwraps(t *testing.T) {
	err := &ActionError{Spec: ActionSpec{Kind: ActionLaunch, Target: "/bin/true"}, Err: ErrSpawn}
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn in chain")
	}
	var ae *ActionError
	if !errors.As(error(err), &ae) || ae.Spec.Kind != ActionLaunch {
		t.Fatalf("expected ActionError via errors.As")
	}
}
