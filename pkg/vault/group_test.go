package vault

import (
	"errors"
	"testing"
)

func TestGroups(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, err := v.RootGroup()
	if err != nil {
		t.Fatalf("RootGroup failed: %v", err)
	}

	if _, err := v.FindGroup(root, "work"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound, got %v", err)
	}

	work, err := v.AddGroup(root, "work")
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}
	if work.ParentID != root.ID || work.IsRoot() {
		t.Errorf("unexpected group: %+v", work)
	}

	found, err := v.FindGroup(root, "work")
	if err != nil {
		t.Fatalf("FindGroup failed: %v", err)
	}
	if found.ID != work.ID {
		t.Errorf("FindGroup returned %s, want %s", found.ID, work.ID)
	}

	if _, err := v.AddGroup(root, "work"); !errors.Is(err, ErrGroupExists) {
		t.Errorf("expected ErrGroupExists, got %v", err)
	}

	// Same name under a different parent is a different group
	nested, err := v.AddGroup(work, "work")
	if err != nil {
		t.Fatalf("nested AddGroup failed: %v", err)
	}

	groups, err := v.Groups()
	if err != nil {
		t.Fatalf("Groups failed: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	if !groups[0].IsRoot() {
		t.Error("root group should be listed first")
	}
	if groups[2].ID != nested.ID {
		t.Errorf("groups not in creation order: %+v", groups)
	}
}

func TestAddGroupInvalidName(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, _ := v.RootGroup()

	if _, err := v.AddGroup(root, ""); !errors.Is(err, ErrNameInvalid) {
		t.Errorf("expected ErrNameInvalid, got %v", err)
	}
	if _, err := v.AddGroup(&Group{ID: "no-such-parent"}, "orphan"); !errors.Is(err, ErrGroupNotFound) {
		t.Errorf("expected ErrGroupNotFound for unknown parent, got %v", err)
	}
}
