package vault

import (
	"errors"
	"strings"
	"testing"
)

func TestEntryLifecycle(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, err := v.RootGroup()
	if err != nil {
		t.Fatalf("RootGroup failed: %v", err)
	}
	group, err := v.AddGroup(root, "databases")
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}

	added, err := v.AddEntry(group, "db-prod", "admin", "s3cr3t")
	if err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if added.ID == "" {
		t.Error("expected entry ID to be assigned")
	}

	got, err := v.FindEntry("db-prod")
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if got.Username != "admin" || got.Password != "s3cr3t" {
		t.Errorf("FindEntry() = %+v, want admin/s3cr3t", got)
	}
	if got.GroupName != "databases" || got.GroupID != group.ID {
		t.Errorf("entry group = %s/%s, want databases/%s", got.GroupName, got.GroupID, group.ID)
	}
	if !got.CreatedAt.Equal(added.CreatedAt.Truncate(0)) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, added.CreatedAt)
	}

	if err := v.DeleteEntry(got); err != nil {
		t.Fatalf("DeleteEntry failed: %v", err)
	}
	if _, err := v.FindEntry("db-prod"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
	if err := v.DeleteEntry(got); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("second delete: expected ErrEntryNotFound, got %v", err)
	}
}

func TestAddEntryDuplicateTitle(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, _ := v.RootGroup()
	other, err := v.AddGroup(root, "other")
	if err != nil {
		t.Fatalf("AddGroup failed: %v", err)
	}

	if _, err := v.AddEntry(root, "dup", "a", "1"); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}
	if _, err := v.AddEntry(root, "dup", "b", "2"); !errors.Is(err, ErrEntryExists) {
		t.Errorf("expected ErrEntryExists in same group, got %v", err)
	}
	if _, err := v.AddEntry(other, "dup", "c", "3"); err != nil {
		t.Errorf("same title in another group should be allowed: %v", err)
	}
}

func TestFindEntryFirstMatchAcrossGroups(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, _ := v.RootGroup()
	g1, _ := v.AddGroup(root, "first")
	g2, _ := v.AddGroup(root, "second")

	if _, err := v.AddEntry(g2, "shared", "from-second", "p2"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.AddEntry(g1, "shared", "from-first", "p1"); err != nil {
		t.Fatal(err)
	}

	got, err := v.FindEntry("shared")
	if err != nil {
		t.Fatalf("FindEntry failed: %v", err)
	}
	if got.Username != "from-second" {
		t.Errorf("FindEntry should return the earliest added entry, got %q", got.Username)
	}
}

func TestFindEntryNormalizesTitle(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, _ := v.RootGroup()

	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	if _, err := v.AddEntry(root, decomposed, "u", "p"); err != nil {
		t.Fatalf("AddEntry failed: %v", err)
	}

	got, err := v.FindEntry(composed)
	if err != nil {
		t.Fatalf("FindEntry with composed form failed: %v", err)
	}
	if got.Title != composed {
		t.Errorf("stored title = %q, want NFC %q", got.Title, composed)
	}
}

func TestAddEntryValidation(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, _ := v.RootGroup()

	tests := []struct {
		name     string
		title    string
		username string
		password string
		want     error
	}{
		{"empty title", "", "u", "p", ErrNameInvalid},
		{"blank title", "   ", "u", "p", ErrNameInvalid},
		{"control char", "a\nb", "u", "p", ErrNameInvalid},
		{"title too long", strings.Repeat("t", MaxTitleLength+1), "u", "p", ErrNameInvalid},
		{"password too large", "big", "u", strings.Repeat("p", MaxFieldSize+1), ErrValueTooLarge},
		{"username too large", "big", strings.Repeat("u", MaxFieldSize+1), "p", ErrValueTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.AddEntry(root, tt.title, tt.username, tt.password); !errors.Is(err, tt.want) {
				t.Errorf("AddEntry() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := v.AddEntry(root, "empty-values", "", ""); err != nil {
		t.Errorf("empty username and password should be accepted: %v", err)
	}
}

func TestEntries(t *testing.T) {
	_, v := createTestVault(t, "pw1")
	root, _ := v.RootGroup()

	for _, title := range []string{"a", "b", "c"} {
		if _, err := v.AddEntry(root, title, "u-"+title, "p-"+title); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := v.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, title := range []string{"a", "b", "c"} {
		if entries[i].Title != title || entries[i].Password != "p-"+title {
			t.Errorf("entries[%d] = %+v", i, entries[i])
		}
	}
}
