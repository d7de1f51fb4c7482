package vault

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrGroupNotFound = errors.New("vault: group not found")
	ErrGroupExists   = errors.New("vault: group already exists with this name")
)

// Group is a named container of entries. Every vault has exactly one root
// group; other groups hang below it or below each other.
type Group struct {
	ID        string
	Name      string
	ParentID  string // empty for the root group
	CreatedAt time.Time
}

// IsRoot reports whether g is the vault's root group.
func (g *Group) IsRoot() bool {
	return g.ParentID == ""
}

func scanGroup(row interface{ Scan(...any) error }) (*Group, error) {
	var (
		g        Group
		parentID sql.NullString
		created  int64
	)
	if err := row.Scan(&g.ID, &g.Name, &parentID, &created); err != nil {
		return nil, err
	}
	g.ParentID = parentID.String
	g.CreatedAt = time.Unix(0, created).UTC()
	return &g, nil
}

// RootGroup returns the vault's root group.
func (v *Vault) RootGroup() (*Group, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.conn()
	if err != nil {
		return nil, err
	}
	g, err := scanGroup(q.QueryRow(`
		SELECT id, name, parent_id, created_at FROM vault_groups
		WHERE parent_id IS NULL ORDER BY created_at LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: root group missing", ErrVaultCorrupted)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read root group: %w", err)
	}
	return g, nil
}

// FindGroup returns the direct child of parent named name.
func (v *Vault) FindGroup(parent *Group, name string) (*Group, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.conn()
	if err != nil {
		return nil, err
	}
	g, err := scanGroup(q.QueryRow(`
		SELECT id, name, parent_id, created_at FROM vault_groups
		WHERE parent_id = ? AND name = ?`, parent.ID, normalizeName(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to find group: %w", err)
	}
	return g, nil
}

// AddGroup creates a group named name under parent. The change is staged
// until Save.
func (v *Vault) AddGroup(parent *Group, name string) (*Group, error) {
	name = normalizeName(name)
	if err := validateName("group name", name, MaxGroupNameLength); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.writeTx()
	if err != nil {
		return nil, err
	}

	g := &Group{
		ID:        uuid.New().String(),
		Name:      name,
		ParentID:  parent.ID,
		CreatedAt: v.now().UTC(),
	}
	_, err = tx.Exec(`INSERT INTO vault_groups (id, name, parent_id, created_at) VALUES (?, ?, ?, ?)`,
		g.ID, g.Name, g.ParentID, g.CreatedAt.UnixNano())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrGroupExists
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("vault: failed to create group: %w", err)
	}
	return g, nil
}

// Groups lists every group, root first, then by creation order.
func (v *Vault) Groups() ([]*Group, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.conn()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(`
		SELECT id, name, parent_id, created_at FROM vault_groups
		ORDER BY parent_id IS NOT NULL, created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []*Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}
