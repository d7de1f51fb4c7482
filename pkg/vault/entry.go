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
	ErrEntryNotFound = errors.New("vault: entry not found")
	ErrEntryExists   = errors.New("vault: entry with this title already exists in the group")
)

// Entry is one secret inside the vault. Title is unique within its group.
type Entry struct {
	ID        string
	GroupID   string
	GroupName string
	Title     string
	Username  string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddEntry appends a new entry to group. The change is staged until Save.
func (v *Vault) AddEntry(group *Group, title, username, password string) (*Entry, error) {
	title = normalizeName(title)
	if err := validateName("title", title, MaxTitleLength); err != nil {
		return nil, err
	}
	if err := validateFieldSize("username", username); err != nil {
		return nil, err
	}
	if err := validateFieldSize("password", password); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.writeTx()
	if err != nil {
		return nil, err
	}

	encTitle, err := v.seal(title)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encrypt title: %w", err)
	}
	encUsername, err := v.seal(username)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encrypt username: %w", err)
	}
	encPassword, err := v.seal(password)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encrypt password: %w", err)
	}

	now := v.now().UTC()
	e := &Entry{
		ID:        uuid.New().String(),
		GroupID:   group.ID,
		GroupName: group.Name,
		Title:     title,
		Username:  username,
		Password:  password,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.Exec(`
		INSERT INTO vault_entries (uuid, group_id, title_hmac, encrypted_title, encrypted_username, encrypted_password, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.GroupID, v.titleIndex(title), encTitle, encUsername, encPassword, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrEntryExists
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint") {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("vault: failed to save entry: %w", err)
	}
	return e, nil
}

const entryColumns = `e.uuid, e.group_id, g.name, e.encrypted_title, e.encrypted_username, e.encrypted_password, e.created_at, e.updated_at`

func (v *Vault) scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e                          Entry
		encTitle, encUser, encPass []byte
		created, updated           int64
	)
	if err := row.Scan(&e.ID, &e.GroupID, &e.GroupName, &encTitle, &encUser, &encPass, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if e.Title, err = v.open(encTitle); err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt title: %w", err)
	}
	if e.Username, err = v.open(encUser); err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt username: %w", err)
	}
	if e.Password, err = v.open(encPass); err != nil {
		return nil, fmt.Errorf("vault: failed to decrypt password: %w", err)
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	e.UpdatedAt = time.Unix(0, updated).UTC()
	return &e, nil
}

// FindEntry returns the first entry, in insertion order across all groups,
// whose title matches.
func (v *Vault) FindEntry(title string) (*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.conn()
	if err != nil {
		return nil, err
	}
	e, err := v.scanEntry(q.QueryRow(`
		SELECT `+entryColumns+`
		FROM vault_entries e JOIN vault_groups g ON g.id = e.group_id
		WHERE e.title_hmac = ?
		ORDER BY e.id LIMIT 1`, v.titleIndex(normalizeName(title))))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to find entry: %w", err)
	}
	return e, nil
}

// Entries lists every entry in insertion order.
func (v *Vault) Entries() ([]*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	q, err := v.conn()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(`
		SELECT ` + entryColumns + `
		FROM vault_entries e JOIN vault_groups g ON g.id = e.group_id
		ORDER BY e.id`)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := v.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteEntry removes e from the vault. The change is staged until Save.
func (v *Vault) DeleteEntry(e *Entry) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	tx, err := v.writeTx()
	if err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM vault_entries WHERE uuid = ?`, e.ID)
	if err != nil {
		return fmt.Errorf("vault: failed to delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to check delete result: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}
