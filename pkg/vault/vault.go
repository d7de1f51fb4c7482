// Package vault implements the encrypted vault file: a single SQLite database
// holding grouped entries whose title, username and password are sealed with
// AES-256-GCM under a random data-encryption key (DEK). The DEK is wrapped by
// a key-encryption key derived from the master password with Argon2id.
//
// A Vault is opened for one unit of work. Mutations are staged in a single
// transaction that Save commits; Close discards anything not saved.
package vault

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/secretmgr/pkg/crypto"
	"github.com/forest6511/secretmgr/pkg/sqlitedsn"

	_ "modernc.org/sqlite"
)

const (
	FileMode = 0600 // Owner read/write only
	DirMode  = 0700

	// CurrentSchemaVersion is the layout written by Create and accepted by Open.
	CurrentSchemaVersion = 1

	// RootGroupName is the display name of the group every vault starts with.
	RootGroupName = "Root"

	// MinDiskSpaceBytes is the free space required before creating or saving.
	MinDiskSpaceBytes = 1024 * 1024

	titleIndexInfo = "title-index-v1"
)

// Errors
var (
	ErrVaultAlreadyExists = errors.New("vault: vault already exists at this path")
	ErrVaultNotFound      = errors.New("vault: vault not found at this path")
	ErrVaultClosed        = errors.New("vault: vault is closed")
	ErrInvalidPassword    = errors.New("vault: invalid master password")
	ErrVaultCorrupted     = errors.New("vault: vault is corrupted")
	ErrUnsupportedVersion = errors.New("vault: unsupported vault schema version")
	ErrInsufficientDisk   = errors.New("vault: insufficient disk space")
)

// Vault is an open, unlocked vault file.
type Vault struct {
	path     string
	db       *sql.DB
	tx       *sql.Tx // pending changes, committed by Save
	dek      []byte
	titleKey []byte // HMAC key for the title index, derived from the DEK
	mu       sync.Mutex
	now      func() time.Time
	minFree  uint64
}

type options struct {
	kdf          crypto.KDFParams
	minFreeBytes uint64
	now          func() time.Time
}

// Option configures Create and Open.
type Option func(*options)

// WithKDFParams sets the Argon2id parameters used by Create.
// Open always uses the parameters recorded in the vault header.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(o *options) { o.kdf = p }
}

// WithMinFreeBytes overrides the free disk space required before writes.
func WithMinFreeBytes(n uint64) Option {
	return func(o *options) { o.minFreeBytes = n }
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		kdf:          crypto.DefaultKDFParams(),
		minFreeBytes: MinDiskSpaceBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func openDB(path string, create bool) (*sql.DB, error) {
	mode := sqlitedsn.ModeReadWrite
	if create {
		mode = sqlitedsn.ModeCreate
	}
	db, err := sql.Open("sqlite", sqlitedsn.File(path, mode, "busy_timeout(5000)", "foreign_keys(ON)"))
	if err != nil {
		return nil, err
	}
	// CLI usage: one connection avoids "database is locked" between the
	// pending transaction and reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Create creates a new vault file at path protected by masterPassword and
// returns it unlocked. The file must not already exist.
func Create(path, masterPassword string, opts ...Option) (*Vault, error) {
	o := buildOptions(opts)
	if err := o.kdf.Validate(); err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); err == nil {
		return nil, ErrVaultAlreadyExists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return nil, fmt.Errorf("vault: failed to create vault directory: %w", err)
	}
	if err := checkDiskSpace(dir, o.minFreeBytes); err != nil {
		return nil, err
	}

	// O_EXCL claims the path and fixes permissions before SQLite writes a byte.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FileMode)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrVaultAlreadyExists
		}
		return nil, fmt.Errorf("vault: failed to create vault file: %w", err)
	}
	f.Close()

	v, err := initialize(path, masterPassword, o)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return v, nil
}

func initialize(path, masterPassword string, o options) (*Vault, error) {
	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	kek := crypto.DeriveKey([]byte(masterPassword), salt, o.kdf)
	defer crypto.SecureWipe(kek)

	dek, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to generate DEK: %w", err)
	}
	encryptedDEK, nonce, err := crypto.Encrypt(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to encrypt DEK: %w", err)
	}

	db, err := openDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := createTables(tx); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to create tables: %w", err)
	}

	now := o.now().UTC()
	if _, err := tx.Exec(`
		INSERT INTO vault_keys (id, salt, kdf_time, kdf_memory, kdf_threads, encrypted_dek, dek_nonce, created_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		salt, o.kdf.Time, o.kdf.Memory, o.kdf.Threads, encryptedDEK, nonce, now.UnixNano(),
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to save encrypted DEK: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO schema_version (version, migrated_at) VALUES (?, ?)`,
		CurrentSchemaVersion, now.UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to set schema version: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO vault_groups (id, name, parent_id, created_at) VALUES (?, ?, NULL, ?)`,
		uuid.New().String(), RootGroupName, now.UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to create root group: %w", err)
	}

	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: failed to commit transaction: %w", err)
	}

	return newVault(path, db, dek, o)
}

// Open opens and unlocks an existing vault file.
func Open(path, masterPassword string, opts ...Option) (*Vault, error) {
	o := buildOptions(opts)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVaultNotFound
		}
		return nil, fmt.Errorf("vault: failed to stat vault file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrVaultCorrupted, path)
	}

	db, err := openDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}

	dek, err := unwrapDEK(db, masterPassword)
	if err != nil {
		db.Close()
		return nil, err
	}

	return newVault(path, db, dek, o)
}

func unwrapDEK(db *sql.DB, masterPassword string) ([]byte, error) {
	var version int
	if err := db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	if version > CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var (
		salt, encryptedDEK, nonce []byte
		params                    crypto.KDFParams
	)
	err := db.QueryRow(`
		SELECT salt, kdf_time, kdf_memory, kdf_threads, encrypted_dek, dek_nonce
		FROM vault_keys WHERE id = 1`,
	).Scan(&salt, &params.Time, &params.Memory, &params.Threads, &encryptedDEK, &nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}

	// Validate header to detect corruption/tampering before spending a KDF run
	if len(salt) != crypto.SaltLength {
		return nil, fmt.Errorf("%w: bad salt length", ErrVaultCorrupted)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}

	kek := crypto.DeriveKey([]byte(masterPassword), salt, params)
	defer crypto.SecureWipe(kek)

	dek, err := crypto.Decrypt(kek, encryptedDEK, nonce)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, ErrInvalidPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrVaultCorrupted, err)
	}
	if len(dek) != crypto.KeyLength {
		crypto.SecureWipe(dek)
		return nil, fmt.Errorf("%w: bad DEK length", ErrVaultCorrupted)
	}
	return dek, nil
}

func newVault(path string, db *sql.DB, dek []byte, o options) (*Vault, error) {
	titleKey, err := crypto.DeriveSubkey(dek, titleIndexInfo)
	if err != nil {
		crypto.SecureWipe(dek)
		db.Close()
		return nil, fmt.Errorf("vault: failed to derive title index key: %w", err)
	}
	return &Vault{
		path:     path,
		db:       db,
		dek:      dek,
		titleKey: titleKey,
		now:      o.now,
		minFree:  o.minFreeBytes,
	}, nil
}

// createTables creates the vault layout. Table names avoid the SQL keyword GROUPS.
func createTables(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE vault_keys (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			kdf_time INTEGER NOT NULL,
			kdf_memory INTEGER NOT NULL,
			kdf_threads INTEGER NOT NULL,
			encrypted_dek BLOB NOT NULL,
			dek_nonce BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE vault_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			parent_id TEXT REFERENCES vault_groups(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			UNIQUE (parent_id, name)
		)`,
		`CREATE TABLE vault_entries (
			id INTEGER PRIMARY KEY,
			uuid TEXT UNIQUE NOT NULL,
			group_id TEXT NOT NULL REFERENCES vault_groups(id) ON DELETE CASCADE,
			title_hmac TEXT NOT NULL,
			encrypted_title BLOB NOT NULL,
			encrypted_username BLOB NOT NULL,
			encrypted_password BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (group_id, title_hmac)
		)`,
		`CREATE INDEX idx_vault_entries_title ON vault_entries (title_hmac)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the vault file path.
func (v *Vault) Path() string {
	return v.path
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// conn returns the pending transaction when one is open, so reads observe
// unsaved changes. Callers must hold v.mu.
func (v *Vault) conn() (querier, error) {
	if v.db == nil {
		return nil, ErrVaultClosed
	}
	if v.tx != nil {
		return v.tx, nil
	}
	return v.db, nil
}

// writeTx returns the pending transaction, starting one if needed.
// Callers must hold v.mu.
func (v *Vault) writeTx() (*sql.Tx, error) {
	if v.db == nil {
		return nil, ErrVaultClosed
	}
	if v.tx == nil {
		tx, err := v.db.Begin()
		if err != nil {
			return nil, fmt.Errorf("vault: failed to begin transaction: %w", err)
		}
		v.tx = tx
	}
	return v.tx, nil
}

// Dirty reports whether there are staged changes not yet saved.
func (v *Vault) Dirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tx != nil
}

// Save persists staged changes to the vault file.
func (v *Vault) Save() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.db == nil {
		return ErrVaultClosed
	}
	if v.tx == nil {
		return nil
	}
	if err := checkDiskSpace(filepath.Dir(v.path), v.minFree); err != nil {
		return err
	}

	tx := v.tx
	v.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: failed to commit transaction: %w", err)
	}
	return nil
}

// Close discards unsaved changes, closes the file and wipes key material.
// It is safe to call more than once.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.tx != nil {
		v.tx.Rollback()
		v.tx = nil
	}
	crypto.SecureWipe(v.dek)
	crypto.SecureWipe(v.titleKey)
	v.dek = nil
	v.titleKey = nil

	if v.db == nil {
		return nil
	}
	err := v.db.Close()
	v.db = nil
	return err
}

// titleIndex returns the keyed lookup hash of a normalized title.
func (v *Vault) titleIndex(title string) string {
	mac := hmac.New(sha256.New, v.titleKey)
	mac.Write([]byte(title))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Vault) seal(s string) ([]byte, error) {
	return crypto.Seal(v.dek, []byte(s))
}

func (v *Vault) open(blob []byte) (string, error) {
	b, err := crypto.Open(v.dek, blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// checkDiskSpace verifies sufficient free space in dir. Stat failures do not
// block the write.
func checkDiskSpace(dir string, required uint64) error {
	if required == 0 {
		return nil
	}
	available, err := diskAvailable(dir)
	if err != nil {
		return nil
	}
	if available < required {
		return fmt.Errorf("%w: only %d bytes available, need at least %d",
			ErrInsufficientDisk, available, required)
	}
	return nil
}
