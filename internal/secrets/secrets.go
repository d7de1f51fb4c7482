// Package secrets adapts the encrypted vault engine to the per-request
// operations the secret manager performs. Every call opens the vault,
// performs one mutation or lookup, saves when needed and closes it again;
// nothing is cached between calls.
package secrets

import (
	"errors"
	"fmt"

	"github.com/forest6511/secretmgr/pkg/vault"
)

// EngineName identifies the vault engine. It is recorded as the
// associated_service of every metadata record.
const EngineName = "secretmgr-vault"

// Error kinds returned by the adapter. The underlying engine error is
// wrapped alongside the kind so errors.Is matches both.
var (
	ErrCreateFailed = errors.New("secrets: vault create failed")
	ErrOpenFailed   = errors.New("secrets: vault open failed")
	ErrNotFound     = errors.New("secrets: secret not found")
	ErrWriteFailed  = errors.New("secrets: vault write failed")
)

// Entry is a secret read back from the vault.
type Entry struct {
	ID       string
	Group    string
	Title    string
	Username string
	Password string
}

// Vault performs secret operations against vault files on disk.
type Vault struct {
	opts []vault.Option
}

// New returns an adapter. opts are passed to every Create and Open call.
func New(opts ...vault.Option) *Vault {
	return &Vault{opts: opts}
}

// CreateVault creates a new empty vault file at path.
func (a *Vault) CreateVault(path, masterPassword string) error {
	v, err := vault.Create(path, masterPassword, a.opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	if err := v.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	return nil
}

// AddSecret stores a new entry under group, creating the group below the
// root when it does not exist yet.
func (a *Vault) AddSecret(path, masterPassword, group, title, username, secret string) error {
	v, err := a.open(path, masterPassword)
	if err != nil {
		return err
	}
	defer v.Close()

	g, err := findOrAddGroup(v, group)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if _, err := v.AddEntry(g, title, username, secret); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := v.Save(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// GetSecret returns the first entry whose title matches, searching every
// group in insertion order.
func (a *Vault) GetSecret(path, masterPassword, title string) (*Entry, error) {
	v, err := a.open(path, masterPassword)
	if err != nil {
		return nil, err
	}
	defer v.Close()

	e, err := v.FindEntry(title)
	if err != nil {
		return nil, lookupError(err)
	}
	return &Entry{
		ID:       e.ID,
		Group:    e.GroupName,
		Title:    e.Title,
		Username: e.Username,
		Password: e.Password,
	}, nil
}

// DeleteSecret removes the first entry whose title matches.
func (a *Vault) DeleteSecret(path, masterPassword, title string) error {
	v, err := a.open(path, masterPassword)
	if err != nil {
		return err
	}
	defer v.Close()

	e, err := v.FindEntry(title)
	if err != nil {
		return lookupError(err)
	}
	if err := v.DeleteEntry(e); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	if err := v.Save(); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

func (a *Vault) open(path, masterPassword string) (*vault.Vault, error) {
	v, err := vault.Open(path, masterPassword, a.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	return v, nil
}

func findOrAddGroup(v *vault.Vault, name string) (*vault.Group, error) {
	root, err := v.RootGroup()
	if err != nil {
		return nil, err
	}
	g, err := v.FindGroup(root, name)
	if errors.Is(err, vault.ErrGroupNotFound) {
		return v.AddGroup(root, name)
	}
	return g, err
}

func lookupError(err error) error {
	if errors.Is(err, vault.ErrEntryNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrOpenFailed, err)
}
