package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/forest6511/secretmgr/internal/envfile"
	"github.com/forest6511/secretmgr/internal/metadata"
	"github.com/forest6511/secretmgr/internal/secrets"
)

// CreateVaultRequest creates a new empty vault.
type CreateVaultRequest struct {
	DB       string
	Password string // prompted twice when empty
}

// AddRequest stores a new secret and records its metadata.
type AddRequest struct {
	DB       string
	Password string
	Group    string
	Title    string
	Username string
	Secret   string
}

// GetRequest reads a secret and exports it to the env file.
type GetRequest struct {
	DB       string
	Password string
	Title    string
}

// DeleteRequest removes a secret. Metadata rows for the title are removed
// only when PurgeMetadata is set.
type DeleteRequest struct {
	DB            string
	Password      string
	Title         string
	PurgeMetadata bool
}

// CreateVault creates a vault file.
func (c *Coordinator) CreateVault(ctx context.Context, req CreateVaultRequest) error {
	r := c.begin("vault.create", zap.String("db", req.DB))

	if err := required([2]string{"db", req.DB}); err != nil {
		return r.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return r.finish(err)
	}
	pw, err := c.authenticate(r, req.Password, true)
	if err != nil {
		return r.finish(err)
	}

	r.transition(Executing)
	return r.finish(c.vault.CreateVault(req.DB, pw))
}

// Add stores the secret in the vault, then records its metadata. A metadata
// failure after a successful vault write is reported as
// ErrMetadataNotRecorded; the vault entry is kept.
func (c *Coordinator) Add(ctx context.Context, req AddRequest) error {
	r := c.begin("secret.add",
		zap.String("db", req.DB), zap.String("group", req.Group), zap.String("title", req.Title))

	if err := required(
		[2]string{"db", req.DB},
		[2]string{"group", req.Group},
		[2]string{"title", req.Title},
	); err != nil {
		return r.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return r.finish(err)
	}
	pw, err := c.authenticate(r, req.Password, false)
	if err != nil {
		return r.finish(err)
	}

	r.transition(Executing)
	if err := c.vault.AddSecret(req.DB, pw, req.Group, req.Title, req.Username, req.Secret); err != nil {
		return r.finish(err)
	}
	r.log.Debug("vault entry stored")

	rec := c.recorder(c.metadataPath)
	err = rec.EnsureSchema(ctx)
	if err == nil {
		err = rec.Insert(ctx, metadata.Record{
			Name:              req.Title,
			Type:              c.defaults.Type,
			Owner:             req.Username,
			StorageLocation:   req.DB,
			Environment:       c.defaults.Environment,
			RotationFrequency: c.defaults.RotationFrequency,
			ComplianceTags:    c.defaults.ComplianceTags,
			AssociatedService: secrets.EngineName,
			IsEncrypted:       true,
		})
	}
	if err != nil {
		r.log.Warn("stores inconsistent: vault entry has no metadata record",
			zap.String("metadata_db", c.metadataPath))
		return r.finish(fmt.Errorf("%w: %w", ErrMetadataNotRecorded, err))
	}
	return r.finish(nil, zap.String("metadata_db", c.metadataPath))
}

// Get reads the secret and writes its password to the env file under
// envfile.SecretKey(title). The access time in the metadata store is
// updated on a best-effort basis.
func (c *Coordinator) Get(ctx context.Context, req GetRequest) (*secrets.Entry, error) {
	r := c.begin("secret.get", zap.String("db", req.DB), zap.String("title", req.Title))

	if err := required([2]string{"db", req.DB}, [2]string{"title", req.Title}); err != nil {
		return nil, r.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.finish(err)
	}
	pw, err := c.authenticate(r, req.Password, false)
	if err != nil {
		return nil, r.finish(err)
	}

	r.transition(Executing)
	entry, err := c.vault.GetSecret(req.DB, pw, req.Title)
	if err != nil {
		return nil, r.finish(err)
	}

	key := envfile.SecretKey(req.Title)
	if err := c.env.Set(key, entry.Password); err != nil {
		return nil, r.finish(err, zap.String("key", key))
	}

	if _, err := c.recorder(c.metadataPath).TouchAccessed(ctx, req.Title); err != nil {
		r.log.Warn("could not record access time", zap.Error(err))
	}
	return entry, r.finish(nil, zap.String("key", key), zap.String("group", entry.Group))
}

// Delete removes the secret from the vault and, when requested, its
// metadata rows.
func (c *Coordinator) Delete(ctx context.Context, req DeleteRequest) error {
	r := c.begin("secret.delete",
		zap.String("db", req.DB), zap.String("title", req.Title), zap.Bool("purge_metadata", req.PurgeMetadata))

	if err := required([2]string{"db", req.DB}, [2]string{"title", req.Title}); err != nil {
		return r.finish(err)
	}
	if err := ctx.Err(); err != nil {
		return r.finish(err)
	}
	pw, err := c.authenticate(r, req.Password, false)
	if err != nil {
		return r.finish(err)
	}

	r.transition(Executing)
	if err := c.vault.DeleteSecret(req.DB, pw, req.Title); err != nil {
		return r.finish(err)
	}
	if !req.PurgeMetadata {
		return r.finish(nil)
	}

	n, err := c.recorder(c.metadataPath).DeleteRows(ctx, `DELETE FROM secrets WHERE name = ?`, req.Title)
	if err != nil {
		r.log.Warn("stores inconsistent: vault entry deleted but metadata kept",
			zap.String("metadata_db", c.metadataPath))
		return r.finish(fmt.Errorf("%w: %w", ErrMetadataNotRecorded, err))
	}
	return r.finish(nil, zap.String("metadata_db", c.metadataPath), zap.Int64("rows", n))
}
