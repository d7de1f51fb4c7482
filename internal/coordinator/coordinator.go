// Package coordinator sequences vault and metadata operations for a single
// user request and decides what is logged and what is reported as failure.
//
// Every request walks Idle -> Authenticating -> Executing and ends in
// Succeeded or Failed, emitting exactly one summary log line. There are no
// retries and no rollback across the two stores.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/forest6511/secretmgr/internal/metadata"
	"github.com/forest6511/secretmgr/internal/secrets"
)

var (
	// ErrMetadataNotRecorded means the vault write succeeded but the matching
	// metadata change did not. The stores are inconsistent.
	ErrMetadataNotRecorded = errors.New("coordinator: vault updated but metadata not recorded")

	ErrPasswordRequired = errors.New("coordinator: master password required")
	ErrPasswordMismatch = errors.New("coordinator: passwords do not match")
	ErrInvalidRequest   = errors.New("coordinator: invalid request")
)

// VaultAdapter performs secret operations against a vault file.
type VaultAdapter interface {
	CreateVault(path, masterPassword string) error
	AddSecret(path, masterPassword, group, title, username, secret string) error
	GetSecret(path, masterPassword, title string) (*secrets.Entry, error)
	DeleteSecret(path, masterPassword, title string) error
}

// MetadataRecorder reads and writes one metadata store.
type MetadataRecorder interface {
	EnsureSchema(ctx context.Context) error
	Insert(ctx context.Context, rec metadata.Record) error
	Query(ctx context.Context, query string, args ...any) (*metadata.ResultSet, error)
	DeleteRows(ctx context.Context, query string, args ...any) (int64, error)
	TouchAccessed(ctx context.Context, name string) (int64, error)
}

// EnvWriter stores a key/value pair in the env file.
type EnvWriter interface {
	Set(key, value string) error
}

// Prompter reads a password without echoing it.
type Prompter interface {
	Password(prompt string) (string, error)
}

// Defaults are the metadata values recorded for every new secret.
type Defaults struct {
	Type              string
	Environment       string
	RotationFrequency int
	ComplianceTags    string
}

// Options wires a Coordinator.
type Options struct {
	Vault        VaultAdapter
	Recorder     func(path string) MetadataRecorder
	Env          EnvWriter
	Prompter     Prompter
	Logger       *zap.Logger
	Defaults     Defaults
	MetadataPath string // store written by Add and Delete
}

// Coordinator runs secret and metadata requests.
type Coordinator struct {
	vault        VaultAdapter
	recorder     func(path string) MetadataRecorder
	env          EnvWriter
	prompter     Prompter
	log          *zap.Logger
	defaults     Defaults
	metadataPath string
}

// New returns a Coordinator. A nil Logger discards all output.
func New(o Options) *Coordinator {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		vault:        o.Vault,
		recorder:     o.Recorder,
		env:          o.Env,
		prompter:     o.Prompter,
		log:          log,
		defaults:     o.Defaults,
		metadataPath: o.MetadataPath,
	}
}

// request tracks the state of one operation and owns its log fields.
type request struct {
	state State
	log   *zap.Logger
}

func (c *Coordinator) begin(operation string, fields ...zap.Field) *request {
	return &request{
		state: Idle,
		log:   c.log.With(append([]zap.Field{zap.String("operation", operation)}, fields...)...),
	}
}

func (r *request) transition(to State) {
	if !canTransition(r.state, to) {
		r.log.DPanic("invalid state transition",
			zap.Stringer("from", r.state), zap.Stringer("to", to))
	}
	r.log.Debug("state transition",
		zap.Stringer("from", r.state), zap.Stringer("to", to))
	r.state = to
}

// finish moves the request to its terminal state and writes the summary line.
func (r *request) finish(err error, fields ...zap.Field) error {
	if err != nil {
		r.transition(Failed)
		r.log.Error("request failed",
			append(fields, zap.Stringer("state", r.state), zap.Error(err))...)
		return err
	}
	r.transition(Succeeded)
	r.log.Info("request succeeded", append(fields, zap.Stringer("state", r.state))...)
	return nil
}

// authenticate resolves the master password: the supplied one, or a prompt.
// With confirm set the prompt is repeated and both answers must match.
func (c *Coordinator) authenticate(r *request, supplied string, confirm bool) (string, error) {
	r.transition(Authenticating)
	if supplied != "" {
		return supplied, nil
	}
	if c.prompter == nil {
		return "", fmt.Errorf("%w: no password supplied and no prompt available", ErrPasswordRequired)
	}

	pw, err := c.prompter.Password("Enter master password: ")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPasswordRequired, err)
	}
	if pw == "" {
		return "", ErrPasswordRequired
	}
	if confirm {
		again, err := c.prompter.Password("Confirm master password: ")
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrPasswordRequired, err)
		}
		if again != pw {
			return "", ErrPasswordMismatch
		}
	}
	return pw, nil
}

func required(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidRequest, f[0])
		}
	}
	return nil
}
