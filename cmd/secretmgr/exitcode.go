package main

import (
	"errors"

	"github.com/forest6511/secretmgr/internal/coordinator"
	"github.com/forest6511/secretmgr/internal/envfile"
	"github.com/forest6511/secretmgr/internal/metadata"
	"github.com/forest6511/secretmgr/internal/secrets"
)

// Process exit codes, one per error kind.
const (
	exitOK            = 0
	exitUnexpected    = 1
	exitUsage         = 2
	exitVaultCreate   = 10
	exitVaultOpen     = 11
	exitNotFound      = 12
	exitVaultWrite    = 13
	exitSchema        = 20
	exitMetadataWrite = 21
	exitQuery         = 22
	exitEnvWrite      = 30
)

// Checked in order: ErrMetadataNotRecorded wraps a metadata error and must
// win over it.
var exitCodes = []struct {
	err  error
	code int
}{
	{coordinator.ErrInvalidRequest, exitUsage},
	{coordinator.ErrPasswordRequired, exitUsage},
	{coordinator.ErrPasswordMismatch, exitUsage},
	{coordinator.ErrMetadataNotRecorded, exitMetadataWrite},
	{secrets.ErrCreateFailed, exitVaultCreate},
	{secrets.ErrOpenFailed, exitVaultOpen},
	{secrets.ErrNotFound, exitNotFound},
	{secrets.ErrWriteFailed, exitVaultWrite},
	{metadata.ErrSchemaFailed, exitSchema},
	{metadata.ErrWriteFailed, exitMetadataWrite},
	{metadata.ErrQueryFailed, exitQuery},
	{envfile.ErrWriteFailed, exitEnvWrite},
	{envfile.ErrInvalidKey, exitEnvWrite},
}

// exitCode maps err to a process exit code. Errors raised before a command
// started running are flag or configuration problems.
func exitCode(err error, ran bool) int {
	if err == nil {
		return exitOK
	}
	for _, c := range exitCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	if !ran {
		return exitUsage
	}
	return exitUnexpected
}
