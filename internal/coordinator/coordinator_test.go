package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/forest6511/secretmgr/internal/envfile"
	"github.com/forest6511/secretmgr/internal/metadata"
	"github.com/forest6511/secretmgr/internal/secrets"
	"github.com/forest6511/secretmgr/pkg/crypto"
	"github.com/forest6511/secretmgr/pkg/vault"
)

const masterPassword = "pw1"

type fixture struct {
	dir     string
	db      string
	meta    string
	env     *envfile.File
	logs    *observer.ObservedLogs
	coord   *Coordinator
	options Options
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	core, logs := observer.New(zapcore.DebugLevel)

	f := &fixture{
		dir:  dir,
		db:   filepath.Join(dir, "v.kdbx"),
		meta: filepath.Join(dir, "metadata.db"),
		env:  envfile.New(filepath.Join(dir, ".env")),
		logs: logs,
	}
	f.options = Options{
		Vault: secrets.New(
			vault.WithKDFParams(crypto.KDFParams{Time: 1, Memory: 64, Threads: 1}),
			vault.WithMinFreeBytes(0),
		),
		Recorder:     func(path string) MetadataRecorder { return metadata.NewRecorder(path) },
		Env:          f.env,
		Logger:       zap.New(core),
		MetadataPath: f.meta,
		Defaults: Defaults{
			Type:              "password",
			Environment:       "prod",
			RotationFrequency: 30,
			ComplianceTags:    "GDPR",
		},
	}
	for _, m := range mutate {
		m(&f.options)
	}
	f.coord = New(f.options)
	return f
}

func (f *fixture) createVault(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.CreateVault(context.Background(), CreateVaultRequest{DB: f.db, Password: masterPassword}))
}

func (f *fixture) addDBProd(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Add(context.Background(), AddRequest{
		DB: f.db, Password: masterPassword,
		Group: "databases", Title: "db-prod", Username: "admin", Secret: "s3cr3t",
	}))
}

// summaries returns the terminal log line of every finished request.
func (f *fixture) summaries() []observer.LoggedEntry {
	var out []observer.LoggedEntry
	for _, e := range f.logs.All() {
		if e.Message == "request succeeded" || e.Message == "request failed" {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) assertNeverLogged(t *testing.T, values ...string) {
	t.Helper()
	for _, e := range f.logs.All() {
		line := e.Message + " " + fmt.Sprint(e.ContextMap())
		for _, v := range values {
			assert.NotContains(t, line, v, "log entry %q leaks a secret", e.Message)
		}
	}
}

func TestScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createVault(t)
	f.addDBProd(t)

	rs, err := f.coord.QueryMetadata(ctx, MetadataQuery{
		DB: f.meta, Query: `SELECT name FROM secrets WHERE name=?`, Args: []any{"db-prod"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.Equal(t, "db-prod", rs.Rows[0][0])

	entry, err := f.coord.Get(ctx, GetRequest{DB: f.db, Password: masterPassword, Title: "db-prod"})
	require.NoError(t, err)
	assert.Equal(t, "admin", entry.Username)
	assert.Equal(t, "s3cr3t", entry.Password)

	env, err := f.env.Read()
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", env["SECRET_db_prod"])

	require.NoError(t, f.coord.Delete(ctx, DeleteRequest{DB: f.db, Password: masterPassword, Title: "db-prod"}))

	_, err = f.coord.Get(ctx, GetRequest{DB: f.db, Password: masterPassword, Title: "db-prod"})
	require.ErrorIs(t, err, secrets.ErrNotFound)

	f.assertNeverLogged(t, masterPassword, "s3cr3t")

	states := make([]string, 0)
	for _, e := range f.summaries() {
		states = append(states, e.ContextMap()["operation"].(string)+":"+e.ContextMap()["state"].(string))
	}
	assert.Equal(t, []string{
		"vault.create:succeeded",
		"secret.add:succeeded",
		"metadata.get:succeeded",
		"secret.get:succeeded",
		"secret.delete:succeeded",
		"secret.get:failed",
	}, states)
}

func TestAddRecordsMetadataDefaults(t *testing.T) {
	f := newFixture(t)
	f.createVault(t)
	f.addDBProd(t)

	rs, err := metadata.NewRecorder(f.meta).Query(context.Background(), `
		SELECT name, type, owner, storage_location, environment, rotation_frequency,
		       compliance_tags, associated_service, last_accessed_at
		FROM secrets`)
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())

	row := rs.Maps()[0]
	assert.Equal(t, "db-prod", row["name"])
	assert.Equal(t, "password", row["type"])
	assert.Equal(t, "admin", row["owner"])
	assert.Equal(t, f.db, row["storage_location"])
	assert.Equal(t, "prod", row["environment"])
	assert.EqualValues(t, 30, row["rotation_frequency"])
	assert.Equal(t, "GDPR", row["compliance_tags"])
	assert.Equal(t, secrets.EngineName, row["associated_service"])
	assert.Nil(t, row["last_accessed_at"])
}

func TestGetRecordsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createVault(t)
	f.addDBProd(t)

	_, err := f.coord.Get(ctx, GetRequest{DB: f.db, Password: masterPassword, Title: "db-prod"})
	require.NoError(t, err)

	rs, err := metadata.NewRecorder(f.meta).Query(ctx, `SELECT last_accessed_at FROM secrets WHERE name = ?`, "db-prod")
	require.NoError(t, err)
	require.Equal(t, 1, rs.Len())
	assert.NotNil(t, rs.Rows[0][0])
}

func TestGetSucceedsWithoutMetadataStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createVault(t)
	require.NoError(t, f.options.Vault.AddSecret(f.db, masterPassword, "g", "orphan", "u", "p"))

	entry, err := f.coord.Get(ctx, GetRequest{DB: f.db, Password: masterPassword, Title: "orphan"})
	require.NoError(t, err)
	assert.Equal(t, "p", entry.Password)
	assert.Equal(t, 1, f.logs.FilterMessage("could not record access time").Len())
}

func TestWrongPassword(t *testing.T) {
	f := newFixture(t)
	f.createVault(t)
	f.logs.TakeAll()

	err := f.coord.Add(context.Background(), AddRequest{
		DB: f.db, Password: "wrong", Group: "g", Title: "t", Username: "u", Secret: "p",
	})
	require.ErrorIs(t, err, secrets.ErrOpenFailed)
	assert.ErrorIs(t, err, vault.ErrInvalidPassword)

	summaries := f.summaries()
	require.Len(t, summaries, 1)
	assert.Equal(t, "failed", summaries[0].ContextMap()["state"])
	assert.Equal(t, zapcore.ErrorLevel, summaries[0].Level)
	f.assertNeverLogged(t, "wrong")

	_, statErr := metadata.NewRecorder(f.meta).Query(context.Background(), `SELECT 1`)
	assert.Error(t, statErr, "no metadata store should be created for a failed add")
}

func TestAddMetadataFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Recorder = func(string) MetadataRecorder {
			return &fakeRecorder{schemaErr: fmt.Errorf("%w: disk full", metadata.ErrSchemaFailed)}
		}
	})
	f.createVault(t)

	err := f.coord.Add(context.Background(), AddRequest{
		DB: f.db, Password: masterPassword, Group: "g", Title: "db-prod", Username: "admin", Secret: "s3cr3t",
	})
	require.ErrorIs(t, err, ErrMetadataNotRecorded)
	assert.ErrorIs(t, err, metadata.ErrSchemaFailed)

	// The vault write is kept.
	entry, err := f.options.Vault.GetSecret(f.db, masterPassword, "db-prod")
	require.NoError(t, err)
	assert.Equal(t, "admin", entry.Username)

	assert.Equal(t, 1, f.logs.FilterMessage("stores inconsistent: vault entry has no metadata record").Len())
	f.assertNeverLogged(t, masterPassword, "s3cr3t")
}

func TestAddInsertFailure(t *testing.T) {
	rec := &fakeRecorder{insertErr: metadata.ErrWriteFailed}
	f := newFixture(t, func(o *Options) {
		o.Recorder = func(string) MetadataRecorder { return rec }
	})
	f.createVault(t)

	err := f.coord.Add(context.Background(), AddRequest{
		DB: f.db, Password: masterPassword, Group: "g", Title: "t", Username: "u", Secret: "p",
	})
	require.ErrorIs(t, err, ErrMetadataNotRecorded)
	assert.ErrorIs(t, err, metadata.ErrWriteFailed)
	assert.Equal(t, 1, rec.schemaCalls)
}

func TestDeletePurgeMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createVault(t)
	f.addDBProd(t)
	require.NoError(t, f.coord.Add(ctx, AddRequest{
		DB: f.db, Password: masterPassword, Group: "g", Title: "db-staging", Username: "u", Secret: "p",
	}))

	count := func() int {
		rs, err := metadata.NewRecorder(f.meta).Query(ctx, `SELECT name FROM secrets`)
		require.NoError(t, err)
		return rs.Len()
	}

	require.NoError(t, f.coord.Delete(ctx, DeleteRequest{DB: f.db, Password: masterPassword, Title: "db-staging"}))
	assert.Equal(t, 2, count(), "metadata is kept by default")

	require.NoError(t, f.coord.Delete(ctx, DeleteRequest{
		DB: f.db, Password: masterPassword, Title: "db-prod", PurgeMetadata: true,
	}))
	assert.Equal(t, 1, count())
}

func TestDeleteNotFound(t *testing.T) {
	f := newFixture(t)
	f.createVault(t)

	err := f.coord.Delete(context.Background(), DeleteRequest{DB: f.db, Password: masterPassword, Title: "nope"})
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestGetEnvWriteFailure(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Env = envWriterFunc(func(string, string) error { return envfile.ErrWriteFailed })
	})
	f.createVault(t)
	f.addDBProd(t)

	_, err := f.coord.Get(context.Background(), GetRequest{DB: f.db, Password: masterPassword, Title: "db-prod"})
	assert.ErrorIs(t, err, envfile.ErrWriteFailed)
	f.assertNeverLogged(t, "s3cr3t")
}

func TestPrompt(t *testing.T) {
	t.Run("prompted password is used", func(t *testing.T) {
		p := &fakePrompter{answers: []string{masterPassword, masterPassword}}
		f := newFixture(t, func(o *Options) { o.Prompter = p })

		require.NoError(t, f.coord.CreateVault(context.Background(), CreateVaultRequest{DB: f.db}))
		assert.Equal(t, 2, p.calls, "create asks for confirmation")

		p.answers = []string{masterPassword}
		p.calls = 0
		require.NoError(t, f.coord.Add(context.Background(), AddRequest{
			DB: f.db, Group: "g", Title: "t", Username: "u", Secret: "p",
		}))
		assert.Equal(t, 1, p.calls)
		f.assertNeverLogged(t, masterPassword)
	})

	t.Run("confirmation mismatch", func(t *testing.T) {
		p := &fakePrompter{answers: []string{"one", "two"}}
		f := newFixture(t, func(o *Options) { o.Prompter = p })

		err := f.coord.CreateVault(context.Background(), CreateVaultRequest{DB: f.db})
		assert.ErrorIs(t, err, ErrPasswordMismatch)
	})

	t.Run("empty password", func(t *testing.T) {
		p := &fakePrompter{answers: []string{""}}
		f := newFixture(t, func(o *Options) { o.Prompter = p })

		err := f.coord.Delete(context.Background(), DeleteRequest{DB: f.db, Title: "t"})
		assert.ErrorIs(t, err, ErrPasswordRequired)
	})

	t.Run("prompt error", func(t *testing.T) {
		p := &fakePrompter{err: errors.New("not a terminal")}
		f := newFixture(t, func(o *Options) { o.Prompter = p })

		_, err := f.coord.Get(context.Background(), GetRequest{DB: f.db, Title: "t"})
		assert.ErrorIs(t, err, ErrPasswordRequired)
	})

	t.Run("no prompter", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.coord.Get(context.Background(), GetRequest{DB: f.db, Title: "t"})
		assert.ErrorIs(t, err, ErrPasswordRequired)
	})
}

func TestInvalidRequest(t *testing.T) {
	v := &fakeVault{}
	f := newFixture(t, func(o *Options) { o.Vault = v })
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"create without db", func() error { return f.coord.CreateVault(ctx, CreateVaultRequest{Password: "x"}) }},
		{"add without title", func() error {
			return f.coord.Add(ctx, AddRequest{DB: f.db, Password: "x", Group: "g"})
		}},
		{"add without group", func() error {
			return f.coord.Add(ctx, AddRequest{DB: f.db, Password: "x", Title: "t"})
		}},
		{"get without title", func() error {
			_, err := f.coord.Get(ctx, GetRequest{DB: f.db, Password: "x"})
			return err
		}},
		{"delete without db", func() error { return f.coord.Delete(ctx, DeleteRequest{Password: "x", Title: "t"}) }},
		{"query without sql", func() error {
			_, err := f.coord.QueryMetadata(ctx, MetadataQuery{DB: f.meta})
			return err
		}},
		{"delete metadata without db", func() error {
			_, err := f.coord.DeleteMetadata(ctx, MetadataQuery{Query: "DELETE FROM secrets"})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), ErrInvalidRequest)
		})
	}
	assert.Zero(t, v.calls, "vault must not be touched for invalid requests")
}

func TestCanceledContext(t *testing.T) {
	v := &fakeVault{}
	f := newFixture(t, func(o *Options) { o.Vault = v })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.coord.Add(ctx, AddRequest{DB: f.db, Password: "x", Group: "g", Title: "t"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, v.calls)
}

func TestMetadataOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createVault(t)
	f.addDBProd(t)

	_, err := f.coord.QueryMetadata(ctx, MetadataQuery{DB: f.meta, Query: `SELEC broken`})
	assert.ErrorIs(t, err, metadata.ErrQueryFailed)

	_, err = f.coord.QueryMetadata(ctx, MetadataQuery{DB: filepath.Join(f.dir, "missing.db"), Query: `SELECT 1`})
	assert.ErrorIs(t, err, metadata.ErrQueryFailed)

	n, err := f.coord.DeleteMetadata(ctx, MetadataQuery{
		DB: f.meta, Query: `DELETE FROM secrets WHERE name = ?`, Args: []any{"db-prod"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	last := f.summaries()[len(f.summaries())-1]
	assert.EqualValues(t, 1, last.ContextMap()["rows"])

	_, err = f.coord.DeleteMetadata(ctx, MetadataQuery{DB: f.meta, Query: `UPDATE secrets SET name = 'x'`})
	assert.ErrorIs(t, err, metadata.ErrWriteFailed)
}

func TestStateTransitionsLogged(t *testing.T) {
	f := newFixture(t)
	f.createVault(t)

	var path []string
	for _, e := range f.logs.FilterMessage("state transition").All() {
		path = append(path, e.ContextMap()["to"].(string))
	}
	assert.Equal(t, "authenticating,executing,succeeded", strings.Join(path, ","))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, Succeeded.Terminal())
	assert.False(t, Executing.Terminal())
	assert.True(t, canTransition(Idle, Executing))
	assert.False(t, canTransition(Succeeded, Executing))
	assert.False(t, canTransition(Authenticating, Succeeded))
}

type fakeVault struct {
	calls int
}

func (v *fakeVault) CreateVault(string, string) error {
	v.calls++
	return nil
}

func (v *fakeVault) AddSecret(string, string, string, string, string, string) error {
	v.calls++
	return nil
}

func (v *fakeVault) GetSecret(string, string, string) (*secrets.Entry, error) {
	v.calls++
	return &secrets.Entry{}, nil
}

func (v *fakeVault) DeleteSecret(string, string, string) error {
	v.calls++
	return nil
}

type fakeRecorder struct {
	schemaErr   error
	insertErr   error
	schemaCalls int
}

func (r *fakeRecorder) EnsureSchema(context.Context) error {
	r.schemaCalls++
	return r.schemaErr
}

func (r *fakeRecorder) Insert(context.Context, metadata.Record) error {
	return r.insertErr
}

func (r *fakeRecorder) Query(context.Context, string, ...any) (*metadata.ResultSet, error) {
	return &metadata.ResultSet{}, nil
}

func (r *fakeRecorder) DeleteRows(context.Context, string, ...any) (int64, error) {
	return 0, nil
}

func (r *fakeRecorder) TouchAccessed(context.Context, string) (int64, error) {
	return 0, nil
}

type fakePrompter struct {
	answers []string
	err     error
	calls   int
}

func (p *fakePrompter) Password(string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	a := p.answers[p.calls]
	p.calls++
	return a, nil
}

type envWriterFunc func(key, value string) error

func (f envWriterFunc) Set(key, value string) error { return f(key, value) }
