package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/cartpilot/internal/migration"
)

func TestParseMigrateFlags(t *testing.T) {
	f, rest, err := parseMigrateFlags("goto", []string{"--db-type", "sqlite", "--db-url", "file:x.db", "2"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", f.dbType)
	assert.Equal(t, "file:x.db", f.dbURL)
	assert.Equal(t, []string{"2"}, rest)

	_, _, err = parseMigrateFlags("up", []string{"--nope"})
	assert.Error(t, err)
}

func TestMigrate_SQLite(t *testing.T) {
	if testing.Short() {
		t.Skip("requires CGO sqlite driver")
	}
	url := migration.BuildDatabaseURL(migration.DatabaseTypeSQLite, "", 0, filepath.Join(t.TempDir(), "cp.db"), "", "", "")
	flags := []string{"--db-type", "sqlite", "--db-url", url}
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, migrate(ctx, "up", flags, &out))
	assert.Contains(t, out.String(), "Running migrations")

	out.Reset()
	require.NoError(t, migrate(ctx, "version", flags, &out))
	assert.Contains(t, out.String(), "Current version: 2")

	err := migrate(ctx, "sideways", flags, &out)
	assert.ErrorIs(t, err, migration.ErrUnknownSubcommand)
}
