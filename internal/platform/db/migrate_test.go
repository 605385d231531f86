package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrationFilesAreOrderedAndAnnotated(t *testing.T) {
	names, err := MigrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)
	for i, name := range names {
		require.True(t, strings.HasSuffix(name, ".sql"), name)
		if i > 0 {
			require.Less(t, names[i-1], name)
		}
		body, err := migrations.ReadFile(migrationsDir + "/" + name)
		require.NoError(t, err)
		require.Contains(t, string(body), "-- +goose Up", name)
		require.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestAssignmentUniquenessIsPartial(t *testing.T) {
	body, err := migrations.ReadFile(migrationsDir + "/00002_access.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "WHERE is_active")
}

func TestOverridesCarryInsertionSequence(t *testing.T) {
	body, err := migrations.ReadFile(migrationsDir + "/00004_override_sequence.sql")
	require.NoError(t, err)
	require.Contains(t, string(body), "seq BIGSERIAL")
}
