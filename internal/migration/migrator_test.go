package migration

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", "postgres", DatabaseTypePostgres, false},
		{"postgresql", "postgresql", DatabaseTypePostgres, false},
		{"pg", "pg", DatabaseTypePostgres, false},
		{"uppercase", "POSTGRES", DatabaseTypePostgres, false},
		{"mysql_rejected", "mysql", "", true},
		{"sqlite_rejected", "sqlite", "", true},
		{"invalid", "invalid", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestNewMigrator_InvalidConfig(t *testing.T) {
	_, err := NewMigrator(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")

	_, err = NewMigrator(&Config{
		DatabaseType: DatabaseTypePostgres,
		DatabaseURL:  "",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")

	_, err = NewMigrator(&Config{
		DatabaseType: "mysql",
		DatabaseURL:  "mysql://localhost/db",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "only postgres is supported")
}

// migratorIntegration constructs a migrator against a live Postgres instance
// named by SANDBOXCORE_TEST_DATABASE_URL. Skipped unless that variable is set.
func migratorIntegration(t *testing.T) *DefaultMigrator {
	t.Helper()
	dsn := os.Getenv("SANDBOXCORE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SANDBOXCORE_TEST_DATABASE_URL not set, skipping Postgres migration integration test")
	}

	migrator, err := NewMigrator(&Config{
		DatabaseType: DatabaseTypePostgres,
		DatabaseURL:  dsn,
		TableName:    "schema_migrations",
	})
	require.NoError(t, err)
	t.Cleanup(func() { migrator.Close() })
	return migrator
}

func TestMigrator_UpDownStatus_Integration(t *testing.T) {
	migrator := migratorIntegration(t)
	ctx := context.Background()

	require.NoError(t, migrator.Up(ctx))

	version, dirty, err := migrator.Version(ctx)
	require.NoError(t, err)
	assert.Greater(t, version, uint(0))
	assert.False(t, dirty)

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, statuses)

	info, err := migrator.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, info.TotalMigrations, info.AppliedMigrations)
	assert.Equal(t, 0, info.PendingMigrations)

	require.NoError(t, migrator.DownAll(ctx))
}

func TestMigrator_GetAvailableMigrations(t *testing.T) {
	migrator := migratorIntegration(t)

	migrations, err := migrator.getAvailableMigrations()
	require.NoError(t, err)
	assert.NotEmpty(t, migrations)

	for i := 1; i < len(migrations); i++ {
		assert.Greater(t, migrations[i].version, migrations[i-1].version)
	}
}

func TestCLI_Output_Integration(t *testing.T) {
	migrator := migratorIntegration(t)
	cli := NewCLI(migrator)

	r, w, _ := os.Pipe()
	cli.SetOutput(w)

	ctx := context.Background()
	require.NoError(t, migrator.Up(ctx))
	require.NoError(t, cli.RunVersion(ctx))

	w.Close()
	buf := make([]byte, 1024)
	n, _ := r.Read(buf)
	output := string(buf[:n])

	assert.Contains(t, output, "version")

	require.NoError(t, migrator.DownAll(ctx))
}
