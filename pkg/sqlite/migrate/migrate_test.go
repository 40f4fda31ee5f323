package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigratorLoadFromFS(t *testing.T) {
	m := New(openDB(t), "test_migrations")
	require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))

	migs := m.Migrations()
	require.Len(t, migs, 2)
	assert.Equal(t, 1, migs[0].Version)
	assert.Equal(t, "widgets", migs[0].Name)
	assert.NotEmpty(t, migs[0].Down)
	assert.Equal(t, "widget_color", migs[1].Name)
	assert.Empty(t, migs[1].Down)
}

func TestMigratorUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := New(db, "test_migrations")
	require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))

	version, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = db.Exec("INSERT INTO widgets (name, color) VALUES ('w', 'red')")
	assert.NoError(t, err)
}

func TestMigratorDown(t *testing.T) {
	ctx := context.Background()
	m := New(openDB(t), "test_migrations")
	require.NoError(t, m.LoadFromFS(testMigrationsFS, "testdata"))
	require.NoError(t, m.Up(ctx))

	err := m.Down(ctx)
	assert.ErrorContains(t, err, "no down script")

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}
