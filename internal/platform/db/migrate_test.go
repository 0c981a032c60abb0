package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/migrations"
)

func TestLoadMigrationsOrdersByFilename(t *testing.T) {
	fsys := fstest.MapFS{
		"002_indexes.sql": {Data: []byte("CREATE INDEX x ON t (a);")},
		"001_init.sql":    {Data: []byte("CREATE TABLE t (a INT);")},
		"README.md":       {Data: []byte("ignored")},
	}
	got, err := LoadMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "001", got[0].Version)
	require.Equal(t, "002_indexes.sql", got[1].Filename)
	require.Len(t, got[0].Checksum, 64)
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	_, err := LoadMigrations(fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}})
	require.Error(t, err)

	_, err = LoadMigrations(fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	})
	require.Error(t, err)
}

func TestEmbeddedLedgerSchema(t *testing.T) {
	got, err := LoadMigrations(migrations.FS)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	require.Equal(t, "001_ledger.sql", got[0].Filename)
	require.Contains(t, got[0].SQL, "CREATE TABLE IF NOT EXISTS stock_transactions")
	require.Contains(t, got[0].SQL, "committed_plans")
}
