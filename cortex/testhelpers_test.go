package cortex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testDB creates a migrated sqlite database under a temp directory and
// returns it wrapped in the DBI used by the rest of the bot.
func testDB(t testing.TB) DBI {
	t.Helper()
	ctx := context.Background()

	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	db, err := CreateDB(ctx, dbTypeSQLite, dbPath)
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	return NewDatabase(db, nil, false)
}
