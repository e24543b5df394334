package sqlstore

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/sagaler1/v-chatbot/internal/config"
	"github.com/sagaler1/v-chatbot/internal/database"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   filepath.Join(t.TempDir(), "vchat.db"),
	}
	require.NoError(t, database.RunMigrations(cfg))

	db, err := database.NewConnection(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db.DB
}
